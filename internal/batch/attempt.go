package batch

import "context"

// attemptState is the resource map scoped to one physical transaction
// attempt. The processor binds a fresh map every time the transactional
// executor invokes the work function, so a retried attempt never sees
// resources of the attempt it replaces.
type attemptState struct {
	resources map[string]any
}

type attemptKey struct{}

func newAttemptContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, attemptKey{}, &attemptState{resources: make(map[string]any)})
}

func bindResource(ctx context.Context, key string, value any) {
	if st, ok := ctx.Value(attemptKey{}).(*attemptState); ok {
		st.resources[key] = value
	}
}

func resource(ctx context.Context, key string) any {
	if st, ok := ctx.Value(attemptKey{}).(*attemptState); ok {
		return st.resources[key]
	}
	return nil
}
