package security

import "context"

type runAsKey struct{}

// WithRunAs returns a context carrying the identity that issues privileged
// calls. The identity travels with the unit of work rather than living in
// process-wide state, so batch retries on other goroutines keep it intact.
func WithRunAs(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, runAsKey{}, identity)
}

// RunAs returns the acting identity bound to the context, or "" if none.
func RunAs(ctx context.Context) string {
	if v, ok := ctx.Value(runAsKey{}).(string); ok {
		return v
	}
	return ""
}
