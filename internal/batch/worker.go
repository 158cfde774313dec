package batch

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"inactive-user-deauth/internal/models"
	"inactive-user-deauth/internal/security"
)

// AuthorizationService is the mutable license-seat collaborator. It is not
// safe under concurrent mutation; the apply stage serializes all calls.
type AuthorizationService interface {
	IsAuthorized(ctx context.Context, username string) (bool, error)
	Deauthorize(ctx context.Context, username string) error
}

// AuthorityService classifies protected accounts.
type AuthorityService interface {
	IsAdminAccount(ctx context.Context, username string) (bool, error)
	IsGuestAccount(ctx context.Context, username string) (bool, error)
}

const resourceRunInitialized = "deauthorization-worker-run-initialized"

// DeauthorizationWorker applies the per-candidate state machine:
//
//	PENDING -> SKIPPED_PROTECTED        admin or guest account, never touched
//	PENDING -> SKIPPED_NOT_AUTHORIZED   no longer authorized at apply time
//	PENDING -> DEAUTHORIZED             seat revoked (or would be, in dry-run)
//
// Counting uses two counters: txnLocal accumulates within one physical
// transaction attempt and is discarded with it on rollback; cumulative is
// folded forward only after the attempt's batch committed, so retried
// attempts never double count.
type DeauthorizationWorker struct {
	runAs     string
	dryRun    bool
	authority AuthorityService
	authz     AuthorizationService
	log       logrus.FieldLogger

	// txnLocal is confined to the apply thread; the apply stage is forced
	// single-threaded (see Processor).
	txnLocal   int64
	cumulative atomic.Int64
}

// NewDeauthorizationWorker captures the acting identity from ctx so later
// batch attempts, possibly on other goroutines, reissue calls as the same
// identity.
func NewDeauthorizationWorker(ctx context.Context, dryRun bool, authority AuthorityService, authz AuthorizationService, log logrus.FieldLogger) *DeauthorizationWorker {
	return &DeauthorizationWorker{
		runAs:     security.RunAs(ctx),
		dryRun:    dryRun,
		authority: authority,
		authz:     authz,
		log:       log,
	}
}

// BeforeProcess re-establishes the run-as identity for the current attempt.
// It must not touch counters: one attempt spans multiple Process calls, and
// BeforeProcess is not guaranteed to align 1:1 with transaction attempts
// under retry.
func (w *DeauthorizationWorker) BeforeProcess(ctx context.Context) (context.Context, error) {
	return security.WithRunAs(ctx, w.runAs), nil
}

// Identifier names a work item for logging.
func (w *DeauthorizationWorker) Identifier(c *models.DeauthorizationCandidate) string {
	return c.Record.Username
}

// Process runs one state-machine transition. The transaction-local counter is
// reset exactly once per physical attempt, detected through an attempt-scoped
// marker bound on the attempt's first Process call.
func (w *DeauthorizationWorker) Process(ctx context.Context, c *models.DeauthorizationCandidate) error {
	if resource(ctx, resourceRunInitialized) == nil {
		// first Process call of this transaction attempt; a rolled-back
		// attempt's increments die here
		w.txnLocal = 0
		bindResource(ctx, resourceRunInitialized, true)
	}

	username := c.Record.Username

	admin, err := w.authority.IsAdminAccount(ctx, username)
	if err != nil {
		return fmt.Errorf("classify %q: %w", username, err)
	}
	guest, err := w.authority.IsGuestAccount(ctx, username)
	if err != nil {
		return fmt.Errorf("classify %q: %w", username, err)
	}
	if admin || guest {
		w.log.WithField("username", username).Debug("not deauthorizing protected admin/guest account")
		c.Outcome = models.OutcomeSkippedProtected
		return nil
	}

	// re-check live state: the query-time snapshot may be stale, and retried
	// attempts must be idempotent
	authorized, err := w.authz.IsAuthorized(ctx, username)
	if err != nil {
		return fmt.Errorf("check authorization of %q: %w", username, err)
	}
	if !authorized {
		w.log.WithField("username", username).Debug("not deauthorizing user which is not marked as authorized")
		c.Outcome = models.OutcomeSkippedNotAuthorized
		return nil
	}

	w.log.WithFields(logrus.Fields{"username": username, "dry_run": w.dryRun}).Debug("deauthorizing user")
	if !w.dryRun {
		if err := w.authz.Deauthorize(ctx, username); err != nil {
			return fmt.Errorf("deauthorize %q: %w", username, err)
		}
	}
	w.txnLocal++
	c.Outcome = models.OutcomeDeauthorized
	return nil
}

// AfterProcess folds the attempt's transaction-local count into the
// cumulative counter. The processor calls it once per batch, only after the
// enclosing transaction committed; an abandoned attempt never reaches it.
func (w *DeauthorizationWorker) AfterProcess(ctx context.Context) error {
	w.cumulative.Add(w.txnLocal)
	return nil
}

// Deauthorized returns the number of users deauthorized across all committed
// batches of this run.
func (w *DeauthorizationWorker) Deauthorized() int64 {
	return w.cumulative.Load()
}
