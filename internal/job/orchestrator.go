package job

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"inactive-user-deauth/internal/audit"
	"inactive-user-deauth/internal/batch"
	"inactive-user-deauth/internal/config"
	"inactive-user-deauth/internal/models"
	"inactive-user-deauth/internal/security"
	"inactive-user-deauth/internal/telemetry"
)

// CandidateSource produces the sorted inactive-user records for one run.
type CandidateSource interface {
	QueryInactiveUsers(ctx context.Context, spec audit.QuerySpec) ([]models.AuditUserRecord, error)
}

// AuthorizationStore is the authorization collaborator as the orchestrator
// sees it: the worker's mutation surface plus the seat count.
type AuthorizationStore interface {
	batch.AuthorizationService
	CountAuthorizedUsers(ctx context.Context) (int64, error)
}

// Locker is the non-blocking distributed lock guarding scheduled runs.
type Locker interface {
	TryAcquire(ctx context.Context, name string) (release func(), ok bool, err error)
}

// Reporter persists a run summary somewhere operators can find it later.
type Reporter interface {
	Export(ctx context.Context, summary *models.RunSummary) error
}

// Orchestrator owns one full deauthorization pipeline: lock (scheduled path),
// parameter resolution, audit query, filter, batch apply, summary.
type Orchestrator struct {
	cfg       config.Config
	source    CandidateSource
	authz     AuthorizationStore
	authority batch.AuthorityService
	tx        batch.TxRunner
	locker    Locker
	reporter  Reporter
	log       logrus.FieldLogger
	now       func() time.Time
}

func NewOrchestrator(cfg config.Config, source CandidateSource, authz AuthorizationStore, authority batch.AuthorityService, tx batch.TxRunner, locker Locker, log logrus.FieldLogger) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		source:    source,
		authz:     authz,
		authority: authority,
		tx:        tx,
		locker:    locker,
		log:       log,
		now:       time.Now,
	}
}

// WithReporter enables run-summary export.
func (o *Orchestrator) WithReporter(r Reporter) *Orchestrator {
	o.reporter = r
	return o
}

// WithClock overrides the time source.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Run executes one deauthorization run with the given parameters and returns
// its summary. Invalid parameters fail before any query. Errors propagate to
// the caller; the on-demand trigger surface reports them, the scheduled entry
// point wraps this method and swallows them.
func (o *Orchestrator) Run(ctx context.Context, params config.JobParams) (*models.RunSummary, error) {
	params = params.Normalize()
	if err := params.Validate(); err != nil {
		return nil, err
	}

	telemetry.RunsTotal.Inc()
	started := o.now().UTC()
	runID := uuid.New().String()
	log := o.log.WithFields(logrus.Fields{"run_id": runID, "dry_run": params.DryRun})

	ctx = security.WithRunAs(ctx, o.cfg.RunAsIdentity)

	// query phase: pure reads, scanned concurrently across pooled
	// connections (a single transaction cannot serve parallel workers)
	records, err := o.source.QueryInactiveUsers(ctx, audit.QuerySpec{
		WindowStart:   params.WindowStart(started),
		Application:   o.cfg.AuditApplication,
		UserPath:      o.cfg.UserAuditPath,
		DatePath:      o.cfg.DateAuditPath,
		WorkerThreads: params.WorkerThreads,
		BatchSize:     params.BatchSize,
	})
	if err != nil {
		telemetry.RunFailures.Inc()
		return nil, fmt.Errorf("query inactive users: %w", err)
	}

	var before int64
	err = o.tx.RunInTransaction(ctx, true, true, func(cctx context.Context) error {
		var err error
		before, err = o.authz.CountAuthorizedUsers(cctx)
		return err
	})
	if err != nil {
		telemetry.RunFailures.Inc()
		return nil, fmt.Errorf("count authorized users before run: %w", err)
	}

	work := audit.FilterAuthorized(records)
	log.WithFields(logrus.Fields{"candidates": len(records), "authorized": len(work)}).Debug("filtered inactive users to currently authorized ones")

	worker := batch.NewDeauthorizationWorker(ctx, params.DryRun, o.authority, o.authz, log)
	if len(work) == 0 {
		log.Info("no inactive users to deauthorize")
	} else {
		log.WithField("users", len(work)).Info("running deauthorization on inactive users")
		processor := batch.NewProcessor("deauthorize-inactive-users", o.tx, params.BatchSize, params.LoggingInterval, log)
		if err := processor.Process(ctx, worker, work); err != nil {
			telemetry.RunFailures.Inc()
			return nil, fmt.Errorf("apply deauthorization: %w", err)
		}
	}

	deauthorized := worker.Deauthorized()

	var after int64
	if params.DryRun {
		// nothing was mutated; report what the run would have left behind
		after = before - deauthorized
	} else {
		err := o.tx.RunInTransaction(ctx, true, true, func(cctx context.Context) error {
			var err error
			after, err = o.authz.CountAuthorizedUsers(cctx)
			return err
		})
		if err != nil {
			telemetry.RunFailures.Inc()
			return nil, fmt.Errorf("count authorized users after run: %w", err)
		}
	}

	summary := &models.RunSummary{
		RunID:            runID,
		DryRun:           params.DryRun,
		AuthorizedBefore: before,
		AuthorizedAfter:  after,
		Deauthorized:     deauthorized,
		Users:            userResults(work),
		StartedAt:        started,
		Duration:         o.now().UTC().Sub(started).String(),
	}
	o.observeOutcomes(work)
	telemetry.RunDuration.Observe(o.now().UTC().Sub(started).Seconds())

	log.WithFields(logrus.Fields{
		"authorised_before": summary.AuthorizedBefore,
		"authorised_after":  summary.AuthorizedAfter,
		"deauthorised":      summary.Deauthorized,
	}).Info("deauthorization run complete")

	if o.reporter != nil {
		if err := o.reporter.Export(ctx, summary); err != nil {
			log.WithError(err).Warn("failed to export run summary")
		}
	}
	return summary, nil
}

// RunScheduled is the scheduled trigger entry point. It acquires the job lock
// without blocking; a held lock skips the run with a debug log only. Any other
// failure is logged and swallowed so the scheduling mechanism never sees it.
func (o *Orchestrator) RunScheduled(ctx context.Context) {
	o.log.Debug("running deauthorization of inactive users")

	release, ok, err := o.locker.TryAcquire(ctx, o.cfg.LockName)
	if err != nil {
		telemetry.RunFailures.Inc()
		o.log.WithError(err).Error("deauthorization of inactive users failed")
		return
	}
	if !ok {
		telemetry.LockContentionSkips.Inc()
		o.log.WithField("lock", o.cfg.LockName).Debug("job lock held elsewhere, skipping run")
		return
	}
	defer release()

	if _, err := o.Run(ctx, o.cfg.Job); err != nil {
		o.log.WithError(err).Error("deauthorization of inactive users failed")
		return
	}
	o.log.Debug("completed deauthorization of inactive users")
}

func userResults(work []*models.DeauthorizationCandidate) []models.UserResult {
	results := make([]models.UserResult, 0, len(work))
	for _, c := range work {
		r := models.UserResult{
			Username:      c.Record.Username,
			WasAuthorized: c.Record.State == models.StateAuthorized,
			Deauthorized:  c.Outcome == models.OutcomeDeauthorized,
		}
		if !c.Record.LastActive.IsZero() {
			r.LastActive = c.Record.LastActive.UTC().Format(time.RFC3339)
		}
		switch c.Outcome {
		case models.OutcomeSkippedProtected:
			r.SkippedBecause = "protected"
		case models.OutcomeSkippedNotAuthorized:
			r.SkippedBecause = "not_authorized"
		}
		results = append(results, r)
	}
	return results
}

func (o *Orchestrator) observeOutcomes(work []*models.DeauthorizationCandidate) {
	for _, c := range work {
		switch c.Outcome {
		case models.OutcomeDeauthorized:
			telemetry.UsersDeauthorized.Inc()
		case models.OutcomeSkippedProtected:
			telemetry.SkippedProtected.Inc()
		case models.OutcomeSkippedNotAuthorized:
			telemetry.SkippedNotAuthorized.Inc()
		}
	}
}
