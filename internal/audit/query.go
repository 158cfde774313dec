package audit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"inactive-user-deauth/internal/models"
	"inactive-user-deauth/internal/telemetry"
)

// PersonSource lists the population of known accounts.
type PersonSource interface {
	ListUsernames(ctx context.Context) ([]string, error)
}

// ActivitySource reduces an audit application's log to the latest activity per user.
type ActivitySource interface {
	LastActivityByUser(ctx context.Context, application, userPath, datePath string) (map[string]time.Time, error)
}

// Predicate checks a single user's authorization state. Idempotent read.
type Predicate func(ctx context.Context, username string) (bool, error)

// QuerySpec describes one inactive-user query.
type QuerySpec struct {
	// WindowStart is the UTC start of the lookback window. Users whose latest
	// activity precedes it (or who have none) are inactive.
	WindowStart time.Time
	Application string
	UserPath    string
	DatePath    string
	// WorkerThreads bounds the concurrent state-check scan. Safe to
	// parallelize: this stage is pure reads.
	WorkerThreads int
	BatchSize     int
}

// QueryAdapter produces the sorted candidate list for one run. Per-user state
// check failures are logged and exclude only that user; the scan continues.
type QueryAdapter struct {
	persons        PersonSource
	activity       ActivitySource
	isAuthorized   Predicate
	isDeauthorized Predicate
	log            logrus.FieldLogger
}

func NewQueryAdapter(persons PersonSource, activity ActivitySource, isAuthorized, isDeauthorized Predicate, log logrus.FieldLogger) *QueryAdapter {
	return &QueryAdapter{
		persons:        persons,
		activity:       activity,
		isAuthorized:   isAuthorized,
		isDeauthorized: isDeauthorized,
		log:            log,
	}
}

// QueryInactiveUsers returns one record per user whose most recent recorded
// activity precedes spec.WindowStart, sorted by username. Users with no
// recorded activity are treated as maximally inactive.
func (a *QueryAdapter) QueryInactiveUsers(ctx context.Context, spec QuerySpec) ([]models.AuditUserRecord, error) {
	usernames, err := a.persons.ListUsernames(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan person population: %w", err)
	}
	activity, err := a.activity.LastActivityByUser(ctx, spec.Application, spec.UserPath, spec.DatePath)
	if err != nil {
		return nil, fmt.Errorf("query last activity: %w", err)
	}

	var inactive []string
	for _, username := range usernames {
		lastActive, seen := activity[username]
		if !seen || lastActive.Before(spec.WindowStart) {
			inactive = append(inactive, username)
		}
	}
	telemetry.UsersScanned.Add(float64(len(usernames)))
	a.log.WithFields(logrus.Fields{
		"population": len(usernames),
		"inactive":   len(inactive),
		"since":      spec.WindowStart.Format(time.RFC3339),
	}).Debug("queried inactive users")

	batches := chunk(inactive, spec.BatchSize)
	results := make([][]models.AuditUserRecord, len(batches))

	g, gctx := errgroup.WithContext(ctx)
	threads := spec.WorkerThreads
	if threads < 1 {
		threads = 1
	}
	g.SetLimit(threads)
	for i, batch := range batches {
		i, batch := i, batch
		g.Go(func() error {
			out := make([]models.AuditUserRecord, 0, len(batch))
			for _, username := range batch {
				if err := gctx.Err(); err != nil {
					return err
				}
				state, err := a.stampState(gctx, username)
				if err != nil {
					telemetry.ScanFailures.Inc()
					a.log.WithField("username", username).WithError(err).Warn("state check failed, excluding user from scan")
					continue
				}
				out = append(out, models.AuditUserRecord{
					Username:   username,
					LastActive: activity[username],
					State:      state,
				})
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var records []models.AuditUserRecord
	for _, r := range results {
		records = append(records, r...)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Username < records[j].Username })
	return records, nil
}

func (a *QueryAdapter) stampState(ctx context.Context, username string) (models.AuthState, error) {
	authorized, err := a.isAuthorized(ctx, username)
	if err != nil {
		return models.StateUnknown, err
	}
	if authorized {
		return models.StateAuthorized, nil
	}
	deauthorized, err := a.isDeauthorized(ctx, username)
	if err != nil {
		return models.StateUnknown, err
	}
	if deauthorized {
		return models.StateDeauthorized, nil
	}
	return models.StateUnknown, nil
}

func chunk(items []string, size int) [][]string {
	if size < 1 {
		size = 1
	}
	var out [][]string
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}
