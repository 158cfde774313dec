package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	RunsTotal            = prometheus.NewCounter(prometheus.CounterOpts{Name: "deauth_runs_total", Help: "Deauthorization runs started"})
	RunFailures          = prometheus.NewCounter(prometheus.CounterOpts{Name: "deauth_run_failures_total", Help: "Runs that ended with an unrecoverable error"})
	LockContentionSkips  = prometheus.NewCounter(prometheus.CounterOpts{Name: "deauth_lock_contention_skips_total", Help: "Scheduled runs skipped because the job lock was held"})
	UsersScanned         = prometheus.NewCounter(prometheus.CounterOpts{Name: "deauth_users_scanned_total", Help: "Users examined by the audit query stage"})
	ScanFailures         = prometheus.NewCounter(prometheus.CounterOpts{Name: "deauth_scan_failures_total", Help: "Users dropped from the scan because a state check failed"})
	UsersDeauthorized    = prometheus.NewCounter(prometheus.CounterOpts{Name: "deauth_users_deauthorized_total", Help: "Users deauthorized (dry-run included)"})
	SkippedProtected     = prometheus.NewCounter(prometheus.CounterOpts{Name: "deauth_skipped_protected_total", Help: "Candidates skipped because the account is admin or guest"})
	SkippedNotAuthorized = prometheus.NewCounter(prometheus.CounterOpts{Name: "deauth_skipped_not_authorized_total", Help: "Candidates skipped because they were no longer authorized at apply time"})
	RateLimitRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "deauth_rate_limit_rejects_total", Help: "On-demand triggers rejected by the rate limiter"})
	RunDuration          = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "deauth_run_duration_seconds", Help: "Wall time of a full deauthorization run", Buckets: prometheus.ExponentialBuckets(0.1, 2, 12)})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			RunsTotal,
			RunFailures,
			LockContentionSkips,
			UsersScanned,
			ScanFailures,
			UsersDeauthorized,
			SkippedProtected,
			SkippedNotAuthorized,
			RateLimitRejects,
			RunDuration,
		)
	})
	return promhttp.Handler()
}
