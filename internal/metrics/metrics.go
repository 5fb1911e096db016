package metrics

import (
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ProfileUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "booruramen_profile_updates_total",
		Help: "Total profile update passes",
	})
	ProfileUpdateErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "booruramen_profile_update_errors_total",
		Help: "Total profile update errors",
	})
	ProfileUpdateDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "booruramen_profile_update_duration_seconds",
		Help:    "Profile update pass duration seconds",
		Buckets: prometheus.DefBuckets,
	})
	CurationRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "booruramen_curation_runs_total",
		Help: "Total curated feed passes",
	})
	FetchErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "booruramen_fetch_errors_total",
		Help: "Total source fetch failures",
	}, []string{"source"})
	QueriesExhausted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "booruramen_queries_exhausted_total",
		Help: "Total query strings marked exhausted for the session",
	})
	PostsFilteredClientSide = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "booruramen_posts_filtered_client_side_total",
		Help: "Posts dropped by the client-side whitelist/blacklist pass",
	})
	APIRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "booruramen_api_retries_total",
		Help: "Total API retry attempts",
	}, []string{"source"})
	CommandRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "booruramen_command_runs_total",
		Help: "CLI command invocations",
	}, []string{"command"})
	CommandErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "booruramen_command_errors_total",
		Help: "CLI command failures",
	}, []string{"command"})
)

func init() {
	prometheus.MustRegister(ProfileUpdates, ProfileUpdateErrors, ProfileUpdateDuration,
		CurationRuns, FetchErrors, QueriesExhausted, PostsFilteredClientSide,
		APIRetries, CommandRuns, CommandErrors)
}

// StartServer starts a metrics HTTP server on addr (e.g., ":9090").
func StartServer(addr string) {
	if addr == "" {
		addr = os.Getenv("METRICS_ADDR")
	}
	if addr == "" {
		return
	}
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	go func() { _ = http.ListenAndServe(addr, nil) }()
}

// ObserveProfileUpdateDuration records one update pass duration.
func ObserveProfileUpdateDuration(start time.Time) {
	ProfileUpdateDuration.Observe(time.Since(start).Seconds())
}

// IncAPIRetry increments the retry counter for a source.
func IncAPIRetry(source string) { APIRetries.WithLabelValues(source).Inc() }

// IncCommandRun counts a CLI command invocation.
func IncCommandRun(cmd string) { CommandRuns.WithLabelValues(cmd).Inc() }

// IncCommandError counts a CLI command failure.
func IncCommandError(cmd string) { CommandErrors.WithLabelValues(cmd).Inc() }
