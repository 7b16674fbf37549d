package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	EnqueuedJobs        prometheus.Counter
	ProcessedJobs       prometheus.Counter
	FailedJobs          prometheus.Counter
	MessagesSent        prometheus.Counter
	SendsCanceled       prometheus.Counter
	UsageBlocked        prometheus.Counter
	ProviderErrors      *prometheus.CounterVec
	MemoryUpdates       prometheus.Counter
	MemoryUpdatesFailed prometheus.Counter
	RateLimited         prometheus.Counter
	HTTPRequests        *prometheus.CounterVec
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			EnqueuedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "botline",
				Name:      "memory_jobs_enqueued_total",
				Help:      "Total memory jobs enqueued to redis stream",
			}),
			ProcessedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "botline",
				Name:      "memory_jobs_processed_total",
				Help:      "Total memory jobs successfully processed",
			}),
			FailedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "botline",
				Name:      "memory_jobs_failed_total",
				Help:      "Total memory jobs failed during processing",
			}),
			MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "botline",
				Name:      "messages_completed_total",
				Help:      "Total exchanges that reached the finalized state",
			}),
			SendsCanceled: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "botline",
				Name:      "sends_canceled_total",
				Help:      "Total sends aborted by a newer send or by the caller",
			}),
			UsageBlocked: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "botline",
				Name:      "usage_blocked_total",
				Help:      "Total sends refused by the usage ledger",
			}),
			ProviderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "botline",
				Name:      "provider_errors_total",
				Help:      "Total failed provider calls",
			}, []string{"provider"}),
			MemoryUpdates: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "botline",
				Name:      "memory_updates_total",
				Help:      "Total memory documents written",
			}),
			MemoryUpdatesFailed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "botline",
				Name:      "memory_updates_failed_total",
				Help:      "Total memory extractions or writes that failed",
			}),
			RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "botline",
				Name:      "http_rate_limited_total",
				Help:      "Total requests rejected by the per-identity rate limiter",
			}),
			HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "botline",
				Name:      "http_requests_total",
				Help:      "Total HTTP requests by route and status",
			}, []string{"route", "status"}),
		}
		prometheus.MustRegister(
			global.EnqueuedJobs,
			global.ProcessedJobs,
			global.FailedJobs,
			global.MessagesSent,
			global.SendsCanceled,
			global.UsageBlocked,
			global.ProviderErrors,
			global.MemoryUpdates,
			global.MemoryUpdatesFailed,
			global.RateLimited,
			global.HTTPRequests,
		)
	})
	return global
}
