package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "collections_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	RunEnqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "collections_run_enqueue_total", Help: "Ad-hoc run enqueue results"},
		[]string{"result"},
	)
	Runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "collections_runs_total", Help: "Batch runs by trigger"},
		[]string{"trigger"},
	)
	RunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "collections_run_duration_seconds", Help: "Batch run duration",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12)},
	)
	InvoiceOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "collections_invoice_outcomes_total", Help: "Per-invoice outcomes"},
		[]string{"outcome", "bucket"},
	)
	InvoiceErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "collections_invoice_errors_total", Help: "Per-invoice errors by kind"},
		[]string{"kind"},
	)
	ContentGenerated = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "collections_content_generated_total", Help: "Content generation results"},
		[]string{"generator", "result"},
	)
	DispatchSend = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "collections_dispatch_total", Help: "Provider send outcomes"},
		[]string{"provider", "result", "http_status"},
	)
	DispatchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "collections_dispatch_latency_seconds", Help: "Provider send latency"},
		[]string{"provider"},
	)
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "twilio_webhook_events_total", Help: "Webhook events"},
		[]string{"status"},
	)
	Suppressed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "collections_suppressed_total", Help: "Skipped sends"},
		[]string{"reason"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, RunEnqueues, Runs, RunDuration, InvoiceOutcomes, InvoiceErrors,
		ContentGenerated, DispatchSend, DispatchLatency, WebhookEvents, Suppressed)
}
