package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const namespace = "lead_scraper"

// Record outcomes.
const (
	RecordCreated     = "created"
	RecordDuplicate   = "duplicate"
	RecordIncomplete  = "incomplete"
	RecordRejected    = "rejected"
	RecordRateLimited = "rate_limited"
)

// Pipeline holds the counters the task runner reports into.
// A nil *Pipeline is valid and records nothing.
type Pipeline struct {
	PagesTotal        *prometheus.CounterVec
	RecordsTotal      *prometheus.CounterVec
	TasksFinished     *prometheus.CounterVec
	FetchDuration     prometheus.Histogram
	ExtractDuration   prometheus.Histogram
	ExtractionErrors  prometheus.Counter
	TasksRunning      prometheus.Gauge
	QueueDepth        prometheus.Gauge
	WatchdogTerminals *prometheus.CounterVec
}

// New registers the pipeline metrics on reg (nil = the default registerer).
func New(reg prometheus.Registerer) *Pipeline {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Pipeline{
		PagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_total",
			Help:      "Pages processed, by outcome (ok or an error category)",
		}, []string{"outcome"}),
		RecordsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Extracted candidate records, by outcome",
		}, []string{"outcome"}),
		TasksFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Tasks reaching a terminal state, by status",
		}, []string{"status"}),
		FetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of page fetches",
			Buckets:   prometheus.DefBuckets,
		}),
		ExtractDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "extract_duration_seconds",
			Help:      "Duration of extraction calls",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60},
		}),
		ExtractionErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extraction_errors_total",
			Help:      "Extraction backend failures",
		}),
		TasksRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_running",
			Help:      "Tasks currently executing in this process",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Tasks waiting in the in-process queue",
		}),
		WatchdogTerminals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watchdog_failures_total",
			Help:      "Tasks force-failed by the watchdog, by reason",
		}, []string{"reason"}),
	}
}

// Page counts one page outcome and observes its fetch duration when known.
func (m *Pipeline) Page(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.PagesTotal.WithLabelValues(outcome).Inc()
	if d > 0 {
		m.FetchDuration.Observe(d.Seconds())
	}
}

// Record counts one candidate record outcome.
func (m *Pipeline) Record(outcome string) {
	if m == nil {
		return
	}
	m.RecordsTotal.WithLabelValues(outcome).Inc()
}

func (m *Pipeline) Extraction(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.ExtractDuration.Observe(d.Seconds())
	if err != nil {
		m.ExtractionErrors.Inc()
	}
}

// TaskStarted and TaskReturned bracket one Run call.
func (m *Pipeline) TaskStarted() {
	if m == nil {
		return
	}
	m.TasksRunning.Inc()
}

func (m *Pipeline) TaskReturned() {
	if m == nil {
		return
	}
	m.TasksRunning.Dec()
}

// TaskFinished counts a terminal transition.
func (m *Pipeline) TaskFinished(status string) {
	if m == nil {
		return
	}
	m.TasksFinished.WithLabelValues(status).Inc()
}

// Queue reports the number of tasks waiting for a worker.
func (m *Pipeline) Queue(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

func (m *Pipeline) WatchdogFailed(reason string) {
	if m == nil {
		return
	}
	m.WatchdogTerminals.WithLabelValues(reason).Inc()
}

// Serve exposes gatherer on addr under path until ctx is done.
func Serve(ctx context.Context, addr, path string, gatherer prometheus.Gatherer, log *logrus.Entry) error {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Infof("Serving metrics on %s%s", addr, path)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
