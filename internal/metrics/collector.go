// internal/metrics/collector.go
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-harvest/api/schemas"
)

// Collector owns the orchestrator's prometheus series. A nil *Collector is
// valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	tasksStarted   prometheus.Counter
	tasksFinished  *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	tasksActive    prometheus.Gauge
	methodAttempts *prometheus.CounterVec
	sessionEvents  *prometheus.CounterVec
	proxies        *prometheus.GaugeVec
	identities     *prometheus.GaugeVec
	sinkSaves      *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector registers every series on a private registry.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),

		tasksStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_started_total",
			Help:      "Total number of task runs started",
		}),
		tasksFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Total number of task runs finished, by outcome",
		}, []string{"outcome"}),
		taskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task run duration in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"outcome"}),
		tasksActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_active",
			Help:      "Tasks currently holding a concurrency slot",
		}),
		methodAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "method_attempts_total",
			Help:      "Method attempts by method and outcome",
		}, []string{"method", "outcome"}),
		sessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type",
		}, []string{"type"}),
		proxies: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "proxies",
			Help:      "Proxies in the pool by status",
		}, []string{"status"}),
		identities: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "identities",
			Help:      "Identities in the pool by state",
		}, []string{"state"}),
		sinkSaves: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_saves_total",
			Help:      "Result sink saves by outcome",
		}, []string{"outcome"}),
	}
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// TaskStarted counts a run taking a slot.
func (c *Collector) TaskStarted() {
	if c == nil {
		return
	}
	c.tasksStarted.Inc()
	c.tasksActive.Inc()
}

// TaskFinished records a run giving up its slot. result is completed,
// failed or stopped.
func (c *Collector) TaskFinished(result string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.tasksActive.Dec()
	c.tasksFinished.WithLabelValues(result).Inc()
	c.taskDuration.WithLabelValues(result).Observe(elapsed.Seconds())
}

// MethodAttempt records one strategy execution.
func (c *Collector) MethodAttempt(m schemas.Method, ok bool) {
	if c == nil {
		return
	}
	c.methodAttempts.WithLabelValues(string(m), outcome(ok)).Inc()
}

// SessionEvent counts a session event off the bus.
func (c *Collector) SessionEvent(ev schemas.SessionEvent) {
	if c == nil {
		return
	}
	c.sessionEvents.WithLabelValues(string(ev.Type)).Inc()
}

// SetProxies publishes the proxy pool breakdown.
func (c *Collector) SetProxies(byStatus map[schemas.ProxyStatus]int) {
	if c == nil {
		return
	}
	for _, s := range []schemas.ProxyStatus{schemas.ProxyAvailable, schemas.ProxyInUse, schemas.ProxyFailing, schemas.ProxyBanned} {
		c.proxies.WithLabelValues(string(s)).Set(float64(byStatus[s]))
	}
}

// SetIdentities publishes the identity pool breakdown.
func (c *Collector) SetIdentities(total, inUse int) {
	if c == nil {
		return
	}
	c.identities.WithLabelValues("in_use").Set(float64(inUse))
	c.identities.WithLabelValues("idle").Set(float64(total - inUse))
}

// SinkSave records a result sink write.
func (c *Collector) SinkSave(err error) {
	if c == nil {
		return
	}
	c.sinkSaves.WithLabelValues(outcome(err == nil)).Inc()
}

// Handler serves the registry in the prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	c.logger.Info("Metrics endpoint listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
