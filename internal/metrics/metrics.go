// Package metrics exposes agent metrics in the Prometheus format.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"keelhaul/internal/reconcile"
)

const namespace = "keelhaul"

// Agent states reported by keelhaul_state.
const (
	StateRunning  = "running"
	StateSleeping = "sleeping"
)

var (
	_ reconcile.Reporter     = (*Metrics)(nil)
	_ reconcile.PassObserver = (*Metrics)(nil)
)

// Metrics owns a private registry so tests and embedders never collide
// with the global one.
type Metrics struct {
	registry *prometheus.Registry

	state          *prometheus.GaugeVec
	passes         *prometheus.CounterVec
	passDuration   prometheus.Histogram
	lastPass       prometheus.Gauge
	servicesListed prometheus.Gauge
	checks         *prometheus.CounterVec
	updates        *prometheus.CounterVec
	cacheLookups   *prometheus.CounterVec
}

// New registers every collector. version and commit feed keelhaul_build_info.
func New(version, commit string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "state",
			Help: "Agent state; the active state is 1.",
		}, []string{"state"}),
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "passes_total",
			Help: "Reconciliation passes by result (ok, errors, list_failed).",
		}, []string{"result"}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "pass_duration_seconds",
			Help:    "Wall time of reconciliation passes.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		lastPass: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_pass_timestamp_seconds",
			Help: "Unix time the last pass finished.",
		}),
		servicesListed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "services",
			Help: "Services returned by the orchestrator in the last pass.",
		}),
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "service_checks_total",
			Help: "Service checks by outcome and reason.",
		}, []string{"outcome", "reason"}),
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "service_updates_total",
			Help: "Updates accepted by the orchestrator, per service.",
		}, []string{"service"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "digest_cache_lookups_total",
			Help: "Digest cache lookups by result.",
		}, []string{"result"}),
	}

	buildInfo := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "build_info",
		Help: "Build information; always 1.",
	}, []string{"version", "commit"})
	buildInfo.WithLabelValues(version, commit).Set(1)

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		buildInfo,
		m.state, m.passes, m.passDuration, m.lastPass, m.servicesListed,
		m.checks, m.updates, m.cacheLookups,
	)
	m.setState(StateSleeping)
	return m
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) setState(active string) {
	for _, s := range []string{StateRunning, StateSleeping} {
		v := 0.0
		if s == active {
			v = 1
		}
		m.state.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) PassStarted(context.Context, string) {
	m.setState(StateRunning)
}

func (m *Metrics) ReportPass(_ context.Context, s reconcile.Summary) {
	defer m.setState(StateSleeping)

	switch {
	case s.ListErr != nil:
		m.passes.WithLabelValues("list_failed").Inc()
	case s.Errored > 0:
		m.passes.WithLabelValues("errors").Inc()
	default:
		m.passes.WithLabelValues("ok").Inc()
	}
	m.passDuration.Observe(s.Duration().Seconds())
	m.lastPass.Set(float64(s.FinishedAt.Unix()))
	if s.ListErr == nil {
		m.servicesListed.Set(float64(s.Listed))
	}
	for _, r := range s.Results {
		m.checks.WithLabelValues(r.Outcome.String(), r.Reason.String()).Inc()
		if r.Outcome == reconcile.OutcomeUpdated {
			m.updates.WithLabelValues(r.ServiceName).Inc()
		}
	}
}

// CacheLookup counts one digest cache lookup; wire it to
// registry.CacheOptions.OnLookup.
func (m *Metrics) CacheLookup(result string) {
	m.cacheLookups.WithLabelValues(result).Inc()
}

// Serve exposes /metrics on addr until ctx is canceled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics endpoint listening", "component", "metrics", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve metrics: %w", err)
	}
	return nil
}
