// Package metrics collects run and module statistics. The Prometheus
// implementation backs the /metrics endpoint of the serve command; the CLI
// uses Summary or Noop.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/paulschiretz/pgl-backitup/pkg/plog"
)

// Outcome classifies how a module invocation ended.
type Outcome string

const (
	Done    Outcome = "done"
	Failed  Outcome = "failed"
	Skipped Outcome = "skipped"
)

// Metrics defines the interface for collecting and reporting run statistics.
type Metrics interface {
	ObserveModule(name string, outcome Outcome, d time.Duration)
	ObserveRun(runType string, success bool, d time.Duration)
	AddArtifactBytes(n int64)
	Log()
}

// Summary keeps counters for the end-of-run log line.
type Summary struct {
	ModulesDone    atomic.Int64
	ModulesFailed  atomic.Int64
	ModulesSkipped atomic.Int64
	ArtifactBytes  atomic.Int64

	mu       sync.Mutex
	duration time.Duration
}

func (m *Summary) ObserveModule(_ string, outcome Outcome, _ time.Duration) {
	switch outcome {
	case Done:
		m.ModulesDone.Add(1)
	case Failed:
		m.ModulesFailed.Add(1)
	case Skipped:
		m.ModulesSkipped.Add(1)
	}
}

func (m *Summary) ObserveRun(_ string, _ bool, d time.Duration) {
	m.mu.Lock()
	m.duration = d
	m.mu.Unlock()
}

func (m *Summary) AddArtifactBytes(n int64) { m.ArtifactBytes.Add(n) }

// Log prints a summary of the run.
func (m *Summary) Log() {
	m.mu.Lock()
	d := m.duration
	m.mu.Unlock()
	plog.Info("SUM",
		"modulesDone", m.ModulesDone.Load(),
		"modulesFailed", m.ModulesFailed.Load(),
		"modulesSkipped", m.ModulesSkipped.Load(),
		"artifactSize", humanize.IBytes(uint64(m.ArtifactBytes.Load())),
		"duration", d.Round(time.Millisecond),
	)
}

// Prometheus exports the same statistics as collectors and keeps a Summary.
type Prometheus struct {
	Summary

	moduleRuns     *prometheus.CounterVec
	moduleDuration *prometheus.HistogramVec
	runs           *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	artifactBytes  prometheus.Counter
}

// NewPrometheus registers the collectors with reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	f := promauto.With(reg)
	return &Prometheus{
		moduleRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "backitup",
			Subsystem: "module",
			Name:      "executions_total",
			Help:      "Module executions by outcome",
		}, []string{"module", "outcome"}),
		moduleDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "backitup",
			Subsystem: "module",
			Name:      "duration_seconds",
			Help:      "Module execution time in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
		}, []string{"module"}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "backitup",
			Subsystem: "run",
			Name:      "total",
			Help:      "Backup and restore runs by type and result",
		}, []string{"type", "result"}),
		runDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "backitup",
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Run time in seconds",
			Buckets:   []float64{1, 10, 30, 60, 300, 900, 1800, 3600},
		}, []string{"type"}),
		artifactBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: "backitup",
			Name:      "artifact_bytes_total",
			Help:      "Bytes written to local artifacts",
		}),
	}
}

func (p *Prometheus) ObserveModule(name string, outcome Outcome, d time.Duration) {
	p.Summary.ObserveModule(name, outcome, d)
	p.moduleRuns.WithLabelValues(name, string(outcome)).Inc()
	p.moduleDuration.WithLabelValues(name).Observe(d.Seconds())
}

func (p *Prometheus) ObserveRun(runType string, success bool, d time.Duration) {
	p.Summary.ObserveRun(runType, success, d)
	result := "success"
	if !success {
		result = "failure"
	}
	p.runs.WithLabelValues(runType, result).Inc()
	p.runDuration.WithLabelValues(runType).Observe(d.Seconds())
}

func (p *Prometheus) AddArtifactBytes(n int64) {
	p.Summary.AddArtifactBytes(n)
	p.artifactBytes.Add(float64(n))
}

// Noop is an implementation of the Metrics interface that performs no operations.
type Noop struct{}

func (Noop) ObserveModule(string, Outcome, time.Duration) {}
func (Noop) ObserveRun(string, bool, time.Duration)       {}
func (Noop) AddArtifactBytes(int64)                       {}
func (Noop) Log()                                         {}

// Statically assert that our types implement the interface.
var _ Metrics = (*Summary)(nil)
var _ Metrics = (*Prometheus)(nil)
var _ Metrics = Noop{}
