// Package metrics exposes run outcomes in Prometheus textfile format, for
// scheduled scans picked up by node_exporter's textfile collector.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ivoronin/snapdog/internal/duplicates"
	"github.com/ivoronin/snapdog/internal/reconciler"
)

const namespace = "snapdog"

// Recorder holds the metrics of one process run on a private registry.
type Recorder struct {
	registry *prometheus.Registry

	files       *prometheus.CounterVec
	walkErrors  *prometheus.CounterVec
	hashed      *prometheus.CounterVec
	hashFailed  *prometheus.CounterVec
	groups      *prometheus.GaugeVec
	wastedBytes *prometheus.GaugeVec
	duration    *prometheus.GaugeVec
	lastSuccess *prometheus.GaugeVec
}

// New creates a Recorder with all metrics registered.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		files: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_total",
			Help:      "Files processed by reconciliation, by outcome.",
		}, []string{"root", "outcome"}),
		walkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "walk_errors_total",
			Help:      "Entries that could not be read during a walk.",
		}, []string{"root"}),
		hashed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_hashed_total",
			Help:      "Content hashes written.",
		}, []string{"root"}),
		hashFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hash_failures_total",
			Help:      "Candidates left unhashed after a failure.",
		}, []string{"root"}),
		groups: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "duplicate_groups",
			Help:      "Duplicate groups after the last detection pass.",
		}, []string{"root"}),
		wastedBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "wasted_bytes",
			Help:      "Bytes reclaimable by keeping one copy per duplicate group.",
		}, []string{"root"}),
		duration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of the last run.",
		}, []string{"root", "kind"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run.",
		}, []string{"root", "kind"}),
	}
	r.registry.MustRegister(r.files, r.walkErrors, r.hashed, r.hashFailed,
		r.groups, r.wastedBytes, r.duration, r.lastSuccess)
	return r
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// ObserveReconcile records a completed reconciliation.
func (r *Recorder) ObserveReconcile(res *reconciler.Result) {
	for outcome, n := range map[string]int{
		"inserted":  res.Inserted,
		"updated":   res.Updated,
		"unchanged": res.Unchanged,
		"restored":  res.Restored,
		"deleted":   res.Deleted,
	} {
		r.files.WithLabelValues(res.Root, outcome).Add(float64(n))
	}
	r.walkErrors.WithLabelValues(res.Root).Add(float64(res.Errors))
	r.duration.WithLabelValues(res.Root, "reconcile").Set(res.Elapsed.Seconds())
	r.lastSuccess.WithLabelValues(res.Root, "reconcile").SetToCurrentTime()
}

// ObserveDuplicates records a completed detection pass.
func (r *Recorder) ObserveDuplicates(res *duplicates.Result) {
	r.hashed.WithLabelValues(res.Root).Add(float64(res.Hashed))
	r.hashFailed.WithLabelValues(res.Root).Add(float64(res.Failed))
	r.groups.WithLabelValues(res.Root).Set(float64(res.Groups))
	r.wastedBytes.WithLabelValues(res.Root).Set(float64(res.Stats.WastedBytes))
	r.duration.WithLabelValues(res.Root, "hash").Set(res.Elapsed.Seconds())
	r.lastSuccess.WithLabelValues(res.Root, "hash").SetToCurrentTime()
}

// WriteFile writes the registry in textfile-collector format to path.
// The write is atomic so a collector never reads a partial file.
func (r *Recorder) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}
