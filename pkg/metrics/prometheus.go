// Package metrics exports SDDMS's lock-manager and commit counters in
// Prometheus text format, adapted from the teacher's
// pkg/metrics.PrometheusExporter (same writeCounter helper and
// namespace-prefixed metric names), but carrying SDDMS's own counters
// instead of the teacher's document-store ones.
package metrics

import (
	"fmt"
	"io"
)

// ControllerSource is the narrow view of *controller.Controller's Stats
// this exporter needs, satisfied structurally so this package never has
// to import pkg/controller.
type ControllerSource interface {
	LocksGranted() int64
	DeadlocksDetected() int64
	LockTimeouts() int64
	CommitsTotal() int64
	CommitsFailed() int64
	AbortsTotal() int64
}

// ExecutorSource is the narrow view of one site's executor Stats.
type ExecutorSource interface {
	AbortedByDeadlockOrTimeout() int64
}

// PrometheusExporter writes the controller's and/or one site's counters in
// Prometheus exposition format. Either source may be nil: a controller
// process has no ExecutorSource and vice versa.
type PrometheusExporter struct {
	controller ControllerSource
	executor   ExecutorSource
	namespace  string
}

// NewPrometheusExporter builds an exporter over controller and/or executor
// counters.
func NewPrometheusExporter(controller ControllerSource, executor ExecutorSource) *PrometheusExporter {
	return &PrometheusExporter{controller: controller, executor: executor, namespace: "sddms"}
}

// SetNamespace overrides the metric name prefix (default "sddms").
func (pe *PrometheusExporter) SetNamespace(namespace string) { pe.namespace = namespace }

// WriteMetrics writes every available counter in Prometheus text format.
func (pe *PrometheusExporter) WriteMetrics(w io.Writer) error {
	if pe.controller != nil {
		if err := pe.writeCounter(w, "locks_granted_total", "Total number of locks granted by the concurrency controller", pe.controller.LocksGranted()); err != nil {
			return err
		}
		if err := pe.writeCounter(w, "deadlocks_detected_total", "Total number of lock requests aborted by deadlock detection", pe.controller.DeadlocksDetected()); err != nil {
			return err
		}
		if err := pe.writeCounter(w, "lock_timeouts_total", "Total number of lock waits that exceeded lock_wait_timeout", pe.controller.LockTimeouts()); err != nil {
			return err
		}
		if err := pe.writeCounter(w, "commits_total", "Total number of transactions committed across every site", pe.controller.CommitsTotal()); err != nil {
			return err
		}
		if err := pe.writeCounter(w, "commits_failed_total", "Total number of commits that failed replication fan-out", pe.controller.CommitsFailed()); err != nil {
			return err
		}
		if err := pe.writeCounter(w, "aborts_total", "Total number of transactions aborted (deadlock, timeout, explicit, or replication failure)", pe.controller.AbortsTotal()); err != nil {
			return err
		}
	}
	if pe.executor != nil {
		if err := pe.writeCounter(w, "site_aborted_by_deadlock_or_timeout_total", "Total number of InvokeQuery calls this site aborted due to a deadlock or lock timeout", pe.executor.AbortedByDeadlockOrTimeout()); err != nil {
			return err
		}
	}
	return nil
}

func (pe *PrometheusExporter) writeCounter(w io.Writer, name, help string, value int64) error {
	metricName := pe.namespace + "_" + name
	_, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n",
		metricName, help, metricName, metricName, value)
	return err
}
