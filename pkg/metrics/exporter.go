// Package metrics exports supervisor metrics in Prometheus text
// format: hand-written session gauges plus client_golang counters
// merged into one response.
package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/psantana5/sessiond/pkg/models"
	"github.com/psantana5/sessiond/pkg/registry"
)

// Exporter serves /metrics for the supervisor daemon
type Exporter struct {
	sessions  *registry.Registry
	startTime time.Time

	promReg         *promclient.Registry
	setupsTotal     *promclient.CounterVec
	teardownsTotal  *promclient.CounterVec
	recoveriesTotal *promclient.CounterVec
	restartsDenied  promclient.Counter
	orphansReaped   promclient.Counter
	flushPasses     promclient.Counter
}

// NewExporter creates an exporter over the session registry
func NewExporter(sessions *registry.Registry) *Exporter {
	promReg := promclient.NewRegistry()

	e := &Exporter{
		sessions:  sessions,
		startTime: time.Now(),
		promReg:   promReg,
		setupsTotal: promclient.NewCounterVec(promclient.CounterOpts{
			Name: "sessiond_setups_total",
			Help: "Total session setup attempts by result",
		}, []string{"result"}),
		teardownsTotal: promclient.NewCounterVec(promclient.CounterOpts{
			Name: "sessiond_teardowns_total",
			Help: "Total session teardowns by result",
		}, []string{"result"}),
		recoveriesTotal: promclient.NewCounterVec(promclient.CounterOpts{
			Name: "sessiond_recoveries_total",
			Help: "Total crash recoveries by outcome",
		}, []string{"outcome"}),
		restartsDenied: promclient.NewCounter(promclient.CounterOpts{
			Name: "sessiond_restart_denials_total",
			Help: "Recovery attempts denied by the restart policy",
		}),
		orphansReaped: promclient.NewCounter(promclient.CounterOpts{
			Name: "sessiond_orphans_reaped_total",
			Help: "Orphaned workers reclaimed from disk state",
		}),
		flushPasses: promclient.NewCounter(promclient.CounterOpts{
			Name: "sessiond_flush_passes_total",
			Help: "Reconciliation passes completed",
		}),
	}

	promReg.MustRegister(e.setupsTotal, e.teardownsTotal, e.recoveriesTotal,
		e.restartsDenied, e.orphansReaped, e.flushPasses)

	return e
}

// RecordSetup records a setup attempt result
func (e *Exporter) RecordSetup(result string) {
	e.setupsTotal.WithLabelValues(result).Inc()
}

// RecordTeardown records a teardown result
func (e *Exporter) RecordTeardown(result string) {
	e.teardownsTotal.WithLabelValues(result).Inc()
}

// RecordRecovery records a recovery outcome
func (e *Exporter) RecordRecovery(outcome string) {
	e.recoveriesTotal.WithLabelValues(outcome).Inc()
}

// RecordRestartDenied records a policy denial
func (e *Exporter) RecordRestartDenied() {
	e.restartsDenied.Inc()
}

// RecordOrphanReaped records one reclaimed orphan
func (e *Exporter) RecordOrphanReaped() {
	e.orphansReaped.Inc()
}

// RecordFlushPass records one completed reconciliation pass
func (e *Exporter) RecordFlushPass() {
	e.flushPasses.Inc()
}

// ServeHTTP serves Prometheus-compatible metrics
func (e *Exporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	// Session state breakdown from the registry snapshot
	byState := map[models.SessionState]int{
		models.StatePending:    0,
		models.StateActive:     0,
		models.StateDestroying: 0,
	}
	infos := e.sessions.Snapshot()
	for _, info := range infos {
		byState[info.State]++
	}

	fmt.Fprintf(w, "# HELP sessiond_sessions_total Registered sessions\n")
	fmt.Fprintf(w, "# TYPE sessiond_sessions_total gauge\n")
	fmt.Fprintf(w, "sessiond_sessions_total %d\n", len(infos))

	fmt.Fprintf(w, "\n# HELP sessiond_sessions_by_state Registered sessions by state\n")
	fmt.Fprintf(w, "# TYPE sessiond_sessions_by_state gauge\n")
	// Always export all states (even if count is 0)
	for _, state := range []models.SessionState{models.StatePending, models.StateActive, models.StateDestroying} {
		fmt.Fprintf(w, "sessiond_sessions_by_state{state=\"%s\"} %d\n", state, byState[state])
	}

	fmt.Fprintf(w, "\n# HELP sessiond_uptime_seconds Supervisor uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE sessiond_uptime_seconds gauge\n")
	fmt.Fprintf(w, "sessiond_uptime_seconds %.0f\n", time.Since(e.startTime).Seconds())

	// Append the client_golang-registered counters
	fmt.Fprintf(w, "\n")
	metricFamilies, err := e.promReg.Gather()
	if err != nil {
		fmt.Fprintf(w, "# Error gathering Prometheus metrics: %v\n", err)
		return
	}

	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range metricFamilies {
		if err := encoder.Encode(mf); err != nil {
			fmt.Fprintf(w, "# Error encoding metric %s: %v\n", mf.GetName(), err)
		}
	}
	w.Write(buf.Bytes())
}
