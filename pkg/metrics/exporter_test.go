package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/psantana5/sessiond/pkg/registry"
	"github.com/psantana5/sessiond/pkg/worker"
	"github.com/psantana5/sessiond/pkg/worker/workertest"
)

func TestServeHTTP(t *testing.T) {
	reg := registry.New()
	if err := reg.TryBeginSetup("alice"); err != nil {
		t.Fatal(err)
	}
	w := workertest.NewWorker(workertest.BasePID, worker.StateConnected)
	if err := reg.CompleteSetup("alice", w); err != nil {
		t.Fatal(err)
	}

	e := NewExporter(reg)
	e.RecordSetup("ok")
	e.RecordSetup("conflict")
	e.RecordRecovery("denied")
	e.RecordOrphanReaped()

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		"sessiond_sessions_total 1",
		`sessiond_sessions_by_state{state="active"} 1`,
		`sessiond_sessions_by_state{state="pending"} 0`,
		"sessiond_uptime_seconds",
		`sessiond_setups_total{result="conflict"} 1`,
		`sessiond_setups_total{result="ok"} 1`,
		`sessiond_recoveries_total{outcome="denied"} 1`,
		"sessiond_orphans_reaped_total 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("unexpected content type %q", ct)
	}
}
