package exporter

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cam3ron2/classroom-snapshot/internal/snapshot"
)

type staticReader []snapshot.RepoView

func (r staticReader) Snapshot() []snapshot.RepoView {
	return r
}

func testReader() staticReader {
	return staticReader{
		{Name: "hw3-Alice", Username: "alice", Status: snapshot.StatusReset.String()},
		{Name: "hw3-Bob", Username: "bob", Status: snapshot.StatusNoCommits.String()},
	}
}

func TestOpenMetricsHandler(t *testing.T) {
	t.Parallel()

	recorder := NewRecorder()
	recorder.Observe(&snapshot.Result{Summary: snapshot.Summary{Students: 2, Cloned: 1, Elapsed: 1500 * time.Millisecond}}, nil, time.Unix(1739836800, 0))

	handler := NewOpenMetricsHandler(NewRegistry(testReader(), recorder))
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Accept", "application/openmetrics-text")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}

	body := rec.Body.String()
	wantSubstrs := []string{
		`classroom_snapshot_repo_status{repo="hw3-Alice",status="reset",username="alice"} 1`,
		`classroom_snapshot_repos{status="no_commits"} 1`,
		`classroom_snapshot_repos{status="clone_error"} 0`,
		`classroom_snapshot_last_run_repos{outcome="students"} 2`,
		`classroom_snapshot_last_run_duration_seconds 1.5`,
		`classroom_snapshot_last_run_success 1`,
		"# EOF",
	}
	for _, substr := range wantSubstrs {
		if !strings.Contains(body, substr) {
			t.Fatalf("metrics output missing %q:\n%s", substr, body)
		}
	}
}

func TestOpenMetricsHandlerBeforeFirstRun(t *testing.T) {
	t.Parallel()

	handler := NewOpenMetricsHandler(NewRegistry(nil, NewRecorder()))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	if strings.Contains(body, "classroom_snapshot_last_run_success") {
		t.Fatalf("metrics output reported a run before any finished:\n%s", body)
	}
	if !strings.Contains(body, "classroom_snapshot_runs_total 0") {
		t.Fatalf("metrics output missing run counter:\n%s", body)
	}
}

func TestWriteTextfile(t *testing.T) {
	t.Parallel()

	recorder := NewRecorder()
	recorder.Observe(nil, errors.New("unauthorized"), time.Unix(1739836800, 0))

	path := filepath.Join(t.TempDir(), "classroom_snapshot.prom")
	if err := WriteTextfile(path, NewRegistry(testReader(), recorder)); err != nil {
		t.Fatalf("WriteTextfile() unexpected error: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() unexpected error: %v", err)
	}
	for _, want := range []string{"classroom_snapshot_last_run_success 0", "classroom_snapshot_runs_total 1"} {
		if !strings.Contains(string(raw), want) {
			t.Fatalf("textfile missing %q:\n%s", want, raw)
		}
	}

	if err := WriteTextfile(filepath.Join(t.TempDir(), "missing", "x.prom"), NewRegistry(nil, recorder)); err == nil {
		t.Fatalf("WriteTextfile() expected error for missing directory")
	}
}
