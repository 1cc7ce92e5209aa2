package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cam3ron2/classroom-snapshot/internal/config"
	"github.com/cam3ron2/classroom-snapshot/internal/gitcmd"
	"github.com/cam3ron2/classroom-snapshot/internal/health"
	"github.com/cam3ron2/classroom-snapshot/internal/history"
	"github.com/cam3ron2/classroom-snapshot/internal/hostapi"
	"github.com/cam3ron2/classroom-snapshot/internal/roster"
	"github.com/cam3ron2/classroom-snapshot/internal/snapshot"
	"github.com/cam3ron2/classroom-snapshot/internal/source"
)

type fakeProvider struct {
	prefixCount int
	pushes      map[string]time.Time
	// missing answers every repo lookup with not found.
	missing bool
}

func (f *fakeProvider) Name() string { return "GitHub" }

func (f *fakeProvider) RepoPrefixCount(_ context.Context, _ string) (int, error) {
	return f.prefixCount, nil
}

func (f *fakeProvider) GetRepo(_ context.Context, prefix string, student roster.Student) (source.RepoResult, error) {
	if f.missing {
		return source.RepoResult{Status: hostapi.EndpointStatusNotFound}, nil
	}
	name := prefix + "-" + student.Username
	return source.RepoResult{
		Status: hostapi.EndpointStatusOK,
		Info:   source.RepoInfo{Name: name, HTTPURL: "https://example.com/org/" + name + ".git"},
	}, nil
}

func (f *fakeProvider) CountPushes(ctx context.Context, info source.RepoInfo) (source.PushResult, error) {
	return f.CommitBefore(ctx, info, time.Date(3000, time.January, 1, 0, 0, 0, 0, time.UTC))
}

func (f *fakeProvider) CommitBefore(_ context.Context, info source.RepoInfo, deadline time.Time) (source.PushResult, error) {
	result := source.PushResult{Status: hostapi.EndpointStatusOK}
	pushedAt, ok := f.pushes[info.Name]
	if !ok {
		return result, nil
	}
	result.Pushes = 1
	if pushedAt.Before(deadline) {
		result.Commit = "c0ffee"
		result.PushedAt = pushedAt
	}
	return result, nil
}

func (f *fakeProvider) CloneURL(_ context.Context, info source.RepoInfo) (string, error) {
	return strings.Replace(info.HTTPURL, "https://", "https://x-access-token:tok3n@", 1), nil
}

func (f *fakeProvider) Secrets() []string { return []string{"tok3n"} }

func (f *fakeProvider) Close() error { return nil }

// fakeRunner creates clone directories with a data folder inside.
type fakeRunner struct {
	mu     sync.Mutex
	clones int
	resets int
}

func (r *fakeRunner) Clone(_ context.Context, opts gitcmd.CloneOptions) (gitcmd.Output, error) {
	r.mu.Lock()
	r.clones++
	r.mu.Unlock()
	dataDir := filepath.Join(opts.Dir, opts.Name, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return gitcmd.Output{}, err
	}
	return gitcmd.Output{}, os.WriteFile(filepath.Join(dataDir, "input.txt"), []byte("42\n"), 0o644)
}

func (r *fakeRunner) Reset(_ context.Context, _, _ string) (gitcmd.Output, error) {
	r.mu.Lock()
	r.resets++
	r.mu.Unlock()
	return gitcmd.Output{}, nil
}

var fixedNow = time.Date(2024, time.January, 12, 10, 0, 0, 0, time.UTC)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	rosterPath := filepath.Join(dir, "students.csv")
	rosterCSV := "identifier,github_username\nAlice,alice\nBob,bob\n"
	if err := os.WriteFile(rosterPath, []byte(rosterCSV), 0o600); err != nil {
		t.Fatalf("WriteFile(roster) unexpected error: %v", err)
	}
	return &config.Config{
		LogLevel: "info",
		Source:   config.SourceGitHub,
		Timezone: "UTC",
		Clone: config.CloneConfig{
			OutputDir:     filepath.Join(dir, "clones"),
			Workers:       2,
			GitBackend:    config.GitBackendExec,
			Retries:       1,
			DataFolder:    "data",
			WorkspaceFile: true,
		},
		Roster: config.RosterConfig{
			Path: rosterPath,
			Adjustments: []config.AdjustmentConfig{
				{Username: "bob", AssignmentHours: 48},
			},
		},
		History: config.HistoryConfig{Backend: config.HistoryBackendMemory},
		Status:  config.StatusConfig{MetricsTextfile: filepath.Join(dir, "snapshot.prom")},
	}
}

func testParams() snapshot.RunParameters {
	return snapshot.RunParameters{
		RepoPrefix: "hw3",
		DueDate:    "2024-01-11",
		DueTime:    "00:00",
		Source:     config.SourceGitHub,
	}
}

func newTestRuntime(t *testing.T, cfg *config.Config, provider source.Provider, runner gitcmd.Runner) *Runtime {
	t.Helper()
	runtime, err := NewRuntime(cfg, Dependencies{
		NewProvider: func(string) (source.Provider, error) { return provider, nil },
		Runner:      runner,
		History:     history.NewMemoryStore(),
	}, nil)
	if err != nil {
		t.Fatalf("NewRuntime() unexpected error: %v", err)
	}
	runtime.Now = func() time.Time { return fixedNow }
	return runtime
}

func alicePushedOnTime() *fakeProvider {
	return &fakeProvider{
		prefixCount: 2,
		pushes: map[string]time.Time{
			"hw3-alice": time.Date(2024, time.January, 10, 23, 0, 0, 0, time.UTC),
		},
	}
}

func TestRuntimeRun(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	runner := &fakeRunner{}
	runtime := newTestRuntime(t, cfg, alicePushedOnTime(), runner)

	outcome, err := runtime.Run(context.Background(), testParams())
	if err != nil {
		t.Fatalf("Run() unexpected error: %v", err)
	}

	wantDir := filepath.Join(cfg.Clone.OutputDir, "hw3")
	if outcome.OutputDir != wantDir {
		t.Fatalf("Run().OutputDir = %q, want %q", outcome.OutputDir, wantDir)
	}
	if runner.clones != 1 || runner.resets != 1 {
		t.Fatalf("runner clones=%d resets=%d, want 1 and 1", runner.clones, runner.resets)
	}
	if !outcome.DataFolder {
		t.Fatalf("Run().DataFolder = false, want true")
	}
	if _, err := os.Stat(filepath.Join(wantDir, "data", "input.txt")); err != nil {
		t.Fatalf("data folder not extracted: %v", err)
	}

	raw, err := os.ReadFile(outcome.Workspace)
	if err != nil {
		t.Fatalf("ReadFile(workspace) unexpected error: %v", err)
	}
	if !strings.Contains(string(raw), `"hw3-Alice"`) || strings.Contains(string(raw), "hw3-Bob") {
		t.Fatalf("workspace = %s, want only hw3-Alice", raw)
	}

	reports, err := runtime.History().List(context.Background())
	if err != nil {
		t.Fatalf("History().List() unexpected error: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("History().List() returned %d reports, want 1", len(reports))
	}
	report := reports[0]
	if report.RepoPrefix != "hw3" || report.Failed != "" || report.OutputDir != wantDir {
		t.Fatalf("report = %+v", report)
	}
	if report.RunDate != "2024-01-12" || report.RunTime != "10:00" {
		t.Fatalf("report run date/time = %s %s", report.RunDate, report.RunTime)
	}
	joined := strings.Join(report.LogLines, "\n")
	if !strings.Contains(joined, "1/2 accepted the assignment before the due datetime.") {
		t.Fatalf("report log lines missing accepted summary:\n%s", joined)
	}
	if strings.Contains(joined, "tok3n") {
		t.Fatalf("report log lines leak the token:\n%s", joined)
	}

	textfile, err := os.ReadFile(cfg.Status.MetricsTextfile)
	if err != nil {
		t.Fatalf("ReadFile(textfile) unexpected error: %v", err)
	}
	if !strings.Contains(string(textfile), "classroom_snapshot_runs_total 1") {
		t.Fatalf("textfile missing runs counter:\n%s", textfile)
	}

	status := runtime.CurrentStatus(context.Background())
	if status.Phase != health.PhaseFinished || !status.Ready {
		t.Fatalf("CurrentStatus() = %+v, want finished and ready", status)
	}
	summary, ok := runtime.LastSummary()
	if !ok || summary.Cloned != 1 || summary.NoCommits != 1 {
		t.Fatalf("LastSummary() = %+v, %t", summary, ok)
	}
}

func TestRuntimeRunFaults(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		provider  *fakeProvider
		params    func(snapshot.RunParameters) snapshot.RunParameters
		wantErr   error
		wantPhase health.Phase
	}{
		{
			name:      "prefix_not_found",
			provider:  &fakeProvider{},
			wantErr:   snapshot.ErrPrefixNotFound,
			wantPhase: health.PhaseFailed,
		},
		{
			name:     "no_commits_dry_run",
			provider: &fakeProvider{prefixCount: 1},
			params: func(p snapshot.RunParameters) snapshot.RunParameters {
				p.DryRun = true
				return p
			},
			wantPhase: health.PhaseFinished,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := testConfig(t)
			runner := &fakeRunner{}
			runtime := newTestRuntime(t, cfg, tc.provider, runner)
			params := testParams()
			if tc.params != nil {
				params = tc.params(params)
			}

			outcome, err := runtime.Run(context.Background(), params)
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("Run() error = %v, want %v", err, tc.wantErr)
			}
			if tc.wantErr == nil && err != nil {
				t.Fatalf("Run() unexpected error: %v", err)
			}
			if outcome == nil {
				t.Fatalf("Run() outcome is nil")
			}
			if outcome.Workspace != "" {
				t.Fatalf("Run().Workspace = %q, want none", outcome.Workspace)
			}
			if _, err := os.Stat(outcome.OutputDir); !errors.Is(err, os.ErrNotExist) {
				t.Fatalf("output dir %s should not exist, stat error: %v", outcome.OutputDir, err)
			}
			if runner.clones != 0 {
				t.Fatalf("runner clones = %d, want 0", runner.clones)
			}
			if got := runtime.CurrentStatus(context.Background()).Phase; got != tc.wantPhase {
				t.Fatalf("CurrentStatus().Phase = %q, want %q", got, tc.wantPhase)
			}

			reports, err := runtime.History().List(context.Background())
			if err != nil {
				t.Fatalf("History().List() unexpected error: %v", err)
			}
			if len(reports) != 1 {
				t.Fatalf("History().List() returned %d reports, want 1", len(reports))
			}
			if gotFailed := reports[0].Failed != ""; gotFailed != (tc.wantErr != nil) {
				t.Fatalf("report.Failed = %q", reports[0].Failed)
			}
		})
	}
}

func TestRuntimeRunReplaceDuplicates(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name        string
		provider    *fakeProvider
		dryRun      bool
		wantErr     error
		wantKept    bool
		wantLine    string
		wantReadies int
	}{
		{
			name:     "unknown_prefix_keeps_previous_snapshot",
			provider: &fakeProvider{},
			wantErr:  snapshot.ErrPrefixNotFound,
			wantKept: true,
		},
		{
			name:     "nobody_accepted_keeps_previous_snapshot",
			provider: &fakeProvider{prefixCount: 2, missing: true},
			wantErr:  snapshot.ErrNoneAccepted,
			wantKept: true,
		},
		{
			name:        "dry_run_counts_without_deleting",
			provider:    alicePushedOnTime(),
			dryRun:      true,
			wantKept:    true,
			wantLine:    "Would have deleted 1 files/folders in ",
			wantReadies: 1,
		},
		{
			name:        "accepted_run_clears_previous_snapshot",
			provider:    alicePushedOnTime(),
			wantLine:    "Deleted 1 files/folders in ",
			wantReadies: 1,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := testConfig(t)
			previous := filepath.Join(cfg.Clone.OutputDir, "hw3", "hw3-Alice", "main.py")
			if err := os.MkdirAll(filepath.Dir(previous), 0o755); err != nil {
				t.Fatalf("MkdirAll() unexpected error: %v", err)
			}
			if err := os.WriteFile(previous, []byte("print('graded')\n"), 0o600); err != nil {
				t.Fatalf("WriteFile() unexpected error: %v", err)
			}

			var readies []string
			runtime, err := NewRuntime(cfg, Dependencies{
				NewProvider: func(string) (source.Provider, error) { return tc.provider, nil },
				Runner:      &fakeRunner{},
				History:     history.NewMemoryStore(),
				OutputReady: func(dir string) error {
					readies = append(readies, dir)
					return nil
				},
			}, nil)
			if err != nil {
				t.Fatalf("NewRuntime() unexpected error: %v", err)
			}
			runtime.Now = func() time.Time { return fixedNow }

			params := testParams()
			params.ReplaceDuplicates = true
			params.DryRun = tc.dryRun
			outcome, err := runtime.Run(context.Background(), params)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("Run() error = %v, want %v", err, tc.wantErr)
				}
			} else if err != nil {
				t.Fatalf("Run() unexpected error: %v", err)
			}

			_, statErr := os.Stat(previous)
			if kept := statErr == nil; kept != tc.wantKept {
				t.Fatalf("previous snapshot kept = %t, want %t (stat error: %v)", kept, tc.wantKept, statErr)
			}
			if len(readies) != tc.wantReadies {
				t.Fatalf("OutputReady calls = %v, want %d", readies, tc.wantReadies)
			}
			if tc.wantLine == "" {
				return
			}
			wantDir := filepath.Join(cfg.Clone.OutputDir, "hw3")
			if readies[0] != wantDir {
				t.Fatalf("OutputReady dir = %q, want %q", readies[0], wantDir)
			}
			joined := strings.Join(outcome.Report.LogLines, "\n")
			if !strings.Contains(joined, tc.wantLine+wantDir+".") {
				t.Fatalf("report log lines missing %q:\n%s", tc.wantLine, joined)
			}
		})
	}
}

func TestRuntimeRunProviderError(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	runtime, err := NewRuntime(cfg, Dependencies{
		NewProvider: func(string) (source.Provider, error) { return nil, errors.New("github.organization is required") },
		Runner:      &fakeRunner{},
		History:     history.NewMemoryStore(),
	}, nil)
	if err != nil {
		t.Fatalf("NewRuntime() unexpected error: %v", err)
	}

	if _, err := runtime.Run(context.Background(), testParams()); err == nil {
		t.Fatalf("Run() expected provider error")
	}
	if runtime.CurrentStatus(context.Background()).Ready {
		t.Fatalf("CurrentStatus().Ready = true with an unusable provider")
	}
}

func TestRuntimeRunInvalidParams(t *testing.T) {
	t.Parallel()

	runtime := newTestRuntime(t, testConfig(t), alicePushedOnTime(), &fakeRunner{})
	params := testParams()
	params.DueDate = "2024-13-40"
	if _, err := runtime.Run(context.Background(), params); err == nil {
		t.Fatalf("Run() expected validation error")
	}
	if _, ok := runtime.LastSummary(); ok {
		t.Fatalf("LastSummary() reported a summary before any run")
	}
}

func TestRuntimeCheckPrefix(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		count     int
		wantCount int
		wantErr   error
	}{
		{name: "found", count: 12, wantCount: 12},
		{name: "missing", count: 0, wantErr: snapshot.ErrPrefixNotFound},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			runtime := newTestRuntime(t, testConfig(t), &fakeProvider{prefixCount: tc.count}, &fakeRunner{})
			got, err := runtime.CheckPrefix(context.Background(), config.SourceGitHub, "hw3")
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("CheckPrefix() error = %v, want %v", err, tc.wantErr)
			}
			if got != tc.wantCount {
				t.Fatalf("CheckPrefix() = %d, want %d", got, tc.wantCount)
			}
		})
	}
}

func TestRuntimeHandler(t *testing.T) {
	t.Parallel()

	runtime := newTestRuntime(t, testConfig(t), alicePushedOnTime(), &fakeRunner{})
	if _, err := runtime.Run(context.Background(), testParams()); err != nil {
		t.Fatalf("Run() unexpected error: %v", err)
	}
	handler := runtime.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/status code = %d, want %d", rec.Code, http.StatusOK)
	}
	var payload StatusPayload
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("/status body is not valid json: %v", err)
	}
	if payload.Done != 2 || payload.Total != 2 || payload.Summary == nil {
		t.Fatalf("/status payload = %+v", payload)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `classroom_snapshot_repo_status{repo="hw3-Alice",status="reset",username="alice"} 1`) {
		t.Fatalf("/metrics missing alice status:\n%s", body)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/readyz code = %d, want %d", rec.Code, http.StatusOK)
	}
}
