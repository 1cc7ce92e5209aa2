//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/cam3ron2/classroom-snapshot/internal/app"
	"github.com/cam3ron2/classroom-snapshot/internal/config"
	"github.com/cam3ron2/classroom-snapshot/internal/gitcmd"
	"github.com/cam3ron2/classroom-snapshot/internal/history"
	"github.com/cam3ron2/classroom-snapshot/internal/roster"
	"github.com/cam3ron2/classroom-snapshot/internal/snapshot"
)

const (
	fixtureOrg   = "classroom"
	fixtureToken = "e2e-secret-token"
)

var fixtureNow = time.Date(2024, time.January, 15, 9, 0, 0, 0, time.UTC)

// recordingRunner materializes clone folders and remembers what it was asked
// to do.
type recordingRunner struct {
	mu     sync.Mutex
	urls   []string
	resets map[string]string
}

func (r *recordingRunner) Clone(_ context.Context, opts gitcmd.CloneOptions) (gitcmd.Output, error) {
	r.mu.Lock()
	r.urls = append(r.urls, opts.URL)
	r.mu.Unlock()
	return gitcmd.Output{}, os.MkdirAll(filepath.Join(opts.Dir, opts.Name), 0o755)
}

func (r *recordingRunner) Reset(_ context.Context, repoDir, commit string) (gitcmd.Output, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resets == nil {
		r.resets = make(map[string]string)
	}
	r.resets[filepath.Base(repoDir)] = commit
	return gitcmd.Output{}, nil
}

func TestSnapshotRunAgainstGitHubFixture(t *testing.T) {
	t.Parallel()

	fixture := seedClassroomFixture(t)
	cfg := buildSnapshotConfig(t, fixture.URL())
	runner := &recordingRunner{}
	runtime := newSnapshotRuntime(t, cfg, runner)

	server := httptest.NewServer(runtime.Handler())
	t.Cleanup(server.Close)

	params := snapshot.RunParameters{
		RepoPrefix: "hw3",
		DueDate:    "2024-01-11",
		DueTime:    "00:00",
		Source:     config.SourceGitHub,
		Category:   roster.CategoryAssignment,
	}

	outcome, err := runtime.Run(context.Background(), params)
	if err != nil {
		t.Fatalf("Run() unexpected error: %v", err)
	}

	t.Run("statuses_follow_push_timelines", func(t *testing.T) {
		want := map[string]string{
			"alice": "reset",
			"bob":   "reset",
			"carol": "commit_not_found",
			"dave":  "not_found",
			"erin":  "no_commits",
		}
		got := make(map[string]string)
		for _, view := range runtime.Snapshot() {
			got[view.Username] = view.Status
		}
		for username, status := range want {
			if got[username] != status {
				t.Fatalf("status[%s] = %q, want %q (all: %v)", username, got[username], status, got)
			}
		}
	})

	t.Run("resets_use_last_push_before_adjusted_deadline", func(t *testing.T) {
		runner.mu.Lock()
		defer runner.mu.Unlock()
		if runner.resets["hw3-Alice"] != sha("b") {
			t.Fatalf("alice reset = %q, want %q (resets: %v)", runner.resets["hw3-Alice"], sha("b"), runner.resets)
		}
		// bob's 48h assignment extension moves his deadline past the late push.
		if runner.resets["hw3-Bob"] != sha("d") {
			t.Fatalf("bob reset = %q, want %q", runner.resets["hw3-Bob"], sha("d"))
		}
		for _, url := range runner.urls {
			if !strings.Contains(url, fixtureToken) {
				t.Fatalf("clone url %q does not carry the token", url)
			}
		}
	})

	t.Run("activity_walk_follows_cursor_pages", func(t *testing.T) {
		if calls := fixture.PathCallCount("/repos/classroom/hw3-alice/activity"); calls < 2 {
			t.Fatalf("alice activity calls = %d, want at least 2 pages", calls)
		}
	})

	t.Run("report_redacts_token", func(t *testing.T) {
		if len(outcome.Report.LogLines) == 0 {
			t.Fatalf("report has no log lines")
		}
		for _, line := range outcome.Report.LogLines {
			if strings.Contains(line, fixtureToken) {
				t.Fatalf("report line leaks token: %q", line)
			}
		}
		reports, err := runtime.History().List(context.Background())
		if err != nil {
			t.Fatalf("History().List() unexpected error: %v", err)
		}
		if len(reports) != 1 || reports[0].RepoPrefix != "hw3" {
			t.Fatalf("history = %+v, want one hw3 report", reports)
		}
	})

	t.Run("endpoints_report_finished_run", func(t *testing.T) {
		client := server.Client()
		var payload app.StatusPayload
		if err := fetchJSON(client, server.URL+"/status", &payload); err != nil {
			t.Fatalf("fetch /status: %v", err)
		}
		if payload.Done != 5 || payload.Total != 5 || payload.Summary == nil {
			t.Fatalf("/status = %+v, want 5 of 5 done with summary", payload)
		}

		var status struct {
			Phase string `json:"phase"`
			Ready bool   `json:"ready"`
		}
		if err := fetchJSON(client, server.URL+"/healthz", &status); err != nil {
			t.Fatalf("fetch /healthz: %v", err)
		}
		if status.Phase != "finished" || !status.Ready {
			t.Fatalf("/healthz = %+v, want finished and ready", status)
		}

		metrics, err := fetchEndpoint(client, server.URL+"/metrics")
		if err != nil {
			t.Fatalf("fetch /metrics: %v", err)
		}
		if !strings.Contains(metrics, "classroom_snapshot_runs_total") {
			t.Fatalf("/metrics missing run counter:\n%s", metrics)
		}
	})
}

func TestSnapshotRunStatusConvergesWhileRunning(t *testing.T) {
	t.Parallel()

	fixture := seedClassroomFixture(t)
	cfg := buildSnapshotConfig(t, fixture.URL())
	runtime := newSnapshotRuntime(t, cfg, &recordingRunner{})
	server := httptest.NewServer(runtime.Handler())
	t.Cleanup(server.Close)

	done := make(chan error, 1)
	go func() {
		_, err := runtime.Run(context.Background(), snapshot.RunParameters{
			RepoPrefix: "hw3",
			DueDate:    "2024-01-11",
			DueTime:    "00:00",
			Source:     config.SourceGitHub,
			DryRun:     true,
		})
		done <- err
	}()

	err := waitForCondition(20*time.Second, 50*time.Millisecond, func() (bool, error) {
		var payload app.StatusPayload
		if err := fetchJSON(server.Client(), server.URL+"/status", &payload); err != nil {
			return false, err
		}
		return payload.Total == 5 && payload.Done == payload.Total, nil
	})
	if err != nil {
		t.Fatalf("status did not converge: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Run() unexpected error: %v", err)
	}
}

func TestSnapshotRunFaults(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		prefix  string
		setup   func(f *fakeGitHubAPI)
		wantErr error
	}{
		{
			name:   "unauthorized_search",
			prefix: "hw3",
			setup: func(f *fakeGitHubAPI) {
				f.FailPath("/search/repositories", http.StatusUnauthorized, 1)
			},
			wantErr: snapshot.ErrUnauthorized,
		},
		{
			name:    "unknown_prefix",
			prefix:  "hw9",
			setup:   func(*fakeGitHubAPI) {},
			wantErr: snapshot.ErrPrefixNotFound,
		},
		{
			name:   "nobody_accepted",
			prefix: "lab",
			setup: func(f *fakeGitHubAPI) {
				f.SetRepository(fixtureOrg, "lab-template", repositoryFixture{})
			},
			wantErr: snapshot.ErrNoneAccepted,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fixture := seedClassroomFixture(t)
			tc.setup(fixture)
			runtime := newSnapshotRuntime(t, buildSnapshotConfig(t, fixture.URL()), &recordingRunner{})

			_, err := runtime.Run(context.Background(), snapshot.RunParameters{
				RepoPrefix: tc.prefix,
				DueDate:    "2024-01-11",
				DueTime:    "00:00",
				Source:     config.SourceGitHub,
			})
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Run() error = %v, want %v", err, tc.wantErr)
			}
			reports, listErr := runtime.History().List(context.Background())
			if listErr != nil {
				t.Fatalf("History().List() unexpected error: %v", listErr)
			}
			if len(reports) != 1 || reports[0].Failed == "" {
				t.Fatalf("history = %+v, want one failed report", reports)
			}
		})
	}
}

func seedClassroomFixture(t *testing.T) *fakeGitHubAPI {
	t.Helper()

	fixture := newFakeGitHubAPI(t)
	deadline := time.Date(2024, time.January, 11, 0, 0, 0, 0, time.UTC)

	alice := make([]fixturePush, 0, 152)
	for i := range 150 {
		alice = append(alice, fixturePush{
			After:     fmt.Sprintf("%040x", i+1),
			Timestamp: deadline.Add(time.Duration(150-i) * time.Minute),
		})
	}
	alice = append(alice,
		fixturePush{After: sha("b"), Timestamp: deadline.Add(-2 * time.Hour), Type: "force_push"},
		fixturePush{After: sha("a"), Timestamp: deadline.Add(-26 * time.Hour)},
	)
	fixture.SetRepository(fixtureOrg, "hw3-alice", repositoryFixture{Pushes: alice})
	fixture.SetRepository(fixtureOrg, "hw3-bob", repositoryFixture{Pushes: []fixturePush{
		{After: sha("d"), Timestamp: deadline.Add(20 * time.Hour)},
	}})
	fixture.SetRepository(fixtureOrg, "hw3-carol", repositoryFixture{Pushes: []fixturePush{
		{After: sha("e"), Timestamp: deadline.Add(time.Hour)},
	}})
	fixture.SetRepository(fixtureOrg, "hw3-erin", repositoryFixture{})
	return fixture
}

func buildSnapshotConfig(t *testing.T, apiURL string) *config.Config {
	t.Helper()

	dir := t.TempDir()
	rosterPath := filepath.Join(dir, "students.csv")
	rosterCSV := "identifier,github_username\nAlice,alice\nBob,bob\nCarol,carol\nDave,dave\nErin,erin\n"
	if err := os.WriteFile(rosterPath, []byte(rosterCSV), 0o600); err != nil {
		t.Fatalf("WriteFile(roster) unexpected error: %v", err)
	}

	return &config.Config{
		LogLevel: "info",
		Source:   config.SourceGitHub,
		Timezone: "UTC",
		GitHub: config.GitHubConfig{
			APIBaseURL:   apiURL,
			Organization: fixtureOrg,
			Token:        fixtureToken,
		},
		Request: config.RequestConfig{
			Timeout: 5 * time.Second,
			Retry: config.RetryConfig{
				MaxAttempts:    1,
				InitialBackoff: 10 * time.Millisecond,
				MaxBackoff:     10 * time.Millisecond,
			},
		},
		Clone: config.CloneConfig{
			OutputDir:  filepath.Join(dir, "clones"),
			Workers:    4,
			GitBackend: config.GitBackendExec,
			GitPath:    "git",
			Retries:    1,
		},
		Roster: config.RosterConfig{
			Path: rosterPath,
			Adjustments: []config.AdjustmentConfig{
				{Username: "bob", AssignmentHours: 48},
			},
		},
		History: config.HistoryConfig{Backend: config.HistoryBackendMemory},
	}
}

func newSnapshotRuntime(t *testing.T, cfg *config.Config, runner gitcmd.Runner) *app.Runtime {
	t.Helper()

	runtime, err := app.NewRuntime(cfg, app.Dependencies{
		Runner:  runner,
		History: history.NewMemoryStore(),
		Out:     io.Discard,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewRuntime() unexpected error: %v", err)
	}
	runtime.Now = func() time.Time { return fixtureNow }
	t.Cleanup(func() { _ = runtime.Close() })
	return runtime
}

func fetchJSON(client *http.Client, endpoint string, out any) error {
	body, err := fetchEndpoint(client, endpoint)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(body), out)
}

func fetchEndpoint(client *http.Client, endpoint string) (string, error) {
	resp, err := client.Get(endpoint)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return "", fmt.Errorf("%s returned %d", endpoint, resp.StatusCode)
	}
	return string(body), nil
}

func waitForCondition(timeout, interval time.Duration, fn func() (bool, error)) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		ok, err := fn()
		if ok && err == nil {
			return nil
		}
		if err != nil {
			lastErr = err
		}
		time.Sleep(interval)
	}
	if lastErr != nil {
		return lastErr
	}
	return errors.New("condition did not converge before timeout")
}
