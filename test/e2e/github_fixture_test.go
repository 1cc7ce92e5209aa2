//go:build e2e

package e2e

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

// fakeGitHubAPI serves the slice of the GitHub REST API a snapshot run
// touches: repository search, repository lookup and the activity feed.
type fakeGitHubAPI struct {
	server *httptest.Server

	mu      sync.Mutex
	repos   map[string]repositoryFixture
	faults  map[string]*fault
	hits    map[string]int
	perPage int
}

type fault struct {
	status int
	left   int
}

// repositoryFixture holds a repo's pushes, newest first.
type repositoryFixture struct {
	Pushes []fixturePush
}

type fixturePush struct {
	After     string
	Timestamp time.Time
	// Type defaults to "push".
	Type string
}

func newFakeGitHubAPI(t *testing.T) *fakeGitHubAPI {
	t.Helper()

	api := &fakeGitHubAPI{
		repos:   make(map[string]repositoryFixture),
		faults:  make(map[string]*fault),
		hits:    make(map[string]int),
		perPage: 30,
	}

	router := chi.NewRouter()
	router.Use(api.countAndFail)
	router.Get("/search/repositories", api.searchRepositories)
	router.Get("/repos/{owner}/{repo}", api.getRepository)
	router.Get("/repos/{owner}/{repo}/activity", api.listActivity)
	router.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
	})

	api.server = httptest.NewServer(router)
	t.Cleanup(api.server.Close)
	return api
}

func (f *fakeGitHubAPI) URL() string {
	return f.server.URL
}

func (f *fakeGitHubAPI) SetRepository(owner, repo string, data repositoryFixture) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repos[owner+"/"+repo] = data
}

// FailPath answers the next times requests for path with status.
func (f *fakeGitHubAPI) FailPath(path string, status, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[path] = &fault{status: status, left: times}
}

func (f *fakeGitHubAPI) PathCallCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

func (f *fakeGitHubAPI) countAndFail(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.hits[r.URL.Path]++
		injected := 0
		if rule := f.faults[r.URL.Path]; rule != nil && rule.left > 0 {
			rule.left--
			injected = rule.status
		}
		f.mu.Unlock()

		if injected != 0 {
			writeJSON(w, injected, map[string]string{"message": "injected failure for " + r.URL.Path})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// searchRepositories counts repos in the org: qualifier whose name starts
// with the first bare query term.
func (f *fakeGitHubAPI) searchRepositories(w http.ResponseWriter, r *http.Request) {
	var prefix, org string
	for _, term := range strings.Fields(r.URL.Query().Get("q")) {
		if value, ok := strings.CutPrefix(term, "org:"); ok {
			org = value
		} else if prefix == "" && !strings.Contains(term, ":") {
			prefix = term
		}
	}

	f.mu.Lock()
	total := 0
	for key := range f.repos {
		owner, name, _ := strings.Cut(key, "/")
		if owner == org && strings.HasPrefix(name, prefix) {
			total++
		}
	}
	f.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"total_count": total, "incomplete_results": false, "items": []any{}})
}

func (f *fakeGitHubAPI) getRepository(w http.ResponseWriter, r *http.Request) {
	owner, repo := chi.URLParam(r, "owner"), chi.URLParam(r, "repo")
	if _, ok := f.lookup(owner, repo); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":             len(owner + repo),
		"name":           repo,
		"full_name":      owner + "/" + repo,
		"clone_url":      fmt.Sprintf("https://git.example.test/%s/%s.git", owner, repo),
		"default_branch": "main",
	})
}

// listActivity pages pushes with an index cursor carried in "after".
func (f *fakeGitHubAPI) listActivity(w http.ResponseWriter, r *http.Request) {
	owner, repo := chi.URLParam(r, "owner"), chi.URLParam(r, "repo")
	data, ok := f.lookup(owner, repo)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}

	query := r.URL.Query()
	perPage, err := strconv.Atoi(query.Get("per_page"))
	if err != nil || perPage <= 0 {
		perPage = f.perPage
	}
	start, _ := strconv.Atoi(query.Get("after"))
	start = min(max(start, 0), len(data.Pushes))
	end := min(start+perPage, len(data.Pushes))
	if end < len(data.Pushes) {
		w.Header().Set("Link", fmt.Sprintf(`<%s%s?per_page=%d&after=%d>; rel="next"`, f.URL(), r.URL.Path, perPage, end))
	}

	items := make([]map[string]any, 0, end-start)
	for offset, push := range data.Pushes[start:end] {
		kind := push.Type
		if kind == "" {
			kind = "push"
		}
		items = append(items, map[string]any{
			"id":            start + offset + 1,
			"before":        sha("0"),
			"after":         push.After,
			"ref":           "refs/heads/main",
			"timestamp":     push.Timestamp.UTC().Format(time.RFC3339),
			"activity_type": kind,
			"actor":         map[string]string{"login": strings.TrimPrefix(repo, "hw3-")},
		})
	}
	writeJSON(w, http.StatusOK, items)
}

func (f *fakeGitHubAPI) lookup(owner, repo string) (repositoryFixture, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.repos[owner+"/"+repo]
	return data, ok
}

// writeJSON always reports a comfortable rate-limit budget.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-RateLimit-Remaining", "4500")
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10))
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func sha(seed string) string {
	return strings.Repeat(seed, 40)[:40]
}
