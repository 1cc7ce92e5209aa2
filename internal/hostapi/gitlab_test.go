package hostapi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newGitLabTestClient(t *testing.T, handler http.Handler) *GitLabClient {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewGitLabClient(server.URL, newTestRequestClient(server.Client()))
	if err != nil {
		t.Fatalf("NewGitLabClient() unexpected error: %v", err)
	}
	return client
}

func TestNewGitLabClient(t *testing.T) {
	t.Parallel()

	if _, err := NewGitLabClient("", newTestRequestClient(&fakeDoer{})); err == nil {
		t.Fatalf("NewGitLabClient(empty) expected error, got nil")
	}
	if _, err := NewGitLabClient("https://gitlab.example.edu", nil); err == nil {
		t.Fatalf("NewGitLabClient(nil client) expected error, got nil")
	}

	for _, raw := range []string{"https://gitlab.example.edu", "https://gitlab.example.edu/api/v4"} {
		client, err := NewGitLabClient(raw, newTestRequestClient(&fakeDoer{}))
		if err != nil {
			t.Fatalf("NewGitLabClient(%q) unexpected error: %v", raw, err)
		}
		if got := client.baseURL.String(); got != "https://gitlab.example.edu/api/v4/" {
			t.Fatalf("baseURL = %q, want %q", got, "https://gitlab.example.edu/api/v4/")
		}
	}
}

func TestGitLabClientSearchGroupProjects(t *testing.T) {
	t.Parallel()

	paths := make(chan string, 2)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.EscapedPath() + "?" + r.URL.RawQuery
		if strings.Contains(r.URL.EscapedPath(), "nobody") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `[{
			"id": 7,
			"name": "hw1",
			"path_with_namespace": "cs101/students/alice_smith/hw1",
			"ssh_url_to_repo": "git@gitlab.example.edu:cs101/students/alice_smith/hw1.git",
			"http_url_to_repo": "https://gitlab.example.edu/cs101/students/alice_smith/hw1.git",
			"default_branch": "main"
		}]`)
	})
	client := newGitLabTestClient(t, handler)

	got, err := client.SearchGroupProjects(context.Background(), "cs101/students/alice_smith", "hw1")
	if err != nil {
		t.Fatalf("SearchGroupProjects() unexpected error: %v", err)
	}
	if got.Status != EndpointStatusOK || len(got.Projects) != 1 {
		t.Fatalf("result = %+v, want one project", got)
	}
	if got.Projects[0].ID != 7 || got.Projects[0].SSHURL != "git@gitlab.example.edu:cs101/students/alice_smith/hw1.git" {
		t.Fatalf("project = %+v", got.Projects[0])
	}
	wantPath := "/api/v4/groups/cs101%2Fstudents%2Falice_smith/search?scope=projects&search=hw1"
	if path := <-paths; path != wantPath {
		t.Fatalf("request = %q, want %q", path, wantPath)
	}

	missing, err := client.SearchGroupProjects(context.Background(), "cs101/students/nobody", "hw1")
	if err != nil {
		t.Fatalf("SearchGroupProjects(missing) unexpected error: %v", err)
	}
	if missing.Status != EndpointStatusNotFound {
		t.Fatalf("Status = %q, want %q", missing.Status, EndpointStatusNotFound)
	}
}

func TestGitLabClientListPushEvents(t *testing.T) {
	t.Parallel()

	queries := make(chan string, 2)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v4/projects/7/events" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		query := r.URL.Query()
		queries <- query.Get("before")
		w.Header().Set("Content-Type", "application/json")
		if query.Get("page") == "1" {
			w.Header().Set("X-Next-Page", "2")
			_, _ = fmt.Fprint(w, `[
				{"id": 11, "created_at": "2024-03-11T01:00:00.123Z", "push_data": {"commit_count": 1, "commit_from": "b2", "commit_to": "c3", "ref": "main"}, "author": {"username": "alice"}},
				{"id": 12, "created_at": "2024-03-11T00:30:00Z"}
			]`)
			return
		}
		w.Header().Set("X-Next-Page", "")
		_, _ = fmt.Fprint(w, `[
			{"id": 10, "created_at": "2024-03-10T23:00:00Z", "push_data": {"commit_count": 2, "commit_from": "b1", "commit_to": "b2", "ref": "main"}}
		]`)
	})
	client := newGitLabTestClient(t, handler)

	before := time.Date(2024, time.March, 11, 23, 59, 0, 0, time.UTC)
	first, err := client.ListPushEvents(context.Background(), 7, before, 1, 100)
	if err != nil {
		t.Fatalf("ListPushEvents(page 1) unexpected error: %v", err)
	}
	if first.NextPage != 2 || len(first.Events) != 1 {
		t.Fatalf("page 1 = %+v, want one push event and next page 2", first)
	}
	want := PushEvent{
		ID:          11,
		CommitFrom:  "b2",
		CommitTo:    "c3",
		Ref:         "main",
		CommitCount: 1,
		Author:      "alice",
		CreatedAt:   time.Date(2024, time.March, 11, 1, 0, 0, 123000000, time.UTC),
	}
	if first.Events[0] != want {
		t.Fatalf("Events[0] = %+v, want %+v", first.Events[0], want)
	}
	if got := <-queries; got != "2024-03-11" {
		t.Fatalf("before = %q, want 2024-03-11", got)
	}

	second, err := client.ListPushEvents(context.Background(), 7, time.Time{}, 2, 100)
	if err != nil {
		t.Fatalf("ListPushEvents(page 2) unexpected error: %v", err)
	}
	if second.NextPage != 0 || len(second.Events) != 1 || second.Events[0].CommitTo != "b2" {
		t.Fatalf("page 2 = %+v, want last page with b2", second)
	}
	if got := <-queries; got != "" {
		t.Fatalf("before = %q, want empty", got)
	}

	if _, err := client.ListPushEvents(context.Background(), 0, time.Time{}, 1, 100); err == nil {
		t.Fatalf("ListPushEvents(id 0) expected error, got nil")
	}
}
