package hostapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v75/github"
)

const defaultGitHubAPIBaseURL = "https://api.github.com/"

// GitHubRepository is the subset of repository metadata the snapshot needs.
type GitHubRepository struct {
	ID            int64
	Name          string
	FullName      string
	APIURL        string
	CloneURL      string
	SSHURL        string
	DefaultBranch string
}

// GitHubRepoResult is the typed result for a single repository lookup.
type GitHubRepoResult struct {
	Status EndpointStatus
	Repo   GitHubRepository
}

// SearchCountResult is the typed result for a repository search.
type SearchCountResult struct {
	Status     EndpointStatus
	TotalCount int
}

// PushActivity is one push recorded by the repository activity endpoint.
type PushActivity struct {
	ID           int64
	Before       string
	After        string
	Ref          string
	ActivityType string
	Actor        string
	Timestamp    time.Time
}

// ActivityPage is one page of repository push activity, most recent first.
// NextCursor is empty on the last page.
type ActivityPage struct {
	Status     EndpointStatus
	Activities []PushActivity
	NextCursor string
	Metadata   CallMetadata
}

// GitHubClient is a typed GitHub REST client over the shared request client.
// Repository lookups and search go through go-github; the activity endpoint
// is decoded directly.
type GitHubClient struct {
	baseURL       *url.URL
	requestClient *Client
	rest          *github.Client
}

// NewGitHubClient creates a typed GitHub client.
func NewGitHubClient(baseURL string, requestClient *Client) (*GitHubClient, error) {
	if requestClient == nil {
		return nil, fmt.Errorf("request client is required")
	}

	parsed, err := parseAPIBaseURL(baseURL, defaultGitHubAPIBaseURL)
	if err != nil {
		return nil, err
	}

	rest, err := NewGitHubRESTClient(&http.Client{Transport: requestClient.RoundTripper()}, parsed.String())
	if err != nil {
		return nil, err
	}

	return &GitHubClient{
		baseURL:       parsed,
		requestClient: requestClient,
		rest:          rest,
	}, nil
}

// GetRepository fetches `GET /repos/{owner}/{name}`.
func (c *GitHubClient) GetRepository(ctx context.Context, owner, name string) (GitHubRepoResult, error) {
	if strings.TrimSpace(owner) == "" || strings.TrimSpace(name) == "" {
		return GitHubRepoResult{}, fmt.Errorf("owner and repository name are required")
	}

	repo, resp, err := c.rest.Repositories.Get(ctx, owner, name)
	if status, ok := statusFromGitHubResponse(resp); ok && status != EndpointStatusOK {
		return GitHubRepoResult{Status: status}, nil
	}
	if err != nil {
		return GitHubRepoResult{}, fmt.Errorf("get repository %s/%s: %w", owner, name, err)
	}

	return GitHubRepoResult{
		Status: EndpointStatusOK,
		Repo: GitHubRepository{
			ID:            repo.GetID(),
			Name:          repo.GetName(),
			FullName:      repo.GetFullName(),
			APIURL:        repo.GetURL(),
			CloneURL:      repo.GetCloneURL(),
			SSHURL:        repo.GetSSHURL(),
			DefaultBranch: repo.GetDefaultBranch(),
		},
	}, nil
}

// SearchRepositoryCount runs `GET /search/repositories` and reports total_count.
func (c *GitHubClient) SearchRepositoryCount(ctx context.Context, query string) (SearchCountResult, error) {
	if strings.TrimSpace(query) == "" {
		return SearchCountResult{}, fmt.Errorf("search query is required")
	}

	result, resp, err := c.rest.Search.Repositories(ctx, query, &github.SearchOptions{
		ListOptions: github.ListOptions{PerPage: 1},
	})
	if status, ok := statusFromGitHubResponse(resp); ok && status != EndpointStatusOK {
		return SearchCountResult{Status: status}, nil
	}
	if err != nil {
		return SearchCountResult{}, fmt.Errorf("search repositories: %w", err)
	}

	return SearchCountResult{
		Status:     EndpointStatusOK,
		TotalCount: result.GetTotal(),
	}, nil
}

// ListPushActivity fetches one page of `GET /repos/{owner}/{name}/activity`,
// keeping only push and force-push entries. The endpoint pages by cursor:
// pass an empty cursor for the first page and NextCursor afterwards.
func (c *GitHubClient) ListPushActivity(ctx context.Context, owner, name, cursor string, perPage int) (ActivityPage, error) {
	if perPage <= 0 {
		perPage = 100
	}

	reqURL := withSegments(c.baseURL, "repos", owner, name, "activity")
	query := reqURL.Query()
	query.Set("direction", "desc")
	query.Set("per_page", strconv.Itoa(perPage))
	if cursor != "" {
		query.Set("after", cursor)
	}
	reqURL.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return ActivityPage{}, fmt.Errorf("build list activity request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, metadata, err := c.requestClient.Do(req)
	if err != nil {
		return ActivityPage{}, fmt.Errorf("list activity request: %w", err)
	}

	status := statusForCode(resp.StatusCode)
	if status != EndpointStatusOK {
		discardBody(resp)
		return ActivityPage{Status: status, Metadata: metadata}, nil
	}

	var payload []activityPayload
	nextCursor := nextLinkParam(resp.Header.Get("Link"), "after")
	if err := decodeBody(resp, &payload); err != nil {
		return ActivityPage{}, fmt.Errorf("decode activity response: %w", err)
	}

	activities := make([]PushActivity, 0, len(payload))
	for _, item := range payload {
		if item.ActivityType != "push" && item.ActivityType != "force_push" {
			continue
		}
		activity := PushActivity{
			ID:           item.ID,
			Before:       item.Before,
			After:        item.After,
			Ref:          item.Ref,
			ActivityType: item.ActivityType,
			Timestamp:    parseRFC3339(item.Timestamp),
		}
		if item.Actor != nil {
			activity.Actor = item.Actor.Login
		}
		activities = append(activities, activity)
	}

	if len(payload) == 0 {
		nextCursor = ""
	}

	return ActivityPage{
		Status:     EndpointStatusOK,
		Activities: activities,
		NextCursor: nextCursor,
		Metadata:   metadata,
	}, nil
}

func statusFromGitHubResponse(resp *github.Response) (EndpointStatus, bool) {
	if resp == nil || resp.Response == nil {
		return "", false
	}
	return statusForCode(resp.StatusCode), true
}

type activityPayload struct {
	ID           int64        `json:"id"`
	Before       string       `json:"before"`
	After        string       `json:"after"`
	Ref          string       `json:"ref"`
	Timestamp    string       `json:"timestamp"`
	ActivityType string       `json:"activity_type"`
	Actor        *userPayload `json:"actor"`
}

type userPayload struct {
	Login string `json:"login"`
}
