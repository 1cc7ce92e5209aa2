package hostapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// GitLabProject is the subset of project metadata the snapshot needs.
type GitLabProject struct {
	ID                int64
	Name              string
	PathWithNamespace string
	WebURL            string
	SSHURL            string
	HTTPURL           string
	DefaultBranch     string
}

// ProjectSearchResult is the typed result for a group project search.
type ProjectSearchResult struct {
	Status   EndpointStatus
	Projects []GitLabProject
	Metadata CallMetadata
}

// PushEvent is one "pushed" project event.
type PushEvent struct {
	ID          int64
	CommitFrom  string
	CommitTo    string
	Ref         string
	CommitCount int
	Author      string
	CreatedAt   time.Time
}

// EventPage is one page of project push events, most recent first.
// NextPage is zero on the last page.
type EventPage struct {
	Status   EndpointStatus
	Events   []PushEvent
	NextPage int
	Metadata CallMetadata
}

// GitLabClient is a typed GitLab v4 REST client over the shared request client.
type GitLabClient struct {
	baseURL       *url.URL
	requestClient *Client
}

// NewGitLabClient creates a typed GitLab client for the given server URL.
func NewGitLabClient(serverURL string, requestClient *Client) (*GitLabClient, error) {
	if requestClient == nil {
		return nil, fmt.Errorf("request client is required")
	}
	if strings.TrimSpace(serverURL) == "" {
		return nil, fmt.Errorf("gitlab server url is required")
	}

	parsed, err := parseAPIBaseURL(serverURL, "")
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(parsed.Path, "/api/v4/") {
		parsed.Path += "api/v4/"
	}

	return &GitLabClient{
		baseURL:       parsed,
		requestClient: requestClient,
	}, nil
}

// SearchGroupProjects runs `GET /groups/{group}/search?scope=projects`.
// The group is a full path and may contain "/".
func (c *GitLabClient) SearchGroupProjects(ctx context.Context, group, search string) (ProjectSearchResult, error) {
	if strings.TrimSpace(group) == "" {
		return ProjectSearchResult{}, fmt.Errorf("group is required")
	}

	reqURL := withSegments(c.baseURL, "groups", group, "search")
	query := reqURL.Query()
	query.Set("scope", "projects")
	query.Set("search", search)
	reqURL.RawQuery = query.Encode()

	resp, metadata, err := c.get(ctx, reqURL)
	if err != nil {
		return ProjectSearchResult{}, fmt.Errorf("search group projects: %w", err)
	}

	status := statusForCode(resp.StatusCode)
	if status != EndpointStatusOK {
		discardBody(resp)
		return ProjectSearchResult{Status: status, Metadata: metadata}, nil
	}

	var payload []projectPayload
	if err := decodeBody(resp, &payload); err != nil {
		return ProjectSearchResult{}, fmt.Errorf("decode group search response: %w", err)
	}

	projects := make([]GitLabProject, 0, len(payload))
	for _, item := range payload {
		projects = append(projects, GitLabProject{
			ID:                item.ID,
			Name:              item.Name,
			PathWithNamespace: item.PathWithNamespace,
			WebURL:            item.WebURL,
			SSHURL:            item.SSHURLToRepo,
			HTTPURL:           item.HTTPURLToRepo,
			DefaultBranch:     item.DefaultBranch,
		})
	}

	return ProjectSearchResult{
		Status:   EndpointStatusOK,
		Projects: projects,
		Metadata: metadata,
	}, nil
}

// ListPushEvents fetches one page of `GET /projects/{id}/events?action=pushed`.
// A non-zero before limits events to those created before that day.
func (c *GitLabClient) ListPushEvents(ctx context.Context, projectID int64, before time.Time, page, perPage int) (EventPage, error) {
	if projectID <= 0 {
		return EventPage{}, fmt.Errorf("project id is required")
	}
	if page <= 0 {
		page = 1
	}
	if perPage <= 0 {
		perPage = 100
	}

	reqURL := withSegments(c.baseURL, "projects", strconv.FormatInt(projectID, 10), "events")
	query := reqURL.Query()
	query.Set("action", "pushed")
	query.Set("sort", "desc")
	query.Set("per_page", strconv.Itoa(perPage))
	query.Set("page", strconv.Itoa(page))
	if !before.IsZero() {
		query.Set("before", before.UTC().Format(time.DateOnly))
	}
	reqURL.RawQuery = query.Encode()

	resp, metadata, err := c.get(ctx, reqURL)
	if err != nil {
		return EventPage{}, fmt.Errorf("list push events: %w", err)
	}

	status := statusForCode(resp.StatusCode)
	if status != EndpointStatusOK {
		discardBody(resp)
		return EventPage{Status: status, Metadata: metadata}, nil
	}

	nextPage, _ := strconv.Atoi(strings.TrimSpace(resp.Header.Get("X-Next-Page")))
	var payload []eventPayload
	if err := decodeBody(resp, &payload); err != nil {
		return EventPage{}, fmt.Errorf("decode events response: %w", err)
	}

	events := make([]PushEvent, 0, len(payload))
	for _, item := range payload {
		if item.PushData == nil {
			continue
		}
		event := PushEvent{
			ID:          item.ID,
			CommitFrom:  item.PushData.CommitFrom,
			CommitTo:    item.PushData.CommitTo,
			Ref:         item.PushData.Ref,
			CommitCount: item.PushData.CommitCount,
			CreatedAt:   parseRFC3339(item.CreatedAt),
		}
		if item.Author != nil {
			event.Author = item.Author.Username
		}
		events = append(events, event)
	}
	if len(payload) == 0 {
		nextPage = 0
	}

	return EventPage{
		Status:   EndpointStatusOK,
		Events:   events,
		NextPage: nextPage,
		Metadata: metadata,
	}, nil
}

func (c *GitLabClient) get(ctx context.Context, reqURL *url.URL) (*http.Response, CallMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, CallMetadata{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return c.requestClient.Do(req)
}

type projectPayload struct {
	ID                int64  `json:"id"`
	Name              string `json:"name"`
	PathWithNamespace string `json:"path_with_namespace"`
	WebURL            string `json:"web_url"`
	SSHURLToRepo      string `json:"ssh_url_to_repo"`
	HTTPURLToRepo     string `json:"http_url_to_repo"`
	DefaultBranch     string `json:"default_branch"`
}

type eventPayload struct {
	ID        int64              `json:"id"`
	CreatedAt string             `json:"created_at"`
	PushData  *pushDataPayload   `json:"push_data"`
	Author    *gitlabUserPayload `json:"author"`
}

type pushDataPayload struct {
	CommitCount int    `json:"commit_count"`
	CommitFrom  string `json:"commit_from"`
	CommitTo    string `json:"commit_to"`
	Ref         string `json:"ref"`
}

type gitlabUserPayload struct {
	Username string `json:"username"`
}
