package source

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cam3ron2/classroom-snapshot/internal/hostapi"
	"github.com/cam3ron2/classroom-snapshot/internal/roster"
)

// GitLabAPI is the subset of hostapi.GitLabClient the provider uses.
type GitLabAPI interface {
	SearchGroupProjects(ctx context.Context, group, search string) (hostapi.ProjectSearchResult, error)
	ListPushEvents(ctx context.Context, projectID int64, before time.Time, page, perPage int) (hostapi.EventPage, error)
}

// GitLabOptions configures a GitLab provider.
type GitLabOptions struct {
	Group     string
	Token     string
	PerPage   int
	CloseFunc func() error
}

// GitLab resolves projects under `<group>/students/<display_name>/`.
type GitLab struct {
	api     GitLabAPI
	options GitLabOptions
}

// NewGitLab creates a GitLab provider.
func NewGitLab(api GitLabAPI, options GitLabOptions) (*GitLab, error) {
	if api == nil {
		return nil, fmt.Errorf("gitlab api client is required")
	}
	if strings.TrimSpace(options.Group) == "" {
		return nil, fmt.Errorf("gitlab group is required")
	}
	if options.PerPage <= 0 {
		options.PerPage = 100
	}
	return &GitLab{api: api, options: options}, nil
}

// Name implements Provider.
func (g *GitLab) Name() string {
	return "GitLab"
}

// StudentGroup returns the subgroup holding a student's projects. GitLab
// group paths use "_" where roster names use "-".
func (g *GitLab) StudentGroup(student roster.Student) string {
	return g.options.Group + "/students/" + strings.ReplaceAll(student.DisplayName, "-", "_")
}

// RepoPrefixCount counts projects in the group matching prefix.
func (g *GitLab) RepoPrefixCount(ctx context.Context, prefix string) (int, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return 0, ErrEmptyPrefix
	}

	result, err := g.api.SearchGroupProjects(ctx, g.options.Group, prefix)
	if err != nil {
		return 0, err
	}
	if result.Status != hostapi.EndpointStatusOK {
		return 0, prefixSearchError("search group projects", result.Status)
	}
	return len(result.Projects), nil
}

// GetRepo returns the first project matching prefix in the student's
// subgroup. An empty search result is reported as not found.
func (g *GitLab) GetRepo(ctx context.Context, prefix string, student roster.Student) (RepoResult, error) {
	result, err := g.api.SearchGroupProjects(ctx, g.StudentGroup(student), prefix)
	if err != nil {
		return RepoResult{}, err
	}
	if result.Status != hostapi.EndpointStatusOK {
		return RepoResult{Status: result.Status}, nil
	}
	if len(result.Projects) == 0 {
		return RepoResult{Status: hostapi.EndpointStatusNotFound}, nil
	}

	project := result.Projects[0]
	return RepoResult{
		Status: hostapi.EndpointStatusOK,
		Info: RepoInfo{
			ID:            project.ID,
			Name:          project.Name,
			FullName:      project.PathWithNamespace,
			APIURL:        project.WebURL,
			HTTPURL:       project.HTTPURL,
			SSHURL:        project.SSHURL,
			DefaultBranch: project.DefaultBranch,
		},
	}, nil
}

// CountPushes reads only the most recent page of push events.
func (g *GitLab) CountPushes(ctx context.Context, info RepoInfo) (PushResult, error) {
	page, err := g.api.ListPushEvents(ctx, info.ID, time.Time{}, 1, g.options.PerPage)
	if err != nil {
		return PushResult{}, err
	}
	if page.Status != hostapi.EndpointStatusOK {
		return PushResult{Status: page.Status}, nil
	}
	result := PushResult{Status: hostapi.EndpointStatusOK, Pushes: len(page.Events)}
	if len(page.Events) > 0 {
		result.Commit = page.Events[0].CommitTo
		result.PushedAt = page.Events[0].CreatedAt
	}
	return result, nil
}

// CommitBefore walks push events newest first, limited server side to the
// days up to the deadline, and returns the commit of the first push
// strictly before deadline. When the bounded walk sees no pushes at all a
// single unbounded page tells "no commits" apart from "only late commits".
func (g *GitLab) CommitBefore(ctx context.Context, info RepoInfo, deadline time.Time) (PushResult, error) {
	before := deadline.UTC().AddDate(0, 0, 1)
	result := PushResult{Status: hostapi.EndpointStatusOK}
	page := 1
	for range maxPages {
		events, err := g.api.ListPushEvents(ctx, info.ID, before, page, g.options.PerPage)
		if err != nil {
			return PushResult{}, err
		}
		if events.Status != hostapi.EndpointStatusOK {
			return PushResult{Status: events.Status, Pushes: result.Pushes}, nil
		}

		for _, event := range events.Events {
			result.Pushes++
			if event.CreatedAt.Before(deadline) {
				result.Commit = event.CommitTo
				result.PushedAt = event.CreatedAt
				return result, nil
			}
		}

		if events.NextPage == 0 {
			break
		}
		page = events.NextPage
	}

	if result.Pushes > 0 {
		return result, nil
	}
	return g.CountPushes(ctx, info)
}

// CloneURL prefers SSH, which relies on the user's configured key. The
// HTTPS fallback embeds the token.
func (g *GitLab) CloneURL(_ context.Context, info RepoInfo) (string, error) {
	if info.SSHURL != "" {
		return info.SSHURL, nil
	}
	if info.HTTPURL == "" {
		return "", fmt.Errorf("project %s has no clone url", info.FullName)
	}
	if g.options.Token == "" {
		return info.HTTPURL, nil
	}
	scheme, rest, ok := strings.Cut(info.HTTPURL, "://")
	if !ok {
		return "", fmt.Errorf("project %s has a malformed clone url", info.FullName)
	}
	return scheme + "://oauth2:" + g.options.Token + "@" + rest, nil
}

// Secrets implements Provider.
func (g *GitLab) Secrets() []string {
	if g.options.Token == "" {
		return nil
	}
	return []string{g.options.Token}
}

// Close implements Provider.
func (g *GitLab) Close() error {
	if g.options.CloseFunc == nil {
		return nil
	}
	return g.options.CloseFunc()
}
