package source

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cam3ron2/classroom-snapshot/internal/hostapi"
	"github.com/cam3ron2/classroom-snapshot/internal/roster"
)

// GitHubAPI is the subset of hostapi.GitHubClient the provider uses.
type GitHubAPI interface {
	GetRepository(ctx context.Context, owner, name string) (hostapi.GitHubRepoResult, error)
	SearchRepositoryCount(ctx context.Context, query string) (hostapi.SearchCountResult, error)
	ListPushActivity(ctx context.Context, owner, name, cursor string, perPage int) (hostapi.ActivityPage, error)
}

// GitHubOptions configures a GitHub provider.
type GitHubOptions struct {
	Organization string
	// Token authenticates clone URLs. It is resolved per clone so GitHub
	// App installation tokens can rotate mid-run.
	Token   hostapi.TokenSource
	PerPage int
	// CloseFunc releases the provider's HTTP session.
	CloseFunc func() error
}

// GitHub resolves repositories named `<prefix>-<username>` in one organization.
type GitHub struct {
	api     GitHubAPI
	options GitHubOptions

	mu      sync.Mutex
	secrets map[string]struct{}
}

// NewGitHub creates a GitHub provider.
func NewGitHub(api GitHubAPI, options GitHubOptions) (*GitHub, error) {
	if api == nil {
		return nil, fmt.Errorf("github api client is required")
	}
	if strings.TrimSpace(options.Organization) == "" {
		return nil, fmt.Errorf("github organization is required")
	}
	if options.PerPage <= 0 {
		options.PerPage = 100
	}
	return &GitHub{
		api:     api,
		options: options,
		secrets: make(map[string]struct{}),
	}, nil
}

// Name implements Provider.
func (g *GitHub) Name() string {
	return "GitHub"
}

// RepoPrefixCount counts organization repositories matching prefix,
// forks included.
func (g *GitHub) RepoPrefixCount(ctx context.Context, prefix string) (int, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return 0, ErrEmptyPrefix
	}

	query := fmt.Sprintf("%s org:%s fork:true", prefix, g.options.Organization)
	result, err := g.api.SearchRepositoryCount(ctx, query)
	if err != nil {
		return 0, err
	}
	if result.Status != hostapi.EndpointStatusOK {
		return 0, prefixSearchError("search repositories", result.Status)
	}
	return result.TotalCount, nil
}

// GetRepo implements Provider.
func (g *GitHub) GetRepo(ctx context.Context, prefix string, student roster.Student) (RepoResult, error) {
	name := prefix + "-" + student.Username
	result, err := g.api.GetRepository(ctx, g.options.Organization, name)
	if err != nil {
		return RepoResult{}, err
	}
	if result.Status != hostapi.EndpointStatusOK {
		return RepoResult{Status: result.Status}, nil
	}

	return RepoResult{
		Status: hostapi.EndpointStatusOK,
		Info: RepoInfo{
			ID:            result.Repo.ID,
			Name:          result.Repo.Name,
			FullName:      result.Repo.FullName,
			APIURL:        result.Repo.APIURL,
			HTTPURL:       result.Repo.CloneURL,
			SSHURL:        result.Repo.SSHURL,
			DefaultBranch: result.Repo.DefaultBranch,
		},
	}, nil
}

// CountPushes reads only the most recent page of pushes.
func (g *GitHub) CountPushes(ctx context.Context, info RepoInfo) (PushResult, error) {
	page, err := g.api.ListPushActivity(ctx, g.options.Organization, info.Name, "", g.options.PerPage)
	if err != nil {
		return PushResult{}, err
	}
	if page.Status != hostapi.EndpointStatusOK {
		return PushResult{Status: page.Status}, nil
	}
	result := PushResult{Status: hostapi.EndpointStatusOK, Pushes: len(page.Activities)}
	if len(page.Activities) > 0 {
		result.Commit = page.Activities[0].After
		result.PushedAt = page.Activities[0].Timestamp
	}
	return result, nil
}

// CommitBefore walks the activity timeline newest first and returns the
// commit of the first push strictly before deadline.
func (g *GitHub) CommitBefore(ctx context.Context, info RepoInfo, deadline time.Time) (PushResult, error) {
	result := PushResult{Status: hostapi.EndpointStatusOK}
	cursor := ""
	for range maxPages {
		page, err := g.api.ListPushActivity(ctx, g.options.Organization, info.Name, cursor, g.options.PerPage)
		if err != nil {
			return PushResult{}, err
		}
		if page.Status != hostapi.EndpointStatusOK {
			return PushResult{Status: page.Status, Pushes: result.Pushes}, nil
		}

		for _, activity := range page.Activities {
			result.Pushes++
			if activity.Timestamp.Before(deadline) {
				result.Commit = activity.After
				result.PushedAt = activity.Timestamp
				return result, nil
			}
		}

		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	return result, nil
}

// CloneURL embeds the current token as HTTPS basic auth.
func (g *GitHub) CloneURL(ctx context.Context, info RepoInfo) (string, error) {
	if info.HTTPURL == "" {
		return "", fmt.Errorf("repository %s has no clone url", info.FullName)
	}
	if g.options.Token == nil {
		return info.HTTPURL, nil
	}

	token, err := g.options.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve clone token: %w", err)
	}
	if token == "" {
		return info.HTTPURL, nil
	}
	g.rememberSecret(token)

	parsed, err := url.Parse(info.HTTPURL)
	if err != nil {
		return "", fmt.Errorf("parse clone url: %w", err)
	}
	parsed.User = url.UserPassword("x-access-token", token)
	return parsed.String(), nil
}

// Secrets returns every token handed out in a clone URL.
func (g *GitHub) Secrets() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	secrets := make([]string, 0, len(g.secrets))
	for secret := range g.secrets {
		secrets = append(secrets, secret)
	}
	return secrets
}

// Close implements Provider.
func (g *GitHub) Close() error {
	if g.options.CloseFunc == nil {
		return nil
	}
	return g.options.CloseFunc()
}

func (g *GitHub) rememberSecret(secret string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.secrets[secret] = struct{}{}
}
