package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cam3ron2/classroom-snapshot/internal/config"
	"github.com/cam3ron2/classroom-snapshot/internal/gitcmd"
	"github.com/cam3ron2/classroom-snapshot/internal/history"
	"github.com/cam3ron2/classroom-snapshot/internal/hostapi"
	"github.com/cam3ron2/classroom-snapshot/internal/source"
)

// OpenHistory opens the configured history store. A redis store that
// cannot be reached falls back to the file store, and the second return
// value reports whether the configured backend is the one in use.
func OpenHistory(cfg *config.Config, logger *zap.Logger) (history.Store, bool) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return newHistoryStore(cfg, logger)
}

func newHistoryStore(cfg *config.Config, logger *zap.Logger) (history.Store, bool) {
	switch strings.ToLower(strings.TrimSpace(cfg.History.Backend)) {
	case config.HistoryBackendMemory:
		return history.NewMemoryStore(), true
	case config.HistoryBackendRedis:
		redisStore, err := newRedisHistoryFromConfig(cfg)
		if err == nil {
			return redisStore, true
		}
		logger.Warn("failed to initialize redis history; falling back to file history", zap.Error(err))
		return newFileHistory(cfg, logger), false
	default:
		return newFileHistory(cfg, logger), true
	}
}

func newFileHistory(cfg *config.Config, logger *zap.Logger) history.Store {
	fileStore, err := history.NewFileStore(cfg.History.Path)
	if err != nil {
		logger.Warn("failed to initialize file history; falling back to in-memory history", zap.Error(err))
		return history.NewMemoryStore()
	}
	return fileStore
}

func newRedisHistoryFromConfig(cfg *config.Config) (*history.RedisStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.History.RedisAddr,
		DB:   cfg.History.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return history.NewRedisStore(redisClient, cfg.History.RedisKey), nil
}

func newRunner(cfg *config.Config) gitcmd.Runner {
	if strings.EqualFold(strings.TrimSpace(cfg.Clone.GitBackend), config.GitBackendGoGit) {
		return gitcmd.NewGoGitRunner()
	}
	return gitcmd.NewExecRunner(cfg.Clone.GitPath)
}

// newProvider builds the provider for sourceName with one shared HTTP
// session for the whole run.
func newProvider(cfg *config.Config, sourceName string) (source.Provider, error) {
	if err := cfg.CheckSource(sourceName); err != nil {
		return nil, err
	}

	retry := hostapi.RetryConfig{
		MaxAttempts:    cfg.Request.Retry.MaxAttempts,
		InitialBackoff: cfg.Request.Retry.InitialBackoff,
		MaxBackoff:     cfg.Request.Retry.MaxBackoff,
	}
	ratePolicy := hostapi.RateLimitPolicy{
		MinRemainingThreshold: cfg.Request.RateLimit.MinRemainingThreshold,
		MinResetBuffer:        cfg.Request.RateLimit.MinResetBuffer,
		SecondaryLimitBackoff: cfg.Request.RateLimit.SecondaryLimitBackoff,
		MaxWait:               cfg.Request.RateLimit.MaxWait,
	}

	switch sourceName {
	case config.SourceGitLab:
		httpClient := hostapi.NewTokenHTTPClient(cfg.GitLab.Token, cfg.Request.Timeout)
		api, err := hostapi.NewGitLabClient(cfg.GitLab.ServerURL, hostapi.NewClient(httpClient, retry, ratePolicy))
		if err != nil {
			return nil, err
		}
		provider, err := source.NewGitLab(api, source.GitLabOptions{
			Group:     cfg.GitLab.Group,
			Token:     cfg.GitLab.Token,
			CloseFunc: closeIdle(httpClient),
		})
		if err != nil {
			return nil, err
		}
		return provider, nil
	default:
		httpClient, tokens, err := newGitHubHTTPClient(cfg.GitHub, cfg.Request.Timeout)
		if err != nil {
			return nil, err
		}
		api, err := hostapi.NewGitHubClient(cfg.GitHub.APIBaseURL, hostapi.NewClient(httpClient, retry, ratePolicy))
		if err != nil {
			return nil, err
		}
		provider, err := source.NewGitHub(api, source.GitHubOptions{
			Organization: cfg.GitHub.Organization,
			Token:        tokens,
			CloseFunc:    closeIdle(httpClient),
		})
		if err != nil {
			return nil, err
		}
		return provider, nil
	}
}

func newGitHubHTTPClient(cfg config.GitHubConfig, timeout time.Duration) (*http.Client, hostapi.TokenSource, error) {
	if !cfg.UsesApp() {
		return hostapi.NewTokenHTTPClient(cfg.Token, timeout), hostapi.StaticToken(cfg.Token), nil
	}
	httpClient, tokens, err := hostapi.NewInstallationHTTPClient(hostapi.InstallationAuthConfig{
		AppID:          cfg.AppID,
		InstallationID: cfg.InstallationID,
		PrivateKeyPath: cfg.PrivateKeyPath,
		APIBaseURL:     cfg.APIBaseURL,
	}, timeout)
	if err != nil {
		return nil, nil, fmt.Errorf("github app auth: %w", err)
	}
	return httpClient, tokens, nil
}

func closeIdle(client *http.Client) func() error {
	return func() error {
		client.CloseIdleConnections()
		return nil
	}
}
