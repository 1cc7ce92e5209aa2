package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	validLogLevels   = []string{"debug", "info", "warn", "error"}
	validSources     = []string{SourceGitHub, SourceGitLab}
	validGitBackends = []string{GitBackendExec, GitBackendGoGit}
	validHistory     = []string{HistoryBackendFile, HistoryBackendRedis, HistoryBackendMemory}
)

const (
	// SourceGitHub selects the GitHub hosting platform.
	SourceGitHub = "github"
	// SourceGitLab selects the GitLab hosting platform.
	SourceGitLab = "gitlab"

	// GitBackendExec shells out to the git executable.
	GitBackendExec = "exec"
	// GitBackendGoGit uses the pure-Go git implementation.
	GitBackendGoGit = "gogit"

	// HistoryBackendFile keeps clone reports in a YAML file.
	HistoryBackendFile = "file"
	// HistoryBackendRedis keeps clone reports in a capped redis list.
	HistoryBackendRedis = "redis"
	// HistoryBackendMemory keeps clone reports for the lifetime of the process.
	HistoryBackendMemory = "memory"
)

// Environment variables that override tokens from the config file.
const (
	EnvGitHubToken = "GITHUB_TOKEN"
	EnvGitLabToken = "GITLAB_TOKEN"
)

// Config is the root application configuration.
type Config struct {
	LogLevel    string
	Debug       bool
	Source      string
	Timezone    string
	PresetsPath string
	GitHub      GitHubConfig
	GitLab      GitLabConfig
	Request     RequestConfig
	Clone       CloneConfig
	Roster      RosterConfig
	History     HistoryConfig
	Status      StatusConfig
	Telemetry   TelemetryConfig
}

// GitHubConfig configures GitHub API interactions. Either Token or the
// GitHub App triple (AppID, InstallationID, PrivateKeyPath) authenticates.
type GitHubConfig struct {
	APIBaseURL     string `yaml:"api_base_url"`
	Organization   string `yaml:"organization"`
	Token          string `yaml:"token"`
	AppID          int64  `yaml:"app_id"`
	InstallationID int64  `yaml:"installation_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

// UsesApp reports whether GitHub App installation auth is configured.
func (g GitHubConfig) UsesApp() bool {
	return g.AppID > 0 && g.InstallationID > 0 && g.PrivateKeyPath != ""
}

// GitLabConfig configures GitLab API interactions.
type GitLabConfig struct {
	ServerURL string `yaml:"server_url"`
	Group     string `yaml:"group"`
	Token     string `yaml:"token"`
}

// RequestConfig configures the shared hosting API client.
type RequestConfig struct {
	Timeout   time.Duration
	Retry     RetryConfig
	RateLimit RateLimitConfig
}

// RetryConfig configures request retries.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// RateLimitConfig configures rate-limit controls.
type RateLimitConfig struct {
	MinRemainingThreshold int
	MinResetBuffer        time.Duration
	SecondaryLimitBackoff time.Duration
	// MaxWait bounds a single rate-limit pause. A limit denial asking for
	// longer fails the request; a low-budget hold is cut to MaxWait.
	MaxWait time.Duration
}

// CloneConfig configures where and how repositories are materialized.
type CloneConfig struct {
	OutputDir         string
	ReplaceDuplicates bool
	Workers           int
	GitBackend        string
	GitPath           string
	Retries           int
	DataFolder        string
	WorkspaceFile     bool
}

// RosterConfig configures the student roster and per-student extensions.
type RosterConfig struct {
	Path        string
	Adjustments []AdjustmentConfig
}

// AdjustmentConfig holds per-student deadline extensions in hours.
type AdjustmentConfig struct {
	Username           string  `yaml:"username"`
	ClassActivityHours float64 `yaml:"class_activity_hours"`
	AssignmentHours    float64 `yaml:"assignment_hours"`
	ExamHours          float64 `yaml:"exam_hours"`
}

// HistoryConfig configures the clone report history sink.
type HistoryConfig struct {
	Backend   string `yaml:"backend"`
	Path      string `yaml:"path"`
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
	RedisKey  string `yaml:"redis_key"`
}

// StatusConfig configures the live status server and metrics output.
type StatusConfig struct {
	ListenAddr      string `yaml:"listen_addr"`
	MetricsTextfile string `yaml:"metrics_textfile"`
}

// TelemetryConfig configures OpenTelemetry behavior.
type TelemetryConfig struct {
	OTELEnabled          bool    `yaml:"otel_enabled"`
	OTELTraceMode        string  `yaml:"otel_trace_mode"`
	OTELTraceSampleRatio float64 `yaml:"otel_trace_sample_ratio"`
}

// Load reads configuration from YAML, applies token overrides from the
// process environment and validates the result.
func Load(reader io.Reader) (*Config, error) {
	return LoadWithEnv(reader, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment lookup.
func LoadWithEnv(reader io.Reader, lookupEnv func(string) (string, bool)) (*Config, error) {
	if reader == nil {
		return nil, fmt.Errorf("config reader is nil")
	}

	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)

	var raw rawConfig
	if err := decoder.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg := raw.toConfig()
	applyDefaults(cfg)
	if lookupEnv != nil {
		cfg.applyEnv(lookupEnv)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads configuration from path. A missing file yields the
// defaults so the tool runs with environment tokens alone.
func LoadFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return Load(strings.NewReader(""))
	}
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	return Load(file)
}

// Validate validates configuration values.
func (c *Config) Validate() error {
	var errs []string

	if !slices.Contains(validLogLevels, c.LogLevel) {
		errs = append(errs, "log_level must be one of debug|info|warn|error")
	}
	if !slices.Contains(validSources, c.Source) {
		errs = append(errs, "source must be github or gitlab")
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			errs = append(errs, "timezone is not a known IANA location: "+c.Timezone)
		}
	}
	if c.GitHub.AppID > 0 || c.GitHub.InstallationID > 0 || c.GitHub.PrivateKeyPath != "" {
		if !c.GitHub.UsesApp() {
			errs = append(errs, "github.app_id, github.installation_id and github.private_key_path must be set together")
		}
	}

	if c.Request.Timeout <= 0 {
		errs = append(errs, "request.timeout must be > 0")
	}
	if c.Request.Retry.MaxAttempts <= 0 {
		errs = append(errs, "request.retry.max_attempts must be > 0")
	}
	if c.Request.RateLimit.MinRemainingThreshold < 0 {
		errs = append(errs, "request.rate_limit.min_remaining_threshold must be >= 0")
	}

	if c.Clone.OutputDir == "" {
		errs = append(errs, "clone.output_dir is required")
	}
	if c.Clone.Workers < 0 {
		errs = append(errs, "clone.workers must be >= 0")
	}
	if c.Clone.Retries < 0 {
		errs = append(errs, "clone.retries must be >= 0")
	}
	if !slices.Contains(validGitBackends, c.Clone.GitBackend) {
		errs = append(errs, "clone.git_backend must be exec or gogit")
	}

	seenUsers := make(map[string]struct{}, len(c.Roster.Adjustments))
	for i, adjustment := range c.Roster.Adjustments {
		prefix := fmt.Sprintf("roster.adjustments[%d]", i)
		if adjustment.Username == "" {
			errs = append(errs, prefix+".username is required")
		}
		if adjustment.ClassActivityHours < 0 || adjustment.AssignmentHours < 0 || adjustment.ExamHours < 0 {
			errs = append(errs, prefix+" hours must be >= 0")
		}
		if _, ok := seenUsers[adjustment.Username]; ok {
			errs = append(errs, "roster.adjustments contains duplicate username: "+adjustment.Username)
		}
		seenUsers[adjustment.Username] = struct{}{}
	}

	if !slices.Contains(validHistory, c.History.Backend) {
		errs = append(errs, "history.backend must be file, redis or memory")
	}
	if c.History.Backend == HistoryBackendFile && c.History.Path == "" {
		errs = append(errs, "history.path is required when history.backend=file")
	}
	if c.History.Backend == HistoryBackendRedis && (c.History.RedisAddr == "" || c.History.RedisKey == "") {
		errs = append(errs, "history.redis_addr and history.redis_key are required when history.backend=redis")
	}

	if c.Telemetry.OTELTraceSampleRatio < 0 || c.Telemetry.OTELTraceSampleRatio > 1 {
		errs = append(errs, "telemetry.otel_trace_sample_ratio must be within [0, 1]")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// CheckSource reports missing settings needed to talk to source.
func (c *Config) CheckSource(source string) error {
	var errs []string
	switch source {
	case SourceGitHub:
		if c.GitHub.Organization == "" {
			errs = append(errs, "github.organization is required")
		}
		if c.GitHub.Token == "" && !c.GitHub.UsesApp() {
			errs = append(errs, "github.token (or "+EnvGitHubToken+") or github app credentials are required")
		}
	case SourceGitLab:
		if c.GitLab.ServerURL == "" {
			errs = append(errs, "gitlab.server_url is required")
		}
		if c.GitLab.Group == "" {
			errs = append(errs, "gitlab.group is required")
		}
		if c.GitLab.Token == "" {
			errs = append(errs, "gitlab.token (or "+EnvGitLabToken+") is required")
		}
	default:
		errs = append(errs, "source must be github or gitlab")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// Location resolves the configured timezone, defaulting to the local zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "warn"
	}
	if cfg.Source == "" {
		cfg.Source = SourceGitHub
	}
	if cfg.PresetsPath == "" {
		cfg.PresetsPath = "presets.toml"
	}
	if cfg.GitHub.APIBaseURL == "" {
		cfg.GitHub.APIBaseURL = "https://api.github.com"
	}
	if cfg.Request.Timeout == 0 {
		cfg.Request.Timeout = 30 * time.Second
	}
	if cfg.Request.Retry.MaxAttempts == 0 {
		cfg.Request.Retry.MaxAttempts = 3
	}
	if cfg.Request.Retry.InitialBackoff == 0 {
		cfg.Request.Retry.InitialBackoff = time.Second
	}
	if cfg.Request.Retry.MaxBackoff == 0 {
		cfg.Request.Retry.MaxBackoff = 30 * time.Second
	}
	if cfg.Request.RateLimit.MinResetBuffer == 0 {
		cfg.Request.RateLimit.MinResetBuffer = 5 * time.Second
	}
	if cfg.Request.RateLimit.SecondaryLimitBackoff == 0 {
		cfg.Request.RateLimit.SecondaryLimitBackoff = 60 * time.Second
	}
	if cfg.Request.RateLimit.MaxWait == 0 {
		cfg.Request.RateLimit.MaxWait = 5 * time.Minute
	}
	if cfg.Clone.OutputDir == "" {
		cfg.Clone.OutputDir = "clones"
	}
	if cfg.Clone.GitBackend == "" {
		cfg.Clone.GitBackend = GitBackendExec
	}
	if cfg.Clone.GitPath == "" {
		cfg.Clone.GitPath = "git"
	}
	if cfg.Roster.Path == "" {
		cfg.Roster.Path = "students.csv"
	}
	if cfg.History.Backend == "" {
		cfg.History.Backend = HistoryBackendFile
	}
	if cfg.History.Path == "" {
		cfg.History.Path = "history.yaml"
	}
	if cfg.History.RedisKey == "" {
		cfg.History.RedisKey = "classroom-snapshot:history"
	}
	if cfg.Telemetry.OTELTraceMode == "" {
		cfg.Telemetry.OTELTraceMode = "sampled"
	}
}

func (c *Config) applyEnv(lookupEnv func(string) (string, bool)) {
	if token, ok := lookupEnv(EnvGitHubToken); ok && strings.TrimSpace(token) != "" {
		c.GitHub.Token = strings.TrimSpace(token)
	}
	if token, ok := lookupEnv(EnvGitLabToken); ok && strings.TrimSpace(token) != "" {
		c.GitLab.Token = strings.TrimSpace(token)
	}
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 || strings.TrimSpace(value.Value) == "" {
		d.Duration = 0
		return nil
	}

	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}

	parsed, err := parseFlexibleDuration(raw)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func parseFlexibleDuration(raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}

	if standard, err := time.ParseDuration(trimmed); err == nil {
		return standard, nil
	}

	if strings.HasSuffix(trimmed, "d") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "d"), 24)
	}
	if strings.HasSuffix(trimmed, "w") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "w"), 24*7)
	}

	return 0, fmt.Errorf("parse duration %q: invalid unit", raw)
}

func parseDurationWithMultiplier(numeric string, multiplierHours float64) (time.Duration, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(numeric), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration value %q: %w", numeric, err)
	}

	nanos := value * multiplierHours * float64(time.Hour)
	if nanos > math.MaxInt64 || nanos < math.MinInt64 {
		return 0, fmt.Errorf("parse duration value %q: out of range", numeric)
	}
	return time.Duration(nanos), nil
}

type rawConfig struct {
	LogLevel    string          `yaml:"log_level"`
	Debug       bool            `yaml:"debug"`
	Source      string          `yaml:"source"`
	Timezone    string          `yaml:"timezone"`
	PresetsPath string          `yaml:"presets_path"`
	GitHub      GitHubConfig    `yaml:"github"`
	GitLab      GitLabConfig    `yaml:"gitlab"`
	Request     rawRequest      `yaml:"request"`
	Clone       rawClone        `yaml:"clone"`
	Roster      rawRoster       `yaml:"roster"`
	History     HistoryConfig   `yaml:"history"`
	Status      StatusConfig    `yaml:"status"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

type rawRequest struct {
	Timeout   duration     `yaml:"timeout"`
	Retry     rawRetry     `yaml:"retry"`
	RateLimit rawRateLimit `yaml:"rate_limit"`
}

type rawRetry struct {
	MaxAttempts    int      `yaml:"max_attempts"`
	InitialBackoff duration `yaml:"initial_backoff"`
	MaxBackoff     duration `yaml:"max_backoff"`
}

type rawRateLimit struct {
	MinRemainingThreshold *int     `yaml:"min_remaining_threshold"`
	MinResetBuffer        duration `yaml:"min_reset_buffer"`
	SecondaryLimitBackoff duration `yaml:"secondary_limit_backoff"`
	MaxWait               duration `yaml:"max_wait"`
}

type rawClone struct {
	OutputDir         string  `yaml:"output_dir"`
	ReplaceDuplicates bool    `yaml:"replace_duplicates"`
	Workers           int     `yaml:"workers"`
	GitBackend        string  `yaml:"git_backend"`
	GitPath           string  `yaml:"git_path"`
	Retries           *int    `yaml:"retries"`
	DataFolder        *string `yaml:"data_folder"`
	WorkspaceFile     *bool   `yaml:"workspace_file"`
}

type rawRoster struct {
	Path        string             `yaml:"path"`
	Adjustments []AdjustmentConfig `yaml:"adjustments"`
}

func (r rawConfig) toConfig() *Config {
	cfg := &Config{
		LogLevel:    r.LogLevel,
		Debug:       r.Debug,
		Source:      strings.ToLower(strings.TrimSpace(r.Source)),
		Timezone:    r.Timezone,
		PresetsPath: r.PresetsPath,
		GitHub:      r.GitHub,
		GitLab:      r.GitLab,
		Request: RequestConfig{
			Timeout: r.Request.Timeout.Duration,
			Retry: RetryConfig{
				MaxAttempts:    r.Request.Retry.MaxAttempts,
				InitialBackoff: r.Request.Retry.InitialBackoff.Duration,
				MaxBackoff:     r.Request.Retry.MaxBackoff.Duration,
			},
			RateLimit: RateLimitConfig{
				MinRemainingThreshold: 50,
				MinResetBuffer:        r.Request.RateLimit.MinResetBuffer.Duration,
				SecondaryLimitBackoff: r.Request.RateLimit.SecondaryLimitBackoff.Duration,
				MaxWait:               r.Request.RateLimit.MaxWait.Duration,
			},
		},
		Clone: CloneConfig{
			OutputDir:         r.Clone.OutputDir,
			ReplaceDuplicates: r.Clone.ReplaceDuplicates,
			Workers:           r.Clone.Workers,
			GitBackend:        strings.ToLower(strings.TrimSpace(r.Clone.GitBackend)),
			GitPath:           r.Clone.GitPath,
			Retries:           1,
			DataFolder:        "data",
			WorkspaceFile:     true,
		},
		Roster: RosterConfig{
			Path:        r.Roster.Path,
			Adjustments: r.Roster.Adjustments,
		},
		History:   r.History,
		Status:    r.Status,
		Telemetry: r.Telemetry,
	}

	if r.Request.RateLimit.MinRemainingThreshold != nil {
		cfg.Request.RateLimit.MinRemainingThreshold = *r.Request.RateLimit.MinRemainingThreshold
	}
	if r.Clone.Retries != nil {
		cfg.Clone.Retries = *r.Clone.Retries
	}
	if r.Clone.DataFolder != nil {
		cfg.Clone.DataFolder = *r.Clone.DataFolder
	}
	if r.Clone.WorkspaceFile != nil {
		cfg.Clone.WorkspaceFile = *r.Clone.WorkspaceFile
	}

	return cfg
}
