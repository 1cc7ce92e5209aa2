package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cam3ron2/classroom-snapshot/internal/config"
	"github.com/cam3ron2/classroom-snapshot/internal/roster"
	"github.com/cam3ron2/classroom-snapshot/internal/snapshot"
	"github.com/cam3ron2/classroom-snapshot/internal/telemetry"
)

const serviceName = "classroom-snapshot"

var errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))

func main() {
	if err := newRootCommand().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, errorStyle.Render(serviceName+": "+userMessage(err)))
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	envFile    string
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:   serviceName,
		Short: "Snapshot student classroom repositories as they were at a deadline",
		Long: `classroom-snapshot finds each student's assignment repository on GitHub or
GitLab, picks the last push before the (per-student adjusted) due datetime,
clones it and resets the working tree to that commit.`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "config.yaml", "path to YAML config file")
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "dotenv file with GITHUB_TOKEN / GITLAB_TOKEN")

	root.AddCommand(newRunCommand(flags), newCheckPrefixCommand(flags), newHistoryCommand(flags))
	return root
}

// loadConfig loads the dotenv file, if present, before the config so token
// overrides see it.
func loadConfig(flags *rootFlags) (*config.Config, error) {
	if flags.envFile != "" {
		if err := godotenv.Load(flags.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}
	cfg, err := config.LoadFile(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the production logger. In debug mode every entry is
// also written as JSON to debugLog.
func newLogger(cfg *config.Config, debugLog *debugLogFile) (*zap.Logger, func(), error) {
	loggerConfig := zap.NewProductionConfig()
	loggerConfig.Level = zap.NewAtomicLevelAt(logLevel(cfg.LogLevel))
	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}

	if cfg.Debug && debugLog != nil {
		fileCore := zapcore.NewCore(
			zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
			debugLog,
			zapcore.DebugLevel,
		)
		logger = logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, fileCore)
		}))
	}

	cleanup := func() {
		if err := logger.Sync(); err != nil && !shouldIgnoreLoggerSyncError(err) {
			_, _ = fmt.Fprintf(os.Stderr, "%s: sync logger: %v\n", serviceName, err)
		}
		if debugLog == nil {
			return
		}
		if err := debugLog.Close(cfg.Clone.OutputDir); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "%s: close debug log: %v\n", serviceName, err)
		}
	}
	return logger, cleanup, nil
}

func setupTelemetry(cfg *config.Config) (func(), error) {
	telemetryRuntime, err := telemetry.Setup(telemetry.Config{
		Enabled:          cfg.Telemetry.OTELEnabled,
		ServiceName:      serviceName,
		TraceMode:        cfg.Telemetry.OTELTraceMode,
		TraceSampleRatio: cfg.Telemetry.OTELTraceSampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("setup telemetry: %w", err)
	}
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetryRuntime.Shutdown(shutdownCtx)
	}, nil
}

func logLevel(raw string) zapcore.Level {
	switch strings.ToLower(raw) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.WarnLevel
	}
}

// shouldIgnoreLoggerSyncError reports sync errors returned for stdout and
// stderr when they are terminals or pipes.
func shouldIgnoreLoggerSyncError(err error) bool {
	return errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY)
}

// userMessage turns run-level faults into the message shown to the user.
func userMessage(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "run cancelled; unfinished repositories were marked as errors"
	case errors.Is(err, snapshot.ErrNoneAccepted):
		return "no students have accepted this assignment yet"
	case errors.Is(err, snapshot.ErrUnauthorized):
		return "the hosting platform rejected the configured credentials; check the token (GITHUB_TOKEN / GITLAB_TOKEN) or GitHub App settings"
	case errors.Is(err, snapshot.ErrConnectivity):
		return "could not reach the hosting platform; check the network connection and the configured server URL"
	case errors.Is(err, snapshot.ErrPrefixNotFound):
		return err.Error() + "; check the assignment prefix and try again"
	case errors.Is(err, roster.ErrNotFound), errors.Is(err, roster.ErrEmpty):
		return err.Error() + "; check roster.path or --students"
	default:
		return err.Error()
	}
}
