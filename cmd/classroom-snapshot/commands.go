package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/cam3ron2/classroom-snapshot/internal/app"
	"github.com/cam3ron2/classroom-snapshot/internal/config"
	"github.com/cam3ron2/classroom-snapshot/internal/deadline"
	"github.com/cam3ron2/classroom-snapshot/internal/history"
	"github.com/cam3ron2/classroom-snapshot/internal/preset"
	"github.com/cam3ron2/classroom-snapshot/internal/roster"
	"github.com/cam3ron2/classroom-snapshot/internal/snapshot"
)

type runFlags struct {
	prefix          string
	date            string
	dueTime         string
	source          string
	preset          string
	category        string
	suffix          string
	students        string
	outputDir       string
	listenAddr      string
	appendTimestamp bool
	replace         bool
	dryRun          bool
	debug           bool
	askRetry        bool
	noHistory       bool
}

func newRunCommand(root *rootFlags) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Clone every student's repository as of the due datetime",
		Long: `Run resolves one repository per roster entry, finds the last push before
the due datetime (plus any per-student extension for --category), clones it
and resets it to that commit.

Leaving both --date and --time empty performs a current pull: the newest
commit is cloned shallowly and no reset happens.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSnapshot(cmd, root, flags)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&flags.prefix, "prefix", "p", "", "assignment repository prefix (repos are named <prefix>-<username>)")
	f.StringVar(&flags.date, "date", "", "due date YYYY-MM-DD (empty for today)")
	f.StringVar(&flags.dueTime, "time", "", "due time 24h HH:MM (empty for now)")
	f.StringVar(&flags.source, "source", "", "hosting platform: github or gitlab (default from config)")
	f.StringVar(&flags.preset, "preset", "", "name of a preset from presets_path")
	f.StringVar(&flags.category, "category", "", "extension category: class_activity (ca), assignment (as) or exam (ex)")
	f.StringVar(&flags.suffix, "suffix", "", "suffix appended to the output folder name")
	f.StringVar(&flags.students, "students", "", "roster CSV path (default roster.path)")
	f.StringVarP(&flags.outputDir, "out", "o", "", "base output directory (default clone.output_dir)")
	f.StringVar(&flags.listenAddr, "listen", "", "serve /status, /metrics and health endpoints on this address during the run")
	f.BoolVar(&flags.appendTimestamp, "append-timestamp", false, "append _MM_DD_HH_MM of the due datetime to the output folder")
	f.BoolVar(&flags.replace, "replace", false, "empty an existing output folder instead of creating a numbered one")
	f.BoolVar(&flags.dryRun, "dry-run", false, "resolve commits without cloning")
	f.BoolVar(&flags.debug, "debug", false, "single worker, verbose logging to log.txt in the run's output folder")
	f.BoolVar(&flags.askRetry, "ask-retry", false, "ask before retrying a failed clone or reset (terminal only)")
	f.BoolVar(&flags.noHistory, "no-history", false, "do not record this run in the clone history")
	_ = cmd.MarkFlagRequired("prefix")
	return cmd
}

func runSnapshot(cmd *cobra.Command, root *rootFlags, flags *runFlags) error {
	cfg, err := loadConfig(root)
	if err != nil {
		return err
	}
	applyRunFlags(cfg, cmd.Flags().Changed, flags)

	var debugLog *debugLogFile
	if cfg.Debug {
		debugLog = &debugLogFile{}
	}
	logger, syncLogger, err := newLogger(cfg, debugLog)
	if err != nil {
		return err
	}
	defer syncLogger()

	shutdownTelemetry, err := setupTelemetry(cfg)
	if err != nil {
		return err
	}
	defer shutdownTelemetry()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	presets, err := preset.Load(cfg.PresetsPath)
	if err != nil {
		return err
	}
	params, err := buildParams(flags, cmd.Flags().Changed, cfg, presets, time.Now(), loc)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stdout := cmd.OutOrStdout()
	deps := app.Dependencies{Out: stdout}
	if debugLog != nil {
		deps.OutputReady = debugLog.Open
	}
	if flags.askRetry && term.IsTerminal(int(os.Stdin.Fd())) {
		deps.Retry = promptRetry(os.Stdin, cmd.ErrOrStderr())
	}

	var runtime *app.Runtime
	var printer *snapshot.ProgressPrinter
	if !cfg.Debug && !flags.askRetry && isTerminal(stdout) {
		printer = snapshot.NewProgressPrinter(stdout, 0, func() []snapshot.RepoView {
			return runtime.Snapshot()
		})
		deps.Out = printer.Writer()
	}

	runtime, err = app.NewRuntime(cfg, deps, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := runtime.Close(); err != nil {
			logger.Warn("failed to close history store", zap.Error(err))
		}
	}()

	if cfg.Status.ListenAddr != "" {
		stopServer := serveStatus(cfg.Status.ListenAddr, runtime, logger)
		defer stopServer()
	}

	var printerDone sync.WaitGroup
	printerCtx, stopPrinter := context.WithCancel(ctx)
	if printer != nil {
		printerDone.Add(1)
		go func() {
			defer printerDone.Done()
			printer.Run(printerCtx)
		}()
	}

	outcome, runErr := runtime.Run(ctx, params)
	stopPrinter()
	printerDone.Wait()

	if outcome != nil && !params.DryRun {
		_, _ = fmt.Fprintf(stdout, "Output directory: %s\n", outcome.OutputDir)
	}
	return runErr
}

// applyRunFlags folds flags that change process-wide settings into cfg.
func applyRunFlags(cfg *config.Config, changed func(string) bool, flags *runFlags) {
	if flags.debug {
		cfg.Debug = true
	}
	if changed("out") {
		cfg.Clone.OutputDir = flags.outputDir
	}
	if changed("replace") {
		cfg.Clone.ReplaceDuplicates = flags.replace
	}
	if changed("listen") {
		cfg.Status.ListenAddr = flags.listenAddr
	}
	if flags.noHistory {
		cfg.History.Backend = config.HistoryBackendMemory
	}
}

// buildParams layers config defaults, the selected preset and explicit
// flags, in that order. An empty date and time select a current pull.
func buildParams(
	flags *runFlags,
	changed func(string) bool,
	cfg *config.Config,
	presets []preset.Preset,
	now time.Time,
	loc *time.Location,
) (snapshot.RunParameters, error) {
	params := snapshot.RunParameters{
		RepoPrefix:        strings.TrimSpace(flags.prefix),
		Source:            cfg.Source,
		ReplaceDuplicates: cfg.Clone.ReplaceDuplicates,
		StudentsCSVPath:   cfg.Roster.Path,
		OutputDir:         cfg.Clone.OutputDir,
	}

	if flags.preset != "" {
		selected, err := preset.Find(presets, flags.preset)
		if err != nil {
			return params, err
		}
		params, err = selected.Apply(params)
		if err != nil {
			return params, err
		}
	}

	if changed("source") {
		params.Source = strings.ToLower(strings.TrimSpace(flags.source))
	}
	if changed("suffix") {
		params.FolderSuffix = flags.suffix
	}
	if changed("students") {
		params.StudentsCSVPath = flags.students
	}
	if changed("append-timestamp") {
		params.AppendTimestamp = flags.appendTimestamp
	}
	if changed("category") {
		category, err := roster.ParseCategory(flags.category)
		if err != nil {
			return params, err
		}
		params.Category = category
	}
	if changed("time") {
		params.DueTime = strings.TrimSpace(flags.dueTime)
	}
	params.DueDate = strings.TrimSpace(flags.date)
	params.DryRun = flags.dryRun

	nowDate, nowTime := deadline.Now(now, loc)
	dateIsCurrent := params.DueDate == ""
	timeIsCurrent := params.DueTime == ""
	if dateIsCurrent {
		params.DueDate = nowDate
	}
	if timeIsCurrent {
		params.DueTime = nowTime
	}
	params.CurrentPull = dateIsCurrent && timeIsCurrent
	return params, params.Validate()
}

// promptRetry asks whether a failed clone or reset should run again. Prompts
// from concurrent workers are serialized.
func promptRetry(in io.Reader, out io.Writer) snapshot.RetryPolicy {
	var mu sync.Mutex
	reader := bufio.NewReader(in)
	return snapshot.RetryFunc(func(ctx context.Context, attempt snapshot.Attempt) bool {
		mu.Lock()
		defer mu.Unlock()
		if ctx.Err() != nil {
			return false
		}
		_, _ = fmt.Fprintf(out, "%s of %s failed (attempt %d, exit code %d). Retry? [y/N]: ",
			attempt.Op, attempt.Repo, attempt.Number, attempt.Output.ExitCode)
		answer, err := reader.ReadString('\n')
		if err != nil && answer == "" {
			return false
		}
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "y", "yes":
			return true
		default:
			return false
		}
	})
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	return ok && term.IsTerminal(int(file.Fd()))
}

func serveStatus(addr string, runtime *app.Runtime, logger *zap.Logger) func() {
	server := &http.Server{
		Addr:              addr,
		Handler:           runtime.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("status server starting", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("status server failed", zap.Error(err))
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("status server shutdown", zap.Error(err))
		}
	}
}

func newCheckPrefixCommand(root *rootFlags) *cobra.Command {
	var sourceName string
	cmd := &cobra.Command{
		Use:   "check-prefix <prefix>",
		Short: "Check that an assignment prefix matches remote repositories",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			logger, syncLogger, err := newLogger(cfg, nil)
			if err != nil {
				return err
			}
			defer syncLogger()

			if sourceName == "" {
				sourceName = cfg.Source
			}
			runtime, err := app.NewRuntime(cfg, app.Dependencies{History: history.NewMemoryStore()}, logger)
			if err != nil {
				return err
			}
			defer func() { _ = runtime.Close() }()

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			count, err := runtime.CheckPrefix(ctx, strings.ToLower(sourceName), args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Found %d repositories with prefix %q on %s.\n", count, args[0], sourceName)
			return nil
		},
	}
	cmd.Flags().StringVar(&sourceName, "source", "", "hosting platform: github or gitlab (default from config)")
	return cmd
}

func newHistoryCommand(root *rootFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the most recent clone reports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			logger, syncLogger, err := newLogger(cfg, nil)
			if err != nil {
				return err
			}
			defer syncLogger()

			store, _ := app.OpenHistory(cfg, logger)
			defer func() { _ = store.Close() }()
			reports, err := store.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("list clone history: %w", err)
			}
			return printHistory(cmd.OutOrStdout(), reports, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print reports as JSON")
	return cmd
}

func printHistory(out io.Writer, reports []history.CloneReport, asJSON bool) error {
	if asJSON {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(reports)
	}
	if len(reports) == 0 {
		_, err := fmt.Fprintln(out, "No clone history yet.")
		return err
	}
	// Newest first.
	for i := len(reports) - 1; i >= 0; i-- {
		if _, err := fmt.Fprint(out, reports[i].String()); err != nil {
			return err
		}
	}
	return nil
}
