// Package history keeps the most recent clone reports.
package history

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cam3ron2/classroom-snapshot/internal/deadline"
)

// MaxEntries is how many reports a store keeps. Appending beyond it evicts
// the oldest report.
const MaxEntries = 8

// CloneReport is an immutable record of one run.
type CloneReport struct {
	RunID           string   `yaml:"run_id" json:"run_id"`
	Source          string   `yaml:"source" json:"source"`
	RepoPrefix      string   `yaml:"repo_prefix" json:"repo_prefix"`
	DueDate         string   `yaml:"due_date" json:"due_date"`
	DueTime         string   `yaml:"due_time" json:"due_time"`
	RunDate         string   `yaml:"run_date" json:"run_date"`
	RunTime         string   `yaml:"run_time" json:"run_time"`
	DryRun          bool     `yaml:"dry_run" json:"dry_run"`
	StudentsCSVPath string   `yaml:"students_csv_path" json:"students_csv_path"`
	OutputDir       string   `yaml:"output_dir,omitempty" json:"output_dir,omitempty"`
	Failed          string   `yaml:"failed,omitempty" json:"failed,omitempty"`
	LogLines        []string `yaml:"log_lines" json:"log_lines"`
}

// ReportInput is what BuildReport needs from a run.
type ReportInput struct {
	Source          string
	RepoPrefix      string
	DueDate         string
	DueTime         string
	DryRun          bool
	StudentsCSVPath string
	OutputDir       string
	LogLines        []string
	Err             error
}

// BuildReport assembles a report stamped with now in loc.
func BuildReport(input ReportInput, now time.Time, loc *time.Location) CloneReport {
	runDate, runTime := deadline.Now(now, loc)
	report := CloneReport{
		RunID:           uuid.NewString(),
		Source:          input.Source,
		RepoPrefix:      input.RepoPrefix,
		DueDate:         input.DueDate,
		DueTime:         input.DueTime,
		RunDate:         runDate,
		RunTime:         runTime,
		DryRun:          input.DryRun,
		StudentsCSVPath: input.StudentsCSVPath,
		OutputDir:       input.OutputDir,
		LogLines:        append([]string(nil), input.LogLines...),
	}
	if input.Err != nil {
		report.Failed = input.Err.Error()
	}
	return report
}

// String renders the report the way it is shown by the history command.
func (r CloneReport) String() string {
	var b strings.Builder
	b.WriteString(r.RunDate + " " + r.RunTime + "  " + r.Source + "  " + r.RepoPrefix)
	b.WriteString("  (due " + r.DueDate + " " + r.DueTime)
	if r.DryRun {
		b.WriteString(", dry run")
	}
	b.WriteString(")\n")
	if r.Failed != "" {
		b.WriteString("  failed: " + r.Failed + "\n")
	}
	for _, line := range r.LogLines {
		b.WriteString("  " + line + "\n")
	}
	return b.String()
}

// capped returns the newest MaxEntries reports.
func capped(reports []CloneReport) []CloneReport {
	if len(reports) <= MaxEntries {
		return reports
	}
	return reports[len(reports)-MaxEntries:]
}
