package snapshot

import (
	"fmt"
	"strings"
	"time"

	"github.com/cam3ron2/classroom-snapshot/internal/deadline"
	"github.com/cam3ron2/classroom-snapshot/internal/roster"
)

// RunParameters are the inputs of one snapshot run.
type RunParameters struct {
	RepoPrefix        string
	DueDate           string
	DueTime           string
	Source            string
	AppendTimestamp   bool
	ReplaceDuplicates bool
	DryRun            bool
	// CurrentPull is set when both date and time defaulted to now. The
	// newest push is cloned shallowly and no reset happens.
	CurrentPull     bool
	Category        roster.Category
	FolderSuffix    string
	StudentsCSVPath string
	OutputDir       string
}

// Validate checks the fields the engine depends on.
func (p RunParameters) Validate() error {
	var problems []string
	if strings.TrimSpace(p.RepoPrefix) == "" {
		problems = append(problems, "repo prefix is required")
	}
	if _, err := deadline.ParseDate(p.DueDate); err != nil {
		problems = append(problems, err.Error())
	}
	if _, err := deadline.ParseTime(p.DueTime); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid run parameters: %s", strings.Join(problems, "; "))
	}
	return nil
}

// HeaderLines describes the run before any repository is touched.
func (p RunParameters) HeaderLines(resolved time.Time, loc *time.Location) []string {
	rows := [][2]string{
		{"Clone Source", p.Source},
		{"Repo Prefix", p.RepoPrefix},
		{"Due Date", p.DueDate},
		{"Due Time", p.DueTime},
		{"Adj. Date/Time (UTC)", resolved.UTC().Format(deadline.LocalLayout)},
		{"Adj. Date/Time (Local)", deadline.Local(resolved, loc)},
		{"Current Pull", yesNo(p.CurrentPull)},
		{"Dry Run", yesNo(p.DryRun)},
		{"Append Timestamp", yesNo(p.AppendTimestamp)},
		{"Folder Suffix", p.FolderSuffix},
		{"Output Directory", p.OutputDir},
	}
	if p.Category != roster.CategoryNone {
		rows = append(rows, [2]string{"Category", string(p.Category)})
	}

	width := 0
	for _, row := range rows {
		width = max(width, len(row[0]))
	}
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		lines = append(lines, fmt.Sprintf("%-*s : %s", width, row[0], row[1]))
	}
	return lines
}

func yesNo(v bool) string {
	if v {
		return "Yes"
	}
	return "No"
}
