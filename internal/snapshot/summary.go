package snapshot

import (
	"fmt"
	"time"
)

// Summary counts repos by outcome once a run has finished.
type Summary struct {
	Students       int `json:"students"`
	Retrieved      int `json:"retrieved"`
	NotAccepted    int `json:"not_accepted"`
	RetrieveErrors int `json:"retrieve_errors"`
	NoCommits      int `json:"no_commits"`
	CommitNotFound int `json:"commit_not_found"`
	ActivityErrors int `json:"activity_errors"`
	CloneAttempted int `json:"clone_attempted"`
	Cloned         int `json:"cloned"`
	CloneErrors    int `json:"clone_errors"`
	Reset          int `json:"reset"`
	ResetErrors    int `json:"reset_errors"`
	Aborted        int `json:"aborted"`
	// Aborted repos split by whether they had been found first.
	AbortedBeforeRetrieve int `json:"aborted_before_retrieve"`
	AbortedAfterRetrieve  int `json:"aborted_after_retrieve"`

	Elapsed time.Duration `json:"elapsed"`
}

// Summarize tallies repos. Every repo lands in exactly one bucket of each
// of the two partitions: students split by lookup outcome and retrieved
// repos split by what happened after lookup.
func Summarize(repos []*Repo) Summary {
	var summary Summary
	for _, repo := range repos {
		summary.Students++
		status := repo.Status()
		if repo.Cloned() {
			summary.Cloned++
		}

		switch status {
		case StatusNotFound:
			summary.NotAccepted++
			continue
		case StatusRetrieveError:
			summary.RetrieveErrors++
			continue
		case StatusError:
			summary.Aborted++
		}

		if !repo.Retrieved() {
			summary.AbortedBeforeRetrieve++
			continue
		}
		summary.Retrieved++

		switch {
		case repo.LocalPath != "":
			summary.CloneAttempted++
			switch status {
			case StatusCloneError:
				summary.CloneErrors++
			case StatusReset:
				summary.Reset++
			case StatusResetError:
				summary.ResetErrors++
			}
		case status == StatusNoCommits:
			summary.NoCommits++
		case status == StatusCommitNotFound:
			summary.CommitNotFound++
		case status == StatusActivityError:
			summary.ActivityErrors++
		default:
			summary.AbortedAfterRetrieve++
		}
	}
	return summary
}

// Accepted is the number of students with a commit before the deadline.
func (s Summary) Accepted() int {
	return s.CloneAttempted
}

// Lines renders the closing report. Reset counts are left out of current
// pulls, which never reset.
func (s Summary) Lines(currentPull bool) []string {
	lines := []string{
		fmt.Sprintf("Done in %.2f seconds.", s.Elapsed.Seconds()),
		fmt.Sprintf("%d/%d accepted the assignment before the due datetime.", s.Accepted(), s.Students),
		fmt.Sprintf("%d/%d had no commits.", s.NoCommits, s.Retrieved),
		fmt.Sprintf("%d/%d cloned.", s.Cloned, s.CloneAttempted),
	}
	if !currentPull {
		lines = append(lines, fmt.Sprintf("%d/%d reset.", s.Reset, s.Cloned))
	}
	return lines
}
