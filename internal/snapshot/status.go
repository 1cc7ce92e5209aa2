package snapshot

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

// ErrInvalidTransition is returned when an operation is attempted from a
// status that does not allow it.
var ErrInvalidTransition = errors.New("invalid repo status transition")

// Status is the lifecycle position of one student repository.
type Status int32

const (
	StatusInit Status = iota
	StatusRetrieving
	StatusRetrieved
	StatusNotFound
	StatusRetrieveError
	StatusCheckingCommits
	StatusCommitFound
	StatusNoCommits
	StatusCommitNotFound
	StatusActivityError
	StatusCloning
	StatusCloned
	StatusClonedDone
	StatusCloneError
	StatusResetting
	StatusReset
	StatusResetError
	StatusError
)

// Palette used for status labels in terminal output.
var (
	colorNeutral = lipgloss.Color("7")
	colorSuccess = lipgloss.Color("10")
	colorFailure = lipgloss.Color("9")
	colorMissing = lipgloss.Color("11")
	colorEmpty   = lipgloss.Color("14")
	colorLate    = lipgloss.Color("13")
)

type statusInfo struct {
	name     string
	label    string
	color    lipgloss.Color
	terminal bool
	failed   bool
}

var statusTable = map[Status]statusInfo{
	StatusInit:            {name: "init", label: "Initial State", color: colorNeutral},
	StatusRetrieving:      {name: "retrieving", label: "Retrieving...", color: colorNeutral},
	StatusRetrieved:       {name: "retrieved", label: "Repo Found.", color: colorSuccess},
	StatusNotFound:        {name: "not_found", label: "Repo Does Not Exist.", color: colorMissing, terminal: true},
	StatusRetrieveError:   {name: "retrieve_error", label: "Retrieve Error", color: colorFailure, terminal: true, failed: true},
	StatusCheckingCommits: {name: "checking_commits", label: "Checking Commits...", color: colorNeutral},
	StatusCommitFound:     {name: "commit_found", label: "Commit Found.", color: colorSuccess},
	StatusNoCommits:       {name: "no_commits", label: "Repo Has No Commits.", color: colorEmpty, terminal: true},
	StatusCommitNotFound:  {name: "commit_not_found", label: "Commit Not Found Before Due Datetime.", color: colorLate, terminal: true},
	StatusActivityError:   {name: "activity_error", label: "Activity Error", color: colorFailure, terminal: true, failed: true},
	StatusCloning:         {name: "cloning", label: "Cloning...", color: colorNeutral},
	StatusCloned:          {name: "cloned", label: "Cloning...", color: colorNeutral},
	StatusClonedDone:      {name: "cloned_done", label: "Cloned", color: colorSuccess, terminal: true},
	StatusCloneError:      {name: "clone_error", label: "Clone Error", color: colorFailure, terminal: true, failed: true},
	StatusResetting:       {name: "resetting", label: "Resetting...", color: colorNeutral},
	StatusReset:           {name: "reset", label: "Reset", color: colorSuccess, terminal: true},
	StatusResetError:      {name: "reset_error", label: "Reset Error", color: colorFailure, terminal: true, failed: true},
	StatusError:           {name: "error", label: "Unknown Error", color: colorFailure, terminal: true, failed: true},
}

// transitions lists the forward edges of the lifecycle. StatusError is
// reachable from every non-terminal status and is handled by Abort.
var transitions = map[Status][]Status{
	StatusInit:            {StatusRetrieving},
	StatusRetrieving:      {StatusRetrieved, StatusNotFound, StatusRetrieveError},
	StatusRetrieved:       {StatusCheckingCommits},
	StatusCheckingCommits: {StatusCommitFound, StatusNoCommits, StatusCommitNotFound, StatusActivityError},
	StatusCommitFound:     {StatusCloning},
	StatusCloning:         {StatusCloned, StatusClonedDone, StatusCloneError},
	StatusCloned:          {StatusResetting},
	StatusResetting:       {StatusReset, StatusResetError},
}

// String returns the snake_case status name used in logs, metrics and JSON.
func (s Status) String() string {
	if info, ok := statusTable[s]; ok {
		return info.name
	}
	return fmt.Sprintf("status(%d)", int32(s))
}

// Label returns the human readable status shown in progress tables.
func (s Status) Label() string {
	return statusTable[s].label
}

// Color returns the terminal color associated with the status.
func (s Status) Color() lipgloss.Color {
	if info, ok := statusTable[s]; ok {
		return info.color
	}
	return colorNeutral
}

// Terminal reports whether no further work happens after this status.
func (s Status) Terminal() bool {
	return statusTable[s].terminal
}

// Failed reports whether the status ends a repo on an error.
func (s Status) Failed() bool {
	return statusTable[s].failed
}

// CanTransition reports whether next directly follows s.
func (s Status) CanTransition(next Status) bool {
	if next == StatusError {
		return !s.Terminal()
	}
	for _, candidate := range transitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Statuses returns every status in lifecycle order.
func Statuses() []Status {
	statuses := make([]Status, 0, len(statusTable))
	for status := StatusInit; status <= StatusError; status++ {
		statuses = append(statuses, status)
	}
	return statuses
}
