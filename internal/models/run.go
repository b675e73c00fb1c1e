package models

import (
	"fmt"
	"strings"
	"time"
)

// ImportMode selects how much of the warehouse an import copies.
type ImportMode string

const (
	ImportModeFull   ImportMode = "FULL"
	ImportModeByDate ImportMode = "BY_DATE"
)

// ParseImportMode accepts FULL/BY_DATE and the CLI spellings full/date.
func ParseImportMode(s string) (ImportMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "full":
		return ImportModeFull, nil
	case "date", "by_date", "by-date":
		return ImportModeByDate, nil
	default:
		return "", fmt.Errorf("unknown import mode %q", s)
	}
}

// RunState is a step of the import state machine.
type RunState string

const (
	RunStateIdle        RunState = "IDLE"
	RunStateDeleting    RunState = "DELETING"
	RunStateFetching    RunState = "FETCHING"
	RunStateNormalizing RunState = "NORMALIZING"
	RunStateInserting   RunState = "INSERTING"
	RunStateDone        RunState = "DONE"
	RunStateFailed      RunState = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s RunState) Terminal() bool {
	return s == RunStateDone || s == RunStateFailed
}

// ImportRun records the progress of one import.
type ImportRun struct {
	ID         string     `json:"id"`
	Mode       ImportMode `json:"mode"`
	Date       string     `json:"date,omitempty"`
	State      RunState   `json:"state"`
	Records    int        `json:"records"`
	NewKeys    []string   `json:"new_keys,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
