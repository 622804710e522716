package core

import (
	"fmt"
	"strings"
	"time"
)

// Problem is a single offending input, addressed by batch row when one applies.
type Problem struct {
	Row     int    `json:"row"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports every problem found in an input, not only the first.
type ValidationError struct {
	Problems []Problem
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		if p.Row >= 0 {
			msgs = append(msgs, fmt.Sprintf("row %d: %s: %s", p.Row, p.Field, p.Message))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: %s", p.Field, p.Message))
		}
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// Add records a problem for a batch row. Use row -1 for whole-request problems.
func (e *ValidationError) Add(row int, field, message string) {
	e.Problems = append(e.Problems, Problem{Row: row, Field: field, Message: message})
}

// Rows returns the distinct row indices named by the problems, in order of appearance.
func (e *ValidationError) Rows() []int {
	seen := make(map[int]bool)
	var rows []int
	for _, p := range e.Problems {
		if p.Row < 0 || seen[p.Row] {
			continue
		}
		seen[p.Row] = true
		rows = append(rows, p.Row)
	}
	return rows
}

// OrNil returns nil when no problem was recorded.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Problems) == 0 {
		return nil
	}
	return e
}

// InvalidStateError is returned when an operation is not legal in the current phase.
type InvalidStateError struct {
	Operation string
	Current   string
	Required  []string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s not allowed in state %q (requires %s)",
		e.Operation, e.Current, strings.Join(e.Required, " or "))
}

// NotEligibleError is returned when a time-gated transition is attempted early.
type NotEligibleError struct {
	CycleID    int64
	EligibleAt time.Time
}

func (e *NotEligibleError) Error() string {
	return fmt.Sprintf("cycle %d is not eligible for share-out until %s",
		e.CycleID, e.EligibleAt.Format("2006-01-02"))
}

// NoParticipantsError guards the share percentage division.
type NoParticipantsError struct {
	CycleID int64
}

func (e *NoParticipantsError) Error() string {
	return fmt.Sprintf("cycle %d has no member with contributed shares", e.CycleID)
}

// AtomicityViolation marks a multi-row transition that could not be applied
// as a whole. The transaction has been rolled back when this is returned.
type AtomicityViolation struct {
	CycleID   int64
	Operation string
	Err       error
}

func (e *AtomicityViolation) Error() string {
	return fmt.Sprintf("%s on cycle %d rolled back, manual review required: %v",
		e.Operation, e.CycleID, e.Err)
}

func (e *AtomicityViolation) Unwrap() error {
	return e.Err
}
