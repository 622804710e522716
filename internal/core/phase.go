package core

import (
	"fmt"
	"time"
)

// CycleStatus is the persisted state of a cycle.
type CycleStatus string

const (
	CycleActive             CycleStatus = "active"
	CycleShareOutInProgress CycleStatus = "share_out_in_progress"
	CycleCompleted          CycleStatus = "completed"
	CycleArchived           CycleStatus = "archived"
)

// Phase is the display state of a cycle. It equals the persisted status except
// for PhaseReadyForShareOut, which is derived from the calendar.
type Phase string

const (
	PhaseActive             Phase = "active"
	PhaseReadyForShareOut   Phase = "ready_for_shareout"
	PhaseShareOutInProgress Phase = "share_out_in_progress"
	PhaseCompleted          Phase = "completed"
	PhaseArchived           Phase = "archived"
)

// Transition names a state machine action.
type Transition string

const (
	TransitionCalculate     Transition = "calculate"
	TransitionApprove       Transition = "approve"
	TransitionProcessPayout Transition = "process_payout"
	TransitionCancel        Transition = "cancel"
	TransitionArchive       Transition = "archive"
)

type edge struct {
	from CycleStatus
	to   CycleStatus
}

var transitions = map[Transition]edge{
	TransitionCalculate:     {from: CycleActive, to: CycleShareOutInProgress},
	TransitionApprove:       {from: CycleShareOutInProgress, to: CycleShareOutInProgress},
	TransitionProcessPayout: {from: CycleShareOutInProgress, to: CycleCompleted},
	TransitionCancel:        {from: CycleShareOutInProgress, to: CycleActive},
	TransitionArchive:       {from: CycleCompleted, to: CycleArchived},
}

// Transitions lists every transition in the order an operator would use them.
func Transitions() []Transition {
	return []Transition{
		TransitionCalculate,
		TransitionApprove,
		TransitionProcessPayout,
		TransitionCancel,
		TransitionArchive,
	}
}

func (s CycleStatus) Validate() error {
	switch s {
	case CycleActive, CycleShareOutInProgress, CycleCompleted, CycleArchived:
		return nil
	default:
		return fmt.Errorf("invalid cycle status %q", string(s))
	}
}

// Open reports whether ledger activity may still change the cycle. Once a
// share-out is calculated the totals and records are fixed until cancel.
func (s CycleStatus) Open() bool {
	return s == CycleActive
}

// Next returns the status a transition leads to from current, or an
// *InvalidStateError when the transition is not legal from current.
func Next(t Transition, current CycleStatus) (CycleStatus, error) {
	e, ok := transitions[t]
	if !ok {
		return current, fmt.Errorf("unknown transition %q", string(t))
	}
	if current != e.from {
		return current, &InvalidStateError{
			Operation: string(t),
			Current:   string(current),
			Required:  []string{string(e.from)},
		}
	}
	return e.to, nil
}

// IsEligibleForShareOut is true iff the cycle is active and its end date has been reached.
func IsEligibleForShareOut(c Cycle, now time.Time) bool {
	return c.Status == CycleActive && !now.Before(c.EndDate)
}

// DerivedPhase maps persisted state and the clock to the phase shown to users.
func DerivedPhase(c Cycle, now time.Time) Phase {
	switch c.Status {
	case CycleActive:
		if IsEligibleForShareOut(c, now) {
			return PhaseReadyForShareOut
		}
		return PhaseActive
	case CycleShareOutInProgress:
		return PhaseShareOutInProgress
	case CycleCompleted:
		return PhaseCompleted
	case CycleArchived:
		return PhaseArchived
	default:
		return Phase(c.Status)
	}
}
