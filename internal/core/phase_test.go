package core

import (
	"errors"
	"testing"
)

func TestNext(t *testing.T) {
	statuses := []CycleStatus{CycleActive, CycleShareOutInProgress, CycleCompleted, CycleArchived}
	legal := map[Transition]map[CycleStatus]CycleStatus{
		TransitionCalculate:     {CycleActive: CycleShareOutInProgress},
		TransitionApprove:       {CycleShareOutInProgress: CycleShareOutInProgress},
		TransitionProcessPayout: {CycleShareOutInProgress: CycleCompleted},
		TransitionCancel:        {CycleShareOutInProgress: CycleActive},
		TransitionArchive:       {CycleCompleted: CycleArchived},
	}

	for _, tr := range Transitions() {
		for _, from := range statuses {
			t.Run(string(tr)+"_from_"+string(from), func(t *testing.T) {
				got, err := Next(tr, from)
				want, ok := legal[tr][from]
				if ok {
					if err != nil || got != want {
						t.Fatalf("expected %s, got %s (err=%v)", want, got, err)
					}
					return
				}
				var ise *InvalidStateError
				if !errors.As(err, &ise) {
					t.Fatalf("expected InvalidStateError, got %v", err)
				}
				if ise.Current != string(from) || len(ise.Required) != 1 {
					t.Fatalf("error should name current and required state: %+v", ise)
				}
				if got != from {
					t.Fatalf("illegal transition must not change state, got %s", got)
				}
			})
		}
	}
}

func TestNextUnknownTransition(t *testing.T) {
	if _, err := Next("explode", CycleActive); err == nil {
		t.Fatal("expected error for unknown transition")
	}
}

func TestDerivedPhase(t *testing.T) {
	c := Cycle{StartDate: day(2025, 1, 1), EndDate: day(2025, 6, 30), Status: CycleActive}

	if p := DerivedPhase(c, day(2025, 6, 29)); p != PhaseActive {
		t.Errorf("before end date: got %s", p)
	}
	if p := DerivedPhase(c, day(2025, 6, 30)); p != PhaseReadyForShareOut {
		t.Errorf("on end date: got %s", p)
	}
	if !IsEligibleForShareOut(c, day(2025, 7, 2)) {
		t.Errorf("after end date should be eligible")
	}

	c.Status = CycleShareOutInProgress
	if IsEligibleForShareOut(c, day(2025, 7, 2)) {
		t.Errorf("only active cycles are eligible")
	}
	if p := DerivedPhase(c, day(2025, 7, 2)); p != PhaseShareOutInProgress {
		t.Errorf("got %s", p)
	}
	c.Status = CycleArchived
	if p := DerivedPhase(c, day(2025, 7, 2)); p != PhaseArchived {
		t.Errorf("got %s", p)
	}
}

func TestOpen(t *testing.T) {
	if !CycleActive.Open() {
		t.Error("active cycles accept ledger activity")
	}
	for _, s := range []CycleStatus{CycleShareOutInProgress, CycleCompleted, CycleArchived} {
		if s.Open() {
			t.Errorf("%s must not accept ledger activity", s)
		}
	}
}
