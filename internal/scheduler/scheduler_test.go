package scheduler

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"vsla/internal/core"
	"vsla/internal/log"

	"github.com/shopspring/decimal"
)

type fakeCycles struct {
	mu         sync.Mutex
	active     *core.Cycle
	activeErr  error
	aggErr     error
	announce   bool
	aggregated []int64
	announced  int
}

func (f *fakeCycles) Active(ctx context.Context) (core.Cycle, error) {
	if f.activeErr != nil {
		return core.Cycle{}, f.activeErr
	}
	if f.active == nil {
		return core.Cycle{}, core.ErrNotFound
	}
	return *f.active, nil
}

func (f *fakeCycles) Aggregate(ctx context.Context, id int64) (core.Cycle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aggregated = append(f.aggregated, id)
	if f.aggErr != nil {
		return core.Cycle{}, f.aggErr
	}
	c := *f.active
	c.Totals.ShareFund = decimal.NewFromInt(100)
	return c, nil
}

func (f *fakeCycles) AnnounceEligibility(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.announced++
	return f.announce, nil
}

func quietLogger() *log.Logger {
	cfg := log.DefaultConfig()
	cfg.Output = io.Discard
	cfg.Component = log.ComponentScheduler
	return log.New(cfg)
}

func TestNewRejectsBadSchedule(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"refresh", Config{RefreshSchedule: "every minute", EligibilitySchedule: "0 7 * * *"}},
		{"eligibility", Config{RefreshSchedule: "@hourly", EligibilitySchedule: "61 * * * *"}},
		{"seconds field", Config{RefreshSchedule: "0 */5 * * * *", EligibilitySchedule: "@daily"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(&fakeCycles{}, tt.cfg, quietLogger()); err == nil {
				t.Fatal("expected schedule error")
			}
		})
	}
}

func TestRefreshActive(t *testing.T) {
	t.Run("no active cycle", func(t *testing.T) {
		f := &fakeCycles{}
		s, err := New(f, DefaultConfig(), quietLogger())
		if err != nil {
			t.Fatal(err)
		}
		if err := s.RefreshActive(context.Background()); err != nil {
			t.Fatalf("expected nil, got %v", err)
		}
		if len(f.aggregated) != 0 {
			t.Fatalf("aggregated without an active cycle: %v", f.aggregated)
		}
	})

	t.Run("aggregates the active cycle", func(t *testing.T) {
		f := &fakeCycles{active: &core.Cycle{ID: 7, Status: core.CycleActive}}
		s, _ := New(f, DefaultConfig(), quietLogger())
		if err := s.RefreshActive(context.Background()); err != nil {
			t.Fatal(err)
		}
		if len(f.aggregated) != 1 || f.aggregated[0] != 7 {
			t.Fatalf("expected cycle 7 aggregated, got %v", f.aggregated)
		}
	})

	t.Run("propagates failures", func(t *testing.T) {
		boom := errors.New("disk full")
		f := &fakeCycles{active: &core.Cycle{ID: 3}, aggErr: boom}
		s, _ := New(f, DefaultConfig(), quietLogger())
		if err := s.RefreshActive(context.Background()); !errors.Is(err, boom) {
			t.Fatalf("expected wrapped error, got %v", err)
		}

		f = &fakeCycles{activeErr: boom}
		s, _ = New(f, DefaultConfig(), quietLogger())
		if err := s.RefreshActive(context.Background()); !errors.Is(err, boom) {
			t.Fatalf("expected wrapped error, got %v", err)
		}
	})
}

func TestAnnounceEligibility(t *testing.T) {
	f := &fakeCycles{announce: true}
	s, _ := New(f, DefaultConfig(), quietLogger())
	if err := s.AnnounceEligibility(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.announced != 1 {
		t.Fatalf("expected one announcement, got %d", f.announced)
	}
}

func TestJobSwallowsErrors(t *testing.T) {
	f := &fakeCycles{activeErr: errors.New("db locked")}
	s, _ := New(f, DefaultConfig(), quietLogger())
	// A failing job logs and returns so the engine keeps its schedule.
	s.job("refresh", s.RefreshActive)()
}

func TestRunStopsWithContext(t *testing.T) {
	s, err := New(&fakeCycles{}, Config{
		RefreshSchedule:     "@every 1h",
		EligibilitySchedule: "@daily",
		Location:            time.UTC,
	}, quietLogger())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for len(s.Next()) == 2 && s.Next()[0].IsZero() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if next := s.Next(); len(next) != 2 || next[0].IsZero() {
		t.Fatalf("expected both jobs scheduled, got %v", next)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
