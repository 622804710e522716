package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"vsla/internal/core"

	"github.com/shopspring/decimal"
)

func openTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "vsla.db"))
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestMigrationsApply(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vsla.db")
	repo, err := NewSQLiteRepository(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	repo.Close()

	// Reopening must be a no-op migration.
	repo, err = NewSQLiteRepository(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer repo.Close()

	v, dirty, err := SchemaVersion(path)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != 1 || dirty {
		t.Fatalf("expected clean version 1, got %d dirty=%v", v, dirty)
	}
}

func TestSingleActiveCycle(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	q := repo.Queries()

	first, err := q.CreateCycle(ctx, core.Cycle{
		Name: "2024", StartDate: day(2024, 1, 1), EndDate: day(2024, 12, 31), SharePrice: dec("10"),
	})
	if err != nil {
		t.Fatalf("create first cycle: %v", err)
	}
	if first.Status != core.CycleActive || first.Version != 1 {
		t.Fatalf("unexpected new cycle %+v", first)
	}
	if !first.SharePrice.Equal(dec("10")) {
		t.Fatalf("share price lost: %s", first.SharePrice)
	}

	_, err = q.CreateCycle(ctx, core.Cycle{
		Name: "2025", StartDate: day(2025, 1, 1), EndDate: day(2025, 12, 31), SharePrice: dec("10"),
	})
	if !errors.Is(err, core.ErrActiveCycleExists) {
		t.Fatalf("expected ErrActiveCycleExists, got %v", err)
	}

	ok, err := q.TransitionCycle(ctx, first, core.CycleShareOutInProgress, nil)
	if err != nil || !ok {
		t.Fatalf("transition: ok=%v err=%v", ok, err)
	}
	// Stale version is refused.
	ok, err = q.TransitionCycle(ctx, first, core.CycleShareOutInProgress, nil)
	if err != nil || ok {
		t.Fatalf("stale transition should not apply: ok=%v err=%v", ok, err)
	}

	if _, err := q.CreateCycle(ctx, core.Cycle{
		Name: "2025", StartDate: day(2025, 1, 1), EndDate: day(2025, 12, 31), SharePrice: dec("10"),
	}); err != nil {
		t.Fatalf("create after first left active: %v", err)
	}
}

func TestCycleTotalsRoundTrip(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	q := repo.Queries()

	c, err := q.CreateCycle(ctx, core.Cycle{
		Name: "2025", StartDate: day(2025, 1, 1), EndDate: day(2025, 6, 30), SharePrice: dec("2.50"),
	})
	if err != nil {
		t.Fatal(err)
	}
	c.Totals = core.CycleTotals{
		SharesContributed:    dec("100.10"),
		WelfareContributed:   dec("20.20"),
		PenaltiesCollected:   dec("0.30"),
		LoanInterestEarned:   dec("14.70"),
		AvailableForShareOut: dec("135.30"),
	}
	ok, err := q.UpdateCycleTotals(ctx, c)
	if err != nil || !ok {
		t.Fatalf("update totals: ok=%v err=%v", ok, err)
	}
	got, err := q.GetCycle(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Totals.AvailableForShareOut.Equal(dec("135.3")) || !got.Totals.PenaltiesCollected.Equal(dec("0.3")) {
		t.Fatalf("totals not preserved: %+v", got.Totals)
	}
	if got.Version != c.Version+1 {
		t.Fatalf("version should bump, got %d", got.Version)
	}

	if ok, err := q.TransitionCycle(ctx, got, core.CycleShareOutInProgress, nil); err != nil || !ok {
		t.Fatalf("transition: ok=%v err=%v", ok, err)
	}
	calculated, err := q.GetCycle(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	calculated.Totals.SharesContributed = dec("999")
	if ok, err := q.UpdateCycleTotals(ctx, calculated); err != nil || ok {
		t.Fatalf("totals of a calculated cycle must not change: ok=%v err=%v", ok, err)
	}

	covering, err := q.GetCycleCovering(ctx, day(2025, 6, 30))
	if err != nil || covering.ID != c.ID {
		t.Fatalf("covering cycle: %+v %v", covering, err)
	}
	if _, err := q.GetCycleCovering(ctx, day(2025, 7, 1)); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found after window, got %v", err)
	}
}

func TestLedgerSlotUniqueness(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	q := repo.Queries()

	m, err := q.CreateMember(ctx, "Amina", "M-001")
	if err != nil {
		t.Fatal(err)
	}
	mt, err := q.CreateMeeting(ctx, day(2025, 2, 1), "")
	if err != nil {
		t.Fatal(err)
	}

	entry := core.LedgerEntry{MeetingID: mt.ID, MemberID: m.ID, Type: core.PenaltyFine, Amount: dec("5")}
	first, err := q.InsertEntry(ctx, entry)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.InsertEntry(ctx, entry); !errors.Is(err, ErrSlotTaken) {
		t.Fatalf("expected ErrSlotTaken, got %v", err)
	}

	if ok, err := q.RejectEntry(ctx, first.ID); err != nil || !ok {
		t.Fatalf("reject: ok=%v err=%v", ok, err)
	}
	if _, err := q.InsertEntry(ctx, entry); err != nil {
		t.Fatalf("rejected entries free the slot: %v", err)
	}
	if ok, _ := q.RejectEntry(ctx, first.ID); ok {
		t.Fatal("rejecting twice must not apply")
	}
}

func TestDuplicateMemberNo(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	if _, err := repo.Queries().CreateMember(ctx, "A", "M-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Queries().CreateMember(ctx, "B", "M-1"); !errors.Is(err, ErrDuplicateMemberNo) {
		t.Fatalf("expected ErrDuplicateMemberNo, got %v", err)
	}
}

func TestOutstandingLoanBalance(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	q := repo.Queries()

	m, _ := q.CreateMember(ctx, "Amina", "M-001")
	m1, _ := q.CreateMeeting(ctx, day(2025, 1, 10), "")
	m2, _ := q.CreateMeeting(ctx, day(2025, 2, 10), "")

	issue, err := q.InsertEntry(ctx, core.LedgerEntry{MeetingID: m1.ID, MemberID: m.ID, Type: core.LoanIssuance, Amount: dec("100")})
	if err != nil {
		t.Fatal(err)
	}
	repay, err := q.InsertEntry(ctx, core.LedgerEntry{
		MeetingID: m2.ID, MemberID: m.ID, Type: core.LoanRepayment, Amount: dec("30"), InterestAmount: dec("5"),
	})
	if err != nil {
		t.Fatal(err)
	}

	bal, err := q.OutstandingLoanBalance(ctx, m.ID)
	if err != nil || !bal.IsZero() {
		t.Fatalf("pending entries do not count: %s %v", bal, err)
	}

	q.ApproveEntry(ctx, issue.ID, "chair", "")
	q.ApproveEntry(ctx, repay.ID, "chair", "")
	bal, err = q.OutstandingLoanBalance(ctx, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !bal.Equal(dec("75")) {
		t.Fatalf("expected 100 - (30 - 5) = 75, got %s", bal)
	}

	err = q.InsertAccountTransaction(ctx, core.AccountTransaction{
		ID: "offset-1", MemberID: m.ID, Amount: dec("75"), Direction: core.Credit,
		Type: core.LoanOffset, CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	bal, _ = q.OutstandingLoanBalance(ctx, m.ID)
	if !bal.IsZero() {
		t.Fatalf("offset should clear the loan, got %s", bal)
	}

	if ok, err := q.MarkReversed(ctx, "offset-1", time.Now()); err != nil || !ok {
		t.Fatalf("mark reversed: %v %v", ok, err)
	}
	bal, _ = q.OutstandingLoanBalance(ctx, m.ID)
	if !bal.Equal(dec("75")) {
		t.Fatalf("reversed offset no longer counts, got %s", bal)
	}
}

func TestInTxRollsBack(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := repo.InTx(ctx, func(q *Queries) error {
		if _, err := q.CreateMember(ctx, "Amina", "M-001"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	members, err := repo.Queries().ListMembers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 0 {
		t.Fatalf("rolled back insert is visible: %+v", members)
	}
}
