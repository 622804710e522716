package cycle

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"vsla/internal/accounts"
	"vsla/internal/amqp"
	"vsla/internal/core"
	"vsla/internal/ledger"
	"vsla/internal/lock"
	"vsla/internal/storage"
)

// failingPoster fails the n-th Materialize call when failAt is set.
type failingPoster struct {
	*accounts.Ledger
	mu     sync.Mutex
	calls  int
	failAt int
}

func (p *failingPoster) Materialize(ctx context.Context, q *storage.Queries, posting accounts.Posting) (string, error) {
	p.mu.Lock()
	p.calls++
	fail := p.failAt > 0 && p.calls == p.failAt
	p.mu.Unlock()
	if fail {
		return "", errors.New("cash book offline")
	}
	return p.Ledger.Materialize(ctx, q, posting)
}

func (p *failingPoster) failOn(n int) {
	p.mu.Lock()
	p.calls = 0
	p.failAt = n
	p.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []amqp.EventType
}

func (p *recordingPublisher) PublishCycleEvent(_ context.Context, ev *amqp.CycleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev.Type)
	return nil
}

func (p *recordingPublisher) types() []amqp.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]amqp.EventType(nil), p.events...)
}

type env struct {
	repo    *storage.SQLiteRepository
	entries *ledger.Service
	svc     *Service
	poster  *failingPoster
	pub     *recordingPublisher
	amina   core.Member
	baraka  core.Member
	cycle   core.Cycle
	meeting core.Meeting
	clock   time.Time
}

func newEnv(t *testing.T, policy core.NegativePayoutPolicy) *env {
	t.Helper()
	repo, err := storage.NewSQLiteRepository(filepath.Join(t.TempDir(), "vsla.db"))
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	locks := lock.NewKeyedMutex()
	e := &env{
		repo:   repo,
		poster: &failingPoster{Ledger: accounts.NewLedger()},
		pub:    &recordingPublisher{},
		clock:  time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC),
	}
	e.entries = ledger.NewService(repo, accounts.NewLedger(), locks, ledger.Rules{
		SharePrice: dec("10"),
		MinShares:  1,
		MaxShares:  10,
	})
	e.svc = NewService(repo, e.poster, locks, policy)
	e.svc.SetPublisher(e.pub)
	e.svc.SetClock(func() time.Time { return e.clock })

	ctx := context.Background()
	q := repo.Queries()
	if e.amina, err = q.CreateMember(ctx, "Amina", "M-001"); err != nil {
		t.Fatal(err)
	}
	if e.baraka, err = q.CreateMember(ctx, "Baraka", "M-002"); err != nil {
		t.Fatal(err)
	}
	if e.meeting, err = q.CreateMeeting(ctx, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), ""); err != nil {
		t.Fatal(err)
	}
	e.cycle, err = e.svc.CreateCycle(ctx, CycleInput{
		Name:       "2025 H1",
		StartDate:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:    time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC),
		SharePrice: dec("10"),
	})
	if err != nil {
		t.Fatalf("CreateCycle() error = %v", err)
	}
	return e
}

// record submits and approves rows on the cycle meeting.
func (e *env) record(t *testing.T, rows ...ledger.EntryInput) {
	t.Helper()
	e.recordOn(t, e.meeting, rows...)
}

func (e *env) recordOn(t *testing.T, m core.Meeting, rows ...ledger.EntryInput) {
	t.Helper()
	ctx := context.Background()
	created, err := e.entries.SubmitBulk(ctx, m.ID, "secretary", rows)
	if err != nil {
		t.Fatalf("SubmitBulk() error = %v", err)
	}
	for _, entry := range created {
		if _, err := e.entries.Approve(ctx, entry.ID, "chair"); err != nil {
			t.Fatalf("Approve() error = %v", err)
		}
	}
}

func (e *env) meetingOn(t *testing.T, day string) core.Meeting {
	t.Helper()
	d, err := time.Parse(time.DateOnly, day)
	if err != nil {
		t.Fatal(err)
	}
	m, err := e.repo.Queries().CreateMeeting(context.Background(), d, "")
	if err != nil {
		t.Fatal(err)
	}
	return m
}

// seedThirtySeventy records 30 vs 70 in shares, 20 in welfare, 10 in
// penalties and 5 in loan interest. Baraka borrows 25 and repays 10, of which
// 5 is interest, so 20 is outstanding at share-out.
func (e *env) seedThirtySeventy(t *testing.T) {
	e.record(t,
		ledger.EntryInput{MemberID: e.amina.ID, Type: core.SharePurchase, ShareCount: 3},
		ledger.EntryInput{MemberID: e.amina.ID, Type: core.WelfareContribution, Amount: "15"},
		ledger.EntryInput{MemberID: e.baraka.ID, Type: core.SharePurchase, ShareCount: 7},
		ledger.EntryInput{MemberID: e.baraka.ID, Type: core.WelfareContribution, Amount: "5"},
		ledger.EntryInput{MemberID: e.baraka.ID, Type: core.PenaltyFine, Amount: "10"},
		ledger.EntryInput{MemberID: e.baraka.ID, Type: core.LoanIssuance, Amount: "25"},
		ledger.EntryInput{MemberID: e.baraka.ID, Type: core.LoanRepayment, Amount: "10", InterestAmount: "5"},
	)
}

// snapshot renders everything a transition may touch.
func (e *env) snapshot(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	q := e.repo.Queries()
	c, err := q.GetCycle(ctx, e.cycle.ID)
	if err != nil {
		t.Fatal(err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s v%d %s %s|", c.Status, c.Version, c.Totals.AvailableForShareOut, c.Totals.SharesContributed)
	records, err := q.ListShareOutRecords(ctx, e.cycle.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range records {
		fmt.Fprintf(&b, "%d:%s:%s:%s|", r.MemberID, r.PayoutStatus, r.NetPayout, r.SettlementTransactionID)
	}
	for _, m := range []core.Member{e.amina, e.baraka} {
		txs, err := q.ListAccountTransactions(ctx, m.ID)
		if err != nil {
			t.Fatal(err)
		}
		fmt.Fprintf(&b, "tx%d=%d|", m.ID, len(txs))
	}
	return b.String()
}

func (e *env) settlementTypes(t *testing.T, memberID int64) map[string]int {
	t.Helper()
	txs, err := e.repo.Queries().ListAccountTransactions(context.Background(), memberID)
	if err != nil {
		t.Fatal(err)
	}
	out := make(map[string]int)
	for _, tx := range txs {
		out[tx.Type]++
	}
	return out
}

func TestThirtySeventyShareOut(t *testing.T) {
	e := newEnv(t, core.PolicyCarryForward)
	e.seedThirtySeventy(t)
	ctx := context.Background()

	c, err := e.svc.Calculate(ctx, e.cycle.ID)
	if err != nil {
		t.Fatalf("Calculate() error = %v", err)
	}
	if c.Status != core.CycleShareOutInProgress {
		t.Fatalf("status = %s, want share_out_in_progress", c.Status)
	}
	if !c.Totals.AvailableForShareOut.Equal(dec("135")) {
		t.Fatalf("available = %s, want 135", c.Totals.AvailableForShareOut)
	}
	if c.ShareOutDate != nil {
		t.Fatalf("share-out date set before payout: %v", c.ShareOutDate)
	}

	detail, err := e.svc.ShareOutDetail(ctx, e.cycle.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(detail.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(detail.Records))
	}
	a, b := detail.Records[0], detail.Records[1]
	if !a.ProfitShare.Equal(dec("4.5")) || !b.ProfitShare.Equal(dec("10.5")) {
		t.Errorf("profit shares = %s / %s, want 4.5 / 10.5", a.ProfitShare, b.ProfitShare)
	}
	if !a.NetPayout.Equal(dec("49.5")) || !b.NetPayout.Equal(dec("65.5")) {
		t.Errorf("net payouts = %s / %s, want 49.5 / 65.5", a.NetPayout, b.NetPayout)
	}
	if !b.OutstandingLoanBalance.Equal(dec("20")) || !b.LoanDeduction.Equal(dec("20")) {
		t.Errorf("loan = %s deduction = %s, want 20 / 20", b.OutstandingLoanBalance, b.LoanDeduction)
	}
	if !detail.Totals.Balanced() || !detail.Totals.ProfitShare.Equal(dec("15")) {
		t.Errorf("unexpected totals row %+v", detail.Totals)
	}
	if detail.Members[a.MemberID].Name != "Amina" {
		t.Errorf("members map not populated")
	}

	// Settlement happens days after the calculation.
	e.clock = time.Date(2025, 7, 11, 15, 0, 0, 0, time.UTC)
	if _, err := e.svc.Approve(ctx, e.cycle.ID); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	c, err = e.svc.ProcessPayout(ctx, e.cycle.ID)
	if err != nil {
		t.Fatalf("ProcessPayout() error = %v", err)
	}
	if c.Status != core.CycleCompleted {
		t.Fatalf("status = %s, want completed", c.Status)
	}
	if c.ShareOutDate == nil || c.ShareOutDate.Format(time.DateOnly) != "2025-07-11" {
		t.Fatalf("share-out date = %v, want the payout day 2025-07-11", c.ShareOutDate)
	}

	q := e.repo.Queries()
	records, _ := q.ListShareOutRecords(ctx, e.cycle.ID)
	for _, r := range records {
		if r.PayoutStatus != core.PayoutPaid || r.SettlementTransactionID == "" || r.PaidAt == nil {
			t.Errorf("record not settled: %+v", r)
		}
	}
	loan, err := q.OutstandingLoanBalance(ctx, e.baraka.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !loan.IsZero() {
		t.Errorf("loan must be offset at payout, still %s", loan)
	}
	if got := e.settlementTypes(t, e.baraka.ID); got[core.SettlementPayout] != 1 || got[core.LoanOffset] != 1 {
		t.Errorf("unexpected settlement transactions %v", got)
	}

	if _, err := e.svc.Archive(ctx, e.cycle.ID); err != nil {
		t.Fatalf("Archive() error = %v", err)
	}

	want := []amqp.EventType{amqp.EventCalculated, amqp.EventApproved, amqp.EventPaidOut, amqp.EventArchived}
	got := e.pub.types()
	if strings.Join(toStrings(got), ",") != strings.Join(toStrings(want), ",") {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func toStrings(types []amqp.EventType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func TestCalculateBeforeEndDate(t *testing.T) {
	e := newEnv(t, core.PolicyCarryForward)
	e.seedThirtySeventy(t)
	e.clock = time.Date(2025, 6, 29, 12, 0, 0, 0, time.UTC)
	before := e.snapshot(t)

	_, err := e.svc.Calculate(context.Background(), e.cycle.ID)
	var nee *core.NotEligibleError
	if !errors.As(err, &nee) {
		t.Fatalf("expected NotEligibleError, got %v", err)
	}
	if !nee.EligibleAt.Equal(e.cycle.EndDate) {
		t.Errorf("eligible at %s, want %s", nee.EligibleAt, e.cycle.EndDate)
	}
	if after := e.snapshot(t); after != before {
		t.Fatalf("early calculation changed state:\n%s\n%s", before, after)
	}

	summary, err := e.svc.Summary(context.Background(), e.cycle.ID)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Phase != core.PhaseActive || summary.ParticipantCount != 2 {
		t.Errorf("unexpected summary %+v", summary)
	}

	e.clock = e.cycle.EndDate
	summary, _ = e.svc.Summary(context.Background(), e.cycle.ID)
	if summary.Phase != core.PhaseReadyForShareOut {
		t.Errorf("phase on end date = %s, want ready_for_shareout", summary.Phase)
	}
}

func TestCalculateWithoutShares(t *testing.T) {
	e := newEnv(t, core.PolicyCarryForward)
	e.record(t, ledger.EntryInput{MemberID: e.amina.ID, Type: core.PenaltyFine, Amount: "5"})

	_, err := e.svc.Calculate(context.Background(), e.cycle.ID)
	var npe *core.NoParticipantsError
	if !errors.As(err, &npe) {
		t.Fatalf("expected NoParticipantsError, got %v", err)
	}
	c, _ := e.svc.Get(context.Background(), e.cycle.ID)
	if c.Status != core.CycleActive {
		t.Fatalf("cycle must stay active, got %s", c.Status)
	}
}

func TestIllegalTransitionsChangeNothing(t *testing.T) {
	e := newEnv(t, core.PolicyCarryForward)
	e.seedThirtySeventy(t)
	ctx := context.Background()

	ops := map[string]func(context.Context, int64) (core.Cycle, error){
		"calculate": e.svc.Calculate,
		"approve":   e.svc.Approve,
		"payout":    e.svc.ProcessPayout,
		"cancel":    e.svc.Cancel,
		"archive":   e.svc.Archive,
	}
	check := func(stage string, illegal ...string) {
		t.Helper()
		for _, name := range illegal {
			before := e.snapshot(t)
			_, err := ops[name](ctx, e.cycle.ID)
			var ise *core.InvalidStateError
			if !errors.As(err, &ise) {
				t.Fatalf("%s: %s should be illegal, got %v", stage, name, err)
			}
			if after := e.snapshot(t); after != before {
				t.Fatalf("%s: illegal %s changed state:\n%s\n%s", stage, name, before, after)
			}
		}
	}

	check("active", "approve", "payout", "cancel", "archive")
	if _, err := e.svc.Calculate(ctx, e.cycle.ID); err != nil {
		t.Fatal(err)
	}
	check("calculated", "calculate", "archive", "payout")
	if _, err := e.svc.Approve(ctx, e.cycle.ID); err != nil {
		t.Fatal(err)
	}
	check("approved", "calculate", "archive")
	if _, err := e.svc.ProcessPayout(ctx, e.cycle.ID); err != nil {
		t.Fatal(err)
	}
	check("completed", "calculate", "approve", "payout", "cancel")
	if _, err := e.svc.Archive(ctx, e.cycle.ID); err != nil {
		t.Fatal(err)
	}
	check("archived", "calculate", "approve", "payout", "cancel", "archive")
}

func TestCancelReopensCycle(t *testing.T) {
	e := newEnv(t, core.PolicyCarryForward)
	e.seedThirtySeventy(t)
	ctx := context.Background()

	if _, err := e.svc.Calculate(ctx, e.cycle.ID); err != nil {
		t.Fatal(err)
	}
	c, err := e.svc.Cancel(ctx, e.cycle.ID)
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if c.Status != core.CycleActive || c.ShareOutDate != nil {
		t.Fatalf("unexpected cycle after cancel %+v", c)
	}
	records, _ := e.repo.Queries().ListShareOutRecords(ctx, e.cycle.ID)
	if len(records) != 0 {
		t.Fatalf("cancel must discard records, %d left", len(records))
	}
	if _, err := e.svc.Calculate(ctx, e.cycle.ID); err != nil {
		t.Fatalf("recalculation after cancel: %v", err)
	}
}

func TestAggregateIsIdempotent(t *testing.T) {
	e := newEnv(t, core.PolicyCarryForward)
	e.seedThirtySeventy(t)
	ctx := context.Background()

	first, err := e.svc.Aggregate(ctx, e.cycle.ID)
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.svc.Aggregate(ctx, e.cycle.ID)
	if err != nil {
		t.Fatal(err)
	}
	if first.Version != second.Version || !first.Totals.AvailableForShareOut.Equal(second.Totals.AvailableForShareOut) {
		t.Fatalf("second aggregation changed the cycle: %+v vs %+v", first, second)
	}
	want := map[string]string{
		"shares":    "100",
		"welfare":   "20",
		"penalties": "10",
		"interest":  "5",
		"available": "135",
	}
	got := map[string]string{
		"shares":    second.Totals.SharesContributed.String(),
		"welfare":   second.Totals.WelfareContributed.String(),
		"penalties": second.Totals.PenaltiesCollected.String(),
		"interest":  second.Totals.LoanInterestEarned.String(),
		"available": second.Totals.AvailableForShareOut.String(),
	}
	for k, w := range want {
		if !dec(got[k]).Equal(dec(w)) {
			t.Errorf("%s = %s, want %s", k, got[k], w)
		}
	}
}

func TestAggregateCountsOnlyCycleWindow(t *testing.T) {
	e := newEnv(t, core.PolicyCarryForward)
	ctx := context.Background()

	e.recordOn(t, e.meetingOn(t, "2024-12-31"),
		ledger.EntryInput{MemberID: e.amina.ID, Type: core.SharePurchase, ShareCount: 5},
		ledger.EntryInput{MemberID: e.amina.ID, Type: core.LoanRepayment, Amount: "20", InterestAmount: "7"},
	)
	e.record(t,
		ledger.EntryInput{MemberID: e.baraka.ID, Type: core.SharePurchase, ShareCount: 1},
		ledger.EntryInput{MemberID: e.baraka.ID, Type: core.LoanRepayment, Amount: "6", InterestAmount: "1"},
	)
	e.recordOn(t, e.meetingOn(t, "2025-06-30"),
		ledger.EntryInput{MemberID: e.amina.ID, Type: core.SharePurchase, ShareCount: 2},
		ledger.EntryInput{MemberID: e.baraka.ID, Type: core.LoanRepayment, Amount: "12", InterestAmount: "4"},
		ledger.EntryInput{MemberID: e.baraka.ID, Type: core.PenaltyFine, Amount: "3"},
	)
	e.recordOn(t, e.meetingOn(t, "2025-07-01"),
		ledger.EntryInput{MemberID: e.baraka.ID, Type: core.SharePurchase, ShareCount: 4},
		ledger.EntryInput{MemberID: e.baraka.ID, Type: core.LoanRepayment, Amount: "9", InterestAmount: "2"},
	)

	c, err := e.svc.Aggregate(ctx, e.cycle.ID)
	if err != nil {
		t.Fatalf("Aggregate() error = %v", err)
	}
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"shares", c.Totals.SharesContributed.String(), "30"},
		{"welfare", c.Totals.WelfareContributed.String(), "0"},
		{"penalties", c.Totals.PenaltiesCollected.String(), "3"},
		{"loan interest", c.Totals.LoanInterestEarned.String(), "5"},
		{"available", c.Totals.AvailableForShareOut.String(), "38"},
	}
	for _, tt := range tests {
		if !dec(tt.got).Equal(dec(tt.want)) {
			t.Errorf("%s = %s, want %s", tt.name, tt.got, tt.want)
		}
	}

	parts, err := e.svc.Participation(ctx, e.cycle.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 2 {
		t.Fatalf("expected 2 participants, got %d", len(parts))
	}
	a, b := parts[0], parts[1]
	if !a.Shares.Equal(dec("20")) || !a.InterestPaid.IsZero() || !a.LoanRepaid.IsZero() {
		t.Errorf("amina counted rows outside the window: %+v", a)
	}
	if !b.Shares.Equal(dec("10")) || !b.InterestPaid.Equal(dec("5")) || !b.LoanRepaid.Equal(dec("18")) {
		t.Errorf("unexpected baraka participation %+v", b)
	}
}

func TestCalculatedWindowRefusesLedgerChanges(t *testing.T) {
	e := newEnv(t, core.PolicyCarryForward)
	e.seedThirtySeventy(t)
	ctx := context.Background()

	late := e.meetingOn(t, "2025-06-20")
	pending, err := e.entries.SubmitBulk(ctx, late.ID, "secretary", []ledger.EntryInput{
		{MemberID: e.amina.ID, Type: core.SharePurchase, ShareCount: 5},
		{MemberID: e.baraka.ID, Type: core.PenaltyFine, Amount: "2"},
	})
	if err != nil {
		t.Fatal(err)
	}
	approved, err := e.entries.ListByMeeting(ctx, e.meeting.ID)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := e.svc.Calculate(ctx, e.cycle.ID); err != nil {
		t.Fatal(err)
	}
	before := e.snapshot(t)

	desc := "corrected"
	ops := map[string]func() error{
		"approve": func() error { _, err := e.entries.Approve(ctx, pending[0].ID, "chair"); return err },
		"update":  func() error { _, err := e.entries.Update(ctx, approved[0].ID, ledger.EntryChanges{Description: &desc}); return err },
		"delete":  func() error { return e.entries.Delete(ctx, pending[1].ID) },
	}
	for name, op := range ops {
		var ise *core.InvalidStateError
		if err := op(); !errors.As(err, &ise) || ise.Current != string(core.CycleShareOutInProgress) {
			t.Fatalf("%s: expected InvalidStateError for a calculated cycle, got %v", name, err)
		}
	}
	if _, err := e.svc.Aggregate(ctx, e.cycle.ID); err != nil {
		t.Fatal(err)
	}
	if after := e.snapshot(t); after != before {
		t.Fatalf("calculated cycle changed:\n%s\n%s", before, after)
	}

	// Cancelling reopens the window; the late purchase is then paid out.
	if _, err := e.svc.Cancel(ctx, e.cycle.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := e.entries.Approve(ctx, pending[0].ID, "chair"); err != nil {
		t.Fatalf("approve after cancel: %v", err)
	}
	c, err := e.svc.Calculate(ctx, e.cycle.ID)
	if err != nil {
		t.Fatal(err)
	}
	detail, err := e.svc.ShareOutDetail(ctx, e.cycle.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !c.Totals.SharesContributed.Equal(dec("150")) || !detail.Totals.SharesContributed.Equal(dec("150")) {
		t.Fatalf("cycle shares %s, record shares %s, want 150 / 150",
			c.Totals.SharesContributed, detail.Totals.SharesContributed)
	}
	if !detail.Totals.TotalPayout.Equal(c.Totals.AvailableForShareOut) {
		t.Fatalf("total payout %s, available %s", detail.Totals.TotalPayout, c.Totals.AvailableForShareOut)
	}
}

func TestAggregateKeepsFrozenTotals(t *testing.T) {
	e := newEnv(t, core.PolicyCarryForward)
	e.seedThirtySeventy(t)
	ctx := context.Background()

	for _, op := range []func(context.Context, int64) (core.Cycle, error){e.svc.Calculate, e.svc.Approve, e.svc.ProcessPayout} {
		if _, err := op(ctx, e.cycle.ID); err != nil {
			t.Fatal(err)
		}
	}
	before := e.snapshot(t)

	// The ledger refuses approvals into a settled window, so the late row is
	// written straight to storage.
	q := e.repo.Queries()
	late, err := q.CreateMeeting(ctx, time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC), "late")
	if err != nil {
		t.Fatal(err)
	}
	entry, err := q.InsertEntry(ctx, core.LedgerEntry{
		MeetingID: late.ID, MemberID: e.amina.ID, Type: core.PenaltyFine,
		Amount: dec("50"), Status: core.EntryPending, CreatedBy: "secretary",
	})
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := q.ApproveEntry(ctx, entry.ID, "chair", ""); err != nil || !ok {
		t.Fatalf("ApproveEntry() = %v, %v", ok, err)
	}

	c, err := e.svc.Aggregate(ctx, e.cycle.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !c.Totals.AvailableForShareOut.Equal(dec("135")) {
		t.Fatalf("completed cycle totals changed to %s", c.Totals.AvailableForShareOut)
	}
	if after := e.snapshot(t); !strings.HasPrefix(after, strings.SplitN(before, "|", 2)[0]) {
		t.Fatalf("cycle row changed:\n%s\n%s", before, after)
	}
}

func TestProcessPayoutIsAllOrNothing(t *testing.T) {
	e := newEnv(t, core.PolicyCarryForward)
	e.seedThirtySeventy(t)
	ctx := context.Background()

	if _, err := e.svc.Calculate(ctx, e.cycle.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := e.svc.Approve(ctx, e.cycle.ID); err != nil {
		t.Fatal(err)
	}
	before := e.snapshot(t)

	// Amina's settlement goes through, Baraka's loan offset fails.
	e.poster.failOn(3)
	_, err := e.svc.ProcessPayout(ctx, e.cycle.ID)
	var av *core.AtomicityViolation
	if !errors.As(err, &av) || av.CycleID != e.cycle.ID {
		t.Fatalf("expected AtomicityViolation, got %v", err)
	}
	if !strings.Contains(err.Error(), "manual review") {
		t.Errorf("error should ask for manual review: %v", err)
	}
	if after := e.snapshot(t); after != before {
		t.Fatalf("failed payout changed state:\n%s\n%s", before, after)
	}

	e.poster.failOn(0)
	c, err := e.svc.ProcessPayout(ctx, e.cycle.ID)
	if err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if c.Status != core.CycleCompleted {
		t.Fatalf("status = %s, want completed", c.Status)
	}
}

func TestProcessPayoutRequiresApproval(t *testing.T) {
	e := newEnv(t, core.PolicyCarryForward)
	e.seedThirtySeventy(t)
	ctx := context.Background()

	if _, err := e.svc.Calculate(ctx, e.cycle.ID); err != nil {
		t.Fatal(err)
	}
	_, err := e.svc.ProcessPayout(ctx, e.cycle.ID)
	var ise *core.InvalidStateError
	if !errors.As(err, &ise) || ise.Current != string(core.PayoutCalculated) {
		t.Fatalf("expected InvalidStateError naming calculated records, got %v", err)
	}
}

// seedUnderwater leaves Baraka owing 100 against a 12 payout.
func (e *env) seedUnderwater(t *testing.T) {
	e.record(t,
		ledger.EntryInput{MemberID: e.amina.ID, Type: core.SharePurchase, ShareCount: 3},
		ledger.EntryInput{MemberID: e.amina.ID, Type: core.PenaltyFine, Amount: "8"},
		ledger.EntryInput{MemberID: e.baraka.ID, Type: core.SharePurchase, ShareCount: 1},
		ledger.EntryInput{MemberID: e.baraka.ID, Type: core.LoanIssuance, Amount: "100"},
	)
}

func TestNegativePayoutPolicies(t *testing.T) {
	tests := []struct {
		policy       core.NegativePayoutPolicy
		net          string
		loanAfter    string
		receivables  int
		blocksPayout bool
	}{
		{core.PolicyCarryForward, "0", "88", 0, false},
		{core.PolicyReceivable, "-88", "0", 1, false},
		{core.PolicyBlock, "-88", "100", 0, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			e := newEnv(t, tt.policy)
			e.seedUnderwater(t)
			ctx := context.Background()

			if _, err := e.svc.Calculate(ctx, e.cycle.ID); err != nil {
				t.Fatalf("Calculate() error = %v", err)
			}
			if _, err := e.svc.Approve(ctx, e.cycle.ID); err != nil {
				t.Fatal(err)
			}
			detail, _ := e.svc.ShareOutDetail(ctx, e.cycle.ID)
			b := detail.Records[1]
			if !b.TotalPayout.Equal(dec("12")) || !b.NetPayout.Equal(dec(tt.net)) {
				t.Fatalf("baraka total %s net %s, want 12 / %s", b.TotalPayout, b.NetPayout, tt.net)
			}
			if !detail.Totals.Balanced() {
				t.Fatal("totals must balance under every policy")
			}

			before := e.snapshot(t)
			_, err := e.svc.ProcessPayout(ctx, e.cycle.ID)
			if tt.blocksPayout {
				var verr *core.ValidationError
				if !errors.As(err, &verr) || len(verr.Problems) != 1 ||
					verr.Problems[0].Field != fmt.Sprintf("member_%d", e.baraka.ID) {
					t.Fatalf("expected ValidationError naming baraka, got %v", err)
				}
				if after := e.snapshot(t); after != before {
					t.Fatalf("blocked payout changed state")
				}
			} else if err != nil {
				t.Fatalf("ProcessPayout() error = %v", err)
			}

			loan, err := e.repo.Queries().OutstandingLoanBalance(ctx, e.baraka.ID)
			if err != nil {
				t.Fatal(err)
			}
			if !loan.Equal(dec(tt.loanAfter)) {
				t.Errorf("loan after payout = %s, want %s", loan, tt.loanAfter)
			}
			if got := e.settlementTypes(t, e.baraka.ID)[core.PayoutReceivable]; got != tt.receivables {
				t.Errorf("receivables = %d, want %d", got, tt.receivables)
			}
		})
	}
}

func TestConcurrentCalculateRunsOnce(t *testing.T) {
	e := newEnv(t, core.PolicyCarryForward)
	e.seedThirtySeventy(t)
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.svc.Calculate(ctx, e.cycle.ID); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected one calculation, got %d", successes)
	}
	records, _ := e.repo.Queries().ListShareOutRecords(ctx, e.cycle.ID)
	if len(records) != 2 {
		t.Fatalf("expected one record per member, got %d", len(records))
	}
}

func TestCreateCycle(t *testing.T) {
	e := newEnv(t, core.PolicyCarryForward)
	ctx := context.Background()

	_, err := e.svc.CreateCycle(ctx, CycleInput{
		Name:       "overlap",
		StartDate:  time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
		EndDate:    time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC),
		SharePrice: dec("10"),
	})
	if !errors.Is(err, core.ErrActiveCycleExists) {
		t.Fatalf("expected ErrActiveCycleExists, got %v", err)
	}

	_, err = e.svc.CreateCycle(ctx, CycleInput{
		Name:       "backwards",
		StartDate:  time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC),
		EndDate:    time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
		SharePrice: dec("10"),
	})
	var verr *core.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestAnnounceEligibility(t *testing.T) {
	e := newEnv(t, core.PolicyCarryForward)
	ctx := context.Background()

	e.clock = time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	if sent, err := e.svc.AnnounceEligibility(ctx); err != nil || sent {
		t.Fatalf("early announcement: sent=%v err=%v", sent, err)
	}
	e.clock = time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	if sent, err := e.svc.AnnounceEligibility(ctx); err != nil || !sent {
		t.Fatalf("announcement: sent=%v err=%v", sent, err)
	}
	if got := e.pub.types(); len(got) != 1 || got[0] != amqp.EventReadyForShareOut {
		t.Fatalf("events = %v", got)
	}
}
