package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"vsla/internal/core"
	"vsla/internal/log"
	"vsla/internal/storage"

	"github.com/shopspring/decimal"
)

// ErrStaleCycle is returned when a cycle changed between read and write.
var ErrStaleCycle = errors.New("cycle was modified concurrently")

// Repository is the slice of storage the cycle package needs.
type Repository interface {
	Queries() *storage.Queries
	InTx(ctx context.Context, fn func(q *storage.Queries) error) error
}

// Aggregator derives cycle totals from approved ledger entries.
type Aggregator struct {
	repo Repository
}

func NewAggregator(repo Repository) *Aggregator {
	return &Aggregator{repo: repo}
}

// Aggregate recomputes and stores the totals of a cycle. Running it twice
// without new approvals changes nothing. Only active cycles are recomputed;
// once a share-out is calculated the stored totals stay as calculated.
func (a *Aggregator) Aggregate(ctx context.Context, cycleID int64) (core.Cycle, error) {
	var c core.Cycle
	err := a.repo.InTx(ctx, func(q *storage.Queries) error {
		current, err := q.GetCycle(ctx, cycleID)
		if err != nil {
			return err
		}
		c, err = aggregate(ctx, q, current)
		return err
	})
	if err != nil {
		return core.Cycle{}, fmt.Errorf("aggregate cycle %d: %w", cycleID, err)
	}
	return c, nil
}

// aggregate runs on the caller's transaction and returns the cycle as stored
// afterwards.
func aggregate(ctx context.Context, q *storage.Queries, c core.Cycle) (core.Cycle, error) {
	if !c.Status.Open() {
		return c, nil
	}
	entries, err := q.ListApprovedEntriesBetween(ctx, c.StartDate, c.EndDate)
	if err != nil {
		return core.Cycle{}, err
	}
	totals := totalsOf(entries, c.AdministrativeCost)
	if sameTotals(totals, c.Totals) {
		return c, nil
	}

	c.Totals = totals
	ok, err := q.UpdateCycleTotals(ctx, c)
	if err != nil {
		return core.Cycle{}, err
	}
	if !ok {
		return core.Cycle{}, fmt.Errorf("update totals of cycle %d: %w", c.ID, ErrStaleCycle)
	}

	slog.InfoContext(ctx, "Cycle totals refreshed",
		log.FieldCycleID, c.ID,
		log.FieldCount, len(entries),
		"available", totals.AvailableForShareOut.String())
	return q.GetCycle(ctx, c.ID)
}

func totalsOf(entries []core.LedgerEntry, adminCost decimal.Decimal) core.CycleTotals {
	var t core.CycleTotals
	for _, e := range entries {
		switch e.Type {
		case core.SharePurchase:
			t.SharesContributed = t.SharesContributed.Add(e.Amount)
		case core.WelfareContribution:
			t.WelfareContributed = t.WelfareContributed.Add(e.Amount)
		case core.PenaltyFine:
			t.PenaltiesCollected = t.PenaltiesCollected.Add(e.Amount)
		case core.LoanRepayment:
			t.LoanInterestEarned = t.LoanInterestEarned.Add(e.InterestAmount)
		}
	}
	t.AvailableForShareOut = core.Sum(
		t.SharesContributed,
		t.WelfareContributed,
		t.PenaltiesCollected,
		t.LoanInterestEarned,
	).Sub(adminCost)
	return t
}

func sameTotals(a, b core.CycleTotals) bool {
	return a.SharesContributed.Equal(b.SharesContributed) &&
		a.WelfareContributed.Equal(b.WelfareContributed) &&
		a.PenaltiesCollected.Equal(b.PenaltiesCollected) &&
		a.LoanInterestEarned.Equal(b.LoanInterestEarned) &&
		a.AvailableForShareOut.Equal(b.AvailableForShareOut)
}

// MemberParticipation lists every member with an approved entry in the cycle
// window, ordered by member id.
func (a *Aggregator) MemberParticipation(ctx context.Context, cycleID int64) ([]core.MemberParticipation, error) {
	q := a.repo.Queries()
	c, err := q.GetCycle(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	return participation(ctx, q, c)
}

func participation(ctx context.Context, q *storage.Queries, c core.Cycle) ([]core.MemberParticipation, error) {
	entries, err := q.ListApprovedEntriesBetween(ctx, c.StartDate, c.EndDate)
	if err != nil {
		return nil, err
	}
	members, err := q.ListMembers(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]core.Member, len(members))
	for _, m := range members {
		byID[m.ID] = m
	}

	acc := make(map[int64]*core.MemberParticipation)
	totalShares := decimal.Zero
	for _, e := range entries {
		p, ok := acc[e.MemberID]
		if !ok {
			m := byID[e.MemberID]
			p = &core.MemberParticipation{MemberID: e.MemberID, MemberName: m.Name, MemberNo: m.MemberNo}
			acc[e.MemberID] = p
		}
		p.TransactionCount++
		switch e.Type {
		case core.SharePurchase:
			p.Shares = p.Shares.Add(e.Amount)
			p.ShareCount += e.ShareCount
			totalShares = totalShares.Add(e.Amount)
		case core.WelfareContribution:
			p.Welfare = p.Welfare.Add(e.Amount)
		case core.PenaltyFine:
			p.Penalties = p.Penalties.Add(e.Amount)
		case core.LoanIssuance:
			p.LoanTaken = p.LoanTaken.Add(e.Amount)
		case core.LoanRepayment:
			p.LoanRepaid = p.LoanRepaid.Add(e.Amount)
			p.InterestPaid = p.InterestPaid.Add(e.InterestAmount)
		}
	}

	out := make([]core.MemberParticipation, 0, len(acc))
	for _, p := range acc {
		p.SharePercentage = core.Percentage(p.Shares, totalShares)
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MemberID < out[j].MemberID })
	return out, nil
}
