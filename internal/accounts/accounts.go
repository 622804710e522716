// Package accounts materializes approved ledger activity and settlements into
// the member account ledger. Every write happens on the caller's transaction.
package accounts

import (
	"context"
	"fmt"
	"time"

	"vsla/internal/core"
	"vsla/internal/storage"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Posting describes one account transaction to create.
type Posting struct {
	MemberID  int64
	Amount    decimal.Decimal
	Direction core.Direction
	Type      string
	Meta      map[string]string
}

// Poster is the account-ledger collaborator used by the ledger and cycle
// services. Implementations must only write through q.
type Poster interface {
	Materialize(ctx context.Context, q *storage.Queries, p Posting) (string, error)
	Reverse(ctx context.Context, q *storage.Queries, id string) (string, error)
}

// Ledger is the SQLite-backed Poster.
type Ledger struct {
	now   func() time.Time
	newID func() string
}

func NewLedger() *Ledger {
	return &Ledger{
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

// WithClock returns a copy of l using now for timestamps.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	return &Ledger{now: now, newID: l.newID}
}

// Materialize writes p as a new account transaction and returns its id.
func (l *Ledger) Materialize(ctx context.Context, q *storage.Queries, p Posting) (string, error) {
	if !p.Amount.IsPositive() {
		return "", fmt.Errorf("materialize %s: %w", p.Type, core.ErrInvalidAmount)
	}
	if p.Direction != core.Credit && p.Direction != core.Debit {
		return "", fmt.Errorf("materialize %s: invalid direction %q", p.Type, p.Direction)
	}
	tx := core.AccountTransaction{
		ID:        l.newID(),
		MemberID:  p.MemberID,
		Amount:    p.Amount,
		Direction: p.Direction,
		Type:      p.Type,
		Meta:      p.Meta,
		CreatedAt: l.now(),
	}
	if err := q.InsertAccountTransaction(ctx, tx); err != nil {
		return "", fmt.Errorf("materialize %s for member %d: %w", p.Type, p.MemberID, err)
	}
	return tx.ID, nil
}

// Reverse writes the equal-and-opposite transaction of id and marks id as
// reversed. Reversing twice is an error.
func (l *Ledger) Reverse(ctx context.Context, q *storage.Queries, id string) (string, error) {
	orig, err := q.GetAccountTransaction(ctx, id)
	if err != nil {
		return "", fmt.Errorf("reverse transaction: %w", err)
	}
	if orig.ReversesID != "" {
		return "", fmt.Errorf("reverse transaction %s: it is itself a reversal", id)
	}

	now := l.now()
	ok, err := q.MarkReversed(ctx, id, now)
	if err != nil {
		return "", fmt.Errorf("reverse transaction: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("reverse transaction %s: already reversed", id)
	}

	dir := core.Credit
	if orig.Direction == core.Credit {
		dir = core.Debit
	}
	rev := core.AccountTransaction{
		ID:         l.newID(),
		MemberID:   orig.MemberID,
		Amount:     orig.Amount,
		Direction:  dir,
		Type:       orig.Type,
		Meta:       orig.Meta,
		ReversesID: orig.ID,
		CreatedAt:  now,
	}
	if err := q.InsertAccountTransaction(ctx, rev); err != nil {
		return "", fmt.Errorf("insert reversal of %s: %w", id, err)
	}
	return rev.ID, nil
}

// Balance is the signed sum of a member's transactions, reversals included.
func Balance(ctx context.Context, q *storage.Queries, memberID int64) (decimal.Decimal, error) {
	txs, err := q.ListAccountTransactions(ctx, memberID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, tx := range txs {
		total = total.Add(tx.Signed())
	}
	return total, nil
}
