package ledger

import (
	"context"
	"fmt"
	"strconv"

	"vsla/internal/accounts"
	"vsla/internal/core"
	"vsla/internal/storage"
)

// Command is one step of an approved-entry edit. Commands run in order on
// the same transaction; the first error aborts the plan.
type Command interface {
	Name() string
	Execute(ctx context.Context, q *storage.Queries, poster accounts.Poster, e *core.LedgerEntry) error
}

// Reverse cancels the account transaction materialized for the entry.
type Reverse struct {
	TransactionID string
}

func (Reverse) Name() string { return "reverse" }

func (c Reverse) Execute(ctx context.Context, q *storage.Queries, poster accounts.Poster, e *core.LedgerEntry) error {
	if c.TransactionID == "" {
		return fmt.Errorf("entry %d has no materialized transaction", e.ID)
	}
	if _, err := poster.Reverse(ctx, q, c.TransactionID); err != nil {
		return err
	}
	e.AccountTransactionID = ""
	return nil
}

// Apply materializes the edited entry and stores it.
type Apply struct{}

func (Apply) Name() string { return "apply" }

func (Apply) Execute(ctx context.Context, q *storage.Queries, poster accounts.Poster, e *core.LedgerEntry) error {
	txID, err := poster.Materialize(ctx, q, postingOf(*e))
	if err != nil {
		return err
	}
	e.AccountTransactionID = txID
	ok, err := q.UpdateEntry(ctx, *e)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("entry %d changed status during edit", e.ID)
	}
	return nil
}

// Plan is the ordered list of commands for an edit.
type Plan []Command

// editPlan returns the commands that turn an approved entry into its edited
// form: the old effect is reversed before the new one is applied.
func editPlan(current core.LedgerEntry) Plan {
	return Plan{Reverse{TransactionID: current.AccountTransactionID}, Apply{}}
}

func (p Plan) Run(ctx context.Context, q *storage.Queries, poster accounts.Poster, e *core.LedgerEntry) error {
	for _, cmd := range p {
		if err := cmd.Execute(ctx, q, poster, e); err != nil {
			return fmt.Errorf("%s: %w", cmd.Name(), err)
		}
	}
	return nil
}

func postingOf(e core.LedgerEntry) accounts.Posting {
	meta := map[string]string{
		"entry_id":   strconv.FormatInt(e.ID, 10),
		"meeting_id": strconv.FormatInt(e.MeetingID, 10),
	}
	if e.ShareCount > 0 {
		meta["share_count"] = strconv.FormatInt(e.ShareCount, 10)
	}
	if e.InterestAmount.IsPositive() {
		meta["interest_amount"] = e.InterestAmount.String()
	}
	return accounts.Posting{
		MemberID:  e.MemberID,
		Amount:    e.Amount,
		Direction: e.Type.Direction(),
		Type:      string(e.Type),
		Meta:      meta,
	}
}
