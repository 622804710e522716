package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"vsla/internal/core"

	"github.com/shopspring/decimal"
)

const txColumns = `id, member_id, amount, direction, type, meta, reverses_id, reversed_at, created_at`

func scanAccountTransaction(s scanner) (core.AccountTransaction, error) {
	var (
		tx                     core.AccountTransaction
		amount, dir, meta      string
		reversesID, reversedAt sql.NullString
		createdAt              string
	)
	if err := s.Scan(&tx.ID, &tx.MemberID, &amount, &dir, &tx.Type, &meta,
		&reversesID, &reversedAt, &createdAt); err != nil {
		return core.AccountTransaction{}, err
	}

	var err error
	if tx.Amount, err = parseMoney(amount); err != nil {
		return core.AccountTransaction{}, err
	}
	tx.Direction = core.Direction(dir)
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &tx.Meta); err != nil {
			return core.AccountTransaction{}, fmt.Errorf("decode transaction meta: %w", err)
		}
	}
	tx.ReversesID = reversesID.String
	if tx.ReversedAt, err = parseNullTime(reversedAt); err != nil {
		return core.AccountTransaction{}, err
	}
	if tx.CreatedAt, err = parseTime(createdAt); err != nil {
		return core.AccountTransaction{}, err
	}
	return tx, nil
}

const insertAccountTransaction = `INSERT INTO account_transactions
(id, member_id, amount, direction, type, meta, reverses_id, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

func (q *Queries) InsertAccountTransaction(ctx context.Context, tx core.AccountTransaction) error {
	meta := []byte("{}")
	if len(tx.Meta) > 0 {
		var err error
		if meta, err = json.Marshal(tx.Meta); err != nil {
			return fmt.Errorf("encode transaction meta: %w", err)
		}
	}
	_, err := q.db.ExecContext(ctx, insertAccountTransaction,
		tx.ID, tx.MemberID, money(tx.Amount), string(tx.Direction), tx.Type, string(meta),
		nullString(tx.ReversesID), formatTime(tx.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert account transaction: %w", err)
	}
	return nil
}

func (q *Queries) GetAccountTransaction(ctx context.Context, id string) (core.AccountTransaction, error) {
	tx, err := scanAccountTransaction(q.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM account_transactions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return core.AccountTransaction{}, fmt.Errorf("account transaction %s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return core.AccountTransaction{}, fmt.Errorf("get account transaction: %w", err)
	}
	return tx, nil
}

// MarkReversed stamps a transaction as reversed. It reports false when the
// transaction was already reversed.
func (q *Queries) MarkReversed(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE account_transactions SET reversed_at = ? WHERE id = ? AND reversed_at IS NULL`,
		formatTime(at), id)
	if err != nil {
		return false, fmt.Errorf("mark transaction reversed: %w", err)
	}
	return affected(res)
}

func (q *Queries) ListAccountTransactions(ctx context.Context, memberID int64) ([]core.AccountTransaction, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+txColumns+` FROM account_transactions WHERE member_id = ? ORDER BY created_at, id`, memberID)
	if err != nil {
		return nil, fmt.Errorf("list account transactions: %w", err)
	}
	defer rows.Close()

	var txs []core.AccountTransaction
	for rows.Next() {
		tx, err := scanAccountTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account transaction: %w", err)
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// OutstandingLoanBalance is the member's loan book balance: issued principal
// minus the principal part of repayments minus loan offsets recorded at
// settlement. Only approved entries and live offsets count.
func (q *Queries) OutstandingLoanBalance(ctx context.Context, memberID int64) (decimal.Decimal, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT type, amount, interest_amount FROM ledger_entries
WHERE member_id = ? AND status = 'approved' AND type IN ('loan_issuance', 'loan_repayment')`, memberID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("query loan entries: %w", err)
	}
	defer rows.Close()

	balance := decimal.Zero
	for rows.Next() {
		var typ, amount, interest string
		if err := rows.Scan(&typ, &amount, &interest); err != nil {
			return decimal.Zero, fmt.Errorf("scan loan entry: %w", err)
		}
		a, err := parseMoney(amount)
		if err != nil {
			return decimal.Zero, err
		}
		if core.EntryType(typ) == core.LoanIssuance {
			balance = balance.Add(a)
			continue
		}
		i, err := parseMoney(interest)
		if err != nil {
			return decimal.Zero, err
		}
		balance = balance.Sub(a.Sub(i))
	}
	if err := rows.Err(); err != nil {
		return decimal.Zero, fmt.Errorf("iterate loan entries: %w", err)
	}

	offsets, err := q.db.QueryContext(ctx, `SELECT amount FROM account_transactions
WHERE member_id = ? AND type = ? AND reverses_id IS NULL AND reversed_at IS NULL`, memberID, core.LoanOffset)
	if err != nil {
		return decimal.Zero, fmt.Errorf("query loan offsets: %w", err)
	}
	defer offsets.Close()
	for offsets.Next() {
		var amount string
		if err := offsets.Scan(&amount); err != nil {
			return decimal.Zero, fmt.Errorf("scan loan offset: %w", err)
		}
		a, err := parseMoney(amount)
		if err != nil {
			return decimal.Zero, err
		}
		balance = balance.Sub(a)
	}
	if err := offsets.Err(); err != nil {
		return decimal.Zero, fmt.Errorf("iterate loan offsets: %w", err)
	}
	return balance, nil
}
