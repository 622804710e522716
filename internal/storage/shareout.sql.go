package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"vsla/internal/core"

	"github.com/shopspring/decimal"
)

const recordColumns = `id, cycle_id, member_id, total_shares_contributed, total_welfare_contributed,
share_percentage, profit_share, total_payout, outstanding_loan_balance, loan_deduction, net_payout,
payout_status, settlement_transaction_id, paid_at`

func scanRecord(s scanner) (core.ShareOutRecord, error) {
	var (
		r                                   core.ShareOutRecord
		shares, welfare, pct, profit, total string
		loan, deduction, net, status        string
		settlementTx, paidAt                sql.NullString
	)
	if err := s.Scan(&r.ID, &r.CycleID, &r.MemberID, &shares, &welfare,
		&pct, &profit, &total, &loan, &deduction, &net,
		&status, &settlementTx, &paidAt); err != nil {
		return core.ShareOutRecord{}, err
	}

	var err error
	amounts := []struct {
		raw string
		dst *decimal.Decimal
	}{
		{shares, &r.SharesContributed},
		{welfare, &r.WelfareContributed},
		{pct, &r.SharePercentage},
		{profit, &r.ProfitShare},
		{total, &r.TotalPayout},
		{loan, &r.OutstandingLoanBalance},
		{deduction, &r.LoanDeduction},
		{net, &r.NetPayout},
	}
	for _, a := range amounts {
		if *a.dst, err = parseMoney(a.raw); err != nil {
			return core.ShareOutRecord{}, err
		}
	}
	r.PayoutStatus = core.PayoutStatus(status)
	r.SettlementTransactionID = settlementTx.String
	if r.PaidAt, err = parseNullTime(paidAt); err != nil {
		return core.ShareOutRecord{}, err
	}
	return r, nil
}

const insertRecord = `INSERT INTO share_out_records
(cycle_id, member_id, total_shares_contributed, total_welfare_contributed, share_percentage,
profit_share, total_payout, outstanding_loan_balance, loan_deduction, net_payout, payout_status, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (q *Queries) InsertShareOutRecord(ctx context.Context, r core.ShareOutRecord) (core.ShareOutRecord, error) {
	if r.PayoutStatus == "" {
		r.PayoutStatus = core.PayoutCalculated
	}
	res, err := q.db.ExecContext(ctx, insertRecord,
		r.CycleID, r.MemberID, money(r.SharesContributed), money(r.WelfareContributed),
		money(r.SharePercentage), money(r.ProfitShare), money(r.TotalPayout),
		money(r.OutstandingLoanBalance), money(r.LoanDeduction), money(r.NetPayout),
		string(r.PayoutStatus), formatTime(q.now()))
	if err != nil {
		return core.ShareOutRecord{}, fmt.Errorf("insert share-out record for member %d: %w", r.MemberID, err)
	}
	if r.ID, err = res.LastInsertId(); err != nil {
		return core.ShareOutRecord{}, fmt.Errorf("share-out record id: %w", err)
	}
	return r, nil
}

func (q *Queries) ListShareOutRecords(ctx context.Context, cycleID int64) ([]core.ShareOutRecord, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM share_out_records WHERE cycle_id = ? ORDER BY member_id`, cycleID)
	if err != nil {
		return nil, fmt.Errorf("list share-out records: %w", err)
	}
	defer rows.Close()

	var records []core.ShareOutRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan share-out record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (q *Queries) DeleteShareOutRecords(ctx context.Context, cycleID int64) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM share_out_records WHERE cycle_id = ?`, cycleID)
	if err != nil {
		return 0, fmt.Errorf("delete share-out records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// SetPayoutStatus moves every record of the cycle in status from to status to.
func (q *Queries) SetPayoutStatus(ctx context.Context, cycleID int64, from, to core.PayoutStatus) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE share_out_records SET payout_status = ? WHERE cycle_id = ? AND payout_status = ?`,
		string(to), cycleID, string(from))
	if err != nil {
		return 0, fmt.Errorf("set payout status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// MarkRecordPaid settles an approved record.
func (q *Queries) MarkRecordPaid(ctx context.Context, id int64, settlementTxID string, paidAt time.Time) (bool, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE share_out_records SET payout_status = 'paid', settlement_transaction_id = ?, paid_at = ?
WHERE id = ? AND payout_status = 'approved'`,
		nullString(settlementTxID), formatTime(paidAt), id)
	if err != nil {
		return false, fmt.Errorf("mark share-out record paid: %w", err)
	}
	return affected(res)
}
