package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"vsla/internal/core"
)

// ErrSlotTaken is returned when a member already has a non-rejected entry of
// the same type in the meeting.
var ErrSlotTaken = errors.New("entry slot already taken")

const entryColumns = `e.id, e.meeting_id, e.member_id, e.type, e.amount, e.share_count, e.interest_amount,
e.description, e.status, e.account_transaction_id, e.created_by, e.approved_by, e.approved_at,
e.created_at, e.updated_at`

func scanEntry(s scanner) (core.LedgerEntry, error) {
	var (
		e                    core.LedgerEntry
		typ, status          string
		amount, interest     string
		txID, approvedBy     sql.NullString
		approvedAt           sql.NullString
		createdAt, updatedAt string
	)
	if err := s.Scan(&e.ID, &e.MeetingID, &e.MemberID, &typ, &amount, &e.ShareCount, &interest,
		&e.Description, &status, &txID, &e.CreatedBy, &approvedBy, &approvedAt,
		&createdAt, &updatedAt); err != nil {
		return core.LedgerEntry{}, err
	}

	var err error
	e.Type = core.EntryType(typ)
	e.Status = core.EntryStatus(status)
	if e.Amount, err = parseMoney(amount); err != nil {
		return core.LedgerEntry{}, err
	}
	if e.InterestAmount, err = parseMoney(interest); err != nil {
		return core.LedgerEntry{}, err
	}
	e.AccountTransactionID = txID.String
	e.ApprovedBy = approvedBy.String
	if e.ApprovedAt, err = parseNullTime(approvedAt); err != nil {
		return core.LedgerEntry{}, err
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return core.LedgerEntry{}, err
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return core.LedgerEntry{}, err
	}
	return e, nil
}

func scanEntries(rows *sql.Rows) ([]core.LedgerEntry, error) {
	defer rows.Close()
	var entries []core.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

const insertEntry = `INSERT INTO ledger_entries
(meeting_id, member_id, type, amount, share_count, interest_amount, description, status, created_by, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// InsertEntry stores e as a pending entry and returns it with its id.
func (q *Queries) InsertEntry(ctx context.Context, e core.LedgerEntry) (core.LedgerEntry, error) {
	now := q.now()
	e.Status = core.EntryPending
	e.CreatedAt, e.UpdatedAt = now, now
	res, err := q.db.ExecContext(ctx, insertEntry,
		e.MeetingID, e.MemberID, string(e.Type), money(e.Amount), e.ShareCount, money(e.InterestAmount),
		e.Description, string(e.Status), e.CreatedBy, formatTime(now), formatTime(now))
	if err != nil {
		if isUniqueViolation(err) {
			return core.LedgerEntry{}, fmt.Errorf("insert %s for member %d: %w", e.Type, e.MemberID, ErrSlotTaken)
		}
		return core.LedgerEntry{}, fmt.Errorf("insert ledger entry: %w", err)
	}
	if e.ID, err = res.LastInsertId(); err != nil {
		return core.LedgerEntry{}, fmt.Errorf("ledger entry id: %w", err)
	}
	return e, nil
}

func (q *Queries) GetEntry(ctx context.Context, id int64) (core.LedgerEntry, error) {
	e, err := scanEntry(q.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries e WHERE e.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return core.LedgerEntry{}, fmt.Errorf("ledger entry %d: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return core.LedgerEntry{}, fmt.Errorf("get ledger entry: %w", err)
	}
	return e, nil
}

func (q *Queries) ListEntriesByMeeting(ctx context.Context, meetingID int64) ([]core.LedgerEntry, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries e WHERE e.meeting_id = ? ORDER BY e.member_id, e.id`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("list entries by meeting: %w", err)
	}
	return scanEntries(rows)
}

// ListApprovedEntriesBetween returns approved entries of meetings held in
// [from, to], ordered by member then entry id.
func (q *Queries) ListApprovedEntriesBetween(ctx context.Context, from, to time.Time) ([]core.LedgerEntry, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries e
JOIN meetings m ON m.id = e.meeting_id
WHERE e.status = 'approved' AND m.meeting_date >= ? AND m.meeting_date <= ?
ORDER BY e.member_id, e.id`, formatDate(from), formatDate(to))
	if err != nil {
		return nil, fmt.Errorf("list approved entries: %w", err)
	}
	return scanEntries(rows)
}

const approveEntry = `UPDATE ledger_entries SET status = 'approved', approved_by = ?, approved_at = ?,
account_transaction_id = ?, updated_at = ?
WHERE id = ? AND status = 'pending'`

// ApproveEntry flips a pending entry to approved. It reports false when the
// entry was no longer pending.
func (q *Queries) ApproveEntry(ctx context.Context, id int64, approvedBy string, txID string) (bool, error) {
	now := formatTime(q.now())
	res, err := q.db.ExecContext(ctx, approveEntry, nullString(approvedBy), now, nullString(txID), now, id)
	if err != nil {
		return false, fmt.Errorf("approve ledger entry: %w", err)
	}
	return affected(res)
}

func (q *Queries) RejectEntry(ctx context.Context, id int64) (bool, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE ledger_entries SET status = 'rejected', updated_at = ? WHERE id = ? AND status = 'pending'`,
		formatTime(q.now()), id)
	if err != nil {
		return false, fmt.Errorf("reject ledger entry: %w", err)
	}
	return affected(res)
}

const updateEntry = `UPDATE ledger_entries SET type = ?, amount = ?, share_count = ?, interest_amount = ?,
description = ?, account_transaction_id = ?, updated_at = ?
WHERE id = ? AND status = ?`

// UpdateEntry rewrites the editable fields of e while it is still in the
// status it was read with.
func (q *Queries) UpdateEntry(ctx context.Context, e core.LedgerEntry) (bool, error) {
	res, err := q.db.ExecContext(ctx, updateEntry,
		string(e.Type), money(e.Amount), e.ShareCount, money(e.InterestAmount),
		e.Description, nullString(e.AccountTransactionID), formatTime(q.now()),
		e.ID, string(e.Status))
	if err != nil {
		if isUniqueViolation(err) {
			return false, fmt.Errorf("update entry %d: %w", e.ID, ErrSlotTaken)
		}
		return false, fmt.Errorf("update ledger entry: %w", err)
	}
	return affected(res)
}

func (q *Queries) DeletePendingEntry(ctx context.Context, id int64) (bool, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM ledger_entries WHERE id = ? AND status = 'pending'`, id)
	if err != nil {
		return false, fmt.Errorf("delete ledger entry: %w", err)
	}
	return affected(res)
}
