package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"vsla/internal/core"

	"github.com/shopspring/decimal"
)

const cycleColumns = `id, name, start_date, end_date, status,
total_shares_contributed, total_welfare_contributed, total_penalties_collected,
total_loan_interest_earned, total_available_for_shareout,
share_price, administrative_cost, share_out_date, notes, version, created_at, updated_at`

func scanCycle(s scanner) (core.Cycle, error) {
	var (
		c                                    core.Cycle
		start, end, status                   string
		shares, welfare, penalties, interest string
		available, price, adminCost          string
		shareOutDate                         sql.NullString
		createdAt, updatedAt                 string
	)
	if err := s.Scan(&c.ID, &c.Name, &start, &end, &status,
		&shares, &welfare, &penalties, &interest, &available,
		&price, &adminCost, &shareOutDate, &c.Notes, &c.Version, &createdAt, &updatedAt); err != nil {
		return core.Cycle{}, err
	}

	var err error
	if c.StartDate, err = parseDate(start); err != nil {
		return core.Cycle{}, err
	}
	if c.EndDate, err = parseDate(end); err != nil {
		return core.Cycle{}, err
	}
	c.Status = core.CycleStatus(status)

	amounts := []struct {
		raw string
		dst *decimal.Decimal
	}{
		{shares, &c.Totals.SharesContributed},
		{welfare, &c.Totals.WelfareContributed},
		{penalties, &c.Totals.PenaltiesCollected},
		{interest, &c.Totals.LoanInterestEarned},
		{available, &c.Totals.AvailableForShareOut},
		{price, &c.SharePrice},
		{adminCost, &c.AdministrativeCost},
	}
	for _, a := range amounts {
		if *a.dst, err = parseMoney(a.raw); err != nil {
			return core.Cycle{}, err
		}
	}

	if shareOutDate.Valid {
		d, err := parseDate(shareOutDate.String)
		if err != nil {
			return core.Cycle{}, err
		}
		c.ShareOutDate = &d
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return core.Cycle{}, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return core.Cycle{}, err
	}
	return c, nil
}

const createCycle = `INSERT INTO cycles (name, start_date, end_date, status, share_price, administrative_cost, notes, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

// CreateCycle inserts c as a new active cycle. A second active cycle is
// rejected by the single-active index and reported as core.ErrActiveCycleExists.
func (q *Queries) CreateCycle(ctx context.Context, c core.Cycle) (core.Cycle, error) {
	now := q.now()
	res, err := q.db.ExecContext(ctx, createCycle,
		c.Name, formatDate(c.StartDate), formatDate(c.EndDate), string(core.CycleActive),
		money(c.SharePrice), money(c.AdministrativeCost), c.Notes,
		formatTime(now), formatTime(now))
	if err != nil {
		if isUniqueViolation(err) {
			return core.Cycle{}, fmt.Errorf("create cycle %q: %w", c.Name, core.ErrActiveCycleExists)
		}
		return core.Cycle{}, fmt.Errorf("create cycle: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return core.Cycle{}, fmt.Errorf("cycle id: %w", err)
	}
	return q.GetCycle(ctx, id)
}

func (q *Queries) GetCycle(ctx context.Context, id int64) (core.Cycle, error) {
	c, err := scanCycle(q.db.QueryRowContext(ctx, `SELECT `+cycleColumns+` FROM cycles WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return core.Cycle{}, fmt.Errorf("cycle %d: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return core.Cycle{}, fmt.Errorf("get cycle: %w", err)
	}
	return c, nil
}

func (q *Queries) GetActiveCycle(ctx context.Context) (core.Cycle, error) {
	c, err := scanCycle(q.db.QueryRowContext(ctx,
		`SELECT `+cycleColumns+` FROM cycles WHERE status = 'active'`))
	if errors.Is(err, sql.ErrNoRows) {
		return core.Cycle{}, fmt.Errorf("active cycle: %w", core.ErrNotFound)
	}
	if err != nil {
		return core.Cycle{}, fmt.Errorf("get active cycle: %w", err)
	}
	return c, nil
}

// GetCycleCovering returns the cycle whose window contains date, preferring
// the newest one when windows overlap.
func (q *Queries) GetCycleCovering(ctx context.Context, date time.Time) (core.Cycle, error) {
	d := formatDate(date)
	c, err := scanCycle(q.db.QueryRowContext(ctx,
		`SELECT `+cycleColumns+` FROM cycles
WHERE start_date <= ? AND end_date >= ?
ORDER BY CASE status WHEN 'active' THEN 0 ELSE 1 END, id DESC LIMIT 1`, d, d))
	if errors.Is(err, sql.ErrNoRows) {
		return core.Cycle{}, fmt.Errorf("cycle covering %s: %w", d, core.ErrNotFound)
	}
	if err != nil {
		return core.Cycle{}, fmt.Errorf("get cycle covering date: %w", err)
	}
	return c, nil
}

func (q *Queries) ListCycles(ctx context.Context) ([]core.Cycle, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+cycleColumns+` FROM cycles ORDER BY start_date DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	defer rows.Close()

	var cycles []core.Cycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		cycles = append(cycles, c)
	}
	return cycles, rows.Err()
}

const updateCycleTotals = `UPDATE cycles SET
total_shares_contributed = ?, total_welfare_contributed = ?, total_penalties_collected = ?,
total_loan_interest_earned = ?, total_available_for_shareout = ?, administrative_cost = ?,
version = version + 1, updated_at = ?
WHERE id = ? AND version = ? AND status = 'active'`

// UpdateCycleTotals writes derived totals. It reports false when the cycle
// moved on (another version, or out of active) since it was read.
func (q *Queries) UpdateCycleTotals(ctx context.Context, c core.Cycle) (bool, error) {
	t := c.Totals
	res, err := q.db.ExecContext(ctx, updateCycleTotals,
		money(t.SharesContributed), money(t.WelfareContributed), money(t.PenaltiesCollected),
		money(t.LoanInterestEarned), money(t.AvailableForShareOut), money(c.AdministrativeCost),
		formatTime(q.now()), c.ID, c.Version)
	if err != nil {
		return false, fmt.Errorf("update cycle totals: %w", err)
	}
	return affected(res)
}

const transitionCycle = `UPDATE cycles SET status = ?, share_out_date = ?, version = version + 1, updated_at = ?
WHERE id = ? AND status = ? AND version = ?`

// TransitionCycle moves the cycle from one status to another when it is
// still at the expected version. It reports false when the guard failed.
func (q *Queries) TransitionCycle(ctx context.Context, c core.Cycle, to core.CycleStatus, shareOutDate *time.Time) (bool, error) {
	var sod sql.NullString
	if shareOutDate != nil {
		sod = sql.NullString{String: formatDate(*shareOutDate), Valid: true}
	}
	res, err := q.db.ExecContext(ctx, transitionCycle,
		string(to), sod, formatTime(q.now()), c.ID, string(c.Status), c.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return false, fmt.Errorf("transition cycle %d: %w", c.ID, core.ErrActiveCycleExists)
		}
		return false, fmt.Errorf("transition cycle: %w", err)
	}
	return affected(res)
}
