package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"vsla/internal/core"
)

var ErrDuplicateMemberNo = errors.New("member number already registered")

const createMember = `INSERT INTO members (name, member_no, created_at) VALUES (?, ?, ?)`

func (q *Queries) CreateMember(ctx context.Context, name, memberNo string) (core.Member, error) {
	m := core.Member{Name: strings.TrimSpace(name), MemberNo: strings.TrimSpace(memberNo)}
	res, err := q.db.ExecContext(ctx, createMember, m.Name, m.MemberNo, formatTime(q.now()))
	if err != nil {
		if isUniqueViolation(err) {
			return core.Member{}, fmt.Errorf("create member %s: %w", m.MemberNo, ErrDuplicateMemberNo)
		}
		return core.Member{}, fmt.Errorf("create member: %w", err)
	}
	m.ID, err = res.LastInsertId()
	if err != nil {
		return core.Member{}, fmt.Errorf("member id: %w", err)
	}
	return m, nil
}

const getMember = `SELECT id, name, member_no FROM members WHERE id = ?`

func (q *Queries) GetMember(ctx context.Context, id int64) (core.Member, error) {
	var m core.Member
	err := q.db.QueryRowContext(ctx, getMember, id).Scan(&m.ID, &m.Name, &m.MemberNo)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Member{}, fmt.Errorf("member %d: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return core.Member{}, fmt.Errorf("get member: %w", err)
	}
	return m, nil
}

const listMembers = `SELECT id, name, member_no FROM members ORDER BY id`

func (q *Queries) ListMembers(ctx context.Context) ([]core.Member, error) {
	rows, err := q.db.QueryContext(ctx, listMembers)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var members []core.Member
	for rows.Next() {
		var m core.Member
		if err := rows.Scan(&m.ID, &m.Name, &m.MemberNo); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

const createMeeting = `INSERT INTO meetings (meeting_date, notes, created_at) VALUES (?, ?, ?)`

func (q *Queries) CreateMeeting(ctx context.Context, date time.Time, notes string) (core.Meeting, error) {
	m := core.Meeting{Date: core.DateOnly(date), Notes: notes}
	res, err := q.db.ExecContext(ctx, createMeeting, formatDate(m.Date), m.Notes, formatTime(q.now()))
	if err != nil {
		return core.Meeting{}, fmt.Errorf("create meeting: %w", err)
	}
	m.ID, err = res.LastInsertId()
	if err != nil {
		return core.Meeting{}, fmt.Errorf("meeting id: %w", err)
	}
	return m, nil
}

const getMeeting = `SELECT id, meeting_date, notes FROM meetings WHERE id = ?`

func (q *Queries) GetMeeting(ctx context.Context, id int64) (core.Meeting, error) {
	var (
		m    core.Meeting
		date string
	)
	err := q.db.QueryRowContext(ctx, getMeeting, id).Scan(&m.ID, &date, &m.Notes)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Meeting{}, fmt.Errorf("meeting %d: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return core.Meeting{}, fmt.Errorf("get meeting: %w", err)
	}
	if m.Date, err = parseDate(date); err != nil {
		return core.Meeting{}, err
	}
	return m, nil
}

const listMeetingsBetween = `SELECT id, meeting_date, notes FROM meetings
WHERE meeting_date >= ? AND meeting_date <= ?
ORDER BY meeting_date, id`

func (q *Queries) ListMeetingsBetween(ctx context.Context, from, to time.Time) ([]core.Meeting, error) {
	rows, err := q.db.QueryContext(ctx, listMeetingsBetween, formatDate(from), formatDate(to))
	if err != nil {
		return nil, fmt.Errorf("list meetings: %w", err)
	}
	defer rows.Close()

	var meetings []core.Meeting
	for rows.Next() {
		var (
			m    core.Meeting
			date string
		)
		if err := rows.Scan(&m.ID, &date, &m.Notes); err != nil {
			return nil, fmt.Errorf("scan meeting: %w", err)
		}
		if m.Date, err = parseDate(date); err != nil {
			return nil, err
		}
		meetings = append(meetings, m)
	}
	return meetings, rows.Err()
}
