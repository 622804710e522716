// Package ledger records per-meeting member activity and runs it through the
// approval workflow.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"vsla/internal/accounts"
	"vsla/internal/core"
	"vsla/internal/lock"
	"vsla/internal/log"
	"vsla/internal/storage"

	"github.com/shopspring/decimal"
)

// Repository is the slice of storage the ledger needs.
type Repository interface {
	Queries() *storage.Queries
	InTx(ctx context.Context, fn func(q *storage.Queries) error) error
}

type Service struct {
	repo   Repository
	poster accounts.Poster
	locks  lock.Locker
	rules  Rules
}

func NewService(repo Repository, poster accounts.Poster, locks lock.Locker, rules Rules) *Service {
	return &Service{
		repo:   repo,
		poster: poster,
		locks:  locks,
		rules:  rules,
	}
}

// EntryChanges holds the fields of an edit; nil fields keep their value.
type EntryChanges struct {
	Type           *core.EntryType `json:"type,omitempty"`
	Amount         *string         `json:"amount,omitempty"`
	ShareCount     *int64          `json:"share_count,omitempty"`
	InterestAmount *string         `json:"interest_amount,omitempty"`
	Description    *string         `json:"description,omitempty"`
}

func (s *Service) lock(ctx context.Context, key string) (func(), error) {
	unlock, err := s.locks.Lock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	return unlock, nil
}

// SubmitBulk validates every row and inserts them all as pending, or writes
// nothing and returns a *core.ValidationError naming every offending row.
func (s *Service) SubmitBulk(ctx context.Context, meetingID int64, createdBy string, rows []EntryInput) ([]core.LedgerEntry, error) {
	unlock, err := s.lock(ctx, fmt.Sprintf("meeting:%d", meetingID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var created []core.LedgerEntry
	err = s.repo.InTx(ctx, func(q *storage.Queries) error {
		meeting, err := q.GetMeeting(ctx, meetingID)
		if err != nil {
			return err
		}
		entries, err := s.validateBatch(ctx, q, meeting, rows)
		if err != nil {
			return err
		}

		created = make([]core.LedgerEntry, 0, len(entries))
		for i, e := range entries {
			e.MeetingID = meetingID
			e.CreatedBy = createdBy
			saved, err := q.InsertEntry(ctx, e)
			if err != nil {
				return slotConflict(i, err)
			}
			created = append(created, saved)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("submit entries for meeting %d: %w", meetingID, err)
	}

	slog.InfoContext(ctx, "Ledger entries submitted",
		log.FieldMeetingID, meetingID,
		log.FieldCount, len(created),
		"created_by", createdBy)
	return created, nil
}

func (s *Service) validateBatch(ctx context.Context, q *storage.Queries, meeting core.Meeting, rows []EntryInput) ([]core.LedgerEntry, error) {
	verr := &core.ValidationError{}
	if len(rows) == 0 {
		verr.Add(-1, "entries", "at least one entry is required")
		return nil, verr
	}

	price, err := s.sharePriceAt(ctx, q, meeting)
	if err != nil {
		return nil, err
	}

	taken, err := s.takenSlots(ctx, q, meeting.ID, 0)
	if err != nil {
		return nil, err
	}

	known := make(map[int64]bool)
	groups := make(map[slot][]int)
	entries := make([]core.LedgerEntry, len(rows))
	for i, in := range rows {
		if _, seen := known[in.MemberID]; !seen {
			_, err := q.GetMember(ctx, in.MemberID)
			switch {
			case errors.Is(err, core.ErrNotFound):
				known[in.MemberID] = false
			case err != nil:
				return nil, err
			default:
				known[in.MemberID] = true
			}
		}
		if !known[in.MemberID] {
			verr.Add(i, "member_id", fmt.Sprintf("unknown member %d", in.MemberID))
		}

		entries[i] = s.rules.build(i, in, price, verr)
		k := slot{in.MemberID, in.Type}
		groups[k] = append(groups[k], i)
		if taken[k] {
			verr.Add(i, "type", "member already has a non-rejected entry of this type in the meeting")
		}
	}

	var dupRows []int
	for _, idx := range groups {
		if len(idx) > 1 {
			dupRows = append(dupRows, idx...)
		}
	}
	sort.Ints(dupRows)
	for _, i := range dupRows {
		k := slot{rows[i].MemberID, rows[i].Type}
		verr.Add(i, "type", fmt.Sprintf("duplicate %s for member %d in rows %s",
			rows[i].Type, rows[i].MemberID, joinRows(groups[k])))
	}

	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	return entries, nil
}

func joinRows(rows []int) string {
	parts := make([]string, len(rows))
	for i, r := range rows {
		parts[i] = fmt.Sprint(r)
	}
	return strings.Join(parts, ", ")
}

// takenSlots returns the (member, type) pairs already used by non-rejected
// entries of the meeting, ignoring the entry with id except.
func (s *Service) takenSlots(ctx context.Context, q *storage.Queries, meetingID, except int64) (map[slot]bool, error) {
	existing, err := q.ListEntriesByMeeting(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	taken := make(map[slot]bool, len(existing))
	for _, e := range existing {
		if e.Status != core.EntryRejected && e.ID != except {
			taken[slot{e.MemberID, e.Type}] = true
		}
	}
	return taken, nil
}

// sharePriceAt is the price of the cycle covering the meeting, falling back
// to the configured price.
func (s *Service) sharePriceAt(ctx context.Context, q *storage.Queries, meeting core.Meeting) (decimal.Decimal, error) {
	c, err := q.GetCycleCovering(ctx, meeting.Date)
	if errors.Is(err, core.ErrNotFound) {
		return s.rules.SharePrice, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return c.SharePrice, nil
}

// checkWindowOpen refuses changes to entries whose meeting falls in a cycle
// that is no longer active: its share-out is calculated or paid.
func checkWindowOpen(ctx context.Context, q *storage.Queries, op string, e core.LedgerEntry) error {
	meeting, err := q.GetMeeting(ctx, e.MeetingID)
	if err != nil {
		return err
	}
	c, err := q.GetCycleCovering(ctx, meeting.Date)
	if errors.Is(err, core.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !c.Status.Open() {
		return &core.InvalidStateError{
			Operation: fmt.Sprintf("%s entry in cycle %d", op, c.ID),
			Current:   string(c.Status),
			Required:  []string{string(core.CycleActive)},
		}
	}
	return nil
}

// slotConflict turns a unique-slot violation into the validation error
// SubmitBulk and Update report for the same collision.
func slotConflict(row int, err error) error {
	if !errors.Is(err, storage.ErrSlotTaken) {
		return err
	}
	verr := &core.ValidationError{}
	verr.Add(row, "type", "member already has a non-rejected entry of this type in the meeting")
	return verr
}

// Approve moves a pending entry to approved and materializes it, atomically.
func (s *Service) Approve(ctx context.Context, id int64, approvedBy string) (core.LedgerEntry, error) {
	unlock, err := s.lock(ctx, fmt.Sprintf("entry:%d", id))
	if err != nil {
		return core.LedgerEntry{}, err
	}
	defer unlock()

	var approved core.LedgerEntry
	err = s.repo.InTx(ctx, func(q *storage.Queries) error {
		e, err := q.GetEntry(ctx, id)
		if err != nil {
			return err
		}
		if e.Status != core.EntryPending {
			return invalidState("approve", e.Status, core.EntryPending)
		}
		if err := checkWindowOpen(ctx, q, "approve", e); err != nil {
			return err
		}

		txID, err := s.poster.Materialize(ctx, q, postingOf(e))
		if err != nil {
			return fmt.Errorf("materialize: %w", err)
		}
		ok, err := q.ApproveEntry(ctx, id, approvedBy, txID)
		if err != nil {
			return err
		}
		if !ok {
			return invalidState("approve", e.Status, core.EntryPending)
		}
		approved, err = q.GetEntry(ctx, id)
		return err
	})
	if err != nil {
		return core.LedgerEntry{}, fmt.Errorf("approve entry %d: %w", id, err)
	}

	log.NewStructuredLogger(log.FromContext(ctx)).LogEntryDecision(ctx, log.OpApprove,
		id, approved.MeetingID, approved.MemberID, string(approved.Type), approved.AccountTransactionID)
	return approved, nil
}

// Reject moves a pending entry to the terminal rejected state.
func (s *Service) Reject(ctx context.Context, id int64) (core.LedgerEntry, error) {
	unlock, err := s.lock(ctx, fmt.Sprintf("entry:%d", id))
	if err != nil {
		return core.LedgerEntry{}, err
	}
	defer unlock()

	var rejected core.LedgerEntry
	err = s.repo.InTx(ctx, func(q *storage.Queries) error {
		e, err := q.GetEntry(ctx, id)
		if err != nil {
			return err
		}
		if e.Status != core.EntryPending {
			return invalidState("reject", e.Status, core.EntryPending)
		}
		ok, err := q.RejectEntry(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return invalidState("reject", e.Status, core.EntryPending)
		}
		rejected, err = q.GetEntry(ctx, id)
		return err
	})
	if err != nil {
		return core.LedgerEntry{}, fmt.Errorf("reject entry %d: %w", id, err)
	}

	log.NewStructuredLogger(log.FromContext(ctx)).LogEntryDecision(ctx, log.OpReject,
		id, rejected.MeetingID, rejected.MemberID, string(rejected.Type), "")
	return rejected, nil
}

// Update edits an entry. Pending entries change in place; approved entries
// go through a Reverse then Apply plan on one transaction, so a failure
// leaves the original entry and its transaction untouched.
func (s *Service) Update(ctx context.Context, id int64, changes EntryChanges) (core.LedgerEntry, error) {
	unlock, err := s.lock(ctx, fmt.Sprintf("entry:%d", id))
	if err != nil {
		return core.LedgerEntry{}, err
	}
	defer unlock()

	var updated core.LedgerEntry
	err = s.repo.InTx(ctx, func(q *storage.Queries) error {
		current, err := q.GetEntry(ctx, id)
		if err != nil {
			return err
		}
		if current.Status == core.EntryRejected {
			return invalidState("update", current.Status, core.EntryPending, core.EntryApproved)
		}
		if err := checkWindowOpen(ctx, q, "update", current); err != nil {
			return err
		}

		next, err := s.applyChanges(ctx, q, current, changes)
		if err != nil {
			return err
		}

		if current.Status == core.EntryPending {
			ok, err := q.UpdateEntry(ctx, next)
			if err != nil {
				return slotConflict(0, err)
			}
			if !ok {
				return invalidState("update", current.Status, core.EntryPending, core.EntryApproved)
			}
		} else if err := editPlan(current).Run(ctx, q, s.poster, &next); err != nil {
			return slotConflict(0, err)
		}

		updated, err = q.GetEntry(ctx, id)
		return err
	})
	if err != nil {
		return core.LedgerEntry{}, fmt.Errorf("update entry %d: %w", id, err)
	}

	slog.InfoContext(ctx, "Ledger entry updated",
		log.FieldEntryID, id,
		log.FieldEntryType, updated.Type,
		log.FieldAmount, updated.Amount.String(),
		"status", updated.Status)
	return updated, nil
}

func (s *Service) applyChanges(ctx context.Context, q *storage.Queries, current core.LedgerEntry, ch EntryChanges) (core.LedgerEntry, error) {
	in := inputOf(current)
	typeChanged := ch.Type != nil && *ch.Type != current.Type
	if typeChanged {
		in.Type = *ch.Type
		in.Amount = ""
		in.InterestAmount = ""
		if in.Type != core.SharePurchase {
			in.ShareCount = 0
		}
	}
	if ch.Amount != nil {
		in.Amount = *ch.Amount
	}
	if ch.ShareCount != nil {
		in.ShareCount = *ch.ShareCount
	}
	if ch.InterestAmount != nil {
		in.InterestAmount = *ch.InterestAmount
	}
	if ch.Description != nil {
		in.Description = *ch.Description
	}

	meeting, err := q.GetMeeting(ctx, current.MeetingID)
	if err != nil {
		return core.LedgerEntry{}, err
	}
	price, err := s.sharePriceAt(ctx, q, meeting)
	if err != nil {
		return core.LedgerEntry{}, err
	}

	verr := &core.ValidationError{}
	next := s.rules.build(0, in, price, verr)
	if typeChanged {
		taken, err := s.takenSlots(ctx, q, current.MeetingID, current.ID)
		if err != nil {
			return core.LedgerEntry{}, err
		}
		if taken[slot{current.MemberID, in.Type}] {
			verr.Add(0, "type", "member already has a non-rejected entry of this type in the meeting")
		}
	}
	if err := verr.OrNil(); err != nil {
		return core.LedgerEntry{}, err
	}

	next.ID = current.ID
	next.MeetingID = current.MeetingID
	next.Status = current.Status
	next.AccountTransactionID = current.AccountTransactionID
	next.CreatedBy = current.CreatedBy
	return next, nil
}

// Delete removes a pending entry.
func (s *Service) Delete(ctx context.Context, id int64) error {
	unlock, err := s.lock(ctx, fmt.Sprintf("entry:%d", id))
	if err != nil {
		return err
	}
	defer unlock()

	err = s.repo.InTx(ctx, func(q *storage.Queries) error {
		e, err := q.GetEntry(ctx, id)
		if err != nil {
			return err
		}
		if e.Status != core.EntryPending {
			return invalidState("delete", e.Status, core.EntryPending)
		}
		if err := checkWindowOpen(ctx, q, "delete", e); err != nil {
			return err
		}
		ok, err := q.DeletePendingEntry(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return invalidState("delete", e.Status, core.EntryPending)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete entry %d: %w", id, err)
	}

	slog.InfoContext(ctx, "Ledger entry deleted", log.FieldEntryID, id)
	return nil
}

func (s *Service) Get(ctx context.Context, id int64) (core.LedgerEntry, error) {
	return s.repo.Queries().GetEntry(ctx, id)
}

func (s *Service) ListByMeeting(ctx context.Context, meetingID int64) ([]core.LedgerEntry, error) {
	if _, err := s.repo.Queries().GetMeeting(ctx, meetingID); err != nil {
		return nil, err
	}
	return s.repo.Queries().ListEntriesByMeeting(ctx, meetingID)
}

func invalidState(op string, current core.EntryStatus, required ...core.EntryStatus) error {
	req := make([]string, len(required))
	for i, r := range required {
		req[i] = string(r)
	}
	return &core.InvalidStateError{Operation: op + " entry", Current: string(current), Required: req}
}
