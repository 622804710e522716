// Package cycle runs a savings cycle from aggregation through share-out,
// payout and archival.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"vsla/internal/accounts"
	"vsla/internal/amqp"
	"vsla/internal/core"
	"vsla/internal/lock"
	"vsla/internal/log"
	"vsla/internal/storage"

	"github.com/shopspring/decimal"
)

// Publisher receives cycle events after the transition has committed.
type Publisher interface {
	PublishCycleEvent(ctx context.Context, ev *amqp.CycleEvent) error
}

type Service struct {
	repo      Repository
	poster    accounts.Poster
	locks     lock.Locker
	agg       *Aggregator
	policy    core.NegativePayoutPolicy
	publisher Publisher
	now       func() time.Time
}

func NewService(repo Repository, poster accounts.Poster, locks lock.Locker, policy core.NegativePayoutPolicy) *Service {
	if policy == "" {
		policy = core.PolicyCarryForward
	}
	return &Service{
		repo:   repo,
		poster: poster,
		locks:  locks,
		agg:    NewAggregator(repo),
		policy: policy,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetPublisher enables event publishing. A nil publisher disables it.
func (s *Service) SetPublisher(p Publisher) {
	s.publisher = p
}

// SetClock replaces the clock used for eligibility and payout dates.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Service) Policy() core.NegativePayoutPolicy {
	return s.policy
}

// CycleInput describes a new cycle.
type CycleInput struct {
	Name               string          `json:"name"`
	StartDate          time.Time       `json:"start_date"`
	EndDate            time.Time       `json:"end_date"`
	SharePrice         decimal.Decimal `json:"share_price"`
	AdministrativeCost decimal.Decimal `json:"administrative_cost"`
	Notes              string          `json:"notes,omitempty"`
}

// CreateCycle opens a new active cycle. Only one cycle may be active.
func (s *Service) CreateCycle(ctx context.Context, in CycleInput) (core.Cycle, error) {
	c := core.Cycle{
		Name:               in.Name,
		StartDate:          core.DateOnly(in.StartDate),
		EndDate:            core.DateOnly(in.EndDate),
		SharePrice:         core.RoundMoney(in.SharePrice),
		AdministrativeCost: core.RoundMoney(in.AdministrativeCost),
		Notes:              in.Notes,
	}
	if err := c.Validate(); err != nil {
		verr := &core.ValidationError{}
		verr.Add(-1, "cycle", err.Error())
		return core.Cycle{}, verr
	}
	if c.AdministrativeCost.IsNegative() {
		verr := &core.ValidationError{}
		verr.Add(-1, "administrative_cost", "cannot be negative")
		return core.Cycle{}, verr
	}

	created, err := s.repo.Queries().CreateCycle(ctx, c)
	if err != nil {
		return core.Cycle{}, err
	}
	slog.InfoContext(ctx, "Cycle created",
		log.FieldCycleID, created.ID,
		"name", created.Name,
		"start_date", created.StartDate.Format(time.DateOnly),
		"end_date", created.EndDate.Format(time.DateOnly))
	return created, nil
}

func (s *Service) Get(ctx context.Context, id int64) (core.Cycle, error) {
	return s.repo.Queries().GetCycle(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]core.Cycle, error) {
	return s.repo.Queries().ListCycles(ctx)
}

// Active returns the active cycle or core.ErrNotFound.
func (s *Service) Active(ctx context.Context) (core.Cycle, error) {
	return s.repo.Queries().GetActiveCycle(ctx)
}

// Aggregate refreshes the stored totals of a cycle.
func (s *Service) Aggregate(ctx context.Context, id int64) (core.Cycle, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return core.Cycle{}, err
	}
	defer unlock()

	before, err := s.Get(ctx, id)
	if err != nil {
		return core.Cycle{}, err
	}
	c, err := s.agg.Aggregate(ctx, id)
	if err != nil {
		return core.Cycle{}, err
	}
	if c.Version != before.Version {
		s.publish(ctx, amqp.EventTotalsRefreshed, c)
	}
	return c, nil
}

func (s *Service) Participation(ctx context.Context, id int64) ([]core.MemberParticipation, error) {
	return s.agg.MemberParticipation(ctx, id)
}

// Summary is the cycle with its derived phase and participant count.
func (s *Service) Summary(ctx context.Context, id int64) (core.CycleSummary, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return core.CycleSummary{}, err
	}
	parts, err := s.agg.MemberParticipation(ctx, id)
	if err != nil {
		return core.CycleSummary{}, err
	}
	return core.CycleSummary{
		Cycle:            c,
		Phase:            core.DerivedPhase(c, s.now()),
		ParticipantCount: len(parts),
		EligibleAt:       c.EndDate,
	}, nil
}

// ShareOutDetail returns the share-out records of a cycle with their totals row.
func (s *Service) ShareOutDetail(ctx context.Context, id int64) (core.ShareOutDetail, error) {
	q := s.repo.Queries()
	c, err := q.GetCycle(ctx, id)
	if err != nil {
		return core.ShareOutDetail{}, err
	}
	records, err := q.ListShareOutRecords(ctx, id)
	if err != nil {
		return core.ShareOutDetail{}, err
	}
	members, err := q.ListMembers(ctx)
	if err != nil {
		return core.ShareOutDetail{}, err
	}
	byID := make(map[int64]core.Member, len(members))
	for _, m := range members {
		byID[m.ID] = m
	}
	return core.ShareOutDetail{
		Cycle:   c,
		Members: byID,
		Records: records,
		Totals:  core.TotalsOf(records),
	}, nil
}

// Calculate re-aggregates an eligible active cycle, writes one share-out
// record per participant and moves the cycle to share_out_in_progress.
func (s *Service) Calculate(ctx context.Context, id int64) (core.Cycle, error) {
	return s.transition(ctx, id, core.TransitionCalculate, func(q *storage.Queries, c core.Cycle) (core.Cycle, error) {
		now := s.now()
		if !core.IsEligibleForShareOut(c, now) {
			return c, &core.NotEligibleError{CycleID: c.ID, EligibleAt: c.EndDate}
		}
		c, err := aggregate(ctx, q, c)
		if err != nil {
			return c, err
		}
		parts, err := participation(ctx, q, c)
		if err != nil {
			return c, err
		}
		loans := make(map[int64]decimal.Decimal, len(parts))
		for _, p := range parts {
			if loans[p.MemberID], err = q.OutstandingLoanBalance(ctx, p.MemberID); err != nil {
				return c, err
			}
		}

		records, err := Calculate(CalculationInput{Cycle: c, Participants: parts, Loans: loans, Policy: s.policy})
		if err != nil {
			return c, err
		}
		if !core.TotalsOf(records).Balanced() {
			return c, &core.AtomicityViolation{CycleID: c.ID, Operation: string(core.TransitionCalculate),
				Err: errors.New("share-out records do not balance")}
		}

		if _, err := q.DeleteShareOutRecords(ctx, c.ID); err != nil {
			return c, err
		}
		for _, r := range records {
			if _, err := q.InsertShareOutRecord(ctx, r); err != nil {
				return c, err
			}
		}
		return c, nil
	})
}

// Approve marks every calculated record approved. The cycle stays in
// share_out_in_progress.
func (s *Service) Approve(ctx context.Context, id int64) (core.Cycle, error) {
	return s.transition(ctx, id, core.TransitionApprove, func(q *storage.Queries, c core.Cycle) (core.Cycle, error) {
		n, err := q.SetPayoutStatus(ctx, c.ID, core.PayoutCalculated, core.PayoutApproved)
		if err != nil {
			return c, err
		}
		slog.InfoContext(ctx, "Share-out records approved", log.FieldCycleID, c.ID, log.FieldCount, n)
		return c, nil
	})
}

// ProcessPayout settles every approved record and completes the cycle. Either
// every record is paid and the cycle completed, or nothing changes.
func (s *Service) ProcessPayout(ctx context.Context, id int64) (core.Cycle, error) {
	return s.transition(ctx, id, core.TransitionProcessPayout, func(q *storage.Queries, c core.Cycle) (core.Cycle, error) {
		records, err := q.ListShareOutRecords(ctx, c.ID)
		if err != nil {
			return c, err
		}
		if err := s.checkPayable(c, records); err != nil {
			return c, err
		}

		paidAt := s.now()
		for _, r := range records {
			if err := s.settle(ctx, q, r, paidAt); err != nil {
				return c, &core.AtomicityViolation{CycleID: c.ID, Operation: string(core.TransitionProcessPayout), Err: err}
			}
		}

		paid, err := q.ListShareOutRecords(ctx, c.ID)
		if err != nil {
			return c, &core.AtomicityViolation{CycleID: c.ID, Operation: string(core.TransitionProcessPayout), Err: err}
		}
		for _, r := range paid {
			if r.PayoutStatus != core.PayoutPaid {
				return c, &core.AtomicityViolation{CycleID: c.ID, Operation: string(core.TransitionProcessPayout),
					Err: fmt.Errorf("record of member %d left %s", r.MemberID, r.PayoutStatus)}
			}
		}
		if !core.TotalsOf(paid).Balanced() {
			return c, &core.AtomicityViolation{CycleID: c.ID, Operation: string(core.TransitionProcessPayout),
				Err: errors.New("net payouts and loan deductions do not add up to total payouts")}
		}
		shareOut := core.DateOnly(paidAt)
		c.ShareOutDate = &shareOut
		return c, nil
	})
}

func (s *Service) checkPayable(c core.Cycle, records []core.ShareOutRecord) error {
	if len(records) == 0 {
		return &core.NoParticipantsError{CycleID: c.ID}
	}
	for _, r := range records {
		if r.PayoutStatus != core.PayoutApproved {
			return &core.InvalidStateError{
				Operation: "process payout of member " + strconv.FormatInt(r.MemberID, 10),
				Current:   string(r.PayoutStatus),
				Required:  []string{string(core.PayoutApproved)},
			}
		}
	}
	if s.policy == core.PolicyReceivable {
		return nil
	}
	verr := &core.ValidationError{}
	for _, r := range records {
		if r.NetPayout.IsNegative() {
			verr.Add(-1, "member_"+strconv.FormatInt(r.MemberID, 10),
				fmt.Sprintf("outstanding loan %s exceeds total payout %s",
					core.FormatMoney(r.OutstandingLoanBalance), core.FormatMoney(r.TotalPayout)))
		}
	}
	return verr.OrNil()
}

// settle materializes one record. The cash box pays the gross payout,
// recovers the loan deduction and, when the member still owes money, books
// the shortfall as a receivable.
func (s *Service) settle(ctx context.Context, q *storage.Queries, r core.ShareOutRecord, paidAt time.Time) error {
	meta := map[string]string{
		"cycle_id":         strconv.FormatInt(r.CycleID, 10),
		"share_out_id":     strconv.FormatInt(r.ID, 10),
		"net_payout":       r.NetPayout.String(),
		"loan_deduction":   r.LoanDeduction.String(),
		"profit_share":     r.ProfitShare.String(),
		"share_percentage": r.SharePercentage.String(),
	}
	postings := []accounts.Posting{
		{MemberID: r.MemberID, Amount: r.TotalPayout, Direction: core.Debit, Type: core.SettlementPayout, Meta: meta},
		{MemberID: r.MemberID, Amount: r.LoanDeduction, Direction: core.Credit, Type: core.LoanOffset, Meta: meta},
	}
	if r.NetPayout.IsNegative() {
		postings = append(postings, accounts.Posting{
			MemberID: r.MemberID, Amount: r.NetPayout.Neg(), Direction: core.Debit, Type: core.PayoutReceivable, Meta: meta,
		})
	}

	var settlementID string
	for _, p := range postings {
		if !p.Amount.IsPositive() {
			continue
		}
		txID, err := s.poster.Materialize(ctx, q, p)
		if err != nil {
			return fmt.Errorf("settle member %d: %w", r.MemberID, err)
		}
		if settlementID == "" {
			settlementID = txID
		}
	}

	ok, err := q.MarkRecordPaid(ctx, r.ID, settlementID, paidAt)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("share-out record %d is no longer approved", r.ID)
	}
	return nil
}

// Cancel discards the share-out and reopens the cycle.
func (s *Service) Cancel(ctx context.Context, id int64) (core.Cycle, error) {
	return s.transition(ctx, id, core.TransitionCancel, func(q *storage.Queries, c core.Cycle) (core.Cycle, error) {
		n, err := q.DeleteShareOutRecords(ctx, c.ID)
		if err != nil {
			return c, err
		}
		slog.InfoContext(ctx, "Share-out records discarded", log.FieldCycleID, c.ID, log.FieldCount, n)
		c.ShareOutDate = nil
		return c, nil
	})
}

// Archive freezes a completed cycle.
func (s *Service) Archive(ctx context.Context, id int64) (core.Cycle, error) {
	return s.transition(ctx, id, core.TransitionArchive, func(q *storage.Queries, c core.Cycle) (core.Cycle, error) {
		return c, nil
	})
}

// transition runs fn and the status change on one transaction, under the
// cycle lock and the version guard. fn receives the cycle as read and
// returns it with any change to carry into the status update.
func (s *Service) transition(ctx context.Context, id int64, t core.Transition, fn func(q *storage.Queries, c core.Cycle) (core.Cycle, error)) (core.Cycle, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return core.Cycle{}, err
	}
	defer unlock()

	var (
		from core.CycleStatus
		out  core.Cycle
	)
	err = s.repo.InTx(ctx, func(q *storage.Queries) error {
		c, err := q.GetCycle(ctx, id)
		if err != nil {
			return err
		}
		from = c.Status
		to, err := core.Next(t, c.Status)
		if err != nil {
			return err
		}

		c, err = fn(q, c)
		if err != nil {
			return err
		}

		ok, err := q.TransitionCycle(ctx, c, to, c.ShareOutDate)
		if err != nil {
			return err
		}
		if !ok {
			return ErrStaleCycle
		}
		out, err = q.GetCycle(ctx, id)
		return err
	})
	if err != nil {
		return core.Cycle{}, fmt.Errorf("%s cycle %d: %w", t, id, err)
	}

	log.NewStructuredLogger(log.FromContext(ctx)).LogTransition(ctx, string(t), id, string(from), string(out.Status), out.Version)
	s.publish(ctx, eventOf(t), out)
	return out, nil
}

func eventOf(t core.Transition) amqp.EventType {
	switch t {
	case core.TransitionCalculate:
		return amqp.EventCalculated
	case core.TransitionApprove:
		return amqp.EventApproved
	case core.TransitionProcessPayout:
		return amqp.EventPaidOut
	case core.TransitionCancel:
		return amqp.EventCancelled
	default:
		return amqp.EventArchived
	}
}

// AnnounceEligibility publishes a ready-for-shareout event when the active
// cycle has reached its end date. It reports whether an event was sent.
func (s *Service) AnnounceEligibility(ctx context.Context) (bool, error) {
	c, err := s.Active(ctx)
	if errors.Is(err, core.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if core.DerivedPhase(c, s.now()) != core.PhaseReadyForShareOut {
		return false, nil
	}
	s.publish(ctx, amqp.EventReadyForShareOut, c)
	return s.publisher != nil, nil
}

// publish is best effort: the transition has already committed.
func (s *Service) publish(ctx context.Context, t amqp.EventType, c core.Cycle) {
	if s.publisher == nil {
		return
	}
	ev := amqp.NewCycleEvent(t, c.ID, string(c.Status), c.Version)
	if err := s.publisher.PublishCycleEvent(ctx, ev); err != nil {
		slog.WarnContext(ctx, "Failed to publish cycle event",
			"event", string(t),
			log.FieldCycleID, c.ID,
			log.FieldError, err)
	}
}

func (s *Service) lock(ctx context.Context, id int64) (func(), error) {
	key := "cycle:" + strconv.FormatInt(id, 10)
	unlock, err := s.locks.Lock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	return unlock, nil
}
