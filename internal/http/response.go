package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"vsla/internal/core"
	"vsla/internal/cycle"
	"vsla/internal/log"
	"vsla/internal/storage"

	"github.com/shopspring/decimal"
)

type errorBody struct {
	Error      string         `json:"error"`
	Problems   []core.Problem `json:"problems,omitempty"`
	Current    string         `json:"current_state,omitempty"`
	Required   []string       `json:"required_state,omitempty"`
	EligibleAt string         `json:"eligible_at,omitempty"`
	CycleID    int64          `json:"cycle_id,omitempty"`
}

// badRequestError is a malformed request: bad JSON, path or query value.
type badRequestError struct {
	msg string
}

func (e *badRequestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &badRequestError{msg: fmt.Sprintf(format, args...)}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps engine errors to a status and a JSON body. Server side
// failures are logged here, once.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError {
		log.FromContext(r.Context()).ErrorContext(r.Context(), "Request failed",
			log.FieldMethod, r.Method,
			log.FieldPath, r.URL.Path,
			log.FieldError, err)
	}
	writeJSON(w, status, body)
}

func errorResponse(err error) (int, errorBody) {
	var (
		verr  *core.ValidationError
		ise   *core.InvalidStateError
		nee   *core.NotEligibleError
		npe   *core.NoParticipantsError
		atom  *core.AtomicityViolation
		badRq *badRequestError
	)
	switch {
	case errors.As(err, &badRq):
		return http.StatusBadRequest, errorBody{Error: badRq.msg}
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity, errorBody{Error: "validation failed", Problems: verr.Problems}
	case errors.As(err, &atom):
		return http.StatusInternalServerError, errorBody{
			Error:   fmt.Sprintf("%s on cycle %d was rolled back; manual review required", atom.Operation, atom.CycleID),
			CycleID: atom.CycleID,
		}
	case errors.As(err, &nee):
		return http.StatusConflict, errorBody{
			Error:      nee.Error(),
			EligibleAt: nee.EligibleAt.Format(time.DateOnly),
			CycleID:    nee.CycleID,
		}
	case errors.As(err, &npe):
		return http.StatusUnprocessableEntity, errorBody{Error: npe.Error(), CycleID: npe.CycleID}
	case errors.As(err, &ise):
		return http.StatusConflict, errorBody{Error: ise.Error(), Current: ise.Current, Required: ise.Required}
	case errors.Is(err, cycle.ErrStaleCycle):
		return http.StatusConflict, errorBody{Error: "cycle was modified concurrently, retry"}
	case errors.Is(err, core.ErrActiveCycleExists):
		return http.StatusConflict, errorBody{Error: core.ErrActiveCycleExists.Error()}
	case errors.Is(err, storage.ErrDuplicateMemberNo):
		return http.StatusConflict, errorBody{Error: storage.ErrDuplicateMemberNo.Error()}
	case errors.Is(err, storage.ErrSlotTaken):
		return http.StatusConflict, errorBody{Error: storage.ErrSlotTaken.Error()}
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound, errorBody{Error: err.Error()}
	default:
		return http.StatusInternalServerError, errorBody{Error: "internal error"}
	}
}

func formatDay(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.DateOnly)
	return &s
}

type cycleView struct {
	ID                 int64            `json:"id"`
	Name               string           `json:"name"`
	StartDate          string           `json:"start_date"`
	EndDate            string           `json:"end_date"`
	Status             core.CycleStatus `json:"status"`
	Totals             core.CycleTotals `json:"totals"`
	SharePrice         decimal.Decimal  `json:"share_price"`
	AdministrativeCost decimal.Decimal  `json:"administrative_cost"`
	ShareOutDate       *string          `json:"share_out_date"`
	Notes              string           `json:"notes,omitempty"`
	Version            int64            `json:"version"`
}

func newCycleView(c core.Cycle) cycleView {
	return cycleView{
		ID:                 c.ID,
		Name:               c.Name,
		StartDate:          c.StartDate.Format(time.DateOnly),
		EndDate:            c.EndDate.Format(time.DateOnly),
		Status:             c.Status,
		Totals:             c.Totals,
		SharePrice:         c.SharePrice,
		AdministrativeCost: c.AdministrativeCost,
		ShareOutDate:       formatDay(c.ShareOutDate),
		Notes:              c.Notes,
		Version:            c.Version,
	}
}

type summaryView struct {
	cycleView
	Phase            core.Phase `json:"phase"`
	ParticipantCount int        `json:"participant_count"`
	EligibleAt       string     `json:"eligible_at"`
}

func newSummaryView(s core.CycleSummary) summaryView {
	return summaryView{
		cycleView:        newCycleView(s.Cycle),
		Phase:            s.Phase,
		ParticipantCount: s.ParticipantCount,
		EligibleAt:       s.EligibleAt.Format(time.DateOnly),
	}
}

type participationView struct {
	MemberID         int64           `json:"member_id"`
	MemberName       string          `json:"member_name"`
	MemberNo         string          `json:"member_no"`
	Shares           decimal.Decimal `json:"shares"`
	ShareCount       int64           `json:"share_count"`
	Welfare          decimal.Decimal `json:"welfare"`
	Penalties        decimal.Decimal `json:"penalties"`
	LoanTaken        decimal.Decimal `json:"loan_taken"`
	LoanRepaid       decimal.Decimal `json:"loan_repaid"`
	InterestPaid     decimal.Decimal `json:"interest_paid"`
	TransactionCount int             `json:"transaction_count"`
	SharePercentage  decimal.Decimal `json:"share_percentage"`
}

func newParticipationView(p core.MemberParticipation) participationView {
	return participationView{
		MemberID:         p.MemberID,
		MemberName:       p.MemberName,
		MemberNo:         p.MemberNo,
		Shares:           p.Shares,
		ShareCount:       p.ShareCount,
		Welfare:          p.Welfare,
		Penalties:        p.Penalties,
		LoanTaken:        p.LoanTaken,
		LoanRepaid:       p.LoanRepaid,
		InterestPaid:     p.InterestPaid,
		TransactionCount: p.TransactionCount,
		SharePercentage:  p.SharePercentage,
	}
}

type recordView struct {
	ID                      int64             `json:"id"`
	MemberID                int64             `json:"member_id"`
	MemberName              string            `json:"member_name"`
	MemberNo                string            `json:"member_no"`
	SharesContributed       decimal.Decimal   `json:"shares_contributed"`
	WelfareContributed      decimal.Decimal   `json:"welfare_contributed"`
	SharePercentage         decimal.Decimal   `json:"share_percentage"`
	ProfitShare             decimal.Decimal   `json:"profit_share"`
	TotalPayout             decimal.Decimal   `json:"total_payout"`
	OutstandingLoanBalance  decimal.Decimal   `json:"outstanding_loan_balance"`
	LoanDeduction           decimal.Decimal   `json:"loan_deduction"`
	NetPayout               decimal.Decimal   `json:"net_payout"`
	PayoutStatus            core.PayoutStatus `json:"payout_status"`
	SettlementTransactionID string            `json:"settlement_transaction_id,omitempty"`
	PaidAt                  *time.Time        `json:"paid_at,omitempty"`
}

type shareOutView struct {
	Cycle   cycleView           `json:"cycle"`
	Records []recordView        `json:"records"`
	Totals  core.ShareOutTotals `json:"totals"`
}

func newShareOutView(d core.ShareOutDetail) shareOutView {
	v := shareOutView{
		Cycle:   newCycleView(d.Cycle),
		Records: make([]recordView, 0, len(d.Records)),
		Totals:  d.Totals,
	}
	for _, r := range d.Records {
		m := d.Members[r.MemberID]
		v.Records = append(v.Records, recordView{
			ID:                      r.ID,
			MemberID:                r.MemberID,
			MemberName:              m.Name,
			MemberNo:                m.MemberNo,
			SharesContributed:       r.SharesContributed,
			WelfareContributed:      r.WelfareContributed,
			SharePercentage:         r.SharePercentage,
			ProfitShare:             r.ProfitShare,
			TotalPayout:             r.TotalPayout,
			OutstandingLoanBalance:  r.OutstandingLoanBalance,
			LoanDeduction:           r.LoanDeduction,
			NetPayout:               r.NetPayout,
			PayoutStatus:            r.PayoutStatus,
			SettlementTransactionID: r.SettlementTransactionID,
			PaidAt:                  r.PaidAt,
		})
	}
	return v
}

type entryView struct {
	ID                   int64            `json:"id"`
	MeetingID            int64            `json:"meeting_id"`
	MemberID             int64            `json:"member_id"`
	Type                 core.EntryType   `json:"type"`
	Amount               decimal.Decimal  `json:"amount"`
	ShareCount           int64            `json:"share_count,omitempty"`
	InterestAmount       decimal.Decimal  `json:"interest_amount"`
	Description          string           `json:"description,omitempty"`
	Status               core.EntryStatus `json:"status"`
	AccountTransactionID string           `json:"account_transaction_id,omitempty"`
	CreatedBy            string           `json:"created_by,omitempty"`
	ApprovedBy           string           `json:"approved_by,omitempty"`
	ApprovedAt           *time.Time       `json:"approved_at,omitempty"`
}

func newEntryView(e core.LedgerEntry) entryView {
	return entryView{
		ID:                   e.ID,
		MeetingID:            e.MeetingID,
		MemberID:             e.MemberID,
		Type:                 e.Type,
		Amount:               e.Amount,
		ShareCount:           e.ShareCount,
		InterestAmount:       e.InterestAmount,
		Description:          e.Description,
		Status:               e.Status,
		AccountTransactionID: e.AccountTransactionID,
		CreatedBy:            e.CreatedBy,
		ApprovedBy:           e.ApprovedBy,
		ApprovedAt:           e.ApprovedAt,
	}
}

func newEntryViews(entries []core.LedgerEntry) []entryView {
	out := make([]entryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, newEntryView(e))
	}
	return out
}

type memberView struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	MemberNo string `json:"member_no"`
}

type meetingView struct {
	ID          int64  `json:"id"`
	MeetingDate string `json:"meeting_date"`
	Notes       string `json:"notes,omitempty"`
}

func newMeetingView(m core.Meeting) meetingView {
	return meetingView{ID: m.ID, MeetingDate: m.Date.Format(time.DateOnly), Notes: m.Notes}
}
