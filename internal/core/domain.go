package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	SharePurchase       EntryType = "share_purchase"
	LoanIssuance        EntryType = "loan_issuance"
	LoanRepayment       EntryType = "loan_repayment"
	PenaltyFine         EntryType = "penalty_fine"
	WelfareContribution EntryType = "welfare_contribution"
)

const (
	EntryPending  EntryStatus = "pending"
	EntryApproved EntryStatus = "approved"
	EntryRejected EntryStatus = "rejected"
)

const (
	PayoutCalculated PayoutStatus = "calculated"
	PayoutApproved   PayoutStatus = "approved"
	PayoutPaid       PayoutStatus = "paid"
)

const (
	Credit Direction = "credit"
	Debit  Direction = "debit"
)

// Account transaction types that do not originate from a meeting entry.
const (
	SettlementPayout = "settlement_payout"
	LoanOffset       = "loan_offset"
	PayoutReceivable = "payout_receivable"
)

type (
	EntryType    string
	EntryStatus  string
	PayoutStatus string
	Direction    string

	Member struct {
		ID       int64
		Name     string
		MemberNo string
	}

	Meeting struct {
		ID    int64
		Date  time.Time
		Notes string
	}

	// CycleTotals are derived by the aggregator and never edited by hand.
	CycleTotals struct {
		SharesContributed    decimal.Decimal `json:"total_shares_contributed"`
		WelfareContributed   decimal.Decimal `json:"total_welfare_contributed"`
		PenaltiesCollected   decimal.Decimal `json:"total_penalties_collected"`
		LoanInterestEarned   decimal.Decimal `json:"total_loan_interest_earned"`
		AvailableForShareOut decimal.Decimal `json:"total_available_for_shareout"`
	}

	Cycle struct {
		ID                 int64
		Name               string
		StartDate          time.Time
		EndDate            time.Time
		Status             CycleStatus
		Totals             CycleTotals
		SharePrice         decimal.Decimal
		AdministrativeCost decimal.Decimal
		ShareOutDate       *time.Time
		Notes              string
		Version            int64
		CreatedAt          time.Time
		UpdatedAt          time.Time
	}

	LedgerEntry struct {
		ID                   int64
		MeetingID            int64
		MemberID             int64
		Type                 EntryType
		Amount               decimal.Decimal
		ShareCount           int64
		InterestAmount       decimal.Decimal
		Description          string
		Status               EntryStatus
		AccountTransactionID string
		CreatedBy            string
		ApprovedBy           string
		ApprovedAt           *time.Time
		CreatedAt            time.Time
		UpdatedAt            time.Time
	}

	ShareOutRecord struct {
		ID                      int64
		CycleID                 int64
		MemberID                int64
		SharesContributed       decimal.Decimal
		WelfareContributed      decimal.Decimal
		SharePercentage         decimal.Decimal
		ProfitShare             decimal.Decimal
		TotalPayout             decimal.Decimal
		OutstandingLoanBalance  decimal.Decimal
		LoanDeduction           decimal.Decimal
		NetPayout               decimal.Decimal
		PayoutStatus            PayoutStatus
		SettlementTransactionID string
		PaidAt                  *time.Time
	}

	// AccountTransaction is a row materialized in the member account ledger.
	AccountTransaction struct {
		ID         string
		MemberID   int64
		Amount     decimal.Decimal
		Direction  Direction
		Type       string
		Meta       map[string]string
		ReversesID string
		ReversedAt *time.Time
		CreatedAt  time.Time
	}
)

var (
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidEntryType  = errors.New("invalid entry type")
	ErrEmptyName         = errors.New("empty name")
	ErrInvalidDateRange  = errors.New("end date must be after start date")
	ErrNotFound          = errors.New("not found")
	ErrActiveCycleExists = errors.New("another cycle is already active")
)

// EntryTypes lists every ledger entry type in a stable order.
func EntryTypes() []EntryType {
	return []EntryType{SharePurchase, LoanIssuance, LoanRepayment, PenaltyFine, WelfareContribution}
}

func (t EntryType) Validate() error {
	switch t {
	case SharePurchase, LoanIssuance, LoanRepayment, PenaltyFine, WelfareContribution:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidEntryType, string(t))
	}
}

// Direction returns the cash-box direction of a materialized entry: money
// paid in by a member is a credit, money handed out is a debit.
func (t EntryType) Direction() Direction {
	if t == LoanIssuance {
		return Debit
	}
	return Credit
}

// Signed returns the amount with a debit expressed as a negative value.
func (tx AccountTransaction) Signed() decimal.Decimal {
	if tx.Direction == Debit {
		return tx.Amount.Neg()
	}
	return tx.Amount
}

func (m Member) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return ErrEmptyName
	}
	if strings.TrimSpace(m.MemberNo) == "" {
		return errors.New("empty member number")
	}
	return nil
}

func (c Cycle) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return ErrEmptyName
	}
	if c.StartDate.IsZero() || c.EndDate.IsZero() {
		return errors.New("cycle dates cannot be zero")
	}
	if !c.EndDate.After(c.StartDate) {
		return ErrInvalidDateRange
	}
	if c.SharePrice.IsNegative() || c.SharePrice.IsZero() {
		return fmt.Errorf("%w: share price must be positive", ErrInvalidAmount)
	}
	return nil
}

// Covers reports whether a meeting date falls inside the cycle window,
// both bounds included.
func (c Cycle) Covers(date time.Time) bool {
	d := DateOnly(date)
	return !d.Before(DateOnly(c.StartDate)) && !d.After(DateOnly(c.EndDate))
}

// DateOnly truncates a time to midnight UTC of the same calendar day.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
