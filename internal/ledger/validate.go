package ledger

import (
	"fmt"
	"strings"

	"vsla/internal/config"
	"vsla/internal/core"

	"github.com/shopspring/decimal"
)

// Rules are the association settings the ledger validates against.
type Rules struct {
	SharePrice     decimal.Decimal
	MinShares      int64
	MaxShares      int64
	DefaultPenalty decimal.Decimal
	DefaultWelfare decimal.Decimal
}

func RulesFromSettings(s config.Settings) Rules {
	return Rules{
		SharePrice:     s.SharePrice,
		MinShares:      s.MinSharesPerMeeting,
		MaxShares:      s.MaxSharesPerMeeting,
		DefaultPenalty: s.DefaultPenaltyAmount,
		DefaultWelfare: s.DefaultWelfareAmount,
	}
}

// EntryInput is one row of a bulk submission. Amounts are decimal strings.
type EntryInput struct {
	MemberID       int64          `json:"member_id"`
	Type           core.EntryType `json:"type"`
	Amount         string         `json:"amount,omitempty"`
	ShareCount     int64          `json:"share_count,omitempty"`
	InterestAmount string         `json:"interest_amount,omitempty"`
	Description    string         `json:"description,omitempty"`
}

type slot struct {
	memberID int64
	typ      core.EntryType
}

// build turns a row into an entry, recording every problem under row.
// sharePrice is the price in force at the meeting date.
func (r Rules) build(row int, in EntryInput, sharePrice decimal.Decimal, verr *core.ValidationError) core.LedgerEntry {
	e := core.LedgerEntry{
		MemberID:    in.MemberID,
		Type:        in.Type,
		ShareCount:  in.ShareCount,
		Description: strings.TrimSpace(in.Description),
	}

	if err := in.Type.Validate(); err != nil {
		verr.Add(row, "type", err.Error())
		return e
	}

	if in.Type == core.SharePurchase {
		if in.ShareCount < r.MinShares || in.ShareCount > r.MaxShares {
			verr.Add(row, "share_count", fmt.Sprintf("must be between %d and %d", r.MinShares, r.MaxShares))
		}
		e.Amount = core.RoundMoney(sharePrice.Mul(decimal.NewFromInt(in.ShareCount)))
		if in.Amount != "" {
			given, err := core.ParseAmount(in.Amount)
			if err != nil {
				verr.Add(row, "amount", "must be a positive decimal")
			} else if !given.Equal(e.Amount) {
				verr.Add(row, "amount", fmt.Sprintf("must equal share_count x share price (%s)", core.FormatMoney(e.Amount)))
			}
		}
	} else {
		if in.ShareCount != 0 {
			verr.Add(row, "share_count", "only applies to share_purchase")
		}
		e.Amount = r.amount(row, in, verr)
	}

	e.InterestAmount = decimal.Zero
	if !isZeroText(in.InterestAmount) {
		if in.Type != core.LoanRepayment {
			verr.Add(row, "interest_amount", "only applies to loan_repayment")
		} else if interest, err := core.ParseAmount(in.InterestAmount); err != nil {
			verr.Add(row, "interest_amount", "must be a positive decimal")
		} else if interest.GreaterThan(e.Amount) {
			verr.Add(row, "interest_amount", "cannot exceed amount")
		} else {
			e.InterestAmount = interest
		}
	}
	return e
}

func (r Rules) amount(row int, in EntryInput, verr *core.ValidationError) decimal.Decimal {
	if in.Amount == "" {
		var def decimal.Decimal
		switch in.Type {
		case core.PenaltyFine:
			def = r.DefaultPenalty
		case core.WelfareContribution:
			def = r.DefaultWelfare
		}
		if def.IsPositive() {
			return core.RoundMoney(def)
		}
		verr.Add(row, "amount", "is required")
		return decimal.Zero
	}
	a, err := core.ParseAmount(in.Amount)
	if err != nil {
		verr.Add(row, "amount", "must be a positive decimal")
		return decimal.Zero
	}
	return a
}

func isZeroText(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return true
	}
	d, err := decimal.NewFromString(s)
	return err == nil && d.IsZero()
}

// inputOf is the inverse of build, used to re-validate an edited entry.
// Share purchase amounts are derived, so they are left out.
func inputOf(e core.LedgerEntry) EntryInput {
	in := EntryInput{
		MemberID:    e.MemberID,
		Type:        e.Type,
		ShareCount:  e.ShareCount,
		Description: e.Description,
	}
	if e.Type != core.SharePurchase {
		in.Amount = e.Amount.String()
	}
	if e.InterestAmount.IsPositive() {
		in.InterestAmount = e.InterestAmount.String()
	}
	return in
}
