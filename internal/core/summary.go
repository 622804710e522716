package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// MemberParticipation is one member's activity inside a cycle window.
type MemberParticipation struct {
	MemberID         int64
	MemberName       string
	MemberNo         string
	Shares           decimal.Decimal
	ShareCount       int64
	Welfare          decimal.Decimal
	Penalties        decimal.Decimal
	LoanTaken        decimal.Decimal
	LoanRepaid       decimal.Decimal
	InterestPaid     decimal.Decimal
	TransactionCount int
	SharePercentage  decimal.Decimal
}

// CycleSummary is the read model behind the cycle summary endpoint.
type CycleSummary struct {
	Cycle            Cycle
	Phase            Phase
	ParticipantCount int
	EligibleAt       time.Time
}

// ShareOutTotals is the totals row of a share-out. Every money column equals
// the sum of the same column across the records.
type ShareOutTotals struct {
	SharesContributed      decimal.Decimal `json:"shares_contributed"`
	WelfareContributed     decimal.Decimal `json:"welfare_contributed"`
	SharePercentage        decimal.Decimal `json:"share_percentage"`
	ProfitShare            decimal.Decimal `json:"profit_share"`
	TotalPayout            decimal.Decimal `json:"total_payout"`
	OutstandingLoanBalance decimal.Decimal `json:"outstanding_loan_balance"`
	LoanDeduction          decimal.Decimal `json:"loan_deduction"`
	NetPayout              decimal.Decimal `json:"net_payout"`
}

// TotalsOf sums the records column by column.
func TotalsOf(records []ShareOutRecord) ShareOutTotals {
	var t ShareOutTotals
	for _, r := range records {
		t.SharesContributed = t.SharesContributed.Add(r.SharesContributed)
		t.WelfareContributed = t.WelfareContributed.Add(r.WelfareContributed)
		t.SharePercentage = t.SharePercentage.Add(r.SharePercentage)
		t.ProfitShare = t.ProfitShare.Add(r.ProfitShare)
		t.TotalPayout = t.TotalPayout.Add(r.TotalPayout)
		t.OutstandingLoanBalance = t.OutstandingLoanBalance.Add(r.OutstandingLoanBalance)
		t.LoanDeduction = t.LoanDeduction.Add(r.LoanDeduction)
		t.NetPayout = t.NetPayout.Add(r.NetPayout)
	}
	return t
}

// Balanced reports whether net payouts plus recovered loans equal gross payouts.
func (t ShareOutTotals) Balanced() bool {
	return t.NetPayout.Add(t.LoanDeduction).Equal(t.TotalPayout)
}

// ShareOutDetail is the post-calculation view of a cycle.
type ShareOutDetail struct {
	Cycle   Cycle
	Members map[int64]Member
	Records []ShareOutRecord
	Totals  ShareOutTotals
}
