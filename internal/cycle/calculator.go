package cycle

import (
	"fmt"
	"strconv"

	"vsla/internal/core"

	"github.com/shopspring/decimal"
)

// CalculationInput is everything the share-out calculation depends on.
// Participants must be ordered by member id.
type CalculationInput struct {
	Cycle        core.Cycle
	Participants []core.MemberParticipation
	Loans        map[int64]decimal.Decimal
	Policy       core.NegativePayoutPolicy
}

// Calculate splits the cycle profit between participants in proportion to
// their shares. The last member with shares absorbs the rounding remainder so
// profit shares add up to the cycle profit exactly.
//
// A member's gross payout is never negative: when the administrative cost
// eats into a member's savings past zero the calculation fails with a
// *core.ValidationError naming that member, and nothing is written.
func Calculate(in CalculationInput) ([]core.ShareOutRecord, error) {
	totals := in.Cycle.Totals
	totalShares := decimal.Zero
	last := -1
	for i, p := range in.Participants {
		totalShares = totalShares.Add(p.Shares)
		if p.Shares.IsPositive() {
			last = i
		}
	}
	if !totalShares.IsPositive() {
		return nil, &core.NoParticipantsError{CycleID: in.Cycle.ID}
	}

	profit := totals.AvailableForShareOut.Sub(totals.SharesContributed).Sub(totals.WelfareContributed)
	distributed := decimal.Zero

	records := make([]core.ShareOutRecord, 0, len(in.Participants))
	verr := &core.ValidationError{}
	for i, p := range in.Participants {
		pct := core.Percentage(p.Shares, totalShares)
		var share decimal.Decimal
		switch {
		case i == last:
			share = profit.Sub(distributed)
		case p.Shares.IsPositive():
			share = core.ApplyPercentage(profit, pct)
		default:
			share = decimal.Zero
		}
		distributed = distributed.Add(share)

		total := core.Sum(p.Shares, p.Welfare, share)
		if total.IsNegative() {
			verr.Add(-1, "member_"+strconv.FormatInt(p.MemberID, 10),
				fmt.Sprintf("administrative cost %s leaves a gross payout of %s",
					core.FormatMoney(in.Cycle.AdministrativeCost), core.FormatMoney(total)))
		}
		loan := in.Loans[p.MemberID]
		if loan.IsNegative() {
			loan = decimal.Zero
		}
		deduction := loanDeduction(in.Policy, loan, total)

		records = append(records, core.ShareOutRecord{
			CycleID:                in.Cycle.ID,
			MemberID:               p.MemberID,
			SharesContributed:      p.Shares,
			WelfareContributed:     p.Welfare,
			SharePercentage:        pct,
			ProfitShare:            share,
			TotalPayout:            total,
			OutstandingLoanBalance: loan,
			LoanDeduction:          deduction,
			NetPayout:              total.Sub(deduction),
			PayoutStatus:           core.PayoutCalculated,
		})
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	return records, nil
}

// loanDeduction is the part of the loan recovered from a non-negative gross
// payout.
func loanDeduction(policy core.NegativePayoutPolicy, loan, total decimal.Decimal) decimal.Decimal {
	if policy == core.PolicyCarryForward || policy == "" {
		return decimal.Min(loan, total)
	}
	return loan
}
