package cycle

import (
	"errors"
	"testing"

	"vsla/internal/core"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func participant(id int64, shares, welfare string) core.MemberParticipation {
	return core.MemberParticipation{MemberID: id, Shares: dec(shares), Welfare: dec(welfare)}
}

func TestCalculateThirtySeventy(t *testing.T) {
	c := core.Cycle{ID: 1, Totals: core.CycleTotals{
		SharesContributed:    dec("100"),
		WelfareContributed:   dec("20"),
		AvailableForShareOut: dec("135"),
	}}
	records, err := Calculate(CalculationInput{
		Cycle:        c,
		Participants: []core.MemberParticipation{participant(1, "30", "15"), participant(2, "70", "5")},
		Loans:        map[int64]decimal.Decimal{2: dec("20")},
		Policy:       core.PolicyCarryForward,
	})
	if err != nil {
		t.Fatalf("Calculate() error = %v", err)
	}

	want := []struct {
		pct, profit, total, deduction, net string
	}{
		{"30", "4.5", "49.5", "0", "49.5"},
		{"70", "10.5", "85.5", "20", "65.5"},
	}
	for i, w := range want {
		r := records[i]
		if !r.SharePercentage.Equal(dec(w.pct)) || !r.ProfitShare.Equal(dec(w.profit)) ||
			!r.TotalPayout.Equal(dec(w.total)) || !r.LoanDeduction.Equal(dec(w.deduction)) ||
			!r.NetPayout.Equal(dec(w.net)) {
			t.Errorf("record %d = %+v, want %+v", i, r, w)
		}
	}
	if !core.TotalsOf(records).Balanced() {
		t.Fatal("records must balance")
	}
}

func TestCalculateRemainderGoesToLastShareholder(t *testing.T) {
	c := core.Cycle{ID: 1, Totals: core.CycleTotals{
		SharesContributed:    dec("30"),
		AvailableForShareOut: dec("40"),
	}}
	records, err := Calculate(CalculationInput{
		Cycle: c,
		Participants: []core.MemberParticipation{
			participant(1, "10", "0"),
			participant(2, "10", "0"),
			participant(3, "10", "0"),
			participant(4, "0", "0"),
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	wantProfit := []string{"3.33", "3.33", "3.34", "0"}
	for i, w := range wantProfit {
		if !records[i].ProfitShare.Equal(dec(w)) {
			t.Errorf("member %d profit = %s, want %s", records[i].MemberID, records[i].ProfitShare, w)
		}
	}

	totals := core.TotalsOf(records)
	if !totals.ProfitShare.Equal(dec("10")) {
		t.Fatalf("profit shares must add up to the cycle profit, got %s", totals.ProfitShare)
	}
	// 33.333 x 3
	if diff := totals.SharePercentage.Sub(dec("100")).Abs(); diff.GreaterThan(dec("0.003")) {
		t.Fatalf("percentages drift from 100 by %s", diff)
	}
}

func TestCalculatePercentageClosure(t *testing.T) {
	shares := []string{"7", "13", "29", "51", "3", "17"}
	var parts []core.MemberParticipation
	total := decimal.Zero
	for i, s := range shares {
		parts = append(parts, participant(int64(i+1), s, "0"))
		total = total.Add(dec(s))
	}
	c := core.Cycle{ID: 1, Totals: core.CycleTotals{
		SharesContributed:    total,
		AvailableForShareOut: total.Add(dec("23.17")),
	}}
	records, err := Calculate(CalculationInput{Cycle: c, Participants: parts})
	if err != nil {
		t.Fatal(err)
	}
	totals := core.TotalsOf(records)
	if diff := totals.SharePercentage.Sub(dec("100")).Abs(); diff.GreaterThan(dec("0.01")) {
		t.Errorf("percentages sum to %s", totals.SharePercentage)
	}
	if !totals.ProfitShare.Equal(dec("23.17")) {
		t.Errorf("profit shares sum to %s, want 23.17", totals.ProfitShare)
	}
	if !totals.TotalPayout.Equal(c.Totals.AvailableForShareOut) {
		t.Errorf("total payout %s, want %s", totals.TotalPayout, c.Totals.AvailableForShareOut)
	}
}

func TestCalculateNoParticipants(t *testing.T) {
	_, err := Calculate(CalculationInput{
		Cycle:        core.Cycle{ID: 9},
		Participants: []core.MemberParticipation{participant(1, "0", "5")},
	})
	var npe *core.NoParticipantsError
	if !errors.As(err, &npe) || npe.CycleID != 9 {
		t.Fatalf("expected NoParticipantsError for cycle 9, got %v", err)
	}
}

func TestCalculateAdministrativeCostAboveSavings(t *testing.T) {
	// Shares 10 + 90, welfare 5 for member 1, no income, admin cost 120.
	c := core.Cycle{ID: 4, AdministrativeCost: dec("120"), Totals: core.CycleTotals{
		SharesContributed:    dec("100"),
		WelfareContributed:   dec("5"),
		AvailableForShareOut: dec("-15"),
	}}
	for _, policy := range []core.NegativePayoutPolicy{core.PolicyCarryForward, core.PolicyReceivable, core.PolicyBlock} {
		t.Run(string(policy), func(t *testing.T) {
			records, err := Calculate(CalculationInput{
				Cycle:        c,
				Participants: []core.MemberParticipation{participant(1, "10", "5"), participant(2, "90", "0")},
				Policy:       policy,
			})
			var verr *core.ValidationError
			if !errors.As(err, &verr) || records != nil {
				t.Fatalf("expected ValidationError and no records, got %v (%d records)", err, len(records))
			}
			if len(verr.Problems) != 1 || verr.Problems[0].Field != "member_2" {
				t.Fatalf("expected member 2 named, got %v", verr)
			}
		})
	}
}

func TestLoanDeductionPolicies(t *testing.T) {
	tests := []struct {
		policy         core.NegativePayoutPolicy
		loan, total    string
		deduction, net string
	}{
		{core.PolicyCarryForward, "20", "85.5", "20", "65.5"},
		{core.PolicyCarryForward, "100", "12", "12", "0"},
		{core.PolicyReceivable, "100", "12", "100", "-88"},
		{core.PolicyBlock, "100", "12", "100", "-88"},
		{core.PolicyReceivable, "0", "12", "0", "12"},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy)+"_"+tt.loan, func(t *testing.T) {
			d := loanDeduction(tt.policy, dec(tt.loan), dec(tt.total))
			if !d.Equal(dec(tt.deduction)) {
				t.Fatalf("deduction = %s, want %s", d, tt.deduction)
			}
			if net := dec(tt.total).Sub(d); !net.Equal(dec(tt.net)) {
				t.Fatalf("net = %s, want %s", net, tt.net)
			}
		})
	}
}
