package core

import "fmt"

// NegativePayoutPolicy decides what happens when a member's outstanding loan
// exceeds their gross payout.
type NegativePayoutPolicy string

const (
	// PolicyCarryForward recovers what the payout covers and leaves the rest
	// of the loan on the loan book.
	PolicyCarryForward NegativePayoutPolicy = "carry_forward"
	// PolicyReceivable deducts the whole loan and books the shortfall as a
	// receivable owed by the member.
	PolicyReceivable NegativePayoutPolicy = "receivable"
	// PolicyBlock refuses to pay out while any member is underwater.
	PolicyBlock NegativePayoutPolicy = "block"
)

func (p NegativePayoutPolicy) Validate() error {
	switch p {
	case PolicyCarryForward, PolicyReceivable, PolicyBlock:
		return nil
	default:
		return fmt.Errorf("invalid negative payout policy %q: must be one of [%s %s %s]",
			string(p), PolicyCarryForward, PolicyReceivable, PolicyBlock)
	}
}
