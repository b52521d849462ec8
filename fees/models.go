package fees

// Kind selects how a policy prices a settlement.
type Kind string

const (
	// KindBps charges a proportional fee in basis points.
	KindBps Kind = "bps"
	// KindFlat charges a fixed fee regardless of amount.
	KindFlat Kind = "flat"
)

// BpsDenominator converts basis points to a fraction.
const BpsDenominator = 10_000

// Policy mirrors the fee_policies table. Each deployed policy has its own
// address; the FEE_MANAGER registry binding selects which one is live.
type Policy struct {
	Address  string
	Kind     Kind
	FeeBps   int32
	FlatFee  int64
	Treasury string
}

// FeeFor computes the platform fee for a settlement amount. Proportional
// fees use floor division, so fee + net always reconstructs the amount.
func (p Policy) FeeFor(amount int64) int64 {
	if amount <= 0 {
		return 0
	}
	switch p.Kind {
	case KindFlat:
		if p.FlatFee >= amount {
			return amount
		}
		return p.FlatFee
	default:
		// Split to stay within int64 for any representable amount.
		bps := int64(p.FeeBps)
		return (amount/BpsDenominator)*bps + (amount%BpsDenominator)*bps/BpsDenominator
	}
}
