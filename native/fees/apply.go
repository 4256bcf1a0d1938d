package fees

import (
	"fmt"

	"github.com/holiman/uint256"
)

const (
	// BpsDenominator is the basis point scale used by every fee rate.
	BpsDenominator = 10_000

	// DefaultPlatformFeeBps charges 0.5% (5 per mille) on releasing transfers.
	DefaultPlatformFeeBps uint32 = 50
)

// Policy captures the platform fee configuration applied to releasing
// transfers.
type Policy struct {
	FeeBps   uint32
	Treasury [20]byte
}

// DefaultPolicy returns the standard 0.5% policy routed to the supplied
// treasury.
func DefaultPolicy(treasury [20]byte) Policy {
	return Policy{FeeBps: DefaultPlatformFeeBps, Treasury: treasury}
}

// Validate checks the rate is within range and a treasury is configured.
func (p Policy) Validate() error {
	if p.FeeBps > BpsDenominator {
		return fmt.Errorf("fees: fee bps out of range: %d", p.FeeBps)
	}
	if p.FeeBps > 0 && p.Treasury == ([20]byte{}) {
		return fmt.Errorf("fees: treasury not configured")
	}
	return nil
}

// Result summarises the split of a gross releasing transfer.
type Result struct {
	Gross    uint64
	Fee      uint64
	Net      uint64
	Treasury [20]byte
}

// Apply evaluates the policy against the gross amount.
func (p Policy) Apply(gross uint64) Result {
	net, fee := ComputeFee(gross, p.FeeBps)
	return Result{Gross: gross, Fee: fee, Net: net, Treasury: p.Treasury}
}

// ComputeFee splits amount into the recipient's net share and the platform
// fee using floor division: fee = floor(amount * bps / 10_000). The product is
// computed in 256 bits so it cannot overflow for any uint64 amount.
func ComputeFee(amount uint64, bps uint32) (net, fee uint64) {
	if amount == 0 || bps == 0 {
		return amount, 0
	}
	if bps >= BpsDenominator {
		return 0, amount
	}
	product := new(uint256.Int).Mul(uint256.NewInt(amount), uint256.NewInt(uint64(bps)))
	product.Div(product, uint256.NewInt(BpsDenominator))
	fee = product.Uint64()
	return amount - fee, fee
}
