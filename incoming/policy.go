package incoming

import (
	"math"
	"time"

	"github.com/lightningnetwork/lnd/lnwire"
)

const (
	// DefaultFinalCltvRejectDelta is the number of blocks before an
	// incoming HTLC's expiry at which we refuse to reveal a preimage for
	// a terminal payment. Claiming closer to expiry risks a race with
	// the peer's on-chain timeout.
	DefaultFinalCltvRejectDelta = 9

	// DefaultMppTimeout is how long we hold a partial multi-part set
	// waiting for the remaining parts before giving up. It only needs to
	// exceed realistic peer retransmission delays.
	DefaultMppTimeout = 60 * time.Second
)

// RelayParams are the advertised parameters of this node's trampoline
// relay service.
type RelayParams struct {
	// BaseMsat is the flat fee component.
	BaseMsat lnwire.MilliSatoshi

	// Proportional is the linear fee component in millionths of the
	// relayed amount.
	Proportional uint64

	// Exponent and LogExponentFactor shape the non-linear surcharge on
	// top of the linear fee. With Exponent 1 and LogExponentFactor 1 the
	// fee degenerates to the familiar base plus proportional schedule.
	Exponent          float64
	LogExponentFactor float64

	// CltvDelta is the expiry margin we keep between the incoming set
	// and the onward payment.
	CltvDelta uint32

	// MinimumMsat is the smallest amount we agree to forward.
	MinimumMsat lnwire.MilliSatoshi
}

// DefaultRelayParams returns a conservative trampoline fee schedule.
func DefaultRelayParams() RelayParams {
	return RelayParams{
		BaseMsat:          1000,
		Proportional:      1000,
		Exponent:          1.0,
		LogExponentFactor: 1.0,
		CltvDelta:         144,
		MinimumMsat:       1000,
	}
}

// RelayFee returns the fee we require for relaying amtIn. The schedule is
// base + linear^exponent / logExponentFactor, which is monotonic
// non-decreasing in amtIn for any exponent above zero.
func (p RelayParams) RelayFee(amtIn lnwire.MilliSatoshi) lnwire.MilliSatoshi {
	linear := uint64(amtIn) * p.Proportional / 1_000_000

	exponent := p.Exponent
	if exponent == 0 {
		exponent = 1
	}
	logFactor := p.LogExponentFactor
	if logFactor == 0 {
		logFactor = 1
	}

	surcharge := math.Pow(float64(linear), exponent) / logFactor

	return p.BaseMsat + lnwire.MilliSatoshi(surcharge)
}
