package incoming

import (
	"github.com/lightningnetwork/lnd/lnwire"
)

const (
	// CodeTrampolineFeeInsufficient is returned when the incoming set
	// does not leave enough margin to pay the configured relay fee.
	CodeTrampolineFeeInsufficient = lnwire.FailCode(lnwire.FlagNode | 51)

	// CodeTrampolineExpiryTooSoon is returned when the expiry delta
	// between the incoming set and the requested outgoing expiry is too
	// small to relay safely.
	CodeTrampolineExpiryTooSoon = lnwire.FailCode(lnwire.FlagNode | 52)
)

// FailTrampolineFeeInsufficient is returned when the fee margin of an
// incoming set is below what we charge for computing and dispatching the
// onward payment.
type FailTrampolineFeeInsufficient struct{}

// Code returns the failure unique code.
func (f *FailTrampolineFeeInsufficient) Code() lnwire.FailCode {
	return CodeTrampolineFeeInsufficient
}

// Returns a human readable string describing the target FailureMessage.
func (f *FailTrampolineFeeInsufficient) Error() string {
	return "TrampolineFeeInsufficient"
}

// FailTrampolineExpiryTooSoon is returned when the cltv budget of an
// incoming set is too tight to build the onward payment.
type FailTrampolineExpiryTooSoon struct{}

// Code returns the failure unique code.
func (f *FailTrampolineExpiryTooSoon) Code() lnwire.FailCode {
	return CodeTrampolineExpiryTooSoon
}

// Returns a human readable string describing the target FailureMessage.
func (f *FailTrampolineExpiryTooSoon) Error() string {
	return "TrampolineExpiryTooSoon"
}
