package incoming

import (
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"

	"github.com/nimbuswallet/nimbusd/mpp"
	"github.com/nimbuswallet/nimbusd/outgoing"
)

// ChannelBus routes fulfill and fail commands back to the channel holding
// each HTLC. The channel layer is idempotent under duplicate commands for
// the same HTLC, which the FSMs rely on when reissuing decisions after a
// restart.
type ChannelBus interface {
	// Fulfill claims the HTLC by revealing the preimage to the peer.
	Fulfill(chanID lnwire.ChannelID, htlcID uint64,
		preimage lntypes.Preimage)

	// Fail rejects the HTLC with the given wire failure.
	Fail(chanID lnwire.ChannelID, htlcID uint64,
		failure lnwire.FailureMessage)

	// FailIncorrectDetails rejects the HTLC with the standard
	// unknown-payment failure carrying the HTLC amount and the current
	// height.
	FailIncorrectDetails(chanID lnwire.ChannelID, htlcID uint64,
		amount lnwire.MilliSatoshi, height uint32)
}

// ChainOracle supplies the current best block height. Heights are polled at
// every decision point and must be monotonic.
type ChainOracle interface {
	// BestHeight returns the current best block height.
	BestHeight() uint32
}

// SnapshotSource produces the wallet's periodic consistency snapshot of all
// unresolved HTLCs grouped by payment tag.
type SnapshotSource interface {
	// InFlight assembles a fresh snapshot.
	InFlight() (*InFlightPayments, error)
}

// InFlightPayments is the wallet's periodic consistency snapshot. Each FSM
// reads only the entries for its own tag; a missing entry means no HTLCs of
// that flavor remain.
type InFlightPayments struct {
	// In groups unresolved incoming HTLCs by payment tag. The per-tag
	// list order is snapshot-stable but otherwise unspecified.
	In map[mpp.FullPaymentTag][]mpp.IncomingHtlc

	// Out groups in-flight outgoing attempts by payment tag.
	Out map[mpp.FullPaymentTag][]outgoing.Attempt
}

// Tags returns the union of tags present on either side of the snapshot.
func (s *InFlightPayments) Tags() map[mpp.FullPaymentTag]struct{} {
	tags := make(map[mpp.FullPaymentTag]struct{}, len(s.In)+len(s.Out))
	for tag := range s.In {
		tags[tag] = struct{}{}
	}
	for tag := range s.Out {
		tags[tag] = struct{}{}
	}

	return tags
}
