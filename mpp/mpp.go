package mpp

import (
	"fmt"

	sphinx "github.com/lightningnetwork/lightning-onion"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/routing/route"
	"github.com/lightningnetwork/lnd/zpay32"
)

// Kind partitions incoming payments by what this node is expected to do with
// them once the full multi-part set has arrived.
type Kind uint8

const (
	// FinalIncoming is a payment whose final destination is this node.
	FinalIncoming Kind = iota

	// TrampolineRouted is a payment that transits this node toward
	// another recipient, with the onward route computed locally.
	TrampolineRouted
)

// String returns a human-readable Kind.
func (k Kind) String() string {
	switch k {
	case FinalIncoming:
		return "final_incoming"
	case TrampolineRouted:
		return "trampoline_routed"
	}

	return "unknown"
}

// Secret is a 32-byte payment secret (payment address) shared by all parts of
// a multi-part set.
type Secret [32]byte

// FullPaymentTag uniquely identifies a logical incoming payment. Two payments
// reusing the same hash remain distinct as long as their secret or kind
// differ, which is why equality is defined over all three fields.
type FullPaymentTag struct {
	// PaymentHash is the hash whose preimage settles every part.
	PaymentHash lntypes.Hash

	// PaymentSecret binds the parts of one multi-part set together.
	PaymentSecret Secret

	// Kind tells whether the set terminates here or is relayed onward.
	Kind Kind
}

// String returns a compact representation used in logs.
func (t FullPaymentTag) String() string {
	return fmt.Sprintf("%v(%v)", t.Kind, t.PaymentHash)
}

// Htlc is the channel-level view of a single incoming HTLC, common to both
// payment kinds.
type Htlc struct {
	// ChanID is the channel the HTLC was offered on.
	ChanID lnwire.ChannelID

	// ID is the HTLC index within that channel.
	ID uint64

	// Amount is the amount offered by this part alone.
	Amount lnwire.MilliSatoshi

	// CltvExpiry is the absolute block height after which the remote peer
	// can reclaim this HTLC.
	CltvExpiry uint32
}

// IncomingHtlc is a decoded, validated incoming HTLC. The concrete type
// depends on the payment kind carried in the onion payload.
type IncomingHtlc interface {
	// Add returns the kind-independent channel-level view.
	Add() Htlc
}

// LocalHtlc is an incoming HTLC terminating at this node.
type LocalHtlc struct {
	Htlc

	// TotalAmount is the amount the whole multi-part set is expected to
	// carry, as advertised by the sender in the final onion payload.
	TotalAmount lnwire.MilliSatoshi
}

// Add returns the channel-level view of the HTLC.
func (h *LocalHtlc) Add() Htlc {
	return h.Htlc
}

// TrampolineOuter is the outer onion payload of a routed HTLC, addressed to
// this node.
type TrampolineOuter struct {
	// TotalAmount is the amount the whole incoming set is expected to
	// carry before we forward anything.
	TotalAmount lnwire.MilliSatoshi
}

// TrampolineInner is the inner payload of a routed HTLC, instructing this
// node how to construct the onward payment.
type TrampolineInner struct {
	// AmtToForward is the amount the next node must receive.
	AmtToForward lnwire.MilliSatoshi

	// OutgoingCltv is the absolute expiry the onward payment must carry.
	OutgoingCltv uint32

	// OutgoingNodeID is the node the onward payment is addressed to.
	OutgoingNodeID route.Vertex

	// PaymentSecret is the secret to attach to the onward payment when
	// relaying directly to a non-trampoline recipient.
	PaymentSecret fn.Option[Secret]

	// InvoiceFeatures are the recipient's invoice features. Presence
	// means the sender is asking us to relay to a non-trampoline
	// recipient.
	InvoiceFeatures fn.Option[*lnwire.RawFeatureVector]

	// RoutingHints are the assisted-route hints from the recipient's
	// invoice, if any were passed along.
	RoutingHints [][]zpay32.HopHint
}

// TrampolineHtlc is an incoming HTLC that transits this node.
type TrampolineHtlc struct {
	Htlc

	// Outer is the payload addressed to us.
	Outer TrampolineOuter

	// Inner is the forwarding instruction addressed to us.
	Inner TrampolineInner

	// NextPacket is the opaque onion to hand to the next trampoline
	// node, when the onward hop is itself a trampoline.
	NextPacket *sphinx.OnionPacket
}

// Add returns the channel-level view of the HTLC.
func (h *TrampolineHtlc) Add() Htlc {
	return h.Htlc
}

// TotalIn sums the amounts of the given incoming HTLCs.
func TotalIn(htlcs []IncomingHtlc) lnwire.MilliSatoshi {
	var total lnwire.MilliSatoshi
	for _, h := range htlcs {
		total += h.Add().Amount
	}

	return total
}
