package outgoing

import (
	"bytes"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/record"
	"github.com/lightningnetwork/lnd/routing/route"
	"github.com/lightningnetwork/lnd/tlv"
	"github.com/lightningnetwork/lnd/zpay32"

	"github.com/nimbuswallet/nimbusd/mpp"
)

// trampolineOnionType is the TLV type carrying the opaque onion packet
// destined for the next trampoline node in the onward onion payload.
const trampolineOnionType tlv.Type = 66100

// Attempt is one in-flight part of an outgoing multipart payment.
type Attempt struct {
	// AttemptID is the unique ID used for this attempt.
	AttemptID uint64

	// Amount is the amount the receiver of this part obtains.
	Amount lnwire.MilliSatoshi

	// Fee is the routing fee this part spends.
	Fee lnwire.MilliSatoshi

	// CltvExpiry is the absolute expiry of the first hop of this part.
	CltvExpiry uint32
}

// LocalReason is the reason an outgoing part failed without any remote node
// reporting an error.
type LocalReason byte

const (
	// LocalNoRoutesFound is recorded when path finding could not produce
	// a route within the fee and cltv limits.
	LocalNoRoutesFound LocalReason = 0

	// LocalTimeout is recorded when an attempt expired locally before a
	// result came back.
	LocalTimeout LocalReason = 1

	// LocalChannelOffline is recorded when the selected outgoing channel
	// was unusable at send time.
	LocalChannelOffline LocalReason = 2
)

// String returns a human-readable LocalReason.
func (r LocalReason) String() string {
	switch r {
	case LocalNoRoutesFound:
		return "no_routes_found"
	case LocalTimeout:
		return "timeout"
	case LocalChannelOffline:
		return "channel_offline"
	}

	return "unknown"
}

// Failure describes why one outgoing part failed. A failure is either local,
// produced by our own sender, or remote, reported by a node on the route.
type Failure struct {
	// Local is the local reason, set only for local failures.
	Local fn.Option[LocalReason]

	// Origin is the node that produced the remote failure message. Only
	// meaningful when Msg is set.
	Origin route.Vertex

	// Msg is the decrypted wire failure reported by Origin.
	Msg lnwire.FailureMessage
}

// NewLocalFailure wraps a local sender failure.
func NewLocalFailure(reason LocalReason) Failure {
	return Failure{Local: fn.Some(reason)}
}

// NewRemoteFailure wraps a failure message reported by a node on the route.
func NewRemoteFailure(origin route.Vertex,
	msg lnwire.FailureMessage) Failure {

	return Failure{Origin: origin, Msg: msg}
}

// IsRemote is true when the failure carries a remote failure message.
func (f Failure) IsRemote() bool {
	return f.Msg != nil
}

// SenderData is the terminal report of an outgoing multipart payment whose
// parts have all failed.
type SenderData struct {
	// Tag identifies the payment the report belongs to.
	Tag mpp.FullPaymentTag

	// Failures collects the failures of all attempted parts.
	Failures []Failure
}

// RemoteFulfill notifies that a downstream peer fulfilled one of our
// outgoing parts, revealing the preimage.
type RemoteFulfill struct {
	// PaymentHash is the hash of the fulfilled part.
	PaymentHash lntypes.Hash

	// Preimage is the revealed preimage.
	Preimage lntypes.Preimage
}

// SendMultiPart instructs the sender to dispatch a multipart payment.
type SendMultiPart struct {
	// Tag is the incoming payment this send is correlated with.
	Tag mpp.FullPaymentTag

	// MaxCltv is the largest cltv delta path finding may spend across
	// the whole route.
	MaxCltv uint32

	// Destination is the node the payment is addressed to.
	Destination route.Vertex

	// OnionTotal is the total amount advertised in the final payload.
	OnionTotal lnwire.MilliSatoshi

	// ActualTotal is the amount the parts must add up to.
	ActualTotal lnwire.MilliSatoshi

	// FeeReserve is the upper bound on routing fees the sender may
	// spend.
	FeeReserve lnwire.MilliSatoshi

	// OutgoingCltv is the absolute expiry the destination must see.
	OutgoingCltv uint32

	// AllowedChans restricts the set of local channels the parts may
	// leave through. Empty means all operational channels.
	AllowedChans []lnwire.ChannelID

	// AssistedEdges are extra graph edges from the recipient invoice,
	// set when relaying to a non-trampoline recipient.
	AssistedEdges [][]zpay32.HopHint

	// PaymentSecret is the secret carried in the final payload.
	PaymentSecret mpp.Secret

	// TrampolineOnion is the encoded onion for the next trampoline node,
	// set when the destination is itself a trampoline. Nil otherwise.
	TrampolineOnion []byte
}

// MPPRecord returns the MPP record the final payload must carry.
func (c *SendMultiPart) MPPRecord() *record.MPP {
	return record.NewMPP(c.OnionTotal, [32]byte(c.PaymentSecret))
}

// OnionTlvs returns the extra TLV records to attach to the final payload.
// For trampoline-to-trampoline sends this carries the inner onion; for
// direct relays there is nothing extra.
func (c *SendMultiPart) OnionTlvs() []tlv.Record {
	if len(c.TrampolineOnion) == 0 {
		return nil
	}

	onion := bytes.Clone(c.TrampolineOnion)
	return []tlv.Record{
		tlv.MakePrimitiveRecord(trampolineOnionType, &onion),
	}
}

// Sender is the outgoing multipart payment machinery the incoming FSMs
// coordinate with. Terminal outcomes are delivered asynchronously to the
// registered listeners, never synchronously from these calls.
type Sender interface {
	// CreateSenderFSM prepares a sender state machine bound to the tag.
	CreateSenderFSM(tag mpp.FullPaymentTag)

	// RemoveSenderFSM tears down the sender state machine for the tag.
	RemoveSenderFSM(tag mpp.FullPaymentTag)

	// SendMultiPart dispatches the multipart payment described by cmd.
	SendMultiPart(cmd *SendMultiPart)

	// UsedFee reports the fee spent by the settled parts of the tag's
	// payment.
	UsedFee(tag mpp.FullPaymentTag) lnwire.MilliSatoshi

	// AddListener registers a listener for sender events.
	AddListener(l Listener)

	// RemoveListener removes a previously registered listener.
	RemoveListener(l Listener)
}

// Listener receives asynchronous sender events. Implementations must treat
// the callbacks as cross-actor messages and enqueue them rather than act
// inline.
type Listener interface {
	// OnSenderData is invoked once all parts of a payment have failed.
	OnSenderData(data *SenderData)

	// OnRemoteFulfill is invoked when any part is fulfilled downstream.
	OnRemoteFulfill(fulfill *RemoteFulfill)
}
