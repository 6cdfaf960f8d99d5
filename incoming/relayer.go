package incoming

import (
	"bytes"
	"crypto/rand"
	"fmt"

	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/routing/route"

	"github.com/nimbuswallet/nimbusd/mpp"
	"github.com/nimbuswallet/nimbusd/outgoing"
)

// sendingPhase is the per-state data of a relayer in Sending.
type sendingPhase uint8

const (
	// phaseProcessing means the outgoing multipart payment has been
	// dispatched and no terminal outcome has arrived yet.
	phaseProcessing sendingPhase = iota

	// phaseStopping means leftover outgoing parts from a previous run
	// are being drained before we decide anything.
	phaseStopping

	// phaseRevealed means a downstream peer has revealed the preimage
	// and we are waiting for a snapshot to claim the incoming parts.
	phaseRevealed
)

// relayTerminal is the terminal data of a relayer in Finalizing.
type relayTerminal uint8

const (
	// relayRevealed means the preimage is persisted and incoming parts
	// are being claimed.
	relayRevealed relayTerminal = iota

	// relayAborted means incoming parts are being failed upstream.
	relayAborted
)

// invalidNodeID is the final-node placeholder used when aborting out of a
// Stopping phase. No remote failure ever originates from the zero vertex,
// so final-node priority never matches there.
var invalidNodeID route.Vertex

// Relayer decides the fate of a payment transiting this node: it validates
// the incoming set, dispatches a correlated outgoing multipart payment and
// maps its outcome back onto the incoming parts. It runs as a
// single-threaded actor fed through its mailbox; sender callbacks are
// enqueued, never handled inline.
type Relayer struct {
	fsmKit

	state processorState

	// phase qualifies stateSending.
	phase sendingPhase

	// finalNode is the onward destination, set on dispatch. Aborts out of
	// phaseStopping do not read it and use invalidNodeID instead.
	finalNode route.Vertex

	// retry is set while phaseStopping when draining leftovers should
	// be followed by a fresh dispatch attempt.
	retry bool

	// preimage is set from phaseRevealed onward.
	preimage lntypes.Preimage

	// terminal qualifies stateFinalizing.
	terminal relayTerminal

	// failure is the upstream failure reissued while relayAborted.
	failure lnwire.FailureMessage
}

// A compile time check to ensure Relayer implements paymentFSM.
var _ paymentFSM = (*Relayer)(nil)

// A compile time check to ensure Relayer implements outgoing.Listener.
var _ outgoing.Listener = (*Relayer)(nil)

// newRelayer creates a relayer FSM for a trampoline-routed tag.
func newRelayer(tag mpp.FullPaymentTag, reg *Registry) *Relayer {
	if tag.Kind != mpp.TrampolineRouted {
		panic(fmt.Sprintf("relayer created for %v tag", tag.Kind))
	}

	return &Relayer{
		fsmKit: newFSMKit(tag, reg),
		state:  stateReceiving,
	}
}

// start arms the collection timeout, binds the outgoing sender and launches
// the event loop.
func (r *Relayer) start() {
	r.replaceWork()

	// The sender FSM exists for the whole life of the relayer so a
	// restart-recovery snapshot can find leftover outgoing parts.
	r.reg.cfg.Sender.CreateSenderFSM(r.tag)
	r.reg.cfg.Sender.AddListener(r)

	r.launch(r.processEvent)

	log.Debugf("Relayer(%v): started", r.tag)
}

// OnSenderData enqueues the all-parts-failed report of our outgoing
// payment.
//
// NOTE: Part of the outgoing.Listener interface.
func (r *Relayer) OnSenderData(data *outgoing.SenderData) {
	if data.Tag != r.tag {
		return
	}

	r.deliver(senderDataEvent{data: data})
}

// OnRemoteFulfill enqueues the downstream fulfill of one of our outgoing
// parts.
//
// NOTE: Part of the outgoing.Listener interface.
func (r *Relayer) OnRemoteFulfill(fulfill *outgoing.RemoteFulfill) {
	if fulfill.PaymentHash != r.tag.PaymentHash {
		return
	}

	r.deliver(remoteFulfillEvent{fulfill: fulfill})
}

// processEvent is the single dispatch point for all relayer inputs.
func (r *Relayer) processEvent(event fsmEvent) {
	switch e := event.(type) {
	case snapshotEvent:
		r.processSnapshot(e.snapshot)

	case htlcArrivedEvent:
		if r.state == stateReceiving {
			r.replaceWork()
		}

	case cmdTimeoutEvent:
		if r.state != stateReceiving {
			return
		}

		// The incoming set never completed, so nothing was sent out
		// and the whole set can be failed upstream outright.
		log.Debugf("Relayer(%v): collection timed out", r.tag)
		r.dropWork()
		r.state = stateFinalizing
		r.terminal = relayAborted
		r.failure = &lnwire.FailMPPTimeout{}
		r.requestSnapshot()

	case remoteFulfillEvent:
		r.processRemoteFulfill(e.fulfill)

	case senderDataEvent:
		r.processSenderData(e.data)
	}
}

// processRemoteFulfill records the downstream preimage. The money is
// claimed on the next snapshot, which carries the incoming parts to
// fulfill.
func (r *Relayer) processRemoteFulfill(fulfill *outgoing.RemoteFulfill) {
	// A revealed terminal never regresses; everything else, including an
	// aborted terminal that has not settled upstream yet, moves to the
	// revealed track. Claiming is always the safe direction once the
	// money has irrevocably left downstream.
	if r.state == stateShutdown {
		return
	}
	if r.state == stateFinalizing && r.terminal == relayRevealed {
		return
	}

	log.Infof("Relayer(%v): preimage revealed downstream", r.tag)

	r.dropWork()
	r.state = stateSending
	r.phase = phaseRevealed
	r.preimage = fulfill.Preimage
	r.requestSnapshot()
}

// processSenderData reacts to the terminal failure of every outgoing part.
func (r *Relayer) processSenderData(data *outgoing.SenderData) {
	if r.state != stateSending {
		return
	}

	switch r.phase {
	// Leftovers from a previous run have drained and the incoming set
	// was covered: go back to collecting and let the next snapshot
	// dispatch from scratch.
	case phaseStopping:
		if r.retry {
			log.Debugf("Relayer(%v): leftovers drained, retrying",
				r.tag)
			r.state = stateReceiving
			r.requestSnapshot()
			return
		}

		r.abortedWithError(data.Failures, invalidNodeID)
		r.requestSnapshot()

	// Our own dispatch failed on every part: select one upstream
	// failure from the collected reports.
	case phaseProcessing:
		r.abortedWithError(data.Failures, r.finalNode)
		r.requestSnapshot()
	}
}

// processSnapshot drives the relayer off the wallet consistency snapshot.
func (r *Relayer) processSnapshot(snapshot *InFlightPayments) {
	ins := trampolineAdds(snapshot.In[r.tag])
	outs := snapshot.Out[r.tag]

	// Nothing in flight in either direction: the payment is fully
	// resolved, deregister and become defunct. While still in Receiving
	// this is handled by resolve below.
	if len(ins) == 0 && len(outs) == 0 && r.state != stateReceiving {
		r.shutdown()
		return
	}

	switch r.state {
	case stateReceiving:
		r.resolve(ins, outs)

	case stateSending:
		// In the revealed phase the set may legitimately be empty
		// when only leftover outgoing parts remain; the preimage is
		// still persisted then. A snapshot with nothing in flight in
		// either direction has already shut the FSM down above.
		if r.phase == phaseRevealed {
			r.becomeRevealed(r.preimage, ins)
		}

	case stateFinalizing:
		if len(ins) == 0 {
			return
		}

		switch r.terminal {
		case relayRevealed:
			r.fulfillAll(ins)

		case relayAborted:
			r.failAll(ins)
		}
	}
}

// resolve decides what to do with a still-collecting set.
func (r *Relayer) resolve(ins []*mpp.TrampolineHtlc,
	outs []outgoing.Attempt) {

	preimage, err := r.reg.cfg.Store.Preimage(r.tag.PaymentHash)
	if err != nil {
		log.Errorf("Relayer(%v): preimage lookup: %v", r.tag, err)
		return
	}

	covered := relayCovered(ins)

	switch {
	// The preimage is already known: claim whatever is present without
	// sending anything.
	case preimage.IsSome():
		r.becomeRevealed(preimage.UnwrapOr(lntypes.Preimage{}), ins)

	// A complete set and a clean slate: validate and dispatch.
	case covered && len(outs) == 0:
		r.becomeSendingOrAborted(ins)

	// A complete set but outgoing parts survived a restart. Those parts
	// were built from stale data: wait for them to drain, then retry
	// from scratch.
	case covered && len(outs) > 0:
		log.Warnf("Relayer(%v): found %v leftover outgoing parts, "+
			"draining before retry", r.tag, len(outs))
		r.dropWork()
		r.state = stateSending
		r.phase = phaseStopping
		r.retry = true

	// Outgoing parts exist but the incoming set no longer covers the
	// total. There is no safe way to retry; drain and abort.
	case len(outs) > 0:
		log.Warnf("Relayer(%v): outgoing parts without a covered "+
			"incoming set, draining before abort", r.tag)
		r.dropWork()
		r.state = stateSending
		r.phase = phaseStopping
		r.retry = false

	// Nothing at all in flight for this tag.
	case len(ins) == 0:
		r.shutdown()

	// The set is still incomplete: wait for more parts.
	default:
		log.Tracef("Relayer(%v): waiting, received %v so far",
			r.tag, sumTrampoline(ins))
	}
}

// becomeSendingOrAborted validates the covered set and either dispatches
// the onward payment or fails the set upstream.
func (r *Relayer) becomeSendingOrAborted(ins []*mpp.TrampolineHtlc) {
	height := r.reg.cfg.Oracle.BestHeight()
	params := r.reg.cfg.Relay

	if failure := validateRelay(ins, params, height); failure != nil {
		log.Debugf("Relayer(%v): relay rejected: %v", r.tag, failure)

		r.dropWork()
		r.state = stateFinalizing
		r.terminal = relayAborted
		r.failure = failure
		r.failAll(ins)
		return
	}

	first := ins[0]
	inner := first.Inner
	totalIn := sumTrampoline(ins)

	// The fee margin left after our own cut bounds what the sender may
	// spend on routing fees; the cltv margin left after our own delta
	// bounds the onward route's total delta. Validation has ensured
	// both are non-negative.
	feeReserve := totalIn - inner.AmtToForward - params.RelayFee(totalIn)
	maxCltv := minExpiry(ins) - inner.OutgoingCltv - params.CltvDelta

	cmd := &outgoing.SendMultiPart{
		Tag:          r.tag,
		MaxCltv:      maxCltv,
		Destination:  inner.OutgoingNodeID,
		OnionTotal:   inner.AmtToForward,
		ActualTotal:  inner.AmtToForward,
		FeeReserve:   feeReserve,
		OutgoingCltv: inner.OutgoingCltv,
		AllowedChans: r.reg.cfg.AllowedChans(),
	}

	// A set inner payload with invoice features means the onward
	// recipient is a plain MPP node: hand the sender the invoice's own
	// secret and routing hints. Otherwise the next node is a trampoline
	// and gets the inner onion under a fresh outer secret.
	if inner.InvoiceFeatures.IsSome() {
		cmd.AssistedEdges = inner.RoutingHints
		cmd.PaymentSecret = inner.PaymentSecret.UnwrapOr(mpp.Secret{})
	} else {
		var onion bytes.Buffer
		if first.NextPacket != nil {
			if err := first.NextPacket.Encode(&onion); err != nil {
				log.Errorf("Relayer(%v): onion encode: %v",
					r.tag, err)

				r.dropWork()
				r.state = stateFinalizing
				r.terminal = relayAborted
				r.failure = &lnwire.FailTemporaryNodeFailure{}
				r.failAll(ins)
				return
			}
		}
		cmd.TrampolineOnion = onion.Bytes()
		cmd.PaymentSecret = newPaymentSecret()
	}

	log.Infof("Relayer(%v): dispatching %v to %x, fee reserve %v, max "+
		"cltv delta %v", r.tag, inner.AmtToForward,
		inner.OutgoingNodeID[:8], feeReserve, maxCltv)

	r.dropWork()
	r.state = stateSending
	r.phase = phaseProcessing
	r.finalNode = inner.OutgoingNodeID

	r.reg.cfg.Sender.SendMultiPart(cmd)
}

// becomeRevealed persists the downstream preimage and relay economics, then
// transitions to a revealed terminal and claims every present part. The set
// may be empty in pathological restart recovery; both the persistence and
// the claim loop tolerate that.
func (r *Relayer) becomeRevealed(preimage lntypes.Preimage,
	ins []*mpp.TrampolineHtlc) {

	store := r.reg.cfg.Store
	hash := r.tag.PaymentHash

	if err := store.StorePreimage(hash, preimage); err != nil {
		log.Criticalf("Relayer(%v): unable to store preimage, "+
			"withholding it: %v", r.tag, err)
		return
	}

	if len(ins) > 0 {
		first := ins[0]
		usedFee := r.reg.cfg.Sender.UsedFee(r.tag)
		finalFee := first.Outer.TotalAmount -
			first.Inner.AmtToForward - usedFee

		err := store.AddRelayedPreimage(
			hash, preimage, first.Inner.AmtToForward, finalFee,
		)
		if err != nil {
			log.Criticalf("Relayer(%v): unable to record relay, "+
				"withholding preimage: %v", r.tag, err)
			return
		}

		log.Infof("Relayer(%v): relay settled, forwarded %v, "+
			"earned %v", r.tag, first.Inner.AmtToForward,
			finalFee)
	}

	r.dropWork()
	r.state = stateFinalizing
	r.terminal = relayRevealed
	r.preimage = preimage

	r.fulfillAll(ins)
}

// abortedWithError selects exactly one upstream failure from the outgoing
// failure reports and enters the aborted terminal. Selection prefers the
// final node's own verdict, then interprets a routing dead end as our fee
// being too low, then falls back to any remote report.
func (r *Relayer) abortedWithError(failures []outgoing.Failure,
	finalNode route.Vertex) {

	r.dropWork()
	r.state = stateFinalizing
	r.terminal = relayAborted
	r.failure = selectUpstreamFailure(failures, finalNode)

	log.Debugf("Relayer(%v): aborting with %v", r.tag, r.failure)
}

// selectUpstreamFailure is the total mapping from outgoing failure reports
// to the single failure we hand upstream.
func selectUpstreamFailure(failures []outgoing.Failure,
	finalNode route.Vertex) lnwire.FailureMessage {

	// The destination itself judged the payment: its verdict is the
	// most precise thing we can relay upstream.
	for _, f := range failures {
		if f.IsRemote() && f.Origin == finalNode {
			return f.Msg
		}
	}

	// Path finding came up empty: the fee budget we allowed, derived
	// from our own fee schedule, was not enough to buy a route.
	for _, f := range failures {
		if reason, ok := localReason(f); ok &&
			reason == outgoing.LocalNoRoutesFound {

			return &FailTrampolineFeeInsufficient{}
		}
	}

	// Some intermediate node failed the payment.
	for _, f := range failures {
		if f.IsRemote() {
			return f.Msg
		}
	}

	return &lnwire.FailTemporaryNodeFailure{}
}

// fulfillAll claims every part in snapshot order.
func (r *Relayer) fulfillAll(ins []*mpp.TrampolineHtlc) {
	for _, in := range ins {
		r.reg.cfg.Bus.Fulfill(in.ChanID, in.ID, r.preimage)
	}
}

// failAll rejects every part in snapshot order.
func (r *Relayer) failAll(ins []*mpp.TrampolineHtlc) {
	for _, in := range ins {
		r.reg.cfg.Bus.Fail(in.ChanID, in.ID, r.failure)
	}
}

// shutdown unbinds the outgoing sender, deregisters the FSM and stops its
// event loop.
func (r *Relayer) shutdown() {
	log.Debugf("Relayer(%v): shutting down", r.tag)

	r.dropWork()
	r.state = stateShutdown

	r.reg.cfg.Sender.RemoveSenderFSM(r.tag)
	r.reg.cfg.Sender.RemoveListener(r)

	r.reg.remove(r.tag, r)
	r.teardown()
}

// validateRelay checks a covered incoming set against our relay policy and
// the chain tip. The first matching rule wins; nil means the relay is
// acceptable.
func validateRelay(ins []*mpp.TrampolineHtlc, params RelayParams,
	height uint32) lnwire.FailureMessage {

	first := ins[0]
	inner := first.Inner
	totalIn := sumTrampoline(ins)

	switch {
	// Invoice features without a payment secret would force us to relay
	// to a non-trampoline recipient that cannot take multipart payments.
	// We refuse those.
	case inner.InvoiceFeatures.IsSome() && inner.PaymentSecret.IsNone():
		return &lnwire.FailTemporaryNodeFailure{}

	// The margin between what arrives and what must be forwarded has to
	// cover our fee.
	case totalIn < inner.AmtToForward ||
		params.RelayFee(totalIn) > totalIn-inner.AmtToForward:

		return &FailTrampolineFeeInsufficient{}

	// Every part must agree on the forwarding instruction.
	case !agreeOnForwardAmount(ins):
		return lnwire.NewFailIncorrectDetails(first.Amount, height)

	// And on the advertised incoming total.
	case !agreeOnTotalAmount(ins):
		return lnwire.NewFailIncorrectDetails(first.Amount, height)

	// The earliest incoming expiry must leave us our configured margin
	// on top of the requested outgoing expiry.
	case minExpiry(ins) < inner.OutgoingCltv ||
		minExpiry(ins)-inner.OutgoingCltv < params.CltvDelta:

		return &FailTrampolineExpiryTooSoon{}

	// The requested outgoing expiry must still be in the future.
	case inner.OutgoingCltv <= height:
		return &FailTrampolineExpiryTooSoon{}

	// We do not forward dust.
	case inner.AmtToForward < params.MinimumMsat:
		return &lnwire.FailTemporaryNodeFailure{}
	}

	return nil
}

// trampolineAdds filters the snapshot HTLCs down to trampoline views,
// preserving snapshot order.
func trampolineAdds(htlcs []mpp.IncomingHtlc) []*mpp.TrampolineHtlc {
	ins := make([]*mpp.TrampolineHtlc, 0, len(htlcs))
	for _, h := range htlcs {
		if in, ok := h.(*mpp.TrampolineHtlc); ok {
			ins = append(ins, in)
		}
	}

	return ins
}

// sumTrampoline sums the amounts of the given parts.
func sumTrampoline(ins []*mpp.TrampolineHtlc) lnwire.MilliSatoshi {
	var total lnwire.MilliSatoshi
	for _, in := range ins {
		total += in.Amount
	}

	return total
}

// relayCovered reports whether the set is complete: the received total has
// reached the total advertised in the outer payload.
func relayCovered(ins []*mpp.TrampolineHtlc) bool {
	if len(ins) == 0 {
		return false
	}

	return sumTrampoline(ins) >= ins[0].Outer.TotalAmount
}

// minExpiry returns the earliest expiry of the set.
func minExpiry(ins []*mpp.TrampolineHtlc) uint32 {
	min := ins[0].CltvExpiry
	for _, in := range ins[1:] {
		if in.CltvExpiry < min {
			min = in.CltvExpiry
		}
	}

	return min
}

// agreeOnForwardAmount reports whether every part carries the same inner
// forward amount.
func agreeOnForwardAmount(ins []*mpp.TrampolineHtlc) bool {
	want := ins[0].Inner.AmtToForward
	for _, in := range ins[1:] {
		if in.Inner.AmtToForward != want {
			return false
		}
	}

	return true
}

// agreeOnTotalAmount reports whether every part carries the same outer
// total.
func agreeOnTotalAmount(ins []*mpp.TrampolineHtlc) bool {
	want := ins[0].Outer.TotalAmount
	for _, in := range ins[1:] {
		if in.Outer.TotalAmount != want {
			return false
		}
	}

	return true
}

// localReason extracts the local failure reason, if the failure is local.
func localReason(f outgoing.Failure) (outgoing.LocalReason, bool) {
	if f.Local.IsNone() {
		return 0, false
	}

	return f.Local.UnwrapOr(outgoing.LocalNoRoutesFound), true
}

// newPaymentSecret produces a fresh unpredictable payment secret for the
// outer layer of a trampoline-to-trampoline send. Secrets are never reused
// across tags.
func newPaymentSecret() mpp.Secret {
	var secret mpp.Secret
	if _, err := rand.Read(secret[:]); err != nil {
		// The system CSPRNG failing is not survivable.
		panic(fmt.Sprintf("unable to generate payment secret: %v",
			err))
	}

	return secret
}
