package incoming

import (
	"fmt"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"

	"github.com/nimbuswallet/nimbusd/mpp"
	"github.com/nimbuswallet/nimbusd/paymentsdb"
)

// finalOutcome is the terminal data of a receiver in Finalizing.
type finalOutcome uint8

const (
	// outcomePending means Finalizing was entered by timeout and the
	// decision is deferred to the next snapshot.
	outcomePending finalOutcome = iota

	// outcomeRevealed means the preimage has been persisted and
	// released.
	outcomeRevealed

	// outcomeAborted means every part is being failed upstream.
	outcomeAborted
)

// Receiver decides whether the multi-part set of a payment terminating at
// this node is fulfilled or failed. It runs as a single-threaded actor: all
// inputs go through the mailbox and are handled sequentially.
type Receiver struct {
	fsmKit

	state   processorState
	outcome finalOutcome

	// preimage is set once outcome is outcomeRevealed.
	preimage lntypes.Preimage

	// failure is the failure to reissue while aborted. None selects the
	// unknown-details shortcut.
	failure fn.Option[lnwire.FailureMessage]
}

// A compile time check to ensure Receiver implements paymentFSM.
var _ paymentFSM = (*Receiver)(nil)

// newReceiver creates a receiver FSM for a final-incoming tag. The
// collection timeout is armed on start.
func newReceiver(tag mpp.FullPaymentTag, reg *Registry) *Receiver {
	if tag.Kind != mpp.FinalIncoming {
		panic(fmt.Sprintf("receiver created for %v tag", tag.Kind))
	}

	return &Receiver{
		fsmKit: newFSMKit(tag, reg),
		state:  stateReceiving,
	}
}

// start arms the collection timeout and launches the event loop.
func (r *Receiver) start() {
	r.replaceWork()
	r.launch(r.processEvent)

	log.Debugf("Receiver(%v): started", r.tag)
}

// processEvent is the single dispatch point for all receiver inputs.
func (r *Receiver) processEvent(event fsmEvent) {
	switch e := event.(type) {
	case snapshotEvent:
		r.processSnapshot(e.snapshot)

	case htlcArrivedEvent:
		// Another part arrived: give the sender a fresh grace period
		// to deliver the rest of the set.
		if r.state == stateReceiving {
			r.replaceWork()
		}

	case cmdTimeoutEvent:
		if r.state != stateReceiving {
			return
		}

		// The set did not complete in time. Move to Finalizing
		// without a decision and ask for a snapshot: a late preimage
		// or covering amount can still rescue the payment there.
		log.Debugf("Receiver(%v): collection timed out", r.tag)
		r.state = stateFinalizing
		r.outcome = outcomePending
		r.requestSnapshot()
	}
}

// processSnapshot drives the receiver off the wallet consistency snapshot.
func (r *Receiver) processSnapshot(snapshot *InFlightPayments) {
	adds := localAdds(snapshot.In[r.tag])

	// No HTLCs left for our tag: whatever had to happen has happened,
	// deregister and become defunct.
	if len(adds) == 0 {
		r.shutdown()
		return
	}

	switch r.state {
	case stateReceiving:
		r.resolve(adds)

	case stateFinalizing:
		switch r.outcome {
		case outcomePending:
			r.finalize(adds)

		// Reissuing terminal commands on every snapshot makes their
		// delivery idempotent across command losses and restarts.
		case outcomeRevealed:
			r.fulfillAll(adds)

		case outcomeAborted:
			r.failAll(adds)
		}
	}
}

// resolve decides what to do with a still-collecting set.
func (r *Receiver) resolve(adds []*mpp.LocalHtlc) {
	hash := r.tag.PaymentHash
	store := r.reg.cfg.Store

	preimage, err := store.Preimage(hash)
	if err != nil {
		log.Errorf("Receiver(%v): preimage lookup: %v", r.tag, err)
		return
	}
	info, err := store.PaymentInfo(hash)
	if err != nil {
		log.Errorf("Receiver(%v): payment info lookup: %v", r.tag,
			err)
		return
	}

	height := r.reg.cfg.Oracle.BestHeight()
	received := sumLocal(adds)

	switch {
	// Nothing is known about this hash. If a preimage exists anyway we
	// can collect the money, otherwise the payment is unsolicited and
	// gets rejected right away.
	case info.IsNone():
		preimage.WhenSome(func(p lntypes.Preimage) {
			r.becomeRevealed(p, adds)
		})
		preimage.WhenNone(func() {
			r.becomeAborted(
				fn.None[lnwire.FailureMessage](), adds,
			)
		})

	// The invoice has been paid before. Collect the extra parts with
	// the stored preimage rather than letting them time out.
	case isSettledIncoming(info):
		r.becomeRevealed(paymentPreimage(info), adds)

	// A part expires too close to the chain tip: claiming now risks
	// racing the peer's timeout on chain, so reject the whole set.
	case expiresTooSoon(adds, height+r.reg.cfg.FinalCltvRejectDelta):
		r.becomeAborted(fn.None[lnwire.FailureMessage](), adds)

	// The invoiced amount is covered: reveal and collect.
	case isCoveredIncoming(info, received):
		r.becomeRevealed(paymentPreimage(info), adds)

	// The set is still incomplete. Wait for more parts until the
	// collection timeout expires.
	default:
		log.Tracef("Receiver(%v): waiting, received %v so far",
			r.tag, received)
	}
}

// finalize settles the fate of a set whose collection window has closed.
func (r *Receiver) finalize(adds []*mpp.LocalHtlc) {
	hash := r.tag.PaymentHash
	store := r.reg.cfg.Store

	info, err := store.PaymentInfo(hash)
	if err != nil {
		log.Errorf("Receiver(%v): payment info lookup: %v", r.tag,
			err)
		return
	}
	preimage, err := store.Preimage(hash)
	if err != nil {
		log.Errorf("Receiver(%v): preimage lookup: %v", r.tag, err)
		return
	}

	received := sumLocal(adds)

	switch {
	case isSettledIncoming(info):
		r.becomeRevealed(paymentPreimage(info), adds)

	case isCoveredIncoming(info, received):
		r.becomeRevealed(paymentPreimage(info), adds)

	// An amount-less invoice accepts whatever total the sender chose,
	// as advertised by the first part of the set.
	case isAmountlessIncoming(info) &&
		received >= adds[0].TotalAmount:

		r.becomeRevealed(paymentPreimage(info), adds)

	// A preimage became known independently of invoice state.
	case preimage.IsSome():
		r.becomeRevealed(preimage.UnwrapOr(lntypes.Preimage{}), adds)

	default:
		r.becomeAborted(
			fn.Some[lnwire.FailureMessage](
				&lnwire.FailMPPTimeout{},
			), adds,
		)
	}
}

// becomeRevealed persists the decision, then transitions to a revealed
// terminal and claims every present part. Persistence always happens before
// the first fulfill command leaves the FSM, so a crash in between is
// recoverable from disk.
func (r *Receiver) becomeRevealed(preimage lntypes.Preimage,
	adds []*mpp.LocalHtlc) {

	hash := r.tag.PaymentHash
	store := r.reg.cfg.Store
	received := sumLocal(adds)

	if err := store.SettleIncoming(hash, received); err != nil {
		// Deliberately stay in the current state without fulfilling
		// anything: the next snapshot retries, and the preimage is
		// never released without a durable record of it.
		log.Criticalf("Receiver(%v): unable to settle payment, "+
			"withholding preimage: %v", r.tag, err)
		return
	}
	if err := store.StorePreimage(hash, preimage); err != nil {
		log.Criticalf("Receiver(%v): unable to store preimage, "+
			"withholding it: %v", r.tag, err)
		return
	}

	log.Infof("Receiver(%v): revealing preimage for %v over %v parts",
		r.tag, received, len(adds))

	r.dropWork()
	r.state = stateFinalizing
	r.outcome = outcomeRevealed
	r.preimage = preimage

	r.fulfillAll(adds)
}

// becomeAborted transitions to an aborted terminal and fails every present
// part.
func (r *Receiver) becomeAborted(failure fn.Option[lnwire.FailureMessage],
	adds []*mpp.LocalHtlc) {

	log.Debugf("Receiver(%v): aborting %v parts", r.tag, len(adds))

	r.dropWork()
	r.state = stateFinalizing
	r.outcome = outcomeAborted
	r.failure = failure

	r.failAll(adds)
}

// fulfillAll claims every part in snapshot order.
func (r *Receiver) fulfillAll(adds []*mpp.LocalHtlc) {
	for _, add := range adds {
		r.reg.cfg.Bus.Fulfill(add.ChanID, add.ID, r.preimage)
	}
}

// failAll rejects every part in snapshot order with the terminal failure,
// or with the unknown-details shortcut when no specific failure was chosen.
func (r *Receiver) failAll(adds []*mpp.LocalHtlc) {
	height := r.reg.cfg.Oracle.BestHeight()
	for _, add := range adds {
		add := add
		r.failure.WhenSome(func(msg lnwire.FailureMessage) {
			r.reg.cfg.Bus.Fail(add.ChanID, add.ID, msg)
		})
		r.failure.WhenNone(func() {
			r.reg.cfg.Bus.FailIncorrectDetails(
				add.ChanID, add.ID, add.Amount, height,
			)
		})
	}
}

// shutdown deregisters the FSM and stops its event loop.
func (r *Receiver) shutdown() {
	log.Debugf("Receiver(%v): shutting down", r.tag)

	r.dropWork()
	r.state = stateShutdown
	r.reg.remove(r.tag, r)
	r.teardown()
}

// localAdds filters the snapshot HTLCs down to final-incoming views,
// preserving snapshot order.
func localAdds(htlcs []mpp.IncomingHtlc) []*mpp.LocalHtlc {
	adds := make([]*mpp.LocalHtlc, 0, len(htlcs))
	for _, h := range htlcs {
		if add, ok := h.(*mpp.LocalHtlc); ok {
			adds = append(adds, add)
		}
	}

	return adds
}

// sumLocal sums the amounts of the given parts.
func sumLocal(adds []*mpp.LocalHtlc) lnwire.MilliSatoshi {
	var total lnwire.MilliSatoshi
	for _, add := range adds {
		total += add.Amount
	}

	return total
}

// expiresTooSoon reports whether any part expires below the given height.
func expiresTooSoon(adds []*mpp.LocalHtlc, threshold uint32) bool {
	for _, add := range adds {
		if add.CltvExpiry < threshold {
			return true
		}
	}

	return false
}

// isSettledIncoming reports whether the stored info describes an incoming
// payment that already succeeded.
func isSettledIncoming(info fn.Option[paymentsdb.PaymentInfo]) bool {
	i, ok := infoValue(info)
	return ok && i.IsIncoming && i.Status == paymentsdb.StatusSucceeded
}

// isCoveredIncoming reports whether the stored info describes an incoming
// invoice with a fixed amount that the received total covers.
func isCoveredIncoming(info fn.Option[paymentsdb.PaymentInfo],
	received lnwire.MilliSatoshi) bool {

	i, ok := infoValue(info)
	if !ok || !i.IsIncoming {
		return false
	}

	requested, fixed := infoAmount(i)
	return fixed && received >= requested
}

// isAmountlessIncoming reports whether the stored info describes an
// incoming invoice without a fixed amount.
func isAmountlessIncoming(info fn.Option[paymentsdb.PaymentInfo]) bool {
	i, ok := infoValue(info)
	return ok && i.IsIncoming && i.AmountRequested.IsNone()
}

// paymentPreimage extracts the stored preimage of a known payment.
func paymentPreimage(info fn.Option[paymentsdb.PaymentInfo]) lntypes.Preimage {
	i, _ := infoValue(info)
	return i.Preimage
}

// infoValue unwraps the optional payment info.
func infoValue(info fn.Option[paymentsdb.PaymentInfo]) (paymentsdb.PaymentInfo,
	bool) {

	if info.IsNone() {
		return paymentsdb.PaymentInfo{}, false
	}

	return info.UnwrapOr(paymentsdb.PaymentInfo{}), true
}

// infoAmount extracts the fixed invoiced amount, if one was set.
func infoAmount(info paymentsdb.PaymentInfo) (lnwire.MilliSatoshi, bool) {
	if info.AmountRequested.IsNone() {
		return 0, false
	}

	return info.AmountRequested.UnwrapOr(0), true
}
