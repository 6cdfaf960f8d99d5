package incoming

import (
	"github.com/nimbuswallet/nimbusd/mpp"
	"github.com/nimbuswallet/nimbusd/outgoing"
)

// fsmEvent is one input to a payment FSM. All inputs, including timer
// expiries and sender callbacks, are linearized through the FSM's mailbox
// and handled one at a time.
type fsmEvent interface {
	fsmEvent()
}

// snapshotEvent wraps the wallet consistency snapshot.
type snapshotEvent struct {
	snapshot *InFlightPayments
}

func (snapshotEvent) fsmEvent() {}

// htlcArrivedEvent is the fine-grained arrival notification of a single
// incoming HTLC, used to reset the collection timeout.
type htlcArrivedEvent struct {
	htlc mpp.IncomingHtlc
}

func (htlcArrivedEvent) fsmEvent() {}

// cmdTimeoutEvent is the self-delivered expiry of the collection grace
// period.
type cmdTimeoutEvent struct{}

func (cmdTimeoutEvent) fsmEvent() {}

// senderDataEvent is the terminal all-parts-failed report of the correlated
// outgoing payment.
type senderDataEvent struct {
	data *outgoing.SenderData
}

func (senderDataEvent) fsmEvent() {}

// remoteFulfillEvent notifies that a downstream peer fulfilled one of our
// outgoing parts.
type remoteFulfillEvent struct {
	fulfill *outgoing.RemoteFulfill
}

func (remoteFulfillEvent) fsmEvent() {}
