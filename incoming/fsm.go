package incoming

import (
	"sync"

	"github.com/lightningnetwork/lnd/queue"

	"github.com/nimbuswallet/nimbusd/mpp"
)

// processorState is the coarse life-cycle state shared by both payment
// FSMs. The per-state data lives on the concrete FSM.
type processorState uint8

const (
	// stateReceiving means the FSM is still collecting parts.
	stateReceiving processorState = iota

	// stateSending means a correlated outgoing payment is in flight.
	// Only the trampoline relayer uses this state.
	stateSending

	// stateFinalizing means a terminal decision is reached or imminent
	// and pending commands are reissued on every snapshot.
	stateFinalizing

	// stateShutdown means the FSM is defunct and deregistered.
	stateShutdown
)

// String returns a human-readable processorState.
func (s processorState) String() string {
	switch s {
	case stateReceiving:
		return "receiving"
	case stateSending:
		return "sending"
	case stateFinalizing:
		return "finalizing"
	case stateShutdown:
		return "shutdown"
	}

	return "unknown"
}

// paymentFSM is the registry's view of a running FSM.
type paymentFSM interface {
	// paymentTag returns the tag the FSM is bound to.
	paymentTag() mpp.FullPaymentTag

	// start launches the FSM's event loop.
	start()

	// deliver enqueues one event on the FSM's mailbox. It never blocks.
	deliver(event fsmEvent)

	// halt stops the event loop without driving the FSM to a terminal
	// state. Used on subsystem shutdown only.
	halt()
}

// fsmKit carries the mailbox, life cycle and deferred-timeout machinery
// common to both FSM flavors. All fields are confined to the event loop
// goroutine except the mailbox and quit channel.
type fsmKit struct {
	tag mpp.FullPaymentTag
	reg *Registry

	mailbox *queue.ConcurrentQueue

	// cancelWork cancels the currently pending deferred timeout, if any.
	// Written only from the event loop goroutine.
	cancelWork chan struct{}

	started   sync.Once
	stopped   sync.Once
	mbStopped sync.Once
	quit      chan struct{}
	wg        sync.WaitGroup
}

func newFSMKit(tag mpp.FullPaymentTag, reg *Registry) fsmKit {
	return fsmKit{
		tag:     tag,
		reg:     reg,
		mailbox: queue.NewConcurrentQueue(16),
		quit:    make(chan struct{}),
	}
}

// paymentTag returns the tag the FSM is bound to.
func (k *fsmKit) paymentTag() mpp.FullPaymentTag {
	return k.tag
}

// deliver enqueues one event on the FSM's mailbox.
func (k *fsmKit) deliver(event fsmEvent) {
	select {
	case k.mailbox.ChanIn() <- event:
	case <-k.quit:
	}
}

// launch starts the mailbox and the event loop, dispatching every queued
// event to handle sequentially.
func (k *fsmKit) launch(handle func(fsmEvent)) {
	k.started.Do(func() {
		k.mailbox.Start()

		k.wg.Add(1)
		go func() {
			defer k.wg.Done()

			for {
				select {
				case raw := <-k.mailbox.ChanOut():
					handle(raw.(fsmEvent))

				case <-k.quit:
					return
				}
			}
		}()
	})
}

// halt stops the event loop. It must not be called from the event loop
// itself; FSMs reaching Shutdown call teardown instead.
func (k *fsmKit) halt() {
	k.teardown()
	k.wg.Wait()
}

// teardown closes the quit channel and stops the mailbox, both exactly
// once. Safe to call from the event loop goroutine: the loop observes the
// closed quit channel right after the current handler returns, and the
// mailbox winds down its own goroutine independently.
func (k *fsmKit) teardown() {
	k.stopped.Do(func() {
		close(k.quit)
	})
	k.mbStopped.Do(func() {
		k.mailbox.Stop()
	})
}

// replaceWork schedules delivery of a timeout event after the configured
// collection grace period, canceling any previously pending delivery. Only
// called from the event loop goroutine, so no lock guards cancelWork.
func (k *fsmKit) replaceWork() {
	k.dropWork()

	cancel := make(chan struct{})
	k.cancelWork = cancel

	// The deadline is taken now, not when the goroutine gets to run.
	expiry := k.reg.cfg.Clock.TickAfter(k.reg.cfg.MppTimeout)
	k.wg.Add(1)
	go func() {
		defer k.wg.Done()

		select {
		case <-expiry:
			k.deliver(cmdTimeoutEvent{})

		case <-cancel:

		case <-k.quit:
		}
	}()
}

// dropWork cancels the pending deferred timeout, if any.
func (k *fsmKit) dropWork() {
	if k.cancelWork != nil {
		close(k.cancelWork)
		k.cancelWork = nil
	}
}

// requestSnapshot asks the wallet for a fresh consistency snapshot, used
// after internal transitions that need a snapshot to make progress.
func (k *fsmKit) requestSnapshot() {
	k.reg.pokeSnapshot()
}
