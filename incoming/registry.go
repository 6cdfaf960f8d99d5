package incoming

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/nimbuswallet/nimbusd/mpp"
	"github.com/nimbuswallet/nimbusd/outgoing"
	"github.com/nimbuswallet/nimbusd/paymentsdb"
)

var (
	// ErrRegistryStopped is returned when an input arrives after the
	// registry has been shut down.
	ErrRegistryStopped = errors.New("incoming payment registry stopped")
)

// Config bundles the external services and policy knobs shared by every
// FSM. The lifetime of all referenced services exceeds that of the
// registry.
type Config struct {
	// Store is the payment metadata and preimage storage. Expected to
	// memoize lookups.
	Store paymentsdb.Store

	// Bus routes fulfill/fail commands to the channel holding each
	// HTLC.
	Bus ChannelBus

	// Sender is the outgoing multipart payment machinery.
	Sender outgoing.Sender

	// Oracle supplies the current best block height.
	Oracle ChainOracle

	// Clock is the wall clock driving the collection timeout.
	Clock clock.Clock

	// Relay is the trampoline relay policy.
	Relay RelayParams

	// FinalCltvRejectDelta is the minimum number of blocks between the
	// chain tip and an incoming HTLC's expiry for a terminal payment to
	// still be claimable.
	FinalCltvRejectDelta uint32

	// MppTimeout is the grace period granted to an incomplete set after
	// its latest part arrived.
	MppTimeout time.Duration

	// AllowedChans lists the local channels an onward payment may use.
	// Nil or empty means no restriction.
	AllowedChans func() []lnwire.ChannelID
}

// Registry maps payment tags to their active FSM. It creates FSMs on
// demand, dispatches wallet inputs to them and is the single place FSMs
// deregister from when they become defunct.
type Registry struct {
	cfg *Config

	mtx  sync.RWMutex
	fsms map[mpp.FullPaymentTag]paymentFSM

	// poke asks the wallet for a fresh snapshot out of schedule. Set by
	// the publisher; a no-op by default.
	pokeMtx sync.RWMutex
	poke    func()

	stopped sync.Once
	quit    chan struct{}
}

// NewRegistry creates an empty registry. Absent options fall back to the
// package defaults.
func NewRegistry(cfg *Config) *Registry {
	cfgCopy := *cfg
	if cfgCopy.Clock == nil {
		cfgCopy.Clock = clock.NewDefaultClock()
	}
	if cfgCopy.MppTimeout == 0 {
		cfgCopy.MppTimeout = DefaultMppTimeout
	}
	if cfgCopy.FinalCltvRejectDelta == 0 {
		cfgCopy.FinalCltvRejectDelta = DefaultFinalCltvRejectDelta
	}
	if cfgCopy.Relay == (RelayParams{}) {
		cfgCopy.Relay = DefaultRelayParams()
	}
	if cfgCopy.AllowedChans == nil {
		cfgCopy.AllowedChans = func() []lnwire.ChannelID {
			return nil
		}
	}

	return &Registry{
		cfg:  &cfgCopy,
		fsms: make(map[mpp.FullPaymentTag]paymentFSM),
		poke: func() {},
		quit: make(chan struct{}),
	}
}

// Stop halts every FSM event loop without driving the FSMs to a terminal
// state; unresolved payments are picked up from snapshots after a restart.
func (r *Registry) Stop() {
	r.stopped.Do(func() {
		close(r.quit)

		r.mtx.Lock()
		fsms := make([]paymentFSM, 0, len(r.fsms))
		for _, fsm := range r.fsms {
			fsms = append(fsms, fsm)
		}
		r.fsms = make(map[mpp.FullPaymentTag]paymentFSM)
		r.mtx.Unlock()

		for _, fsm := range fsms {
			fsm.halt()
		}

		log.Debugf("Registry: stopped %v FSMs", len(fsms))
	})
}

// NotifyHtlcArrived routes the fine-grained arrival notification of one
// incoming HTLC to the tag's FSM, creating it first if this is the tag's
// first part.
func (r *Registry) NotifyHtlcArrived(tag mpp.FullPaymentTag,
	htlc mpp.IncomingHtlc) error {

	fsm, err := r.fetchOrCreate(tag)
	if err != nil {
		return err
	}

	fsm.deliver(htlcArrivedEvent{htlc: htlc})
	return nil
}

// ProcessSnapshot fans the wallet consistency snapshot out to every FSM.
// Tags present in the snapshot without an FSM get one created first, which
// is how unresolved payments are re-adopted after a restart.
func (r *Registry) ProcessSnapshot(snapshot *InFlightPayments) error {
	select {
	case <-r.quit:
		return ErrRegistryStopped
	default:
	}

	for tag := range snapshot.Tags() {
		if _, err := r.fetchOrCreate(tag); err != nil {
			log.Errorf("Registry: unable to adopt %v: %v", tag,
				err)
		}
	}

	// Every FSM sees every snapshot: the ones whose tag is absent use
	// it as their signal to shut down.
	r.mtx.RLock()
	fsms := make([]paymentFSM, 0, len(r.fsms))
	for _, fsm := range r.fsms {
		fsms = append(fsms, fsm)
	}
	r.mtx.RUnlock()

	for _, fsm := range fsms {
		fsm.deliver(snapshotEvent{snapshot: snapshot})
	}

	return nil
}

// fetchOrCreate returns the FSM for the tag, creating and starting one
// keyed on the tag kind if none is registered.
func (r *Registry) fetchOrCreate(tag mpp.FullPaymentTag) (paymentFSM, error) {
	select {
	case <-r.quit:
		return nil, ErrRegistryStopped
	default:
	}

	r.mtx.RLock()
	fsm, ok := r.fsms[tag]
	r.mtx.RUnlock()
	if ok {
		return fsm, nil
	}

	r.mtx.Lock()
	// Re-check under the write lock, another input may have won the
	// race.
	if fsm, ok := r.fsms[tag]; ok {
		r.mtx.Unlock()
		return fsm, nil
	}

	var created paymentFSM
	switch tag.Kind {
	case mpp.FinalIncoming:
		created = newReceiver(tag, r)

	case mpp.TrampolineRouted:
		created = newRelayer(tag, r)

	default:
		r.mtx.Unlock()
		return nil, fmt.Errorf("unknown payment kind %v", tag.Kind)
	}

	r.fsms[tag] = created
	r.mtx.Unlock()

	created.start()

	return created, nil
}

// remove deregisters the FSM for the tag, but only if it is still the
// registered one; a defunct FSM must not evict its replacement.
func (r *Registry) remove(tag mpp.FullPaymentTag, fsm paymentFSM) {
	r.mtx.Lock()
	if current, ok := r.fsms[tag]; ok && current == fsm {
		delete(r.fsms, tag)
	}
	r.mtx.Unlock()
}

// numFSMs returns the number of registered FSMs.
func (r *Registry) numFSMs() int {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	return len(r.fsms)
}

// SetSnapshotPoker installs the wallet's out-of-schedule snapshot trigger.
func (r *Registry) SetSnapshotPoker(poke func()) {
	r.pokeMtx.Lock()
	r.poke = poke
	r.pokeMtx.Unlock()
}

// pokeSnapshot asks the wallet for a fresh snapshot out of schedule.
func (r *Registry) pokeSnapshot() {
	r.pokeMtx.RLock()
	poke := r.poke
	r.pokeMtx.RUnlock()

	poke()
}

// Publisher periodically assembles the wallet consistency snapshot and
// feeds it to the registry. FSMs can request an immediate round through
// the registry's snapshot poker.
type Publisher struct {
	source SnapshotSource
	reg    *Registry
	tick   ticker.Ticker

	poke chan struct{}

	started sync.Once
	stopped sync.Once
	quit    chan struct{}
	wg      sync.WaitGroup
}

// NewPublisher wires a publisher to the registry. The ticker's interval is
// the wallet's consistency-scan period; correctness never depends on it.
func NewPublisher(source SnapshotSource, reg *Registry,
	tick ticker.Ticker) *Publisher {

	p := &Publisher{
		source: source,
		reg:    reg,
		tick:   tick,
		poke:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
	}

	reg.SetSnapshotPoker(p.Poke)

	return p
}

// Start launches the publishing loop.
func (p *Publisher) Start() {
	p.started.Do(func() {
		p.tick.Resume()

		p.wg.Add(1)
		go p.publishLoop()
	})
}

// Stop halts the publishing loop.
func (p *Publisher) Stop() {
	p.stopped.Do(func() {
		p.tick.Stop()
		close(p.quit)
		p.wg.Wait()
	})
}

// Poke requests an immediate publishing round. Multiple pokes between
// rounds coalesce into one.
func (p *Publisher) Poke() {
	select {
	case p.poke <- struct{}{}:
	default:
	}
}

// publishLoop assembles and dispatches snapshots until stopped.
func (p *Publisher) publishLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.tick.Ticks():
		case <-p.poke:
		case <-p.quit:
			return
		}

		snapshot, err := p.source.InFlight()
		if err != nil {
			log.Errorf("Publisher: unable to assemble snapshot: "+
				"%v", err)
			continue
		}

		if err := p.reg.ProcessSnapshot(snapshot); err != nil {
			log.Debugf("Publisher: snapshot dropped: %v", err)
		}
	}
}
