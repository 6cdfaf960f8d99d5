package incoming

import (
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/stretchr/testify/require"

	"github.com/nimbuswallet/nimbusd/mpp"
	"github.com/nimbuswallet/nimbusd/outgoing"
	"github.com/nimbuswallet/nimbusd/paymentsdb"
)

// testHeight is the chain tip used by default in tests.
const testHeight uint32 = 600_000

type fulfillRec struct {
	chanID   lnwire.ChannelID
	htlcID   uint64
	preimage lntypes.Preimage
}

type failRec struct {
	chanID  lnwire.ChannelID
	htlcID  uint64
	failure lnwire.FailureMessage
}

type incorrectRec struct {
	chanID lnwire.ChannelID
	htlcID uint64
	amount lnwire.MilliSatoshi
	height uint32
}

// mockBus records every channel command it receives.
type mockBus struct {
	mtx       sync.Mutex
	fulfills  []fulfillRec
	fails     []failRec
	incorrect []incorrectRec
}

func (m *mockBus) Fulfill(chanID lnwire.ChannelID, htlcID uint64,
	preimage lntypes.Preimage) {

	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.fulfills = append(m.fulfills, fulfillRec{chanID, htlcID, preimage})
}

func (m *mockBus) Fail(chanID lnwire.ChannelID, htlcID uint64,
	failure lnwire.FailureMessage) {

	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.fails = append(m.fails, failRec{chanID, htlcID, failure})
}

func (m *mockBus) FailIncorrectDetails(chanID lnwire.ChannelID, htlcID uint64,
	amount lnwire.MilliSatoshi, height uint32) {

	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.incorrect = append(
		m.incorrect, incorrectRec{chanID, htlcID, amount, height},
	)
}

func (m *mockBus) numFulfills() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.fulfills)
}

func (m *mockBus) numFails() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.fails)
}

func (m *mockBus) numIncorrect() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.incorrect)
}

// mockOracle supplies a fixed best height.
type mockOracle struct {
	mtx    sync.Mutex
	height uint32
}

func (m *mockOracle) BestHeight() uint32 {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.height
}

// mockSender records sender commands and lets tests fan events back in
// through the embedded listener set.
type mockSender struct {
	*outgoing.ListenerSet

	mtx     sync.Mutex
	created []mpp.FullPaymentTag
	removed []mpp.FullPaymentTag
	sent    []*outgoing.SendMultiPart
	usedFee lnwire.MilliSatoshi
}

func newMockSender() *mockSender {
	return &mockSender{ListenerSet: outgoing.NewListenerSet()}
}

func (m *mockSender) CreateSenderFSM(tag mpp.FullPaymentTag) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.created = append(m.created, tag)
}

func (m *mockSender) RemoveSenderFSM(tag mpp.FullPaymentTag) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.removed = append(m.removed, tag)
}

func (m *mockSender) SendMultiPart(cmd *outgoing.SendMultiPart) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.sent = append(m.sent, cmd)
}

func (m *mockSender) UsedFee(mpp.FullPaymentTag) lnwire.MilliSatoshi {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.usedFee
}

func (m *mockSender) numSent() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.sent)
}

func (m *mockSender) lastSent(t *testing.T) *outgoing.SendMultiPart {
	t.Helper()

	m.mtx.Lock()
	defer m.mtx.Unlock()
	require.NotEmpty(t, m.sent)
	return m.sent[len(m.sent)-1]
}

// testCtx bundles a registry wired to mocks and a real kvdb-backed store.
type testCtx struct {
	t      *testing.T
	reg    *Registry
	store  *paymentsdb.CachedStore
	bus    *mockBus
	sender *mockSender
	oracle *mockOracle
	clock  *clock.TestClock
}

func newTestCtx(t *testing.T) *testCtx {
	t.Helper()

	backend, cleanup, err := kvdb.GetTestBackend(t.TempDir(), "payments")
	require.NoError(t, err)
	t.Cleanup(cleanup)

	kvStore, err := paymentsdb.NewKVStore(backend)
	require.NoError(t, err)

	ctx := &testCtx{
		t:      t,
		store:  paymentsdb.NewCachedStore(kvStore),
		bus:    &mockBus{},
		sender: newMockSender(),
		oracle: &mockOracle{height: testHeight},
		clock:  clock.NewTestClock(time.Unix(1_700_000_000, 0)),
	}

	ctx.reg = NewRegistry(&Config{
		Store:                ctx.store,
		Bus:                  ctx.bus,
		Sender:               ctx.sender,
		Oracle:               ctx.oracle,
		Clock:                ctx.clock,
		Relay:                testRelayParams(),
		FinalCltvRejectDelta: 9,
		MppTimeout:           time.Minute,
	})
	t.Cleanup(ctx.reg.Stop)

	return ctx
}

// testRelayParams charges 1000 msat flat plus 1% linear, with no surcharge
// shaping.
func testRelayParams() RelayParams {
	return RelayParams{
		BaseMsat:          1000,
		Proportional:      10_000,
		Exponent:          1.0,
		LogExponentFactor: 1.0,
		CltvDelta:         40,
		MinimumMsat:       1000,
	}
}

// addInvoice seeds an invoice for the hash of the returned preimage.
func (c *testCtx) addInvoice(preimage lntypes.Preimage,
	amount fn.Option[lnwire.MilliSatoshi]) {

	c.t.Helper()

	err := c.store.AddIncoming(preimage.Hash(), preimage, amount)
	require.NoError(c.t, err)
}

// finalTag builds a final-incoming tag for the hash.
func finalTag(hash lntypes.Hash) mpp.FullPaymentTag {
	return mpp.FullPaymentTag{
		PaymentHash:   hash,
		PaymentSecret: mpp.Secret{1, 2, 3},
		Kind:          mpp.FinalIncoming,
	}
}

// routedTag builds a trampoline-routed tag for the hash.
func routedTag(hash lntypes.Hash) mpp.FullPaymentTag {
	return mpp.FullPaymentTag{
		PaymentHash:   hash,
		PaymentSecret: mpp.Secret{4, 5, 6},
		Kind:          mpp.TrampolineRouted,
	}
}

// testPreimage derives a deterministic preimage from the seed.
func testPreimage(seed byte) lntypes.Preimage {
	var preimage lntypes.Preimage
	for i := range preimage {
		preimage[i] = seed
	}

	return preimage
}

// testChanID derives a deterministic channel id from the seed.
func testChanID(seed byte) lnwire.ChannelID {
	var chanID lnwire.ChannelID
	chanID[0] = seed

	return chanID
}

// localHtlc builds a final-incoming HTLC view.
func localHtlc(chanSeed byte, htlcID uint64, amount lnwire.MilliSatoshi,
	expiry uint32, total lnwire.MilliSatoshi) *mpp.LocalHtlc {

	return &mpp.LocalHtlc{
		Htlc: mpp.Htlc{
			ChanID:     testChanID(chanSeed),
			ID:         htlcID,
			Amount:     amount,
			CltvExpiry: expiry,
		},
		TotalAmount: total,
	}
}

// snapshotIn builds a snapshot carrying only incoming HTLCs for one tag.
func snapshotIn(tag mpp.FullPaymentTag,
	htlcs ...mpp.IncomingHtlc) *InFlightPayments {

	snapshot := &InFlightPayments{
		In:  make(map[mpp.FullPaymentTag][]mpp.IncomingHtlc),
		Out: make(map[mpp.FullPaymentTag][]outgoing.Attempt),
	}
	if len(htlcs) > 0 {
		snapshot.In[tag] = htlcs
	}

	return snapshot
}

// emptySnapshot builds a snapshot with no HTLCs at all.
func emptySnapshot() *InFlightPayments {
	return &InFlightPayments{
		In:  make(map[mpp.FullPaymentTag][]mpp.IncomingHtlc),
		Out: make(map[mpp.FullPaymentTag][]outgoing.Attempt),
	}
}
