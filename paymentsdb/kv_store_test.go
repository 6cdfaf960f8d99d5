package paymentsdb

import (
	"testing"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/stretchr/testify/require"
)

func newTestKVStore(t *testing.T) *KVStore {
	t.Helper()

	backend, cleanup, err := kvdb.GetTestBackend(t.TempDir(), "payments")
	require.NoError(t, err)
	t.Cleanup(cleanup)

	store, err := NewKVStore(backend)
	require.NoError(t, err)

	return store
}

func testPreimage(seed byte) lntypes.Preimage {
	var preimage lntypes.Preimage
	for i := range preimage {
		preimage[i] = seed
	}

	return preimage
}

// TestKVStorePaymentRoundTrip checks seeding and reading payment metadata
// in both the fixed-amount and amount-less shapes.
func TestKVStorePaymentRoundTrip(t *testing.T) {
	t.Parallel()

	store := newTestKVStore(t)

	fixed := testPreimage(1)
	err := store.AddIncoming(
		fixed.Hash(), fixed, fn.Some(lnwire.MilliSatoshi(42_000)),
	)
	require.NoError(t, err)

	amountless := testPreimage(2)
	err = store.AddIncoming(
		amountless.Hash(), amountless,
		fn.None[lnwire.MilliSatoshi](),
	)
	require.NoError(t, err)

	info, err := store.PaymentInfo(fixed.Hash())
	require.NoError(t, err)
	require.True(t, info.IsSome())
	info.WhenSome(func(i PaymentInfo) {
		require.True(t, i.IsIncoming)
		require.Equal(t, fn.Some(lnwire.MilliSatoshi(42_000)),
			i.AmountRequested)
		require.Equal(t, fixed, i.Preimage)
		require.Equal(t, StatusPending, i.Status)
	})

	info, err = store.PaymentInfo(amountless.Hash())
	require.NoError(t, err)
	info.WhenSome(func(i PaymentInfo) {
		require.True(t, i.AmountRequested.IsNone())
	})

	// Unknown hashes read back as None, not as an error.
	info, err = store.PaymentInfo(testPreimage(3).Hash())
	require.NoError(t, err)
	require.True(t, info.IsNone())

	// Double seeding is rejected.
	err = store.AddIncoming(
		fixed.Hash(), fixed, fn.Some(lnwire.MilliSatoshi(1)),
	)
	require.ErrorIs(t, err, ErrPaymentExists)
}

// TestKVStoreSettleIncoming checks the settle transition and its replay
// tolerance.
func TestKVStoreSettleIncoming(t *testing.T) {
	t.Parallel()

	store := newTestKVStore(t)
	preimage := testPreimage(4)
	err := store.AddIncoming(
		preimage.Hash(), preimage, fn.Some(lnwire.MilliSatoshi(1000)),
	)
	require.NoError(t, err)

	require.NoError(t, store.SettleIncoming(preimage.Hash(), 1100))

	info, err := store.PaymentInfo(preimage.Hash())
	require.NoError(t, err)
	info.WhenSome(func(i PaymentInfo) {
		require.Equal(t, StatusSucceeded, i.Status)
		require.Equal(t, lnwire.MilliSatoshi(1100), i.AmountReceived)
	})

	// Replaying the same settle is fine, a conflicting one is not.
	require.NoError(t, store.SettleIncoming(preimage.Hash(), 1100))
	require.ErrorIs(
		t, store.SettleIncoming(preimage.Hash(), 900),
		ErrPaymentAlreadySettled,
	)

	// Settling a hash without metadata is a silent no-op.
	require.NoError(t, store.SettleIncoming(testPreimage(5).Hash(), 1))
}

// TestKVStorePreimages checks preimage storage and the hash check guarding
// it.
func TestKVStorePreimages(t *testing.T) {
	t.Parallel()

	store := newTestKVStore(t)
	preimage := testPreimage(6)

	stored, err := store.Preimage(preimage.Hash())
	require.NoError(t, err)
	require.True(t, stored.IsNone())

	require.NoError(t, store.StorePreimage(preimage.Hash(), preimage))

	stored, err = store.Preimage(preimage.Hash())
	require.NoError(t, err)
	require.Equal(t, fn.Some(preimage), stored)

	// A preimage not hashing to the key is rejected outright.
	err = store.StorePreimage(testPreimage(7).Hash(), preimage)
	require.Error(t, err)
}

// TestKVStoreRelayRecords checks the relay economics round trip.
func TestKVStoreRelayRecords(t *testing.T) {
	t.Parallel()

	store := newTestKVStore(t)
	preimage := testPreimage(8)

	err := store.AddRelayedPreimage(
		preimage.Hash(), preimage, 95_000, 4500,
	)
	require.NoError(t, err)

	relay, err := store.RelayedPreimage(preimage.Hash())
	require.NoError(t, err)
	require.True(t, relay.IsSome())
	relay.WhenSome(func(info RelayInfo) {
		require.Equal(t, preimage, info.Preimage)
		require.Equal(t, lnwire.MilliSatoshi(95_000),
			info.AmountForwarded)
		require.Equal(t, lnwire.MilliSatoshi(4500), info.FinalFee)
	})
}
