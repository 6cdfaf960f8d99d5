package paymentsdb

import (
	"sync"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
)

// CachedStore memoizes the two hot lookups of a Store, PaymentInfo and
// Preimage, which are consulted at every decision point of the incoming
// payment machinery. Mutating calls invalidate the affected hash so a read
// performed right after a settle observes the persisted state.
type CachedStore struct {
	Store

	mtx       sync.Mutex
	infos     map[lntypes.Hash]fn.Option[PaymentInfo]
	preimages map[lntypes.Hash]fn.Option[lntypes.Preimage]
}

// A compile time check to ensure CachedStore implements the Store interface.
var _ Store = (*CachedStore)(nil)

// NewCachedStore wraps the given store with a memoizing layer.
func NewCachedStore(store Store) *CachedStore {
	return &CachedStore{
		Store:     store,
		infos:     make(map[lntypes.Hash]fn.Option[PaymentInfo]),
		preimages: make(map[lntypes.Hash]fn.Option[lntypes.Preimage]),
	}
}

// PaymentInfo returns the stored metadata for the hash, consulting the
// backing store only on a cache miss. Negative results are cached too, since
// unknown hashes are the common case for unsolicited payments.
func (c *CachedStore) PaymentInfo(hash lntypes.Hash) (fn.Option[PaymentInfo],
	error) {

	c.mtx.Lock()
	if info, ok := c.infos[hash]; ok {
		c.mtx.Unlock()
		return info, nil
	}
	c.mtx.Unlock()

	info, err := c.Store.PaymentInfo(hash)
	if err != nil {
		return fn.None[PaymentInfo](), err
	}

	c.mtx.Lock()
	c.infos[hash] = info
	c.mtx.Unlock()

	return info, nil
}

// Preimage returns the stored preimage for the hash, consulting the backing
// store only on a cache miss.
func (c *CachedStore) Preimage(hash lntypes.Hash) (fn.Option[lntypes.Preimage],
	error) {

	c.mtx.Lock()
	if preimage, ok := c.preimages[hash]; ok {
		c.mtx.Unlock()
		return preimage, nil
	}
	c.mtx.Unlock()

	preimage, err := c.Store.Preimage(hash)
	if err != nil {
		return fn.None[lntypes.Preimage](), err
	}

	c.mtx.Lock()
	c.preimages[hash] = preimage
	c.mtx.Unlock()

	return preimage, nil
}

// invalidate drops both cached lookups for the hash.
func (c *CachedStore) invalidate(hash lntypes.Hash) {
	c.mtx.Lock()
	delete(c.infos, hash)
	delete(c.preimages, hash)
	c.mtx.Unlock()
}

// AddIncoming seeds metadata for a freshly issued invoice.
func (c *CachedStore) AddIncoming(hash lntypes.Hash, preimage lntypes.Preimage,
	amount fn.Option[lnwire.MilliSatoshi]) error {

	if err := c.Store.AddIncoming(hash, preimage, amount); err != nil {
		return err
	}
	c.invalidate(hash)

	return nil
}

// SettleIncoming marks the incoming payment as succeeded.
func (c *CachedStore) SettleIncoming(hash lntypes.Hash,
	amount lnwire.MilliSatoshi) error {

	if err := c.Store.SettleIncoming(hash, amount); err != nil {
		return err
	}
	c.invalidate(hash)

	return nil
}

// StorePreimage persists a preimage for the hash.
func (c *CachedStore) StorePreimage(hash lntypes.Hash,
	preimage lntypes.Preimage) error {

	if err := c.Store.StorePreimage(hash, preimage); err != nil {
		return err
	}
	c.invalidate(hash)

	return nil
}

// AddRelayedPreimage records the preimage and fee economics of a settled
// relay.
func (c *CachedStore) AddRelayedPreimage(hash lntypes.Hash,
	preimage lntypes.Preimage, amountForwarded,
	finalFee lnwire.MilliSatoshi) error {

	err := c.Store.AddRelayedPreimage(
		hash, preimage, amountForwarded, finalFee,
	)
	if err != nil {
		return err
	}
	c.invalidate(hash)

	return nil
}
