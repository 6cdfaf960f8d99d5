package paymentsdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
)

var (
	// paymentsBucket holds one entry per known payment hash, keyed by the
	// hash, containing the serialized PaymentInfo.
	paymentsBucket = []byte("incoming-payments")

	// preimagesBucket maps payment hash to bare 32-byte preimage. Kept
	// separate from payment metadata so a preimage learned for an
	// unknown hash still has a home.
	preimagesBucket = []byte("payment-preimages")

	// relaysBucket maps payment hash to the serialized RelayInfo of a
	// settled relay.
	relaysBucket = []byte("relayed-preimages")

	// byteOrder is the ordering used for all stored integers.
	byteOrder = binary.BigEndian
)

// KVStore implements Store on top of a kvdb backend.
type KVStore struct {
	db kvdb.Backend
}

// A compile time check to ensure KVStore implements the Store interface.
var _ Store = (*KVStore)(nil)

// NewKVStore creates the top-level buckets if needed and returns a store
// ready for use.
func NewKVStore(db kvdb.Backend) (*KVStore, error) {
	err := kvdb.Update(db, func(tx kvdb.RwTx) error {
		for _, bucket := range [][]byte{
			paymentsBucket, preimagesBucket, relaysBucket,
		} {
			_, err := tx.CreateTopLevelBucket(bucket)
			if err != nil {
				return err
			}
		}

		return nil
	}, func() {})
	if err != nil {
		return nil, fmt.Errorf("unable to create payment "+
			"buckets: %w", err)
	}

	return &KVStore{db: db}, nil
}

// PaymentInfo returns the stored metadata for the hash, or None when the
// hash is unknown.
func (s *KVStore) PaymentInfo(hash lntypes.Hash) (fn.Option[PaymentInfo],
	error) {

	var info fn.Option[PaymentInfo]
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(paymentsBucket)
		if bucket == nil {
			return nil
		}

		raw := bucket.Get(hash[:])
		if raw == nil {
			return nil
		}

		decoded, err := deserializePaymentInfo(bytes.NewReader(raw))
		if err != nil {
			return err
		}
		info = fn.Some(decoded)

		return nil
	}, func() {
		info = fn.None[PaymentInfo]()
	})
	if err != nil {
		return fn.None[PaymentInfo](), err
	}

	return info, nil
}

// Preimage returns the stored preimage for the hash, or None when no
// preimage is known.
func (s *KVStore) Preimage(hash lntypes.Hash) (fn.Option[lntypes.Preimage],
	error) {

	var preimage fn.Option[lntypes.Preimage]
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(preimagesBucket)
		if bucket == nil {
			return nil
		}

		raw := bucket.Get(hash[:])
		if raw == nil {
			return nil
		}

		decoded, err := lntypes.MakePreimage(raw)
		if err != nil {
			return err
		}
		preimage = fn.Some(decoded)

		return nil
	}, func() {
		preimage = fn.None[lntypes.Preimage]()
	})
	if err != nil {
		return fn.None[lntypes.Preimage](), err
	}

	return preimage, nil
}

// AddIncoming seeds metadata for a freshly issued invoice. The preimage is
// stored alongside the metadata so later lookups by hash alone succeed.
func (s *KVStore) AddIncoming(hash lntypes.Hash, preimage lntypes.Preimage,
	amount fn.Option[lnwire.MilliSatoshi]) error {

	info := PaymentInfo{
		IsIncoming:      true,
		AmountRequested: amount,
		Preimage:        preimage,
		Status:          StatusPending,
	}

	var b bytes.Buffer
	if err := serializePaymentInfo(&b, &info); err != nil {
		return err
	}
	infoBytes := b.Bytes()

	return kvdb.Batch(s.db, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(paymentsBucket)
		if bucket.Get(hash[:]) != nil {
			return ErrPaymentExists
		}

		return bucket.Put(hash[:], infoBytes)
	})
}

// SettleIncoming marks the incoming payment as succeeded with the amount
// actually received.
func (s *KVStore) SettleIncoming(hash lntypes.Hash,
	amount lnwire.MilliSatoshi) error {

	return kvdb.Batch(s.db, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(paymentsBucket)

		// Updating a hash without metadata is a no-op: preimages can
		// be known for payments we never issued an invoice for.
		raw := bucket.Get(hash[:])
		if raw == nil {
			return nil
		}

		info, err := deserializePaymentInfo(bytes.NewReader(raw))
		if err != nil {
			return err
		}

		// Settling twice with the same outcome happens on replays
		// after a restart and is not an error.
		if info.Status == StatusSucceeded {
			if info.AmountReceived == amount {
				return nil
			}

			return ErrPaymentAlreadySettled
		}

		info.Status = StatusSucceeded
		info.AmountReceived = amount

		var b bytes.Buffer
		if err := serializePaymentInfo(&b, &info); err != nil {
			return err
		}

		return bucket.Put(hash[:], b.Bytes())
	})
}

// StorePreimage persists a preimage for the hash.
func (s *KVStore) StorePreimage(hash lntypes.Hash,
	preimage lntypes.Preimage) error {

	if !preimage.Matches(hash) {
		return fmt.Errorf("preimage %v does not match hash %v",
			preimage, hash)
	}

	return kvdb.Batch(s.db, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(preimagesBucket)
		return bucket.Put(hash[:], preimage[:])
	})
}

// AddRelayedPreimage records the preimage and fee economics of a settled
// relay.
func (s *KVStore) AddRelayedPreimage(hash lntypes.Hash,
	preimage lntypes.Preimage, amountForwarded,
	finalFee lnwire.MilliSatoshi) error {

	info := RelayInfo{
		Preimage:        preimage,
		AmountForwarded: amountForwarded,
		FinalFee:        finalFee,
	}

	var b bytes.Buffer
	if err := serializeRelayInfo(&b, &info); err != nil {
		return err
	}
	infoBytes := b.Bytes()

	return kvdb.Batch(s.db, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(relaysBucket)
		return bucket.Put(hash[:], infoBytes)
	})
}

// RelayedPreimage returns the relay record for the hash, or None when the
// hash was never relayed.
func (s *KVStore) RelayedPreimage(hash lntypes.Hash) (fn.Option[RelayInfo],
	error) {

	var info fn.Option[RelayInfo]
	err := kvdb.View(s.db, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(relaysBucket)
		if bucket == nil {
			return nil
		}

		raw := bucket.Get(hash[:])
		if raw == nil {
			return nil
		}

		decoded, err := deserializeRelayInfo(bytes.NewReader(raw))
		if err != nil {
			return err
		}
		info = fn.Some(decoded)

		return nil
	}, func() {
		info = fn.None[RelayInfo]()
	})
	if err != nil {
		return fn.None[RelayInfo](), err
	}

	return info, nil
}

// serializePaymentInfo writes the payment metadata in a fixed binary layout.
func serializePaymentInfo(w io.Writer, info *PaymentInfo) error {
	var flags byte
	if info.IsIncoming {
		flags |= 1 << 0
	}
	if info.AmountRequested.IsSome() {
		flags |= 1 << 1
	}

	if _, err := w.Write([]byte{flags, byte(info.Status)}); err != nil {
		return err
	}

	var scratch [8]byte
	amt := info.AmountRequested.UnwrapOr(0)
	byteOrder.PutUint64(scratch[:], uint64(amt))
	if _, err := w.Write(scratch[:]); err != nil {
		return err
	}

	byteOrder.PutUint64(scratch[:], uint64(info.AmountReceived))
	if _, err := w.Write(scratch[:]); err != nil {
		return err
	}

	_, err := w.Write(info.Preimage[:])
	return err
}

// deserializePaymentInfo is the inverse of serializePaymentInfo.
func deserializePaymentInfo(r io.Reader) (PaymentInfo, error) {
	var info PaymentInfo

	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return info, err
	}
	info.IsIncoming = header[0]&(1<<0) != 0
	hasAmount := header[0]&(1<<1) != 0
	info.Status = Status(header[1])

	var scratch [8]byte
	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return info, err
	}
	if hasAmount {
		amt := lnwire.MilliSatoshi(byteOrder.Uint64(scratch[:]))
		info.AmountRequested = fn.Some(amt)
	}

	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return info, err
	}
	info.AmountReceived = lnwire.MilliSatoshi(byteOrder.Uint64(scratch[:]))

	if _, err := io.ReadFull(r, info.Preimage[:]); err != nil {
		return info, err
	}

	return info, nil
}

// serializeRelayInfo writes the relay record in a fixed binary layout.
func serializeRelayInfo(w io.Writer, info *RelayInfo) error {
	if _, err := w.Write(info.Preimage[:]); err != nil {
		return err
	}

	var scratch [8]byte
	byteOrder.PutUint64(scratch[:], uint64(info.AmountForwarded))
	if _, err := w.Write(scratch[:]); err != nil {
		return err
	}

	byteOrder.PutUint64(scratch[:], uint64(info.FinalFee))
	_, err := w.Write(scratch[:])
	return err
}

// deserializeRelayInfo is the inverse of serializeRelayInfo.
func deserializeRelayInfo(r io.Reader) (RelayInfo, error) {
	var info RelayInfo

	if _, err := io.ReadFull(r, info.Preimage[:]); err != nil {
		return info, err
	}

	var scratch [8]byte
	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return info, err
	}
	info.AmountForwarded = lnwire.MilliSatoshi(byteOrder.Uint64(scratch[:]))

	if _, err := io.ReadFull(r, scratch[:]); err != nil {
		return info, err
	}
	info.FinalFee = lnwire.MilliSatoshi(byteOrder.Uint64(scratch[:]))

	return info, nil
}
