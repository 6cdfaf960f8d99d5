package paymentsdb

import (
	"errors"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
)

var (
	// ErrPaymentAlreadySettled is returned when we attempt to settle a
	// payment that has already succeeded with a different amount.
	ErrPaymentAlreadySettled = errors.New("payment is already settled")

	// ErrPaymentExists is returned when seeding a payment hash that is
	// already present.
	ErrPaymentExists = errors.New("payment already exists")
)

// Status describes where an incoming payment is in its life cycle.
type Status byte

const (
	// StatusPending is the initial status of every stored payment.
	StatusPending Status = 0

	// StatusSucceeded means the payment has been settled and its
	// preimage released.
	StatusSucceeded Status = 1

	// StatusFailed means the payment failed remotely.
	StatusFailed Status = 2

	// StatusAborted means we rejected the payment locally.
	StatusAborted Status = 3
)

// String returns a human-readable Status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusAborted:
		return "aborted"
	}

	return "unknown"
}

// PaymentInfo is the stored metadata for a payment hash we know about,
// usually because we issued an invoice for it.
type PaymentInfo struct {
	// IsIncoming is true for payments addressed to this node, false for
	// records tracking payments we sent ourselves.
	IsIncoming bool

	// AmountRequested is the invoiced amount. None means an amount-less
	// invoice that accepts whatever the sender delivers.
	AmountRequested fn.Option[lnwire.MilliSatoshi]

	// AmountReceived is the amount actually delivered, set when the
	// payment settles.
	AmountReceived lnwire.MilliSatoshi

	// Preimage is the stored preimage for the hash.
	Preimage lntypes.Preimage

	// Status is the payment's current life-cycle status.
	Status Status
}

// RelayInfo records the economics of a relayed payment whose preimage we
// learned from the downstream leg.
type RelayInfo struct {
	// Preimage is the preimage revealed downstream.
	Preimage lntypes.Preimage

	// AmountForwarded is the amount delivered to the next node.
	AmountForwarded lnwire.MilliSatoshi

	// FinalFee is what the relay earned after subtracting the fee the
	// onward payment spent.
	FinalFee lnwire.MilliSatoshi
}

// Store is the payment metadata and preimage storage the incoming-payment
// machinery reads and writes. Lookups are cheap enough to be called at every
// decision point; implementations are expected to memoize (see CachedStore).
type Store interface {
	// PaymentInfo returns the stored metadata for the hash, or None when
	// the hash is unknown.
	PaymentInfo(hash lntypes.Hash) (fn.Option[PaymentInfo], error)

	// Preimage returns the stored preimage for the hash, or None when no
	// preimage is known.
	Preimage(hash lntypes.Hash) (fn.Option[lntypes.Preimage], error)

	// AddIncoming seeds metadata for a freshly issued invoice.
	AddIncoming(hash lntypes.Hash, preimage lntypes.Preimage,
		amount fn.Option[lnwire.MilliSatoshi]) error

	// SettleIncoming marks the incoming payment as succeeded with the
	// amount actually received.
	SettleIncoming(hash lntypes.Hash, amount lnwire.MilliSatoshi) error

	// StorePreimage persists a preimage for the hash, independently of
	// any invoice metadata.
	StorePreimage(hash lntypes.Hash, preimage lntypes.Preimage) error

	// AddRelayedPreimage records the preimage and fee economics of a
	// settled relay.
	AddRelayedPreimage(hash lntypes.Hash, preimage lntypes.Preimage,
		amountForwarded, finalFee lnwire.MilliSatoshi) error

	// RelayedPreimage returns the relay record for the hash, or None when
	// the hash was never relayed.
	RelayedPreimage(hash lntypes.Hash) (fn.Option[RelayInfo], error)
}
