package invoices

import (
	"github.com/lightningnetwork/lnd/lntypes"
)

// FailureReason codes the way a held htlc is failed back to its sender. The
// values are the BOLT #4 wire failure codes the host node puts on the wire.
type FailureReason uint16

const (
	// FailureReasonIncorrectDetails fails the htlc with
	// incorrect_or_unknown_payment_details (0x400F). Used for htlcs paying
	// to canceled invoices and for htlcs whose offered expiry is below the
	// invoice's minimum.
	FailureReasonIncorrectDetails FailureReason = 0x400F

	// FailureReasonMppTimeout fails the htlc with mpp_timeout (0x0017).
	// Used for htlcs that waited past the hold budget without the invoice
	// becoming fully funded.
	FailureReasonMppTimeout FailureReason = 0x0017
)

// String returns a human readable identifier for the failure reason.
func (f FailureReason) String() string {
	switch f {
	case FailureReasonIncorrectDetails:
		return "incorrect_or_unknown_payment_details"
	case FailureReasonMppTimeout:
		return "mpp_timeout"
	}

	return "unknown"
}

// HtlcResolution is the exactly-once outcome of a held htlc. Either Preimage
// is non-nil and the htlc is to be settled with it, or Failure is non-nil and
// the htlc is to be failed back with that reason.
//
// For htlcs that cannot be resolved synchronously, the resolution is sent on
// the hodl channel the htlc was registered with. Each htlc receives exactly
// one resolution over its lifetime.
type HtlcResolution struct {
	// Hash is the payment hash of the invoice the htlc paid to.
	Hash lntypes.Hash

	// Preimage is the revealed payment preimage, set on settle.
	Preimage *lntypes.Preimage

	// Failure is the failure reason, set on fail.
	Failure *FailureReason
}

// settleResolution builds a settle resolution for the given invoice preimage.
func settleResolution(hash lntypes.Hash,
	preimage *lntypes.Preimage) *HtlcResolution {

	return &HtlcResolution{
		Hash:     hash,
		Preimage: preimage,
	}
}

// failResolution builds a fail resolution with the given reason.
func failResolution(hash lntypes.Hash, reason FailureReason) *HtlcResolution {
	return &HtlcResolution{
		Hash:    hash,
		Failure: &reason,
	}
}
