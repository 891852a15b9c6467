package invoices

import (
	"time"

	"github.com/lightningnetwork/lnd/lnwire"
)

// heldHtlc is a single accepted htlc parked against a hold invoice, together
// with the hodl channel its final resolution must be delivered on.
type heldHtlc struct {
	// amt is the amount offered by the htlc.
	amt lnwire.MilliSatoshi

	// arrivalTime is the time the htlc was accepted into the set.
	arrivalTime time.Time

	// hodlChan receives the htlc's resolution. The channel is owned by
	// the context that delivered the htlc and must have capacity for one
	// event.
	hodlChan chan<- interface{}
}

// htlcSet accumulates the htlcs currently held for one invoice until the
// invoice amount is met or the htlcs expire. A set only exists while at
// least one htlc is held and the invoice isn't resolved yet; the registry
// creates it lazily on first arrival and drops it once emptied.
type htlcSet struct {
	// invoiceAmt is the amount the invoice requires to be fully funded.
	invoiceAmt lnwire.MilliSatoshi

	htlcs []heldHtlc
}

// newHtlcSet creates an empty set for an invoice requiring invoiceAmt.
func newHtlcSet(invoiceAmt lnwire.MilliSatoshi) *htlcSet {
	return &htlcSet{
		invoiceAmt: invoiceAmt,
	}
}

// addHtlc appends an htlc to the set, timestamping it with the current time.
// There is no upper bound: overfunding just makes the set fully funded
// sooner.
func (h *htlcSet) addHtlc(amt lnwire.MilliSatoshi,
	hodlChan chan<- interface{}) {

	h.htlcs = append(h.htlcs, heldHtlc{
		amt:         amt,
		arrivalTime: time.Now(),
		hodlChan:    hodlChan,
	})
}

// isFullyFunded returns true when the sum of all held htlc amounts meets or
// exceeds the invoice amount.
func (h *htlcSet) isFullyFunded() bool {
	var total lnwire.MilliSatoshi
	for _, htlc := range h.htlcs {
		total += htlc.amt
	}

	return total >= h.invoiceAmt
}

// hodlChans returns the hodl channels of all currently held htlcs. All of
// them receive the same resolution, so order is irrelevant.
func (h *htlcSet) hodlChans() []chan<- interface{} {
	chans := make([]chan<- interface{}, 0, len(h.htlcs))
	for _, htlc := range h.htlcs {
		chans = append(chans, htlc.hodlChan)
	}

	return chans
}

// purgeExpired removes all htlcs that have been held longer than maxWait as
// of now and returns them for the caller to fail. It must not be called on a
// set that became fully funded in the same decision window, so that the htlc
// that just completed funding can't be reaped out from under the acceptance.
func (h *htlcSet) purgeExpired(maxWait time.Duration,
	now time.Time) []heldHtlc {

	var expired, kept []heldHtlc
	for _, htlc := range h.htlcs {
		if now.Sub(htlc.arrivalTime) > maxWait {
			expired = append(expired, htlc)
		} else {
			kept = append(kept, htlc)
		}
	}

	h.htlcs = kept
	return expired
}
