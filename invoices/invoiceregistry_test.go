package invoices

import (
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/matheusd/holdd/channeldb"
)

var (
	testPreimage = lntypes.Preimage{
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1,
	}

	testHash = testPreimage.Hash()

	// testPayReq is an opaque payment request string. The registry never
	// decodes it; decoding happens at the interceptor boundary.
	testPayReq = "lnbc1m1pvjluezpp5qqqsyqcyq5rqwzqfqqqsyqcyq5rqwzqfqqqsyqcyq5rqwzqfqypq"

	// testInvoiceAmt is the amount required to fully fund the test
	// invoice.
	testInvoiceAmt = lnwire.MilliSatoshi(1000)
)

func newTestContext(t *testing.T) (*InvoiceRegistry, *channeldb.DB) {
	t.Helper()

	cdb, err := channeldb.Open(t.TempDir())
	if err != nil {
		t.Fatalf("unable to open channeldb: %v", err)
	}
	t.Cleanup(func() { cdb.Close() })

	registry := NewRegistry(cdb, &RegistryConfig{
		HtlcHoldDuration: DefaultHtlcHoldDuration,
		SweepInterval:    DefaultSweepInterval,
	})

	return registry, cdb
}

func addTestInvoice(t *testing.T, registry *InvoiceRegistry) *channeldb.HoldInvoice {
	t.Helper()

	invoice := &channeldb.HoldInvoice{
		PaymentHash:    testHash,
		PaymentRequest: testPayReq,
		State:          channeldb.ContractOpen,
	}
	if err := registry.AddInvoice(invoice); err != nil {
		t.Fatalf("unable to add invoice: %v", err)
	}

	return invoice
}

// notify registers an htlc of the given amount with the registry and returns
// the synchronous resolution together with the htlc's hodl channel.
func notify(t *testing.T, registry *InvoiceRegistry,
	invoice *channeldb.HoldInvoice,
	amt lnwire.MilliSatoshi) (*HtlcResolution, chan interface{}) {

	t.Helper()

	hodlChan := make(chan interface{}, 1)
	resolution, err := registry.NotifyHtlc(
		invoice, testInvoiceAmt, amt, hodlChan,
	)
	if err != nil {
		t.Fatalf("unable to notify htlc: %v", err)
	}

	return resolution, hodlChan
}

func assertNoEvent(t *testing.T, hodlChan chan interface{}) {
	t.Helper()

	select {
	case event := <-hodlChan:
		t.Fatalf("unexpected hodl event: %v", event)
	default:
	}
}

func assertSettleEvent(t *testing.T, hodlChan chan interface{}) {
	t.Helper()

	select {
	case event := <-hodlChan:
		resolution := event.(HtlcResolution)
		if resolution.Preimage == nil {
			t.Fatalf("expected settle resolution, got failure %v",
				resolution.Failure)
		}
		if *resolution.Preimage != testPreimage {
			t.Fatal("unexpected preimage in settle resolution")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no resolution received")
	}
}

func assertFailEvent(t *testing.T, hodlChan chan interface{},
	reason FailureReason) {

	t.Helper()

	select {
	case event := <-hodlChan:
		resolution := event.(HtlcResolution)
		if resolution.Failure == nil {
			t.Fatal("expected fail resolution, got settle")
		}
		if *resolution.Failure != reason {
			t.Fatalf("expected failure %v, got %v", reason,
				*resolution.Failure)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no resolution received")
	}
}

func assertDBState(t *testing.T, cdb *channeldb.DB,
	state channeldb.ContractState) {

	t.Helper()

	invoice, err := cdb.FetchInvoice(testHash)
	if err != nil {
		t.Fatalf("unable to fetch invoice: %v", err)
	}
	if invoice.State != state {
		t.Fatalf("expected state %v, got %v", state, invoice.State)
	}
}

// TestHoldInvoiceAccept tests that partial htlcs stay held without an
// outcome until the invoice amount is met, at which point the invoice is
// accepted but all htlcs remain held.
func TestHoldInvoiceAccept(t *testing.T) {
	defer timeout(t)()

	registry, cdb := newTestContext(t)
	invoice := addTestInvoice(t, registry)

	// First partial htlc: not fully funded, stays parked.
	resolution, hodlChan1 := notify(t, registry, invoice, 400)
	if resolution != nil {
		t.Fatal("expected htlc to be held")
	}
	assertDBState(t, cdb, channeldb.ContractOpen)

	// Second htlc completes funding. The invoice is accepted, both htlcs
	// keep being held.
	resolution, hodlChan2 := notify(t, registry, invoice, 600)
	if resolution != nil {
		t.Fatal("expected htlc to be held")
	}
	assertDBState(t, cdb, channeldb.ContractAccepted)

	assertNoEvent(t, hodlChan1)
	assertNoEvent(t, hodlChan2)
}

// TestSettleHoldInvoice tests settling an accepted invoice and the
// idempotency properties around it.
func TestSettleHoldInvoice(t *testing.T) {
	defer timeout(t)()

	registry, cdb := newTestContext(t)
	invoice := addTestInvoice(t, registry)

	_, hodlChan1 := notify(t, registry, invoice, 400)
	_, hodlChan2 := notify(t, registry, invoice, 600)

	if err := registry.SettleHodlInvoice(testPreimage); err != nil {
		t.Fatalf("expected settle to succeed: %v", err)
	}

	// Both held htlcs receive the preimage.
	assertSettleEvent(t, hodlChan1)
	assertSettleEvent(t, hodlChan2)

	stored, err := cdb.FetchInvoice(testHash)
	if err != nil {
		t.Fatal(err)
	}
	if stored.State != channeldb.ContractSettled {
		t.Fatalf("expected state settled, got %v", stored.State)
	}
	if stored.Preimage == nil || *stored.Preimage != testPreimage {
		t.Fatal("preimage not stored on settle")
	}

	// Settling a second time is rejected and doesn't re-deliver outcomes
	// to the already resolved htlcs.
	err = registry.SettleHodlInvoice(testPreimage)
	if _, ok := err.(*channeldb.StateTransitionError); !ok {
		t.Fatalf("expected state transition error, got %v", err)
	}
	assertNoEvent(t, hodlChan1)
	assertNoEvent(t, hodlChan2)

	// Canceling a settled invoice is rejected as well.
	err = registry.CancelInvoice(testHash)
	if _, ok := err.(*channeldb.StateTransitionError); !ok {
		t.Fatalf("expected state transition error, got %v", err)
	}

	// A late htlc on the settled invoice is given the preimage directly.
	invoice, err = cdb.FetchInvoice(testHash)
	if err != nil {
		t.Fatal(err)
	}
	resolution, _ := notify(t, registry, invoice, 100)
	if resolution == nil || resolution.Preimage == nil {
		t.Fatal("expected direct settle resolution")
	}
	if *resolution.Preimage != testPreimage {
		t.Fatal("unexpected preimage in direct settle")
	}
}

// TestSettleBeforeFunded tests that an invoice cannot jump straight from
// unpaid to settled.
func TestSettleBeforeFunded(t *testing.T) {
	defer timeout(t)()

	registry, _ := newTestContext(t)
	addTestInvoice(t, registry)

	err := registry.SettleHodlInvoice(testPreimage)
	if _, ok := err.(*channeldb.StateTransitionError); !ok {
		t.Fatalf("expected state transition error, got %v", err)
	}
}

// TestCancelInvoice tests canceling an invoice with held htlcs and the
// behavior of htlcs arriving after cancelation.
func TestCancelInvoice(t *testing.T) {
	defer timeout(t)()

	registry, cdb := newTestContext(t)

	// Canceling an unknown hash fails.
	err := registry.CancelInvoice(testHash)
	if err != channeldb.ErrInvoiceNotFound {
		t.Fatalf("expected ErrInvoiceNotFound, got %v", err)
	}

	invoice := addTestInvoice(t, registry)
	_, hodlChan := notify(t, registry, invoice, 400)

	if err := registry.CancelInvoice(testHash); err != nil {
		t.Fatalf("expected cancel to succeed: %v", err)
	}
	assertFailEvent(t, hodlChan, FailureReasonIncorrectDetails)
	assertDBState(t, cdb, channeldb.ContractCanceled)

	// An htlc paying to the canceled invoice is failed directly, without
	// a set being created.
	invoice, err = cdb.FetchInvoice(testHash)
	if err != nil {
		t.Fatal(err)
	}
	resolution, _ := notify(t, registry, invoice, 400)
	if resolution == nil || resolution.Failure == nil {
		t.Fatal("expected direct fail resolution")
	}
	if *resolution.Failure != FailureReasonIncorrectDetails {
		t.Fatalf("expected incorrect details, got %v",
			*resolution.Failure)
	}

	registry.Lock()
	numSets := len(registry.htlcSets)
	registry.Unlock()
	if numSets != 0 {
		t.Fatalf("expected no htlc sets, got %d", numSets)
	}

	// Canceled is terminal: a second cancel is rejected.
	err = registry.CancelInvoice(testHash)
	if _, ok := err.(*channeldb.StateTransitionError); !ok {
		t.Fatalf("expected state transition error, got %v", err)
	}
}

// TestNotifyStaleInvoiceCopy tests that an htlc notification carrying an
// invoice copy fetched before a concurrent settle or cancel committed is
// resolved against the stored state, not the copy's.
func TestNotifyStaleInvoiceCopy(t *testing.T) {
	defer timeout(t)()

	registry, _ := newTestContext(t)

	// staleCopy keeps reporting the unpaid state it was fetched in.
	staleCopy := addTestInvoice(t, registry)

	_, hodlChan := notify(t, registry, staleCopy, 1000)
	if err := registry.SettleHodlInvoice(testPreimage); err != nil {
		t.Fatalf("unable to settle invoice: %v", err)
	}
	assertSettleEvent(t, hodlChan)

	// An htlc notified with the stale copy is settled directly.
	resolution, _ := notify(t, registry, staleCopy, 100)
	if resolution == nil || resolution.Preimage == nil {
		t.Fatal("expected direct settle resolution")
	}
	if *resolution.Preimage != testPreimage {
		t.Fatal("unexpected preimage in direct settle")
	}
}

// TestNotifyStaleCopyAfterCancel is the cancel counterpart of the stale copy
// test.
func TestNotifyStaleCopyAfterCancel(t *testing.T) {
	defer timeout(t)()

	registry, _ := newTestContext(t)
	staleCopy := addTestInvoice(t, registry)

	if err := registry.CancelInvoice(testHash); err != nil {
		t.Fatalf("unable to cancel invoice: %v", err)
	}

	resolution, _ := notify(t, registry, staleCopy, 400)
	if resolution == nil || resolution.Failure == nil {
		t.Fatal("expected direct fail resolution")
	}
	if *resolution.Failure != FailureReasonIncorrectDetails {
		t.Fatalf("expected incorrect details, got %v",
			*resolution.Failure)
	}

	registry.Lock()
	numSets := len(registry.htlcSets)
	registry.Unlock()
	if numSets != 0 {
		t.Fatalf("expected no htlc sets, got %d", numSets)
	}
}

// TestLateHtlcOnAcceptedInvoice tests that an htlc arriving after the invoice
// was accepted joins the held set and is resolved together with the others.
func TestLateHtlcOnAcceptedInvoice(t *testing.T) {
	defer timeout(t)()

	registry, cdb := newTestContext(t)
	invoice := addTestInvoice(t, registry)

	_, hodlChan1 := notify(t, registry, invoice, 1000)
	assertDBState(t, cdb, channeldb.ContractAccepted)

	// The extra htlc stays held alongside the funding one.
	resolution, hodlChan2 := notify(t, registry, invoice, 200)
	if resolution != nil {
		t.Fatal("expected htlc to be held")
	}
	assertDBState(t, cdb, channeldb.ContractAccepted)

	if err := registry.SettleHodlInvoice(testPreimage); err != nil {
		t.Fatalf("unable to settle invoice: %v", err)
	}
	assertSettleEvent(t, hodlChan1)
	assertSettleEvent(t, hodlChan2)
}

// TestOverfunding tests that a single htlc above the invoice amount
// immediately accepts the invoice.
func TestOverfunding(t *testing.T) {
	defer timeout(t)()

	registry, cdb := newTestContext(t)
	invoice := addTestInvoice(t, registry)

	resolution, hodlChan := notify(t, registry, invoice, 1500)
	if resolution != nil {
		t.Fatal("expected htlc to be held")
	}

	assertDBState(t, cdb, channeldb.ContractAccepted)
	assertNoEvent(t, hodlChan)
}

// TestDuplicateInvoice tests that creating the same hold invoice twice
// fails.
func TestDuplicateInvoice(t *testing.T) {
	defer timeout(t)()

	registry, _ := newTestContext(t)
	invoice := addTestInvoice(t, registry)

	err := registry.AddInvoice(invoice)
	if err != channeldb.ErrInvoiceAlreadyExists {
		t.Fatalf("expected ErrInvoiceAlreadyExists, got %v", err)
	}
}

// TestHtlcExpiry tests that htlcs held past the hold budget for an invoice
// that never funded fully are failed back with mpp timeout and the set is
// emptied.
func TestHtlcExpiry(t *testing.T) {
	defer timeout(t)()

	registry, cdb := newTestContext(t)
	invoice := addTestInvoice(t, registry)

	_, hodlChan := notify(t, registry, invoice, 300)

	// Run a sweep pass as if the hold budget had long elapsed.
	registry.reapExpiredHtlcs(time.Now().Add(2 * DefaultHtlcHoldDuration))

	assertFailEvent(t, hodlChan, FailureReasonMppTimeout)
	assertDBState(t, cdb, channeldb.ContractOpen)

	registry.Lock()
	numSets := len(registry.htlcSets)
	registry.Unlock()
	if numSets != 0 {
		t.Fatalf("expected no htlc sets, got %d", numSets)
	}
}

// TestExpirySkipsFullyFunded tests that a sweep never reaps htlcs of an
// invoice that is fully funded, no matter how long they have been held.
func TestExpirySkipsFullyFunded(t *testing.T) {
	defer timeout(t)()

	registry, _ := newTestContext(t)
	invoice := addTestInvoice(t, registry)

	_, hodlChan1 := notify(t, registry, invoice, 400)
	_, hodlChan2 := notify(t, registry, invoice, 600)

	registry.reapExpiredHtlcs(time.Now().Add(2 * DefaultHtlcHoldDuration))

	assertNoEvent(t, hodlChan1)
	assertNoEvent(t, hodlChan2)
}

// TestSweeperLoop exercises the background sweeper end to end with short
// intervals.
func TestSweeperLoop(t *testing.T) {
	defer timeout(t)()

	cdb, err := channeldb.Open(t.TempDir())
	if err != nil {
		t.Fatalf("unable to open channeldb: %v", err)
	}
	t.Cleanup(func() { cdb.Close() })

	registry := NewRegistry(cdb, &RegistryConfig{
		HtlcHoldDuration: 25 * time.Millisecond,
		SweepInterval:    10 * time.Millisecond,
	})
	if err := registry.Start(); err != nil {
		t.Fatal(err)
	}
	defer registry.Stop()

	invoice := addTestInvoice(t, registry)

	_, hodlChan := notify(t, registry, invoice, 300)
	assertFailEvent(t, hodlChan, FailureReasonMppTimeout)
}
