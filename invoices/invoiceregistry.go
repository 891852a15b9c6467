package invoices

import (
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/matheusd/holdd/channeldb"
)

const (
	// DefaultHtlcHoldDuration is the default maximum time an htlc is held
	// for an invoice that isn't fully funded before it is failed back
	// with mpp_timeout.
	DefaultHtlcHoldDuration = 60 * time.Second

	// DefaultSweepInterval is the default period of the background sweep
	// that fails expired htlcs. It must be smaller than the hold duration
	// to bound the sender-visible wait.
	DefaultSweepInterval = 10 * time.Second
)

// RegistryConfig holds the configuration parameters of the invoice registry.
type RegistryConfig struct {
	// HtlcHoldDuration is the maximum time an htlc may be held for an
	// invoice that isn't fully funded.
	HtlcHoldDuration time.Duration

	// SweepInterval is the period of the expiry sweep.
	SweepInterval time.Duration
}

// InvoiceRegistry is the central settlement engine of the daemon. It owns
// the in-memory htlc sets of all invoices with held htlcs, serializes every
// mutation of them and of invoice state under a single lock, decides full
// funding and resolves held htlcs when invoices are settled or canceled.
type InvoiceRegistry struct {
	sync.Mutex

	cdb *channeldb.DB

	cfg *RegistryConfig

	// htlcSets maps payment hashes to the set of htlcs currently held
	// for the invoice with that hash. Guarded by the embedded mutex,
	// together with all invoice state transitions, so that two htlcs
	// can't race to decide full funding and a settle or cancel can't
	// race with an htlc being accepted.
	htlcSets map[lntypes.Hash]*htlcSet

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewRegistry creates a new invoice registry backed by the given database.
func NewRegistry(cdb *channeldb.DB, cfg *RegistryConfig) *InvoiceRegistry {
	return &InvoiceRegistry{
		cdb:      cdb,
		cfg:      cfg,
		htlcSets: make(map[lntypes.Hash]*htlcSet),
		quit:     make(chan struct{}),
	}
}

// Start starts the background expiry sweeper.
func (i *InvoiceRegistry) Start() error {
	i.wg.Add(1)
	go i.sweepLoop()

	log.Infof("InvoiceRegistry starting, htlc hold duration %v, sweep "+
		"interval %v", i.cfg.HtlcHoldDuration, i.cfg.SweepInterval)

	return nil
}

// Stop signals the expiry sweeper to exit and waits for an in-flight sweep
// pass to finish.
func (i *InvoiceRegistry) Stop() {
	close(i.quit)
	i.wg.Wait()
}

// sweepLoop periodically fails back htlcs that have been held past the hold
// budget. Expiry is cooperative: detection latency is bounded by the sweep
// interval.
func (i *InvoiceRegistry) sweepLoop() {
	defer i.wg.Done()

	ticker := time.NewTicker(i.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			i.reapExpiredHtlcs(time.Now())

		case <-i.quit:
			return
		}
	}
}

// AddInvoice adds a new unpaid hold invoice to the store. It fails with
// channeldb.ErrInvoiceAlreadyExists when a hold invoice with the same
// payment hash was created before.
func (i *InvoiceRegistry) AddInvoice(invoice *channeldb.HoldInvoice) error {
	i.Lock()
	defer i.Unlock()

	err := i.cdb.PutInvoice(invoice, channeldb.ModeCreate)
	if err != nil {
		return err
	}

	log.Infof("Added hold invoice %v", invoice.PaymentHash)

	return nil
}

// LookupInvoice fetches the hold invoice with the given payment hash, or
// channeldb.ErrInvoiceNotFound when there is none.
func (i *InvoiceRegistry) LookupInvoice(hash lntypes.Hash) (
	*channeldb.HoldInvoice, error) {

	return i.cdb.FetchInvoice(hash)
}

// NotifyHtlc informs the registry of an accepted htlc paying invoiceAmt's
// invoice. The caller's invoice copy is fetched before the registry lock is
// taken, so the invoice state is re-read from the store under the lock; a
// settle or cancel that committed in between is honored. The returned
// resolution is non-nil when the htlc can be resolved synchronously: htlcs on
// settled invoices are settled with the stored preimage, htlcs on canceled
// invoices are failed with incorrect details.
//
// Otherwise the htlc is added to the invoice's htlc set and nil is returned:
// the htlc stays held and its resolution is delivered later on hodlChan,
// when the invoice is settled, canceled or the htlc expires. hodlChan must
// have capacity for one event.
//
// When the added htlc makes the invoice fully funded, the invoice moves to
// the accepted state. The transition is persisted before it is observable
// anywhere; a failed write leaves the htlc unregistered and is returned to
// the caller.
func (i *InvoiceRegistry) NotifyHtlc(invoice *channeldb.HoldInvoice,
	invoiceAmt, htlcAmt lnwire.MilliSatoshi,
	hodlChan chan<- interface{}) (*HtlcResolution, error) {

	i.Lock()
	defer i.Unlock()

	hash := invoice.PaymentHash

	// The caller's copy predates the lock; the stored record decides the
	// state.
	invoice, err := i.cdb.FetchInvoice(hash)
	if err != nil {
		return nil, err
	}

	switch invoice.State {
	// A late htlc on an already settled invoice proved payment like the
	// rest: give it the preimage too.
	case channeldb.ContractSettled:
		log.Debugf("Htlc paying to settled invoice %v, settling "+
			"directly", hash)
		return settleResolution(hash, invoice.Preimage), nil

	case channeldb.ContractCanceled:
		log.Debugf("Htlc paying to canceled invoice %v, failing "+
			"directly", hash)
		return failResolution(hash, FailureReasonIncorrectDetails), nil
	}

	set, ok := i.htlcSets[hash]
	if !ok {
		set = newHtlcSet(invoiceAmt)
		i.htlcSets[hash] = set
	}

	set.addHtlc(htlcAmt, hodlChan)

	// Not fully funded yet: leave the htlc parked without an outcome.
	// This is the suspension point of the engine.
	if !set.isFullyFunded() {
		log.Debugf("Holding htlc of %v for invoice %v", htlcAmt, hash)
		return nil, nil
	}

	// An htlc arriving on an already accepted invoice just joins the held
	// set.
	if invoice.State != channeldb.ContractOpen {
		log.Debugf("Holding htlc of %v for accepted invoice %v",
			htlcAmt, hash)
		return nil, nil
	}

	// The htlc that was just added completed funding. Accept the invoice
	// and persist before the new state is handed to anyone. Held htlcs
	// stay held: acceptance only marks the invoice ready for an operator
	// to settle or cancel.
	if err := invoice.SetState(channeldb.ContractAccepted); err != nil {
		i.popHeldHtlc(set, hash)
		return nil, err
	}

	if err := i.cdb.PutInvoice(invoice, channeldb.ModeReplace); err != nil {
		i.popHeldHtlc(set, hash)
		return nil, err
	}

	log.Infof("Accepted hold invoice %v with %d htlcs", hash,
		len(set.htlcs))

	return nil, nil
}

// popHeldHtlc removes the most recently added htlc from the set, dropping
// the set when it empties. It is used to unregister an htlc whose acceptance
// could not be committed, so that its caller can be given an outcome without
// risking a second delivery later.
func (i *InvoiceRegistry) popHeldHtlc(set *htlcSet, hash lntypes.Hash) {
	set.htlcs = set.htlcs[:len(set.htlcs)-1]
	if len(set.htlcs) == 0 {
		delete(i.htlcSets, hash)
	}
}

// SettleHodlInvoice settles the hold invoice whose payment hash is derived
// from the given preimage and delivers a settle resolution carrying the
// preimage to every held htlc. Settling an invoice that isn't accepted fails
// with a channeldb.StateTransitionError; an unknown hash fails with
// channeldb.ErrInvoiceNotFound.
func (i *InvoiceRegistry) SettleHodlInvoice(preimage lntypes.Preimage) error {
	i.Lock()
	defer i.Unlock()

	hash := preimage.Hash()

	invoice, err := i.cdb.FetchInvoice(hash)
	if err != nil {
		return err
	}

	if err := invoice.SetState(channeldb.ContractSettled); err != nil {
		return err
	}
	invoice.Preimage = &preimage

	if err := i.cdb.PutInvoice(invoice, channeldb.ModeReplace); err != nil {
		return err
	}

	resolution := settleResolution(hash, &preimage)
	for _, hodlChan := range i.popHtlcSet(hash) {
		hodlChan <- *resolution
	}

	log.Infof("Settled hold invoice %v", hash)

	return nil
}

// CancelInvoice cancels the hold invoice with the given payment hash and
// fails every held htlc back with incorrect details. Canceling a settled
// invoice fails with a channeldb.StateTransitionError; an unknown hash fails
// with channeldb.ErrInvoiceNotFound.
func (i *InvoiceRegistry) CancelInvoice(hash lntypes.Hash) error {
	i.Lock()
	defer i.Unlock()

	invoice, err := i.cdb.FetchInvoice(hash)
	if err != nil {
		return err
	}

	if err := invoice.SetState(channeldb.ContractCanceled); err != nil {
		return err
	}

	if err := i.cdb.PutInvoice(invoice, channeldb.ModeReplace); err != nil {
		return err
	}

	resolution := failResolution(hash, FailureReasonIncorrectDetails)
	for _, hodlChan := range i.popHtlcSet(hash) {
		hodlChan <- *resolution
	}

	log.Infof("Cancelled hold invoice %v", hash)

	return nil
}

// popHtlcSet removes the htlc set of the given hash from the registry and
// returns the hodl channels of all htlcs it held.
func (i *InvoiceRegistry) popHtlcSet(hash lntypes.Hash) []chan<- interface{} {
	set, ok := i.htlcSets[hash]
	if !ok {
		return nil
	}

	delete(i.htlcSets, hash)
	return set.hodlChans()
}

// reapExpiredHtlcs fails back all htlcs that have been held past the hold
// budget as of now. Sets that are fully funded are skipped: their invoice is
// accepted and its htlcs are held until an explicit settle or cancel.
func (i *InvoiceRegistry) reapExpiredHtlcs(now time.Time) {
	i.Lock()
	defer i.Unlock()

	for hash, set := range i.htlcSets {
		if set.isFullyFunded() {
			continue
		}

		expired := set.purgeExpired(i.cfg.HtlcHoldDuration, now)
		if len(expired) == 0 {
			continue
		}

		log.Infof("Failing %d expired htlcs for invoice %v",
			len(expired), hash)

		resolution := failResolution(hash, FailureReasonMppTimeout)
		for _, htlc := range expired {
			htlc.hodlChan <- *resolution
		}

		if len(set.htlcs) == 0 {
			delete(i.htlcSets, hash)
		}
	}
}
