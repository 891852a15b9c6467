package holdd

import (
	"context"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/matheusd/holdd/channeldb"
	"github.com/matheusd/holdd/invoices"
	"github.com/matheusd/holdd/lndclient"
)

// interceptRetryDelay is the wait before redialing the interceptor stream
// after it failed.
const interceptRetryDelay = 5 * time.Second

// interceptBackend is the subset of host node queries the interceptor
// consumes.
type interceptBackend interface {
	// DecodePayReq decodes a payment request.
	DecodePayReq(ctx context.Context, payReq string) (*lndclient.PayReq,
		error)

	// BestHeight returns the node's current best block height.
	BestHeight(ctx context.Context) (uint32, error)

	// InterceptHtlcs opens the htlc interception stream on the node.
	InterceptHtlcs(ctx context.Context) (
		routerrpc.Router_HtlcInterceptorClient, error)
}

// htlcInterceptor consumes the node's htlc interception stream and funnels
// htlcs paying to hold invoices into the invoice registry. Htlcs for unknown
// payment hashes are resumed untouched. For htlcs the registry keeps held, a
// goroutine per htlc waits for the resolution and replies on the stream when
// it arrives.
type htlcInterceptor struct {
	lnd      interceptBackend
	cdb      *channeldb.DB
	registry *invoices.InvoiceRegistry

	// sendMtx serializes writes to the interceptor stream, as responses
	// for held htlcs are sent from their own goroutines.
	sendMtx sync.Mutex

	wg   sync.WaitGroup
	quit chan struct{}
}

func newHtlcInterceptor(lnd interceptBackend, cdb *channeldb.DB,
	registry *invoices.InvoiceRegistry) *htlcInterceptor {

	return &htlcInterceptor{
		lnd:      lnd,
		cdb:      cdb,
		registry: registry,
		quit:     make(chan struct{}),
	}
}

// Start launches the interception loop.
func (h *htlcInterceptor) Start() error {
	h.wg.Add(1)
	go h.interceptLoop()

	return nil
}

// Stop signals the interception loop and all resolution waiters to exit and
// waits for them. Htlcs still held at that point are re-offered by the node
// once a new stream is opened.
func (h *htlcInterceptor) Stop() {
	close(h.quit)
	h.wg.Wait()
}

// interceptLoop dials the interceptor stream and dispatches intercepted
// htlcs until shutdown, redialing on stream failures.
func (h *htlcInterceptor) interceptLoop() {
	defer h.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		<-h.quit
		cancel()
	}()

	for {
		stream, err := h.lnd.InterceptHtlcs(ctx)
		if err == nil {
			log.Info("Htlc interceptor stream established")
			err = h.dispatchStream(ctx, stream)
		}

		select {
		case <-h.quit:
			return
		default:
		}

		log.Errorf("Htlc interceptor stream failed: %v, retrying "+
			"in %v", err, interceptRetryDelay)

		select {
		case <-time.After(interceptRetryDelay):
		case <-h.quit:
			return
		}
	}
}

// dispatchStream receives intercepted htlcs until the stream breaks.
func (h *htlcInterceptor) dispatchStream(ctx context.Context,
	stream routerrpc.Router_HtlcInterceptorClient) error {

	for {
		req, err := stream.Recv()
		if err != nil {
			return err
		}

		h.handleIntercept(ctx, stream, req)
	}
}

// handleIntercept decides the fate of a single intercepted htlc. Htlcs not
// paying to a hold invoice pass through untouched. Htlcs whose offered
// expiry is below the invoice's minimum are failed before they ever reach
// the registry.
func (h *htlcInterceptor) handleIntercept(ctx context.Context,
	stream routerrpc.Router_HtlcInterceptorClient,
	req *routerrpc.ForwardHtlcInterceptRequest) {

	key := req.IncomingCircuitKey

	hash, err := lntypes.MakeHash(req.PaymentHash)
	if err != nil {
		h.resume(stream, key)
		return
	}

	invoice, err := h.cdb.FetchInvoice(hash)
	switch {
	// Not a hold invoice, let the node handle it.
	case err == channeldb.ErrInvoiceNotFound:
		h.resume(stream, key)
		return

	case err != nil:
		log.Errorf("Unable to fetch invoice %v: %v", hash, err)
		h.failTemporary(stream, key)
		return
	}

	payReq, err := h.lnd.DecodePayReq(ctx, invoice.PaymentRequest)
	if err != nil {
		log.Errorf("Unable to decode payment request of %v: %v",
			hash, err)
		h.failTemporary(stream, key)
		return
	}

	height, err := h.lnd.BestHeight(ctx)
	if err != nil {
		log.Errorf("Unable to fetch best height: %v", err)
		h.failTemporary(stream, key)
		return
	}

	// Signed arithmetic, as the node may offer an htlc whose absolute
	// expiry is already at or below the current height.
	relativeExpiry := int64(req.IncomingExpiry) - int64(height)
	if relativeExpiry < int64(payReq.MinFinalCltvDelta) {
		log.Warnf("Rejected htlc for hold invoice %v: expiry too "+
			"little (%v < %v)", hash, relativeExpiry,
			payReq.MinFinalCltvDelta)

		h.sendResolution(stream, key, &invoices.HtlcResolution{
			Hash:    hash,
			Failure: failureReasonPtr(
				invoices.FailureReasonIncorrectDetails,
			),
		})
		return
	}

	hodlChan := make(chan interface{}, 1)
	resolution, err := h.registry.NotifyHtlc(
		invoice, payReq.AmtMsat,
		lnwire.MilliSatoshi(req.IncomingAmountMsat), hodlChan,
	)
	if err != nil {
		log.Errorf("Unable to register htlc for invoice %v: %v",
			hash, err)
		h.failTemporary(stream, key)
		return
	}

	// Resolved synchronously.
	if resolution != nil {
		h.sendResolution(stream, key, resolution)
		return
	}

	// Held. Wait for the resolution off the hot path.
	h.wg.Add(1)
	go h.waitForResolution(stream, key, hodlChan)
}

// waitForResolution blocks until the held htlc receives its resolution and
// replies on the stream. On shutdown the htlc is left unresolved; the node
// re-offers it on the next stream.
func (h *htlcInterceptor) waitForResolution(
	stream routerrpc.Router_HtlcInterceptorClient,
	key *routerrpc.CircuitKey, hodlChan chan interface{}) {

	defer h.wg.Done()

	select {
	case event := <-hodlChan:
		resolution := event.(invoices.HtlcResolution)
		h.sendResolution(stream, key, &resolution)

	case <-h.quit:
	}
}

// sendResolution replies to an intercepted htlc with its final resolution.
func (h *htlcInterceptor) sendResolution(
	stream routerrpc.Router_HtlcInterceptorClient,
	key *routerrpc.CircuitKey, resolution *invoices.HtlcResolution) {

	resp := &routerrpc.ForwardHtlcInterceptResponse{
		IncomingCircuitKey: key,
	}

	switch {
	case resolution.Preimage != nil:
		resp.Action = routerrpc.ResolveHoldForwardAction_SETTLE
		resp.Preimage = resolution.Preimage[:]

	case *resolution.Failure == invoices.FailureReasonMppTimeout:
		resp.Action = routerrpc.ResolveHoldForwardAction_FAIL
		resp.FailureCode = lnrpc.Failure_MPP_TIMEOUT

	default:
		resp.Action = routerrpc.ResolveHoldForwardAction_FAIL
		resp.FailureCode = lnrpc.Failure_INCORRECT_OR_UNKNOWN_PAYMENT_DETAILS
	}

	h.send(stream, resp)
}

// resume passes an htlc that isn't ours back to the node untouched.
func (h *htlcInterceptor) resume(
	stream routerrpc.Router_HtlcInterceptorClient,
	key *routerrpc.CircuitKey) {

	h.send(stream, &routerrpc.ForwardHtlcInterceptResponse{
		IncomingCircuitKey: key,
		Action:             routerrpc.ResolveHoldForwardAction_RESUME,
	})
}

// failTemporary fails an htlc back with a temporary failure, used when an
// internal error prevented deciding its fate. The sender is free to retry.
func (h *htlcInterceptor) failTemporary(
	stream routerrpc.Router_HtlcInterceptorClient,
	key *routerrpc.CircuitKey) {

	h.send(stream, &routerrpc.ForwardHtlcInterceptResponse{
		IncomingCircuitKey: key,
		Action:             routerrpc.ResolveHoldForwardAction_FAIL,
		FailureCode:        lnrpc.Failure_TEMPORARY_CHANNEL_FAILURE,
	})
}

func (h *htlcInterceptor) send(
	stream routerrpc.Router_HtlcInterceptorClient,
	resp *routerrpc.ForwardHtlcInterceptResponse) {

	h.sendMtx.Lock()
	defer h.sendMtx.Unlock()

	if err := stream.Send(resp); err != nil {
		log.Errorf("Unable to send htlc resolution: %v", err)
	}
}

func failureReasonPtr(reason invoices.FailureReason) *invoices.FailureReason {
	return &reason
}
