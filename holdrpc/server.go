package holdrpc

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrjson/v2"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/matheusd/holdd/channeldb"
	"github.com/matheusd/holdd/invoices"
	"github.com/matheusd/holdd/lndclient"
)

// rpcShutdownTimeout bounds how long Stop waits for in-flight requests.
const rpcShutdownTimeout = 5 * time.Second

// Backend is the subset of host node queries the RPC server consumes.
type Backend interface {
	// DecodePayReq decodes a payment request.
	DecodePayReq(ctx context.Context, payReq string) (*lndclient.PayReq,
		error)

	// HasInvoice reports whether the node's regular invoice index
	// already contains the given payment hash.
	HasInvoice(ctx context.Context, hash lntypes.Hash) (bool, error)
}

// ServerConfig bundles the collaborators and settings of the RPC server.
type ServerConfig struct {
	// ListenAddr is the host:port the HTTP listener binds to.
	ListenAddr string

	// RPCUser and RPCPass are the basic auth credentials all requests
	// must carry.
	RPCUser string
	RPCPass string

	// Registry is the settlement engine commands are dispatched to.
	Registry *invoices.InvoiceRegistry

	// DB is the hold invoice store, used directly by the commands that
	// bypass the engine (list, wipe).
	DB *channeldb.DB

	// Backend answers host node queries.
	Backend Backend
}

// Server is the JSON-RPC server exposing the hold invoice commands over
// HTTP POST.
type Server struct {
	cfg *ServerConfig

	listener   net.Listener
	httpServer *http.Server

	wg sync.WaitGroup
}

// NewServer creates a new RPC server from the given config.
func NewServer(cfg *ServerConfig) *Server {
	s := &Server{cfg: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRequest)
	s.httpServer = &http.Server{Handler: mux}

	return s
}

// Start binds the listener and begins serving requests.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = listener

	log.Infof("RPC server listening on %v", listener.Addr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		err := s.httpServer.Serve(listener)
		if err != nil && err != http.ErrServerClosed {
			log.Errorf("RPC server exited: %v", err)
		}
	}()

	return nil
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(
		context.Background(), rpcShutdownTimeout,
	)
	defer cancel()

	err := s.httpServer.Shutdown(ctx)
	s.wg.Wait()
	return err
}

// handleRequest authenticates, decodes and dispatches a single JSON-RPC
// request.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "405 method not allowed",
			http.StatusMethodNotAllowed)
		return
	}

	if !s.checkAuth(r) {
		http.Error(w, "401 unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "400 bad request", http.StatusBadRequest)
		return
	}

	var req dcrjson.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeResponse(w, nil, nil, dcrjson.NewRPCError(
			dcrjson.ErrRPCParse.Code, "unable to parse request",
		))
		return
	}

	cmd, err := dcrjson.UnmarshalCmd(&req)
	if err != nil {
		writeResponse(w, req.ID, nil, dcrjson.NewRPCError(
			dcrjson.ErrRPCMethodNotFound.Code,
			"unknown or malformed command",
		))
		return
	}

	result, rpcErr := s.handleCommand(r.Context(), cmd)
	writeResponse(w, req.ID, result, rpcErr)
}

// checkAuth verifies the request's basic auth credentials in constant time.
func (s *Server) checkAuth(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}

	userMatch := subtle.ConstantTimeCompare(
		[]byte(user), []byte(s.cfg.RPCUser),
	)
	passMatch := subtle.ConstantTimeCompare(
		[]byte(pass), []byte(s.cfg.RPCPass),
	)

	return userMatch&passMatch == 1
}

// writeResponse marshals a JSON-RPC response and writes it out.
func writeResponse(w http.ResponseWriter, id interface{},
	result interface{}, jsonErr *dcrjson.RPCError) {

	reply, err := dcrjson.MarshalResponse("1.0", id, result, jsonErr)
	if err != nil {
		log.Errorf("Unable to marshal response: %v", err)
		http.Error(w, "500 internal error",
			http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(reply)
}

// handleCommand dispatches one decoded command to its handler.
func (s *Server) handleCommand(ctx context.Context, cmd interface{}) (
	interface{}, *dcrjson.RPCError) {

	switch cmd := cmd.(type) {
	case *HoldInvoiceCmd:
		return s.holdInvoice(ctx, cmd)

	case *ListHoldInvoicesCmd:
		return s.listHoldInvoices(cmd)

	case *SettleHoldInvoiceCmd:
		return s.settleHoldInvoice(cmd)

	case *CancelHoldInvoiceCmd:
		return s.cancelHoldInvoice(cmd)

	case *WipeHoldInvoicesCmd:
		return s.wipeHoldInvoices(cmd)
	}

	return nil, dcrjson.NewRPCError(
		dcrjson.ErrRPCMethodNotFound.Code, "unhandled command",
	)
}

// holdInvoice creates a new hold invoice for an externally created payment
// request. Creation fails when the payment hash is already known, either to
// the node's regular invoice index or to the hold invoice store.
func (s *Server) holdInvoice(ctx context.Context, cmd *HoldInvoiceCmd) (
	interface{}, *dcrjson.RPCError) {

	payReq, err := s.cfg.Backend.DecodePayReq(ctx, cmd.PayReq)
	if err != nil {
		return nil, rpcInvalidParameter("unable to decode payment " +
			"request")
	}

	exists, err := s.cfg.Backend.HasInvoice(ctx, payReq.Hash)
	if err != nil {
		return nil, rpcInternal(err.Error())
	}
	if exists {
		return nil, errRPCInvoiceExists
	}

	invoice := &channeldb.HoldInvoice{
		PaymentHash:    payReq.Hash,
		PaymentRequest: cmd.PayReq,
		State:          channeldb.ContractOpen,
	}

	switch err := s.cfg.Registry.AddInvoice(invoice); err {
	case nil:

	case channeldb.ErrInvoiceAlreadyExists:
		return nil, errRPCInvoiceExists

	default:
		return nil, rpcInternal(err.Error())
	}

	log.Infof("Added hold invoice %v for %v", payReq.Hash, payReq.AmtMsat)

	return &HoldInvoiceResult{PayReq: cmd.PayReq}, nil
}

// listHoldInvoices returns the stored hold invoice records, optionally
// restricted to one payment hash.
func (s *Server) listHoldInvoices(cmd *ListHoldInvoicesCmd) (interface{},
	*dcrjson.RPCError) {

	var hashFilter *lntypes.Hash
	if cmd.PaymentHash != nil && *cmd.PaymentHash != "" {
		hash, err := lntypes.MakeHashFromStr(*cmd.PaymentHash)
		if err != nil {
			return nil, rpcInvalidParameter("invalid payment hash")
		}
		hashFilter = &hash
	}

	dbInvoices, err := s.cfg.DB.FetchInvoices(hashFilter)
	if err != nil {
		return nil, rpcInternal(err.Error())
	}

	result := &ListHoldInvoicesResult{
		HoldInvoices: make([]HoldInvoiceRecord, 0, len(dbInvoices)),
	}
	for _, invoice := range dbInvoices {
		record := HoldInvoiceRecord{
			PaymentHash: invoice.PaymentHash.String(),
			State:       invoice.State.String(),
			PayReq:      invoice.PaymentRequest,
		}
		if invoice.Preimage != nil {
			record.Preimage = invoice.Preimage.String()
		}

		result.HoldInvoices = append(result.HoldInvoices, record)
	}

	return result, nil
}

// settleHoldInvoice reveals the preimage of an accepted hold invoice,
// settling all held htlcs with it.
func (s *Server) settleHoldInvoice(cmd *SettleHoldInvoiceCmd) (interface{},
	*dcrjson.RPCError) {

	preimage, err := lntypes.MakePreimageFromStr(cmd.Preimage)
	if err != nil {
		return nil, rpcInvalidParameter("invalid preimage")
	}

	err = s.cfg.Registry.SettleHodlInvoice(preimage)
	if rpcErr := mapInvoiceError(err); rpcErr != nil {
		return nil, rpcErr
	}

	return struct{}{}, nil
}

// cancelHoldInvoice cancels a hold invoice, failing all held htlcs back.
func (s *Server) cancelHoldInvoice(cmd *CancelHoldInvoiceCmd) (interface{},
	*dcrjson.RPCError) {

	hash, err := lntypes.MakeHashFromStr(cmd.PaymentHash)
	if err != nil {
		return nil, rpcInvalidParameter("invalid payment hash")
	}

	err = s.cfg.Registry.CancelInvoice(hash)
	if rpcErr := mapInvoiceError(err); rpcErr != nil {
		return nil, rpcErr
	}

	return struct{}{}, nil
}

// wipeHoldInvoices deletes one or all hold invoice records. This bypasses
// the state machine: htlcs still held for a wiped invoice stay orphaned
// until their sender times them out.
func (s *Server) wipeHoldInvoices(cmd *WipeHoldInvoicesCmd) (interface{},
	*dcrjson.RPCError) {

	if cmd.PaymentHash != nil && *cmd.PaymentHash != "" {
		hash, err := lntypes.MakeHashFromStr(*cmd.PaymentHash)
		if err != nil {
			return nil, rpcInvalidParameter("invalid payment hash")
		}

		deleted, err := s.cfg.DB.DeleteInvoice(hash)
		if err != nil {
			return nil, rpcInternal(err.Error())
		}
		if !deleted {
			return nil, errRPCInvoiceNotFound
		}

		log.Warnf("Deleted hold invoice %v", hash)

		return &WipeHoldInvoicesResult{DeletedCount: 1}, nil
	}

	log.Warnf("Deleting all hold invoices")

	count, err := s.cfg.DB.DeleteInvoices()
	if err != nil {
		return nil, rpcInternal(err.Error())
	}

	return &WipeHoldInvoicesResult{DeletedCount: count}, nil
}

// mapInvoiceError converts settlement engine errors to their RPC form.
func mapInvoiceError(err error) *dcrjson.RPCError {
	var transitionErr *channeldb.StateTransitionError

	switch {
	case err == nil:
		return nil

	case err == channeldb.ErrInvoiceNotFound:
		return errRPCInvoiceNotFound

	case errors.As(err, &transitionErr):
		return dcrjson.NewRPCError(
			ErrRPCStateTransition, transitionErr.Error(),
		)
	}

	return rpcInternal(err.Error())
}
