package holdrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrjson/v2"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/matheusd/holdd/channeldb"
	"github.com/matheusd/holdd/invoices"
	"github.com/matheusd/holdd/lndclient"
)

var (
	testPreimage = lntypes.Preimage{
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1,
	}

	testHash = testPreimage.Hash()

	testPayReq = "lnbc1m1pvjluezpp5qqqsyqcyq5rqwzqfqqqsyqcyq5rqwzqfqqqsyqcyq5rqwzqfqypq"
)

// fakeBackend is a Backend implementation with canned answers.
type fakeBackend struct {
	// payReqs maps payment request strings to their decoded form.
	payReqs map[string]*lndclient.PayReq

	// regularInvoices is the set of payment hashes the fake node's
	// regular invoice index knows.
	regularInvoices map[lntypes.Hash]struct{}
}

func (f *fakeBackend) DecodePayReq(_ context.Context, payReq string) (
	*lndclient.PayReq, error) {

	decoded, ok := f.payReqs[payReq]
	if !ok {
		return nil, fmt.Errorf("cannot decode %v", payReq)
	}
	return decoded, nil
}

func (f *fakeBackend) HasInvoice(_ context.Context, hash lntypes.Hash) (
	bool, error) {

	_, ok := f.regularInvoices[hash]
	return ok, nil
}

func newTestServer(t *testing.T) (*Server, *fakeBackend) {
	t.Helper()

	cdb, err := channeldb.Open(t.TempDir())
	if err != nil {
		t.Fatalf("unable to open channeldb: %v", err)
	}
	t.Cleanup(func() { cdb.Close() })

	registry := invoices.NewRegistry(cdb, &invoices.RegistryConfig{
		HtlcHoldDuration: invoices.DefaultHtlcHoldDuration,
		SweepInterval:    invoices.DefaultSweepInterval,
	})

	backend := &fakeBackend{
		payReqs: map[string]*lndclient.PayReq{
			testPayReq: {
				Hash:              testHash,
				AmtMsat:           lnwire.MilliSatoshi(1000),
				MinFinalCltvDelta: 40,
			},
		},
		regularInvoices: make(map[lntypes.Hash]struct{}),
	}

	server := NewServer(&ServerConfig{
		ListenAddr: "127.0.0.1:0",
		RPCUser:    "user",
		RPCPass:    "pass",
		Registry:   registry,
		DB:         cdb,
		Backend:    backend,
	})

	return server, backend
}

func assertRPCErrCode(t *testing.T, rpcErr *dcrjson.RPCError,
	code dcrjson.RPCErrorCode) {

	t.Helper()

	if rpcErr == nil {
		t.Fatalf("expected error with code %d, got success", code)
	}
	if rpcErr.Code != code {
		t.Fatalf("expected error code %d, got %d (%v)", code,
			rpcErr.Code, rpcErr.Message)
	}
}

// TestHoldInvoiceCommand tests creation of hold invoices, including the
// duplicate checks against both the hold store and the node's regular
// invoice index.
func TestHoldInvoiceCommand(t *testing.T) {
	server, backend := newTestServer(t)
	ctx := context.Background()

	// An undecodable payment request is rejected.
	_, rpcErr := server.handleCommand(ctx, &HoldInvoiceCmd{
		PayReq: "junk",
	})
	assertRPCErrCode(t, rpcErr, ErrRPCInvalidParameter)

	result, rpcErr := server.handleCommand(ctx, &HoldInvoiceCmd{
		PayReq: testPayReq,
	})
	if rpcErr != nil {
		t.Fatalf("unable to create invoice: %v", rpcErr)
	}
	if result.(*HoldInvoiceResult).PayReq != testPayReq {
		t.Fatal("unexpected payreq in result")
	}

	// Creating the same invoice again fails.
	_, rpcErr = server.handleCommand(ctx, &HoldInvoiceCmd{
		PayReq: testPayReq,
	})
	assertRPCErrCode(t, rpcErr, ErrRPCInvoiceExists)

	// A payment hash known to the node's regular invoice index is also
	// rejected, even without a hold invoice record.
	otherPreimage := lntypes.Preimage{31: 9}
	otherHash := otherPreimage.Hash()
	otherPayReq := "lnbc other"
	backend.payReqs[otherPayReq] = &lndclient.PayReq{Hash: otherHash}
	backend.regularInvoices[otherHash] = struct{}{}

	_, rpcErr = server.handleCommand(ctx, &HoldInvoiceCmd{
		PayReq: otherPayReq,
	})
	assertRPCErrCode(t, rpcErr, ErrRPCInvoiceExists)
}

// TestSettleAndCancelCommands tests the error mapping of settle and cancel.
func TestSettleAndCancelCommands(t *testing.T) {
	server, _ := newTestServer(t)
	ctx := context.Background()

	// Settling an unknown invoice fails with not found.
	_, rpcErr := server.handleCommand(ctx, &SettleHoldInvoiceCmd{
		Preimage: testPreimage.String(),
	})
	assertRPCErrCode(t, rpcErr, ErrRPCInvoiceNotFound)

	// Bad hex fails as invalid parameter.
	_, rpcErr = server.handleCommand(ctx, &SettleHoldInvoiceCmd{
		Preimage: "not hex",
	})
	assertRPCErrCode(t, rpcErr, ErrRPCInvalidParameter)

	_, rpcErr = server.handleCommand(ctx, &HoldInvoiceCmd{
		PayReq: testPayReq,
	})
	if rpcErr != nil {
		t.Fatalf("unable to create invoice: %v", rpcErr)
	}

	// Settling an unpaid invoice is an illegal transition.
	_, rpcErr = server.handleCommand(ctx, &SettleHoldInvoiceCmd{
		Preimage: testPreimage.String(),
	})
	assertRPCErrCode(t, rpcErr, ErrRPCStateTransition)

	// Canceling it succeeds.
	_, rpcErr = server.handleCommand(ctx, &CancelHoldInvoiceCmd{
		PaymentHash: testHash.String(),
	})
	if rpcErr != nil {
		t.Fatalf("unable to cancel invoice: %v", rpcErr)
	}

	// Canceling again is an illegal transition.
	_, rpcErr = server.handleCommand(ctx, &CancelHoldInvoiceCmd{
		PaymentHash: testHash.String(),
	})
	assertRPCErrCode(t, rpcErr, ErrRPCStateTransition)

	// Canceling an unknown hash fails with not found.
	unknownPreimage := lntypes.Preimage{31: 7}
	unknownHash := unknownPreimage.Hash()
	_, rpcErr = server.handleCommand(ctx, &CancelHoldInvoiceCmd{
		PaymentHash: unknownHash.String(),
	})
	assertRPCErrCode(t, rpcErr, ErrRPCInvoiceNotFound)
}

// TestListAndWipeCommands tests listing and the administrative wipe.
func TestListAndWipeCommands(t *testing.T) {
	server, _ := newTestServer(t)
	ctx := context.Background()

	_, rpcErr := server.handleCommand(ctx, &HoldInvoiceCmd{
		PayReq: testPayReq,
	})
	if rpcErr != nil {
		t.Fatalf("unable to create invoice: %v", rpcErr)
	}

	result, rpcErr := server.handleCommand(ctx, &ListHoldInvoicesCmd{})
	if rpcErr != nil {
		t.Fatalf("unable to list invoices: %v", rpcErr)
	}
	list := result.(*ListHoldInvoicesResult)
	if len(list.HoldInvoices) != 1 {
		t.Fatalf("expected 1 invoice, got %d", len(list.HoldInvoices))
	}
	record := list.HoldInvoices[0]
	if record.PaymentHash != testHash.String() {
		t.Fatal("wrong payment hash in record")
	}
	if record.State != "unpaid" {
		t.Fatalf("expected state unpaid, got %v", record.State)
	}
	if record.Preimage != "" {
		t.Fatal("unexpected preimage on unpaid invoice")
	}

	// Wiping an unknown specific hash fails.
	unknownPreimage := lntypes.Preimage{31: 7}
	unknownHash := unknownPreimage.Hash().String()
	_, rpcErr = server.handleCommand(ctx, &WipeHoldInvoicesCmd{
		PaymentHash: &unknownHash,
	})
	assertRPCErrCode(t, rpcErr, ErrRPCInvoiceNotFound)

	// Wiping everything reports the count.
	result, rpcErr = server.handleCommand(ctx, &WipeHoldInvoicesCmd{})
	if rpcErr != nil {
		t.Fatalf("unable to wipe invoices: %v", rpcErr)
	}
	if result.(*WipeHoldInvoicesResult).DeletedCount != 1 {
		t.Fatal("expected 1 deleted record")
	}

	result, rpcErr = server.handleCommand(ctx, &ListHoldInvoicesCmd{})
	if rpcErr != nil {
		t.Fatalf("unable to list invoices: %v", rpcErr)
	}
	if len(result.(*ListHoldInvoicesResult).HoldInvoices) != 0 {
		t.Fatal("expected empty list after wipe")
	}
}

// TestServerHTTP exercises the HTTP layer: auth enforcement and a full
// request/response round trip.
func TestServerHTTP(t *testing.T) {
	server, _ := newTestServer(t)

	if err := server.Start(); err != nil {
		t.Fatalf("unable to start server: %v", err)
	}
	defer server.Stop()

	url := "http://" + server.listener.Addr().String()

	payload, err := dcrjson.MarshalCmd("1.0", 1, &ListHoldInvoicesCmd{})
	if err != nil {
		t.Fatal(err)
	}

	// Without credentials the request is rejected.
	resp, err := http.Post(url, "application/json",
		bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	// With credentials the command round trips.
	req, err := http.NewRequest(http.MethodPost, url,
		bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	req.SetBasicAuth("user", "pass")

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err = client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var reply struct {
		Result *ListHoldInvoicesResult `json:"result"`
		Error  *dcrjson.RPCError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatal(err)
	}
	if reply.Error != nil {
		t.Fatalf("unexpected rpc error: %v", reply.Error)
	}
	if len(reply.Result.HoldInvoices) != 0 {
		t.Fatal("expected empty invoice list")
	}
}
