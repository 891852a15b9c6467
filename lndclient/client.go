package lndclient

import (
	"context"
	"fmt"
	"os"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/macaroons"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
	"gopkg.in/macaroon.v2"
)

// Config holds the connection parameters of the host lnd node.
type Config struct {
	// Host is the host:port of the node's gRPC interface.
	Host string

	// TLSCertPath is the path to the node's TLS certificate.
	TLSCertPath string

	// MacaroonPath is the path to a macaroon with invoice read and
	// router permissions.
	MacaroonPath string
}

// PayReq holds the decoded fields of a payment request the daemon cares
// about.
type PayReq struct {
	// Hash is the payment hash.
	Hash lntypes.Hash

	// AmtMsat is the invoice amount.
	AmtMsat lnwire.MilliSatoshi

	// MinFinalCltvDelta is the minimum final expiry delta the invoice
	// requires of the htlcs paying to it.
	MinFinalCltvDelta uint32
}

// Client is the gRPC adapter to the host lnd node. It exposes the few host
// queries the daemon consumes and the htlc interceptor stream.
type Client struct {
	lnClient     lnrpc.LightningClient
	routerClient routerrpc.RouterClient
	conn         *grpc.ClientConn
}

// NewClient connects to the host node.
func NewClient(cfg Config) (*Client, error) {
	creds, err := credentials.NewClientTLSFromFile(cfg.TLSCertPath, "")
	if err != nil {
		return nil, fmt.Errorf("unable to load tls cert: %v", err)
	}

	macBytes, err := os.ReadFile(cfg.MacaroonPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read macaroon: %v", err)
	}

	mac := &macaroon.Macaroon{}
	if err := mac.UnmarshalBinary(macBytes); err != nil {
		return nil, fmt.Errorf("unable to decode macaroon: %v", err)
	}

	macCred, err := macaroons.NewMacaroonCredential(mac)
	if err != nil {
		return nil, fmt.Errorf("unable to create macaroon "+
			"credential: %v", err)
	}

	conn, err := grpc.Dial(
		cfg.Host,
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(macCred),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to dial %v: %v", cfg.Host, err)
	}

	log.Infof("Connected to lnd at %v", cfg.Host)

	return &Client{
		lnClient:     lnrpc.NewLightningClient(conn),
		routerClient: routerrpc.NewRouterClient(conn),
		conn:         conn,
	}, nil
}

// Close tears down the connection to the node.
func (c *Client) Close() error {
	return c.conn.Close()
}

// DecodePayReq asks the node to decode the given payment request.
func (c *Client) DecodePayReq(ctx context.Context, payReq string) (*PayReq,
	error) {

	resp, err := c.lnClient.DecodePayReq(ctx, &lnrpc.PayReqString{
		PayReq: payReq,
	})
	if err != nil {
		return nil, err
	}

	hash, err := lntypes.MakeHashFromStr(resp.PaymentHash)
	if err != nil {
		return nil, err
	}

	return &PayReq{
		Hash:              hash,
		AmtMsat:           lnwire.MilliSatoshi(resp.NumMsat),
		MinFinalCltvDelta: uint32(resp.CltvExpiry),
	}, nil
}

// HasInvoice reports whether the node's regular invoice index contains an
// invoice with the given payment hash.
func (c *Client) HasInvoice(ctx context.Context, hash lntypes.Hash) (bool,
	error) {

	_, err := c.lnClient.LookupInvoice(ctx, &lnrpc.PaymentHash{
		RHash: hash[:],
	})
	switch {
	case err == nil:
		return true, nil

	case status.Code(err) == codes.NotFound:
		return false, nil
	}

	return false, err
}

// BestHeight returns the node's current best block height.
func (c *Client) BestHeight(ctx context.Context) (uint32, error) {
	info, err := c.lnClient.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		return 0, err
	}

	return info.BlockHeight, nil
}

// InterceptHtlcs opens the bidirectional htlc interception stream on the
// node. Every htlc the node wants to forward or accept is offered on the
// stream and held by the node until a response for its circuit key is sent
// back.
func (c *Client) InterceptHtlcs(ctx context.Context) (
	routerrpc.Router_HtlcInterceptorClient, error) {

	return c.routerClient.HtlcInterceptor(ctx)
}
