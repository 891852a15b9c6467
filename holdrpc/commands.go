package holdrpc

import (
	"github.com/decred/dcrd/dcrjson/v2"
)

// HoldInvoiceCmd creates a new hold invoice from an already signed payment
// request.
type HoldInvoiceCmd struct {
	PayReq string `json:"payreq"`
}

// ListHoldInvoicesCmd lists hold invoices, optionally restricted to one
// payment hash.
type ListHoldInvoicesCmd struct {
	PaymentHash *string `json:"paymenthash"`
}

// SettleHoldInvoiceCmd settles the accepted hold invoice whose payment hash
// is the hash of the given hex encoded preimage.
type SettleHoldInvoiceCmd struct {
	Preimage string `json:"preimage"`
}

// CancelHoldInvoiceCmd cancels the hold invoice with the given hex encoded
// payment hash.
type CancelHoldInvoiceCmd struct {
	PaymentHash string `json:"paymenthash"`
}

// WipeHoldInvoicesCmd deletes one or all hold invoice records, bypassing the
// state machine. This is a destructive administrative escape hatch: htlcs
// still held for a wiped invoice are orphaned.
type WipeHoldInvoicesCmd struct {
	PaymentHash *string `json:"paymenthash"`
}

// HoldInvoiceResult is the result of a holdinvoice command.
type HoldInvoiceResult struct {
	PayReq string `json:"payreq"`
}

// HoldInvoiceRecord is a single invoice entry of a listholdinvoices result.
type HoldInvoiceRecord struct {
	PaymentHash string `json:"paymenthash"`
	State       string `json:"state"`
	PayReq      string `json:"payreq"`
	Preimage    string `json:"preimage,omitempty"`
}

// ListHoldInvoicesResult is the result of a listholdinvoices command.
type ListHoldInvoicesResult struct {
	HoldInvoices []HoldInvoiceRecord `json:"holdinvoices"`
}

// WipeHoldInvoicesResult is the result of a wipeholdinvoices command.
type WipeHoldInvoicesResult struct {
	DeletedCount int `json:"deletedcount"`
}

func init() {
	flags := dcrjson.UsageFlag(0)

	dcrjson.MustRegisterCmd("holdinvoice", (*HoldInvoiceCmd)(nil), flags)
	dcrjson.MustRegisterCmd(
		"listholdinvoices", (*ListHoldInvoicesCmd)(nil), flags,
	)
	dcrjson.MustRegisterCmd(
		"settleholdinvoice", (*SettleHoldInvoiceCmd)(nil), flags,
	)
	dcrjson.MustRegisterCmd(
		"cancelholdinvoice", (*CancelHoldInvoiceCmd)(nil), flags,
	)
	dcrjson.MustRegisterCmd(
		"wipeholdinvoices", (*WipeHoldInvoicesCmd)(nil), flags,
	)
}
