package holdrpc

import (
	"github.com/decred/dcrd/dcrjson/v2"
)

// RPC error codes of the hold invoice commands.
const (
	// ErrRPCInvalidParameter is returned for malformed command arguments,
	// such as an undecodable payment request or a bad hex string.
	ErrRPCInvalidParameter dcrjson.RPCErrorCode = 2100

	// ErrRPCInvoiceExists is returned when creating a hold invoice whose
	// payment hash is already known, either as a hold invoice or as a
	// regular invoice on the node.
	ErrRPCInvoiceExists dcrjson.RPCErrorCode = 2101

	// ErrRPCInvoiceNotFound is returned when a command references a
	// payment hash no hold invoice is stored under.
	ErrRPCInvoiceNotFound dcrjson.RPCErrorCode = 2102

	// ErrRPCStateTransition is returned when a settle or cancel is not
	// permitted by the invoice's current state.
	ErrRPCStateTransition dcrjson.RPCErrorCode = 2103

	// ErrRPCInternal is returned when an operation failed for reasons
	// unrelated to its arguments, such as an unreachable database.
	ErrRPCInternal dcrjson.RPCErrorCode = 2199
)

var (
	errRPCInvoiceExists = dcrjson.NewRPCError(
		ErrRPCInvoiceExists,
		"hold invoice with that payment hash exists already",
	)

	errRPCInvoiceNotFound = dcrjson.NewRPCError(
		ErrRPCInvoiceNotFound,
		"hold invoice with that payment hash does not exist",
	)
)

// rpcInvalidParameter builds an invalid-parameter error with the given
// message.
func rpcInvalidParameter(msg string) *dcrjson.RPCError {
	return dcrjson.NewRPCError(ErrRPCInvalidParameter, msg)
}

// rpcInternal builds an internal error with the given message.
func rpcInternal(msg string) *dcrjson.RPCError {
	return dcrjson.NewRPCError(ErrRPCInternal, msg)
}
