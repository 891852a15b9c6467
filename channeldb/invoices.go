package channeldb

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/lightningnetwork/lnd/lntypes"
	bolt "go.etcd.io/bbolt"
)

var (
	// ErrInvoiceAlreadyExists is returned when a hold invoice is saved in
	// create mode while a record with the same payment hash is already
	// present.
	ErrInvoiceAlreadyExists = errors.New("hold invoice with that payment " +
		"hash exists already")

	// ErrInvoiceNotFound is returned when a lookup, replace-mode save or
	// keyed delete references a payment hash that has no record.
	ErrInvoiceNotFound = errors.New("hold invoice with that payment " +
		"hash does not exist")
)

// ContractState describes the state the hold invoice is in.
type ContractState uint8

const (
	// ContractOpen means the invoice has only been created and has not
	// yet been fully funded by incoming htlcs.
	ContractOpen ContractState = 0

	// ContractAccepted means the invoice is fully funded and all htlcs
	// paying to it are being held, pending an explicit settle or cancel.
	ContractAccepted ContractState = 1

	// ContractSettled means the preimage has been revealed and all held
	// htlcs were resolved with it. This state is terminal.
	ContractSettled ContractState = 2

	// ContractCanceled means the invoice was canceled and all held htlcs
	// were failed back. This state is terminal.
	ContractCanceled ContractState = 3
)

// String returns a human readable identifier for the contract state.
func (c ContractState) String() string {
	switch c {
	case ContractOpen:
		return "unpaid"
	case ContractAccepted:
		return "accepted"
	case ContractSettled:
		return "paid"
	case ContractCanceled:
		return "cancelled"
	}

	return "unknown"
}

// possibleStateTransitions holds, per contract state, the set of states an
// invoice in that state is allowed to move to. Settled and canceled invoices
// are terminal and never leave their state.
var possibleStateTransitions = map[ContractState][]ContractState{
	ContractOpen:     {ContractAccepted, ContractCanceled},
	ContractAccepted: {ContractSettled, ContractCanceled},
	ContractSettled:  {},
	ContractCanceled: {},
}

// StateTransitionError is returned when an invoice is asked to move to a
// state that is not reachable from its current one. It carries the attempted
// pair so callers can surface it verbatim.
type StateTransitionError struct {
	From ContractState
	To   ContractState
}

// Error returns a human readable description of the illegal transition.
func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("illegal hold invoice state transition (%v -> %v)",
		e.From, e.To)
}

// HoldInvoice is a single hold invoice tracked by the daemon. The payment
// hash never changes after creation and the preimage is set exactly once,
// when the invoice settles.
type HoldInvoice struct {
	// PaymentHash is the hash the invoice is keyed by.
	PaymentHash lntypes.Hash

	// PaymentRequest is the signed payment request string.
	PaymentRequest string

	// State is the current contract state of the invoice.
	State ContractState

	// Preimage is the payment preimage. It is nil unless State is
	// ContractSettled.
	Preimage *lntypes.Preimage
}

// SetState moves the invoice to newState after validating the transition
// against the state table. On an illegal transition a StateTransitionError
// is returned and the invoice is left unmodified.
func (h *HoldInvoice) SetState(newState ContractState) error {
	for _, s := range possibleStateTransitions[h.State] {
		if s == newState {
			h.State = newState
			return nil
		}
	}

	return &StateTransitionError{
		From: h.State,
		To:   newState,
	}
}

// PutMode is the concurrency expectation a caller attaches to a PutInvoice
// call. It allows detecting unexpected external mutation of the store by key
// instead of locking it.
type PutMode uint8

const (
	// ModeCreate requires that no record exists yet for the payment hash.
	ModeCreate PutMode = iota

	// ModeReplace requires that a record already exists for the payment
	// hash.
	ModeReplace
)

// PutInvoice writes the invoice record under its payment hash, enforcing the
// given mode. It returns ErrInvoiceAlreadyExists when mode is ModeCreate and
// a record is present, and ErrInvoiceNotFound when mode is ModeReplace and no
// record is present.
func (d *DB) PutInvoice(invoice *HoldInvoice, mode PutMode) error {
	var buf bytes.Buffer
	if err := serializeHoldInvoice(&buf, invoice); err != nil {
		return err
	}

	return d.Update(func(tx *bolt.Tx) error {
		invoices := tx.Bucket(holdInvoiceBucket)

		existing := invoices.Get(invoice.PaymentHash[:])
		switch {
		case mode == ModeCreate && existing != nil:
			return ErrInvoiceAlreadyExists

		case mode == ModeReplace && existing == nil:
			return ErrInvoiceNotFound
		}

		return invoices.Put(invoice.PaymentHash[:], buf.Bytes())
	})
}

// FetchInvoice looks up the invoice record stored under the given payment
// hash. It returns ErrInvoiceNotFound when no record exists.
func (d *DB) FetchInvoice(paymentHash lntypes.Hash) (*HoldInvoice, error) {
	var invoice *HoldInvoice
	err := d.View(func(tx *bolt.Tx) error {
		invoices := tx.Bucket(holdInvoiceBucket)

		raw := invoices.Get(paymentHash[:])
		if raw == nil {
			return ErrInvoiceNotFound
		}

		var err error
		invoice, err = deserializeHoldInvoice(bytes.NewReader(raw))
		if err != nil {
			return err
		}

		invoice.PaymentHash = paymentHash
		return nil
	})
	if err != nil {
		return nil, err
	}

	return invoice, nil
}

// FetchInvoices returns all stored invoice records. When hashFilter is
// non-nil, only the record with that payment hash is returned, which may be
// the empty list.
func (d *DB) FetchInvoices(hashFilter *lntypes.Hash) ([]HoldInvoice, error) {
	var result []HoldInvoice
	err := d.View(func(tx *bolt.Tx) error {
		invoices := tx.Bucket(holdInvoiceBucket)

		if hashFilter != nil {
			raw := invoices.Get(hashFilter[:])
			if raw == nil {
				return nil
			}

			invoice, err := deserializeHoldInvoice(
				bytes.NewReader(raw),
			)
			if err != nil {
				return err
			}

			invoice.PaymentHash = *hashFilter
			result = append(result, *invoice)
			return nil
		}

		return invoices.ForEach(func(k, v []byte) error {
			invoice, err := deserializeHoldInvoice(
				bytes.NewReader(v),
			)
			if err != nil {
				return err
			}

			hash, err := lntypes.MakeHash(k)
			if err != nil {
				return err
			}

			invoice.PaymentHash = hash
			result = append(result, *invoice)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// DeleteInvoice removes the record stored under the given payment hash,
// bypassing the state machine entirely. The returned bool reports whether a
// record was present.
func (d *DB) DeleteInvoice(paymentHash lntypes.Hash) (bool, error) {
	var deleted bool
	err := d.Update(func(tx *bolt.Tx) error {
		invoices := tx.Bucket(holdInvoiceBucket)

		if invoices.Get(paymentHash[:]) == nil {
			return nil
		}

		deleted = true
		return invoices.Delete(paymentHash[:])
	})
	if err != nil {
		return false, err
	}

	return deleted, nil
}

// DeleteInvoices removes all stored invoice records and returns the number
// of records removed.
func (d *DB) DeleteInvoices() (int, error) {
	var count int
	err := d.Update(func(tx *bolt.Tx) error {
		invoices := tx.Bucket(holdInvoiceBucket)

		var keys [][]byte
		err := invoices.ForEach(func(k, _ []byte) error {
			key := make([]byte, len(k))
			copy(key, k)
			keys = append(keys, key)
			return nil
		})
		if err != nil {
			return err
		}

		for _, key := range keys {
			if err := invoices.Delete(key); err != nil {
				return err
			}
		}

		count = len(keys)
		return nil
	})
	if err != nil {
		return 0, err
	}

	return count, nil
}

// serializeHoldInvoice writes the flat binary encoding of the invoice record:
// the contract state, the optional preimage and the length prefixed payment
// request. The payment hash is the key of the record and isn't part of the
// value.
func serializeHoldInvoice(w io.Writer, invoice *HoldInvoice) error {
	if _, err := w.Write([]byte{byte(invoice.State)}); err != nil {
		return err
	}

	if invoice.Preimage != nil {
		if _, err := w.Write([]byte{1}); err != nil {
			return err
		}
		if _, err := w.Write(invoice.Preimage[:]); err != nil {
			return err
		}
	} else {
		if _, err := w.Write([]byte{0}); err != nil {
			return err
		}
	}

	var lenBytes [2]byte
	byteOrder.PutUint16(lenBytes[:], uint16(len(invoice.PaymentRequest)))
	if _, err := w.Write(lenBytes[:]); err != nil {
		return err
	}

	_, err := w.Write([]byte(invoice.PaymentRequest))
	return err
}

// deserializeHoldInvoice decodes an invoice record value. The payment hash
// is filled in by the caller from the record's key.
func deserializeHoldInvoice(r io.Reader) (*HoldInvoice, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	invoice := &HoldInvoice{
		State: ContractState(header[0]),
	}

	if header[1] == 1 {
		var preimageBytes [32]byte
		if _, err := io.ReadFull(r, preimageBytes[:]); err != nil {
			return nil, err
		}

		preimage, err := lntypes.MakePreimage(preimageBytes[:])
		if err != nil {
			return nil, err
		}
		invoice.Preimage = &preimage
	}

	var lenBytes [2]byte
	if _, err := io.ReadFull(r, lenBytes[:]); err != nil {
		return nil, err
	}

	payReq := make([]byte, byteOrder.Uint16(lenBytes[:]))
	if _, err := io.ReadFull(r, payReq); err != nil {
		return nil, err
	}
	invoice.PaymentRequest = string(payReq)

	return invoice, nil
}
