package services

import (
	"errors"
	"strings"
)

// Pipeline error taxonomy. Callers branch on these with errors.Is; raw RPC and
// crypto errors stay wrapped underneath and never cross the API boundary.
var (
	// ErrDuplicateIntent is benign: Register found an existing intent_key and
	// returned the existing intent.
	ErrDuplicateIntent = errors.New("duplicate intent key")

	// ErrInvalidTransition marks an illegal state machine move. This is an
	// ordering bug in the caller, fatal to the call.
	ErrInvalidTransition = errors.New("invalid intent status transition")

	// ErrGasEstimation: the node could not estimate gas for the call.
	// Recoverable; the intent is not advanced.
	ErrGasEstimation = errors.New("gas estimation failed")

	// ErrNonceConflict: the assigned nonce was already consumed on chain.
	// Recoverable by reallocation.
	ErrNonceConflict = errors.New("nonce conflict")

	// ErrUnderpricedReplacement: replacement fees below the node's bump floor.
	// Recoverable by increasing the bump factor.
	ErrUnderpricedReplacement = errors.New("underpriced replacement")

	// ErrBroadcastRejected: the node rejected the raw transaction for a
	// reason outside the classified kinds.
	ErrBroadcastRejected = errors.New("broadcast rejected")

	// ErrReceiptTimeout: a send sat unconfirmed past the stuck threshold.
	// Drives automatic replacement, not a user-facing failure by itself.
	ErrReceiptTimeout = errors.New("receipt timeout")

	// ErrWalletNotFound: no wallet row for the requested signing address.
	ErrWalletNotFound = errors.New("wallet not found")
)

// BroadcastErrorKind classifies a node's response to eth_sendRawTransaction.
type BroadcastErrorKind int

const (
	// BroadcastOK: no error.
	BroadcastOK BroadcastErrorKind = iota
	// BroadcastAlreadyKnown: the node has this exact transaction already.
	// Treated as success, another process broadcast the same send.
	BroadcastAlreadyKnown
	// BroadcastNonceTooLow: the nonce was consumed by an earlier transaction.
	// Triggers reallocation.
	BroadcastNonceTooLow
	// BroadcastUnderpriced: replacement fee below the node's bump requirement.
	BroadcastUnderpriced
	// BroadcastOther: anything else; retried with backoff up to the bound.
	BroadcastOther
)

// ClassifyBroadcastError maps node error strings onto the taxonomy. The
// substrings cover geth, erigon and the usual RPC gateways; there is no
// structured error code for these on the wire.
func ClassifyBroadcastError(err error) BroadcastErrorKind {
	if err == nil {
		return BroadcastOK
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already known"),
		strings.Contains(msg, "alreadyknown"),
		strings.Contains(msg, "known transaction"):
		return BroadcastAlreadyKnown
	case strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "invalid nonce"),
		strings.Contains(msg, "nonce is too low"):
		return BroadcastNonceTooLow
	case strings.Contains(msg, "replacement transaction underpriced"),
		strings.Contains(msg, "transaction underpriced"),
		strings.Contains(msg, "fee too low"):
		return BroadcastUnderpriced
	default:
		return BroadcastOther
	}
}
