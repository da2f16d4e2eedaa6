package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/mbd888/rentescrow/internal/circuitbreaker"
)

// -----------------------------------------------------------------------------
// Errors - typed errors for programmatic handling
// -----------------------------------------------------------------------------

var (
	// ErrChainUnavailable means the node could not be reached or answered
	// with a transport error. Callers may retry.
	ErrChainUnavailable = errors.New("chain: unavailable")
	// ErrReceiptNotFound means the transaction is unknown or not yet mined.
	ErrReceiptNotFound = errors.New("chain: receipt not found")
	// ErrConfirmationTimeout means a receipt did not reach the required
	// confirmations before the deadline. Callers may retry.
	ErrConfirmationTimeout = errors.New("chain: confirmation timeout")
	// ErrReverted matches every *RevertError.
	ErrReverted = errors.New("chain: execution reverted")
	// ErrNoSigner is returned when an operator transaction is requested from
	// a read-only client.
	ErrNoSigner      = errors.New("chain: no operator key configured")
	ErrInvalidKey    = errors.New("chain: invalid private key")
	ErrInvalidConfig = errors.New("chain: invalid config")
)

// RevertError is a transaction or call that failed inside the contract.
// Reason is the contract's revert string, passed through verbatim. It is
// never retryable.
type RevertError struct {
	Method string
	TxHash string
	Reason string
}

func (e *RevertError) Error() string {
	msg := "execution reverted"
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s %s (tx: %s)", e.Method, msg, e.TxHash)
	}
	if e.Method != "" {
		return fmt.Sprintf("chain: %s %s", e.Method, msg)
	}
	return "chain: " + msg
}

// Is makes errors.Is(err, ErrReverted) true for every revert.
func (e *RevertError) Is(target error) bool { return target == ErrReverted }

// TxError wraps a failed step of building or sending a transaction.
type TxError struct {
	Op     string // Operation that failed
	TxHash string // Transaction hash if available
	Err    error  // Underlying error
}

func (e *TxError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth retrying later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrChainUnavailable) || errors.Is(err, ErrConfirmationTimeout) || errors.Is(err, ErrReceiptNotFound)
}

// revertReason extracts the revert string carried by an RPC error. ok is
// false when err is not a revert.
func revertReason(err error) (reason string, ok bool) {
	if err == nil {
		return "", false
	}
	var de rpc.DataError
	if errors.As(err, &de) {
		if s, isStr := de.ErrorData().(string); isStr {
			if data, derr := hexutil.Decode(s); derr == nil {
				if r, uerr := abi.UnpackRevert(data); uerr == nil {
					return r, true
				}
			}
		}
	}
	msg := err.Error()
	if i := strings.Index(msg, "execution reverted"); i >= 0 {
		rest := strings.TrimPrefix(msg[i:], "execution reverted")
		return strings.TrimSpace(strings.TrimPrefix(rest, ":")), true
	}
	return "", false
}

// countsAsOutage decides which errors trip the circuit breaker: anything
// that is not a contract answer (revert, not found) or caller cancellation.
func countsAsOutage(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ethereum.NotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	_, reverted := revertReason(err)
	return !reverted
}

// classify maps a backend error onto the package's taxonomy.
func classify(op, method string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("%w: %s: %v", ErrChainUnavailable, op, err)
	}
	if errors.Is(err, ethereum.NotFound) {
		return ErrReceiptNotFound
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if reason, ok := revertReason(err); ok {
		return &RevertError{Method: method, Reason: reason}
	}
	chainRPCErrors.WithLabelValues(op).Inc()
	return fmt.Errorf("%w: %s: %v", ErrChainUnavailable, op, err)
}
