package types

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// TransactionOutcome records the result of executing one transaction.
// It is produced exactly once per transaction and never mutated after.
type TransactionOutcome struct {
	TxHash     common.Hash
	Success    bool
	Reason     string // failure reason, empty on success
	FeeCharged uint64
}

// SuccessfulOutcome builds the outcome of an applied transaction.
func SuccessfulOutcome(hash common.Hash, fee uint64) *TransactionOutcome {
	return &TransactionOutcome{TxHash: hash, Success: true, FeeCharged: fee}
}

// FailedOutcome builds the outcome of an orphaned transaction.
func FailedOutcome(hash common.Hash, reason string) *TransactionOutcome {
	return &TransactionOutcome{TxHash: hash, Reason: reason}
}

// Failure reasons are built through these helpers so that the parallel and
// sequential paths produce byte-identical outcome lists.

func ReasonInvalidNonce(expected, got uint64) string {
	return fmt.Sprintf("invalid nonce: expected %d, got %d", expected, got)
}

func ReasonInsufficientFunds(asset common.Hash, have, need uint64) string {
	return fmt.Sprintf("insufficient funds: asset %s, have %d, need %d", asset.TerminalString(), have, need)
}

func ReasonTaskPanic(v interface{}) string {
	return fmt.Sprintf("task panic: %v", v)
}
