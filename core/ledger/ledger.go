// Package ledger defines the read and write primitives of the authoritative
// account store, plus an in-memory reference implementation and a byte-level
// read cache. The execution core only ever reads through Reader during a
// block and writes through Writer once, single-threaded, at commit.
package ledger

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/tessera-chain/go-tessera/core/types"
)

// Reader is the height-versioned read interface of the ledger. All lookups
// return the latest value recorded at or before the given height; the second
// return value is false for never-seen accounts.
type Reader interface {
	NonceAt(addr common.Address, height uint64) (uint64, bool, error)
	BalanceAt(addr common.Address, asset common.Hash, height uint64) (uint64, bool, error)
	MultiSigAt(addr common.Address, height uint64) (*types.MultiSigConfig, bool, error)
}

// Writer is the write interface of the ledger. It is invoked only from the
// single-threaded commit/merge step. A nil config on SetMultiSig removes the
// account's multisig setup.
type Writer interface {
	SetNonce(addr common.Address, height, nonce uint64) error
	SetBalance(addr common.Address, asset common.Hash, height, balance uint64) error
	SetMultiSig(addr common.Address, height uint64, cfg *types.MultiSigConfig) error
}
