package types

import (
	"bytes"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// NativeAsset is the asset fees are charged in.
var NativeAsset = common.Hash{}

// TxKind identifies the payload variant carried by a transaction.
type TxKind byte

const (
	TransferTxKind TxKind = iota
	BurnTxKind
	MultiSigTxKind

	// Kinds below require the VM engine and force the whole block onto
	// the sequential path.
	InvokeContractTxKind
	DeployContractTxKind
	EnergyTxKind
)

func (k TxKind) String() string {
	switch k {
	case TransferTxKind:
		return "transfer"
	case BurnTxKind:
		return "burn"
	case MultiSigTxKind:
		return "multisig"
	case InvokeContractTxKind:
		return "invoke"
	case DeployContractTxKind:
		return "deploy"
	case EnergyTxKind:
		return "energy"
	default:
		return "unknown"
	}
}

// TransferItem is one line item of a transfer transaction.
type TransferItem struct {
	Asset  common.Hash
	To     common.Address
	Amount uint64
}

// BurnPayload destroys an amount of an asset from the source account.
type BurnPayload struct {
	Asset  common.Hash
	Amount uint64
}

// MultiSigConfig is the multisig configuration attached to an account.
// An empty participant set means the configuration is being removed.
type MultiSigConfig struct {
	Threshold    uint8
	Participants []common.Address
}

// IsDelete reports whether applying this config removes the account's
// multisig setup.
func (c *MultiSigConfig) IsDelete() bool {
	return len(c.Participants) == 0
}

// Equal compares two configs, treating nil as "no config".
func (c *MultiSigConfig) Equal(other *MultiSigConfig) bool {
	if c == nil || other == nil {
		return c == other
	}
	if c.Threshold != other.Threshold || len(c.Participants) != len(other.Participants) {
		return false
	}
	for i := range c.Participants {
		if c.Participants[i] != other.Participants[i] {
			return false
		}
	}
	return true
}

// Copy returns a deep copy, nil-safe.
func (c *MultiSigConfig) Copy() *MultiSigConfig {
	if c == nil {
		return nil
	}
	cpy := &MultiSigConfig{Threshold: c.Threshold}
	cpy.Participants = append([]common.Address(nil), c.Participants...)
	return cpy
}

// Transaction is an already-validated ledger transaction. Fields are
// immutable after construction; the hash is computed lazily and cached.
type Transaction struct {
	kind      TxKind
	from      common.Address
	nonce     uint64
	fee       uint64
	transfers []TransferItem
	burn      *BurnPayload
	multisig  *MultiSigConfig

	hash atomic.Value
}

// txdata is the canonical encoding used for hashing.
type txdata struct {
	Kind      uint8
	From      common.Address
	Nonce     uint64
	Fee       uint64
	Transfers []TransferItem
	Burn      *BurnPayload    `rlp:"nil"`
	MultiSig  *MultiSigConfig `rlp:"nil"`
}

// NewTransferTx builds a transfer transaction with one or more line items.
func NewTransferTx(from common.Address, nonce, fee uint64, items []TransferItem) *Transaction {
	return &Transaction{kind: TransferTxKind, from: from, nonce: nonce, fee: fee, transfers: items}
}

// NewBurnTx builds a burn transaction.
func NewBurnTx(from common.Address, nonce, fee uint64, payload BurnPayload) *Transaction {
	return &Transaction{kind: BurnTxKind, from: from, nonce: nonce, fee: fee, burn: &payload}
}

// NewMultiSigTx builds a multisig-update transaction.
func NewMultiSigTx(from common.Address, nonce, fee uint64, cfg MultiSigConfig) *Transaction {
	return &Transaction{kind: MultiSigTxKind, from: from, nonce: nonce, fee: fee, multisig: &cfg}
}

// NewUnsupportedTx builds a marker transaction of a kind this execution
// core does not handle (contract invoke/deploy, energy). It carries just
// enough to be routed and hashed.
func NewUnsupportedTx(kind TxKind, from common.Address, nonce, fee uint64) *Transaction {
	return &Transaction{kind: kind, from: from, nonce: nonce, fee: fee}
}

func (tx *Transaction) Kind() TxKind              { return tx.kind }
func (tx *Transaction) From() common.Address      { return tx.from }
func (tx *Transaction) Nonce() uint64             { return tx.nonce }
func (tx *Transaction) Fee() uint64               { return tx.fee }
func (tx *Transaction) Transfers() []TransferItem { return tx.transfers }
func (tx *Transaction) Burn() *BurnPayload        { return tx.burn }
func (tx *Transaction) MultiSig() *MultiSigConfig { return tx.multisig }

// ParallelSupported reports whether this kind can run on the parallel path.
func (tx *Transaction) ParallelSupported() bool {
	switch tx.kind {
	case TransferTxKind, BurnTxKind, MultiSigTxKind:
		return true
	default:
		return false
	}
}

// Hash returns the transaction hash, computing and caching it on first use.
func (tx *Transaction) Hash() common.Hash {
	if h := tx.hash.Load(); h != nil {
		return h.(common.Hash)
	}
	var buf bytes.Buffer
	data := &txdata{
		Kind:      uint8(tx.kind),
		From:      tx.from,
		Nonce:     tx.nonce,
		Fee:       tx.fee,
		Transfers: tx.transfers,
		Burn:      tx.burn,
		MultiSig:  tx.multisig,
	}
	if err := rlp.Encode(&buf, data); err != nil {
		panic(err) // all field types are rlp-encodable
	}
	h := crypto.Keccak256Hash(buf.Bytes())
	tx.hash.Store(h)
	return h
}

// TouchedAccounts returns every account this transaction reads or writes:
// the source, plus every transfer destination.
func (tx *Transaction) TouchedAccounts() []common.Address {
	accounts := []common.Address{tx.from}
	for _, item := range tx.transfers {
		accounts = append(accounts, item.To)
	}
	return accounts
}

// Block is an already-validated block handed to the execution core.
// Ledger reads happen at-or-before Number, writes at Number.
type Block struct {
	Number       uint64
	Miner        common.Address
	Reward       uint64
	Transactions []*Transaction
}
