package types

import (
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
)

// TxBatch is an ordered run of transactions whose touched-account sets are
// pairwise disjoint, so its members can execute concurrently.
type TxBatch []*Transaction

// GroupByConflicts splits an ordered transaction list into ordered batches.
// The concatenation of the returned batches equals the input order exactly.
//
// The grouping is greedy: a single current batch is kept open, and a
// transaction touching any account already claimed by that batch closes it
// and opens a new one, even if the transaction would not conflict with every
// member. A graph-coloring batcher could be dropped in behind the same
// signature, at the cost of no longer being single-pass.
func GroupByConflicts(txs []*Transaction) []TxBatch {
	if len(txs) == 0 {
		return nil
	}
	var (
		batches []TxBatch
		current TxBatch
		claimed = mapset.NewThreadUnsafeSet[common.Address]()
	)
	for _, tx := range txs {
		touched := tx.TouchedAccounts()
		conflict := false
		for _, account := range touched {
			if claimed.Contains(account) {
				conflict = true
				break
			}
		}
		if conflict {
			batches = append(batches, current)
			current = nil
			claimed.Clear()
		}
		current = append(current, tx)
		for _, account := range touched {
			claimed.Add(account)
		}
	}
	return append(batches, current)
}

// HasUnsupportedTx pre-scans payload kinds; any kind outside the
// transfer/burn/multisig set forces the block onto the sequential path.
func HasUnsupportedTx(txs []*Transaction) bool {
	for _, tx := range txs {
		if !tx.ParallelSupported() {
			return true
		}
	}
	return false
}
