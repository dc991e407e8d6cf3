package core

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"

	"github.com/tessera-chain/go-tessera/core/ledger"
	"github.com/tessera-chain/go-tessera/core/state"
	"github.com/tessera-chain/go-tessera/core/types"
)

// ExecutionEvent is published after every merged block. Both execution
// paths emit the identical event shape.
type ExecutionEvent struct {
	Block    uint64
	Parallel bool
	Outcomes []*types.TransactionOutcome
	Fees     uint64
	Burned   uint64
}

// executionState is what the merger needs from either per-block state.
type executionState interface {
	Commit(ledger.Writer) error
	TotalFees() uint64
	BurnedSupply() uint64
}

// ChainState is the canonical per-chain bookkeeping both processors merge
// into: the ledger write handle, running fee/burn totals, and the executed
// and orphaned transaction sets.
type ChainState struct {
	mu     sync.Mutex
	writer ledger.Writer

	collectedFees uint64
	burnedSupply  uint64

	executed map[common.Hash]struct{}
	orphaned map[common.Hash]struct{}

	feed  event.Feed
	scope event.SubscriptionScope
}

func NewChainState(writer ledger.Writer) *ChainState {
	return &ChainState{
		writer:   writer,
		executed: make(map[common.Hash]struct{}),
		orphaned: make(map[common.Hash]struct{}),
	}
}

// SubscribeExecutionEvents registers a sink for per-block execution events.
func (cs *ChainState) SubscribeExecutionEvents(ch chan<- ExecutionEvent) event.Subscription {
	return cs.scope.Track(cs.feed.Subscribe(ch))
}

// Stop terminates every event subscription.
func (cs *ChainState) Stop() {
	cs.scope.Close()
}

func (cs *ChainState) CollectedFees() uint64 {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.collectedFees
}

func (cs *ChainState) BurnedSupply() uint64 {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.burnedSupply
}

// Executed reports whether the transaction was applied and included.
func (cs *ChainState) Executed(hash common.Hash) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	_, ok := cs.executed[hash]
	return ok
}

// Orphaned reports whether the transaction failed and was excluded.
func (cs *ChainState) Orphaned(hash common.Hash) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	_, ok := cs.orphaned[hash]
	return ok
}

// mergeResults is the single-threaded merge step: it commits the per-block
// state through the canonical ledger write path (the same one for both
// execution paths, so the on-disk representation is identical regardless of
// which path ran), folds the block's fee and burn totals into the running
// chain totals, populates the executed/orphaned sets from the outcomes, and
// publishes the block's execution event.
func (cs *ChainState) mergeResults(block *types.Block, st executionState, outcomes []*types.TransactionOutcome, parallel bool) error {
	if err := st.Commit(cs.writer); err != nil {
		return fmt.Errorf("commit block %d: %w", block.Number, err)
	}
	fees, burned := st.TotalFees(), st.BurnedSupply()

	cs.mu.Lock()
	total, ok := safeAdd(cs.collectedFees, fees)
	if !ok {
		cs.mu.Unlock()
		return state.ErrFeeOverflow
	}
	cs.collectedFees = total
	total, ok = safeAdd(cs.burnedSupply, burned)
	if !ok {
		cs.mu.Unlock()
		return state.ErrBurnedSupplyOverflow
	}
	cs.burnedSupply = total
	for _, outcome := range outcomes {
		if outcome.Success {
			cs.executed[outcome.TxHash] = struct{}{}
		} else {
			cs.orphaned[outcome.TxHash] = struct{}{}
		}
	}
	cs.mu.Unlock()

	cs.feed.Send(ExecutionEvent{
		Block:    block.Number,
		Parallel: parallel,
		Outcomes: outcomes,
		Fees:     fees,
		Burned:   burned,
	})
	return nil
}

func safeAdd(a, b uint64) (uint64, bool) {
	sum := a + b
	return sum, sum >= a
}
