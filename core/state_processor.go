package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/tessera-chain/go-tessera/core/ledger"
	"github.com/tessera-chain/go-tessera/core/state"
	"github.com/tessera-chain/go-tessera/core/types"
)

var (
	sequentialTxNumMeter = metrics.NewRegisteredMeter("chain/sequential/txs", nil)
	sequentialRunTimer   = metrics.NewRegisteredTimer("chain/sequential/run", nil)
)

// ErrVMRequired marks a block carrying contract or energy transactions.
// Those kinds are executed by the VM-backed engine, which this core treats
// as an external collaborator.
var ErrVMRequired = errors.New("block requires the VM-backed sequential engine")

// StateProcessor is the canonical sequential execution path. The parallel
// path is correct exactly when it is indistinguishable from this one.
type StateProcessor struct {
	config Config
	chain  *ChainState
}

func NewStateProcessor(config Config, chain *ChainState) *StateProcessor {
	return &StateProcessor{config: config, chain: chain}
}

// Process executes the block's transactions one by one in order against a
// SequentialState and merges the result into the chain state.
func (p *StateProcessor) Process(block *types.Block, reader ledger.Reader) ([]*types.TransactionOutcome, error) {
	txs := block.Transactions
	seq := state.NewSequentialState(reader, block.Number)

	if block.Reward > 0 {
		if err := seq.RewardMiner(block.Miner, block.Reward); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	outcomes := make([]*types.TransactionOutcome, len(txs))
	for i, tx := range txs {
		if !tx.ParallelSupported() {
			return nil, fmt.Errorf("tx %d [%s] kind %s: %w", i, tx.Hash().TerminalString(), tx.Kind(), ErrVMRequired)
		}
		outcome, err := seq.ApplyTx(tx)
		if err != nil {
			log.Error("Sequential block failed", "block", block.Number, "txIndex", i, "err", err)
			return nil, fmt.Errorf("apply tx %d [%s]: %w", i, tx.Hash().TerminalString(), err)
		}
		outcomes[i] = outcome
	}
	sequentialRunTimer.Update(time.Since(start))

	if err := p.chain.mergeResults(block, seq, outcomes, false); err != nil {
		return nil, err
	}
	sequentialTxNumMeter.Mark(int64(len(txs)))
	log.Debug("Sequential block done", "block", block.Number, "txs", len(txs),
		"fees", seq.TotalFees(), "burned", seq.BurnedSupply())
	return outcomes, nil
}

// BlockExecutor routes each validated block to the parallel or sequential
// processor. A block is parallel-eligible as a whole or not at all; there is
// no per-transaction mixed routing.
type BlockExecutor struct {
	config   Config
	chain    *ChainState
	parallel *ParallelStateProcessor
	serial   *StateProcessor
}

func NewBlockExecutor(config Config, writer ledger.Writer) *BlockExecutor {
	chain := NewChainState(writer)
	return &BlockExecutor{
		config:   config,
		chain:    chain,
		parallel: NewParallelStateProcessor(config, chain),
		serial:   NewStateProcessor(config, chain),
	}
}

// Chain exposes the bookkeeping both processors merge into.
func (e *BlockExecutor) Chain() *ChainState {
	return e.chain
}

// ExecuteBlock evaluates the strategy selector once for the block and runs
// the chosen path.
func (e *BlockExecutor) ExecuteBlock(block *types.Block, reader ledger.Reader) ([]*types.TransactionOutcome, error) {
	hasUnsupported := types.HasUnsupportedTx(block.Transactions)
	if ShouldParallelize(len(block.Transactions), hasUnsupported, e.config.EnableParallelExec, e.config.Threshold()) {
		return e.parallel.Process(block, reader)
	}
	return e.serial.Process(block, reader)
}
