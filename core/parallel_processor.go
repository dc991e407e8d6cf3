package core

import (
	"runtime"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"golang.org/x/sync/errgroup"

	"github.com/tessera-chain/go-tessera/common/gopool"
	"github.com/tessera-chain/go-tessera/core/ledger"
	"github.com/tessera-chain/go-tessera/core/state"
	"github.com/tessera-chain/go-tessera/core/types"
)

var (
	parallelTxNumMeter      = metrics.NewRegisteredMeter("chain/parallel/txs", nil)
	parallelOrphanedTxMeter = metrics.NewRegisteredMeter("chain/parallel/orphaned", nil)
	parallelBatchNumMeter   = metrics.NewRegisteredMeter("chain/parallel/batches", nil)
	parallelRunTimer        = metrics.NewRegisteredTimer("chain/parallel/run", nil)
	parallelMergeTimer      = metrics.NewRegisteredTimer("chain/parallel/merge", nil)
)

// ParallelStateProcessor executes a block's transactions as conflict-free
// concurrent batches against a ParallelState and merges the result into the
// canonical chain state. A block either completes fully or fails as a whole
// on a fatal error; there is no cancellation of in-flight tasks.
type ParallelStateProcessor struct {
	config Config
	chain  *ChainState
}

func NewParallelStateProcessor(config Config, chain *ChainState) *ParallelStateProcessor {
	gopool.Tune(config.ParallelTxNum)
	if config.EnableParallelExec {
		log.Info("Parallel execution mode is enabled", "parallelNum", gopool.Cap(),
			"cpuNum", runtime.NumCPU(), "threshold", config.Threshold())
	}
	return &ParallelStateProcessor{config: config, chain: chain}
}

// Process runs the whole parallel path for one block: miner reward, source
// prefetch, conflict batching, batch-by-batch concurrent execution, then the
// single-threaded merge. Outcomes come back in the block's transaction
// order. Callers must have routed VM-requiring blocks elsewhere already.
func (p *ParallelStateProcessor) Process(block *types.Block, reader ledger.Reader) ([]*types.TransactionOutcome, error) {
	txs := block.Transactions
	ps := state.NewParallelState(reader, block.Number)

	// The reward lands before any transaction runs, so the miner can spend
	// it inside this very block.
	if block.Reward > 0 {
		if err := ps.RewardMiner(block.Miner, block.Reward); err != nil {
			return nil, err
		}
	}
	if err := prefetchSourceAccounts(ps, txs); err != nil {
		return nil, err
	}

	start := time.Now()
	batches := types.GroupByConflicts(txs)
	outcomes := make([]*types.TransactionOutcome, len(txs))
	offset := 0
	for i, batch := range batches {
		log.Debug("Executing batch", "block", block.Number, "batch", i, "size", len(batch))
		if err := executeBatch(ps.ApplyTx, batch, offset, outcomes); err != nil {
			log.Error("Parallel block failed", "block", block.Number, "batch", i, "err", err)
			return nil, err
		}
		// Credits become visible at the batch boundary, matching what a
		// sequential pass over the same prefix would have produced.
		if err := ps.FoldCredits(); err != nil {
			return nil, err
		}
		offset += len(batch)
	}
	runDuration := time.Since(start)
	parallelRunTimer.Update(runDuration)

	start = time.Now()
	if err := p.chain.mergeResults(block, ps, outcomes, true); err != nil {
		return nil, err
	}
	parallelMergeTimer.Update(time.Since(start))

	orphaned := 0
	for _, outcome := range outcomes {
		if !outcome.Success {
			orphaned++
		}
	}
	parallelTxNumMeter.Mark(int64(len(txs)))
	parallelOrphanedTxMeter.Mark(int64(orphaned))
	parallelBatchNumMeter.Mark(int64(len(batches)))
	log.Info("Parallel block done", "block", block.Number, "txs", len(txs),
		"batches", len(batches), "orphaned", orphaned,
		"fees", ps.TotalFees(), "burned", ps.BurnedSupply(),
		"runDuration", runDuration)
	return outcomes, nil
}

// executeBatch runs one conflict-free batch. Each transaction is an
// independent task on the shared pool, writing its outcome at its original
// index, so the outcome slice is in submission order no matter how the
// tasks interleave. Batch K+1 never starts before every task here returned:
// conflict-freedom holds only within a batch.
func executeBatch(apply func(*types.Transaction) (*types.TransactionOutcome, error), batch types.TxBatch, offset int, outcomes []*types.TransactionOutcome) error {
	var (
		wg    sync.WaitGroup
		once  sync.Once
		fatal error
	)
	for i, tx := range batch {
		wg.Add(1)
		tx := tx
		idx := offset + i
		task := func() {
			defer wg.Done()
			// A task failing unexpectedly becomes a failed outcome, not an
			// aborted batch.
			defer func() {
				if r := recover(); r != nil {
					log.Error("Transaction task panicked", "tx", tx.Hash(), "err", r)
					outcomes[idx] = types.FailedOutcome(tx.Hash(), types.ReasonTaskPanic(r))
				}
			}()
			outcome, err := apply(tx)
			if err != nil {
				once.Do(func() { fatal = err })
				outcome = types.FailedOutcome(tx.Hash(), err.Error())
			}
			outcomes[idx] = outcome
		}
		if err := gopool.Submit(task); err != nil {
			task()
		}
	}
	wg.Wait()
	return fatal
}

// prefetchSourceAccounts warms the cache with every distinct source account
// before the first batch runs. Loads are idempotent, so this only moves the
// ledger reads off the execution critical path.
func prefetchSourceAccounts(ps *state.ParallelState, txs []*types.Transaction) error {
	var g errgroup.Group
	g.SetLimit(gopool.Cap())
	seen := make(map[common.Address]struct{}, len(txs))
	for _, tx := range txs {
		addr := tx.From()
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		g.Go(func() error {
			return ps.EnsureAccountLoaded(addr)
		})
	}
	return g.Wait()
}
