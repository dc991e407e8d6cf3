package core

import (
	"testing"

	cmtrand "github.com/cometbft/cometbft/libs/rand"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessera-chain/go-tessera/core/ledger"
	"github.com/tessera-chain/go-tessera/core/types"
)

func addr(b byte) common.Address {
	return common.BytesToAddress([]byte{b})
}

func transferTx(from, to byte, nonce, amount, fee uint64) *types.Transaction {
	return types.NewTransferTx(addr(from), nonce, fee, []types.TransferItem{
		{Asset: types.NativeAsset, To: addr(to), Amount: amount},
	})
}

func TestConfigThreshold(t *testing.T) {
	assert.Equal(t, MinTxsForParallelMainnet, Config{Network: Mainnet}.Threshold())
	assert.Equal(t, MinTxsForParallelTestnet, Config{Network: Testnet}.Threshold())
	assert.Equal(t, MinTxsForParallelDevnet, Config{Network: Devnet}.Threshold())
	assert.Equal(t, 7, Config{Network: Mainnet, ParallelThreshold: 7}.Threshold())
}

func TestShouldParallelize(t *testing.T) {
	cases := []struct {
		name           string
		txCount        int
		hasUnsupported bool
		enabled        bool
		threshold      int
		want           bool
	}{
		{"eligible", 20, false, true, 20, true},
		{"disabled", 20, false, false, 20, false},
		{"below threshold", 19, false, true, 20, false},
		{"unsupported kind", 20, true, true, 20, false},
		{"empty block", 0, false, true, 20, false},
		{"all gates fail", 3, true, false, 20, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ShouldParallelize(tc.txCount, tc.hasUnsupported, tc.enabled, tc.threshold))
		})
	}
}

func devnetExecutor(m *ledger.MemoryLedger) *BlockExecutor {
	return NewBlockExecutor(Config{EnableParallelExec: true, Network: Devnet}, m)
}

func seedAccounts(t *testing.T, m *ledger.MemoryLedger, n byte, balance uint64) {
	t.Helper()
	for b := byte(1); b <= n; b++ {
		require.NoError(t, m.SetBalance(addr(b), types.NativeAsset, 0, balance))
	}
}

func TestExecuteBlockRoutesParallel(t *testing.T) {
	m := ledger.NewMemoryLedger()
	seedAccounts(t, m, 8, 1000)
	exec := devnetExecutor(m)
	defer exec.Chain().Stop()

	events := make(chan ExecutionEvent, 1)
	sub := exec.Chain().SubscribeExecutionEvents(events)
	defer sub.Unsubscribe()

	block := &types.Block{Number: 1, Transactions: []*types.Transaction{
		transferTx(1, 2, 0, 100, 1),
		transferTx(3, 4, 0, 100, 1),
		transferTx(5, 6, 0, 100, 1),
		transferTx(7, 8, 0, 100, 1),
	}}
	outcomes, err := exec.ExecuteBlock(block, m)
	require.NoError(t, err)
	require.Len(t, outcomes, 4)

	ev := <-events
	assert.True(t, ev.Parallel)
	assert.Equal(t, uint64(1), ev.Block)
	assert.Equal(t, uint64(4), ev.Fees)
}

func TestExecuteBlockRoutesSequentialBelowThreshold(t *testing.T) {
	m := ledger.NewMemoryLedger()
	seedAccounts(t, m, 2, 1000)
	exec := devnetExecutor(m)
	defer exec.Chain().Stop()

	events := make(chan ExecutionEvent, 1)
	sub := exec.Chain().SubscribeExecutionEvents(events)
	defer sub.Unsubscribe()

	block := &types.Block{Number: 1, Transactions: []*types.Transaction{
		transferTx(1, 2, 0, 100, 1),
	}}
	_, err := exec.ExecuteBlock(block, m)
	require.NoError(t, err)
	assert.False(t, (<-events).Parallel)
}

func TestExecuteBlockRoutesSequentialWhenDisabled(t *testing.T) {
	m := ledger.NewMemoryLedger()
	seedAccounts(t, m, 8, 1000)
	exec := NewBlockExecutor(Config{Network: Devnet}, m)
	defer exec.Chain().Stop()

	events := make(chan ExecutionEvent, 1)
	sub := exec.Chain().SubscribeExecutionEvents(events)
	defer sub.Unsubscribe()

	block := &types.Block{Number: 1, Transactions: []*types.Transaction{
		transferTx(1, 2, 0, 100, 1),
		transferTx(3, 4, 0, 100, 1),
		transferTx(5, 6, 0, 100, 1),
		transferTx(7, 8, 0, 100, 1),
	}}
	_, err := exec.ExecuteBlock(block, m)
	require.NoError(t, err)
	assert.False(t, (<-events).Parallel)
}

func TestExecuteBlockUnsupportedKindNeedsVM(t *testing.T) {
	m := ledger.NewMemoryLedger()
	seedAccounts(t, m, 8, 1000)
	exec := devnetExecutor(m)
	defer exec.Chain().Stop()

	// One contract call disqualifies the whole block from the parallel path,
	// and this VM-less sequential processor must refuse it rather than
	// guess.
	block := &types.Block{Number: 1, Transactions: []*types.Transaction{
		transferTx(1, 2, 0, 100, 1),
		transferTx(3, 4, 0, 100, 1),
		transferTx(5, 6, 0, 100, 1),
		types.NewUnsupportedTx(types.InvokeContractTxKind, addr(7), 0, 1),
	}}
	_, err := exec.ExecuteBlock(block, m)
	require.ErrorIs(t, err, ErrVMRequired)
}

func TestChainStateBookkeeping(t *testing.T) {
	m := ledger.NewMemoryLedger()
	seedAccounts(t, m, 8, 1000)
	exec := devnetExecutor(m)
	defer exec.Chain().Stop()

	good := transferTx(1, 2, 0, 100, 3)
	bad := transferTx(3, 4, 9, 100, 1) // invalid nonce, orphaned
	burn := types.NewBurnTx(addr(5), 0, 2, types.BurnPayload{Asset: types.NativeAsset, Amount: 50})
	filler := transferTx(6, 7, 0, 10, 1)

	block := &types.Block{Number: 1, Transactions: []*types.Transaction{good, bad, burn, filler}}
	outcomes, err := exec.ExecuteBlock(block, m)
	require.NoError(t, err)
	require.Len(t, outcomes, 4)
	assert.True(t, outcomes[0].Success)
	assert.False(t, outcomes[1].Success)

	chain := exec.Chain()
	assert.True(t, chain.Executed(good.Hash()))
	assert.False(t, chain.Orphaned(good.Hash()))
	assert.True(t, chain.Orphaned(bad.Hash()))
	assert.False(t, chain.Executed(bad.Hash()))
	assert.Equal(t, uint64(6), chain.CollectedFees()) // orphaned tx pays nothing
	assert.Equal(t, uint64(50), chain.BurnedSupply())

	// Totals accumulate across blocks.
	block2 := &types.Block{Number: 2, Transactions: []*types.Transaction{
		transferTx(1, 2, 1, 10, 4),
	}}
	_, err = exec.ExecuteBlock(block2, m)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), chain.CollectedFees())
}

func TestMinerRewardAcrossBothPaths(t *testing.T) {
	for _, parallel := range []bool{true, false} {
		m := ledger.NewMemoryLedger()
		seedAccounts(t, m, 8, 1000)
		cfg := Config{EnableParallelExec: parallel, Network: Devnet}
		exec := NewBlockExecutor(cfg, m)

		block := &types.Block{
			Number: 1,
			Miner:  addr(9),
			Reward: 500,
			Transactions: []*types.Transaction{
				// The miner spends part of the reward inside the same block.
				transferTx(9, 1, 0, 400, 0),
				transferTx(2, 3, 0, 10, 1),
				transferTx(4, 5, 0, 10, 1),
				transferTx(6, 7, 0, 10, 1),
			},
		}
		outcomes, err := exec.ExecuteBlock(block, m)
		require.NoError(t, err)
		require.True(t, outcomes[0].Success, "parallel=%v", parallel)

		balance, found, err := m.BalanceAt(addr(9), types.NativeAsset, 1)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, uint64(100), balance, "parallel=%v", parallel)
		exec.Chain().Stop()
	}
}

func TestExecuteBatchPanicDowngradedToFailedOutcome(t *testing.T) {
	boom := transferTx(1, 2, 0, 10, 1)
	fine := transferTx(3, 4, 0, 10, 1)
	apply := func(tx *types.Transaction) (*types.TransactionOutcome, error) {
		if tx == boom {
			panic("task blew up")
		}
		return types.SuccessfulOutcome(tx.Hash(), tx.Fee()), nil
	}

	outcomes := make([]*types.TransactionOutcome, 2)
	err := executeBatch(apply, types.TxBatch{boom, fine}, 0, outcomes)
	require.NoError(t, err, "a panicking task must not abort the batch")
	require.False(t, outcomes[0].Success)
	assert.Equal(t, types.ReasonTaskPanic("task blew up"), outcomes[0].Reason)
	assert.True(t, outcomes[1].Success)
}

func TestExecuteBatchFatalErrorAbortsBlock(t *testing.T) {
	fatal := errLedger{}
	apply := func(tx *types.Transaction) (*types.TransactionOutcome, error) {
		return nil, fatal
	}
	outcomes := make([]*types.TransactionOutcome, 1)
	err := executeBatch(apply, types.TxBatch{transferTx(1, 2, 0, 10, 1)}, 0, outcomes)
	require.ErrorIs(t, err, fatal)
}

type errLedger struct{}

func (errLedger) Error() string { return "ledger read failed" }

func TestExecuteBatchKeepsSubmissionOrder(t *testing.T) {
	batch := types.TxBatch{
		transferTx(1, 2, 0, 10, 1),
		transferTx(3, 4, 0, 10, 1),
		transferTx(5, 6, 0, 10, 1),
	}
	apply := func(tx *types.Transaction) (*types.TransactionOutcome, error) {
		return types.SuccessfulOutcome(tx.Hash(), tx.Fee()), nil
	}
	outcomes := make([]*types.TransactionOutcome, 5)
	require.NoError(t, executeBatch(apply, batch, 2, outcomes))
	for i, tx := range batch {
		require.NotNil(t, outcomes[2+i])
		assert.Equal(t, tx.Hash(), outcomes[2+i].TxHash)
	}
	assert.Nil(t, outcomes[0])
	assert.Nil(t, outcomes[1])
}

// snapshot reads every seeded account's native balance and nonce at height.
func snapshot(t *testing.T, m *ledger.MemoryLedger, n byte, height uint64) map[common.Address][2]uint64 {
	t.Helper()
	out := make(map[common.Address][2]uint64)
	for b := byte(1); b <= n; b++ {
		balance, _, err := m.BalanceAt(addr(b), types.NativeAsset, height)
		require.NoError(t, err)
		nonce, _, err := m.NonceAt(addr(b), height)
		require.NoError(t, err)
		out[addr(b)] = [2]uint64{balance, nonce}
	}
	return out
}

// TestParallelSequentialEquivalence runs randomized blocks through both
// paths against copies of the same ledger and requires identical outcomes,
// totals and final state.
func TestParallelSequentialEquivalence(t *testing.T) {
	const accounts = 12
	rng := cmtrand.NewRand()
	rng.Seed(0x7e55e7a)

	for round := 0; round < 20; round++ {
		base := ledger.NewMemoryLedger()
		seedAccounts(t, base, accounts, 10_000)

		nonces := make(map[byte]uint64)
		var txs []*types.Transaction
		for i := 0; i < 40; i++ {
			from := byte(rng.Intn(accounts) + 1)
			nonce := nonces[from]
			nonces[from]++
			switch rng.Intn(10) {
			case 0:
				txs = append(txs, types.NewBurnTx(addr(from), nonce, uint64(rng.Intn(3)),
					types.BurnPayload{Asset: types.NativeAsset, Amount: uint64(rng.Intn(500))}))
			case 1:
				// Deliberately stale nonce, must orphan identically on both
				// paths.
				txs = append(txs, transferTx(from, byte(rng.Intn(accounts)+1), nonce+uint64(rng.Intn(3)+1),
					uint64(rng.Intn(500)), uint64(rng.Intn(3))))
				nonces[from]--
			default:
				to := byte(rng.Intn(accounts) + 1)
				txs = append(txs, transferTx(from, to, nonce, uint64(rng.Intn(2000)), uint64(rng.Intn(3))))
			}
		}
		block := &types.Block{Number: 1, Miner: addr(1), Reward: 777, Transactions: txs}

		mPar := base.Copy()
		parExec := NewBlockExecutor(Config{EnableParallelExec: true, ParallelThreshold: 1}, mPar)
		parOutcomes, err := parExec.ExecuteBlock(block, mPar)
		require.NoError(t, err)

		mSeq := base.Copy()
		seqExec := NewBlockExecutor(Config{}, mSeq)
		seqOutcomes, err := seqExec.ExecuteBlock(block, mSeq)
		require.NoError(t, err)

		require.Equal(t, seqOutcomes, parOutcomes, "round %d", round)
		assert.Equal(t, seqExec.Chain().CollectedFees(), parExec.Chain().CollectedFees(), "round %d", round)
		assert.Equal(t, seqExec.Chain().BurnedSupply(), parExec.Chain().BurnedSupply(), "round %d", round)
		assert.Equal(t, snapshot(t, mSeq, accounts, 1), snapshot(t, mPar, accounts, 1), "round %d", round)
		parExec.Chain().Stop()
		seqExec.Chain().Stop()
	}
}
