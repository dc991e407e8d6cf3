// Package state holds the per-block execution states: ParallelState, the
// concurrent lazily-loaded account cache the parallel path executes against,
// and SequentialState, its single-threaded counterpart. Both apply the same
// rules in the same order and commit through the same ledger.Writer path, so
// the two paths produce identical on-disk state for identical inputs.
package state

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/tessera-chain/go-tessera/core/ledger"
	"github.com/tessera-chain/go-tessera/core/types"
)

// MaxBurnedSupply caps the total burnable supply. Burning past it is an
// invariant violation and aborts the block.
const MaxBurnedSupply uint64 = 18_000_000_000_000_000

var (
	ErrBalanceOverflow      = errors.New("balance overflow")
	ErrFeeOverflow          = errors.New("fee accumulator overflow")
	ErrBurnedSupplyOverflow = errors.New("burned supply exceeds max")
)

func safeAdd(a, b uint64) (uint64, bool) {
	sum := a + b
	return sum, sum >= a
}

// accountEntry is the cached state of one account. It is created once per
// block on first touch and mutated only under its own mutex. The original
// values are kept so commit can write modified entries only.
type accountEntry struct {
	mu sync.Mutex

	nonce         uint64
	originalNonce uint64

	// balances holds only assets actually referenced; originalBalances
	// records the as-loaded value for each of them.
	balances         map[common.Hash]uint64
	originalBalances map[common.Hash]uint64

	multisig         *types.MultiSigConfig
	originalMultiSig *types.MultiSigConfig
}

// creditEntry accumulates amounts credited to a destination account. It
// lives in a map independent of the account map, so crediting one account
// never contends with debiting a different one. Credits never fail and never
// require a ledger load; they are folded into account entries at commit.
type creditEntry struct {
	mu       sync.Mutex
	balances map[common.Hash]uint64
}

// ParallelState is the concurrent, lazily-populated view of account state a
// block's transactions execute against. It exists for the duration of one
// block's parallel path: the ledger is read-only while it is live and is
// written exactly once, single-threaded, by Commit.
type ParallelState struct {
	reader ledger.Reader
	height uint64 // reads at-or-before, writes at

	accounts sync.Map // common.Address -> *accountEntry
	credits  sync.Map // common.Address -> *creditEntry

	// Accumulators are write-only during execution and read once at merge.
	// No ordering constraint exists between them, so they are independent
	// atomics rather than a locked pair.
	totalFees    atomic.Uint64
	burnedSupply atomic.Uint64
}

// NewParallelState builds an empty cache over the given ledger reader for
// the block at the given height.
func NewParallelState(reader ledger.Reader, height uint64) *ParallelState {
	return &ParallelState{reader: reader, height: height}
}

// TotalFees returns the accumulated fees. Valid once every batch finished.
func (s *ParallelState) TotalFees() uint64 { return s.totalFees.Load() }

// BurnedSupply returns the accumulated burned amount.
func (s *ParallelState) BurnedSupply() uint64 { return s.burnedSupply.Load() }

// EnsureAccountLoaded populates the account entry from the ledger if absent.
// Idempotent: concurrent callers racing on an uncached account may issue a
// redundant ledger read, but insertion is LoadOrStore so exactly one entry
// wins and in-execution mutations are never reset.
func (s *ParallelState) EnsureAccountLoaded(addr common.Address) error {
	_, err := s.loadAccount(addr)
	return err
}

func (s *ParallelState) loadAccount(addr common.Address) (*accountEntry, error) {
	if entry, ok := s.accounts.Load(addr); ok {
		return entry.(*accountEntry), nil
	}
	// The ledger read completes before any cache mutation is attempted; no
	// lock is held across it.
	nonce, _, err := s.reader.NonceAt(addr, s.height)
	if err != nil {
		return nil, fmt.Errorf("load nonce for %s: %w", addr, err)
	}
	multisig, _, err := s.reader.MultiSigAt(addr, s.height)
	if err != nil {
		return nil, fmt.Errorf("load multisig for %s: %w", addr, err)
	}
	fresh := &accountEntry{
		nonce:            nonce,
		originalNonce:    nonce,
		balances:         make(map[common.Hash]uint64),
		originalBalances: make(map[common.Hash]uint64),
		multisig:         multisig,
		originalMultiSig: multisig.Copy(),
	}
	entry, _ := s.accounts.LoadOrStore(addr, fresh)
	return entry.(*accountEntry), nil
}

// EnsureBalanceLoaded populates the (account, asset) balance if absent,
// loading only assets actually referenced. Same idempotency contract as
// EnsureAccountLoaded.
func (s *ParallelState) EnsureBalanceLoaded(addr common.Address, asset common.Hash) error {
	entry, err := s.loadAccount(addr)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	_, loaded := entry.balances[asset]
	entry.mu.Unlock()
	if loaded {
		return nil
	}
	// Read outside the entry lock; a racing loader may read redundantly.
	balance, _, err := s.reader.BalanceAt(addr, asset, s.height)
	if err != nil {
		return fmt.Errorf("load balance for %s asset %s: %w", addr, asset.TerminalString(), err)
	}
	entry.mu.Lock()
	if _, ok := entry.balances[asset]; !ok {
		entry.balances[asset] = balance
		entry.originalBalances[asset] = balance
	}
	entry.mu.Unlock()
	return nil
}

func (s *ParallelState) creditEntryFor(addr common.Address) *creditEntry {
	if entry, ok := s.credits.Load(addr); ok {
		return entry.(*creditEntry)
	}
	entry, _ := s.credits.LoadOrStore(addr, &creditEntry{balances: make(map[common.Hash]uint64)})
	return entry.(*creditEntry)
}

// credit adds amount to the destination's pending credits.
func (s *ParallelState) credit(addr common.Address, asset common.Hash, amount uint64) error {
	entry := s.creditEntryFor(addr)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	sum, ok := safeAdd(entry.balances[asset], amount)
	if !ok {
		return ErrBalanceOverflow
	}
	entry.balances[asset] = sum
	return nil
}

func (s *ParallelState) addFees(amount uint64) error {
	for {
		cur := s.totalFees.Load()
		next, ok := safeAdd(cur, amount)
		if !ok {
			return ErrFeeOverflow
		}
		if s.totalFees.CompareAndSwap(cur, next) {
			return nil
		}
	}
}

func (s *ParallelState) addBurnedSupply(amount uint64) error {
	for {
		cur := s.burnedSupply.Load()
		next, ok := safeAdd(cur, amount)
		if !ok || next > MaxBurnedSupply {
			return ErrBurnedSupplyOverflow
		}
		if s.burnedSupply.CompareAndSwap(cur, next) {
			return nil
		}
	}
}

// requiredDebits sums, per asset, everything the transaction takes out of
// the source account: the fee plus transfer or burn amounts. Overflow here
// is an internal invariant violation, not a business failure.
func requiredDebits(tx *types.Transaction) (map[common.Hash]uint64, error) {
	debits := map[common.Hash]uint64{types.NativeAsset: tx.Fee()}
	add := func(asset common.Hash, amount uint64) error {
		sum, ok := safeAdd(debits[asset], amount)
		if !ok {
			return ErrBalanceOverflow
		}
		debits[asset] = sum
		return nil
	}
	for _, item := range tx.Transfers() {
		if err := add(item.Asset, item.Amount); err != nil {
			return nil, err
		}
	}
	if burn := tx.Burn(); burn != nil {
		if err := add(burn.Asset, burn.Amount); err != nil {
			return nil, err
		}
	}
	return debits, nil
}

// ApplyTx executes one transaction against the cache and returns its
// outcome. Business-rule failures (bad nonce, insufficient funds) come back
// as a failed outcome with no partial mutation; a non-nil error is fatal
// (ledger I/O or invariant violation) and aborts the block's parallel path.
//
// Only transfer, burn and multisig-update transactions may reach this
// method; the strategy selector filters every other kind upstream.
func (s *ParallelState) ApplyTx(tx *types.Transaction) (*types.TransactionOutcome, error) {
	if !tx.ParallelSupported() {
		return nil, fmt.Errorf("unsupported transaction kind %s reached parallel state", tx.Kind())
	}
	source := tx.From()
	entry, err := s.loadAccount(source)
	if err != nil {
		return nil, err
	}
	debits, err := requiredDebits(tx)
	if err != nil {
		return nil, err
	}
	// Assets are visited in sorted order so both execution paths report the
	// same asset when more than one is short.
	assets := sortedAssets(debits)
	// All ledger loads complete before the entry lock is taken.
	for _, asset := range assets {
		if err := s.EnsureBalanceLoaded(source, asset); err != nil {
			return nil, err
		}
	}

	entry.mu.Lock()
	// All checks precede all mutations, so a failed transaction leaves the
	// entry untouched.
	if entry.nonce != tx.Nonce() {
		reason := types.ReasonInvalidNonce(entry.nonce, tx.Nonce())
		entry.mu.Unlock()
		log.Debug("Transaction rejected", "tx", tx.Hash(), "reason", reason)
		return types.FailedOutcome(tx.Hash(), reason), nil
	}
	for _, asset := range assets {
		if have, need := entry.balances[asset], debits[asset]; have < need {
			reason := types.ReasonInsufficientFunds(asset, have, need)
			entry.mu.Unlock()
			log.Debug("Transaction rejected", "tx", tx.Hash(), "reason", reason)
			return types.FailedOutcome(tx.Hash(), reason), nil
		}
	}
	for _, asset := range assets {
		entry.balances[asset] -= debits[asset]
	}
	if cfg := tx.MultiSig(); cfg != nil {
		if cfg.IsDelete() {
			entry.multisig = nil
		} else {
			entry.multisig = cfg.Copy()
		}
	}
	entry.nonce++
	entry.mu.Unlock()

	// Credits go through the independent credit map and cannot fail on
	// business rules.
	for _, item := range tx.Transfers() {
		if err := s.credit(item.To, item.Asset, item.Amount); err != nil {
			return nil, err
		}
	}
	if burn := tx.Burn(); burn != nil {
		if err := s.addBurnedSupply(burn.Amount); err != nil {
			return nil, err
		}
	}
	if err := s.addFees(tx.Fee()); err != nil {
		return nil, err
	}
	return types.SuccessfulOutcome(tx.Hash(), tx.Fee()), nil
}

// RewardMiner credits the block reward to the miner before any transaction
// executes, so the reward is spendable in the same block. Called exactly
// once per block.
func (s *ParallelState) RewardMiner(miner common.Address, reward uint64) error {
	if err := s.EnsureBalanceLoaded(miner, types.NativeAsset); err != nil {
		return err
	}
	entry, _ := s.accounts.Load(miner)
	acct := entry.(*accountEntry)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	sum, ok := safeAdd(acct.balances[types.NativeAsset], reward)
	if !ok {
		return ErrBalanceOverflow
	}
	acct.balances[types.NativeAsset] = sum
	return nil
}

// FoldCredits drains the credit map into the account entries, making
// pending credits visible to subsequent reads. The executor calls it at
// every batch boundary (single-threaded, between batches) so a transaction
// in a later batch can spend funds received in an earlier one, exactly as
// under sequential execution. Destinations never otherwise touched are
// loaded here, which is the one place the "credits never require
// pre-loading" rule cashes out.
func (s *ParallelState) FoldCredits() error {
	var foldErr error
	s.credits.Range(func(key, value interface{}) bool {
		addr := key.(common.Address)
		credit := value.(*creditEntry)
		for _, asset := range sortedAssets(credit.balances) {
			amount := credit.balances[asset]
			if err := s.EnsureBalanceLoaded(addr, asset); err != nil {
				foldErr = err
				return false
			}
			entry, _ := s.accounts.Load(addr)
			acct := entry.(*accountEntry)
			acct.mu.Lock()
			sum, ok := safeAdd(acct.balances[asset], amount)
			if !ok {
				acct.mu.Unlock()
				foldErr = ErrBalanceOverflow
				return false
			}
			acct.balances[asset] = sum
			acct.mu.Unlock()
		}
		s.credits.Delete(addr)
		return true
	})
	return foldErr
}

// Commit folds any remaining credits into the account entries and writes every
// modified nonce, balance and multisig config to the ledger at the block
// height, in deterministic address order. It must run single-threaded,
// strictly after every batch has finished.
func (s *ParallelState) Commit(w ledger.Writer) error {
	if err := s.FoldCredits(); err != nil {
		return err
	}
	addrs := sortedKeys(&s.accounts)
	var nonces, balances, multisigs int
	for _, addr := range addrs {
		entry, _ := s.accounts.Load(addr)
		acct := entry.(*accountEntry)
		// Execution is over; the lock is taken only to satisfy the race
		// detector on the final read.
		acct.mu.Lock()
		if acct.nonce != acct.originalNonce {
			if err := w.SetNonce(addr, s.height, acct.nonce); err != nil {
				acct.mu.Unlock()
				return fmt.Errorf("commit nonce for %s: %w", addr, err)
			}
			nonces++
		}
		for _, asset := range sortedAssets(acct.balances) {
			balance := acct.balances[asset]
			if original, ok := acct.originalBalances[asset]; ok && original == balance {
				continue
			}
			if err := w.SetBalance(addr, asset, s.height, balance); err != nil {
				acct.mu.Unlock()
				return fmt.Errorf("commit balance for %s: %w", addr, err)
			}
			balances++
		}
		if !acct.multisig.Equal(acct.originalMultiSig) {
			if err := w.SetMultiSig(addr, s.height, acct.multisig); err != nil {
				acct.mu.Unlock()
				return fmt.Errorf("commit multisig for %s: %w", addr, err)
			}
			multisigs++
		}
		acct.mu.Unlock()
	}
	log.Debug("Committed parallel state", "height", s.height,
		"nonces", nonces, "balances", balances, "multisigs", multisigs)
	return nil
}
