package state

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/tessera-chain/go-tessera/core/ledger"
	"github.com/tessera-chain/go-tessera/core/types"
)

type sequentialAccount struct {
	nonce         uint64
	originalNonce uint64

	balances         map[common.Hash]uint64
	originalBalances map[common.Hash]uint64

	multisig         *types.MultiSigConfig
	originalMultiSig *types.MultiSigConfig
}

// SequentialState is the single-threaded counterpart of ParallelState: plain
// maps, no locking, credits applied in place as each transaction executes.
// It enforces the identical rules in the identical order, so for any block
// both states produce the same outcomes and the same ledger writes.
type SequentialState struct {
	reader ledger.Reader
	height uint64

	accounts map[common.Address]*sequentialAccount

	totalFees    uint64
	burnedSupply uint64
}

func NewSequentialState(reader ledger.Reader, height uint64) *SequentialState {
	return &SequentialState{
		reader:   reader,
		height:   height,
		accounts: make(map[common.Address]*sequentialAccount),
	}
}

func (s *SequentialState) TotalFees() uint64    { return s.totalFees }
func (s *SequentialState) BurnedSupply() uint64 { return s.burnedSupply }

func (s *SequentialState) loadAccount(addr common.Address) (*sequentialAccount, error) {
	if acct, ok := s.accounts[addr]; ok {
		return acct, nil
	}
	nonce, _, err := s.reader.NonceAt(addr, s.height)
	if err != nil {
		return nil, fmt.Errorf("load nonce for %s: %w", addr, err)
	}
	multisig, _, err := s.reader.MultiSigAt(addr, s.height)
	if err != nil {
		return nil, fmt.Errorf("load multisig for %s: %w", addr, err)
	}
	acct := &sequentialAccount{
		nonce:            nonce,
		originalNonce:    nonce,
		balances:         make(map[common.Hash]uint64),
		originalBalances: make(map[common.Hash]uint64),
		multisig:         multisig,
		originalMultiSig: multisig.Copy(),
	}
	s.accounts[addr] = acct
	return acct, nil
}

func (s *SequentialState) loadBalance(addr common.Address, asset common.Hash) (*sequentialAccount, error) {
	acct, err := s.loadAccount(addr)
	if err != nil {
		return nil, err
	}
	if _, ok := acct.balances[asset]; !ok {
		balance, _, err := s.reader.BalanceAt(addr, asset, s.height)
		if err != nil {
			return nil, fmt.Errorf("load balance for %s asset %s: %w", addr, asset.TerminalString(), err)
		}
		acct.balances[asset] = balance
		acct.originalBalances[asset] = balance
	}
	return acct, nil
}

// ApplyTx executes one transaction with the same check order, failure
// reasons and mutation rules as ParallelState.ApplyTx. Credits land directly
// on the destination account, which for a single-threaded pass is
// indistinguishable from the parallel path's fold-at-batch-boundary.
func (s *SequentialState) ApplyTx(tx *types.Transaction) (*types.TransactionOutcome, error) {
	if !tx.ParallelSupported() {
		return nil, fmt.Errorf("unsupported transaction kind %s reached sequential state", tx.Kind())
	}
	source := tx.From()
	acct, err := s.loadAccount(source)
	if err != nil {
		return nil, err
	}
	debits, err := requiredDebits(tx)
	if err != nil {
		return nil, err
	}
	assets := sortedAssets(debits)
	for _, asset := range assets {
		if _, err := s.loadBalance(source, asset); err != nil {
			return nil, err
		}
	}

	if acct.nonce != tx.Nonce() {
		reason := types.ReasonInvalidNonce(acct.nonce, tx.Nonce())
		log.Debug("Transaction rejected", "tx", tx.Hash(), "reason", reason)
		return types.FailedOutcome(tx.Hash(), reason), nil
	}
	for _, asset := range assets {
		if have, need := acct.balances[asset], debits[asset]; have < need {
			reason := types.ReasonInsufficientFunds(asset, have, need)
			log.Debug("Transaction rejected", "tx", tx.Hash(), "reason", reason)
			return types.FailedOutcome(tx.Hash(), reason), nil
		}
	}
	for _, asset := range assets {
		acct.balances[asset] -= debits[asset]
	}
	if cfg := tx.MultiSig(); cfg != nil {
		if cfg.IsDelete() {
			acct.multisig = nil
		} else {
			acct.multisig = cfg.Copy()
		}
	}
	acct.nonce++

	for _, item := range tx.Transfers() {
		dest, err := s.loadBalance(item.To, item.Asset)
		if err != nil {
			return nil, err
		}
		sum, ok := safeAdd(dest.balances[item.Asset], item.Amount)
		if !ok {
			return nil, ErrBalanceOverflow
		}
		dest.balances[item.Asset] = sum
	}
	if burn := tx.Burn(); burn != nil {
		sum, ok := safeAdd(s.burnedSupply, burn.Amount)
		if !ok || sum > MaxBurnedSupply {
			return nil, ErrBurnedSupplyOverflow
		}
		s.burnedSupply = sum
	}
	sum, ok := safeAdd(s.totalFees, tx.Fee())
	if !ok {
		return nil, ErrFeeOverflow
	}
	s.totalFees = sum
	return types.SuccessfulOutcome(tx.Hash(), tx.Fee()), nil
}

// RewardMiner mirrors ParallelState.RewardMiner.
func (s *SequentialState) RewardMiner(miner common.Address, reward uint64) error {
	acct, err := s.loadBalance(miner, types.NativeAsset)
	if err != nil {
		return err
	}
	sum, ok := safeAdd(acct.balances[types.NativeAsset], reward)
	if !ok {
		return ErrBalanceOverflow
	}
	acct.balances[types.NativeAsset] = sum
	return nil
}

// Commit writes every modified nonce, balance and multisig config in the
// same deterministic order as ParallelState.Commit.
func (s *SequentialState) Commit(w ledger.Writer) error {
	var nonces, balances, multisigs int
	for _, addr := range sortedAddrs(s.accounts) {
		acct := s.accounts[addr]
		if acct.nonce != acct.originalNonce {
			if err := w.SetNonce(addr, s.height, acct.nonce); err != nil {
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
				return fmt.Errorf("commit balance for %s: %w", addr, err)
			}
			balances++
		}
		if !acct.multisig.Equal(acct.originalMultiSig) {
			if err := w.SetMultiSig(addr, s.height, acct.multisig); err != nil {
				return fmt.Errorf("commit multisig for %s: %w", addr, err)
			}
			multisigs++
		}
	}
	log.Debug("Committed sequential state", "height", s.height,
		"nonces", nonces, "balances", balances, "multisigs", multisigs)
	return nil
}
