package ledger

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tessera-chain/go-tessera/core/types"
)

type balanceKey struct {
	addr  common.Address
	asset common.Hash
}

// versionedU64 is one height-stamped value; entries are kept in ascending
// height order.
type versionedU64 struct {
	height uint64
	value  uint64
}

type versionedMultiSig struct {
	height uint64
	cfg    *types.MultiSigConfig
}

// MemoryLedger is the in-memory reference implementation of Reader and
// Writer, with height-versioned entries. It is safe for concurrent reads
// and used by tests and as the backing store of lightweight deployments.
type MemoryLedger struct {
	mu        sync.RWMutex
	nonces    map[common.Address][]versionedU64
	balances  map[balanceKey][]versionedU64
	multisigs map[common.Address][]versionedMultiSig
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		nonces:    make(map[common.Address][]versionedU64),
		balances:  make(map[balanceKey][]versionedU64),
		multisigs: make(map[common.Address][]versionedMultiSig),
	}
}

func lookupU64(versions []versionedU64, height uint64) (uint64, bool) {
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].height <= height {
			return versions[i].value, true
		}
	}
	return 0, false
}

func (m *MemoryLedger) NonceAt(addr common.Address, height uint64) (uint64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	nonce, ok := lookupU64(m.nonces[addr], height)
	return nonce, ok, nil
}

func (m *MemoryLedger) BalanceAt(addr common.Address, asset common.Hash, height uint64) (uint64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	balance, ok := lookupU64(m.balances[balanceKey{addr, asset}], height)
	return balance, ok, nil
}

func (m *MemoryLedger) MultiSigAt(addr common.Address, height uint64) (*types.MultiSigConfig, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.multisigs[addr]
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].height <= height {
			return versions[i].cfg.Copy(), true, nil
		}
	}
	return nil, false, nil
}

func appendU64(versions []versionedU64, height, value uint64) []versionedU64 {
	if n := len(versions); n > 0 && versions[n-1].height == height {
		versions[n-1].value = value
		return versions
	}
	return append(versions, versionedU64{height, value})
}

func (m *MemoryLedger) SetNonce(addr common.Address, height, nonce uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nonces[addr] = appendU64(m.nonces[addr], height, nonce)
	return nil
}

func (m *MemoryLedger) SetBalance(addr common.Address, asset common.Hash, height, balance uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := balanceKey{addr, asset}
	m.balances[key] = appendU64(m.balances[key], height, balance)
	return nil
}

func (m *MemoryLedger) SetMultiSig(addr common.Address, height uint64, cfg *types.MultiSigConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.multisigs[addr]
	if n := len(versions); n > 0 && versions[n-1].height == height {
		versions[n-1].cfg = cfg.Copy()
	} else {
		versions = append(versions, versionedMultiSig{height, cfg.Copy()})
	}
	m.multisigs[addr] = versions
	return nil
}

// Copy returns a deep copy sharing no state with the receiver. Equivalence
// tests run the parallel and sequential paths against separate copies of the
// same initial ledger.
func (m *MemoryLedger) Copy() *MemoryLedger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cpy := NewMemoryLedger()
	for addr, versions := range m.nonces {
		cpy.nonces[addr] = append([]versionedU64(nil), versions...)
	}
	for key, versions := range m.balances {
		cpy.balances[key] = append([]versionedU64(nil), versions...)
	}
	for addr, versions := range m.multisigs {
		cloned := make([]versionedMultiSig, len(versions))
		for i, v := range versions {
			cloned[i] = versionedMultiSig{v.height, v.cfg.Copy()}
		}
		cpy.multisigs[addr] = cloned
	}
	return cpy
}
