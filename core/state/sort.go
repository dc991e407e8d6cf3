package state

import (
	"bytes"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/exp/slices"
)

// Commit writes happen in sorted address/asset order so both execution paths
// emit the same write sequence.

func sortedKeys(m *sync.Map) []common.Address {
	var addrs []common.Address
	m.Range(func(key, _ interface{}) bool {
		addrs = append(addrs, key.(common.Address))
		return true
	})
	slices.SortFunc(addrs, func(a, b common.Address) int {
		return bytes.Compare(a[:], b[:])
	})
	return addrs
}

func sortedAddrs(m map[common.Address]*sequentialAccount) []common.Address {
	addrs := make([]common.Address, 0, len(m))
	for addr := range m {
		addrs = append(addrs, addr)
	}
	slices.SortFunc(addrs, func(a, b common.Address) int {
		return bytes.Compare(a[:], b[:])
	})
	return addrs
}

func sortedAssets(m map[common.Hash]uint64) []common.Hash {
	assets := make([]common.Hash, 0, len(m))
	for asset := range m {
		assets = append(assets, asset)
	}
	slices.SortFunc(assets, func(a, b common.Hash) int {
		return bytes.Compare(a[:], b[:])
	})
	return assets
}
