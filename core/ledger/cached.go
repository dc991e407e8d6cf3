package ledger

import (
	"encoding/binary"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/ethereum/go-ethereum/common"

	"github.com/tessera-chain/go-tessera/core/types"
)

const (
	cachedReaderSize = 32 * 1024 * 1024

	nonceCachePrefix   = byte(0x01)
	balanceCachePrefix = byte(0x02)
)

// CachedReader wraps a Reader with a fastcache front for nonce and balance
// lookups. Lookups at a fixed height are immutable once the underlying
// ledger has been written past that height, so entries never go stale as
// long as Reset is called if the ledger is rewound. Multisig configs are
// variable-size and rarely read, so they pass through uncached.
type CachedReader struct {
	inner Reader
	cache *fastcache.Cache
}

func NewCachedReader(inner Reader) *CachedReader {
	return &CachedReader{
		inner: inner,
		cache: fastcache.New(cachedReaderSize),
	}
}

// Reset drops every cached entry. Callers must invoke it after a chain
// rewind that rewrites already-read heights.
func (r *CachedReader) Reset() {
	r.cache.Reset()
}

func nonceCacheKey(addr common.Address, height uint64) []byte {
	key := make([]byte, 1+common.AddressLength+8)
	key[0] = nonceCachePrefix
	copy(key[1:], addr.Bytes())
	binary.BigEndian.PutUint64(key[1+common.AddressLength:], height)
	return key
}

func balanceCacheKey(addr common.Address, asset common.Hash, height uint64) []byte {
	key := make([]byte, 1+common.AddressLength+common.HashLength+8)
	key[0] = balanceCachePrefix
	copy(key[1:], addr.Bytes())
	copy(key[1+common.AddressLength:], asset.Bytes())
	binary.BigEndian.PutUint64(key[1+common.AddressLength+common.HashLength:], height)
	return key
}

// encodeCachedU64 packs a presence flag and value into 9 bytes, so "account
// never seen" is itself cacheable.
func encodeCachedU64(value uint64, found bool) []byte {
	enc := make([]byte, 9)
	if found {
		enc[0] = 1
	}
	binary.BigEndian.PutUint64(enc[1:], value)
	return enc
}

func decodeCachedU64(enc []byte) (uint64, bool) {
	return binary.BigEndian.Uint64(enc[1:]), enc[0] == 1
}

func (r *CachedReader) NonceAt(addr common.Address, height uint64) (uint64, bool, error) {
	key := nonceCacheKey(addr, height)
	if enc := r.cache.Get(nil, key); len(enc) == 9 {
		nonce, ok := decodeCachedU64(enc)
		return nonce, ok, nil
	}
	nonce, ok, err := r.inner.NonceAt(addr, height)
	if err != nil {
		return 0, false, err
	}
	r.cache.Set(key, encodeCachedU64(nonce, ok))
	return nonce, ok, nil
}

func (r *CachedReader) BalanceAt(addr common.Address, asset common.Hash, height uint64) (uint64, bool, error) {
	key := balanceCacheKey(addr, asset, height)
	if enc := r.cache.Get(nil, key); len(enc) == 9 {
		balance, ok := decodeCachedU64(enc)
		return balance, ok, nil
	}
	balance, ok, err := r.inner.BalanceAt(addr, asset, height)
	if err != nil {
		return 0, false, err
	}
	r.cache.Set(key, encodeCachedU64(balance, ok))
	return balance, ok, nil
}

func (r *CachedReader) MultiSigAt(addr common.Address, height uint64) (*types.MultiSigConfig, bool, error) {
	return r.inner.MultiSigAt(addr, height)
}
