package core

// Network selects the default parallel-execution threshold. Smaller networks
// get lower thresholds so the parallel path is easier to exercise.
type Network byte

const (
	Mainnet Network = iota
	Testnet
	Devnet
)

// Per-network minimum transaction counts below which a block is not worth
// parallelizing.
const (
	MinTxsForParallelMainnet = 20
	MinTxsForParallelTestnet = 10
	MinTxsForParallelDevnet  = 4
)

// Config carries the execution-core knobs. The zero value is a sequential
// mainnet configuration.
type Config struct {
	// EnableParallelExec turns the parallel path on. Off by default so the
	// parallel engine is opt-in per deployment.
	EnableParallelExec bool

	// ParallelTxNum is the worker pool size; zero keeps the CPU-sized pool.
	ParallelTxNum int

	// ParallelThreshold overrides the per-network minimum transaction count;
	// zero selects the Network default.
	ParallelThreshold int

	Network Network
}

// Threshold resolves the effective minimum transaction count.
func (c Config) Threshold() int {
	if c.ParallelThreshold > 0 {
		return c.ParallelThreshold
	}
	switch c.Network {
	case Devnet:
		return MinTxsForParallelDevnet
	case Testnet:
		return MinTxsForParallelTestnet
	default:
		return MinTxsForParallelMainnet
	}
}

// ShouldParallelize decides, once per block before batching, whether the
// block runs on the parallel path: the feature must be enabled, the block
// must carry at least threshold transactions, and no transaction may be of
// a kind the parallel core does not support.
func ShouldParallelize(txCount int, hasUnsupported, enabled bool, threshold int) bool {
	return enabled && !hasUnsupported && txCount >= threshold
}
