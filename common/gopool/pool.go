// Package gopool wraps a shared ants goroutine pool used by the parallel
// transaction executor. The pool is CPU-sized by default and can be retuned
// from configuration at processor startup.
package gopool

import (
	"runtime"
	"time"

	"github.com/panjf2000/ants/v2"
)

const defaultGoroutineExpireDuration = 10 * time.Second

var defaultPool *ants.Pool

func init() {
	pool, err := ants.NewPool(
		runtime.NumCPU(),
		ants.WithExpiryDuration(defaultGoroutineExpireDuration),
	)
	if err != nil {
		panic(err)
	}
	defaultPool = pool
}

// Tune resizes the pool; sizes below one are ignored.
func Tune(size int) {
	if size > 0 {
		defaultPool.Tune(size)
	}
}

// Submit hands a task to the pool. Callers must be prepared to run the task
// inline when the pool rejects it (released or saturated in nonblocking
// mode), or the task would be silently dropped.
func Submit(task func()) error {
	return defaultPool.Submit(task)
}

// Running returns the number of the currently running goroutines.
func Running() int {
	return defaultPool.Running()
}

// Cap returns the capacity of the pool.
func Cap() int {
	return defaultPool.Cap()
}

// Free returns the available goroutines to work.
func Free() int {
	return defaultPool.Free()
}

// Release closes the pool.
func Release() {
	defaultPool.Release()
}

// Reboot reboots a released pool.
func Reboot() {
	defaultPool.Reboot()
}
