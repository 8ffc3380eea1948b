// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package compiler

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// pool is the shared compilation worker pool. One pool serves every
// Compiler front-end in the process; it is reference-counted and torn
// down when the last front-end releases it.
//
// Workers pull items from one bounded queue. On shutdown, items still
// queued are force-marked ready without running so finalize waiters
// never hang on a dead pool.
type pool struct {
	workers int
	queue   chan *workItem
	done    chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool
}

var (
	poolMu     sync.Mutex
	sharedPool *pool
	poolRefs   int
)

// poolWorkers sizes the pool: host cores minus one, at least one,
// clamped by the device's parallel-compilation slot count.
func poolWorkers(maxParallel int) int {
	n := runtime.NumCPU() - 1
	if n < 1 {
		n = 1
	}
	if maxParallel > 0 && n > maxParallel {
		n = maxParallel
	}
	return n
}

// acquirePool returns the shared pool, spawning it on first use. The
// worker count is fixed by the first acquirer; later acquirers with a
// different clamp share the existing pool unchanged.
func acquirePool(workers int) *pool {
	poolMu.Lock()
	defer poolMu.Unlock()
	if sharedPool == nil {
		sharedPool = newPool(workers)
	}
	poolRefs++
	return sharedPool
}

// releasePool drops one reference; the last release shuts the pool
// down and waits for its workers.
func releasePool() {
	poolMu.Lock()
	defer poolMu.Unlock()
	poolRefs--
	if poolRefs < 0 {
		panic("compiler: pool released more times than acquired")
	}
	if poolRefs == 0 {
		sharedPool.shutdown()
		sharedPool = nil
	}
}

func poolAlive() bool {
	poolMu.Lock()
	defer poolMu.Unlock()
	return sharedPool != nil
}

func newPool(workers int) *pool {
	if workers < 1 {
		workers = 1
	}
	queueSize := workers * 4
	if queueSize < 8 {
		queueSize = 8
	}
	p := &pool{
		workers: workers,
		queue:   make(chan *workItem, queueSize),
		done:    make(chan struct{}),
	}
	p.running.Store(true)
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// submit queues one item. When the pool is shutting down the item is
// force-completed instead, matching the drain behavior.
func (p *pool) submit(it *workItem) {
	if !p.running.Load() {
		it.forceComplete()
		return
	}
	select {
	case p.queue <- it:
	case <-p.done:
		it.forceComplete()
	}
}

// worker runs the dequeue-or-wait loop until shutdown.
func (p *pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			p.drain()
			return
		case it := <-p.queue:
			it.execute()
		}
	}
}

// drain force-completes every item still queued so that batch waiters
// observe ready items with empty results instead of hanging.
func (p *pool) drain() {
	for {
		select {
		case it := <-p.queue:
			it.forceComplete()
		default:
			return
		}
	}
}

func (p *pool) shutdown() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.done)
	p.wg.Wait()
	p.drain()
}
