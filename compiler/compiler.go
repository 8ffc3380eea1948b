// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package compiler runs shader compilation and compute-pipeline baking
// on a shared worker pool, off the render thread.
//
// Work is grouped into batches. A batch becomes ready when every item
// in it has been processed; finalizing a ready batch removes it and
// hands the compiled programs to the caller. The pool is process-wide
// and reference-counted across Compiler front-ends.
package compiler

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	rendercore "github.com/gogpu/rendercore"
	"github.com/gogpu/rendercore/backend"
	"github.com/gogpu/rendercore/shader"
)

var (
	// ErrNilDevice is returned when creating a compiler without a device.
	ErrNilDevice = errors.New("compiler: device is nil")

	// ErrClosed is returned when enqueuing work on a closed compiler.
	ErrClosed = errors.New("compiler: closed")

	// ErrUnknownBatch is returned for handles that were never issued or
	// were already finalized.
	ErrUnknownBatch = errors.New("compiler: unknown batch handle")

	// ErrShutdown marks items force-completed by pool shutdown before a
	// worker processed them.
	ErrShutdown = errors.New("compiler: shut down before item ran")
)

// finalizePollInterval is the sleep between readiness polls in
// BatchFinalize. There is no timeout; a stalled worker stalls the
// caller visibly rather than being silently abandoned.
const finalizePollInterval = 100 * time.Microsecond

// BatchHandle names one issued batch.
type BatchHandle uint64

type itemKind uint8

const (
	itemCompileSource itemKind = iota
	itemBakePipeline
)

// workItem is one unit of pool work. Only the processing worker writes
// result and err; the ready flag publishes them to waiters.
type workItem struct {
	kind itemKind

	// compile-source
	device   backend.Device
	desc     shader.Descriptor
	progOpts []shader.Option

	// bake-PSO
	program      *shader.Program
	specs        []backend.SpecConstant
	totalThreads uint32

	ready  atomic.Bool
	result *shader.Program
	err    error
}

func (it *workItem) execute() {
	switch it.kind {
	case itemCompileSource:
		it.result, it.err = shader.NewProgram(it.device, it.desc, it.progOpts...)
	case itemBakePipeline:
		_, it.err = it.program.BakeCompute(it.specs, it.totalThreads)
	default:
		panic(fmt.Sprintf("compiler: unknown work item kind %d", it.kind))
	}
	it.ready.Store(true)
}

// forceComplete marks an unprocessed item ready with an empty result.
func (it *workItem) forceComplete() {
	if it.ready.Load() {
		return
	}
	it.err = ErrShutdown
	it.ready.Store(true)
}

type batch struct {
	handle BatchHandle
	items  []*workItem
}

// ready reports whether every item has completed. Once true it stays
// true; items never un-ready.
func (b *batch) ready() bool {
	for _, it := range b.items {
		if !it.ready.Load() {
			return false
		}
	}
	return true
}

// Specialization names one compute variant to pre-bake in the
// background.
type Specialization struct {
	Program      *shader.Program
	Constants    []backend.SpecConstant
	TotalThreads uint32
}

// Option configures a compiler.
type Option func(*options)

type options struct {
	log         *slog.Logger
	maxParallel int
	progOpts    []shader.Option
}

// WithLogger overrides the module logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithMaxParallel clamps the worker count, normally to the device's
// parallel-compilation slot count. Zero means unclamped.
func WithMaxParallel(n int) Option {
	return func(o *options) { o.maxParallel = n }
}

// WithTranslator routes batch-compiled programs through a specific
// translation cache instead of the shared one.
func WithTranslator(t *shader.Translator) Option {
	return func(o *options) {
		o.progOpts = append(o.progOpts, shader.WithTranslator(t))
	}
}

// Compiler is one front-end onto the shared worker pool. Create one
// per device; Close releases the pool reference.
type Compiler struct {
	device   backend.Device
	pool     *pool
	log      *slog.Logger
	progOpts []shader.Option

	mu      sync.Mutex
	batches map[BatchHandle]*batch
	next    uint64
	closed  bool
}

// New creates a compiler bound to a device, acquiring (and lazily
// spawning) the shared worker pool.
func New(device backend.Device, opts ...Option) (*Compiler, error) {
	if device == nil {
		return nil, ErrNilDevice
	}
	o := options{log: rendercore.Logger()}
	for _, opt := range opts {
		opt(&o)
	}
	workers := poolWorkers(o.maxParallel)
	c := &Compiler{
		device:   device,
		pool:     acquirePool(workers),
		log:      o.log,
		progOpts: o.progOpts,
		batches:  make(map[BatchHandle]*batch),
	}
	c.log.Info("shader compiler attached", "workers", workers)
	return c, nil
}

// finalizeDescriptor validates and canonicalizes one descriptor. It
// runs on the caller before fan-out; descriptor mutation is not safe
// once a worker can see the item.
func finalizeDescriptor(desc *shader.Descriptor, index int) error {
	hasGraphics := desc.VertexSource != "" && desc.FragmentSource != ""
	hasCompute := desc.ComputeSource != ""
	if !hasGraphics && !hasCompute {
		return fmt.Errorf("compiler: descriptor %d (%q): %w", index, desc.Name, shader.ErrNoSource)
	}
	if desc.Name == "" {
		desc.Name = fmt.Sprintf("batch_shader_%d", index)
	}
	return nil
}

// BatchCompile finalizes the descriptors synchronously, then enqueues
// one compile item per descriptor under a fresh batch handle. A
// validation failure aborts the whole batch before anything is queued.
func (c *Compiler) BatchCompile(descs []shader.Descriptor) (BatchHandle, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	c.next++
	b := &batch{handle: BatchHandle(c.next), items: make([]*workItem, 0, len(descs))}
	c.mu.Unlock()

	for i := range descs {
		if err := finalizeDescriptor(&descs[i], i); err != nil {
			return 0, err
		}
		b.items = append(b.items, &workItem{
			kind:     itemCompileSource,
			device:   c.device,
			desc:     descs[i],
			progOpts: c.progOpts,
		})
	}

	c.mu.Lock()
	c.batches[b.handle] = b
	c.mu.Unlock()

	for _, it := range b.items {
		c.pool.submit(it)
	}
	c.log.Debug("batch queued", "batch", b.handle, "items", len(b.items))
	return b.handle, nil
}

// PrecompileSpecializations enqueues compute-variant bakes for
// programs that already own a compute library. Programs without one
// are skipped; render-pipeline variants need live framebuffer state
// and cannot bake off the render thread.
func (c *Compiler) PrecompileSpecializations(specs []Specialization) (BatchHandle, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	c.next++
	b := &batch{handle: BatchHandle(c.next)}
	c.mu.Unlock()

	for _, s := range specs {
		if s.Program == nil || !s.Program.HasCompute() {
			name := "<nil>"
			if s.Program != nil {
				name = s.Program.Name()
			}
			c.log.Debug("specialization skipped, no compute library", "program", name)
			continue
		}
		b.items = append(b.items, &workItem{
			kind:         itemBakePipeline,
			program:      s.Program,
			specs:        s.Constants,
			totalThreads: s.TotalThreads,
		})
	}

	c.mu.Lock()
	c.batches[b.handle] = b
	c.mu.Unlock()

	for _, it := range b.items {
		c.pool.submit(it)
	}
	c.log.Debug("specialization batch queued", "batch", b.handle, "items", len(b.items))
	return b.handle, nil
}

// BatchIsReady reports whether every item in the batch has completed.
func (c *Compiler) BatchIsReady(h BatchHandle) (bool, error) {
	c.mu.Lock()
	b, ok := c.batches[h]
	c.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownBatch, h)
	}
	return b.ready(), nil
}

// BatchFinalize blocks until the batch is ready, removes it, and
// returns the compiled programs in descriptor order. Items that failed
// or were force-completed yield a nil program; their errors are
// joined into the returned error.
func (c *Compiler) BatchFinalize(h BatchHandle) ([]*shader.Program, error) {
	c.mu.Lock()
	b, ok := c.batches[h]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownBatch, h)
	}

	for !b.ready() {
		time.Sleep(finalizePollInterval)
	}

	c.mu.Lock()
	delete(c.batches, h)
	c.mu.Unlock()

	programs := make([]*shader.Program, len(b.items))
	var errs []error
	for i, it := range b.items {
		programs[i] = it.result
		if it.err != nil {
			errs = append(errs, it.err)
		}
	}
	return programs, errors.Join(errs...)
}

// Close releases the pool reference. The last compiler to close shuts
// the pool down, force-completing queued items. Idempotent.
func (c *Compiler) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	releasePool()
	c.log.Info("shader compiler detached")
}
