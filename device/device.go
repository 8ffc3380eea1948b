// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package device is the entry point of the render core: one explicit
// facade object that owns the backend connection, the chosen adapter,
// the capability and workaround snapshots, and the per-frame render
// graph. There is no process-wide singleton; callers create a Facade
// and pass it where it is needed.
//
// Lifecycle: New → IsSupported (optional) → PlatformInit →
// CapabilitiesInit → render loop (RenderBegin/RenderEnd, resource
// allocation, draws and dispatches, Flush) → Close. Reinit tears the
// device down and runs the init sequence again, the device-loss
// recovery path.
package device

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gogpu/gputypes"

	rendercore "github.com/gogpu/rendercore"
	"github.com/gogpu/rendercore/backend"
	"github.com/gogpu/rendercore/graph"
	"github.com/gogpu/rendercore/shader"
)

var (
	// ErrNotInitialized is returned when an operation needs a device but
	// PlatformInit has not run (or failed).
	ErrNotInitialized = errors.New("device: not initialized")

	// ErrNoBackend is returned when no graphics backend is registered or
	// the requested one is unknown.
	ErrNoBackend = errors.New("device: no graphics backend available")

	// ErrNoAdapter is returned when no enumerated adapter satisfies the
	// required capability set.
	ErrNoAdapter = errors.New("device: no compatible adapter")

	// ErrClosed is returned when using a closed facade.
	ErrClosed = errors.New("device: closed")
)

// Option configures a Facade during creation.
type Option func(*facadeOptions)

type facadeOptions struct {
	log       *slog.Logger
	backend   string
	injected  backend.GraphicsBackend
	force     bool
	overrides *Overrides
}

// WithLogger overrides the module logger for this facade.
func WithLogger(l *slog.Logger) Option {
	return func(o *facadeOptions) { o.log = l }
}

// WithBackend selects a registered backend by name instead of the
// priority default.
func WithBackend(name string) Option {
	return func(o *facadeOptions) { o.backend = name }
}

// WithGraphicsBackend injects a pre-built backend instead of going
// through the registry. This is how a host application shares its
// existing device: wrap it (for example with wgpu.NewShared over the
// handles from rendercore.SharedHalObjects) and hand it in here.
func WithGraphicsBackend(gb backend.GraphicsBackend) Option {
	return func(o *facadeOptions) { o.injected = gb }
}

// WithForceWorkarounds enables every driver workaround regardless of
// what detection finds, for exercising the compensation paths.
func WithForceWorkarounds() Option {
	return func(o *facadeOptions) { o.force = true }
}

// WithOverrides applies a parsed workaround override file.
func WithOverrides(o *Overrides) Option {
	return func(fo *facadeOptions) { fo.overrides = o }
}

// Facade is the explicit device context. Rendering entry points belong
// to the render thread; only the pipeline caches and the compiler pool
// behind them are cross-thread.
type Facade struct {
	log       *slog.Logger
	wantName  string
	injected  backend.GraphicsBackend
	force     bool
	overrides *Overrides

	gb       backend.GraphicsBackend
	adapter  backend.Adapter
	dev      backend.Device
	info     backend.AdapterInfo
	caps     backend.Capabilities
	capsInit bool
	wk       backend.Workarounds
	headless bool
	closed   bool

	nesting int
	pool    resourcePool
	orphans []Resource
	g       *graph.Graph

	nextResourceID graph.ResourceID
}

// New creates an uninitialized facade. No native resources are touched
// until PlatformInit.
func New(opts ...Option) *Facade {
	o := facadeOptions{log: rendercore.Logger()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Facade{
		log:       o.log,
		wantName:  o.backend,
		injected:  o.injected,
		force:     o.force,
		overrides: o.overrides,
		g:         graph.New(o.log),
	}
}

// selectBackend resolves the configured backend: an injected instance
// wins, then an explicit registry name, then the priority default.
func (f *Facade) selectBackend() backend.GraphicsBackend {
	if f.injected != nil {
		return f.injected
	}
	if f.wantName != "" {
		return backend.Get(f.wantName)
	}
	return backend.Default()
}

// closeBackend closes a backend instance unless it is the host-owned
// injected one, which the facade never tears down.
func (f *Facade) closeBackend(gb backend.GraphicsBackend) {
	if gb != nil && gb != f.injected {
		gb.Close()
	}
}

// IsSupported reports whether any enumerable adapter satisfies the
// required feature and extension set. It logs one warning per
// disqualified adapter naming exactly what is missing, and never
// fails hard: every problem degrades to false.
func (f *Facade) IsSupported() bool {
	gb := f.gb
	if gb == nil {
		gb = f.selectBackend()
		if gb == nil {
			f.log.Warn("no graphics backend registered")
			return false
		}
		if gb != f.injected {
			// Throwaway instance just for the probe.
			defer gb.Close()
		}
	}

	adapters, err := gb.Enumerate()
	if err != nil {
		f.log.Warn("adapter enumeration failed", "backend", gb.Name(), "error", err)
		return false
	}

	supported := false
	for _, a := range adapters {
		missing := backend.MissingCapabilities(a.Features())
		if len(missing) > 0 {
			f.log.Warn("adapter lacks required capabilities",
				"adapter", a.Info().Name,
				"missing", strings.Join(missing, ", "))
			continue
		}
		if !supported {
			f.log.Info("compatible adapter found",
				"adapter", a.Info().Name,
				"id", a.Info().Identifier())
		}
		supported = true
	}
	return supported
}

// PlatformInit connects the backend, ranks the compatible adapters
// deterministically, opens a device on the best one, and derives the
// workaround record.
func (f *Facade) PlatformInit() error {
	if f.closed {
		return ErrClosed
	}
	if f.dev != nil {
		return nil
	}

	gb := f.selectBackend()
	if gb == nil {
		return fmt.Errorf("%w (want %q)", ErrNoBackend, f.wantName)
	}

	adapters, err := gb.Enumerate()
	if err != nil {
		f.closeBackend(gb)
		return fmt.Errorf("device: enumerate on %s: %w", gb.Name(), err)
	}

	compatible := adapters[:0]
	for _, a := range adapters {
		missing := backend.MissingCapabilities(a.Features())
		if len(missing) > 0 {
			f.log.Warn("adapter lacks required capabilities",
				"adapter", a.Info().Name,
				"missing", strings.Join(missing, ", "))
			continue
		}
		compatible = append(compatible, a)
	}
	if len(compatible) == 0 {
		f.closeBackend(gb)
		return fmt.Errorf("%w on backend %s", ErrNoAdapter, gb.Name())
	}

	backend.SortAdapters(compatible)
	chosen := compatible[0]

	dev, err := chosen.Open()
	if err != nil {
		f.closeBackend(gb)
		return fmt.Errorf("device: open %q: %w", chosen.Info().Name, err)
	}

	f.gb = gb
	f.adapter = chosen
	f.dev = dev
	f.info = chosen.Info()
	f.headless = gb.Name() == backend.BackendHeadless

	force := f.force || f.overrides.forceFor(f.info.Vendor())
	f.wk = backend.DetectWorkarounds(chosen, force, f.log)
	f.overrides.apply(f.info.Vendor(), &f.wk)

	f.log.Info("adapter selected",
		"backend", gb.Name(),
		"adapter", f.info.Name,
		"id", f.info.Identifier(),
		"class", f.info.Class.String(),
		"vendor", f.info.Vendor().String())
	return nil
}

// CapabilitiesInit snapshots the device limits. Read-only for the rest
// of the session, refreshed only by Reinit.
func (f *Facade) CapabilitiesInit() error {
	if f.dev == nil {
		return ErrNotInitialized
	}
	f.caps = backend.CapabilitiesFromLimits(f.dev.Limits())
	f.capsInit = true
	f.log.Debug("capabilities snapshot taken",
		"max_texture_size", f.caps.MaxTextureSize,
		"max_vertex_attributes", f.caps.MaxVertexAttributes,
		"parallel_compilations", f.caps.MaxParallelCompilations)
	return nil
}

// Capabilities returns the limits snapshot; ok is false before
// CapabilitiesInit.
func (f *Facade) Capabilities() (backend.Capabilities, bool) {
	return f.caps, f.capsInit
}

// Workarounds returns the workaround record derived at init.
func (f *Facade) Workarounds() backend.Workarounds { return f.wk }

// AdapterInfo returns the chosen adapter's identity.
func (f *Facade) AdapterInfo() backend.AdapterInfo { return f.info }

// Device exposes the underlying device for collaborators that bake
// pipelines directly.
func (f *Facade) Device() backend.Device { return f.dev }

// RenderBegin enters a render scope. Scopes nest.
func (f *Facade) RenderBegin() {
	f.nesting++
}

// RenderEnd leaves a render scope. When the outermost scope closes on
// a headless device, deferred resources are reclaimed. Ending a scope
// that was never begun is a programmer error.
func (f *Facade) RenderEnd() {
	if f.nesting == 0 {
		panic("device: RenderEnd without matching RenderBegin")
	}
	f.nesting--
	if f.nesting == 0 && f.headless {
		f.reclaim()
	}
}

// discard queues a released resource for deferred reclamation.
func (f *Facade) discard(r Resource) {
	f.pool.discard(r)
}

// reclaim rotates the resource pool and destroys everything that aged
// out. Resources released after the device is gone cannot be freed and
// move to the orphan list.
func (f *Facade) reclaim() {
	aged := f.pool.rotate()
	if len(aged) == 0 {
		return
	}
	if f.dev == nil {
		f.orphans = append(f.orphans, aged...)
		f.log.Warn("resources orphaned, device gone", "count", len(aged))
		return
	}
	for _, r := range aged {
		r.free()
	}
	f.log.Debug("resources reclaimed", "count", len(aged))
}

// OrphanCount returns the number of resources that could not be freed.
func (f *Facade) OrphanCount() int { return len(f.orphans) }

// allocResourceID hands out unique hazard-tracking IDs.
func (f *Facade) allocResourceID() graph.ResourceID {
	f.nextResourceID++
	return f.nextResourceID
}

// ShaderAlloc compiles a program and wraps it in a caller-owned
// Shader.
func (f *Facade) ShaderAlloc(desc shader.Descriptor, opts ...shader.Option) (*Shader, error) {
	if f.dev == nil {
		return nil, ErrNotInitialized
	}
	p, err := shader.NewProgram(f.dev, desc, opts...)
	if err != nil {
		return nil, err
	}
	return &Shader{name: desc.Name, program: p, f: f}, nil
}

// TextureAlloc returns a caller-owned texture record. A layers value
// of 0 means a plain 2D texture.
func (f *Facade) TextureAlloc(name string, width, height, layers int, format gputypes.TextureFormat) *Texture {
	return &Texture{
		name:   name,
		width:  width,
		height: height,
		layers: layers,
		format: format,
		id:     f.allocResourceID(),
		f:      f,
	}
}

// FramebufferAlloc returns a caller-owned framebuffer.
func (f *Facade) FramebufferAlloc(name string) *Framebuffer {
	return &Framebuffer{name: name, f: f}
}

// BatchAlloc returns a caller-owned draw batch.
func (f *Facade) BatchAlloc(name string) *Batch {
	return &Batch{name: name, f: f}
}

// recordDraw appends a draw node to the frame graph.
func (f *Facade) recordDraw(label string, pso backend.PipelineHandle, accesses []graph.Access,
	vertexCount, instanceCount uint32) {
	f.g.AddDraw(label, pso, accesses, vertexCount, instanceCount, 0, 0)
}

// ComputeDispatch bakes the compute variant for the specialization set
// and records a dispatch node. totalThreads is the thread count of one
// workgroup; oversized groups trigger the widened re-bake inside the
// cache.
func (f *Facade) ComputeDispatch(s *Shader, specs []backend.SpecConstant, totalThreads uint32,
	accesses []graph.Access, groupsX, groupsY, groupsZ uint32) error {
	if f.dev == nil {
		return ErrNotInitialized
	}
	inst, err := s.program.BakeCompute(specs, totalThreads)
	if err != nil {
		return fmt.Errorf("device: dispatch %q: %w", s.name, err)
	}
	f.g.AddDispatch(s.name, inst.Handle(), accesses, groupsX, groupsY, groupsZ)
	return nil
}

// ComputeDispatchIndirect records a dispatch whose group counts come
// from a device buffer.
func (f *Facade) ComputeDispatchIndirect(s *Shader, specs []backend.SpecConstant, totalThreads uint32,
	accesses []graph.Access, buf backend.BufferHandle, offset uint64) error {
	if f.dev == nil {
		return ErrNotInitialized
	}
	inst, err := s.program.BakeCompute(specs, totalThreads)
	if err != nil {
		return fmt.Errorf("device: indirect dispatch %q: %w", s.name, err)
	}
	f.g.AddDispatchIndirect(s.name, inst.Handle(), accesses, buf, offset)
	return nil
}

// Graph exposes the frame graph for callers recording nodes directly.
func (f *Facade) Graph() *graph.Graph { return f.g }

// Flush submits the accumulated frame graph. A graph with no nodes is
// a no-op.
func (f *Facade) Flush(label string) error {
	if f.dev == nil {
		return ErrNotInitialized
	}
	if f.g.Len() == 0 {
		return nil
	}
	return f.g.Submit(f.dev, label)
}

// Close releases everything: pooled resources are freed (or orphaned
// when freeing is impossible), the device is shut down, and a
// registry-created backend is closed. An injected backend belongs to
// the host and stays open. Idempotent.
func (f *Facade) Close() {
	if f.closed {
		return
	}
	f.closed = true

	leftovers := f.pool.drain()
	if f.dev != nil {
		for _, r := range leftovers {
			r.free()
		}
		f.dev.Close()
		f.dev = nil
	} else if len(leftovers) > 0 {
		f.orphans = append(f.orphans, leftovers...)
	}
	if f.gb != nil {
		f.closeBackend(f.gb)
		f.gb = nil
	}
	f.adapter = nil
	f.capsInit = false
	f.log.Info("device facade closed", "orphans", len(f.orphans))
}

// Reinit is the device-loss recovery path: tear down the current
// device and run the init sequence again on a fresh enumeration. With
// an injected backend the same instance is reused, since Close never
// touches it.
func (f *Facade) Reinit() error {
	if f.closed {
		return ErrClosed
	}
	f.Close()
	f.closed = false
	f.g.Reset()
	if err := f.PlatformInit(); err != nil {
		return err
	}
	return f.CapabilitiesInit()
}
