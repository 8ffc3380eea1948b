// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"golang.org/x/sync/singleflight"

	rendercore "github.com/gogpu/rendercore"
	"github.com/gogpu/rendercore/backend"
)

// Cache errors.
var (
	// ErrNilDescriptor is returned when baking with a nil descriptor.
	ErrNilDescriptor = errors.New("pipeline: descriptor is nil")

	// ErrNilDevice is returned when creating a cache without a device.
	ErrNilDevice = errors.New("pipeline: device is nil")

	// ErrBakeFailed wraps a genuine driver compile failure.
	ErrBakeFailed = errors.New("pipeline: bake failed")

	// ErrNoComputeLibrary is returned when baking a compute variant for
	// a program without a compute library.
	ErrNoComputeLibrary = errors.New("pipeline: program has no compute library")
)

// UnusedAttributeSpecBase is the specialization constant ID namespace
// that flags vertex-data attributes the shader does not consume. The
// constant ID is the base plus the attribute location; value 1 means
// unused.
const UnusedAttributeSpecBase uint32 = 0x8000

// AttributeDecl is one vertex input declared by the shader.
type AttributeDecl struct {
	Location uint32
	Format   gputypes.VertexFormat
}

// Interface is the shader program's reflected resource interface the
// cache reconciles descriptors against.
type Interface struct {
	Attributes    []AttributeDecl
	UniformBlocks int
	StorageBlocks int
}

// StageLibraries holds the compiled stage libraries of the owning
// program. Compute may be nil for graphics-only programs.
type StageLibraries struct {
	Vertex   backend.ShaderLibrary
	Fragment backend.ShaderLibrary
	Compute  backend.ShaderLibrary
}

// bakeKey records one successful render bake for warm-up replay.
type bakeKey struct {
	class TopologyClass
	desc  Descriptor
}

// Cache deduplicates compiled pipeline state per structural descriptor.
//
// Lookup runs under a read lock; compilation runs outside the lock so
// different descriptors compile concurrently. Identical descriptors
// requested concurrently share one compilation through a single-flight
// group.
type Cache struct {
	device backend.Device
	libs   StageLibraries
	iface  Interface
	log    *slog.Logger

	mu       sync.RWMutex
	states   map[uint64]*StateInstance
	compute  map[uint64]*StateInstance
	recorded []bakeKey

	group singleflight.Group

	nextIndex atomic.Uint64
	hits      atomic.Uint64
	misses    atomic.Uint64

	nullMu     sync.Mutex
	nullBuffer backend.BufferHandle
}

// NewCache creates an empty cache for one shader program. A nil logger
// selects the module logger.
func NewCache(device backend.Device, libs StageLibraries, iface Interface, log *slog.Logger) (*Cache, error) {
	if device == nil {
		return nil, ErrNilDevice
	}
	if log == nil {
		log = rendercore.Logger()
	}
	return &Cache{
		device:  device,
		libs:    libs,
		iface:   iface,
		log:     log,
		states:  make(map[uint64]*StateInstance),
		compute: make(map[uint64]*StateInstance),
	}, nil
}

// BakeRender returns the pipeline instance for a descriptor, compiling
// it on first use.
//
// A genuine compile failure logs the full driver diagnostic and returns
// a nil instance; a diagnostic carrying backend.WarningMarker is benign
// and the instance is kept.
func (c *Cache) BakeRender(class TopologyClass, desc *Descriptor) (*StateInstance, error) {
	if desc == nil {
		return nil, ErrNilDescriptor
	}

	// Copy before normalizing so the caller's descriptor is untouched.
	d := *desc
	d.Attributes = append([]VertexAttribute(nil), desc.Attributes...)
	d.Bindings = append([]VertexBinding(nil), desc.Bindings...)
	d.Specialization = append([]backend.SpecConstant(nil), desc.Specialization...)
	d.Normalize()

	key := d.Hash(class)

	// Fast path: read lock.
	c.mu.RLock()
	if inst, ok := c.states[key]; ok {
		c.mu.RUnlock()
		c.hits.Add(1)
		return inst, nil
	}
	c.mu.RUnlock()

	// One compilation per key, however many threads ask.
	v, err, _ := c.group.Do(strconv.FormatUint(key, 16), func() (any, error) {
		c.mu.RLock()
		if inst, ok := c.states[key]; ok {
			c.mu.RUnlock()
			c.hits.Add(1)
			return inst, nil
		}
		c.mu.RUnlock()

		inst, err := c.compileRender(class, &d)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.states[key] = inst
		c.recorded = append(c.recorded, bakeKey{class: class, desc: d})
		c.mu.Unlock()
		c.misses.Add(1)
		return inst, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*StateInstance), nil
}

func (c *Cache) compileRender(class TopologyClass, d *Descriptor) (*StateInstance, error) {
	spec, err := c.buildRenderSpec(class, d)
	if err != nil {
		return nil, err
	}

	result, err := c.device.CompileRenderPipeline(spec)
	switch {
	case err != nil && result != nil && strings.Contains(err.Error(), backend.WarningMarker):
		c.log.Warn("pipeline compiled with warnings",
			"label", spec.Label, "diagnostic", err.Error())
	case err != nil:
		c.log.Error("pipeline compile failed",
			"label", spec.Label, "diagnostic", err.Error())
		return nil, fmt.Errorf("%w: %v", ErrBakeFailed, err)
	}

	uniformBase, storageBase := resolveBindingBases(len(d.Bindings), c.iface.UniformBlocks)

	// An active reflected binding past the declared uniform and storage
	// blocks means the shader and its reflection disagree.
	limit := storageBase + uint32(c.iface.StorageBlocks)
	for i := range result.Reflection {
		if r := &result.Reflection[i]; r.Active && r.Binding >= limit {
			c.log.Warn("reflected buffer binding outside the declared interface",
				"label", spec.Label, "binding", r.Binding, "limit", limit)
		}
	}

	inst := &StateInstance{
		handle:      result.Handle,
		uniformBase: uniformBase,
		storageBase: storageBase,
		reflection:  result.Reflection,
		index:       c.nextIndex.Add(1) - 1,
	}

	c.log.Debug("pipeline baked",
		"label", spec.Label,
		"class", class.String(),
		"uniform_base", uniformBase,
		"storage_base", storageBase,
		"index", inst.index)
	return inst, nil
}

// buildRenderSpec lowers a descriptor to the backend spec: vertex
// layouts grouped per binding, unused vertex-data attributes flagged
// through specialization constants, and shader attributes with no
// bound data redirected to the shared null buffer through a trailing
// stride-zero binding.
func (c *Cache) buildRenderSpec(class TopologyClass, d *Descriptor) (*backend.RenderPipelineSpec, error) {
	declared := make(map[uint32]AttributeDecl, len(c.iface.Attributes))
	for _, a := range c.iface.Attributes {
		declared[a.Location] = a
	}

	bound := make(map[uint32]bool, len(d.Attributes))
	layouts := make([]gputypes.VertexBufferLayout, len(d.Bindings))
	for i, b := range d.Bindings {
		layouts[i] = gputypes.VertexBufferLayout{
			ArrayStride: b.Stride,
			StepMode:    b.StepMode,
		}
	}

	specs := append([]backend.SpecConstant(nil), d.Specialization...)

	for _, a := range d.Attributes {
		bound[a.Location] = true
		if int(a.BufferIndex) >= len(layouts) {
			return nil, fmt.Errorf("pipeline: attribute at location %d references binding %d of %d",
				a.Location, a.BufferIndex, len(layouts))
		}
		if _, used := declared[a.Location]; !used {
			// Vertex data the shader never reads: compile it out.
			specs = append(specs, backend.SpecConstant{
				ID:    UnusedAttributeSpecBase + a.Location,
				Value: 1,
			})
			continue
		}
		layouts[a.BufferIndex].Attributes = append(layouts[a.BufferIndex].Attributes,
			gputypes.VertexAttribute{
				Format:         a.Format,
				Offset:         a.Offset,
				ShaderLocation: a.Location,
			})
	}

	// Shader inputs with no bound vertex data read the null buffer at
	// stride zero. One trailing binding serves all of them.
	var nullLayout *gputypes.VertexBufferLayout
	for _, decl := range c.iface.Attributes {
		if bound[decl.Location] {
			continue
		}
		if nullLayout == nil {
			if err := c.ensureNullBuffer(); err != nil {
				return nil, err
			}
			layouts = append(layouts, gputypes.VertexBufferLayout{
				ArrayStride: 0,
				StepMode:    gputypes.VertexStepModeVertex,
			})
			nullLayout = &layouts[len(layouts)-1]
		}
		nullLayout.Attributes = append(nullLayout.Attributes, gputypes.VertexAttribute{
			Format:         decl.Format,
			Offset:         0,
			ShaderLocation: decl.Location,
		})
		c.log.Debug("attribute redirected to null buffer",
			"location", decl.Location)
	}

	label := ""
	if c.libs.Vertex != nil {
		label = c.libs.Vertex.Label()
	}
	spec := &backend.RenderPipelineSpec{
		Label:          label,
		Vertex:         c.libs.Vertex,
		Fragment:       c.libs.Fragment,
		VertexLayouts:  layouts,
		ColorFormats:   d.ColorFormats[:],
		DepthFormat:    d.DepthFormat,
		StencilFormat:  d.StencilFormat,
		WriteMask:      d.WriteMask,
		Topology:       class.Topology(),
		Specialization: specs,
	}
	if d.BlendEnabled {
		spec.Blend = &gputypes.BlendState{
			Color: gputypes.BlendComponent{
				SrcFactor: d.Blend.Color.SrcFactor,
				DstFactor: d.Blend.Color.DstFactor,
				Operation: d.Blend.Color.Operation,
			},
			Alpha: gputypes.BlendComponent{
				SrcFactor: d.Blend.Alpha.SrcFactor,
				DstFactor: d.Blend.Alpha.DstFactor,
				Operation: d.Blend.Alpha.Operation,
			},
		}
	}
	return spec, nil
}

// ensureNullBuffer allocates the shared stride-zero buffer once. It is
// reused by every later bake and freed in DestroyAll.
func (c *Cache) ensureNullBuffer() error {
	c.nullMu.Lock()
	defer c.nullMu.Unlock()
	if c.nullBuffer != nil {
		return nil
	}
	buf, err := c.device.AllocateNullVertexBuffer()
	if err != nil {
		return fmt.Errorf("pipeline: allocate null buffer: %w", err)
	}
	c.nullBuffer = buf
	return nil
}

// NullBuffer returns the shared null vertex buffer, nil when no bake
// has needed it.
func (c *Cache) NullBuffer() backend.BufferHandle {
	c.nullMu.Lock()
	defer c.nullMu.Unlock()
	return c.nullBuffer
}

// BakeCompute returns the compute pipeline variant for a specialization
// set. Variants are keyed by specialization only. When totalThreads
// exceeds the driver-reported threadgroup capacity, whether of a cached
// variant or of a fresh compile, the variant is recompiled once with
// the limit widened to totalThreads. A widened variant is final: later
// overflows keep it.
func (c *Cache) BakeCompute(specs []backend.SpecConstant, totalThreads uint32) (*StateInstance, error) {
	if c.libs.Compute == nil {
		return nil, ErrNoComputeLibrary
	}

	sorted := append([]backend.SpecConstant(nil), specs...)
	d := Descriptor{Specialization: sorted}
	d.Normalize()
	key := hashSpecSet(d.Specialization)

	c.mu.RLock()
	inst, ok := c.compute[key]
	c.mu.RUnlock()
	if ok && (totalThreads <= inst.maxTotalThreads || inst.widened) {
		c.hits.Add(1)
		return inst, nil
	}

	flightKey := "c" + strconv.FormatUint(key, 16)
	v, err, _ := c.group.Do(flightKey, func() (any, error) {
		c.mu.RLock()
		cur, have := c.compute[key]
		c.mu.RUnlock()
		if have && (totalThreads <= cur.maxTotalThreads || cur.widened) {
			c.hits.Add(1)
			return cur, nil
		}

		spec := &backend.ComputePipelineSpec{
			Label:          c.libs.Compute.Label(),
			Compute:        c.libs.Compute,
			Specialization: d.Specialization,
		}
		if have {
			// Cached variant too small for this dispatch: recompile with
			// the limit widened.
			spec.MaxTotalThreads = totalThreads
		}

		result, err := c.compileCompute(spec)
		if err != nil {
			return nil, err
		}
		widened := have
		if !have && result.MaxTotalThreads < totalThreads {
			// The driver's default capacity is already below the
			// dispatch: retry the fresh compile once, widened.
			c.device.DestroyPipeline(result.Handle)
			spec.MaxTotalThreads = totalThreads
			if result, err = c.compileCompute(spec); err != nil {
				return nil, err
			}
			widened = true
		}

		next := &StateInstance{
			handle:          result.Handle,
			reflection:      result.Reflection,
			maxTotalThreads: result.MaxTotalThreads,
			widened:         widened,
			index:           c.nextIndex.Add(1) - 1,
		}

		c.mu.Lock()
		old := c.compute[key]
		c.compute[key] = next
		c.mu.Unlock()
		if old != nil {
			c.device.DestroyPipeline(old.handle)
		}
		c.misses.Add(1)
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*StateInstance), nil
}

// compileCompute runs one driver compile, sorting the warning
// diagnostic from a genuine failure.
func (c *Cache) compileCompute(spec *backend.ComputePipelineSpec) (*backend.PipelineResult, error) {
	result, err := c.device.CompileComputePipeline(spec)
	switch {
	case err != nil && result != nil && strings.Contains(err.Error(), backend.WarningMarker):
		c.log.Warn("compute pipeline compiled with warnings",
			"label", spec.Label, "diagnostic", err.Error())
	case err != nil:
		c.log.Error("compute pipeline compile failed",
			"label", spec.Label, "diagnostic", err.Error())
		return nil, fmt.Errorf("%w: %v", ErrBakeFailed, err)
	}
	return result, nil
}

// WarmUpFrom replays every render permutation the parent cache has
// baked, so a freshly created program inherits its parent's hot set.
// Failures are logged and skipped: warm-up is best effort.
func (c *Cache) WarmUpFrom(parent *Cache) {
	if parent == nil {
		return
	}
	parent.mu.RLock()
	keys := append([]bakeKey(nil), parent.recorded...)
	parent.mu.RUnlock()

	for i := range keys {
		if _, err := c.BakeRender(keys[i].class, &keys[i].desc); err != nil {
			c.log.Warn("warm-up bake skipped", "error", err)
		}
	}
}

// Stats returns cache hit and miss counts.
func (c *Cache) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

// HitRate returns the cache hit rate between 0 and 1.
func (c *Cache) HitRate() float64 {
	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses
	if total == 0 {
		return 0.0
	}
	return float64(hits) / float64(total)
}

// Size returns the number of cached instances.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.states) + len(c.compute)
}

// DestroyAll destroys every cached pipeline and the shared null
// buffer. The cache is empty and reusable afterwards.
func (c *Cache) DestroyAll() {
	c.mu.Lock()
	states := c.states
	compute := c.compute
	c.states = make(map[uint64]*StateInstance)
	c.compute = make(map[uint64]*StateInstance)
	c.recorded = nil
	c.mu.Unlock()

	for _, inst := range states {
		c.device.DestroyPipeline(inst.handle)
	}
	for _, inst := range compute {
		c.device.DestroyPipeline(inst.handle)
	}

	c.nullMu.Lock()
	if c.nullBuffer != nil {
		c.device.DestroyBuffer(c.nullBuffer)
		c.nullBuffer = nil
	}
	c.nullMu.Unlock()

	c.hits.Store(0)
	c.misses.Store(0)
}
