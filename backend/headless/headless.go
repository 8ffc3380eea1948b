// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package headless provides an in-memory backend with no native
// dependencies. It backs background rendering on machines without a
// GPU and serves as the device implementation for unit tests: compile
// outcomes, diagnostics, and timing are injectable per device.
package headless

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/rendercore/backend"
)

func init() {
	backend.Register(backend.BackendHeadless, func() backend.GraphicsBackend {
		return New()
	})
}

// Backend is the headless GraphicsBackend. It always exposes exactly
// the adapters it was constructed with.
type Backend struct {
	adapters []backend.Adapter
}

// New returns a headless backend with one fully featured adapter.
func New() *Backend {
	return &Backend{adapters: []backend.Adapter{NewAdapter("Headless Reference Device", 0)}}
}

// NewWithAdapters returns a headless backend exposing the given
// adapters, for tests that need particular enumeration sets.
func NewWithAdapters(adapters ...backend.Adapter) *Backend {
	return &Backend{adapters: adapters}
}

func (b *Backend) Name() string { return backend.BackendHeadless }

func (b *Backend) Enumerate() ([]backend.Adapter, error) {
	if len(b.adapters) == 0 {
		return nil, backend.ErrNoAdapters
	}
	out := make([]backend.Adapter, len(b.adapters))
	copy(out, b.adapters)
	return out, nil
}

func (b *Backend) Close() {}

// Adapter is a configurable in-memory adapter. The zero value is not
// usable; construct with NewAdapter and adjust fields before Open.
type Adapter struct {
	AdapterInfo backend.AdapterInfo
	FeatureSet  backend.FeatureSet

	// NoR8G8B8 makes the vertex-fetch probe for 24-bit formats fail,
	// exercising the repack workaround path.
	NoR8G8B8 bool

	// DeviceConfig seeds every device opened from this adapter.
	DeviceConfig DeviceConfig
}

// NewAdapter returns an adapter that passes every capability check.
func NewAdapter(name string, index int) *Adapter {
	return &Adapter{
		AdapterInfo: backend.AdapterInfo{
			Name:  name,
			Index: index,
			Class: backend.DeviceClassSoftware,
		},
		FeatureSet: FullFeatures(),
	}
}

// FullFeatures returns a feature set with every required feature and
// extension present.
func FullFeatures() backend.FeatureSet {
	return backend.FeatureSet{
		GeometryShaders:           true,
		DualSourceBlending:        true,
		ImageCubeArrays:           true,
		MultiDrawIndirect:         true,
		MultiViewport:             true,
		ClipDistance:              true,
		DrawIndirectFirstInstance: true,
		FragmentStoresAndAtomics:  true,
		DynamicRendering:          true,
		ShaderOutputLayer:         true,
		ShaderOutputViewportIndex: true,
		Extensions: []string{
			"VK_KHR_swapchain",
			"VK_KHR_dedicated_allocation",
			"VK_KHR_get_memory_requirements2",
			"VK_KHR_dynamic_rendering",
		},
	}
}

func (a *Adapter) Info() backend.AdapterInfo    { return a.AdapterInfo }
func (a *Adapter) Features() backend.FeatureSet { return a.FeatureSet }

func (a *Adapter) SupportsVertexFetch(f backend.VertexFetchFormat) bool {
	if f == backend.VertexFetchR8G8B8 && a.NoR8G8B8 {
		return false
	}
	return true
}

func (a *Adapter) Open() (backend.Device, error) {
	return &Device{
		info:   a.AdapterInfo,
		limits: gputypes.DefaultLimits(),
		Config: a.DeviceConfig,
	}, nil
}

// DeviceConfig injects behavior into a headless device.
type DeviceConfig struct {
	// CompileHook, when set, runs before every pipeline compile. A
	// returned error whose text contains backend.WarningMarker yields a
	// valid handle plus the diagnostic; any other error fails the
	// compile.
	CompileHook func(label string) error

	// CompileDelay stalls every pipeline compile, for pool tests.
	CompileDelay time.Duration

	// Reflection, when non-nil, is returned as the reflection table of
	// every compiled pipeline.
	Reflection []backend.BufferBindingReflection

	// MaxTotalThreads is the driver threadgroup capacity reported for
	// compute pipelines built without an explicit override. Defaults
	// to 1024.
	MaxTotalThreads uint32
}

// Device is the in-memory device. It tracks created objects so tests
// can assert nothing leaks.
type Device struct {
	info   backend.AdapterInfo
	limits gputypes.Limits
	Config DeviceConfig

	mu        sync.Mutex
	closed    bool
	libraries int
	pipelines int
	buffers   int
	compiles  int
	submitted []*Recorder
}

func (d *Device) Info() backend.AdapterInfo { return d.info }
func (d *Device) Limits() gputypes.Limits   { return d.limits }

// LiveObjects returns the number of libraries, pipelines, and buffers
// currently alive on the device.
func (d *Device) LiveObjects() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.libraries + d.pipelines + d.buffers
}

// CompileCount returns how many pipeline compiles the device has run.
func (d *Device) CompileCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.compiles
}

// Submitted returns the recorders submitted so far, in order.
func (d *Device) Submitted() []*Recorder {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Recorder, len(d.submitted))
	copy(out, d.submitted)
	return out
}

func (d *Device) CreateShaderLibrary(desc *backend.ShaderLibraryDescriptor) (backend.ShaderLibrary, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, backend.ErrDeviceClosed
	}
	if desc.WGSL == "" && len(desc.SPIRV) == 0 {
		return nil, fmt.Errorf("headless: empty shader source for %q: %w",
			desc.Label, backend.ErrCompileFailed)
	}
	d.libraries++
	return &library{label: desc.Label, stage: desc.Stage}, nil
}

func (d *Device) DestroyShaderLibrary(lib backend.ShaderLibrary) {
	if lib == nil {
		return
	}
	d.mu.Lock()
	d.libraries--
	d.mu.Unlock()
}

func (d *Device) CompileRenderPipeline(spec *backend.RenderPipelineSpec) (*backend.PipelineResult, error) {
	return d.compile(spec.Label, 0)
}

func (d *Device) CompileComputePipeline(spec *backend.ComputePipelineSpec) (*backend.PipelineResult, error) {
	capacity := spec.MaxTotalThreads
	if capacity == 0 {
		capacity = d.Config.MaxTotalThreads
	}
	if capacity == 0 {
		capacity = 1024
	}
	return d.compile(spec.Label, capacity)
}

func (d *Device) compile(label string, maxThreads uint32) (*backend.PipelineResult, error) {
	if d.Config.CompileDelay > 0 {
		time.Sleep(d.Config.CompileDelay)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, backend.ErrDeviceClosed
	}
	d.compiles++
	d.mu.Unlock()

	var diag error
	if d.Config.CompileHook != nil {
		diag = d.Config.CompileHook(label)
	}
	if diag != nil && !isWarning(diag) {
		return nil, fmt.Errorf("headless: pipeline %q: %w", label, diag)
	}

	d.mu.Lock()
	d.pipelines++
	d.mu.Unlock()

	res := &backend.PipelineResult{
		Handle:          &pso{label: label},
		Reflection:      d.Config.Reflection,
		MaxTotalThreads: maxThreads,
	}
	return res, diag
}

func (d *Device) DestroyPipeline(h backend.PipelineHandle) {
	if h == nil {
		return
	}
	d.mu.Lock()
	d.pipelines--
	d.mu.Unlock()
}

func (d *Device) AllocateNullVertexBuffer() (backend.BufferHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, backend.ErrDeviceClosed
	}
	d.buffers++
	return &buffer{size: 64}, nil
}

func (d *Device) DestroyBuffer(b backend.BufferHandle) {
	if b == nil {
		return
	}
	d.mu.Lock()
	d.buffers--
	d.mu.Unlock()
}

func (d *Device) BeginCommands(label string) (backend.Recorder, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, backend.ErrDeviceClosed
	}
	return &Recorder{Label: label}, nil
}

func (d *Device) SubmitCommands(r backend.Recorder) error {
	rec, ok := r.(*Recorder)
	if !ok {
		return fmt.Errorf("headless: foreign recorder %T", r)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return backend.ErrDeviceClosed
	}
	d.submitted = append(d.submitted, rec)
	return nil
}

func (d *Device) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
}

func isWarning(err error) bool {
	return err != nil && strings.Contains(err.Error(), backend.WarningMarker)
}

type library struct {
	label string
	stage backend.ShaderStage
}

func (l *library) Label() string              { return l.label }
func (l *library) Stage() backend.ShaderStage { return l.stage }

type pso struct{ label string }

func (p *pso) Label() string { return p.label }

type buffer struct{ size uint64 }

func (b *buffer) Size() uint64 { return b.size }
