//go:build !nogpu

// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package wgpu

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	wgputypes "github.com/gogpu/wgpu"

	"github.com/gogpu/rendercore/backend"
)

// submitTimeoutNs bounds how long SubmitCommands waits on the fence.
const submitTimeoutNs = 5_000_000_000

// Device is an opened HAL logical device.
type Device struct {
	device hal.Device
	queue  hal.Queue
	limits gputypes.Limits
	info   backend.AdapterInfo

	// shared devices are owned by the host application; Close must not
	// destroy them.
	shared bool

	mu          sync.Mutex
	closed      bool
	emptyLayout hal.PipelineLayout
	hasLayout   bool
}

func (d *Device) Info() backend.AdapterInfo { return d.info }
func (d *Device) Limits() gputypes.Limits   { return d.limits }

func (d *Device) CreateShaderLibrary(desc *backend.ShaderLibraryDescriptor) (backend.ShaderLibrary, error) {
	var source hal.ShaderSource
	switch {
	case len(desc.SPIRV) > 0:
		source = hal.ShaderSource{SPIRV: desc.SPIRV}
	case desc.WGSL != "":
		source = hal.ShaderSource{WGSL: desc.WGSL}
	default:
		return nil, fmt.Errorf("wgpu: empty shader source for %q: %w",
			desc.Label, backend.ErrCompileFailed)
	}

	module, err := d.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  desc.Label,
		Source: source,
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: compile %s library %q: %w: %v",
			desc.Stage, desc.Label, backend.ErrCompileFailed, err)
	}

	entry := desc.EntryPoint
	if entry == "" {
		entry = backend.DefaultEntryPoint(desc.Stage)
	}
	return &library{
		label:  desc.Label,
		stage:  desc.Stage,
		entry:  entry,
		module: module,
	}, nil
}

func (d *Device) DestroyShaderLibrary(lib backend.ShaderLibrary) {
	l, ok := lib.(*library)
	if !ok || l.module == nil {
		return
	}
	d.device.DestroyShaderModule(l.module)
	l.module = nil
}

// pipelineLayout lazily creates the shared empty pipeline layout. The
// HAL derives actual bind group layouts from the shader modules, so one
// empty layout serves every pipeline.
func (d *Device) pipelineLayout() (hal.PipelineLayout, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.hasLayout {
		return d.emptyLayout, nil
	}
	layout, err := d.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label: "rendercore-empty-layout",
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create pipeline layout: %w", err)
	}
	d.emptyLayout = layout
	d.hasLayout = true
	return layout, nil
}

func (d *Device) CompileRenderPipeline(spec *backend.RenderPipelineSpec) (*backend.PipelineResult, error) {
	vert, ok := spec.Vertex.(*library)
	if !ok {
		return nil, fmt.Errorf("wgpu: foreign vertex library %T", spec.Vertex)
	}
	frag, ok := spec.Fragment.(*library)
	if !ok {
		return nil, fmt.Errorf("wgpu: foreign fragment library %T", spec.Fragment)
	}

	layout, err := d.pipelineLayout()
	if err != nil {
		return nil, err
	}

	var targets []gputypes.ColorTargetState
	for _, format := range spec.ColorFormats {
		if format == gputypes.TextureFormatUndefined {
			continue
		}
		targets = append(targets, gputypes.ColorTargetState{
			Format:    format,
			Blend:     spec.Blend,
			WriteMask: spec.WriteMask,
		})
	}

	desc := &hal.RenderPipelineDescriptor{
		Label:  spec.Label,
		Layout: layout,
		Vertex: hal.VertexState{
			Module:     vert.module,
			EntryPoint: vert.entry,
			Buffers:    spec.VertexLayouts,
		},
		Fragment: &hal.FragmentState{
			Module:     frag.module,
			EntryPoint: frag.entry,
			Targets:    targets,
		},
		Multisample: gputypes.MultisampleState{Count: 1, Mask: 0xFFFFFFFF},
		Primitive: gputypes.PrimitiveState{
			Topology: spec.Topology,
			CullMode: gputypes.CullModeNone,
		},
	}

	if format := depthStencilFormat(spec); format != gputypes.TextureFormatUndefined {
		keep := hal.StencilFaceState{
			Compare:     gputypes.CompareFunctionAlways,
			FailOp:      hal.StencilOperationKeep,
			DepthFailOp: hal.StencilOperationKeep,
			PassOp:      hal.StencilOperationKeep,
		}
		desc.DepthStencil = &hal.DepthStencilState{
			Format:            format,
			DepthWriteEnabled: spec.DepthFormat != gputypes.TextureFormatUndefined,
			DepthCompare:      gputypes.CompareFunctionAlways,
			StencilFront:      keep,
			StencilBack:       keep,
			StencilReadMask:   0xFF,
			StencilWriteMask:  0xFF,
		}
	}

	pipeline, err := d.device.CreateRenderPipeline(desc)
	if err != nil {
		return nil, fmt.Errorf("wgpu: pipeline %q: %w: %v",
			spec.Label, backend.ErrCompileFailed, err)
	}
	return &backend.PipelineResult{
		Handle: &pso{label: spec.Label, render: pipeline},
	}, nil
}

// depthStencilFormat picks the combined depth/stencil attachment
// format. A stencil-capable format subsumes a plain depth request.
func depthStencilFormat(spec *backend.RenderPipelineSpec) gputypes.TextureFormat {
	if spec.StencilFormat != gputypes.TextureFormatUndefined {
		return spec.StencilFormat
	}
	return spec.DepthFormat
}

func (d *Device) CompileComputePipeline(spec *backend.ComputePipelineSpec) (*backend.PipelineResult, error) {
	lib, ok := spec.Compute.(*library)
	if !ok {
		return nil, fmt.Errorf("wgpu: foreign compute library %T", spec.Compute)
	}

	layout, err := d.pipelineLayout()
	if err != nil {
		return nil, err
	}

	pipeline, err := d.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  spec.Label,
		Layout: layout,
		Compute: hal.ComputeState{
			Module:     lib.module,
			EntryPoint: lib.entry,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: compute pipeline %q: %w: %v",
			spec.Label, backend.ErrCompileFailed, err)
	}

	capacity := spec.MaxTotalThreads
	if capacity == 0 {
		capacity = d.limits.MaxComputeInvocationsPerWorkgroup
	}
	return &backend.PipelineResult{
		Handle:          &pso{label: spec.Label, compute: pipeline},
		MaxTotalThreads: capacity,
	}, nil
}

func (d *Device) DestroyPipeline(h backend.PipelineHandle) {
	p, ok := h.(*pso)
	if !ok {
		return
	}
	if p.render != nil {
		d.device.DestroyRenderPipeline(p.render)
		p.render = nil
	}
	if p.compute != nil {
		d.device.DestroyComputePipeline(p.compute)
		p.compute = nil
	}
}

func (d *Device) AllocateNullVertexBuffer() (backend.BufferHandle, error) {
	buf, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "rendercore-null-vertex",
		Size:  64,
		Usage: wgputypes.BufferUsageVertex | wgputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: allocate null vertex buffer: %w", err)
	}
	return &buffer{size: 64, buf: buf}, nil
}

func (d *Device) DestroyBuffer(b backend.BufferHandle) {
	hb, ok := b.(*buffer)
	if !ok || hb.buf == nil {
		return
	}
	d.device.DestroyBuffer(hb.buf)
	hb.buf = nil
}

func (d *Device) BeginCommands(label string) (backend.Recorder, error) {
	encoder, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: label,
	})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create encoder: %w", err)
	}
	if err := encoder.BeginEncoding(label); err != nil {
		return nil, fmt.Errorf("wgpu: begin encoding: %w", err)
	}
	return &recorder{label: label, encoder: encoder}, nil
}

func (d *Device) SubmitCommands(r backend.Recorder) error {
	rec, ok := r.(*recorder)
	if !ok {
		return fmt.Errorf("wgpu: foreign recorder %T", r)
	}
	rec.endPass()
	if rec.err != nil {
		rec.encoder.DiscardEncoding()
		return rec.err
	}

	cmdBuffer, err := rec.encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("wgpu: end encoding: %w", err)
	}
	defer cmdBuffer.Destroy()

	fence, err := d.device.CreateFence()
	if err != nil {
		return fmt.Errorf("wgpu: create fence: %w", err)
	}
	defer d.device.DestroyFence(fence)

	if err := d.queue.Submit([]hal.CommandBuffer{cmdBuffer}, fence, 1); err != nil {
		return fmt.Errorf("wgpu: submit: %w", err)
	}
	if _, err := d.device.Wait(fence, 1, submitTimeoutNs); err != nil {
		return fmt.Errorf("wgpu: wait: %w", err)
	}
	return nil
}

func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	if d.shared {
		return
	}
	d.device.Destroy()
}

// recorder encodes compute work into a HAL command encoder. Draws need
// a render target attachment, which the compute-only submission path
// does not carry, so Draw records ErrUnsupported and Submit reports it.
type recorder struct {
	label   string
	encoder hal.CommandEncoder
	pass    hal.ComputePassEncoder
	bound   *pso
	err     error
}

func (r *recorder) BindPipeline(h backend.PipelineHandle) {
	p, ok := h.(*pso)
	if !ok {
		r.err = errors.Join(r.err, fmt.Errorf("wgpu: foreign pipeline %T", h))
		return
	}
	r.bound = p
	if r.pass != nil && p.compute != nil {
		r.pass.SetPipeline(p.compute)
	}
}

func (r *recorder) ensurePass() {
	if r.pass != nil {
		return
	}
	r.pass = r.encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: r.label})
	if r.bound != nil && r.bound.compute != nil {
		r.pass.SetPipeline(r.bound.compute)
	}
}

func (r *recorder) endPass() {
	if r.pass != nil {
		r.pass.End()
		r.pass = nil
	}
}

func (r *recorder) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	r.err = errors.Join(r.err,
		fmt.Errorf("wgpu: draw without render target: %w", backend.ErrUnsupported))
}

func (r *recorder) Dispatch(groupsX, groupsY, groupsZ uint32) {
	if r.bound == nil || r.bound.compute == nil {
		r.err = errors.Join(r.err, fmt.Errorf("wgpu: dispatch with no compute pipeline bound"))
		return
	}
	r.ensurePass()
	r.pass.Dispatch(groupsX, groupsY, groupsZ)
}

func (r *recorder) DispatchIndirect(buf backend.BufferHandle, offset uint64) {
	r.err = errors.Join(r.err,
		fmt.Errorf("wgpu: indirect dispatch: %w", backend.ErrUnsupported))
}

// Barrier closes the open compute pass. Pass boundaries order all
// memory accesses between the work before and after them.
func (r *recorder) Barrier() {
	r.endPass()
}

type library struct {
	label  string
	stage  backend.ShaderStage
	entry  string
	module hal.ShaderModule
}

func (l *library) Label() string              { return l.label }
func (l *library) Stage() backend.ShaderStage { return l.stage }

type pso struct {
	label   string
	render  hal.RenderPipeline
	compute hal.ComputePipeline
}

func (p *pso) Label() string { return p.label }

type buffer struct {
	size uint64
	buf  hal.Buffer
}

func (b *buffer) Size() uint64 { return b.size }
