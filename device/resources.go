// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package device

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/rendercore/graph"
	"github.com/gogpu/rendercore/pipeline"
	"github.com/gogpu/rendercore/shader"
)

// ErrReleased is returned when using a resource after Release.
var ErrReleased = errors.New("device: resource released")

// Resource is anything the facade allocates and the caller owns.
// Release hands the resource back for deferred reclamation; it does
// not destroy GPU objects immediately.
type Resource interface {
	Name() string
	Release()

	// free destroys the underlying objects. Called by the facade during
	// pool rotation, never by the owner.
	free()
}

// resourcePool holds released resources across frame boundaries.
// Destruction is deferred one rotation so objects referenced by
// commands still in flight are not pulled out from under the device.
type resourcePool struct {
	pending []Resource
	aged    []Resource
}

func (p *resourcePool) discard(r Resource) {
	p.pending = append(p.pending, r)
}

// rotate returns the resources that have aged one full rotation and
// promotes the pending ones.
func (p *resourcePool) rotate() []Resource {
	out := p.aged
	p.aged = p.pending
	p.pending = nil
	return out
}

// drain returns everything still held, emptying the pool.
func (p *resourcePool) drain() []Resource {
	out := append(p.aged, p.pending...)
	p.aged = nil
	p.pending = nil
	return out
}

// Shader is the facade-owned wrapper around a compiled program.
type Shader struct {
	name     string
	program  *shader.Program
	f        *Facade
	released bool
}

func (s *Shader) Name() string             { return s.name }
func (s *Shader) Program() *shader.Program { return s.program }

func (s *Shader) Release() {
	if s.released {
		return
	}
	s.released = true
	s.f.discard(s)
}

func (s *Shader) free() { s.program.Destroy() }

// Texture is a texture allocation record. The core tracks identity,
// dimensions, and the format actually chosen; texel storage belongs to
// the resource layers above.
type Texture struct {
	name     string
	width    int
	height   int
	layers   int
	format   gputypes.TextureFormat
	id       graph.ResourceID
	f        *Facade
	released bool
}

func (t *Texture) Name() string                   { return t.name }
func (t *Texture) Width() int                     { return t.width }
func (t *Texture) Height() int                    { return t.height }
func (t *Texture) Layers() int                    { return t.layers }
func (t *Texture) Format() gputypes.TextureFormat { return t.format }
func (t *Texture) ResourceID() graph.ResourceID   { return t.id }

func (t *Texture) Release() {
	if t.released {
		return
	}
	t.released = true
	t.f.discard(t)
}

func (t *Texture) free() {}

// Framebuffer groups render targets; its attachment formats feed the
// pipeline descriptor of every batch drawn into it.
type Framebuffer struct {
	name     string
	colors   [pipeline.MaxColorAttachments]*Texture
	depth    *Texture
	f        *Facade
	released bool
}

func (fb *Framebuffer) Name() string { return fb.name }

// AttachColor binds a texture to a color slot.
func (fb *Framebuffer) AttachColor(slot int, t *Texture) error {
	if slot < 0 || slot >= pipeline.MaxColorAttachments {
		return fmt.Errorf("device: color slot %d out of range", slot)
	}
	fb.colors[slot] = t
	return nil
}

// AttachDepth binds the depth texture.
func (fb *Framebuffer) AttachDepth(t *Texture) { fb.depth = t }

// ColorFormats returns the attachment formats in slot order, undefined
// for empty slots.
func (fb *Framebuffer) ColorFormats() [pipeline.MaxColorAttachments]gputypes.TextureFormat {
	var out [pipeline.MaxColorAttachments]gputypes.TextureFormat
	for i, t := range fb.colors {
		if t != nil {
			out[i] = t.format
		}
	}
	return out
}

func (fb *Framebuffer) Release() {
	if fb.released {
		return
	}
	fb.released = true
	fb.f.discard(fb)
}

func (fb *Framebuffer) free() {}

// Batch pairs a shader with vertex layout and target state and records
// draws into the facade's render graph. The pipeline is baked lazily
// on first draw and re-baked only when the batch state changes.
type Batch struct {
	name     string
	sh       *Shader
	class    pipeline.TopologyClass
	desc     pipeline.Descriptor
	accesses []graph.Access
	f        *Facade
	released bool

	baked *pipeline.StateInstance
}

func (b *Batch) Name() string { return b.name }

// SetShader selects the program the batch draws with.
func (b *Batch) SetShader(s *Shader) {
	b.sh = s
	b.baked = nil
}

// SetTopology selects the primitive class.
func (b *Batch) SetTopology(class pipeline.TopologyClass) {
	b.class = class
	b.baked = nil
}

// AddVertexBinding appends one vertex buffer binding and its
// attributes. The buffer index of each attribute is the binding's
// position.
func (b *Batch) AddVertexBinding(stride uint64, attrs ...pipeline.VertexAttribute) {
	index := uint32(len(b.desc.Bindings))
	b.desc.Bindings = append(b.desc.Bindings, pipeline.VertexBinding{Stride: stride})
	for _, a := range attrs {
		a.BufferIndex = index
		b.desc.Attributes = append(b.desc.Attributes, a)
	}
	b.baked = nil
}

// SetTarget copies the framebuffer's attachment formats into the
// batch's pipeline key.
func (b *Batch) SetTarget(fb *Framebuffer) {
	b.desc.ColorFormats = fb.ColorFormats()
	if fb.depth != nil {
		b.desc.DepthFormat = fb.depth.format
	}
	b.baked = nil
}

// DeclareAccess records one resource access for hazard tracking.
func (b *Batch) DeclareAccess(id graph.ResourceID, mode graph.AccessMode) {
	b.accesses = append(b.accesses, graph.Access{Resource: id, Mode: mode})
}

// Draw bakes the pipeline if needed and records a draw node.
func (b *Batch) Draw(vertexCount, instanceCount uint32) error {
	if b.released {
		return ErrReleased
	}
	if b.sh == nil {
		return fmt.Errorf("device: batch %q has no shader", b.name)
	}
	if b.baked == nil {
		inst, err := b.sh.program.Bake(b.class, &b.desc)
		if err != nil {
			return fmt.Errorf("device: batch %q: %w", b.name, err)
		}
		b.baked = inst
	}
	b.f.recordDraw(b.name, b.baked.Handle(), b.accesses, vertexCount, instanceCount)
	return nil
}

// Instance returns the baked pipeline, nil before the first draw.
func (b *Batch) Instance() *pipeline.StateInstance { return b.baked }

func (b *Batch) Release() {
	if b.released {
		return
	}
	b.released = true
	b.f.discard(b)
}

// Pipelines belong to the shader's cache, not the batch.
func (b *Batch) free() {}
