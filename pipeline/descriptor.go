// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package pipeline caches compiled pipeline state objects per shader
// program, keyed by structural descriptor.
//
// Pipeline creation is expensive because it involves driver-side
// compilation and validation. Interactive workloads touch the same
// small set of state permutations every frame, so each shader program
// carries a Cache that compiles a permutation at most once.
package pipeline

import (
	"encoding/binary"
	"hash"
	"hash/fnv"
	"sort"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/rendercore/backend"
)

// MaxColorAttachments is the fixed color attachment slot count of a
// descriptor.
const MaxColorAttachments = 8

// TopologyClass is the coarse primitive category a pipeline is baked
// for. State relevant to one class may be meaningless for another, but
// descriptors are never normalized across classes: two descriptors
// differing only in a field the class ignores are distinct cache keys.
type TopologyClass uint8

const (
	ClassPoint TopologyClass = iota
	ClassLine
	ClassTriangle
)

func (c TopologyClass) String() string {
	switch c {
	case ClassPoint:
		return "point"
	case ClassLine:
		return "line"
	case ClassTriangle:
		return "triangle"
	}
	return "unknown"
}

// Topology returns the concrete topology handed to the driver for a
// class.
func (c TopologyClass) Topology() gputypes.PrimitiveTopology {
	switch c {
	case ClassPoint:
		return gputypes.PrimitiveTopologyPointList
	case ClassLine:
		return gputypes.PrimitiveTopologyLineList
	}
	return gputypes.PrimitiveTopologyTriangleList
}

// VertexAttribute describes one attribute slot of the bound vertex
// data.
type VertexAttribute struct {
	// Location is the shader input location the attribute feeds.
	Location uint32

	// Format is the attribute data format.
	Format gputypes.VertexFormat

	// Offset is the byte offset from the start of the vertex.
	Offset uint64

	// BufferIndex selects the vertex binding the attribute reads from.
	BufferIndex uint32
}

// VertexBinding describes one bound vertex buffer slot.
type VertexBinding struct {
	// Stride is the byte stride between consecutive elements. Zero
	// repeats the first element, which is how the shared null buffer
	// feeds unbound attributes.
	Stride uint64

	// StepMode is the input rate (per vertex or per instance).
	StepMode gputypes.VertexStepMode
}

// BlendComponent describes a blend component (color or alpha).
type BlendComponent struct {
	SrcFactor gputypes.BlendFactor
	DstFactor gputypes.BlendFactor
	Operation gputypes.BlendOperation
}

// BlendState describes the color blending configuration of every
// color attachment.
type BlendState struct {
	Color BlendComponent
	Alpha BlendComponent
}

// Descriptor is the immutable structural key of one pipeline state
// permutation. Two descriptors with identical field values hash and
// compare equal regardless of how they were built; no field is ever
// dropped or defaulted during hashing.
type Descriptor struct {
	// Attributes and Bindings describe the currently bound vertex data,
	// not the shader's declared interface. The bake step reconciles the
	// two.
	Attributes []VertexAttribute
	Bindings   []VertexBinding

	// ColorFormats holds the attachment formats; unused slots stay
	// TextureFormatUndefined.
	ColorFormats [MaxColorAttachments]gputypes.TextureFormat

	DepthFormat   gputypes.TextureFormat
	StencilFormat gputypes.TextureFormat

	BlendEnabled bool
	Blend        BlendState
	WriteMask    gputypes.ColorWriteMask

	// Specialization is canonicalized (sorted by constant ID) before
	// hashing so construction order cannot split the cache.
	Specialization []backend.SpecConstant
}

// Normalize sorts the specialization set by constant ID in place.
func (d *Descriptor) Normalize() {
	sort.Slice(d.Specialization, func(i, j int) bool {
		return d.Specialization[i].ID < d.Specialization[j].ID
	})
}

// Hash computes the FNV-1a key of the descriptor for a topology class.
// Normalize must have been called first.
func (d *Descriptor) Hash(class TopologyClass) uint64 {
	h := fnv.New64a()

	hashWriteUint32(h, uint32(class))

	hashWriteUint32(h, uint32(len(d.Attributes)))
	for i := range d.Attributes {
		a := &d.Attributes[i]
		hashWriteUint32(h, a.Location)
		hashWriteUint32(h, uint32(a.Format))
		hashWriteUint64(h, a.Offset)
		hashWriteUint32(h, a.BufferIndex)
	}

	hashWriteUint32(h, uint32(len(d.Bindings)))
	for i := range d.Bindings {
		b := &d.Bindings[i]
		hashWriteUint64(h, b.Stride)
		hashWriteUint32(h, uint32(b.StepMode))
	}

	for _, f := range d.ColorFormats {
		hashWriteUint32(h, uint32(f))
	}
	hashWriteUint32(h, uint32(d.DepthFormat))
	hashWriteUint32(h, uint32(d.StencilFormat))

	// Every field is hashed even when the current state makes it inert
	// (blend factors with blending disabled, stencil format for a class
	// that cannot stencil). Descriptors are never normalized.
	hashWriteBool(h, d.BlendEnabled)
	hashWriteUint32(h, uint32(d.Blend.Color.SrcFactor))
	hashWriteUint32(h, uint32(d.Blend.Color.DstFactor))
	hashWriteUint32(h, uint32(d.Blend.Color.Operation))
	hashWriteUint32(h, uint32(d.Blend.Alpha.SrcFactor))
	hashWriteUint32(h, uint32(d.Blend.Alpha.DstFactor))
	hashWriteUint32(h, uint32(d.Blend.Alpha.Operation))
	hashWriteUint32(h, uint32(d.WriteMask))

	hashWriteUint32(h, uint32(len(d.Specialization)))
	for _, sc := range d.Specialization {
		hashWriteUint32(h, sc.ID)
		hashWriteUint32(h, sc.Value)
	}

	return h.Sum64()
}

// hashSpecSet hashes a specialization set alone, the key of compute
// variants.
func hashSpecSet(specs []backend.SpecConstant) uint64 {
	h := fnv.New64a()
	hashWriteUint32(h, uint32(len(specs)))
	for _, sc := range specs {
		hashWriteUint32(h, sc.ID)
		hashWriteUint32(h, sc.Value)
	}
	return h.Sum64()
}

// hashWriteUint32 writes a uint32 to the hash.
func hashWriteUint32(h hash.Hash64, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, _ = h.Write(buf[:])
}

// hashWriteUint64 writes a uint64 to the hash.
func hashWriteUint64(h hash.Hash64, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, _ = h.Write(buf[:])
}

// hashWriteBool writes a bool to the hash.
func hashWriteBool(h hash.Hash64, v bool) {
	if v {
		_, _ = h.Write([]byte{1})
	} else {
		_, _ = h.Write([]byte{0})
	}
}
