// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package pipeline

import (
	"github.com/gogpu/rendercore/backend"
)

// StateInstance is one compiled pipeline permutation. Instances are
// created at most once per unique descriptor, are immutable after
// creation, and live until the owning cache is destroyed.
type StateInstance struct {
	handle backend.PipelineHandle

	uniformBase uint32
	storageBase uint32

	reflection []backend.BufferBindingReflection

	maxTotalThreads uint32
	widened         bool

	// index is the monotonic insertion position within the cache, used
	// by precompilation bookkeeping to tell warm-up entries from
	// on-demand ones.
	index uint64
}

// Handle returns the backend pipeline object.
func (s *StateInstance) Handle() backend.PipelineHandle { return s.handle }

// UniformBase is the first buffer binding index available to uniform
// buffers: the slots below it belong to vertex buffers and the push
// constant block.
func (s *StateInstance) UniformBase() uint32 { return s.uniformBase }

// StorageBase is the first buffer binding index available to storage
// buffers.
func (s *StateInstance) StorageBase() uint32 { return s.storageBase }

// Index is the monotonic insertion index of the instance.
func (s *StateInstance) Index() uint64 { return s.index }

// MaxTotalThreads is the threadgroup capacity of a compute instance,
// zero for render instances.
func (s *StateInstance) MaxTotalThreads() uint32 { return s.maxTotalThreads }

// Reflection returns the driver-reported buffer binding table.
func (s *StateInstance) Reflection() []backend.BufferBindingReflection {
	return s.reflection
}

// CheckBufferSize reports whether a buffer of the given size satisfies
// the reflected requirement of a binding. Bindings the reflection table
// does not mention pass the check.
func (s *StateInstance) CheckBufferSize(stage backend.ShaderStage, binding uint32, size uint64) bool {
	for i := range s.reflection {
		r := &s.reflection[i]
		if r.Stage == stage && r.Binding == binding && r.Active {
			return size >= r.Size
		}
	}
	return true
}

// resolveBindingBases computes the buffer binding base indices for a
// bake. Binding slots are assigned in a fixed order: the vertex buffers
// first, then one slot for the push constant block, then the uniform
// blocks, then one slot reserved for the driver's argument data when
// any uniform blocks exist, then the storage blocks.
func resolveBindingBases(vertexBufferCount, uniformBlockCount int) (uniformBase, storageBase uint32) {
	uniformBase = uint32(vertexBufferCount) + 1
	if uniformBlockCount > 0 {
		storageBase = uniformBase + 1 + uint32(uniformBlockCount)
	} else {
		storageBase = uniformBase + 1
	}
	return uniformBase, storageBase
}
