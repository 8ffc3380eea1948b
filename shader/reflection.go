// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package shader

import (
	"github.com/gogpu/gputypes"

	"github.com/gogpu/rendercore/pipeline"
)

// AttributeInput is one vertex input declared by the program.
type AttributeInput struct {
	Name     string
	Location uint32
	Format   gputypes.VertexFormat
}

// BlockBinding is one declared uniform or storage block.
type BlockBinding struct {
	Name    string
	Binding uint32
	Size    uint64
}

// Reflection is the program's declared resource interface. The host
// application provides it alongside the sources; the pipeline cache
// reconciles bound vertex data against it and derives the buffer
// binding bases from it.
type Reflection struct {
	Attributes    []AttributeInput
	UniformBlocks []BlockBinding
	StorageBlocks []BlockBinding

	// PushConstantSize is the byte size of the push-constant block,
	// zero when the program declares none.
	PushConstantSize int
}

// Interface lowers the reflection to the pipeline cache's view.
func (r *Reflection) Interface() pipeline.Interface {
	attrs := make([]pipeline.AttributeDecl, len(r.Attributes))
	for i, a := range r.Attributes {
		attrs[i] = pipeline.AttributeDecl{Location: a.Location, Format: a.Format}
	}
	return pipeline.Interface{
		Attributes:    attrs,
		UniformBlocks: len(r.UniformBlocks),
		StorageBlocks: len(r.StorageBlocks),
	}
}
