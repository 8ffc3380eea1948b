// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package headless

import (
	"github.com/gogpu/rendercore/backend"
)

// OpKind discriminates recorded commands.
type OpKind uint8

const (
	OpBindPipeline OpKind = iota
	OpDraw
	OpDispatch
	OpDispatchIndirect
	OpBarrier
)

func (k OpKind) String() string {
	switch k {
	case OpBindPipeline:
		return "bind"
	case OpDraw:
		return "draw"
	case OpDispatch:
		return "dispatch"
	case OpDispatchIndirect:
		return "dispatch-indirect"
	case OpBarrier:
		return "barrier"
	}
	return "unknown"
}

// Op is one recorded command.
type Op struct {
	Kind     OpKind
	Pipeline backend.PipelineHandle
	Args     [4]uint32
	Buffer   backend.BufferHandle
	Offset   uint64
}

// Recorder captures the command stream instead of executing it, so
// tests can assert ordering and barrier placement.
type Recorder struct {
	Label string
	Ops   []Op
}

func (r *Recorder) BindPipeline(h backend.PipelineHandle) {
	r.Ops = append(r.Ops, Op{Kind: OpBindPipeline, Pipeline: h})
}

func (r *Recorder) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	r.Ops = append(r.Ops, Op{
		Kind: OpDraw,
		Args: [4]uint32{vertexCount, instanceCount, firstVertex, firstInstance},
	})
}

func (r *Recorder) Dispatch(groupsX, groupsY, groupsZ uint32) {
	r.Ops = append(r.Ops, Op{
		Kind: OpDispatch,
		Args: [4]uint32{groupsX, groupsY, groupsZ, 0},
	})
}

func (r *Recorder) DispatchIndirect(buf backend.BufferHandle, offset uint64) {
	r.Ops = append(r.Ops, Op{Kind: OpDispatchIndirect, Buffer: buf, Offset: offset})
}

func (r *Recorder) Barrier() {
	r.Ops = append(r.Ops, Op{Kind: OpBarrier})
}

// Kinds returns the op kinds in recorded order, a convenience for
// compact test assertions.
func (r *Recorder) Kinds() []OpKind {
	kinds := make([]OpKind, len(r.Ops))
	for i, op := range r.Ops {
		kinds[i] = op.Kind
	}
	return kinds
}
