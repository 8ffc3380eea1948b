// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package graph accumulates draw and dispatch nodes with declared
// resource accesses, then emits them as one coherent command stream
// with barriers inserted at read/write hazards.
//
// The graph belongs to the render thread. Nodes keep their submission
// order; the hazard pass only decides where execution must be fenced,
// it never reorders. Nodes that merely read the same resources share
// no barrier and may overlap on the device.
package graph

import (
	"errors"
	"fmt"
	"log/slog"

	rendercore "github.com/gogpu/rendercore"
	"github.com/gogpu/rendercore/backend"
)

// ErrEmpty is returned when submitting a graph with no nodes.
var ErrEmpty = errors.New("graph: no nodes recorded")

// ResourceID identifies one resource for hazard tracking. The graph
// does not interpret it; callers allocate IDs for whatever granularity
// they track (buffer, texture, range).
type ResourceID uint64

// AccessMode declares how a node touches a resource.
type AccessMode uint8

const (
	AccessRead AccessMode = iota
	AccessWrite
	AccessReadWrite
)

func (m AccessMode) String() string {
	switch m {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessReadWrite:
		return "read-write"
	}
	return "unknown"
}

func (m AccessMode) reads() bool  { return m == AccessRead || m == AccessReadWrite }
func (m AccessMode) writes() bool { return m == AccessWrite || m == AccessReadWrite }

// Access is one declared resource access of a node.
type Access struct {
	Resource ResourceID
	Mode     AccessMode
}

type nodeKind uint8

const (
	nodeDraw nodeKind = iota
	nodeDispatch
	nodeDispatchIndirect
)

// node is one recorded command with its access set.
type node struct {
	kind     nodeKind
	label    string
	pipeline backend.PipelineHandle
	accesses []Access

	draw           [4]uint32
	groups         [3]uint32
	indirect       backend.BufferHandle
	indirectOffset uint64
}

// Graph is a per-frame command recorder. Reset between frames.
type Graph struct {
	nodes []node
	log   *slog.Logger
}

// New creates an empty graph. A nil logger selects the module logger.
func New(log *slog.Logger) *Graph {
	if log == nil {
		log = rendercore.Logger()
	}
	return &Graph{log: log}
}

// AddDraw records a draw node.
func (g *Graph) AddDraw(label string, pso backend.PipelineHandle, accesses []Access,
	vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	g.nodes = append(g.nodes, node{
		kind:     nodeDraw,
		label:    label,
		pipeline: pso,
		accesses: accesses,
		draw:     [4]uint32{vertexCount, instanceCount, firstVertex, firstInstance},
	})
}

// AddDispatch records a compute dispatch node.
func (g *Graph) AddDispatch(label string, pso backend.PipelineHandle, accesses []Access,
	groupsX, groupsY, groupsZ uint32) {
	g.nodes = append(g.nodes, node{
		kind:     nodeDispatch,
		label:    label,
		pipeline: pso,
		accesses: accesses,
		groups:   [3]uint32{groupsX, groupsY, groupsZ},
	})
}

// AddDispatchIndirect records a dispatch whose group counts live in a
// device buffer. The buffer read is an implicit access of the node.
func (g *Graph) AddDispatchIndirect(label string, pso backend.PipelineHandle, accesses []Access,
	buf backend.BufferHandle, offset uint64) {
	g.nodes = append(g.nodes, node{
		kind:           nodeDispatchIndirect,
		label:          label,
		pipeline:       pso,
		accesses:       accesses,
		indirect:       buf,
		indirectOffset: offset,
	})
}

// Len returns the number of recorded nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Reset drops all nodes, keeping capacity for the next frame.
func (g *Graph) Reset() { g.nodes = g.nodes[:0] }

// Submit encodes the graph into one command submission on the device
// and blocks until the device signals completion. The graph is reset
// on success.
func (g *Graph) Submit(dev backend.Device, label string) error {
	if len(g.nodes) == 0 {
		return ErrEmpty
	}
	rec, err := dev.BeginCommands(label)
	if err != nil {
		return fmt.Errorf("graph: begin %q: %w", label, err)
	}
	barriers := g.Encode(rec)
	if err := dev.SubmitCommands(rec); err != nil {
		return fmt.Errorf("graph: submit %q: %w", label, err)
	}
	g.log.Debug("graph submitted",
		"label", label, "nodes", len(g.nodes), "barriers", barriers)
	g.Reset()
	return nil
}

// Encode writes the hazard-ordered command stream into a recorder and
// returns the number of barriers inserted. Exposed separately from
// Submit so callers composing larger submissions can embed a graph.
func (g *Graph) Encode(rec backend.Recorder) int {
	h := newHazardTracker()
	barriers := 0
	var bound backend.PipelineHandle

	for i := range g.nodes {
		n := &g.nodes[i]
		if h.conflicts(n.accesses) {
			rec.Barrier()
			h.clear()
			barriers++
		}
		h.record(n.accesses)

		if n.pipeline != nil && n.pipeline != bound {
			rec.BindPipeline(n.pipeline)
			bound = n.pipeline
		}

		switch n.kind {
		case nodeDraw:
			rec.Draw(n.draw[0], n.draw[1], n.draw[2], n.draw[3])
		case nodeDispatch:
			rec.Dispatch(n.groups[0], n.groups[1], n.groups[2])
		case nodeDispatchIndirect:
			rec.DispatchIndirect(n.indirect, n.indirectOffset)
		}
	}
	return barriers
}
