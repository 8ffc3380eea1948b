// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package graph

// hazardTracker accumulates the accesses recorded since the last
// barrier and answers whether a new access set would race with them.
//
// A node conflicts when it reads a resource written since the barrier,
// or writes a resource read or written since the barrier. Read-read is
// never a conflict.
type hazardTracker struct {
	reads  map[ResourceID]struct{}
	writes map[ResourceID]struct{}
}

func newHazardTracker() *hazardTracker {
	return &hazardTracker{
		reads:  make(map[ResourceID]struct{}),
		writes: make(map[ResourceID]struct{}),
	}
}

func (h *hazardTracker) conflicts(accesses []Access) bool {
	for _, a := range accesses {
		if _, written := h.writes[a.Resource]; written {
			return true
		}
		if a.Mode.writes() {
			if _, read := h.reads[a.Resource]; read {
				return true
			}
		}
	}
	return false
}

func (h *hazardTracker) record(accesses []Access) {
	for _, a := range accesses {
		if a.Mode.reads() {
			h.reads[a.Resource] = struct{}{}
		}
		if a.Mode.writes() {
			h.writes[a.Resource] = struct{}{}
		}
	}
}

func (h *hazardTracker) clear() {
	clear(h.reads)
	clear(h.writes)
}
