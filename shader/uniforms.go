// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package shader

import (
	"bytes"
)

// pushStore is the CPU-side backing of a program's push-constant
// block. Writes that do not change the bytes leave the dirty flag
// alone, so redundant per-draw updates cost one compare and no upload.
//
// The store belongs to the render thread; it is not synchronized.
type pushStore struct {
	data  []byte
	dirty bool
}

func newPushStore(size int) *pushStore {
	return &pushStore{data: make([]byte, size)}
}

// set copies src into the store at offset. Returns false when src is
// out of range for the block.
func (p *pushStore) set(offset int, src []byte) bool {
	if offset < 0 || offset+len(src) > len(p.data) {
		return false
	}
	dst := p.data[offset : offset+len(src)]
	if bytes.Equal(dst, src) {
		return true
	}
	copy(dst, src)
	p.dirty = true
	return true
}

// bytesIfDirty returns the block and resets the dirty flag, or nil
// when nothing changed since the last call.
func (p *pushStore) bytesIfDirty() []byte {
	if !p.dirty {
		return nil
	}
	p.dirty = false
	return p.data
}
