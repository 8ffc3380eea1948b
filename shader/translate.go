// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package shader owns compiled shader programs: stage libraries, the
// reflected resource interface, the push-constant store, and the
// per-program pipeline state cache.
//
// The cross-compiler is opaque to this package. Sources go in, SPIR-V
// words come out, and the translation cache makes repeat translations
// free.
package shader

import (
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/gogpu/naga"
)

// translateShardCount is the number of cache shards. Power of 2 for
// mask-based shard selection.
const translateShardCount = 16

// TranslateFunc converts one shader source to SPIR-V words.
type TranslateFunc func(source string) ([]uint32, error)

// Translate compiles WGSL source to SPIR-V words through the
// cross-compiler. SPIR-V is little-endian 32-bit words.
func Translate(source string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("shader: translate: %w", err)
	}
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}
	return words, nil
}

// translateShard is one lock domain of the translation cache.
type translateShard struct {
	mu      sync.RWMutex
	entries map[uint64][]uint32
}

// Translator memoizes cross-compiler output keyed by source hash.
// Sharded so parallel compile workers translating different sources do
// not serialize on one lock. Only successful translations are cached;
// failures are rare and re-reporting them with a fresh diagnostic is
// worth the repeat work.
type Translator struct {
	shards    [translateShardCount]translateShard
	translate TranslateFunc

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewTranslator creates a translation cache over the cross-compiler.
// A nil fn selects Translate.
func NewTranslator(fn TranslateFunc) *Translator {
	if fn == nil {
		fn = Translate
	}
	t := &Translator{translate: fn}
	for i := range t.shards {
		t.shards[i].entries = make(map[uint64][]uint32)
	}
	return t
}

// Translate returns the cached SPIR-V for source, translating on first
// use. The returned slice is shared; callers must not modify it.
func (t *Translator) Translate(source string) ([]uint32, error) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(source))
	key := h.Sum64()
	shard := &t.shards[key&(translateShardCount-1)]

	shard.mu.RLock()
	words, ok := shard.entries[key]
	shard.mu.RUnlock()
	if ok {
		t.hits.Add(1)
		return words, nil
	}

	shard.mu.Lock()
	defer shard.mu.Unlock()
	if words, ok := shard.entries[key]; ok {
		t.hits.Add(1)
		return words, nil
	}

	words, err := t.translate(source)
	if err != nil {
		return nil, err
	}
	shard.entries[key] = words
	t.misses.Add(1)
	return words, nil
}

// Stats returns hit and miss counts.
func (t *Translator) Stats() (hits, misses uint64) {
	return t.hits.Load(), t.misses.Load()
}

// Len returns the number of cached translations.
func (t *Translator) Len() int {
	total := 0
	for i := range t.shards {
		t.shards[i].mu.RLock()
		total += len(t.shards[i].entries)
		t.shards[i].mu.RUnlock()
	}
	return total
}
