// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package device

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/gogpu/rendercore/backend"
)

// VendorOverride forces workarounds for one vendor. Overrides only
// enable workarounds; detection results are never weakened, since a
// driver that needs a workaround still needs it whatever the file says.
type VendorOverride struct {
	// ForceWorkarounds enables every workaround on this vendor.
	ForceWorkarounds bool `toml:"force_workarounds"`

	UnalignedPixelFormats     bool `toml:"unaligned_pixel_formats"`
	ShaderOutputLayer         bool `toml:"shader_output_layer"`
	ShaderOutputViewportIndex bool `toml:"shader_output_viewport_index"`
	VertexFormatR8G8B8        bool `toml:"vertex_format_r8g8b8"`
}

// Overrides is the parsed workaround override file.
//
//	force_workarounds = false
//
//	[vendor.amd]
//	unaligned_pixel_formats = true
//
//	[vendor.nvidia]
//	force_workarounds = true
type Overrides struct {
	// ForceWorkarounds enables every workaround on every vendor, the
	// file-based equivalent of WithForceWorkarounds.
	ForceWorkarounds bool `toml:"force_workarounds"`

	Vendors map[string]VendorOverride `toml:"vendor"`
}

// LoadOverrides parses a TOML workaround override file.
func LoadOverrides(path string) (*Overrides, error) {
	var o Overrides
	if _, err := toml.DecodeFile(path, &o); err != nil {
		return nil, fmt.Errorf("device: overrides %q: %w", path, err)
	}
	return &o, nil
}

// forceFor reports whether every workaround should be forced for the
// vendor.
func (o *Overrides) forceFor(v backend.Vendor) bool {
	if o == nil {
		return false
	}
	if o.ForceWorkarounds {
		return true
	}
	return o.Vendors[v.String()].ForceWorkarounds
}

// apply merges the vendor's per-flag overrides into a detected record.
func (o *Overrides) apply(v backend.Vendor, w *backend.Workarounds) {
	if o == nil {
		return
	}
	vo, ok := o.Vendors[v.String()]
	if !ok {
		return
	}
	w.UnalignedPixelFormats = w.UnalignedPixelFormats || vo.UnalignedPixelFormats
	w.ShaderOutputLayer = w.ShaderOutputLayer || vo.ShaderOutputLayer
	w.ShaderOutputViewportIndex = w.ShaderOutputViewportIndex || vo.ShaderOutputViewportIndex
	w.VertexFormatR8G8B8 = w.VertexFormatR8G8B8 || vo.VertexFormatR8G8B8
}
