// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package backend

import (
	"fmt"
	"sort"
	"strings"
)

// DeviceClass is a coarse adapter category used for ranking.
type DeviceClass uint8

const (
	DeviceClassOther DeviceClass = iota
	DeviceClassIntegrated
	DeviceClassDiscrete
	DeviceClassSoftware
)

func (c DeviceClass) String() string {
	switch c {
	case DeviceClassIntegrated:
		return "integrated"
	case DeviceClassDiscrete:
		return "discrete"
	case DeviceClassSoftware:
		return "software"
	}
	return "other"
}

// Vendor is the GPU vendor classification used for workaround matching.
type Vendor uint8

const (
	VendorUnknown Vendor = iota
	VendorAMD
	VendorNVIDIA
	VendorIntel
	VendorApple
	VendorQualcomm
)

func (v Vendor) String() string {
	switch v {
	case VendorAMD:
		return "amd"
	case VendorNVIDIA:
		return "nvidia"
	case VendorIntel:
		return "intel"
	case VendorApple:
		return "apple"
	case VendorQualcomm:
		return "qualcomm"
	}
	return "unknown"
}

// ClassifyVendor derives the vendor from an adapter name when the
// native API does not expose a vendor ID. Matching is substring based,
// mirroring how driver names appear in practice ("AMD Radeon RX 7900",
// "NVIDIA GeForce RTX 4080", "Apple M3", "Intel(R) Arc(TM)").
func ClassifyVendor(name string) Vendor {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "amd"), strings.Contains(n, "radeon"),
		strings.Contains(n, "ati "):
		return VendorAMD
	case strings.Contains(n, "nvidia"), strings.Contains(n, "geforce"),
		strings.Contains(n, "quadro"):
		return VendorNVIDIA
	case strings.Contains(n, "intel"):
		return VendorIntel
	case strings.Contains(n, "apple"):
		return VendorApple
	case strings.Contains(n, "adreno"), strings.Contains(n, "qualcomm"):
		return VendorQualcomm
	}
	return VendorUnknown
}

// AdapterInfo identifies one enumerated adapter.
type AdapterInfo struct {
	// Name is the driver-reported device name.
	Name string

	// VendorID and DeviceID are the PCI identifiers when the native API
	// exposes them, zero otherwise.
	VendorID uint32
	DeviceID uint32

	// Index is the enumeration position within the backend. Together
	// with the IDs it forms the stable identifier.
	Index int

	// Class is the coarse device category.
	Class DeviceClass

	// Driver is the driver version string when available.
	Driver string
}

// Identifier returns the stable adapter identifier: the vendor ID,
// device ID, and enumeration index as a hex triple. Adapters with equal
// names (multi-GPU systems with identical cards) stay distinguishable
// through the index component.
func (a AdapterInfo) Identifier() string {
	return fmt.Sprintf("%x/%x/%x", a.VendorID, a.DeviceID, a.Index)
}

// Vendor classifies the adapter's vendor from its PCI ID when present,
// falling back to name matching.
func (a AdapterInfo) Vendor() Vendor {
	switch a.VendorID {
	case 0x1002:
		return VendorAMD
	case 0x10de:
		return VendorNVIDIA
	case 0x8086:
		return VendorIntel
	case 0x106b:
		return VendorApple
	case 0x5143:
		return VendorQualcomm
	}
	return ClassifyVendor(a.Name)
}

// SortAdapters orders adapters deterministically: by name, then by
// enumeration index. Native APIs do not guarantee a stable enumeration
// order across runs, and device selection must not silently change
// between sessions of the same application on the same machine.
func SortAdapters(adapters []Adapter) {
	sort.SliceStable(adapters, func(i, j int) bool {
		ai, aj := adapters[i].Info(), adapters[j].Info()
		if ai.Name != aj.Name {
			return ai.Name < aj.Name
		}
		return ai.Index < aj.Index
	})
}

// VertexFetchFormat names packed vertex formats whose support varies
// between drivers and must be probed at startup.
type VertexFetchFormat uint8

const (
	// VertexFetchR8G8B8 is three unsigned 8-bit channels with no
	// padding. Several drivers cannot fetch 24-bit elements and need
	// the data repacked to four channels on the host.
	VertexFetchR8G8B8 VertexFetchFormat = iota

	// VertexFetchR16G16B16 is the 48-bit analogue.
	VertexFetchR16G16B16
)

func (f VertexFetchFormat) String() string {
	switch f {
	case VertexFetchR8G8B8:
		return "r8g8b8"
	case VertexFetchR16G16B16:
		return "r16g16b16"
	}
	return "unknown"
}
