// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package backend

import (
	"log/slog"
	"runtime"

	"github.com/gogpu/gputypes"
)

// FeatureSet reports the optional device features and extensions an
// adapter supports, as probed before the device is opened.
type FeatureSet struct {
	GeometryShaders           bool
	DualSourceBlending        bool
	ImageCubeArrays           bool
	MultiDrawIndirect         bool
	MultiViewport             bool
	ClipDistance              bool
	DrawIndirectFirstInstance bool
	FragmentStoresAndAtomics  bool
	DynamicRendering          bool

	// ShaderOutputLayer and ShaderOutputViewportIndex report whether a
	// vertex shader may write the layer / viewport index directly. Not
	// required; their absence becomes a workaround, not a rejection.
	ShaderOutputLayer         bool
	ShaderOutputViewportIndex bool

	// Extensions lists the supported device extension names.
	Extensions []string
}

// HasExtension reports whether name appears in the supported extension
// list.
func (fs FeatureSet) HasExtension(name string) bool {
	for _, e := range fs.Extensions {
		if e == name {
			return true
		}
	}
	return false
}

// requiredFeature pairs one mandatory feature flag with the name used
// in the missing-capability report.
type requiredFeature struct {
	name string
	have func(FeatureSet) bool
}

var requiredFeatures = []requiredFeature{
	{"geometryShader", func(f FeatureSet) bool { return f.GeometryShaders }},
	{"dualSrcBlend", func(f FeatureSet) bool { return f.DualSourceBlending }},
	{"imageCubeArray", func(f FeatureSet) bool { return f.ImageCubeArrays }},
	{"multiDrawIndirect", func(f FeatureSet) bool { return f.MultiDrawIndirect }},
	{"multiViewport", func(f FeatureSet) bool { return f.MultiViewport }},
	{"shaderClipDistance", func(f FeatureSet) bool { return f.ClipDistance }},
	{"drawIndirectFirstInstance", func(f FeatureSet) bool { return f.DrawIndirectFirstInstance }},
	{"fragmentStoresAndAtomics", func(f FeatureSet) bool { return f.FragmentStoresAndAtomics }},
	{"dynamicRendering", func(f FeatureSet) bool { return f.DynamicRendering }},
}

// requiredExtensions are the device extensions an adapter must expose
// to qualify. Backends that subsume an extension into a core feature
// report it as present.
var requiredExtensions = []string{
	"VK_KHR_swapchain",
	"VK_KHR_dedicated_allocation",
	"VK_KHR_get_memory_requirements2",
	"VK_KHR_dynamic_rendering",
}

// MissingCapabilities returns the names of every required feature and
// extension the adapter lacks. An empty result means the adapter
// qualifies.
func MissingCapabilities(fs FeatureSet) []string {
	var missing []string
	for _, rf := range requiredFeatures {
		if !rf.have(fs) {
			missing = append(missing, rf.name)
		}
	}
	for _, ext := range requiredExtensions {
		if !fs.HasExtension(ext) {
			missing = append(missing, ext)
		}
	}
	return missing
}

// Workarounds records driver behaviors the upper layers must compensate
// for. Derived once per adapter by DetectWorkarounds and then read-only.
type Workarounds struct {
	// UnalignedPixelFormats: 24- and 48-bit texel formats must be
	// padded to the next power-of-two channel count before upload.
	UnalignedPixelFormats bool

	// ShaderOutputLayer: layered-rendering layer selection must be
	// emulated because vertex shaders cannot write the layer output.
	ShaderOutputLayer bool

	// ShaderOutputViewportIndex: viewport selection must be emulated.
	ShaderOutputViewportIndex bool

	// VertexFormatR8G8B8: three-channel 8-bit vertex data must be
	// repacked to four channels before binding.
	VertexFormatR8G8B8 bool
}

// ForcedWorkarounds returns the maximally conservative record with
// every workaround enabled. Used when workaround forcing is requested
// to exercise the compensation paths on conformant hardware.
func ForcedWorkarounds() Workarounds {
	return Workarounds{
		UnalignedPixelFormats:     true,
		ShaderOutputLayer:         true,
		ShaderOutputViewportIndex: true,
		VertexFormatR8G8B8:        true,
	}
}

// DetectWorkarounds derives the workaround record for an adapter from
// its vendor classification, feature flags, and live format-support
// queries. When force is set every workaround is enabled regardless of
// what the adapter reports.
func DetectWorkarounds(a Adapter, force bool, log *slog.Logger) Workarounds {
	if force {
		log.Info("forcing all driver workarounds",
			"adapter", a.Info().Name)
		return ForcedWorkarounds()
	}

	fs := a.Features()
	var w Workarounds
	w.ShaderOutputLayer = !fs.ShaderOutputLayer
	w.ShaderOutputViewportIndex = !fs.ShaderOutputViewportIndex

	// Known texel-alignment limitation on AMD and Apple drivers.
	switch a.Info().Vendor() {
	case VendorAMD, VendorApple:
		w.UnalignedPixelFormats = true
	}

	w.VertexFormatR8G8B8 = !a.SupportsVertexFetch(VertexFetchR8G8B8)

	if w != (Workarounds{}) {
		log.Debug("driver workarounds detected",
			"adapter", a.Info().Name,
			"unaligned_pixel_formats", w.UnalignedPixelFormats,
			"shader_output_layer", w.ShaderOutputLayer,
			"shader_output_viewport_index", w.ShaderOutputViewportIndex,
			"vertex_format_r8g8b8", w.VertexFormatR8G8B8)
	}
	return w
}

// Capabilities is the read-only device limits snapshot taken once at
// initialization. The render thread reads it without synchronization.
type Capabilities struct {
	MaxTextureSize    int
	MaxTexture3DSize  int
	MaxTextureLayers  int
	MaxSampledTextures int
	MaxSamplers       int
	MaxStorageImages  int

	MaxVertexAttributes int
	MaxVertexBuffers    int
	MaxColorAttachments int

	MaxUniformBuffersPerStage int
	MaxStorageBuffersPerStage int
	MaxStorageBufferSize      uint64
	MaxBufferSize             uint64

	MaxWorkGroupSize         [3]uint32
	MaxWorkGroupCount        [3]uint32
	MaxThreadsPerThreadgroup uint32

	// MaxParallelCompilations bounds how many pipeline compilations the
	// driver handles concurrently. Derived from the host CPU count; the
	// compiler pool clamps its worker count to it.
	MaxParallelCompilations int
}

// CapabilitiesFromLimits builds the snapshot from raw device limits.
func CapabilitiesFromLimits(l gputypes.Limits) Capabilities {
	return Capabilities{
		MaxTextureSize:     int(l.MaxTextureDimension2D),
		MaxTexture3DSize:   int(l.MaxTextureDimension3D),
		MaxTextureLayers:   int(l.MaxTextureArrayLayers),
		MaxSampledTextures: int(l.MaxSampledTexturesPerShaderStage),
		MaxSamplers:        int(l.MaxSamplersPerShaderStage),
		MaxStorageImages:   int(l.MaxStorageTexturesPerShaderStage),

		MaxVertexAttributes: int(l.MaxVertexAttributes),
		MaxVertexBuffers:    int(l.MaxVertexBuffers),
		MaxColorAttachments: int(l.MaxColorAttachments),

		MaxUniformBuffersPerStage: int(l.MaxUniformBuffersPerShaderStage),
		MaxStorageBuffersPerStage: int(l.MaxStorageBuffersPerShaderStage),
		MaxStorageBufferSize:      l.MaxStorageBufferBindingSize,
		MaxBufferSize:             l.MaxBufferSize,

		MaxWorkGroupSize: [3]uint32{
			l.MaxComputeWorkgroupSizeX,
			l.MaxComputeWorkgroupSizeY,
			l.MaxComputeWorkgroupSizeZ,
		},
		MaxWorkGroupCount: [3]uint32{
			l.MaxComputeWorkgroupsPerDimension,
			l.MaxComputeWorkgroupsPerDimension,
			l.MaxComputeWorkgroupsPerDimension,
		},
		MaxThreadsPerThreadgroup: l.MaxComputeInvocationsPerWorkgroup,

		MaxParallelCompilations: runtime.NumCPU(),
	}
}
