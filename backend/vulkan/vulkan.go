//go:build vulkan

// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package vulkan probes native Vulkan adapters through the goki/vulkan
// bindings. It reports real driver feature bits, device extensions, and
// format support, which the portable wgpu backend cannot see, so
// capability checks and workaround detection use the true hardware
// answers. It is a prober only: Open is not supported and rendering
// goes through the wgpu backend.
//
// The package builds behind the `vulkan` tag because the bindings need
// cgo and a Vulkan loader at link time.
package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/gogpu/rendercore/backend"
)

func init() {
	backend.Register(backend.BackendVulkan, func() backend.GraphicsBackend {
		b, err := New()
		if err != nil {
			return nil
		}
		return b
	})
}

// Backend holds one Vulkan instance used for enumeration.
type Backend struct {
	instance vk.Instance
}

// New loads the Vulkan library and creates the probing instance.
func New() (*Backend, error) {
	if err := vk.SetDefaultGetInstanceProcAddr(); err != nil {
		return nil, fmt.Errorf("vulkan loader: %v: %w", err, backend.ErrNotAvailable)
	}
	if err := vk.Init(); err != nil {
		return nil, fmt.Errorf("vulkan init: %v: %w", err, backend.ErrNotAvailable)
	}

	appInfo := &vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		PApplicationName:   "rendercore\x00",
		PEngineName:        "rendercore\x00",
		ApiVersion:         uint32(vk.MakeVersion(1, 2, 0)),
		ApplicationVersion: uint32(vk.MakeVersion(1, 0, 0)),
	}
	var instance vk.Instance
	ret := vk.CreateInstance(&vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: appInfo,
	}, nil, &instance)
	if ret != vk.Success {
		return nil, fmt.Errorf("vkCreateInstance: %d: %w", ret, backend.ErrNotAvailable)
	}
	return &Backend{instance: instance}, nil
}

func (b *Backend) Name() string { return backend.BackendVulkan }

func (b *Backend) Enumerate() ([]backend.Adapter, error) {
	var count uint32
	if ret := vk.EnumeratePhysicalDevices(b.instance, &count, nil); ret != vk.Success {
		return nil, fmt.Errorf("vkEnumeratePhysicalDevices: %d: %w", ret, backend.ErrNotAvailable)
	}
	if count == 0 {
		return nil, backend.ErrNoAdapters
	}
	devices := make([]vk.PhysicalDevice, count)
	if ret := vk.EnumeratePhysicalDevices(b.instance, &count, devices); ret != vk.Success {
		return nil, fmt.Errorf("vkEnumeratePhysicalDevices: %d: %w", ret, backend.ErrNotAvailable)
	}

	adapters := make([]backend.Adapter, 0, count)
	for i, dev := range devices {
		adapters = append(adapters, newAdapter(dev, i))
	}
	return adapters, nil
}

func (b *Backend) Close() {
	vk.DestroyInstance(b.instance, nil)
}

// Adapter is one probed physical device. All queries run eagerly at
// enumeration time so the adapter is a plain snapshot afterwards.
type Adapter struct {
	physical vk.PhysicalDevice
	info     backend.AdapterInfo
	features backend.FeatureSet
}

func newAdapter(dev vk.PhysicalDevice, index int) *Adapter {
	var props vk.PhysicalDeviceProperties
	vk.GetPhysicalDeviceProperties(dev, &props)
	props.Deref()

	a := &Adapter{
		physical: dev,
		info: backend.AdapterInfo{
			Name:     vk.ToString(props.DeviceName[:]),
			VendorID: props.VendorID,
			DeviceID: props.DeviceID,
			Index:    index,
			Class:    classOf(props.DeviceType),
		},
	}
	a.features = probeFeatures(dev)
	return a
}

func classOf(t vk.PhysicalDeviceType) backend.DeviceClass {
	switch t {
	case vk.PhysicalDeviceTypeDiscreteGpu:
		return backend.DeviceClassDiscrete
	case vk.PhysicalDeviceTypeIntegratedGpu:
		return backend.DeviceClassIntegrated
	case vk.PhysicalDeviceTypeCpu:
		return backend.DeviceClassSoftware
	}
	return backend.DeviceClassOther
}

func probeFeatures(dev vk.PhysicalDevice) backend.FeatureSet {
	var feats vk.PhysicalDeviceFeatures
	vk.GetPhysicalDeviceFeatures(dev, &feats)
	feats.Deref()

	fs := backend.FeatureSet{
		GeometryShaders:           feats.GeometryShader == vk.True,
		DualSourceBlending:        feats.DualSrcBlend == vk.True,
		ImageCubeArrays:           feats.ImageCubeArray == vk.True,
		MultiDrawIndirect:         feats.MultiDrawIndirect == vk.True,
		MultiViewport:             feats.MultiViewport == vk.True,
		ClipDistance:              feats.ShaderClipDistance == vk.True,
		DrawIndirectFirstInstance: feats.DrawIndirectFirstInstance == vk.True,
		FragmentStoresAndAtomics:  feats.FragmentStoresAndAtomics == vk.True,
	}

	var extCount uint32
	if ret := vk.EnumerateDeviceExtensionProperties(dev, "", &extCount, nil); ret != vk.Success {
		return fs
	}
	exts := make([]vk.ExtensionProperties, extCount)
	if ret := vk.EnumerateDeviceExtensionProperties(dev, "", &extCount, exts); ret != vk.Success {
		return fs
	}
	for i := range exts {
		exts[i].Deref()
		fs.Extensions = append(fs.Extensions, vk.ToString(exts[i].ExtensionName[:]))
	}

	// Dynamic rendering ships as an extension on 1.2 drivers; the
	// feature flag mirrors extension presence for the capability table.
	fs.DynamicRendering = fs.HasExtension("VK_KHR_dynamic_rendering")

	// Layer and viewport-index outputs from non-geometry stages.
	fs.ShaderOutputLayer = fs.HasExtension("VK_EXT_shader_viewport_index_layer")
	fs.ShaderOutputViewportIndex = fs.ShaderOutputLayer

	return fs
}

func (a *Adapter) Info() backend.AdapterInfo    { return a.info }
func (a *Adapter) Features() backend.FeatureSet { return a.features }

// SupportsVertexFetch asks the driver whether the packed format is
// usable as a vertex buffer format.
func (a *Adapter) SupportsVertexFetch(f backend.VertexFetchFormat) bool {
	var format vk.Format
	switch f {
	case backend.VertexFetchR8G8B8:
		format = vk.FormatR8g8b8Unorm
	case backend.VertexFetchR16G16B16:
		format = vk.FormatR16g16b16Unorm
	default:
		return true
	}
	var fp vk.FormatProperties
	vk.GetPhysicalDeviceFormatProperties(a.physical, format, &fp)
	fp.Deref()
	return fp.BufferFeatures&vk.FormatFeatureFlags(vk.FormatFeatureVertexBufferBit) != 0
}

// Open is not supported: the prober carries no queue or memory
// allocator. Rendering devices come from the wgpu backend.
func (a *Adapter) Open() (backend.Device, error) {
	return nil, fmt.Errorf("vulkan: prober cannot open devices: %w", backend.ErrUnsupported)
}
