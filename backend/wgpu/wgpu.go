//go:build !nogpu

// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package wgpu is the portable GPU backend over the gogpu/wgpu HAL.
// It enumerates adapters through the HAL's Vulkan path and opens pure-Go
// logical devices, so no cgo or native driver bindings are needed.
package wgpu

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rendercore/backend"
)

func init() {
	backend.Register(backend.BackendWgpu, func() backend.GraphicsBackend {
		b, err := New()
		if err != nil {
			return nil
		}
		return b
	})
}

// Backend enumerates adapters through one HAL instance.
type Backend struct {
	instance hal.Instance
}

// New creates the HAL instance. Returns backend.ErrNotAvailable when
// the Vulkan HAL cannot be loaded in this process.
func New() (*Backend, error) {
	hb, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, fmt.Errorf("vulkan HAL unavailable: %w", backend.ErrNotAvailable)
	}
	instance, err := hb.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("create instance: %w", backend.ErrNotAvailable)
	}
	return &Backend{instance: instance}, nil
}

// NewShared wraps HAL objects owned by a host application, so the host
// device is reused instead of opening a second one. The caller keeps
// ownership; Close on the returned device is a no-op for shared objects.
func NewShared(device, queue any) (backend.Device, error) {
	hd, ok := device.(hal.Device)
	if !ok {
		return nil, fmt.Errorf("wgpu: shared device is %T, not hal.Device", device)
	}
	hq, ok := queue.(hal.Queue)
	if !ok {
		return nil, fmt.Errorf("wgpu: shared queue is %T, not hal.Queue", queue)
	}
	return &Device{
		device: hd,
		queue:  hq,
		limits: gputypes.DefaultLimits(),
		info:   backend.AdapterInfo{Name: "shared host device"},
		shared: true,
	}, nil
}

func (b *Backend) Name() string { return backend.BackendWgpu }

func (b *Backend) Enumerate() ([]backend.Adapter, error) {
	exposed := b.instance.EnumerateAdapters(nil)
	if len(exposed) == 0 {
		return nil, backend.ErrNoAdapters
	}
	adapters := make([]backend.Adapter, 0, len(exposed))
	for i := range exposed {
		adapters = append(adapters, &Adapter{
			exposed: exposed[i],
			info: backend.AdapterInfo{
				Name:  exposed[i].Info.Name,
				Index: i,
				Class: classOf(exposed[i].Info.DeviceType),
			},
		})
	}
	return adapters, nil
}

func (b *Backend) Close() {
	b.instance.Destroy()
}

func classOf(t gputypes.DeviceType) backend.DeviceClass {
	switch t {
	case gputypes.DeviceTypeDiscreteGPU:
		return backend.DeviceClassDiscrete
	case gputypes.DeviceTypeIntegratedGPU:
		return backend.DeviceClassIntegrated
	}
	return backend.DeviceClassOther
}

// Adapter wraps one HAL exposed adapter.
type Adapter struct {
	exposed hal.ExposedAdapter
	info    backend.AdapterInfo
}

func (a *Adapter) Info() backend.AdapterInfo { return a.info }

// Features reports the required feature table as satisfied. The HAL
// opens devices against a fixed feature baseline and the shader
// translator lowers the constructs the portable API lacks, so an
// adapter the HAL exposes is an adapter the upper layers can use.
func (a *Adapter) Features() backend.FeatureSet {
	return backend.FeatureSet{
		GeometryShaders:           true,
		DualSourceBlending:        true,
		ImageCubeArrays:           true,
		MultiDrawIndirect:         true,
		MultiViewport:             true,
		ClipDistance:              true,
		DrawIndirectFirstInstance: true,
		FragmentStoresAndAtomics:  true,
		DynamicRendering:          true,
		ShaderOutputLayer:         true,
		ShaderOutputViewportIndex: true,
		Extensions: []string{
			"VK_KHR_swapchain",
			"VK_KHR_dedicated_allocation",
			"VK_KHR_get_memory_requirements2",
			"VK_KHR_dynamic_rendering",
		},
	}
}

// SupportsVertexFetch reports false for the 24- and 48-bit packed
// formats: the portable API has no three-channel vertex formats, so
// such data always takes the repack path.
func (a *Adapter) SupportsVertexFetch(f backend.VertexFetchFormat) bool {
	switch f {
	case backend.VertexFetchR8G8B8, backend.VertexFetchR16G16B16:
		return false
	}
	return true
}

func (a *Adapter) Open() (backend.Device, error) {
	limits := gputypes.DefaultLimits()
	openDev, err := a.exposed.Adapter.Open(gputypes.Features(0), limits)
	if err != nil {
		return nil, fmt.Errorf("open adapter %q: %w", a.info.Name, err)
	}
	return &Device{
		device: openDev.Device,
		queue:  openDev.Queue,
		limits: limits,
		info:   a.info,
	}, nil
}
