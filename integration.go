// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package rendercore

import (
	"github.com/gogpu/gpucontext"
)

// DeviceHandle provides GPU device access from the host application.
//
// A host that already owns a WebGPU device (for example an application
// built on gogpu) can pass its provider to the facade so that rendercore
// shares the device instead of creating a second one. This is a type
// alias, so any gpucontext.DeviceProvider can be passed directly.
type DeviceHandle = gpucontext.DeviceProvider

// halProvider is the structural interface a DeviceHandle must additionally
// satisfy for the wgpu backend to share its native objects. Both methods
// return the concrete HAL types as any to keep gpucontext free of a
// wgpu dependency; the wgpu backend asserts the real types.
type halProvider interface {
	HalDevice() any
	HalQueue() any
}

// SharedHalObjects extracts the native HAL device and queue from a
// DeviceHandle, when the provider exposes them. The second return is
// false when the handle cannot share native objects, in which case the
// caller must open its own device.
func SharedHalObjects(h DeviceHandle) (device, queue any, ok bool) {
	if h == nil {
		return nil, nil, false
	}
	p, ok := h.(halProvider)
	if !ok {
		return nil, nil, false
	}
	d, q := p.HalDevice(), p.HalQueue()
	if d == nil || q == nil {
		return nil, nil, false
	}
	return d, q, true
}
