// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package rendercore is a GPU render-graph and backend-abstraction core.
//
// rendercore sits between a scene-graph-driven application and the native
// graphics APIs. It exposes one uniform drawing/compute surface and
// internally tracks resource lifetime, dependency ordering, pipeline-state
// permutation caching, and multi-threaded shader compilation, so that an
// interactive editor never stalls on the render thread.
//
// The module is organized bottom-up:
//
//   - backend: the GraphicsBackend/Device abstraction, capability
//     detection, and the concrete backends (wgpu, vulkan probe, headless).
//   - device: the facade owning the device connection, the capability
//     snapshot, workaround flags, and resource factories.
//   - pipeline: the pipeline-state cache keyed by structural descriptors.
//   - shader: shader programs, reflection tables, push constants, and the
//     translation cache in front of the shader cross-compiler.
//   - graph: the per-frame render graph and hazard-ordered submission.
//   - compiler: the shared parallel shader-compilation pool.
//
// Everything except compilation runs on one designated render thread; the
// pipeline cache and the compile queue are the only cross-thread structures.
//
// rendercore produces no log output by default. Call [SetLogger] to enable
// structured logging for the whole module.
package rendercore
