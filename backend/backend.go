// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package backend defines the graphics backend abstraction: adapter
// enumeration, capability detection, and the device surface that the
// higher layers (device facade, pipeline cache, render graph) build on.
//
// Three implementations exist: backend/wgpu (the real GPU path over the
// gogpu/wgpu HAL), backend/vulkan (a native capability prober behind the
// `vulkan` build tag), and backend/headless (an in-memory device used for
// background rendering and tests).
package backend

import (
	"errors"

	"github.com/gogpu/gputypes"
)

// Sentinel errors returned by backend implementations.
var (
	// ErrNotAvailable indicates the backend cannot run in this process
	// (missing native library, no GPU, unsupported platform).
	ErrNotAvailable = errors.New("backend: not available")

	// ErrNoAdapters indicates enumeration succeeded but found no usable
	// GPU adapters.
	ErrNoAdapters = errors.New("backend: no adapters found")

	// ErrDeviceClosed indicates an operation on a device after Close.
	ErrDeviceClosed = errors.New("backend: device closed")

	// ErrCompileFailed indicates a genuine shader or pipeline compile
	// failure. The driver diagnostic is attached via wrapping.
	ErrCompileFailed = errors.New("backend: compilation failed")

	// ErrUnsupported indicates an operation the active backend cannot
	// perform (for example a draw without an attached render target on
	// the portable backend).
	ErrUnsupported = errors.New("backend: operation not supported")
)

// WarningMarker is the substring a driver diagnostic carries when a
// pipeline was created successfully but the driver still reported
// messages. Such diagnostics are benign: the returned handle is valid
// and the bake must not be aborted. Diagnostics without the marker are
// genuine failures.
const WarningMarker = "compiled successfully with warnings"

// ShaderStage identifies one programmable pipeline stage.
type ShaderStage uint8

const (
	StageVertex ShaderStage = iota
	StageFragment
	StageCompute
)

func (s ShaderStage) String() string {
	switch s {
	case StageVertex:
		return "vertex"
	case StageFragment:
		return "fragment"
	case StageCompute:
		return "compute"
	}
	return "unknown"
}

// GraphicsBackend enumerates adapters for one native API.
type GraphicsBackend interface {
	// Name returns the registry name of this backend ("wgpu", "vulkan",
	// "headless").
	Name() string

	// Enumerate lists the physical adapters this backend can open.
	// Returns ErrNotAvailable when the native API cannot be loaded and
	// ErrNoAdapters when the API works but exposes no devices.
	Enumerate() ([]Adapter, error)

	// Close releases the native instance. Adapters and devices obtained
	// from this backend must be closed first.
	Close()
}

// Adapter is one enumerated physical GPU, not yet opened.
type Adapter interface {
	// Info returns static identification for ranking and logging.
	Info() AdapterInfo

	// Features reports the optional-feature flags and device extensions
	// the adapter supports. Used by MissingCapabilities and
	// DetectWorkarounds before a device is opened.
	Features() FeatureSet

	// SupportsVertexFetch reports whether the adapter can source vertex
	// attributes in the given packed format without host-side repacking.
	SupportsVertexFetch(f VertexFetchFormat) bool

	// Open creates the logical device. The caller owns the returned
	// device and must Close it.
	Open() (Device, error)
}

// Device is an opened logical device. All methods except Close must be
// called from the render thread; compile methods are additionally safe
// to call from compiler pool workers.
type Device interface {
	// Info returns the adapter identification this device was opened from.
	Info() AdapterInfo

	// Limits returns the raw device limits used to build the capability
	// snapshot.
	Limits() gputypes.Limits

	// CreateShaderLibrary compiles one shader stage to a native library.
	CreateShaderLibrary(desc *ShaderLibraryDescriptor) (ShaderLibrary, error)

	// DestroyShaderLibrary releases a library created by this device.
	DestroyShaderLibrary(lib ShaderLibrary)

	// CompileRenderPipeline builds a graphics pipeline state object.
	// A non-nil result with a non-nil error is possible when the driver
	// reported a WarningMarker diagnostic; the handle is still valid.
	CompileRenderPipeline(spec *RenderPipelineSpec) (*PipelineResult, error)

	// CompileComputePipeline builds a compute pipeline state object,
	// keyed by specialization constants only.
	CompileComputePipeline(spec *ComputePipelineSpec) (*PipelineResult, error)

	// DestroyPipeline releases a pipeline handle.
	DestroyPipeline(h PipelineHandle)

	// AllocateNullVertexBuffer creates the small shared buffer that
	// backs shader attributes with no bound vertex data. The buffer is
	// read with stride zero, so its content is a single zeroed element.
	AllocateNullVertexBuffer() (BufferHandle, error)

	// DestroyBuffer releases a buffer created by this device.
	DestroyBuffer(b BufferHandle)

	// BeginCommands opens a command recorder for one submission.
	BeginCommands(label string) (Recorder, error)

	// SubmitCommands finishes the recorder and submits its commands,
	// blocking until the device signals completion.
	SubmitCommands(r Recorder) error

	// Close destroys the logical device. Idempotent.
	Close()
}

// Recorder records a linear command stream for one submission. The
// render graph emits its hazard-ordered nodes into a Recorder.
type Recorder interface {
	// BindPipeline makes h current for subsequent draws/dispatches.
	BindPipeline(h PipelineHandle)

	// Draw records a non-indexed draw with the current pipeline.
	Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32)

	// Dispatch records a compute dispatch with the current pipeline.
	Dispatch(groupsX, groupsY, groupsZ uint32)

	// DispatchIndirect records a compute dispatch whose group counts
	// are read from buf at offset.
	DispatchIndirect(buf BufferHandle, offset uint64)

	// Barrier records a full memory barrier between the commands before
	// and after it.
	Barrier()
}

// ShaderLibrary is a compiled single-stage shader module.
type ShaderLibrary interface {
	Label() string
	Stage() ShaderStage
}

// PipelineHandle is an opaque compiled pipeline state object.
type PipelineHandle interface {
	Label() string
}

// BufferHandle is an opaque device buffer.
type BufferHandle interface {
	Size() uint64
}

// ShaderLibraryDescriptor describes one stage to compile. Exactly one
// of WGSL or SPIRV must be set.
type ShaderLibraryDescriptor struct {
	Label string
	Stage ShaderStage
	WGSL  string
	SPIRV []uint32

	// EntryPoint names the stage entry function. Empty selects the
	// conventional name for the stage (vs_main, fs_main, main).
	EntryPoint string
}

// DefaultEntryPoint returns the conventional entry-point name for a
// stage.
func DefaultEntryPoint(s ShaderStage) string {
	switch s {
	case StageVertex:
		return "vs_main"
	case StageFragment:
		return "fs_main"
	}
	return "main"
}

// SpecConstant is one specialization constant value, identified by the
// constant ID declared in the shader.
type SpecConstant struct {
	ID    uint32
	Value uint32
}

// RenderPipelineSpec carries everything a backend needs to build one
// graphics pipeline permutation. The pipeline cache owns descriptor
// hashing and binding-base resolution; the spec is the already-resolved
// form handed to the driver.
type RenderPipelineSpec struct {
	Label    string
	Vertex   ShaderLibrary
	Fragment ShaderLibrary

	VertexLayouts []gputypes.VertexBufferLayout

	ColorFormats  []gputypes.TextureFormat
	DepthFormat   gputypes.TextureFormat
	StencilFormat gputypes.TextureFormat

	Blend     *gputypes.BlendState
	WriteMask gputypes.ColorWriteMask
	Topology  gputypes.PrimitiveTopology

	Specialization []SpecConstant
}

// ComputePipelineSpec describes one compute pipeline permutation.
type ComputePipelineSpec struct {
	Label   string
	Compute ShaderLibrary

	Specialization []SpecConstant

	// MaxTotalThreads overrides the driver's default threadgroup
	// capacity when non-zero. Set on the widening retry after a
	// dispatch exceeded the reported maximum.
	MaxTotalThreads uint32
}

// BufferBindingReflection is the driver's view of one buffer binding,
// read back after pipeline creation. The pipeline cache stores the
// table so later binds can detect under-sized buffers.
type BufferBindingReflection struct {
	Stage     ShaderStage
	Binding   uint32
	Size      uint64
	Alignment uint32
	Active    bool
}

// PipelineResult is the successful output of a pipeline compile.
type PipelineResult struct {
	Handle     PipelineHandle
	Reflection []BufferBindingReflection

	// MaxTotalThreads is the driver-decided threadgroup capacity of a
	// compute pipeline. Zero for render pipelines.
	MaxTotalThreads uint32
}
