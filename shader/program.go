// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package shader

import (
	"errors"
	"fmt"
	"log/slog"

	rendercore "github.com/gogpu/rendercore"
	"github.com/gogpu/rendercore/backend"
	"github.com/gogpu/rendercore/pipeline"
)

// Program errors.
var (
	// ErrNilDevice is returned when creating a program without a device.
	ErrNilDevice = errors.New("shader: device is nil")

	// ErrNoSource is returned when a program declares neither a
	// vertex/fragment pair nor a compute stage.
	ErrNoSource = errors.New("shader: no stage sources")

	// ErrDestroyed is returned when using a destroyed program.
	ErrDestroyed = errors.New("shader: program destroyed")
)

// Descriptor describes a program to create. Graphics programs need
// both VertexSource and FragmentSource; compute programs need
// ComputeSource; a program may carry all three.
type Descriptor struct {
	Name string

	VertexSource   string
	FragmentSource string
	ComputeSource  string

	Reflection Reflection

	// Parent, when set, seeds the new program's pipeline cache with
	// every permutation the parent has baked.
	Parent *Program
}

// Option configures program creation.
type Option func(*options)

type options struct {
	translator *Translator
	log        *slog.Logger
}

// WithTranslator overrides the shared translation cache, mainly so
// tests can substitute a stub for the cross-compiler.
func WithTranslator(t *Translator) Option {
	return func(o *options) { o.translator = t }
}

// WithLogger overrides the module logger for this program.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// sharedTranslator is the process-wide translation cache. Programs
// created without WithTranslator share it, so identical sources
// translate once per process rather than once per program.
var sharedTranslator = NewTranslator(nil)

// Program owns compiled stage libraries, the reflected interface, the
// push-constant store, and a pipeline state cache. Destroying the
// program destroys the cache and its pipelines.
type Program struct {
	name      string
	device    backend.Device
	libs      pipeline.StageLibraries
	refl      Reflection
	push      *pushStore
	cache     *pipeline.Cache
	log       *slog.Logger
	destroyed bool
}

// NewProgram translates the sources, compiles the stage libraries, and
// creates the program's pipeline cache. When desc.Parent is set the
// cache is warmed with the parent's baked permutations.
func NewProgram(device backend.Device, desc Descriptor, opts ...Option) (*Program, error) {
	if device == nil {
		return nil, ErrNilDevice
	}
	hasGraphics := desc.VertexSource != "" && desc.FragmentSource != ""
	hasCompute := desc.ComputeSource != ""
	if !hasGraphics && !hasCompute {
		return nil, ErrNoSource
	}

	o := options{translator: sharedTranslator, log: rendercore.Logger()}
	for _, opt := range opts {
		opt(&o)
	}

	p := &Program{
		name:   desc.Name,
		device: device,
		refl:   desc.Reflection,
		push:   newPushStore(desc.Reflection.PushConstantSize),
		log:    o.log,
	}

	compile := func(label string, stage backend.ShaderStage, source string) (backend.ShaderLibrary, error) {
		words, err := o.translator.Translate(source)
		if err != nil {
			return nil, err
		}
		lib, err := device.CreateShaderLibrary(&backend.ShaderLibraryDescriptor{
			Label: label,
			Stage: stage,
			SPIRV: words,
		})
		if err != nil {
			return nil, err
		}
		return lib, nil
	}

	var err error
	if hasGraphics {
		p.libs.Vertex, err = compile(desc.Name+"_vert", backend.StageVertex, desc.VertexSource)
		if err != nil {
			return nil, fmt.Errorf("shader: program %q vertex stage: %w", desc.Name, err)
		}
		p.libs.Fragment, err = compile(desc.Name+"_frag", backend.StageFragment, desc.FragmentSource)
		if err != nil {
			p.destroyLibs()
			return nil, fmt.Errorf("shader: program %q fragment stage: %w", desc.Name, err)
		}
	}
	if hasCompute {
		p.libs.Compute, err = compile(desc.Name+"_comp", backend.StageCompute, desc.ComputeSource)
		if err != nil {
			p.destroyLibs()
			return nil, fmt.Errorf("shader: program %q compute stage: %w", desc.Name, err)
		}
	}

	p.cache, err = pipeline.NewCache(device, p.libs, desc.Reflection.Interface(), o.log)
	if err != nil {
		p.destroyLibs()
		return nil, err
	}

	if desc.Parent != nil {
		p.cache.WarmUpFrom(desc.Parent.cache)
		o.log.Debug("program cache warmed from parent",
			"program", desc.Name, "parent", desc.Parent.name,
			"permutations", p.cache.Size())
	}

	o.log.Info("program created",
		"program", desc.Name,
		"graphics", hasGraphics,
		"compute", hasCompute)
	return p, nil
}

// Name returns the program's debug name.
func (p *Program) Name() string { return p.name }

// HasCompute reports whether the program carries a compute library.
func (p *Program) HasCompute() bool { return p.libs.Compute != nil }

// Cache returns the program's pipeline state cache.
func (p *Program) Cache() *pipeline.Cache { return p.cache }

// Reflection returns the program's declared interface.
func (p *Program) Reflection() *Reflection { return &p.refl }

// Bake returns the pipeline instance for a descriptor, compiling it on
// first use.
func (p *Program) Bake(class pipeline.TopologyClass, desc *pipeline.Descriptor) (*pipeline.StateInstance, error) {
	if p.destroyed {
		return nil, ErrDestroyed
	}
	return p.cache.BakeRender(class, desc)
}

// BakeCompute returns the compute variant for a specialization set.
func (p *Program) BakeCompute(specs []backend.SpecConstant, totalThreads uint32) (*pipeline.StateInstance, error) {
	if p.destroyed {
		return nil, ErrDestroyed
	}
	return p.cache.BakeCompute(specs, totalThreads)
}

// SetPushConstants writes data into the push-constant block at offset.
// Writes that do not change the stored bytes are free. Returns false
// when the write is out of range for the declared block.
func (p *Program) SetPushConstants(offset int, data []byte) bool {
	ok := p.push.set(offset, data)
	if !ok {
		p.log.Warn("push constant write out of range",
			"program", p.name,
			"offset", offset,
			"size", len(data),
			"block_size", len(p.push.data))
	}
	return ok
}

// DirtyPushConstants returns the push-constant block when it changed
// since the last call, nil otherwise. The caller uploads the returned
// bytes before the next draw.
func (p *Program) DirtyPushConstants() []byte {
	return p.push.bytesIfDirty()
}

// Destroy releases the pipeline cache and the stage libraries.
// Idempotent.
func (p *Program) Destroy() {
	if p.destroyed {
		return
	}
	p.destroyed = true
	p.cache.DestroyAll()
	p.destroyLibs()
	p.log.Info("program destroyed", "program", p.name)
}

func (p *Program) destroyLibs() {
	if p.libs.Vertex != nil {
		p.device.DestroyShaderLibrary(p.libs.Vertex)
		p.libs.Vertex = nil
	}
	if p.libs.Fragment != nil {
		p.device.DestroyShaderLibrary(p.libs.Fragment)
		p.libs.Fragment = nil
	}
	if p.libs.Compute != nil {
		p.device.DestroyShaderLibrary(p.libs.Compute)
		p.libs.Compute = nil
	}
}
