package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/rendercore/backend"
	"github.com/gogpu/rendercore/backend/headless"
)

func testDevice(t *testing.T) *headless.Device {
	t.Helper()
	dev, err := headless.NewAdapter("Headless Reference Device", 0).Open()
	if err != nil {
		t.Fatalf("open headless device: %v", err)
	}
	return dev.(*headless.Device)
}

func testLibs(t *testing.T, d *headless.Device, withCompute bool) StageLibraries {
	t.Helper()
	mk := func(label string, stage backend.ShaderStage) backend.ShaderLibrary {
		lib, err := d.CreateShaderLibrary(&backend.ShaderLibraryDescriptor{
			Label: label, Stage: stage, WGSL: "fn main() {}",
		})
		if err != nil {
			t.Fatalf("create %s library: %v", stage, err)
		}
		return lib
	}
	libs := StageLibraries{
		Vertex:   mk("test_vert", backend.StageVertex),
		Fragment: mk("test_frag", backend.StageFragment),
	}
	if withCompute {
		libs.Compute = mk("test_comp", backend.StageCompute)
	}
	return libs
}

// testInterface declares two attributes and one uniform block.
func testInterface() Interface {
	return Interface{
		Attributes: []AttributeDecl{
			{Location: 0, Format: gputypes.VertexFormatFloat32x3},
			{Location: 1, Format: gputypes.VertexFormatFloat32x2},
		},
		UniformBlocks: 1,
	}
}

func testDescriptor() *Descriptor {
	d := &Descriptor{
		Attributes: []VertexAttribute{
			{Location: 0, Format: gputypes.VertexFormatFloat32x3, Offset: 0, BufferIndex: 0},
			{Location: 1, Format: gputypes.VertexFormatFloat32x2, Offset: 12, BufferIndex: 0},
		},
		Bindings: []VertexBinding{
			{Stride: 20, StepMode: gputypes.VertexStepModeVertex},
		},
		DepthFormat: gputypes.TextureFormatDepth24PlusStencil8,
		WriteMask:   gputypes.ColorWriteMaskAll,
	}
	d.ColorFormats[0] = gputypes.TextureFormatRGBA8Unorm
	return d
}

func newTestCache(t *testing.T, d *headless.Device, iface Interface) *Cache {
	t.Helper()
	c, err := NewCache(d, testLibs(t, d, true), iface, nil)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	return c
}

func TestBakeRenderIdentity(t *testing.T) {
	dev := testDevice(t)
	c := newTestCache(t, dev, testInterface())

	first, err := c.BakeRender(ClassTriangle, testDescriptor())
	if err != nil {
		t.Fatalf("first bake: %v", err)
	}
	second, err := c.BakeRender(ClassTriangle, testDescriptor())
	if err != nil {
		t.Fatalf("second bake: %v", err)
	}
	if first != second {
		t.Fatal("identical descriptors produced distinct instances")
	}

	hits, misses := c.Stats()
	if hits != 1 || misses != 1 {
		t.Errorf("stats = %d hits / %d misses, want 1/1", hits, misses)
	}
	if dev.CompileCount() != 1 {
		t.Errorf("device compiled %d times, want 1", dev.CompileCount())
	}
}

func TestBakeRenderDistinctDescriptors(t *testing.T) {
	dev := testDevice(t)
	c := newTestCache(t, dev, testInterface())

	base := testDescriptor()
	if _, err := c.BakeRender(ClassTriangle, base); err != nil {
		t.Fatalf("bake: %v", err)
	}

	// A field inert for the current state still separates keys: blend
	// factors with blending disabled.
	edited := testDescriptor()
	edited.Blend.Color.SrcFactor = gputypes.BlendFactorOne
	if _, err := c.BakeRender(ClassTriangle, edited); err != nil {
		t.Fatalf("bake edited: %v", err)
	}

	// Same descriptor, different topology class.
	if _, err := c.BakeRender(ClassLine, testDescriptor()); err != nil {
		t.Fatalf("bake line class: %v", err)
	}

	if got := dev.CompileCount(); got != 3 {
		t.Errorf("device compiled %d times, want 3 distinct permutations", got)
	}
}

func TestBakeRenderSpecializationOrder(t *testing.T) {
	dev := testDevice(t)
	c := newTestCache(t, dev, testInterface())

	a := testDescriptor()
	a.Specialization = []backend.SpecConstant{{ID: 7, Value: 1}, {ID: 2, Value: 5}}
	b := testDescriptor()
	b.Specialization = []backend.SpecConstant{{ID: 2, Value: 5}, {ID: 7, Value: 1}}

	ia, err := c.BakeRender(ClassTriangle, a)
	if err != nil {
		t.Fatalf("bake a: %v", err)
	}
	ib, err := c.BakeRender(ClassTriangle, b)
	if err != nil {
		t.Fatalf("bake b: %v", err)
	}
	if ia != ib {
		t.Fatal("specialization order split the cache")
	}
	if dev.CompileCount() != 1 {
		t.Errorf("device compiled %d times, want 1", dev.CompileCount())
	}
}

func TestBindingBaseFormula(t *testing.T) {
	tests := []struct {
		vertexBuffers int
		uniformBlocks int
		wantUniform   uint32
		wantStorage   uint32
	}{
		{0, 0, 1, 2},
		{1, 0, 2, 3},
		{3, 0, 4, 5},
		{1, 2, 2, 5},
		{2, 1, 3, 5},
		{4, 3, 5, 9},
	}
	for _, tt := range tests {
		u, s := resolveBindingBases(tt.vertexBuffers, tt.uniformBlocks)
		if u != tt.wantUniform || s != tt.wantStorage {
			t.Errorf("resolveBindingBases(%d, %d) = (%d, %d), want (%d, %d)",
				tt.vertexBuffers, tt.uniformBlocks, u, s, tt.wantUniform, tt.wantStorage)
		}
	}
}

func TestBakeRenderBindingBases(t *testing.T) {
	dev := testDevice(t)
	c := newTestCache(t, dev, testInterface())

	inst, err := c.BakeRender(ClassTriangle, testDescriptor())
	if err != nil {
		t.Fatalf("bake: %v", err)
	}
	// One vertex buffer, one uniform block.
	if inst.UniformBase() != 2 {
		t.Errorf("UniformBase = %d, want 2", inst.UniformBase())
	}
	if inst.StorageBase() != 4 {
		t.Errorf("StorageBase = %d, want 4", inst.StorageBase())
	}
}

func TestUnusedAttributeFlagged(t *testing.T) {
	dev := testDevice(t)
	// Shader only declares location 0; the descriptor binds 0 and 1.
	c := newTestCache(t, dev, Interface{
		Attributes: []AttributeDecl{{Location: 0, Format: gputypes.VertexFormatFloat32x3}},
	})

	spec, err := c.buildRenderSpec(ClassTriangle, testDescriptor())
	if err != nil {
		t.Fatalf("buildRenderSpec: %v", err)
	}

	var found bool
	for _, sc := range spec.Specialization {
		if sc.ID == UnusedAttributeSpecBase+1 && sc.Value == 1 {
			found = true
		}
	}
	if !found {
		t.Error("unused attribute at location 1 not flagged via specialization constant")
	}
	// The unused attribute must not appear in the vertex layouts.
	for _, layout := range spec.VertexLayouts {
		for _, a := range layout.Attributes {
			if a.ShaderLocation == 1 {
				t.Error("unused attribute still present in vertex layout")
			}
		}
	}
}

func TestUnboundAttributeRedirectedToNullBuffer(t *testing.T) {
	dev := testDevice(t)
	c := newTestCache(t, dev, testInterface())

	// Bind only location 0; the shader also declares location 1.
	d := testDescriptor()
	d.Attributes = d.Attributes[:1]

	spec, err := c.buildRenderSpec(ClassTriangle, d)
	if err != nil {
		t.Fatalf("buildRenderSpec: %v", err)
	}

	if c.NullBuffer() == nil {
		t.Fatal("null buffer not allocated for unbound attribute")
	}

	last := spec.VertexLayouts[len(spec.VertexLayouts)-1]
	if last.ArrayStride != 0 {
		t.Errorf("null binding stride = %d, want 0", last.ArrayStride)
	}
	var found bool
	for _, a := range last.Attributes {
		if a.ShaderLocation == 1 {
			found = true
		}
	}
	if !found {
		t.Error("unbound attribute not present in the null binding")
	}

	// The buffer is shared: a second bake must not allocate another.
	first := c.NullBuffer()
	if _, err := c.buildRenderSpec(ClassLine, d); err != nil {
		t.Fatalf("second buildRenderSpec: %v", err)
	}
	if c.NullBuffer() != first {
		t.Error("null buffer reallocated instead of reused")
	}
}

func TestBakeRenderGenuineFailure(t *testing.T) {
	dev := testDevice(t)
	dev.Config.CompileHook = func(label string) error {
		return errors.New("SPIR-V validation error at instruction 42")
	}
	c := newTestCache(t, dev, testInterface())

	inst, err := c.BakeRender(ClassTriangle, testDescriptor())
	if inst != nil {
		t.Fatal("failed bake returned a non-nil instance")
	}
	if !errors.Is(err, ErrBakeFailed) {
		t.Fatalf("error = %v, want ErrBakeFailed", err)
	}
	if c.Size() != 0 {
		t.Error("failed bake was cached")
	}
}

func TestBakeRenderWarningKept(t *testing.T) {
	dev := testDevice(t)
	dev.Config.CompileHook = func(label string) error {
		return fmt.Errorf("%s: spilled 3 registers", backend.WarningMarker)
	}
	c := newTestCache(t, dev, testInterface())

	inst, err := c.BakeRender(ClassTriangle, testDescriptor())
	if err != nil {
		t.Fatalf("warning diagnostic aborted the bake: %v", err)
	}
	if inst == nil || inst.Handle() == nil {
		t.Fatal("warning bake lost the pipeline handle")
	}
	if c.Size() != 1 {
		t.Errorf("cache size = %d, want 1", c.Size())
	}
}

func TestBakeComputeKeyedBySpecialization(t *testing.T) {
	dev := testDevice(t)
	c := newTestCache(t, dev, testInterface())

	sp := []backend.SpecConstant{{ID: 0, Value: 64}}
	first, err := c.BakeCompute(sp, 256)
	if err != nil {
		t.Fatalf("bake: %v", err)
	}
	second, err := c.BakeCompute([]backend.SpecConstant{{ID: 0, Value: 64}}, 256)
	if err != nil {
		t.Fatalf("rebake: %v", err)
	}
	if first != second {
		t.Fatal("identical specialization produced distinct compute variants")
	}

	other, err := c.BakeCompute([]backend.SpecConstant{{ID: 0, Value: 128}}, 256)
	if err != nil {
		t.Fatalf("bake other: %v", err)
	}
	if other == first {
		t.Fatal("different specialization shared a compute variant")
	}
}

func TestBakeComputeWideningRetry(t *testing.T) {
	dev := testDevice(t)
	c := newTestCache(t, dev, testInterface())

	sp := []backend.SpecConstant{{ID: 0, Value: 64}}
	first, err := c.BakeCompute(sp, 256)
	if err != nil {
		t.Fatalf("bake: %v", err)
	}
	if first.MaxTotalThreads() != 1024 {
		t.Fatalf("initial capacity = %d, want driver default 1024", first.MaxTotalThreads())
	}
	compiles := dev.CompileCount()

	// Dispatch exceeding the capacity forces one widened recompile.
	widened, err := c.BakeCompute(sp, 2048)
	if err != nil {
		t.Fatalf("widened bake: %v", err)
	}
	if widened == first {
		t.Fatal("overflowing dispatch did not recompile the variant")
	}
	if widened.MaxTotalThreads() != 2048 {
		t.Errorf("widened capacity = %d, want 2048", widened.MaxTotalThreads())
	}
	if dev.CompileCount() != compiles+1 {
		t.Errorf("widening compiled %d extra times, want 1", dev.CompileCount()-compiles)
	}

	// The widened variant is final: no further recompilation.
	again, err := c.BakeCompute(sp, 1<<20)
	if err != nil {
		t.Fatalf("post-widen bake: %v", err)
	}
	if again != widened {
		t.Error("widened variant was recompiled a second time")
	}
}

func TestBakeComputeFirstBakeWidens(t *testing.T) {
	dev := testDevice(t)
	c := newTestCache(t, dev, testInterface())

	// The very first bake already exceeds the driver default capacity
	// of 1024, so the widening retry must run inside that bake.
	inst, err := c.BakeCompute([]backend.SpecConstant{{ID: 0, Value: 1}}, 2048)
	if err != nil {
		t.Fatalf("bake: %v", err)
	}
	if inst.MaxTotalThreads() != 2048 {
		t.Fatalf("capacity = %d, want 2048 from the widening retry", inst.MaxTotalThreads())
	}
	if got := dev.CompileCount(); got != 2 {
		t.Errorf("device compiled %d times, want the initial bake plus one retry", got)
	}

	// The widened variant is final.
	again, err := c.BakeCompute([]backend.SpecConstant{{ID: 0, Value: 1}}, 1<<20)
	if err != nil {
		t.Fatalf("rebake: %v", err)
	}
	if again != inst {
		t.Error("widened variant recompiled after the retry")
	}
}

func TestBakeComputeRequiresLibrary(t *testing.T) {
	dev := testDevice(t)
	c, err := NewCache(dev, testLibs(t, dev, false), testInterface(), nil)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	if _, err := c.BakeCompute(nil, 64); !errors.Is(err, ErrNoComputeLibrary) {
		t.Fatalf("error = %v, want ErrNoComputeLibrary", err)
	}
}

func TestBakeConcurrentSingleCompile(t *testing.T) {
	dev := testDevice(t)
	dev.Config.CompileDelay = 5 * time.Millisecond
	c := newTestCache(t, dev, testInterface())

	const workers = 16
	var wg sync.WaitGroup
	instances := make([]*StateInstance, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			instances[n], errs[n] = c.BakeRender(ClassTriangle, testDescriptor())
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if instances[i] != instances[0] {
			t.Fatal("concurrent bakes returned distinct instances")
		}
	}
	if got := dev.CompileCount(); got != 1 {
		t.Errorf("device compiled %d times under contention, want 1", got)
	}
}

func TestMonotonicInsertionIndex(t *testing.T) {
	dev := testDevice(t)
	c := newTestCache(t, dev, testInterface())

	first, err := c.BakeRender(ClassTriangle, testDescriptor())
	if err != nil {
		t.Fatalf("bake: %v", err)
	}
	second, err := c.BakeRender(ClassLine, testDescriptor())
	if err != nil {
		t.Fatalf("bake: %v", err)
	}
	if second.Index() <= first.Index() {
		t.Errorf("indices not monotonic: %d then %d", first.Index(), second.Index())
	}
}

func TestWarmUpFromParent(t *testing.T) {
	dev := testDevice(t)
	parent := newTestCache(t, dev, testInterface())

	if _, err := parent.BakeRender(ClassTriangle, testDescriptor()); err != nil {
		t.Fatalf("parent bake: %v", err)
	}
	if _, err := parent.BakeRender(ClassLine, testDescriptor()); err != nil {
		t.Fatalf("parent bake: %v", err)
	}

	child := newTestCache(t, dev, testInterface())
	child.WarmUpFrom(parent)
	if child.Size() != 2 {
		t.Errorf("child size after warm-up = %d, want 2", child.Size())
	}
}

func TestDestroyAllReleasesEverything(t *testing.T) {
	dev := testDevice(t)
	c := newTestCache(t, dev, testInterface())

	d := testDescriptor()
	d.Attributes = d.Attributes[:1] // force the null buffer path
	if _, err := c.BakeRender(ClassTriangle, d); err != nil {
		t.Fatalf("bake: %v", err)
	}
	if _, err := c.BakeCompute(nil, 64); err != nil {
		t.Fatalf("compute bake: %v", err)
	}

	c.DestroyAll()
	if c.Size() != 0 {
		t.Errorf("size after DestroyAll = %d, want 0", c.Size())
	}
	if c.NullBuffer() != nil {
		t.Error("null buffer survived DestroyAll")
	}
}

func TestReflectionOutsideInterfaceWarned(t *testing.T) {
	dev := testDevice(t)
	// testInterface declares one uniform block and no storage blocks;
	// with one vertex binding the last legal buffer slot is 3.
	dev.Config.Reflection = []backend.BufferBindingReflection{
		{Stage: backend.StageVertex, Binding: 2, Size: 64, Active: true},
		{Stage: backend.StageFragment, Binding: 40, Size: 16, Active: true},
	}

	var buf bytes.Buffer
	c, err := NewCache(dev, testLibs(t, dev, true), testInterface(),
		slog.New(slog.NewTextHandler(&buf, nil)))
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	if _, err := c.BakeRender(ClassTriangle, testDescriptor()); err != nil {
		t.Fatalf("bake: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "outside the declared interface") {
		t.Errorf("out-of-interface binding not warned about: %q", out)
	}
	if strings.Contains(out, "binding=2") {
		t.Errorf("in-range binding warned about: %q", out)
	}
}

func TestReflectionCrossCheck(t *testing.T) {
	dev := testDevice(t)
	dev.Config.Reflection = []backend.BufferBindingReflection{
		{Stage: backend.StageVertex, Binding: 2, Size: 256, Alignment: 16, Active: true},
	}
	c := newTestCache(t, dev, testInterface())

	inst, err := c.BakeRender(ClassTriangle, testDescriptor())
	if err != nil {
		t.Fatalf("bake: %v", err)
	}
	if inst.CheckBufferSize(backend.StageVertex, 2, 128) {
		t.Error("under-sized buffer passed the reflection check")
	}
	if !inst.CheckBufferSize(backend.StageVertex, 2, 256) {
		t.Error("exactly-sized buffer failed the reflection check")
	}
	if !inst.CheckBufferSize(backend.StageFragment, 9, 1) {
		t.Error("unreflected binding failed the check")
	}
}
