package device

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/rendercore/backend"
	"github.com/gogpu/rendercore/backend/headless"
	"github.com/gogpu/rendercore/graph"
	"github.com/gogpu/rendercore/pipeline"
	"github.com/gogpu/rendercore/shader"
)

func nopLog() *slog.Logger { return slog.New(slog.DiscardHandler) }

func stubTranslator() *shader.Translator {
	return shader.NewTranslator(func(source string) ([]uint32, error) {
		return []uint32{0x07230203}, nil
	})
}

// newFacade returns an initialized facade on the headless backend.
func newFacade(t *testing.T, opts ...Option) *Facade {
	t.Helper()
	opts = append([]Option{
		WithLogger(nopLog()),
		WithBackend(backend.BackendHeadless),
	}, opts...)
	f := New(opts...)
	if err := f.PlatformInit(); err != nil {
		t.Fatalf("PlatformInit: %v", err)
	}
	if err := f.CapabilitiesInit(); err != nil {
		t.Fatalf("CapabilitiesInit: %v", err)
	}
	return f
}

func computeShader(t *testing.T, f *Facade, name string) *Shader {
	t.Helper()
	s, err := f.ShaderAlloc(shader.Descriptor{
		Name:          name,
		ComputeSource: "compute " + name,
	}, shader.WithTranslator(stubTranslator()))
	if err != nil {
		t.Fatalf("ShaderAlloc %q: %v", name, err)
	}
	return s
}

func TestFacadeLifecycle(t *testing.T) {
	f := New(WithLogger(nopLog()), WithBackend(backend.BackendHeadless))
	if !f.IsSupported() {
		t.Fatal("headless backend reported unsupported")
	}
	if _, ok := f.Capabilities(); ok {
		t.Error("capabilities available before CapabilitiesInit")
	}
	if err := f.CapabilitiesInit(); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("CapabilitiesInit before PlatformInit = %v, want ErrNotInitialized", err)
	}

	if err := f.PlatformInit(); err != nil {
		t.Fatalf("PlatformInit: %v", err)
	}
	if err := f.CapabilitiesInit(); err != nil {
		t.Fatalf("CapabilitiesInit: %v", err)
	}
	caps, ok := f.Capabilities()
	if !ok || caps.MaxTextureSize == 0 || caps.MaxParallelCompilations == 0 {
		t.Errorf("capability snapshot incomplete: %+v", caps)
	}
	if f.AdapterInfo().Name != "Headless Reference Device" {
		t.Errorf("adapter name = %q", f.AdapterInfo().Name)
	}

	f.Close()
	f.Close() // idempotent
	if err := f.PlatformInit(); !errors.Is(err, ErrClosed) {
		t.Errorf("PlatformInit after close = %v, want ErrClosed", err)
	}
	if err := f.Reinit(); !errors.Is(err, ErrClosed) {
		t.Errorf("Reinit after close = %v, want ErrClosed", err)
	}
}

// countingBackend counts Close calls on a wrapped backend, standing in
// for a host-owned device connection.
type countingBackend struct {
	backend.GraphicsBackend
	closes int
}

func (c *countingBackend) Close() {
	c.closes++
	c.GraphicsBackend.Close()
}

func TestInjectedBackendSurvivesFacade(t *testing.T) {
	weak := headless.NewAdapter("Weak Device", 0)
	weak.FeatureSet.GeometryShaders = false
	cb := &countingBackend{GraphicsBackend: headless.NewWithAdapters(weak)}

	// A failed init must not tear down the host's backend.
	f := New(WithLogger(nopLog()), WithGraphicsBackend(cb))
	if err := f.PlatformInit(); !errors.Is(err, ErrNoAdapter) {
		t.Fatalf("PlatformInit = %v, want ErrNoAdapter", err)
	}
	if cb.closes != 0 {
		t.Fatalf("failed PlatformInit closed the injected backend %d times", cb.closes)
	}

	f.Close()
	if cb.closes != 0 {
		t.Errorf("facade Close closed the injected backend %d times", cb.closes)
	}
}

func TestReinitWithInjectedBackend(t *testing.T) {
	cb := &countingBackend{GraphicsBackend: headless.NewWithAdapters(
		headless.NewAdapter("Headless Reference Device", 0))}

	f := New(WithLogger(nopLog()), WithGraphicsBackend(cb))
	if err := f.PlatformInit(); err != nil {
		t.Fatalf("PlatformInit: %v", err)
	}
	if err := f.CapabilitiesInit(); err != nil {
		t.Fatalf("CapabilitiesInit: %v", err)
	}

	if err := f.Reinit(); err != nil {
		t.Fatalf("Reinit: %v", err)
	}
	defer f.Close()
	if cb.closes != 0 {
		t.Errorf("Reinit closed the injected backend %d times", cb.closes)
	}
	if f.Device() == nil {
		t.Fatal("no device after Reinit")
	}

	s := computeShader(t, f, "post-reinit")
	if err := f.ComputeDispatch(s, nil, 0, nil, 1, 1, 1); err != nil {
		t.Fatalf("dispatch after Reinit: %v", err)
	}
}

func TestIsSupportedReportsMissingCapabilities(t *testing.T) {
	weak := headless.NewAdapter("Weak Device", 0)
	weak.FeatureSet.GeometryShaders = false
	weak.FeatureSet.DynamicRendering = false

	f := New(WithLogger(nopLog()),
		WithGraphicsBackend(headless.NewWithAdapters(weak)))
	if f.IsSupported() {
		t.Error("adapter without required features reported supported")
	}
	if err := f.PlatformInit(); !errors.Is(err, ErrNoAdapter) {
		t.Errorf("PlatformInit = %v, want ErrNoAdapter", err)
	}
}

func TestAdapterRankingIsDeterministic(t *testing.T) {
	// Enumeration order deliberately scrambled; selection must rank by
	// name, then index.
	f := New(WithLogger(nopLog()),
		WithGraphicsBackend(headless.NewWithAdapters(
			headless.NewAdapter("Beta GPU", 0),
			headless.NewAdapter("Alpha GPU", 2),
			headless.NewAdapter("Alpha GPU", 1),
		)))
	if err := f.PlatformInit(); err != nil {
		t.Fatalf("PlatformInit: %v", err)
	}
	info := f.AdapterInfo()
	if info.Name != "Alpha GPU" || info.Index != 1 {
		t.Errorf("selected %q index %d, want Alpha GPU index 1", info.Name, info.Index)
	}
	if info.Identifier() != "0/0/1" {
		t.Errorf("identifier = %q, want 0/0/1", info.Identifier())
	}
}

func TestForceWorkarounds(t *testing.T) {
	f := newFacade(t, WithForceWorkarounds())
	defer f.Close()
	if f.Workarounds() != backend.ForcedWorkarounds() {
		t.Errorf("workarounds = %+v, want all forced", f.Workarounds())
	}
}

func TestWorkaroundOverridesApply(t *testing.T) {
	// The headless adapter classifies as vendor "unknown".
	o := &Overrides{Vendors: map[string]VendorOverride{
		"unknown": {UnalignedPixelFormats: true},
	}}
	f := newFacade(t, WithOverrides(o))
	defer f.Close()

	wk := f.Workarounds()
	if !wk.UnalignedPixelFormats {
		t.Error("vendor override did not enable the pixel format workaround")
	}
	if wk.VertexFormatR8G8B8 {
		t.Error("override enabled a workaround it never named")
	}

	forced := New(WithLogger(nopLog()), WithBackend(backend.BackendHeadless),
		WithOverrides(&Overrides{Vendors: map[string]VendorOverride{
			"unknown": {ForceWorkarounds: true},
		}}))
	if err := forced.PlatformInit(); err != nil {
		t.Fatalf("PlatformInit: %v", err)
	}
	defer forced.Close()
	if forced.Workarounds() != backend.ForcedWorkarounds() {
		t.Errorf("vendor force_workarounds not honored: %+v", forced.Workarounds())
	}
}

func TestRenderNesting(t *testing.T) {
	f := newFacade(t)
	defer f.Close()

	f.RenderBegin()
	f.RenderBegin()
	f.RenderEnd()
	f.RenderEnd()

	defer func() {
		if recover() == nil {
			t.Error("unbalanced RenderEnd did not panic")
		}
	}()
	f.RenderEnd()
}

func TestDeferredResourceReclamation(t *testing.T) {
	f := newFacade(t)
	defer f.Close()
	hdev := f.Device().(*headless.Device)

	s := computeShader(t, f, "discarded")
	if hdev.LiveObjects() == 0 {
		t.Fatal("shader created no device objects")
	}
	s.Release()
	s.Release() // idempotent

	// First rotation ages the resource, second frees it.
	f.RenderBegin()
	f.RenderEnd()
	if hdev.LiveObjects() == 0 {
		t.Fatal("resource freed one rotation early")
	}
	f.RenderBegin()
	f.RenderEnd()
	if n := hdev.LiveObjects(); n != 0 {
		t.Errorf("LiveObjects after two rotations = %d, want 0", n)
	}
	if f.OrphanCount() != 0 {
		t.Errorf("orphans = %d, want 0", f.OrphanCount())
	}
}

func TestComputeDispatchRecordsAndFlushes(t *testing.T) {
	f := newFacade(t)
	defer f.Close()
	hdev := f.Device().(*headless.Device)

	s := computeShader(t, f, "kernel")
	storage := f.TextureAlloc("result", 64, 64, 0, gputypes.TextureFormatRGBA8Unorm)

	err := f.ComputeDispatch(s, []backend.SpecConstant{{ID: 0, Value: 8}}, 64,
		[]graph.Access{{Resource: storage.ResourceID(), Mode: graph.AccessWrite}}, 8, 8, 1)
	if err != nil {
		t.Fatalf("ComputeDispatch: %v", err)
	}
	err = f.ComputeDispatch(s, []backend.SpecConstant{{ID: 0, Value: 8}}, 64,
		[]graph.Access{{Resource: storage.ResourceID(), Mode: graph.AccessRead}}, 8, 8, 1)
	if err != nil {
		t.Fatalf("second ComputeDispatch: %v", err)
	}

	if err := f.Flush("compute frame"); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if f.Graph().Len() != 0 {
		t.Error("graph not drained by Flush")
	}
	if err := f.Flush("empty"); err != nil {
		t.Errorf("empty flush = %v, want nil", err)
	}

	subs := hdev.Submitted()
	if len(subs) != 1 {
		t.Fatalf("device saw %d submissions, want 1", len(subs))
	}
	kinds := subs[0].Kinds()
	want := []headless.OpKind{
		headless.OpBindPipeline, headless.OpDispatch,
		headless.OpBarrier, headless.OpDispatch,
	}
	if len(kinds) != len(want) {
		t.Fatalf("recorded %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("op %d = %v, want %v", i, kinds[i], want[i])
		}
	}
}

func TestBatchDrawBakesOnce(t *testing.T) {
	f := newFacade(t)
	defer f.Close()
	hdev := f.Device().(*headless.Device)

	s, err := f.ShaderAlloc(shader.Descriptor{
		Name:           "surface",
		VertexSource:   "vertex",
		FragmentSource: "fragment",
		Reflection: shader.Reflection{
			Attributes: []shader.AttributeInput{
				{Name: "position", Location: 0, Format: gputypes.VertexFormatFloat32x3},
			},
		},
	}, shader.WithTranslator(stubTranslator()))
	if err != nil {
		t.Fatalf("ShaderAlloc: %v", err)
	}

	target := f.TextureAlloc("color", 256, 256, 0, gputypes.TextureFormatBGRA8Unorm)
	fb := f.FramebufferAlloc("main")
	if err := fb.AttachColor(0, target); err != nil {
		t.Fatalf("AttachColor: %v", err)
	}
	if err := fb.AttachColor(pipeline.MaxColorAttachments, target); err == nil {
		t.Error("out-of-range color slot accepted")
	}

	b := f.BatchAlloc("tris")
	b.SetShader(s)
	b.SetTopology(pipeline.ClassTriangle)
	b.AddVertexBinding(12, pipeline.VertexAttribute{Location: 0, Format: gputypes.VertexFormatFloat32x3})
	b.SetTarget(fb)
	b.DeclareAccess(target.ResourceID(), graph.AccessWrite)

	if err := b.Draw(3, 1); err != nil {
		t.Fatalf("Draw: %v", err)
	}
	compiles := hdev.CompileCount()
	if err := b.Draw(6, 1); err != nil {
		t.Fatalf("second Draw: %v", err)
	}
	if hdev.CompileCount() != compiles {
		t.Error("unchanged batch re-baked its pipeline")
	}
	if f.Graph().Len() != 2 {
		t.Errorf("graph holds %d nodes, want 2", f.Graph().Len())
	}

	empty := f.BatchAlloc("empty")
	if err := empty.Draw(3, 1); err == nil {
		t.Error("draw without shader succeeded")
	}
}

func TestReinit(t *testing.T) {
	f := newFacade(t)
	s := computeShader(t, f, "survivor")
	_ = s

	if err := f.Reinit(); err != nil {
		t.Fatalf("Reinit: %v", err)
	}
	defer f.Close()
	if f.Device() == nil {
		t.Fatal("no device after Reinit")
	}
	if _, ok := f.Capabilities(); !ok {
		t.Error("capabilities not refreshed by Reinit")
	}

	// The fresh device accepts new work.
	s2 := computeShader(t, f, "fresh")
	if err := f.ComputeDispatch(s2, nil, 0, nil, 1, 1, 1); err != nil {
		t.Fatalf("dispatch after Reinit: %v", err)
	}
}
