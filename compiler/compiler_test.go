package compiler

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gogpu/rendercore/backend"
	"github.com/gogpu/rendercore/backend/headless"
	"github.com/gogpu/rendercore/shader"
)

func nopLog() *slog.Logger { return slog.New(slog.DiscardHandler) }

func testDevice(t *testing.T) *headless.Device {
	t.Helper()
	dev, err := headless.NewAdapter("Headless Reference Device", 0).Open()
	if err != nil {
		t.Fatalf("open headless device: %v", err)
	}
	return dev.(*headless.Device)
}

// gatedTranslator blocks every translation until gate closes, so tests
// can observe batches in their not-ready state.
func gatedTranslator(gate <-chan struct{}, calls *atomic.Int32) *shader.Translator {
	return shader.NewTranslator(func(source string) ([]uint32, error) {
		if gate != nil {
			<-gate
		}
		if calls != nil {
			calls.Add(1)
		}
		return []uint32{0x07230203}, nil
	})
}

func computeDesc(name string) shader.Descriptor {
	return shader.Descriptor{Name: name, ComputeSource: "compute " + name}
}

func waitReady(t *testing.T, c *Compiler, h BatchHandle) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		ready, err := c.BatchIsReady(h)
		if err != nil {
			t.Fatalf("BatchIsReady: %v", err)
		}
		if ready {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("batch never became ready")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestBatchCompileLifecycle(t *testing.T) {
	dev := testDevice(t)
	gate := make(chan struct{})
	c, err := New(dev, WithLogger(nopLog()), WithTranslator(gatedTranslator(gate, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	h, err := c.BatchCompile([]shader.Descriptor{computeDesc("a"), computeDesc("b")})
	if err != nil {
		t.Fatalf("BatchCompile: %v", err)
	}

	if ready, err := c.BatchIsReady(h); err != nil || ready {
		t.Fatalf("batch ready before workers ran (ready=%v err=%v)", ready, err)
	}

	close(gate)
	waitReady(t, c, h)

	// Readiness is monotonic once reached.
	for i := 0; i < 3; i++ {
		if ready, _ := c.BatchIsReady(h); !ready {
			t.Fatal("batch un-readied after becoming ready")
		}
	}

	programs, err := c.BatchFinalize(h)
	if err != nil {
		t.Fatalf("BatchFinalize: %v", err)
	}
	if len(programs) != 2 {
		t.Fatalf("finalize returned %d programs, want 2", len(programs))
	}
	if programs[0].Name() != "a" || programs[1].Name() != "b" {
		t.Errorf("program order = [%s, %s], want [a, b]",
			programs[0].Name(), programs[1].Name())
	}

	// The handle is gone after finalize.
	if _, err := c.BatchIsReady(h); !errors.Is(err, ErrUnknownBatch) {
		t.Errorf("BatchIsReady after finalize = %v, want ErrUnknownBatch", err)
	}
	if _, err := c.BatchFinalize(h); !errors.Is(err, ErrUnknownBatch) {
		t.Errorf("second finalize = %v, want ErrUnknownBatch", err)
	}
}

func TestBatchCompileValidatesBeforeFanOut(t *testing.T) {
	dev := testDevice(t)
	c, err := New(dev, WithLogger(nopLog()), WithTranslator(gatedTranslator(nil, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	_, err = c.BatchCompile([]shader.Descriptor{computeDesc("ok"), {Name: "empty"}})
	if !errors.Is(err, shader.ErrNoSource) {
		t.Fatalf("error = %v, want ErrNoSource", err)
	}
	if dev.CompileCount() != 0 {
		t.Error("validation failure still queued work")
	}
}

func TestPrecompileSpecializations(t *testing.T) {
	dev := testDevice(t)
	tr := gatedTranslator(nil, nil)
	c, err := New(dev, WithLogger(nopLog()), WithTranslator(tr))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	compute, err := shader.NewProgram(dev, computeDesc("kernel"), shader.WithTranslator(tr))
	if err != nil {
		t.Fatalf("compute program: %v", err)
	}
	graphics, err := shader.NewProgram(dev, shader.Descriptor{
		Name: "gfx", VertexSource: "v", FragmentSource: "f",
	}, shader.WithTranslator(tr))
	if err != nil {
		t.Fatalf("graphics program: %v", err)
	}

	h, err := c.PrecompileSpecializations([]Specialization{
		{Program: compute, Constants: []backend.SpecConstant{{ID: 0, Value: 64}}, TotalThreads: 64},
		{Program: compute, Constants: []backend.SpecConstant{{ID: 0, Value: 128}}, TotalThreads: 128},
		{Program: graphics}, // no compute library, skipped
	})
	if err != nil {
		t.Fatalf("PrecompileSpecializations: %v", err)
	}

	results, err := c.BatchFinalize(h)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("batch holds %d items, want 2 (graphics-only skipped)", len(results))
	}
	if compute.Cache().Size() != 2 {
		t.Errorf("compute cache size = %d, want 2 pre-baked variants", compute.Cache().Size())
	}
}

func TestPoolReferenceCounting(t *testing.T) {
	dev := testDevice(t)
	tr := gatedTranslator(nil, nil)

	c1, err := New(dev, WithLogger(nopLog()), WithTranslator(tr))
	if err != nil {
		t.Fatalf("New c1: %v", err)
	}
	if !poolAlive() {
		t.Fatal("pool not spawned on first acquire")
	}
	c2, err := New(dev, WithLogger(nopLog()), WithTranslator(tr))
	if err != nil {
		t.Fatalf("New c2: %v", err)
	}

	c1.Close()
	if !poolAlive() {
		t.Fatal("pool torn down while a reference remains")
	}
	c1.Close() // idempotent, must not double-release
	if !poolAlive() {
		t.Fatal("repeated close released the pool")
	}

	c2.Close()
	if poolAlive() {
		t.Fatal("pool survived the last release")
	}
}

func TestClosedCompilerRejectsWork(t *testing.T) {
	dev := testDevice(t)
	c, err := New(dev, WithLogger(nopLog()), WithTranslator(gatedTranslator(nil, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Close()

	if _, err := c.BatchCompile([]shader.Descriptor{computeDesc("x")}); !errors.Is(err, ErrClosed) {
		t.Errorf("BatchCompile after close = %v, want ErrClosed", err)
	}
	if _, err := c.PrecompileSpecializations(nil); !errors.Is(err, ErrClosed) {
		t.Errorf("PrecompileSpecializations after close = %v, want ErrClosed", err)
	}
}

func TestShutdownForceCompletesItems(t *testing.T) {
	dev := testDevice(t)
	gate := make(chan struct{})
	c, err := New(dev, WithLogger(nopLog()), WithTranslator(gatedTranslator(gate, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	descs := make([]shader.Descriptor, 4)
	for i := range descs {
		descs[i] = computeDesc(fmt.Sprintf("s%d", i))
	}
	h, err := c.BatchCompile(descs)
	if err != nil {
		t.Fatalf("BatchCompile: %v", err)
	}

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()
	close(gate)
	<-closed

	// Shutdown guarantees every item completed, whether compiled or
	// force-marked ready. Finalize must not hang.
	if ready, err := c.BatchIsReady(h); err != nil || !ready {
		t.Fatalf("batch not ready after shutdown (ready=%v err=%v)", ready, err)
	}
	programs, err := c.BatchFinalize(h)
	if len(programs) != 4 {
		t.Fatalf("finalize returned %d items, want 4", len(programs))
	}
	for i, p := range programs {
		if p == nil && err == nil {
			t.Errorf("item %d has no program and no error", i)
		}
	}
}

func TestSubmitAfterShutdownForceCompletes(t *testing.T) {
	p := newPool(1)
	p.shutdown()

	it := &workItem{kind: itemCompileSource}
	p.submit(it)
	if !it.ready.Load() {
		t.Fatal("item submitted after shutdown never completed")
	}
	if !errors.Is(it.err, ErrShutdown) {
		t.Errorf("item error = %v, want ErrShutdown", it.err)
	}
	if it.result != nil {
		t.Error("force-completed item carries a result")
	}
}
