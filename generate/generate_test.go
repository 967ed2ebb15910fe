package generate

import (
	"context"
	"strings"
	"testing"

	"github.com/gretacore/gretacore/buffer"
	"github.com/gretacore/gretacore/dtype"
	"github.com/gretacore/gretacore/gpu"
	"github.com/gretacore/gretacore/scheduler"
)

func TestSamplerGreedyReturnsArgmax(t *testing.T) {
	s := NewSampler(SampleParams{Greedy: true}, nil)
	got, err := s.Sample([]float32{0.1, 5.0, 2.0, -1.0}, SampleParams{Greedy: true})
	if err != nil {
		t.Fatal(err)
	}
	if got != 1 {
		t.Errorf("got %d, want 1 (argmax)", got)
	}
}

func TestSamplerRejectsEmptyLogits(t *testing.T) {
	s := NewSampler(SampleParams{}, nil)
	if _, err := s.Sample(nil, SampleParams{}); err == nil {
		t.Error("expected an error for empty logits")
	}
}

func TestSamplerTopKRestrictsCandidates(t *testing.T) {
	s := NewSampler(SampleParams{Temperature: 1, Seed: 1}, nil)
	logits := []float32{10, 9, -100, -100, -100}
	params := SampleParams{Temperature: 1, TopK: 2, Seed: 1}
	for i := 0; i < 50; i++ {
		got, err := s.Sample(logits, params)
		if err != nil {
			t.Fatal(err)
		}
		if got != 0 && got != 1 {
			t.Fatalf("top_k=2 should only ever pick one of the top 2 candidates, got %d", got)
		}
	}
}

func TestSamplerDebugSummaryEmittedFirstThreeCalls(t *testing.T) {
	var lines []string
	s := NewSampler(SampleParams{Greedy: true}, func(l string) { lines = append(lines, l) })
	for i := 0; i < 5; i++ {
		if _, err := s.Sample([]float32{1, 2, 3}, SampleParams{Greedy: true}); err != nil {
			t.Fatal(err)
		}
	}
	if len(lines) != 3 {
		t.Errorf("got %d debug lines, want exactly 3", len(lines))
	}
}

func TestHashFloatsDeterministic(t *testing.T) {
	v := []float32{1, 2, 3, 4}
	if hashFloats(v) != hashFloats(v) {
		t.Error("hash must be deterministic over identical input")
	}
	if hashFloats(v) == hashFloats([]float32{1, 2, 3, 5}) {
		t.Error("different input should (overwhelmingly likely) hash differently")
	}
}

func TestBuildLandscapeTop1Top2Gap(t *testing.T) {
	rec := BuildLandscape(0, []float32{1, 5, 3, 5.5, 0})
	if rec.Top1 != 3 || rec.Top2 != 1 {
		t.Errorf("got top1=%d top2=%d, want top1=3 top2=1", rec.Top1, rec.Top2)
	}
	if rec.Gap <= 0 {
		t.Errorf("gap should be positive, got %f", rec.Gap)
	}
}

func TestValidateShapesRejectsIndivisibleHeads(t *testing.T) {
	err := validateShapes(scheduler.Config{
		VocabSize: 32, Dim: 10, NumLayers: 1, NumHeads: 3, NumHeadsKV: 3, HeadDim: 3,
	})
	if err == nil {
		t.Error("expected an error when dim is not divisible by num_heads")
	}
}

type fakeAllocator struct{}

func (fakeAllocator) AllocateDevice(size uint64, hostVisible bool) (*gpu.Memory, error) {
	mapped := make([]byte, size)
	return gpu.NewMemory(gpu.HostVisible, dtype.F32, size, 1, mapped, func() {}), nil
}

func TestGenerateTokensRejectsEmptyPrompt(t *testing.T) {
	sched := scheduler.New(fakeAllocator{}, func(*gpu.Stream, *buffer.Buffer, []byte) error { return nil }, scheduler.Dispatchers{}, dtype.F32)
	sched.Init(scheduler.Config{VocabSize: 8, Dim: 4, NumLayers: 1, NumHeads: 1, NumHeadsKV: 1, HeadDim: 4, HiddenDim: 8, MaxSeqLen: 8})
	g := New(sched, Dependencies{Alloc: fakeAllocator{}}, nil, Flags{}, nil)

	s := gpu.NewStream(1, nil)
	defer s.Destroy()
	if _, _, err := g.GenerateTokens(context.Background(), s, nil, SampleParams{Greedy: true, MaxTokens: 4}, nil); err == nil {
		t.Error("expected an error for an empty prompt")
	}
}

func noopDispatchers() scheduler.Dispatchers {
	return scheduler.Dispatchers{
		GEMM: func(*gpu.Stream, *buffer.Buffer, *buffer.Buffer, *buffer.Buffer, uint32, uint32, uint32, bool, bool, dtype.ElementType) error {
			return nil
		},
		RMSNorm: func(*gpu.Stream, *buffer.Buffer, *buffer.Buffer, *buffer.Buffer, uint32, float32) error { return nil },
		AttentionDecode: func(*gpu.Stream, *buffer.Buffer, *buffer.Buffer, *buffer.Buffer, *buffer.Buffer, *buffer.Buffer, uint32, uint32, uint32, uint32, uint32, float32, float32) error {
			return nil
		},
		RoPE:        func(*gpu.Stream, *buffer.Buffer, *buffer.Buffer, uint32, uint32, float32) error { return nil },
		KVAppend:    func(*gpu.Stream, *buffer.Buffer, *buffer.Buffer, *buffer.Buffer, int, uint32, uint32) error { return nil },
		ResidualAdd: func(*gpu.Stream, *buffer.Buffer, *buffer.Buffer, uint32) error { return nil },
		SiLUMul:     func(*gpu.Stream, *buffer.Buffer, *buffer.Buffer, uint32) error { return nil },
	}
}

func newTracedGenerator(t *testing.T, trace Flags, lines *[]string) *Generator {
	t.Helper()
	sched := scheduler.New(fakeAllocator{}, func(*gpu.Stream, *buffer.Buffer, []byte) error { return nil }, noopDispatchers(), dtype.F32)
	cfg := scheduler.Config{VocabSize: 8, Dim: 4, NumLayers: 2, NumHeads: 1, NumHeadsKV: 1, HeadDim: 4, HiddenDim: 8, RopeBase: 10000, NormEps: 1e-5, MaxSeqLen: 8}
	sched.Init(cfg)
	if err := sched.AllocateWeights(); err != nil {
		t.Fatal(err)
	}
	if err := sched.AllocateActivations(1, 8); err != nil {
		t.Fatal(err)
	}

	embed := func(stream *gpu.Stream, tokenEmbd *buffer.Buffer, tokens []uint32, dst *buffer.Buffer, dim uint32) error {
		return nil
	}
	return New(sched, Dependencies{Alloc: fakeAllocator{}, Embed: embed}, nil, trace, func(l string) { *lines = append(*lines, l) })
}

func TestGenerateTokensEmitsLayerTraceJSON(t *testing.T) {
	var lines []string
	g := newTracedGenerator(t, Flags{LayerTrace: true}, &lines)

	s := gpu.NewStream(1, nil)
	defer s.Destroy()
	if _, _, err := g.GenerateTokens(context.Background(), s, []uint32{1, 2}, SampleParams{Greedy: true, MaxTokens: 1}, nil); err != nil {
		t.Fatal(err)
	}

	found := false
	for _, l := range lines {
		if strings.Contains(l, `"tag":"X"`) {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("expected a layer-trace JSON line tagging X, got lines: %v", lines)
	}
}

func TestGenerateTokensEmitsReadoutAndLandscapeJSON(t *testing.T) {
	var lines []string
	g := newTracedGenerator(t, Flags{Readout: true, Landscape: true}, &lines)

	s := gpu.NewStream(1, nil)
	defer s.Destroy()
	if _, _, err := g.GenerateTokens(context.Background(), s, []uint32{1, 2}, SampleParams{Greedy: true, MaxTokens: 1}, nil); err != nil {
		t.Fatal(err)
	}

	var sawReadout, sawLandscape bool
	for _, l := range lines {
		if strings.Contains(l, `"hidden_hash"`) {
			sawReadout = true
		}
		if strings.Contains(l, `"entropy_topk"`) {
			sawLandscape = true
		}
	}
	if !sawReadout {
		t.Errorf("expected a readout JSON line, got lines: %v", lines)
	}
	if !sawLandscape {
		t.Errorf("expected a landscape JSON line, got lines: %v", lines)
	}
}

func TestGenerateTokensUntracedEmitsNoJSON(t *testing.T) {
	var lines []string
	g := newTracedGenerator(t, Flags{}, &lines)

	s := gpu.NewStream(1, nil)
	defer s.Destroy()
	if _, _, err := g.GenerateTokens(context.Background(), s, []uint32{1, 2}, SampleParams{Greedy: true, MaxTokens: 1}, nil); err != nil {
		t.Fatal(err)
	}
	if len(lines) != 1 || !strings.HasPrefix(lines[0], "sampler debug:") {
		t.Errorf("expected only the sampler debug summary with all trace flags off, got %v", lines)
	}
}

func TestFlagsFromEnvParsesLayerToEveryNAndPhase(t *testing.T) {
	t.Setenv("TRACE_LAYER_FROM", "2")
	t.Setenv("TRACE_LAYER_TO", "5")
	t.Setenv("TRACE_EVERY_N", "3")
	t.Setenv("TRACE_PREFILL_DECODE", "decode")

	f := FlagsFromEnv()
	if !f.HasLayerFrom || f.LayerFrom != 2 {
		f2 := f
		t.Errorf("got LayerFrom=%d HasLayerFrom=%v, want 2/true", f2.LayerFrom, f2.HasLayerFrom)
	}
	if !f.HasLayerTo || f.LayerTo != 5 {
		t.Errorf("got LayerTo=%d HasLayerTo=%v, want 5/true", f.LayerTo, f.HasLayerTo)
	}
	if f.EveryN != 3 {
		t.Errorf("got EveryN=%d, want 3", f.EveryN)
	}
	if f.PrefillDecode != "decode" {
		t.Errorf("got PrefillDecode=%q, want %q", f.PrefillDecode, "decode")
	}
}

func TestShouldTraceLayerRespectsLayerRange(t *testing.T) {
	f := Flags{LayerTrace: true, LayerFrom: 2, HasLayerFrom: true, LayerTo: 4, HasLayerTo: true}
	if f.ShouldTraceLayer(1, PointX) {
		t.Error("layer 1 is below LayerFrom, should not trace")
	}
	if !f.ShouldTraceLayer(3, PointX) {
		t.Error("layer 3 is within range, should trace")
	}
	if f.ShouldTraceLayer(5, PointX) {
		t.Error("layer 5 is above LayerTo, should not trace")
	}
}

func TestShouldTraceStepPhaseAndStride(t *testing.T) {
	f := Flags{PrefillDecode: "decode", EveryN: 2}
	if f.ShouldTraceStep("prefill", 0) {
		t.Error("phase filter set to decode should exclude prefill")
	}
	if !f.ShouldTraceStep("decode", 2) {
		t.Error("step 2 with EveryN=2 should sample")
	}
	if f.ShouldTraceStep("decode", 3) {
		t.Error("step 3 with EveryN=2 should not sample")
	}
}
