package generate

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/gretacore/gretacore/buffer"
	"github.com/gretacore/gretacore/dtype"
	"github.com/gretacore/gretacore/gpu"
	"github.com/gretacore/gretacore/scheduler"
	"github.com/gretacore/gretacore/util/json"
)

// Tokenizer is the minimal text<->id surface a Generator optionally
// uses; callers that already have token ids may pass a nil Tokenizer.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)
}

const eosTokenID = 2

// EmbedDispatcher gathers the embedding rows for tokens into dst
// (shape [len(tokens), dim]).
type EmbedDispatcher func(stream *gpu.Stream, tokenEmbd *buffer.Buffer, tokens []uint32, dst *buffer.Buffer, dim uint32) error

// ArgmaxDispatcher computes argmax(logits) entirely device-side and
// returns the winning token id, avoiding a host round-trip for the
// greedy, untraced decode path (spec §4.10 step 4).
type ArgmaxDispatcher func(stream *gpu.Stream, logits *buffer.Buffer, vocab uint32) (int, error)

// Dependencies bundles the dispatch hooks Generator needs beyond what
// scheduler.Scheduler already wraps.
type Dependencies struct {
	Alloc  buffer.Allocator
	Embed  EmbedDispatcher
	Argmax ArgmaxDispatcher
}

// Stats accumulates the generation-session statistics spec §4.10 step
// 5 describes.
type Stats struct {
	PromptTokens       int
	GeneratedTokens    int
	TotalMS            float64
	TimeToFirstTokenMS float64
	TokensPerSecond    float64
}

// AlignCallback is invoked with each newly generated token id, for
// callers that want streaming output.
type AlignCallback func(tokenID int)

// Generator drives prefill/decode over a borrowed Scheduler (spec
// §4.10).
type Generator struct {
	sched *scheduler.Scheduler
	deps  Dependencies
	tok   Tokenizer
	trace Flags
	logBuf func(string) // sink for trace/debug JSON lines

	currentStep int // 0 during prefill, decode iteration index otherwise; read by traceLayerHook
}

// New constructs a Generator over an already-initialized,
// weights-loaded Scheduler.
func New(sched *scheduler.Scheduler, deps Dependencies, tok Tokenizer, trace Flags, logBuf func(string)) *Generator {
	if logBuf == nil {
		logBuf = func(string) {}
	}
	g := &Generator{sched: sched, deps: deps, tok: tok, trace: trace, logBuf: logBuf}
	sched.SetTraceHook(g.traceLayerHook)
	return g
}

// emitJSON marshals v as a single trace JSON line to logBuf (spec
// §4.10.2: every trace record is its own JSON line).
func (g *Generator) emitJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		g.logBuf(fmt.Sprintf("trace: marshal error: %v", err))
		return
	}
	g.logBuf(string(data))
}

// downloadFloats flushes stream, downloads n float32s at byteOffset
// from buf, and returns them as a host slice.
func (g *Generator) downloadFloats(stream *gpu.Stream, buf *buffer.Buffer, byteOffset uint64, n uint32) ([]float32, error) {
	stream.Flush()
	raw := make([]byte, 4*n)
	if err := buf.DownloadAt(stream, byteOffset, raw); err != nil {
		return nil, err
	}
	stream.Flush()
	return bytesToFloat32(raw), nil
}

// traceLayerHook is wired into the scheduler as its TraceHook; it
// downloads the tagged tensor point and emits a LayerTraceRecord when
// ShouldTraceLayer and the TRACE_EVERY_N stride both pass (spec
// §4.10.2 "Layer trace").
func (g *Generator) traceLayerHook(stream *gpu.Stream, layerIdx int, point string, buf *buffer.Buffer, n uint32) {
	tag := TensorPoint(point)
	if !g.trace.shouldSampleStep(g.currentStep) || !g.trace.ShouldTraceLayer(layerIdx, tag) {
		return
	}
	data, err := g.downloadFloats(stream, buf, 0, n)
	if err != nil {
		g.logBuf(fmt.Sprintf("trace: layer %d point %s: %v", layerIdx, point, err))
		return
	}
	g.emitJSON(BuildLayerTrace(g.currentStep, layerIdx, tag, data))
}

// emitStepTraces emits the Readout/Landscape/StageTrace records for
// one generation step, gated by Flags.ShouldTraceStep (spec §4.10.2
// "Readout"/"Landscape"/"Stage trace"). logits must already be a
// host-resident, vocab-length sample.
func (g *Generator) emitStepTraces(stream *gpu.Stream, phase string, step, tokenIndex int, hiddenBuf *buffer.Buffer, hiddenOffset uint64, dim uint32, logitsBuf *buffer.Buffer, logitsOffset uint64, logits []float32, vocab uint32) {
	if !g.trace.ShouldTraceStep(phase, step) {
		return
	}
	if g.trace.Readout || g.trace.StageTrace {
		hidden, err := g.downloadFloats(stream, hiddenBuf, hiddenOffset, dim)
		if err != nil {
			g.logBuf(fmt.Sprintf("trace: downloading hidden state: %v", err))
			return
		}
		if g.trace.Readout {
			g.emitJSON(BuildReadout(phase, step, tokenIndex, hiddenOffset, hiddenBuf.Memory().Handle(), hidden,
				logitsOffset, logitsBuf.Memory().Handle(), logits, int(vocab)))
		}
		if g.trace.StageTrace {
			g.emitJSON(BuildStageTrace(PointXOut, phase, 0, hidden, &InputMeta{Source: "hidden_state", Offset: hiddenOffset}))
		}
	}
	if g.trace.Landscape {
		g.emitJSON(BuildLandscape(step, logits))
	}
}

// validateShapes checks the architecture invariants spec §4.10 step 1
// names.
func validateShapes(cfg scheduler.Config) error {
	if cfg.VocabSize == 0 || cfg.Dim == 0 || cfg.NumLayers == 0 || cfg.NumHeads == 0 || cfg.NumHeadsKV == 0 || cfg.HeadDim == 0 {
		return fmt.Errorf("generate: model config has a zero-valued dimension: %+v", cfg)
	}
	if cfg.Dim%cfg.NumHeads != 0 {
		return fmt.Errorf("generate: dim %d is not divisible by num_heads %d", cfg.Dim, cfg.NumHeads)
	}
	if cfg.HeadDim != cfg.Dim/cfg.NumHeads {
		return fmt.Errorf("generate: head_dim %d != dim/num_heads (%d)", cfg.HeadDim, cfg.Dim/cfg.NumHeads)
	}
	if cfg.NumHeadsKV > cfg.NumHeads || cfg.NumHeads%cfg.NumHeadsKV != 0 {
		return fmt.Errorf("generate: num_heads_kv %d must divide num_heads %d", cfg.NumHeadsKV, cfg.NumHeads)
	}
	return nil
}

// projectLogits runs the final RMSNorm + output projection over x and
// writes the resulting logits into logits (spec §4.10 "Prefill"/
// "Decode loop" implicit final projection step).
func (g *Generator) projectLogits(stream *gpu.Stream, x, normOut, logits *buffer.Buffer, seqLen uint32) error {
	cfg := g.sched.Config()
	disp := g.sched.Dispatchers()
	if err := disp.RMSNorm(stream, x, g.sched.OutputNorm(), normOut, cfg.Dim, cfg.NormEps); err != nil {
		return fmt.Errorf("generate: output rmsnorm: %w", err)
	}
	if err := disp.GEMM(stream, normOut, g.sched.OutputProjection(), logits, seqLen, cfg.VocabSize, cfg.Dim, false, false, dtype.F32); err != nil {
		return fmt.Errorf("generate: output projection: %w", err)
	}
	return nil
}

// GenerateTokens runs prefill then the decode loop over promptTokens,
// returning the generated token ids and session statistics (spec
// §4.10 "generate_tokens"). ctx is checked between decode steps so a
// caller wired to signalx.Handler can interrupt a long generation;
// a nil ctx runs to completion uninterruptibly.
func (g *Generator) GenerateTokens(ctx context.Context, stream *gpu.Stream, promptTokens []uint32, params SampleParams, align AlignCallback) ([]int, Stats, error) {
	cfg := g.sched.Config()
	if err := validateShapes(cfg); err != nil {
		return nil, Stats{}, err
	}
	if len(promptTokens) == 0 {
		return nil, Stats{}, fmt.Errorf("generate: prompt must be non-empty")
	}

	start := time.Now()
	act := g.sched.ActivationBuffers()

	logitsBuf, err := buffer.Allocate(g.deps.Alloc, dtype.F32.Bytes(uint64(len(promptTokens))*uint64(cfg.VocabSize)), buffer.UsageHostVisible, dtype.F32)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("generate: allocating logits buffer: %w", err)
	}

	g.currentStep = 0

	if err := g.deps.Embed(stream, g.sched.TokenEmbedding(), promptTokens, act.X, cfg.Dim); err != nil {
		return nil, Stats{}, fmt.Errorf("generate: embedding prompt tokens: %w", err)
	}
	if err := g.sched.Forward(stream, promptTokens, 0, uint32(len(promptTokens))); err != nil {
		return nil, Stats{}, fmt.Errorf("generate: prefill forward: %w", err)
	}
	if err := g.projectLogits(stream, act.X, act.NormOut, logitsBuf, uint32(len(promptTokens))); err != nil {
		return nil, Stats{}, err
	}
	stream.Flush()

	hostLogits := make([]byte, 4*cfg.VocabSize)
	lastTokenOffset := uint64(len(promptTokens)-1) * uint64(cfg.VocabSize) * 4
	if err := logitsBuf.DownloadAt(stream, lastTokenOffset, hostLogits); err != nil {
		return nil, Stats{}, fmt.Errorf("generate: downloading prefill logits: %w", err)
	}
	stream.Flush()

	sampler := NewSampler(params, g.logBuf)
	logitsF32 := bytesToFloat32(hostLogits)

	hiddenOffset := uint64(len(promptTokens)-1) * uint64(cfg.Dim) * 4
	g.emitStepTraces(stream, "prefill", 0, len(promptTokens)-1, act.X, hiddenOffset, cfg.Dim, logitsBuf, lastTokenOffset, logitsF32, cfg.VocabSize)

	firstTokenID, err := sampler.Sample(logitsF32, params)
	if err != nil {
		return nil, Stats{}, err
	}
	ttft := time.Since(start)

	if g.trace.LayerTrace {
		g.logBuf(fmt.Sprintf("trace header: prefill complete, prompt_len=%d", len(promptTokens)))
	}

	tokens := []int{firstTokenID}
	if align != nil {
		align(firstTokenID)
	}

	seqPos := g.sched.CurrentSeqPos()
	last := uint32(firstTokenID)

	for i := 1; i < params.MaxTokens; i++ {
		if int(last) == eosTokenID {
			break
		}
		if ctx != nil && ctx.Err() != nil {
			break
		}
		g.currentStep = i

		if err := g.deps.Embed(stream, g.sched.TokenEmbedding(), []uint32{last}, act.X, cfg.Dim); err != nil {
			return nil, Stats{}, fmt.Errorf("generate: embedding decode token: %w", err)
		}
		if err := g.sched.Forward(stream, []uint32{last}, seqPos, 1); err != nil {
			return nil, Stats{}, fmt.Errorf("generate: decode forward: %w", err)
		}
		seqPos = g.sched.CurrentSeqPos()

		if err := g.projectLogits(stream, act.X, act.NormOut, logitsBuf, 1); err != nil {
			return nil, Stats{}, err
		}

		needsHostCopy := !params.Greedy || g.trace.LayerTrace || g.trace.Readout || g.trace.Landscape || align != nil
		var tokenID int
		if !needsHostCopy && g.deps.Argmax != nil {
			tokenID, err = g.deps.Argmax(stream, logitsBuf, cfg.VocabSize)
			if err != nil {
				return nil, Stats{}, fmt.Errorf("generate: device argmax: %w", err)
			}
		} else {
			stream.Flush()
			if err := logitsBuf.DownloadAt(stream, 0, hostLogits); err != nil {
				return nil, Stats{}, fmt.Errorf("generate: downloading decode logits: %w", err)
			}
			stream.Flush()
			logitsF32 = bytesToFloat32(hostLogits)
			tokenID, err = sampler.Sample(logitsF32, params)
			if err != nil {
				return nil, Stats{}, err
			}
		}

		g.emitStepTraces(stream, "decode", i, i, act.X, 0, cfg.Dim, logitsBuf, 0, logitsF32, cfg.VocabSize)

		tokens = append(tokens, tokenID)
		if align != nil {
			align(tokenID)
		}
		last = uint32(tokenID)
	}

	elapsed := time.Since(start)
	stats := Stats{
		PromptTokens:       len(promptTokens),
		GeneratedTokens:    len(tokens),
		TotalMS:            float64(elapsed.Microseconds()) / 1000.0,
		TimeToFirstTokenMS: float64(ttft.Microseconds()) / 1000.0,
	}
	if elapsed > 0 {
		stats.TokensPerSecond = float64(stats.GeneratedTokens) / elapsed.Seconds()
	}
	return tokens, stats, nil
}

func bytesToFloat32(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		bits := binary.LittleEndian.Uint32(b[i*4:])
		out[i] = math.Float32frombits(bits)
	}
	return out
}
