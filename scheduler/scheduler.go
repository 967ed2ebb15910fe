// Package scheduler executes one transformer layer end-to-end over
// persistent buffers and drives the whole forward pass (spec §4.9).
// It owns no device primitives itself; every dispatch is a hook the
// caller wires to the compute façade, keeping this package testable
// without a real device.
package scheduler

import (
	"fmt"
	"math"

	"github.com/gretacore/gretacore/buffer"
	"github.com/gretacore/gretacore/dtype"
	"github.com/gretacore/gretacore/gpu"
	"github.com/gretacore/gretacore/weights"
)

// Config is the architecture shape the scheduler sizes its buffers
// from; weights.ModelConfig already carries everything spec §4.9 needs.
type Config = weights.ModelConfig

// LayerWeights holds one layer's seven weight buffers and two norm
// buffers (spec §4.9 "allocate_weights").
type LayerWeights struct {
	AttnNorm, FFNNorm      *buffer.Buffer
	Wq, Wk, Wv, Wo         *buffer.Buffer
	W1Gate, W2Down, W3Up   *buffer.Buffer
}

// Activations holds the persistent per-batch working buffers (spec
// §4.9 "allocate_activations").
type Activations struct {
	X, Residual, Q, K, V *buffer.Buffer
	AttnOut, MLPOut      *buffer.Buffer
	NormOut              *buffer.Buffer
	MLPGate, MLPUp       *buffer.Buffer
	KVCache              []*buffer.Buffer // one persistent cache slab per layer
	DPos                 *buffer.Buffer   // single u32, the decode position read on-device
}

// RoPEDispatcher applies rotary position embedding to q and k in place,
// using token positions starting at seqStart.
type RoPEDispatcher func(stream *gpu.Stream, q, k *buffer.Buffer, seqStart, seqLen uint32, ropeBase float32) error

// KVAppendDispatcher appends the S new tokens' K and V into the
// per-layer KV-cache slab at position seqStart (spec §4.9 step 4).
type KVAppendDispatcher func(stream *gpu.Stream, kvCache, k, v *buffer.Buffer, layer int, seqStart, seqLen uint32) error

// ResidualAddDispatcher computes dst += src elementwise over n
// elements (spec §4.9 steps 6 and 10, "x += temp").
type ResidualAddDispatcher func(stream *gpu.Stream, dst, src *buffer.Buffer, n uint32) error

// SiLUMulDispatcher computes gate <- SiLU(gate) * up elementwise (spec
// §4.9 step 9).
type SiLUMulDispatcher func(stream *gpu.Stream, gate, up *buffer.Buffer, n uint32) error

// Dispatchers bundles every compute hook execute_layer drives. Gemm,
// RMSNorm and AttentionDecode mirror the compute façade's contract
// (spec §4.7); the remainder are the elementwise/positional ops the
// façade does not itself expose.
type Dispatchers struct {
	GEMM            func(stream *gpu.Stream, a, b, c *buffer.Buffer, m, n, k uint32, transposeA, transposeB bool, accumType dtype.ElementType) error
	RMSNorm         func(stream *gpu.Stream, input, weight, output *buffer.Buffer, dim uint32, eps float32) error
	AttentionDecode func(stream *gpu.Stream, q, kCache, vCache, dPos, o *buffer.Buffer, numHeads, numHeadsKV, headDim, seqLen, maxSeqLen uint32, scale, ropeBase float32) error
	RoPE            RoPEDispatcher
	KVAppend        KVAppendDispatcher
	ResidualAdd     ResidualAddDispatcher
	SiLUMul         SiLUMulDispatcher
}

// TraceHook is invoked after each tagged tensor point in ExecuteLayer
// completes (spec §4.10.2 "Layer trace"); point is one of the fixed
// tag strings ("X", "norm_out", "Q", ...) the generate package's
// TensorPoint type defines. It is a plain string here, not that type,
// so this package does not need to import generate (which already
// imports scheduler).
type TraceHook func(stream *gpu.Stream, layerIdx int, point string, buf *buffer.Buffer, n uint32)

// Scheduler is the per-model runtime state spec §4.9 describes.
type Scheduler struct {
	cfg    Config
	alloc  buffer.Allocator
	copy   weights.CopyToDevice
	disp   Dispatchers
	elem   dtype.ElementType // weight element type (F32 unless the loaded file is quantized)

	layers []LayerWeights
	act    Activations

	tokenEmbd, outputNorm, outputProj *buffer.Buffer

	initialized   bool
	currentSeqPos uint32

	traceHook TraceHook
}

// SetTraceHook wires hook as the per-tensor-point trace callback
// ExecuteLayer invokes after every named point; pass nil to disable.
func (s *Scheduler) SetTraceHook(hook TraceHook) { s.traceHook = hook }

func (s *Scheduler) trace(stream *gpu.Stream, layerIdx int, point string, buf *buffer.Buffer, n uint32) {
	if s.traceHook != nil {
		s.traceHook(stream, layerIdx, point, buf, n)
	}
}

// New constructs an uninitialized Scheduler; call Init before use.
func New(alloc buffer.Allocator, copy weights.CopyToDevice, disp Dispatchers, elem dtype.ElementType) *Scheduler {
	return &Scheduler{alloc: alloc, copy: copy, disp: disp, elem: elem}
}

// Init records cfg and sizes the per-layer buffer slice (spec §4.9
// "init").
func (s *Scheduler) Init(cfg Config) {
	s.cfg = cfg
	s.layers = make([]LayerWeights, cfg.NumLayers)
	s.initialized = true
	s.currentSeqPos = 0
}

func (s *Scheduler) f32Bytes(n uint32) uint64 {
	return dtype.F32.Bytes(uint64(n))
}

func (s *Scheduler) weightBytes(n uint32) uint64 {
	return s.elem.Bytes(uint64(n))
}

func (s *Scheduler) allocWeight(n uint32) (*buffer.Buffer, error) {
	return buffer.Allocate(s.alloc, s.weightBytes(n), buffer.UsageDeviceOnly, s.elem)
}

func (s *Scheduler) allocNorm(n uint32) (*buffer.Buffer, error) {
	return buffer.Allocate(s.alloc, s.f32Bytes(n), buffer.UsageDeviceOnly, dtype.F32)
}

// AllocateWeights allocates every layer's weight and norm buffers
// (spec §4.9 "allocate_weights").
func (s *Scheduler) AllocateWeights() error {
	if !s.initialized {
		return fmt.Errorf("scheduler: Init must be called before AllocateWeights")
	}
	d, h := s.cfg.Dim, s.cfg.HiddenDim
	for i := range s.layers {
		var l LayerWeights
		var err error
		if l.AttnNorm, err = s.allocNorm(d); err != nil {
			return err
		}
		if l.FFNNorm, err = s.allocNorm(d); err != nil {
			return err
		}
		if l.Wq, err = s.allocWeight(d * d); err != nil {
			return err
		}
		if l.Wk, err = s.allocWeight(d * d); err != nil {
			return err
		}
		if l.Wv, err = s.allocWeight(d * d); err != nil {
			return err
		}
		if l.Wo, err = s.allocWeight(d * d); err != nil {
			return err
		}
		if l.W1Gate, err = s.allocWeight(d * h); err != nil {
			return err
		}
		if l.W3Up, err = s.allocWeight(d * h); err != nil {
			return err
		}
		if l.W2Down, err = s.allocWeight(h * d); err != nil {
			return err
		}
		s.layers[i] = l
	}
	return nil
}

// AllocateActivations allocates the batch/sequence working buffers and
// the KV cache (spec §4.9 "allocate_activations").
func (s *Scheduler) AllocateActivations(batch, maxSeq uint32) error {
	if !s.initialized {
		return fmt.Errorf("scheduler: Init must be called before AllocateActivations")
	}
	d, h := s.cfg.Dim, s.cfg.HiddenDim
	bsd := batch * maxSeq * d
	bsh := batch * maxSeq * h

	var a Activations
	var err error
	for _, p := range []struct {
		dst **buffer.Buffer
		n   uint32
	}{
		{&a.X, bsd}, {&a.Residual, bsd}, {&a.Q, bsd}, {&a.K, bsd}, {&a.V, bsd},
		{&a.AttnOut, bsd}, {&a.MLPOut, bsd}, {&a.NormOut, bsd},
	} {
		if *p.dst, err = buffer.Allocate(s.alloc, s.f32Bytes(p.n), buffer.UsageDeviceOnly, dtype.F32); err != nil {
			return err
		}
	}
	if a.MLPGate, err = buffer.Allocate(s.alloc, s.f32Bytes(bsh), buffer.UsageDeviceOnly, dtype.F32); err != nil {
		return err
	}
	if a.MLPUp, err = buffer.Allocate(s.alloc, s.f32Bytes(bsh), buffer.UsageDeviceOnly, dtype.F32); err != nil {
		return err
	}

	perLayerKVElements := uint64(maxSeq) * uint64(s.cfg.NumHeadsKV) * uint64(s.cfg.HeadDim)
	a.KVCache = make([]*buffer.Buffer, s.cfg.NumLayers)
	for i := range a.KVCache {
		if a.KVCache[i], err = buffer.Allocate(s.alloc, dtype.F32.Bytes(perLayerKVElements*2 /* K and V */), buffer.UsageDeviceOnly, dtype.F32); err != nil {
			return err
		}
	}
	if a.DPos, err = buffer.Allocate(s.alloc, 4, buffer.UsageHostVisible, dtype.Int8); err != nil {
		return err
	}

	s.act = a
	return nil
}

func layerTensorNames(i int) (attnNorm, ffnNorm, wq, wk, wv, wo, w1, w2, w3 string) {
	return fmt.Sprintf("blk.%d.attn_norm.weight", i),
		fmt.Sprintf("blk.%d.ffn_norm.weight", i),
		fmt.Sprintf("blk.%d.attn_q.weight", i),
		fmt.Sprintf("blk.%d.attn_k.weight", i),
		fmt.Sprintf("blk.%d.attn_v.weight", i),
		fmt.Sprintf("blk.%d.attn_output.weight", i),
		fmt.Sprintf("blk.%d.ffn_gate.weight", i),
		fmt.Sprintf("blk.%d.ffn_up.weight", i),
		fmt.Sprintf("blk.%d.ffn_down.weight", i)
}

// LoadWeights streams every layer's weights plus the global embedding,
// output-norm and output-projection tensors from loader (spec §4.9
// "load_weights").
func (s *Scheduler) LoadWeights(loader weights.Loader, stream *gpu.Stream) error {
	if !s.initialized {
		return fmt.Errorf("scheduler: Init must be called before LoadWeights")
	}
	load := func(name string, elem dtype.ElementType) (*buffer.Buffer, error) {
		return loader.LoadTensor(name, s.alloc, elem, stream, s.copy)
	}

	for i := range s.layers {
		attnNorm, ffnNorm, wq, wk, wv, wo, w1, w2, w3 := layerTensorNames(i)
		var err error
		if s.layers[i].AttnNorm, err = load(attnNorm, dtype.F32); err != nil {
			return fmt.Errorf("scheduler: layer %d: %w", i, err)
		}
		if s.layers[i].FFNNorm, err = load(ffnNorm, dtype.F32); err != nil {
			return fmt.Errorf("scheduler: layer %d: %w", i, err)
		}
		if s.layers[i].Wq, err = load(wq, s.elem); err != nil {
			return fmt.Errorf("scheduler: layer %d: %w", i, err)
		}
		if s.layers[i].Wk, err = load(wk, s.elem); err != nil {
			return fmt.Errorf("scheduler: layer %d: %w", i, err)
		}
		if s.layers[i].Wv, err = load(wv, s.elem); err != nil {
			return fmt.Errorf("scheduler: layer %d: %w", i, err)
		}
		if s.layers[i].Wo, err = load(wo, s.elem); err != nil {
			return fmt.Errorf("scheduler: layer %d: %w", i, err)
		}
		if s.layers[i].W1Gate, err = load(w1, s.elem); err != nil {
			return fmt.Errorf("scheduler: layer %d: %w", i, err)
		}
		if s.layers[i].W3Up, err = load(w3, s.elem); err != nil {
			return fmt.Errorf("scheduler: layer %d: %w", i, err)
		}
		if s.layers[i].W2Down, err = load(w2, s.elem); err != nil {
			return fmt.Errorf("scheduler: layer %d: %w", i, err)
		}
	}

	var err error
	if s.tokenEmbd, err = load("token_embd.weight", s.elem); err != nil {
		return err
	}
	if s.outputNorm, err = load("output_norm.weight", dtype.F32); err != nil {
		return err
	}
	if s.outputProj, err = load("output.weight", s.elem); err != nil {
		return err
	}
	return nil
}

// ExecuteLayer runs the ten-step forward pass for one layer over
// [seqStart, seqStart+seqLen) (spec §4.9 "execute_layer"). Inputs live
// in s.act.X; the residual adds write back to s.act.X in place.
func (s *Scheduler) ExecuteLayer(stream *gpu.Stream, layerIdx int, seqStart, seqLen uint32) error {
	if layerIdx < 0 || layerIdx >= len(s.layers) {
		return fmt.Errorf("scheduler: layer index %d out of range [0, %d)", layerIdx, len(s.layers))
	}
	if stream.IsNull() {
		return nil
	}

	l := s.layers[layerIdx]
	a := s.act
	d := s.cfg.Dim

	s.trace(stream, layerIdx, "X", a.X, seqLen*d)

	if err := s.disp.RMSNorm(stream, a.X, l.AttnNorm, a.NormOut, d, s.cfg.NormEps); err != nil {
		return fmt.Errorf("scheduler: layer %d rmsnorm(attn): %w", layerIdx, err)
	}
	s.trace(stream, layerIdx, "norm_out", a.NormOut, seqLen*d)

	if err := s.disp.GEMM(stream, a.NormOut, l.Wq, a.Q, seqLen, d, d, false, false, dtype.F32); err != nil {
		return fmt.Errorf("scheduler: layer %d gemm(q): %w", layerIdx, err)
	}
	if err := s.disp.GEMM(stream, a.NormOut, l.Wk, a.K, seqLen, d, d, false, false, dtype.F32); err != nil {
		return fmt.Errorf("scheduler: layer %d gemm(k): %w", layerIdx, err)
	}
	if err := s.disp.GEMM(stream, a.NormOut, l.Wv, a.V, seqLen, d, d, false, false, dtype.F32); err != nil {
		return fmt.Errorf("scheduler: layer %d gemm(v): %w", layerIdx, err)
	}
	s.trace(stream, layerIdx, "V", a.V, seqLen*d)

	if err := s.disp.RoPE(stream, a.Q, a.K, seqStart, seqLen, s.cfg.RopeBase); err != nil {
		return fmt.Errorf("scheduler: layer %d rope: %w", layerIdx, err)
	}
	s.trace(stream, layerIdx, "Q", a.Q, seqLen*d)
	s.trace(stream, layerIdx, "K", a.K, seqLen*d)

	if err := s.disp.KVAppend(stream, a.KVCache[layerIdx], a.K, a.V, layerIdx, seqStart, seqLen); err != nil {
		return fmt.Errorf("scheduler: layer %d kv append: %w", layerIdx, err)
	}

	posBytes := []byte{byte(seqStart), byte(seqStart >> 8), byte(seqStart >> 16), byte(seqStart >> 24)}
	if err := a.DPos.UploadHostToDevice(stream, posBytes); err != nil {
		return fmt.Errorf("scheduler: layer %d writing decode position: %w", layerIdx, err)
	}

	scale := float32(1.0)
	if s.cfg.HeadDim > 0 {
		scale = float32(1.0 / math.Sqrt(float64(s.cfg.HeadDim)))
	}
	if err := s.disp.AttentionDecode(stream, a.Q, a.KVCache[layerIdx], a.KVCache[layerIdx], a.DPos, a.AttnOut,
		s.cfg.NumHeads, s.cfg.NumHeadsKV, s.cfg.HeadDim, seqLen, s.cfg.MaxSeqLen, scale, s.cfg.RopeBase); err != nil {
		return fmt.Errorf("scheduler: layer %d attention_decode: %w", layerIdx, err)
	}
	s.trace(stream, layerIdx, "attn_out", a.AttnOut, seqLen*d)

	if err := s.disp.GEMM(stream, a.AttnOut, l.Wo, a.MLPOut, seqLen, d, d, false, false, dtype.F32); err != nil {
		return fmt.Errorf("scheduler: layer %d gemm(o): %w", layerIdx, err)
	}
	if err := s.disp.ResidualAdd(stream, a.X, a.MLPOut, seqLen*d); err != nil {
		return fmt.Errorf("scheduler: layer %d residual(attn): %w", layerIdx, err)
	}

	if err := s.disp.RMSNorm(stream, a.X, l.FFNNorm, a.NormOut, d, s.cfg.NormEps); err != nil {
		return fmt.Errorf("scheduler: layer %d rmsnorm(ffn): %w", layerIdx, err)
	}
	s.trace(stream, layerIdx, "ffn_norm", a.NormOut, seqLen*d)

	h := s.cfg.HiddenDim
	if err := s.disp.GEMM(stream, a.NormOut, l.W1Gate, a.MLPGate, seqLen, h, d, false, false, dtype.F32); err != nil {
		return fmt.Errorf("scheduler: layer %d gemm(gate): %w", layerIdx, err)
	}
	s.trace(stream, layerIdx, "mlp_gate", a.MLPGate, seqLen*h)
	if err := s.disp.GEMM(stream, a.NormOut, l.W3Up, a.MLPUp, seqLen, h, d, false, false, dtype.F32); err != nil {
		return fmt.Errorf("scheduler: layer %d gemm(up): %w", layerIdx, err)
	}
	s.trace(stream, layerIdx, "mlp_up", a.MLPUp, seqLen*h)
	if err := s.disp.SiLUMul(stream, a.MLPGate, a.MLPUp, seqLen*h); err != nil {
		return fmt.Errorf("scheduler: layer %d silu_mul: %w", layerIdx, err)
	}

	if err := s.disp.GEMM(stream, a.MLPGate, l.W2Down, a.MLPOut, seqLen, d, h, false, false, dtype.F32); err != nil {
		return fmt.Errorf("scheduler: layer %d gemm(down): %w", layerIdx, err)
	}
	s.trace(stream, layerIdx, "mlp_out", a.MLPOut, seqLen*d)
	if err := s.disp.ResidualAdd(stream, a.X, a.MLPOut, seqLen*d); err != nil {
		return fmt.Errorf("scheduler: layer %d residual(ffn): %w", layerIdx, err)
	}
	s.trace(stream, layerIdx, "x_out", a.X, seqLen*d)

	return nil
}

// Forward loops ExecuteLayer over every layer for [seqStart,
// seqStart+seqLen), then advances the internal cursor (spec §4.9
// "forward").
func (s *Scheduler) Forward(stream *gpu.Stream, tokens []uint32, seqStart, seqLen uint32) error {
	for i := range s.layers {
		if err := s.ExecuteLayer(stream, i, seqStart, seqLen); err != nil {
			return err
		}
	}
	s.currentSeqPos = seqStart + seqLen
	return nil
}

// CurrentSeqPos returns the cursor advanced by the most recent Forward.
func (s *Scheduler) CurrentSeqPos() uint32 { return s.currentSeqPos }

// Layers exposes the allocated per-layer weight buffers (read-only use
// by callers such as a weight-file inspector).
func (s *Scheduler) Layers() []LayerWeights { return s.layers }

// ActivationBuffers exposes the allocated activation buffers.
func (s *Scheduler) ActivationBuffers() Activations { return s.act }

// TokenEmbedding returns the global token embedding table.
func (s *Scheduler) TokenEmbedding() *buffer.Buffer { return s.tokenEmbd }

// OutputNorm returns the final RMSNorm weight applied before the
// output projection.
func (s *Scheduler) OutputNorm() *buffer.Buffer { return s.outputNorm }

// OutputProjection returns the vocab-sized output projection weight.
func (s *Scheduler) OutputProjection() *buffer.Buffer { return s.outputProj }

// Config returns the architecture shape this scheduler was initialized
// with.
func (s *Scheduler) Config() Config { return s.cfg }

// Dispatchers returns the compute hooks this scheduler was constructed
// with, for reuse by a caller computing the final logits projection.
func (s *Scheduler) Dispatchers() Dispatchers { return s.disp }
