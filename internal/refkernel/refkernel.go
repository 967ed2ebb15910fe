// Package refkernel is the software fallback device this runtime's
// binaries wire in as their backend.Device stand-in: a single-address-
// space simulation that actually performs the GEMM, flash-attention-
// decode, RMSNorm, RoPE, KV-append, residual-add, SiLU-mul, embedding
// gather and argmax math on the host, rather than dispatching real
// device-shading-language kernels (spec §1's "native compute-queue API
// is an out-of-scope collaborator"). It exists so cmd/gretacore can run
// the whole pipeline end-to-end without a real accelerator, the same
// role llama.cpp's CPU backend plays relative to its CUDA/Metal/Vulkan
// backends.
package refkernel

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gretacore/gretacore/buffer"
	"github.com/gretacore/gretacore/compute"
	"github.com/gretacore/gretacore/dtype"
	"github.com/gretacore/gretacore/gpu"
)

// Allocator hands out gpu.Memory backed by a plain Go byte slice for
// every allocation, host-visible or not: this reference device has no
// separate VRAM address space to page across.
type Allocator struct{}

func (Allocator) AllocateDevice(size uint64, _ bool) (*gpu.Memory, error) {
	buf := make([]byte, size)
	return gpu.NewMemory(gpu.HostVisible, dtype.F32, size, nextHandle(), buf, func() {}), nil
}

var handleCounter uint64

func nextHandle() uint64 {
	handleCounter++
	return handleCounter
}

func f32Slice(b *buffer.Buffer) []float32 {
	return bytesToF32(b.Memory().MappedBytes())
}

func bytesToF32(raw []byte) []float32 {
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}

func writeF32(b *buffer.Buffer, v []float32) {
	raw := b.Memory().MappedBytes()
	for i, x := range v {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(x))
	}
}

// CopyToDevice implements weights.CopyToDevice: a direct memcpy into
// dst's backing slice, standing in for whatever staged upload a real
// device API would issue.
func CopyToDevice(stream *gpu.Stream, dst *buffer.Buffer, staging []byte) error {
	raw := dst.Memory().MappedBytes()
	if raw == nil {
		return fmt.Errorf("refkernel: destination buffer has no backing store")
	}
	if uint64(len(staging)) > dst.Capacity() {
		return fmt.Errorf("refkernel: staging payload %d exceeds buffer capacity %d", len(staging), dst.Capacity())
	}
	stream.Enqueue(func() { copy(raw, staging) })
	return nil
}

// GEMMKernel implements compute.GEMMDispatcher: dense row-major matmul
// C[m,n] = A[m,k] * B[k,n] (or B^T/A^T per the transpose flags),
// ignoring the kernel/route selection (both branches run the same
// host-side math; the distinction only matters for a real device's
// shader choice).
func GEMMKernel(_ compute.Kernel, _ compute.Route, a, b, c *buffer.Buffer, m, n, k uint32, transposeA, transposeB bool, _ dtype.ElementType) error {
	av, bv := f32Slice(a), f32Slice(b)
	cv := make([]float32, uint64(m)*uint64(n))

	aAt := func(i, j uint32) float32 {
		if transposeA {
			return av[uint64(j)*uint64(m)+uint64(i)]
		}
		return av[uint64(i)*uint64(k)+uint64(j)]
	}
	bAt := func(i, j uint32) float32 {
		if transposeB {
			return bv[uint64(j)*uint64(k)+uint64(i)]
		}
		return bv[uint64(i)*uint64(n)+uint64(j)]
	}

	for i := uint32(0); i < m; i++ {
		for j := uint32(0); j < n; j++ {
			var sum float32
			for p := uint32(0); p < k; p++ {
				sum += aAt(i, p) * bAt(p, j)
			}
			cv[uint64(i)*uint64(n)+uint64(j)] = sum
		}
	}
	writeF32(c, cv)
	return nil
}

// RMSNormKernel implements compute.RMSNormDispatcher (spec §4.9
// rmsnorm: x * weight / sqrt(mean(x^2) + eps), applied per row of dim
// elements).
func RMSNormKernel(input, weight, output *buffer.Buffer, dim uint32, eps float32) error {
	in := f32Slice(input)
	w := f32Slice(weight)
	rows := uint32(len(in)) / dim
	out := make([]float32, len(in))
	for r := uint32(0); r < rows; r++ {
		row := in[uint64(r)*uint64(dim) : uint64(r+1)*uint64(dim)]
		var ss float64
		for _, v := range row {
			ss += float64(v) * float64(v)
		}
		scale := float32(1.0 / math.Sqrt(ss/float64(dim)+float64(eps)))
		dst := out[uint64(r)*uint64(dim) : uint64(r+1)*uint64(dim)]
		for i, v := range row {
			dst[i] = v * scale * w[i]
		}
	}
	writeF32(output, out)
	return nil
}

// AttentionDecodeKernel implements compute.AttentionDecodeDispatcher:
// RoPE has already been applied to q/k upstream of the KV cache
// (scheduler's RoPE step runs before KVAppend), so this performs plain
// causal scaled-dot-product attention over the persistent KV cache,
// reading the decode position from dPos device-side rather than from a
// host-passed argument (spec §4.10's "position pointer read on
// device"). kCache and vCache are the same buffer, already scoped to
// one layer: [maxSeqLen, numHeadsKV, headDim] K followed by the same
// span of V.
func AttentionDecodeKernel(q, kCache, vCache, dPos, o *buffer.Buffer, numHeads, numHeadsKV, headDim, seqLen, maxSeqLen uint32, scale, _ float32) error {
	qv := f32Slice(q)
	kv := f32Slice(kCache)
	posBytes := dPos.Memory().MappedBytes()
	pos := binary.LittleEndian.Uint32(posBytes)

	groupSize := numHeads / numHeadsKV
	if groupSize == 0 {
		groupSize = 1
	}
	kvStride := numHeadsKV * headDim
	layerSpan := uint64(maxSeqLen) * uint64(kvStride)
	vv := kv[layerSpan:]

	out := make([]float32, uint64(seqLen)*uint64(numHeads)*uint64(headDim))

	for t := uint32(0); t < seqLen; t++ {
		tokenPos := pos + t
		for h := uint32(0); h < numHeads; h++ {
			kvHead := h / groupSize
			qRow := qv[(uint64(t)*uint64(numHeads)+uint64(h))*uint64(headDim) : (uint64(t)*uint64(numHeads)+uint64(h)+1)*uint64(headDim)]

			scores := make([]float32, tokenPos+1)
			var maxScore float32 = float32(math.Inf(-1))
			for s := uint32(0); s <= tokenPos; s++ {
				kOff := (uint64(s)*uint64(kvStride) + uint64(kvHead)*uint64(headDim))
				kRow := kv[kOff : kOff+uint64(headDim)]
				var dot float32
				for d := uint32(0); d < headDim; d++ {
					dot += qRow[d] * kRow[d]
				}
				dot *= scale
				scores[s] = dot
				if dot > maxScore {
					maxScore = dot
				}
			}
			var sum float32
			for s := range scores {
				p := float32(math.Exp(float64(scores[s] - maxScore)))
				scores[s] = p
				sum += p
			}
			outRow := out[(uint64(t)*uint64(numHeads)+uint64(h))*uint64(headDim) : (uint64(t)*uint64(numHeads)+uint64(h)+1)*uint64(headDim)]
			for s := range scores {
				weight := scores[s] / sum
				vOffRow := uint64(s)*uint64(kvStride) + uint64(kvHead)*uint64(headDim)
				vRow := vv[vOffRow : vOffRow+uint64(headDim)]
				for d := uint32(0); d < headDim; d++ {
					outRow[d] += weight * vRow[d]
				}
			}
		}
	}
	writeF32(o, out)
	return nil
}

// RoPEKernel applies rotary position embedding in place to q and k,
// rotating each consecutive pair of elements within a head by an angle
// that grows with position and decays across the head dimension (spec
// §4.9 step 3 "rope").
func RoPEKernel(stream *gpu.Stream, q, k *buffer.Buffer, seqStart, seqLen uint32, ropeBase float32) error {
	var err error
	stream.Enqueue(func() {
		err = rotateInPlace(q, seqStart, seqLen, ropeBase)
		if err == nil {
			err = rotateInPlace(k, seqStart, seqLen, ropeBase)
		}
	})
	stream.Flush()
	return err
}

func rotateInPlace(b *buffer.Buffer, seqStart, seqLen uint32, ropeBase float32) error {
	v := f32Slice(b)
	if seqLen == 0 {
		return nil
	}
	dim := uint32(len(v)) / seqLen
	half := dim / 2
	for t := uint32(0); t < seqLen; t++ {
		pos := float64(seqStart + t)
		row := v[uint64(t)*uint64(dim) : uint64(t+1)*uint64(dim)]
		for i := uint32(0); i < half; i++ {
			freq := 1.0 / math.Pow(float64(ropeBase), float64(2*i)/float64(dim))
			angle := pos * freq
			sin, cos := math.Sincos(angle)
			x0, x1 := row[i], row[i+half]
			row[i] = x0*float32(cos) - x1*float32(sin)
			row[i+half] = x0*float32(sin) + x1*float32(cos)
		}
	}
	writeF32(b, v)
	return nil
}

// KVAppendKernel writes k/v for [seqStart, seqStart+seqLen) into the
// per-layer KV-cache slab (spec §4.9 step 4). kvCache is already
// scoped to one layer (scheduler indexes its per-layer cache slice
// before dispatching), laid out as [maxSeqLen, numHeadsKV, headDim] K
// followed by the same span of V; the layer argument is accepted for
// interface symmetry with the caller's per-layer bookkeeping but is not
// needed to address kvCache here.
func KVAppendKernel(maxSeqLen, numHeadsKV, headDim uint32) func(stream *gpu.Stream, kvCache, k, v *buffer.Buffer, layer int, seqStart, seqLen uint32) error {
	return func(stream *gpu.Stream, kvCache, k, v *buffer.Buffer, _ int, seqStart, seqLen uint32) error {
		var err error
		stream.Enqueue(func() {
			kvStride := numHeadsKV * headDim
			layerElems := uint64(maxSeqLen) * uint64(kvStride)
			kvRaw := kvCache.Memory().MappedBytes()

			kv := f32Slice(k)
			vv := f32Slice(v)
			for t := uint32(0); t < seqLen; t++ {
				dstOff := uint64(seqStart+t) * uint64(kvStride) * 4
				srcOff := uint64(t) * uint64(kvStride)
				copy(kvRaw[dstOff:dstOff+uint64(kvStride)*4], f32ToBytes(kv[srcOff:srcOff+uint64(kvStride)]))

				vOff := layerElems*4 + uint64(seqStart+t)*uint64(kvStride)*4
				copy(kvRaw[vOff:vOff+uint64(kvStride)*4], f32ToBytes(vv[srcOff:srcOff+uint64(kvStride)]))
			}
		})
		stream.Flush()
		return err
	}
}

func f32ToBytes(v []float32) []byte {
	out := make([]byte, len(v)*4)
	for i, x := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(x))
	}
	return out
}

// ResidualAddKernel computes dst += src elementwise over n elements
// (spec §4.9 steps 6 and 10).
func ResidualAddKernel(stream *gpu.Stream, dst, src *buffer.Buffer, n uint32) error {
	stream.Enqueue(func() {
		dv := f32Slice(dst)
		sv := f32Slice(src)
		out := make([]float32, n)
		for i := uint32(0); i < n; i++ {
			out[i] = dv[i] + sv[i]
		}
		writeF32(dst, out)
	})
	stream.Flush()
	return nil
}

// SiLUMulKernel computes gate <- SiLU(gate) * up elementwise (spec
// §4.9 step 9), where SiLU(x) = x * sigmoid(x).
func SiLUMulKernel(stream *gpu.Stream, gate, up *buffer.Buffer, n uint32) error {
	stream.Enqueue(func() {
		gv := f32Slice(gate)
		uv := f32Slice(up)
		out := make([]float32, n)
		for i := uint32(0); i < n; i++ {
			x := gv[i]
			silu := x / (1 + float32(math.Exp(float64(-x))))
			out[i] = silu * uv[i]
		}
		writeF32(gate, out)
	})
	stream.Flush()
	return nil
}

// EmbedKernel gathers the embedding rows for tokens from tokenEmbd into
// dst, matching generate.EmbedDispatcher.
func EmbedKernel(stream *gpu.Stream, tokenEmbd *buffer.Buffer, tokens []uint32, dst *buffer.Buffer, dim uint32) error {
	var err error
	stream.Enqueue(func() {
		table := f32Slice(tokenEmbd)
		out := make([]float32, uint64(len(tokens))*uint64(dim))
		vocab := uint32(len(table)) / dim
		for i, tok := range tokens {
			if tok >= vocab {
				err = fmt.Errorf("refkernel: token id %d out of vocab range %d", tok, vocab)
				return
			}
			copy(out[uint64(i)*uint64(dim):uint64(i+1)*uint64(dim)], table[uint64(tok)*uint64(dim):uint64(tok+1)*uint64(dim)])
		}
		writeF32(dst, out)
	})
	stream.Flush()
	return err
}

// ArgmaxKernel computes argmax(logits) device-side, matching
// generate.ArgmaxDispatcher (the fast path for untraced greedy decode).
func ArgmaxKernel(stream *gpu.Stream, logits *buffer.Buffer, vocab uint32) (int, error) {
	best := 0
	stream.Enqueue(func() {
		v := f32Slice(logits)
		for i := uint32(1); i < vocab && int(i) < len(v); i++ {
			if v[i] > v[best] {
				best = int(i)
			}
		}
	})
	stream.Flush()
	return best, nil
}
