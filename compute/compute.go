// Package compute is the stateless dispatch façade spec §4.7
// describes: gemm, attention_decode and rmsnorm each select a kernel
// route and hand off to a dispatcher function the caller supplies.
package compute

import (
	"fmt"
	"os"

	"github.com/gretacore/gretacore/buffer"
	"github.com/gretacore/gretacore/dtype"
	"github.com/gretacore/gretacore/gpu"
)

// Route is the coarse kernel family gemm dispatches to (spec §4.7).
type Route string

const (
	RouteMFMA Route = "mfma"
	RouteVALU Route = "valu"
)

const mfmaThreshold = 32

// ResolveRoute applies the M-threshold route selection, overrideable by
// the GEMM_FORCE environment variable ("MFMA"|"VALU").
func ResolveRoute(m uint32) Route {
	switch os.Getenv("GEMM_FORCE") {
	case "MFMA":
		return RouteMFMA
	case "VALU":
		return RouteVALU
	}
	if m > mfmaThreshold {
		return RouteMFMA
	}
	return RouteVALU
}

// Kernel identifies the specific dispatch selected once the route and
// B's dtype are both known (spec §4.7 "Dispatch branches further").
type Kernel string

const (
	Kernel4BitWeight     Kernel = "4bit_weight"
	Kernel8Bit           Kernel = "8bit"
	KernelMixedPrecision Kernel = "mixed_precision"
	KernelMatrixCore     Kernel = "matrix_core"
)

// selectKernel branches on B's dtype the way spec §4.7 describes.
func selectKernel(b *buffer.Buffer) (Kernel, string) {
	elem := b.ElementType()
	if q, ok := b.QuantDescriptor(); ok && elem == dtype.GroupedQ4K {
		return Kernel4BitWeight, fmt.Sprintf("B is 4-bit-grouped, group=%d", q.GroupSize)
	}
	if elem == dtype.Int8 {
		return Kernel8Bit, "B is 8-bit"
	}
	if elem == dtype.F16 || elem == dtype.BF16 {
		return KernelMixedPrecision, "B is half-precision"
	}
	return KernelMatrixCore, "dense matrix-core path"
}

// GEMMDispatcher issues the actual device dispatch for a resolved
// kernel; internal/refkernel.GEMMKernel is the CPU reference
// implementation.
type GEMMDispatcher func(kernel Kernel, route Route, a, b, c *buffer.Buffer, m, n, k uint32, transposeA, transposeB bool, accumType dtype.ElementType) error

// GEMM selects a route and kernel for A x B = C, emits the optional
// PROFILE_BLOCKS audit line, and dispatches (spec §4.7 "gemm").
func GEMM(dispatch GEMMDispatcher, stream *gpu.Stream, a, b, c *buffer.Buffer, m, n, k uint32, transposeA, transposeB bool, accumType dtype.ElementType) error {
	route := ResolveRoute(m)
	kernel, reason := selectKernel(b)

	if os.Getenv("PROFILE_BLOCKS") == "1" {
		fmt.Printf("M=%d,N=%d,K=%d; threshold=%d; route=%s; reason=%s; dtype=A:%s,B:%s,C:%s\n",
			m, n, k, mfmaThreshold, route, reason, a.ElementType(), b.ElementType(), c.ElementType())
	}

	var err error
	stream.Enqueue(func() {
		err = dispatch(kernel, route, a, b, c, m, n, k, transposeA, transposeB, accumType)
	})
	stream.Flush()
	return err
}

// AttentionDecodeDispatcher issues the fused RoPE + flash-attention-
// decode dispatch; the position pointer is read device-side from dPos.
type AttentionDecodeDispatcher func(q, kCache, vCache, dPos, o *buffer.Buffer, numHeads, numHeadsKV, headDim, seqLen, maxSeqLen uint32, scale, ropeBase float32) error

// AttentionDecode launches the fused RoPE-in-shared-memory flash-
// attention-decode kernel (spec §4.7 "attention_decode").
func AttentionDecode(dispatch AttentionDecodeDispatcher, stream *gpu.Stream, q, kCache, vCache, dPos, o *buffer.Buffer, numHeads, numHeadsKV, headDim, seqLen, maxSeqLen uint32, scale, ropeBase float32) error {
	var err error
	stream.Enqueue(func() {
		err = dispatch(q, kCache, vCache, dPos, o, numHeads, numHeadsKV, headDim, seqLen, maxSeqLen, scale, ropeBase)
	})
	stream.Flush()
	return err
}

// RMSNormDispatcher issues the naive RMSNorm dispatch.
type RMSNormDispatcher func(input, weight, output *buffer.Buffer, dim uint32, eps float32) error

// RMSNorm launches the naive RMSNorm kernel (spec §4.7 "rmsnorm").
func RMSNorm(dispatch RMSNormDispatcher, stream *gpu.Stream, input, weight, output *buffer.Buffer, dim uint32, eps float32) error {
	var err error
	stream.Enqueue(func() {
		err = dispatch(input, weight, output, dim, eps)
	})
	stream.Flush()
	return err
}
