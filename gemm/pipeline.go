// Package gemm implements the pipeline cache and dispatch contract for
// the matrix-multiply kernels (spec §4.5). Pipelines are lazily
// compiled from precompiled shader IR and cached per variant; the IR
// file is checked on disk only the first time a variant is requested.
package gemm

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/gretacore/gretacore/backend"
	"github.com/gretacore/gretacore/buffer"
)

// Variant names a precompiled F16 GEMM kernel (spec §4.5).
type Variant string

const (
	TiledF16Acc32  Variant = "tiled_f16acc32"
	TiledVec2      Variant = "tiled_vec2"
	TiledVec2_32x8 Variant = "tiled_vec2_32x8"
	TiledVec2DB    Variant = "tiled_vec2_db"
	Subgroup       Variant = "subgroup"

	// TiledF32 is the sole kernel of the F32 pipeline cache.
	TiledF32 Variant = "tiled"
)

// PushConstants is the {M, N, K, lda, ldb, ldc} block every GEMM
// dispatch binds, 24 bytes as six little-endian u32s.
type PushConstants struct {
	M, N, K, Lda, Ldb, Ldc uint32
}

// Pipeline is a lazily-compiled compute pipeline for one variant.
type Pipeline struct {
	Variant  Variant
	IRBytes  int
	compiled bool
}

// shaderDirEnv overrides the directory IR files are searched in.
const shaderDirEnv = "VK_SHADER_DIR"

const defaultShaderDir = "./build"

// Compiler loads precompiled IR and turns it into a device-resident
// compute pipeline; the backend supplies the real implementation.
type Compiler func(irPath string, pc PushConstants) (*Pipeline, error)

// Cache holds lazily-compiled pipelines keyed by variant, for one
// device's F16 GEMM kernels.
type Cache struct {
	mu       sync.Mutex
	pipes    map[Variant]*Pipeline
	device   backend.Capabilities
	safety   backend.SafetyMode
	compile  Compiler
	shaderDir string
}

// NewCache constructs a pipeline cache bound to a probed device and its
// safety policy evaluation.
func NewCache(device backend.Capabilities, safety backend.SafetyMode, compile Compiler) *Cache {
	return &Cache{
		pipes:     make(map[Variant]*Pipeline),
		device:    device,
		safety:    safety,
		compile:   compile,
		shaderDir: resolveShaderDir(),
	}
}

func resolveShaderDir() string {
	if d := os.Getenv(shaderDirEnv); d != "" {
		return d
	}
	return defaultShaderDir
}

// GetOrCreate returns the cached pipeline for variant, compiling and
// caching it on first use (spec §4.5 "get_or_create").
func (c *Cache) GetOrCreate(variant Variant) (*Pipeline, error) {
	if variant == Subgroup && !c.safety.AllowsSubgroupControl() {
		return nil, fmt.Errorf("gemm: subgroup variant requires subgroup-size control, which is disabled (%v)", c.safety)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.pipes[variant]; ok {
		return p, nil
	}

	irPath := filepath.Join(c.shaderDir, string(variant)+".spv")
	info, err := os.Stat(irPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("gemm: no IR file for variant %q in %s", variant, c.shaderDir)
		}
		return nil, err
	}
	if err := validateIRSize(info); err != nil {
		return nil, err
	}

	p, err := c.compile(irPath, PushConstants{})
	if err != nil {
		return nil, fmt.Errorf("gemm: compiling variant %q: %w", variant, err)
	}
	p.Variant = variant
	c.pipes[variant] = p
	return p, nil
}

func validateIRSize(info fs.FileInfo) error {
	size := info.Size()
	if size == 0 || size%4 != 0 {
		return fmt.Errorf("gemm: IR file %s has invalid size %d (must be a nonzero multiple of 4)", info.Name(), size)
	}
	return nil
}

// Dispatch is the fully-bound argument set for one GEMM dispatch
// (spec §4.5 "Dispatch contract").
type Dispatch struct {
	A, B, C             *buffer.Buffer
	M, N, K             uint32
	Lda, Ldb, Ldc       uint32
}

// Launcher issues a bound pipeline + descriptor set + push constants at
// a computed grid size; the backend supplies the real implementation.
type Launcher func(p *Pipeline, d Dispatch, gx, gy, gz uint32) error

// ResolveFallback applies the "auto resolves to subgroup but the device
// can't run it" fallback rule (spec §4.5): when forced is false and the
// safety mode does not allow subgroup-size control, a resolved Subgroup
// variant silently becomes TiledVec2_32x8. Only the safety mode is
// consulted; the device's own subgroup-size-control capability is not
// checked here.
func ResolveFallback(resolved Variant, safety backend.SafetyMode, forced bool) Variant {
	if resolved == Subgroup && !safety.AllowsSubgroupControl() && !forced {
		return TiledVec2_32x8
	}
	return resolved
}

// Dispatch binds A, B, C and issues the compute dispatch for variant,
// computing the F16-kernel grid size gx=ceil(N/32), gy=ceil(M/8).
func (c *Cache) Dispatch(variant Variant, d Dispatch, launch Launcher) error {
	if d.A == nil || d.B == nil || d.C == nil {
		return fmt.Errorf("gemm: dispatch requires non-nil A, B, C")
	}
	if d.M == 0 || d.N == 0 || d.K == 0 {
		return fmt.Errorf("gemm: dispatch requires positive M, N, K")
	}
	p, err := c.GetOrCreate(variant)
	if err != nil {
		return err
	}
	gx := ceilDiv(d.N, 32)
	gy := ceilDiv(d.M, 8)
	if gx == 0 || gy == 0 {
		return fmt.Errorf("gemm: computed grid (%d, %d) has a zero dimension", gx, gy)
	}
	return launch(p, d, gx, gy, 1)
}

func ceilDiv(a, b uint32) uint32 {
	return (a + b - 1) / b
}

// F32Cache is the analogous single-kernel pipeline cache for the dense
// F32 GEMM path (spec §4.5 last paragraph).
type F32Cache struct {
	mu      sync.Mutex
	pipe    *Pipeline
	compile Compiler
	shaderDir string
}

// NewF32Cache constructs the F32 pipeline cache.
func NewF32Cache(compile Compiler) *F32Cache {
	return &F32Cache{compile: compile, shaderDir: resolveShaderDir()}
}

// GetOrCreate returns the single cached "tiled" F32 pipeline.
func (c *F32Cache) GetOrCreate() (*Pipeline, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pipe != nil {
		return c.pipe, nil
	}
	irPath := filepath.Join(c.shaderDir, string(TiledF32)+".spv")
	info, err := os.Stat(irPath)
	if err != nil {
		return nil, fmt.Errorf("gemm: no IR file for F32 tiled kernel in %s: %w", c.shaderDir, err)
	}
	if err := validateIRSize(info); err != nil {
		return nil, err
	}
	p, err := c.compile(irPath, PushConstants{})
	if err != nil {
		return nil, err
	}
	p.Variant = TiledF32
	c.pipe = p
	return p, nil
}

// Dispatch issues the F32 "tiled" dispatch with grid gx=ceil(N/16),
// gy=ceil(M/16).
func (c *F32Cache) Dispatch(d Dispatch, launch Launcher) error {
	if d.A == nil || d.B == nil || d.C == nil {
		return fmt.Errorf("gemm: dispatch requires non-nil A, B, C")
	}
	if d.M == 0 || d.N == 0 || d.K == 0 {
		return fmt.Errorf("gemm: dispatch requires positive M, N, K")
	}
	p, err := c.GetOrCreate()
	if err != nil {
		return err
	}
	gx := ceilDiv(d.N, 16)
	gy := ceilDiv(d.M, 16)
	if gx == 0 || gy == 0 {
		return fmt.Errorf("gemm: computed grid (%d, %d) has a zero dimension", gx, gy)
	}
	return launch(p, d, gx, gy, 1)
}
