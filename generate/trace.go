package generate

import (
	"encoding/binary"
	"math"
	"os"
	"sort"
	"strconv"
)

// fnvSeed and fnvPrime are the FNV-1a 64-bit constants spec §4.10.2
// pins explicitly, rather than the package defaults, so a trace taken
// against this runtime is independently reproducible.
const (
	fnvSeed  uint64 = 0x14650FB0E739ECD3
	fnvPrime uint64 = 0x100000001B3
)

// hashFloats computes FNV-1a 64-bit over the first min(len(v), 256)
// floats, reinterpreted as u32s (spec §4.10.2 "Hash").
func hashFloats(v []float32) uint64 {
	n := len(v)
	if n > 256 {
		n = 256
	}
	h := fnvSeed
	for i := 0; i < n; i++ {
		bits := math.Float32bits(v[i])
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], bits)
		for _, b := range buf {
			h ^= uint64(b)
			h *= fnvPrime
		}
	}
	return h
}

// floatStats summarizes n, hash, min, max, mean, nan and inf counts
// over a float slice (spec §4.10.2 "Layer trace"/"Stage trace" point
// fields).
type floatStats struct {
	N    int
	Hash uint64
	Min, Max, Mean float32
	NaN, Inf int
}

func computeFloatStats(v []float32) floatStats {
	s := floatStats{N: len(v), Hash: hashFloats(v)}
	if len(v) == 0 {
		return s
	}
	s.Min, s.Max = v[0], v[0]
	var sum float32
	finite := 0
	for _, x := range v {
		switch {
		case math.IsNaN(float64(x)):
			s.NaN++
			continue
		case math.IsInf(float64(x), 0):
			s.Inf++
			continue
		}
		if x < s.Min {
			s.Min = x
		}
		if x > s.Max {
			s.Max = x
		}
		sum += x
		finite++
	}
	if finite > 0 {
		s.Mean = sum / float32(finite)
	}
	return s
}

// Flags is the set of environment-gated tracing toggles (spec §4.10.2).
type Flags struct {
	Readout   bool
	Landscape bool
	LayerTrace bool
	StageTrace bool

	// LayerSubset and PointMask gate which (layer, tensor point) pairs
	// LayerTrace emits. A nil LayerSubset means "all layers".
	LayerSubset map[int]bool
	PointMask   map[TensorPoint]bool

	// LayerFrom/LayerTo bound the layer-trace range (inclusive); the
	// Has* flags distinguish "unset" from the valid layer index 0.
	LayerFrom    int
	HasLayerFrom bool
	LayerTo      int
	HasLayerTo   bool

	// EveryN samples every Nth generation step; <= 0 means every step.
	EveryN int

	// PrefillDecode filters step-level traces (Readout/Landscape/
	// StageTrace) by phase: "", "both", "prefill" or "decode".
	PrefillDecode string
}

// FlagsFromEnv reads the TRACE_* environment variables spec §6.4 names.
func FlagsFromEnv() Flags {
	f := Flags{
		Readout:       os.Getenv("TRACE_READOUT") == "1",
		Landscape:     os.Getenv("TRACE_LANDSCAPE") == "1",
		LayerTrace:    os.Getenv("TRACE_LAYER_FROM") != "" || os.Getenv("TRACE_LEVEL") == "layer",
		StageTrace:    os.Getenv("TRACE_STAGE_FROM") != "" || os.Getenv("TRACE_LEVEL") == "stage",
		PrefillDecode: os.Getenv("TRACE_PREFILL_DECODE"),
	}
	if v, ok := atoiEnv("TRACE_LAYER_FROM"); ok {
		f.LayerFrom, f.HasLayerFrom = v, true
	}
	if v, ok := atoiEnv("TRACE_LAYER_TO"); ok {
		f.LayerTo, f.HasLayerTo = v, true
	}
	if v, ok := atoiEnv("TRACE_EVERY_N"); ok {
		f.EveryN = v
	}
	return f
}

func atoiEnv(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// TensorPoint tags a point in the per-layer forward pass a layer-trace
// record may be taken at (spec §4.10.2 "Layer trace").
type TensorPoint string

const (
	PointX        TensorPoint = "X"
	PointNormOut  TensorPoint = "norm_out"
	PointQ        TensorPoint = "Q"
	PointK        TensorPoint = "K"
	PointV        TensorPoint = "V"
	PointAttnOut  TensorPoint = "attn_out"
	PointFFNNorm  TensorPoint = "ffn_norm"
	PointMLPGate  TensorPoint = "mlp_gate"
	PointMLPUp    TensorPoint = "mlp_up"
	PointMLPOut   TensorPoint = "mlp_out"
	PointXOut     TensorPoint = "x_out"
)

// ReadoutRecord is the per step/phase record spec §4.10.2 "Readout"
// describes.
type ReadoutRecord struct {
	Phase       string  `json:"phase"`
	Step        int     `json:"step"`
	TokenIndex  int     `json:"token_index"`
	HiddenOffset uint64 `json:"hidden_offset"`
	HiddenPtr   uint64  `json:"hidden_ptr"`
	HiddenHash  uint64  `json:"hidden_hash"`
	HiddenMin   float32 `json:"hidden_min"`
	HiddenMax   float32 `json:"hidden_max"`
	HiddenMean  float32 `json:"hidden_mean"`
	LogitsOffset uint64 `json:"logits_offset"`
	LogitsPtr   uint64  `json:"logits_ptr"`
	LogitsHash  uint64  `json:"logits_hash"`
	LogitsMin   float32 `json:"logits_min"`
	LogitsMax   float32 `json:"logits_max"`
	LogitsMean  float32 `json:"logits_mean"`
	Vocab       int     `json:"vocab"`
}

// BuildReadout assembles a ReadoutRecord from raw hidden-state and
// logits samples.
func BuildReadout(phase string, step, tokenIndex int, hiddenOffset, hiddenPtr uint64, hidden []float32, logitsOffset, logitsPtr uint64, logits []float32, vocab int) ReadoutRecord {
	hs := computeFloatStats(hidden)
	ls := computeFloatStats(logits)
	return ReadoutRecord{
		Phase: phase, Step: step, TokenIndex: tokenIndex,
		HiddenOffset: hiddenOffset, HiddenPtr: hiddenPtr, HiddenHash: hs.Hash, HiddenMin: hs.Min, HiddenMax: hs.Max, HiddenMean: hs.Mean,
		LogitsOffset: logitsOffset, LogitsPtr: logitsPtr, LogitsHash: ls.Hash, LogitsMin: ls.Min, LogitsMax: ls.Max, LogitsMean: ls.Mean,
		Vocab: vocab,
	}
}

// LandscapeRecord is the per-step record spec §4.10.2 "Landscape"
// describes.
type LandscapeRecord struct {
	Step         int     `json:"step"`
	Top1         int     `json:"top1"`
	Top2         int     `json:"top2"`
	Gap          float32 `json:"gap"`
	EntropyTopK  float32 `json:"entropy_topk"`
	Top5         []int   `json:"top5"`
}

const landscapeTopK = 64

// BuildLandscape computes the entropy-over-top-k and top1/top2 gap
// record from a logits slice (spec §4.10.2 "Landscape").
func BuildLandscape(step int, logits []float32) LandscapeRecord {
	type idVal struct {
		id  int
		val float32
	}
	ranked := make([]idVal, len(logits))
	for i, v := range logits {
		ranked[i] = idVal{i, v}
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].val > ranked[j].val })

	rec := LandscapeRecord{Step: step}
	if len(ranked) > 0 {
		rec.Top1 = ranked[0].id
	}
	if len(ranked) > 1 {
		rec.Top2 = ranked[1].id
		rec.Gap = ranked[0].val - ranked[1].val
	}
	n5 := 5
	if len(ranked) < n5 {
		n5 = len(ranked)
	}
	for i := 0; i < n5; i++ {
		rec.Top5 = append(rec.Top5, ranked[i].id)
	}

	k := landscapeTopK
	if len(ranked) < k {
		k = len(ranked)
	}
	var maxLogit float32
	if k > 0 {
		maxLogit = ranked[0].val
	}
	var sum float64
	probs := make([]float64, k)
	for i := 0; i < k; i++ {
		p := math.Exp(float64(ranked[i].val - maxLogit))
		probs[i] = p
		sum += p
	}
	var entropy float64
	for _, p := range probs {
		if p <= 0 || sum == 0 {
			continue
		}
		pn := p / sum
		entropy -= pn * math.Log2(pn)
	}
	rec.EntropyTopK = float32(entropy)
	return rec
}

// LayerTraceRecord is the per-tagged-tensor-point record spec §4.10.2
// "Layer trace" describes.
type LayerTraceRecord struct {
	Step  int         `json:"step"`
	Layer int         `json:"layer"`
	Tag   TensorPoint `json:"tag"`
	N     int         `json:"n"`
	Hash  uint64      `json:"hash"`
	Min   float32     `json:"min"`
	Max   float32     `json:"max"`
	Mean  float32     `json:"mean"`
	NaN   int         `json:"nan"`
	Inf   int         `json:"inf"`
}

// ShouldTraceLayer reports whether f's configuration includes (layer,
// point) in the layer-trace output.
func (f Flags) ShouldTraceLayer(layer int, point TensorPoint) bool {
	if !f.LayerTrace {
		return false
	}
	if f.HasLayerFrom && layer < f.LayerFrom {
		return false
	}
	if f.HasLayerTo && layer > f.LayerTo {
		return false
	}
	if f.LayerSubset != nil && !f.LayerSubset[layer] {
		return false
	}
	if f.PointMask != nil && !f.PointMask[point] {
		return false
	}
	return true
}

// shouldSampleStep applies the TRACE_EVERY_N stride to a generation
// step; EveryN <= 0 samples every step.
func (f Flags) shouldSampleStep(step int) bool {
	if f.EveryN <= 1 {
		return true
	}
	return step%f.EveryN == 0
}

// ShouldTraceStep reports whether a step-level trace (Readout,
// Landscape, StageTrace) fires for phase/step, combining the
// TRACE_PREFILL_DECODE phase filter with the TRACE_EVERY_N stride.
func (f Flags) ShouldTraceStep(phase string, step int) bool {
	switch f.PrefillDecode {
	case "", "both":
	case phase:
	default:
		return false
	}
	return f.shouldSampleStep(step)
}

// BuildLayerTrace builds a LayerTraceRecord for one tagged tensor
// point.
func BuildLayerTrace(step, layer int, tag TensorPoint, data []float32) LayerTraceRecord {
	s := computeFloatStats(data)
	return LayerTraceRecord{Step: step, Layer: layer, Tag: tag, N: s.N, Hash: s.Hash, Min: s.Min, Max: s.Max, Mean: s.Mean, NaN: s.NaN, Inf: s.Inf}
}

// InputMeta optionally describes where a stage-trace sample's tensor
// data came from (spec §4.10.2 "Stage trace").
type InputMeta struct {
	Source string `json:"source"`
	Offset uint64 `json:"offset"`
}

// StageTraceRecord is the per-(point, phase, prompt_id) record spec
// §4.10.2 "Stage trace" describes; it keeps at most the first 256
// elements of the values it is given.
type StageTraceRecord struct {
	Point    TensorPoint `json:"point"`
	Phase    string      `json:"phase"`
	PromptID int         `json:"prompt_id"`
	N        int         `json:"n"`
	Hash     uint64      `json:"hash"`
	Min      float32     `json:"min"`
	Max      float32     `json:"max"`
	Mean     float32     `json:"mean"`
	Input    *InputMeta  `json:"input,omitempty"`
}

const stageSampleSize = 256

// BuildStageTrace builds a StageTraceRecord from up to the first 256
// elements of sample.
func BuildStageTrace(point TensorPoint, phase string, promptID int, sample []float32, input *InputMeta) StageTraceRecord {
	if len(sample) > stageSampleSize {
		sample = sample[:stageSampleSize]
	}
	s := computeFloatStats(sample)
	return StageTraceRecord{Point: point, Phase: phase, PromptID: promptID, N: s.N, Hash: s.Hash, Min: s.Min, Max: s.Max, Mean: s.Mean, Input: input}
}
