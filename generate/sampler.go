// Package generate drives the prefill/decode loop over a scheduler,
// samples tokens, and emits the optional tracing records spec §4.10
// describes.
package generate

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/gretacore/gretacore/util/slicex"
)

// SampleParams bundles the sampler's tunable inputs (spec §4.10.1).
type SampleParams struct {
	Temperature float32
	TopK        int
	TopP        float32
	MaxTokens   int
	Seed        int64
	Greedy      bool
}

// Sampler draws the next token id from a vocab-sized logits slice
// (spec §4.10.1). It is stateful only in its debug-summary counter and
// its PRNG, both private to one generation session.
type Sampler struct {
	rng            *rand.Rand
	debugEmitted   int
	debugSink      func(string)
}

// NewSampler constructs a Sampler seeded from params.Seed. debugSink,
// if non-nil, receives the first three invocations' debug summary
// lines (spec §4.10.1 "For the first three invocations, emit a debug
// summary line").
func NewSampler(params SampleParams, debugSink func(string)) *Sampler {
	return &Sampler{rng: rand.New(rand.NewSource(params.Seed)), debugSink: debugSink}
}

// logitStats is the min/max/mean/NaN-count summary the debug line
// reports, plus the top-5 token ids by logit value and the softmax
// distribution's entropy (a cheap signal for how peaked or flat the
// model's next-token belief is).
type logitStats struct {
	min, max, mean float32
	nanCount       int
	top5           []int
	entropy        float64
}

func summarize(logits []float32) logitStats {
	var s logitStats
	if len(logits) == 0 {
		return s
	}
	s.min, s.max = logits[0], logits[0]
	var sum float32
	type idVal struct {
		id  int
		val float32
	}
	ranked := make([]idVal, 0, len(logits))
	for i, v := range logits {
		if math.IsNaN(float64(v)) {
			s.nanCount++
			continue
		}
		if v < s.min {
			s.min = v
		}
		if v > s.max {
			s.max = v
		}
		sum += v
		ranked = append(ranked, idVal{i, v})
	}
	if len(ranked) > 0 {
		s.mean = sum / float32(len(ranked))
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].val > ranked[j].val })
	n := 5
	if len(ranked) < n {
		n = len(ranked)
	}
	for i := 0; i < n; i++ {
		s.top5 = append(s.top5, ranked[i].id)
	}
	s.entropy = softmaxEntropy(logits, float64(s.max))
	return s
}

// softmaxEntropy computes the Shannon entropy, in nats, of the
// softmax distribution over logits (NaN entries excluded, same as
// summarize's other statistics).
func softmaxEntropy(logits []float32, maxLogit float64) float64 {
	probs := make([]float64, 0, len(logits))
	var sum float64
	for _, v := range logits {
		if math.IsNaN(float64(v)) {
			continue
		}
		p := math.Exp(float64(v) - maxLogit)
		probs = append(probs, p)
		sum += p
	}
	if sum <= 0 {
		return 0
	}
	for i := range probs {
		probs[i] /= sum
	}
	return stat.Entropy(probs)
}

// Sample draws the next token id from logits per params (spec
// §4.10.1). greedy returns argmax; otherwise it computes a temperature-
// scaled softmax, optionally truncated by top_k and top_p, and draws
// from the resulting distribution.
func (s *Sampler) Sample(logits []float32, params SampleParams) (int, error) {
	if len(logits) == 0 {
		return 0, fmt.Errorf("generate: sample called with empty logits")
	}

	if s.debugEmitted < 3 && s.debugSink != nil {
		st := summarize(logits)
		s.debugSink(fmt.Sprintf("sampler debug: min=%.4f max=%.4f mean=%.4f nan=%d entropy=%.4f top5=%v",
			st.min, st.max, st.mean, st.nanCount, st.entropy, st.top5))
		s.debugEmitted++
	}

	if params.Greedy {
		return argmax(logits), nil
	}

	temp := params.Temperature
	if temp <= 0 {
		temp = 1.0
	}

	maxLogit := logits[0]
	for _, v := range logits {
		if v > maxLogit {
			maxLogit = v
		}
	}

	candidates := make([]candidate, len(logits))
	var sum float32
	for i, v := range logits {
		p := float32(math.Exp(float64((v - maxLogit) / temp)))
		candidates[i] = candidate{id: i, prob: p}
		sum += p
	}
	for i := range candidates {
		candidates[i].prob /= sum
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].prob > candidates[j].prob })

	if params.TopK > 0 && params.TopK < len(candidates) {
		candidates = candidates[:params.TopK]
	}
	if params.TopP > 0 && params.TopP < 1.0 {
		candidates = nucleusTruncate(candidates, params.TopP)
	}

	var truncatedSum float32
	for _, c := range candidates {
		truncatedSum += c.prob
	}
	if truncatedSum <= 0 {
		return argmax(logits), nil
	}

	r := s.rng.Float32() * truncatedSum
	var cumulative float32
	for _, c := range candidates {
		cumulative += c.prob
		if cumulative >= r {
			return c.id, nil
		}
	}
	return candidates[len(candidates)-1].id, nil
}

// candidate is one sampling candidate: a token id and its softmax
// probability mass.
type candidate struct {
	id   int
	prob float32
}

// nucleusTruncate keeps the smallest prefix of candidates (already
// sorted by descending probability) whose cumulative mass crosses
// topP, locating the cutoff with a binary search over the running sum
// rather than a linear scan.
func nucleusTruncate(candidates []candidate, topP float32) []candidate {
	cumulative := make([]float32, len(candidates))
	var running float32
	for i, c := range candidates {
		running += c.prob
		cumulative[i] = running
	}
	cutoff := slicex.UpperBound(cumulative, topP)
	if cutoff >= len(candidates) {
		return candidates
	}
	return candidates[:cutoff+1]
}

func argmax(logits []float32) int {
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	return best
}
