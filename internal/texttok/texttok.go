// Package texttok is a minimal whitespace tokenizer standing in for a
// real BPE vocabulary (spec's CLI surface takes --prompt TEXT but a
// full tokenizer is outside the ten core modules spec §4 enumerates).
// It satisfies generate.Tokenizer well enough to drive the CLI and the
// trace/sampler machinery end to end against a real weight file's
// vocab size.
package texttok

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gretacore/gretacore/util/stringx"
)

// Special token ids, matching the bos/eos/unk convention a real
// Llama vocabulary reserves at the bottom of the id space.
const (
	unkTokenID = 0
	bosTokenID = 1
	eosTokenID = 2
)

// Tokenizer maps whitespace-split words to ids in [0, vocabSize) via an
// FNV hash, and back to the literal word per id assignment made during
// Encode (a real vocabulary would invert a merge table instead).
type Tokenizer struct {
	vocabSize uint32
	seen      map[int]string
}

// New constructs a Tokenizer bounded to vocabSize ids.
func New(vocabSize uint32) *Tokenizer {
	return &Tokenizer{vocabSize: vocabSize, seen: make(map[int]string)}
}

// Encode splits text on whitespace, hashes each word into the
// vocabulary range, and prepends a BOS token the way a Llama-style
// tokenizer always starts a sequence.
func (t *Tokenizer) Encode(text string) ([]int, error) {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil, fmt.Errorf("texttok: empty prompt")
	}
	ids := make([]int, len(words)+1)
	ids[0] = bosTokenID
	for i, w := range words {
		digest := stringx.SumByFNV64a(w)
		h, err := strconv.ParseUint(digest[:8], 16, 32)
		if err != nil {
			return nil, fmt.Errorf("texttok: hashing %q: %w", w, err)
		}
		id := int(uint32(h) % t.vocabSize)
		if id == unkTokenID || id == bosTokenID || id == eosTokenID {
			id = int(t.vocabSize - 1)
		}
		t.seen[id] = w
		ids[i+1] = id
	}
	return ids, nil
}

// Decode renders ids back to the words Encode last saw for them,
// skipping the BOS/EOS/UNK ids reserved at the bottom of the vocab
// (bos=1, eos=2, unk=0) and falling back to a numeric placeholder for
// ordinary ids never encoded.
func (t *Tokenizer) Decode(ids []int) (string, error) {
	words := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == unkTokenID || id == bosTokenID || id == eosTokenID {
			continue
		}
		if w, ok := t.seen[id]; ok {
			words = append(words, w)
			continue
		}
		words = append(words, fmt.Sprintf("<%d>", id))
	}
	return strings.Join(words, " "), nil
}
