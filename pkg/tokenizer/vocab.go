package tokenizer

import (
	"fmt"
	"slices"
	"strings"

	"headlinegpt/pkg/model"
)

// Vocab maps the source ids used by a corpus onto contiguous local ids
// [0, Size). Local ids follow the order of the source ids.
type Vocab struct {
	// SourceIDs[local] is the source id of a local id.
	SourceIDs []int

	toLocal map[int]int
}

// NewVocab builds the vocabulary of the distinct ids in stream.
func NewVocab(stream []int) *Vocab {
	ids := slices.Clone(stream)
	slices.Sort(ids)
	return VocabFromSourceIDs(slices.Compact(ids))
}

// VocabFromSourceIDs rebuilds a vocabulary from its sorted source ids, as
// stored in a checkpoint.
func VocabFromSourceIDs(sourceIDs []int) *Vocab {
	v := &Vocab{SourceIDs: slices.Clone(sourceIDs), toLocal: make(map[int]int, len(sourceIDs))}
	for local, src := range v.SourceIDs {
		v.toLocal[src] = local
	}
	return v
}

// Size returns the number of local ids; it is the model's vocab_size.
func (v *Vocab) Size() int {
	return len(v.SourceIDs)
}

// Local maps source ids to local ids. A source id the corpus never used
// has no local id and fails with model.ErrVocabularyRange.
func (v *Vocab) Local(source []int) ([]int, error) {
	local := make([]int, len(source))
	for i, src := range source {
		id, ok := v.toLocal[src]
		if !ok {
			return nil, fmt.Errorf("%w: source token %d does not occur in the training corpus", model.ErrVocabularyRange, src)
		}
		local[i] = id
	}
	return local, nil
}

// Source maps local ids back to source ids, skipping ids out of range.
func (v *Vocab) Source(local []int) []int {
	source := make([]int, 0, len(local))
	for _, id := range local {
		if id >= 0 && id < len(v.SourceIDs) {
			source = append(source, v.SourceIDs[id])
		}
	}
	return source
}

// Codec combines a source encoder with a compacted vocabulary and works
// entirely in local ids.
type Codec struct {
	Encoder Encoder
	Vocab   *Vocab
}

// Encode encodes text into local ids.
func (c *Codec) Encode(text string) ([]int, error) {
	source, err := c.Encoder.Encode(text)
	if err != nil {
		return nil, err
	}
	return c.Vocab.Local(source)
}

// Decode decodes local ids. With forOutput, every EOS becomes a newline so
// generated lines print one per line.
func (c *Codec) Decode(ids []int, forOutput bool) string {
	text := c.Encoder.Decode(c.Vocab.Source(ids))
	if forOutput {
		text = strings.ReplaceAll(text, EOSText, "\n")
	}
	return text
}

// EOS returns the local id of the EOS token, or -1 if the vocabulary does
// not contain it.
func (c *Codec) EOS() int {
	if id, ok := c.Vocab.toLocal[c.Encoder.EOS()]; ok {
		return id
	}
	return -1
}

// Corpus is a tokenized set of lines.
type Corpus struct {
	// Stream holds local ids of all lines, each followed by EOS.
	Stream []int

	// Lengths holds the token count of each line, EOS excluded.
	Lengths []int

	Codec *Codec
}

// BuildCorpus encodes each line, appends EOS after it and compacts the
// result. Empty lines are skipped.
func BuildCorpus(enc Encoder, lines []string) (*Corpus, error) {
	eos := enc.EOS()

	var stream []int
	var lengths []int
	for i, line := range lines {
		if line == "" {
			continue
		}
		ids, err := enc.Encode(line)
		if err != nil {
			return nil, fmt.Errorf("failed to encode line %d: %w", i, err)
		}
		lengths = append(lengths, len(ids))
		stream = append(stream, ids...)
		stream = append(stream, eos)
	}

	if len(stream) == 0 {
		return nil, fmt.Errorf("corpus has no non-empty lines")
	}

	codec := &Codec{Encoder: enc, Vocab: NewVocab(stream)}
	local, err := codec.Vocab.Local(stream)
	if err != nil {
		return nil, err
	}

	return &Corpus{Stream: local, Lengths: lengths, Codec: codec}, nil
}
