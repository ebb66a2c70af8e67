// Package tokenizer turns headline text into model token ids and back.
//
// A source Encoder produces ids in its own id space:
//   - tiktoken encodings such as cl100k_base
//   - a byte-level BPE trained on the corpus and saved in the .tiktoken format
//   - a HuggingFace tokenizer.json
//   - raw bytes
//
// A Vocab then compacts the source ids a corpus actually uses into the
// contiguous range [0, Size) the model is built for. Every line of the corpus
// ends with the EOS token, which also separates lines in the token stream.
package tokenizer

import (
	"fmt"
)

// EOSText is the end-of-text marker appended after every line.
const EOSText = "<|endoftext|>"

// Source encoder backends.
const (
	BackendTiktoken    = "tiktoken"
	BackendBPE         = "bpe"
	BackendHuggingFace = "huggingface"
	BackendByte        = "byte"
)

// Encoder maps text to source token ids and back. Occurrences of EOSText in
// the input are encoded as the EOS token.
type Encoder interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) string

	// EOS returns the source id of EOSText.
	EOS() int
}

// Spec identifies a source encoder. Checkpoints store it so generation
// rebuilds the encoder the model was trained with.
type Spec struct {
	Backend string `json:"backend"`

	// Encoding names the tiktoken encoding (default cl100k_base).
	Encoding string `json:"encoding,omitempty"`

	// Path is the BPE ranks file or the HuggingFace tokenizer.json.
	Path string `json:"path,omitempty"`
}

// Open builds the encoder described by spec. An empty backend means
// tiktoken.
func Open(spec Spec) (Encoder, error) {
	switch spec.Backend {
	case "", BackendTiktoken:
		return NewTiktoken(spec.Encoding)
	case BackendBPE:
		bpe, err := LoadBPE(spec.Path)
		if err != nil {
			return nil, err
		}
		return bpe.Encoder()
	case BackendHuggingFace:
		return NewHuggingFace(spec.Path)
	case BackendByte:
		return NewByteEncoder(), nil
	default:
		return nil, fmt.Errorf("unknown tokenizer backend %q", spec.Backend)
	}
}
