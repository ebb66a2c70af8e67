package tokenizer

import (
	"fmt"
	"strings"

	hf "github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

type huggingFaceEncoder struct {
	tk  *hf.Tokenizer
	eos int
}

// NewHuggingFace loads a tokenizer.json. Its vocabulary must contain
// EOSText as a token.
func NewHuggingFace(path string) (Encoder, error) {
	tk, err := pretrained.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer %s: %w", path, err)
	}

	eos, ok := tk.TokenToId(EOSText)
	if !ok {
		return nil, fmt.Errorf("tokenizer %s has no %s token", path, EOSText)
	}
	return &huggingFaceEncoder{tk: tk, eos: eos}, nil
}

func (e *huggingFaceEncoder) Encode(text string) ([]int, error) {
	var ids []int
	for i, part := range strings.Split(text, EOSText) {
		if i > 0 {
			ids = append(ids, e.eos)
		}
		if part == "" {
			continue
		}

		enc, err := e.tk.EncodeSingle(part, false)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %q: %w", part, err)
		}
		ids = append(ids, enc.Ids...)
	}
	return ids, nil
}

func (e *huggingFaceEncoder) Decode(ids []int) string {
	return e.tk.Decode(ids, false)
}

func (e *huggingFaceEncoder) EOS() int {
	return e.eos
}
