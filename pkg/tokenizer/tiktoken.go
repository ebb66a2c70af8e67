package tokenizer

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// tiktokenEncoder serves both published tiktoken encodings and locally
// trained BPE ranks.
type tiktokenEncoder struct {
	enc *tiktoken.Tiktoken
	eos int
}

// NewTiktoken loads a published tiktoken encoding, cl100k_base when name is
// empty. The ranks file is downloaded on first use and cached in
// TIKTOKEN_CACHE_DIR when that is set.
func NewTiktoken(name string) (Encoder, error) {
	if name == "" {
		name = tiktoken.MODEL_CL100K_BASE
	}

	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, fmt.Errorf("failed to load tiktoken encoding %q: %w", name, err)
	}
	return newTiktokenEncoder(enc)
}

func newTiktokenEncoder(enc *tiktoken.Tiktoken) (*tiktokenEncoder, error) {
	ids := enc.Encode(EOSText, []string{EOSText}, nil)
	if len(ids) != 1 {
		return nil, fmt.Errorf("encoding has no %s token", EOSText)
	}
	return &tiktokenEncoder{enc: enc, eos: ids[0]}, nil
}

func (e *tiktokenEncoder) Encode(text string) ([]int, error) {
	return e.enc.Encode(text, []string{EOSText}, nil), nil
}

func (e *tiktokenEncoder) Decode(ids []int) string {
	return e.enc.Decode(ids)
}

func (e *tiktokenEncoder) EOS() int {
	return e.eos
}
