package tokenizer

import "strings"

// byteEOS is the EOS id of the byte encoder.
const byteEOS = 256

type byteEncoder struct{}

// NewByteEncoder returns an encoder whose ids are the UTF-8 bytes of the
// text, with EOS at id 256. It needs no vocabulary file.
func NewByteEncoder() Encoder {
	return byteEncoder{}
}

func (byteEncoder) Encode(text string) ([]int, error) {
	ids := make([]int, 0, len(text))
	for i, part := range strings.Split(text, EOSText) {
		if i > 0 {
			ids = append(ids, byteEOS)
		}
		for j := 0; j < len(part); j++ {
			ids = append(ids, int(part[j]))
		}
	}
	return ids, nil
}

func (byteEncoder) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		switch {
		case id == byteEOS:
			sb.WriteString(EOSText)
		case id >= 0 && id < 256:
			sb.WriteByte(byte(id))
		}
	}
	return sb.String()
}

func (byteEncoder) EOS() int {
	return byteEOS
}
