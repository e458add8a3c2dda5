package tokenizer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/casonadams/minerva-sub000/internal/errs"
	"github.com/casonadams/minerva-sub000/internal/gguf"
)

// spaceMarker is the SentencePiece word-boundary glyph.
const spaceMarker = "▁"

// Vocab maps ids to the pieces stored under tokenizer.ggml.tokens. Encode is
// a longest-match over the pieces, which round-trips any text the vocabulary
// can spell but is not the model's trained segmentation.
type Vocab struct {
	pieces  []string
	ids     map[string]uint32
	byteIDs [256]int32
	longest int
	eos     int64
	bos     int64
}

// NewVocab builds a vocabulary from its pieces. eos and bos are -1 when the
// model has none.
func NewVocab(pieces []string, eos, bos int64) (*Vocab, error) {
	if len(pieces) == 0 {
		return nil, &errs.ConfigError{Field: "tokenizer.ggml.tokens", Expected: "at least one piece", Actual: "0"}
	}
	v := &Vocab{
		pieces: pieces,
		ids:    make(map[string]uint32, len(pieces)),
		eos:    eos,
		bos:    bos,
	}
	for i := range v.byteIDs {
		v.byteIDs[i] = -1
	}
	for i, p := range pieces {
		if b, ok := byteToken(p); ok {
			v.byteIDs[b] = int32(i) //nolint:gosec // G115: vocab sizes fit in int32.
			continue
		}
		text := strings.ReplaceAll(p, spaceMarker, " ")
		if _, dup := v.ids[text]; !dup && text != "" {
			v.ids[text] = uint32(i) //nolint:gosec // G115: vocab sizes fit in uint32.
		}
		v.longest = max(v.longest, len(text))
	}
	return v, nil
}

// FromGGUF reads the vocabulary embedded in a GGUF file.
func FromGGUF(f *gguf.File) (*Vocab, error) {
	pieces, ok := f.Metadata["tokenizer.ggml.tokens"].([]string)
	if !ok {
		return nil, &errs.ConfigError{Field: "tokenizer.ggml.tokens", Expected: "string array", Actual: fmt.Sprintf("%T", f.Metadata["tokenizer.ggml.tokens"])}
	}
	eos, ok := f.Int("tokenizer.ggml.eos_token_id")
	if !ok {
		eos = -1
	}
	bos, ok := f.Int("tokenizer.ggml.bos_token_id")
	if !ok {
		bos = -1
	}
	return NewVocab(pieces, eos, bos)
}

// byteToken parses the <0xNN> fallback pieces.
func byteToken(p string) (byte, bool) {
	if len(p) != 6 || !strings.HasPrefix(p, "<0x") || p[5] != '>' {
		return 0, false
	}
	b, err := strconv.ParseUint(p[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(b), true
}

// Encode splits text into the longest pieces the vocabulary holds, falling
// back to byte pieces.
func (v *Vocab) Encode(text string) ([]uint32, error) {
	var out []uint32
	for i := 0; i < len(text); {
		n := min(v.longest, len(text)-i)
		for ; n > 0; n-- {
			if id, ok := v.ids[text[i:i+n]]; ok {
				out = append(out, id)
				break
			}
		}
		if n > 0 {
			i += n
			continue
		}
		id := v.byteIDs[text[i]]
		if id < 0 {
			return nil, &errs.ConfigError{Field: "text", Expected: "characters covered by the vocabulary", Actual: strconv.Quote(text[i:min(i+8, len(text))])}
		}
		out = append(out, uint32(id)) //nolint:gosec // G115: checked non-negative.
		i++
	}
	return out, nil
}

// Decode joins the pieces of tokens.
func (v *Vocab) Decode(tokens []uint32) (string, error) {
	var sb strings.Builder
	for _, t := range tokens {
		if int(t) >= len(v.pieces) {
			return "", &errs.ConfigError{Field: "token", Expected: fmt.Sprintf("< %d", len(v.pieces)), Actual: fmt.Sprint(t)}
		}
		p := v.pieces[t]
		if b, ok := byteToken(p); ok {
			sb.WriteByte(b)
			continue
		}
		sb.WriteString(strings.ReplaceAll(p, spaceMarker, " "))
	}
	return sb.String(), nil
}

// VocabSize returns the number of pieces.
func (v *Vocab) VocabSize() int { return len(v.pieces) }

// EosToken returns tokenizer.ggml.eos_token_id.
func (v *Vocab) EosToken() (uint32, bool) {
	if v.eos < 0 || v.eos >= int64(len(v.pieces)) {
		return 0, false
	}
	return uint32(v.eos), true
}

// BosToken returns tokenizer.ggml.bos_token_id.
func (v *Vocab) BosToken() (uint32, bool) {
	if v.bos < 0 || v.bos >= int64(len(v.pieces)) {
		return 0, false
	}
	return uint32(v.bos), true
}
