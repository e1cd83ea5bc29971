package textdata

import (
	"github.com/pkg/errors"
)

// SpecialToken names a token with a fixed role whose id depends on the
// encoder vocabulary.
type SpecialToken int

const (
	// TokPad fills positions beyond the real sequence.
	TokPad SpecialToken = iota
	// TokUnknown replaces out-of-vocabulary tokens.
	TokUnknown
	// TokClassification starts every example.
	TokClassification
	// TokSeparator ends every segment.
	TokSeparator
)

// String returns the canonical lower-case name of the special token.
func (t SpecialToken) String() string {
	switch t {
	case TokPad:
		return "pad"
	case TokUnknown:
		return "unknown"
	case TokClassification:
		return "classification"
	case TokSeparator:
		return "separator"
	default:
		return "invalid"
	}
}

// Tokenizer converts text to encoder vocabulary ids and back. Tokenization
// itself happens upstream; this is the typed boundary the preprocessor
// plugs into.
type Tokenizer interface {
	Encode(text string) []int
	Decode(ids []int) string

	// SpecialTokenID returns the id of a special token, or an error when the
	// vocabulary does not define it.
	SpecialTokenID(token SpecialToken) (int, error)
}

// BuildExample encodes one pre-spaced source text into padded encoder
// inputs: a classification token, the text ids, a separator, then padding to
// maxLen. Texts longer than maxLen-2 ids are truncated. Segment ids are all
// zero; preprocessors that carry tags in them overwrite the slice.
func BuildExample(tok Tokenizer, text string, maxLen int) (inputIDs, inputMask, segmentIDs []int, err error) {
	if maxLen < 3 {
		return nil, nil, nil, errors.Errorf("max length %d leaves no room for text between the special tokens", maxLen)
	}
	cls, err := tok.SpecialTokenID(TokClassification)
	if err != nil {
		return nil, nil, nil, err
	}
	sep, err := tok.SpecialTokenID(TokSeparator)
	if err != nil {
		return nil, nil, nil, err
	}
	pad, err := tok.SpecialTokenID(TokPad)
	if err != nil {
		return nil, nil, nil, err
	}

	ids := tok.Encode(text)
	if len(ids) > maxLen-2 {
		ids = ids[:maxLen-2]
	}

	inputIDs = make([]int, maxLen)
	inputMask = make([]int, maxLen)
	segmentIDs = make([]int, maxLen)
	inputIDs[0] = cls
	inputMask[0] = 1
	for i, id := range ids {
		inputIDs[i+1] = id
		inputMask[i+1] = 1
	}
	inputIDs[len(ids)+1] = sep
	inputMask[len(ids)+1] = 1
	for i := len(ids) + 2; i < maxLen; i++ {
		inputIDs[i] = pad
	}
	return inputIDs, inputMask, segmentIDs, nil
}
