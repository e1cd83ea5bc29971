package textdata

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTokenizer maps each whitespace token to a fixed id for tests.
type fakeTokenizer struct {
	ids     map[string]int
	words   map[int]string
	special map[SpecialToken]int
}

func newFakeTokenizer() *fakeTokenizer {
	f := &fakeTokenizer{
		ids:   make(map[string]int),
		words: make(map[int]string),
		special: map[SpecialToken]int{
			TokPad:            0,
			TokUnknown:        1,
			TokClassification: 2,
			TokSeparator:      3,
		},
	}
	for i, w := range []string{"the", "cat", "sat", "down"} {
		f.ids[w] = i + 4
		f.words[i+4] = w
	}
	return f
}

func (f *fakeTokenizer) Encode(text string) []int {
	var out []int
	for _, w := range TokenList(text) {
		if id, ok := f.ids[w]; ok {
			out = append(out, id)
		} else {
			out = append(out, f.special[TokUnknown])
		}
	}
	return out
}

func (f *fakeTokenizer) Decode(ids []int) string {
	words := make([]string, len(ids))
	for i, id := range ids {
		words[i] = f.words[id]
	}
	return strings.Join(words, " ")
}

func (f *fakeTokenizer) SpecialTokenID(token SpecialToken) (int, error) {
	id, ok := f.special[token]
	if !ok {
		return 0, errors.Errorf("special token %s not in vocabulary", token)
	}
	return id, nil
}

func TestSpecialTokenString(t *testing.T) {
	assert.Equal(t, "pad", TokPad.String())
	assert.Equal(t, "classification", TokClassification.String())
	assert.Equal(t, "invalid", SpecialToken(99).String())
}

func TestBuildExample(t *testing.T) {
	tok := newFakeTokenizer()

	inputIDs, inputMask, segmentIDs, err := BuildExample(tok, "the cat sat", 8)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 5, 6, 3, 0, 0, 0}, inputIDs)
	assert.Equal(t, []int{1, 1, 1, 1, 1, 0, 0, 0}, inputMask)
	assert.Equal(t, []int{0, 0, 0, 0, 0, 0, 0, 0}, segmentIDs)
}

func TestBuildExampleTruncates(t *testing.T) {
	tok := newFakeTokenizer()

	inputIDs, inputMask, _, err := BuildExample(tok, "the cat sat down", 4)
	require.NoError(t, err)
	// Only two text ids fit between the classification and separator tokens.
	assert.Equal(t, []int{2, 4, 5, 3}, inputIDs)
	assert.Equal(t, []int{1, 1, 1, 1}, inputMask)
}

func TestBuildExampleUnknownToken(t *testing.T) {
	tok := newFakeTokenizer()

	inputIDs, _, _, err := BuildExample(tok, "the dog", 6)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 1, 3, 0, 0}, inputIDs)
}

func TestBuildExampleValidation(t *testing.T) {
	tok := newFakeTokenizer()

	_, _, _, err := BuildExample(tok, "the cat", 2)
	require.Error(t, err)

	delete(tok.special, TokSeparator)
	_, _, _, err = BuildExample(tok, "the cat", 8)
	require.Error(t, err)
}
