package tagging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustTags(t *testing.T, specs ...string) []Tag {
	t.Helper()
	tags := make([]Tag, len(specs))
	for i, s := range specs {
		tag, err := ParseTag(s)
		require.NoError(t, err)
		tags[i] = tag
	}
	return tags
}

func TestNewVocabulary(t *testing.T) {
	v, err := NewVocabulary(mustTags(t, "KEEP", "DELETE", "KEEP|and"))
	require.NoError(t, err)
	assert.Equal(t, 3, v.Size())

	tag, err := v.Tag(2)
	require.NoError(t, err)
	assert.Equal(t, "KEEP|and", tag.String())

	assert.Equal(t, 1, v.ID(Tag{Type: Delete}))
	assert.Equal(t, -1, v.ID(Tag{Type: Delete, Phrase: "zzz"}))

	_, err = v.Tag(3)
	assert.Error(t, err)

	_, err = NewVocabulary(nil)
	assert.Error(t, err)

	_, err = NewVocabulary(mustTags(t, "KEEP", "KEEP"))
	assert.Error(t, err, "duplicate tags must be rejected")
}

func TestFromFileText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "label_map.txt")
	require.NoError(t, os.WriteFile(path, []byte("KEEP\nDELETE\nKEEP|and\nDELETE|and\n"), 0o644))

	v, err := FromFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"KEEP", "DELETE", "KEEP|and", "DELETE|and"}, v.Strings())
}

func TestFromFileJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "label_map.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"KEEP": 0, "DELETE": 1, "KEEP|and": 2}`), 0o644))

	v, err := FromFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"KEEP", "DELETE", "KEEP|and"}, v.Strings())
}

func TestFromFileJSONErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "sparse ids", body: `{"KEEP": 0, "DELETE": 2}`},
		{name: "negative id", body: `{"KEEP": -1, "DELETE": 0}`},
		{name: "bad tag", body: `{"SWAP": 0}`},
		{name: "not json", body: `KEEP`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "label_map.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0o644))
			_, err := FromFile(path)
			assert.Error(t, err)
		})
	}
}

func TestIDSets(t *testing.T) {
	// Ids 0..4: KEEP, DELETE, KEEP|and, DELETE|and, KEEP|but
	v, err := NewVocabulary(mustTags(t, "KEEP", "DELETE", "KEEP|and", "DELETE|and", "KEEP|but"))
	require.NoError(t, err)

	sets := v.IDSets()
	assert.Equal(t, []int{0, 2, 4}, sets.KeepIDs)
	assert.Equal(t, []int{1, 3}, sets.DeleteIDs)
	assert.Equal(t, 2, sets.SmallestAddID)
}

func TestIDSetsNoAddTags(t *testing.T) {
	v, err := NewVocabulary(mustTags(t, "KEEP", "DELETE"))
	require.NoError(t, err)
	assert.Equal(t, -1, v.IDSets().SmallestAddID)
}

func TestDeleteIndicator(t *testing.T) {
	v, err := NewVocabulary(mustTags(t, "KEEP", "DELETE", "KEEP|and", "DELETE|and"))
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 0, 1}, v.DeleteIndicator())
}
