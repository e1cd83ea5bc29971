package tagging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Vocabulary is an immutable ordered mapping from tag id to Tag. Ids are
// dense: 0..Size()-1.
type Vocabulary struct {
	tags []Tag
	ids  map[string]int
}

// NewVocabulary builds a vocabulary from tags in id order. Duplicate tags
// are rejected.
func NewVocabulary(tags []Tag) (*Vocabulary, error) {
	if len(tags) == 0 {
		return nil, errors.New("empty tag vocabulary")
	}
	v := &Vocabulary{
		tags: make([]Tag, len(tags)),
		ids:  make(map[string]int, len(tags)),
	}
	copy(v.tags, tags)
	for id, tag := range tags {
		key := tag.String()
		if _, dup := v.ids[key]; dup {
			return nil, errors.Errorf("duplicate tag %q in vocabulary", key)
		}
		v.ids[key] = id
	}
	return v, nil
}

// FromFile loads a vocabulary from a label-map file. Two layouts are
// supported: plain text with one tag per line (the id is the line index)
// and JSON with a {"TAG": id} object whose ids must form a dense 0..n-1
// range. The layout is picked by the file extension (".json" vs anything
// else).
func FromFile(path string) (*Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read label map %s", path)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return parseJSONLabelMap(data)
	}
	return parseTextLabelMap(data)
}

func parseTextLabelMap(data []byte) (*Vocabulary, error) {
	var tags []Tag
	for i, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			return nil, errors.Errorf("empty tag on line %d of label map", i+1)
		}
		tag, err := ParseTag(line)
		if err != nil {
			return nil, errors.WithMessagef(err, "line %d of label map", i+1)
		}
		tags = append(tags, tag)
	}
	return NewVocabulary(tags)
}

func parseJSONLabelMap(data []byte) (*Vocabulary, error) {
	var raw map[string]int
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "failed to parse JSON label map")
	}
	tags := make([]Tag, len(raw))
	seen := make([]bool, len(raw))
	for s, id := range raw {
		if id < 0 || id >= len(raw) {
			return nil, errors.Errorf("label map id %d for tag %q outside dense range [0, %d)", id, s, len(raw))
		}
		if seen[id] {
			return nil, errors.Errorf("label map id %d assigned twice", id)
		}
		tag, err := ParseTag(s)
		if err != nil {
			return nil, err
		}
		tags[id] = tag
		seen[id] = true
	}
	return NewVocabulary(tags)
}

// Size returns the number of tags.
func (v *Vocabulary) Size() int { return len(v.tags) }

// Tag returns the tag for an id. The id must be in [0, Size()).
func (v *Vocabulary) Tag(id int) (Tag, error) {
	if id < 0 || id >= len(v.tags) {
		return Tag{}, errors.Errorf("tag id %d outside vocabulary of size %d", id, len(v.tags))
	}
	return v.tags[id], nil
}

// ID returns the id of a tag, or -1 if the tag is not in the vocabulary.
func (v *Vocabulary) ID(tag Tag) int {
	if id, ok := v.ids[tag.String()]; ok {
		return id
	}
	return -1
}

// IDSets groups the tag ids by edit category, as consumed by the loss
// reweighting. KeepIDs and DeleteIDs collect ids by base type, with or
// without a phrase, so they may overlap the add category. SmallestAddID is
// the minimum id whose tag adds a phrase, or -1 when no tag does.
//
// The values are raw vocabulary ids: the +2 decoder offset and the
// delete-indicator padding happen once, where the model is constructed,
// never here.
type IDSets struct {
	KeepIDs       []int
	DeleteIDs     []int
	SmallestAddID int
}

// IDSets derives the per-category id sets from the vocabulary.
func (v *Vocabulary) IDSets() IDSets {
	sets := IDSets{SmallestAddID: -1}
	for id, tag := range v.tags {
		switch tag.Type {
		case Keep:
			sets.KeepIDs = append(sets.KeepIDs, id)
		case Delete:
			sets.DeleteIDs = append(sets.DeleteIDs, id)
		}
		if tag.Adds() && sets.SmallestAddID == -1 {
			sets.SmallestAddID = id
		}
	}
	return sets
}

// DeleteIndicator returns a 0/1 vector over the vocabulary with 1.0 at every
// id whose tag deletes its source token. It feeds the verb-deletion
// delete-probability term of the loss.
func (v *Vocabulary) DeleteIndicator() []float64 {
	ind := make([]float64, len(v.tags))
	for id, tag := range v.tags {
		if tag.Type == Delete {
			ind[id] = 1.0
		}
	}
	return ind
}

// Strings returns the textual form of every tag in id order.
func (v *Vocabulary) Strings() []string {
	out := make([]string, len(v.tags))
	for i, tag := range v.tags {
		out[i] = tag.String()
	}
	return out
}
