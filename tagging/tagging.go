// Package tagging defines the edit-tag vocabulary for the text-editing task:
// every source token receives one tag that either keeps or deletes the token,
// optionally adding a phrase before it. The package also derives the tag-id
// sets consumed by the loss reweighting (keep ids, delete ids, the smallest
// add-tag id and the per-vocabulary delete indicator).
package tagging

import (
	"strings"

	"github.com/pkg/errors"
)

// EditType is the base operation carried by a tag.
type EditType int

const (
	// Keep leaves the source token in place.
	Keep EditType = iota
	// Delete removes the source token.
	Delete
)

// String returns the canonical upper-case name of the edit type.
func (t EditType) String() string {
	switch t {
	case Keep:
		return "KEEP"
	case Delete:
		return "DELETE"
	default:
		return "INVALID"
	}
}

// Tag is one edit operation: a base type plus an optional phrase that is
// inserted before the token. A tag with a non-empty phrase belongs to the
// add category regardless of its base type.
type Tag struct {
	Type   EditType
	Phrase string
}

// ParseTag parses the textual form of a tag: "KEEP", "DELETE", or
// "KEEP|phrase" / "DELETE|phrase" where everything after the first '|' is
// the added phrase, verbatim. The base type is matched case-insensitively.
func ParseTag(s string) (Tag, error) {
	base := s
	phrase := ""
	if i := strings.IndexByte(s, '|'); i >= 0 {
		base = s[:i]
		phrase = s[i+1:]
	}
	switch strings.ToUpper(base) {
	case "KEEP":
		return Tag{Type: Keep, Phrase: phrase}, nil
	case "DELETE":
		return Tag{Type: Delete, Phrase: phrase}, nil
	default:
		return Tag{}, errors.Errorf("invalid tag %q: base type must be KEEP or DELETE", s)
	}
}

// Adds reports whether the tag inserts a phrase (the add category).
func (t Tag) Adds() bool { return t.Phrase != "" }

// String returns the textual form of the tag, the inverse of ParseTag.
func (t Tag) String() string {
	if t.Phrase == "" {
		return t.Type.String()
	}
	return t.Type.String() + "|" + t.Phrase
}
