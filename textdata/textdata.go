// Package textdata reads the text-editing corpora and the preprocessed
// example files: whitespace token lists, the two TSV pair layouts, parquet
// batch shards, and the typed tokenizer boundary to the upstream
// preprocessor.
package textdata

import (
	"bufio"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// TokenList splits pre-spaced text into tokens. The corpora separate tokens
// with space characters ("ca n't , touch"), so no tokenization happens here.
func TokenList(text string) []string {
	return strings.Fields(text)
}

// Task selects the TSV layout of a corpus file.
type Task int

const (
	// Meaning lines hold source, summary and score columns.
	Meaning Task = iota
	// Grammar lines hold source and score columns, with no target text.
	Grammar
)

// String returns the lower-case task name.
func (t Task) String() string {
	switch t {
	case Meaning:
		return "meaning"
	case Grammar:
		return "grammar"
	default:
		return "invalid"
	}
}

// ParseTask parses a task name, case-insensitively.
func ParseTask(s string) (Task, error) {
	switch strings.ToLower(s) {
	case "meaning":
		return Meaning, nil
	case "grammar":
		return Grammar, nil
	default:
		return 0, errors.Errorf("invalid task %q: must be meaning or grammar", s)
	}
}

// Pair is one line of a corpus file: the source texts, the optional target
// and the verbatim score column.
type Pair struct {
	Sources []string
	Target  string
	Score   string
}

// IterPairs returns an iterator over the pairs of a TSV corpus file in the
// given task's layout. A line with the wrong column count stops the
// iteration with an error.
func IterPairs(path string, task Task) func(yield func(Pair, error) bool) {
	return func(yield func(Pair, error) bool) {
		f, err := os.Open(path)
		if err != nil {
			yield(Pair{}, errors.Wrapf(err, "failed to open corpus %s", path))
			return
		}
		defer f.Close()

		want := 3
		if task == Grammar {
			want = 2
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			cols := strings.Split(scanner.Text(), "\t")
			if len(cols) != want {
				yield(Pair{}, errors.Errorf("%s line %d: %d columns, want %d for task %s",
					path, lineNo, len(cols), want, task))
				return
			}
			pair := Pair{Sources: []string{cols[0]}}
			if task == Meaning {
				pair.Target = cols[1]
				pair.Score = cols[2]
			} else {
				pair.Score = cols[1]
			}
			if !yield(pair, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(Pair{}, errors.Wrapf(err, "failed to read corpus %s", path))
		}
	}
}

// Stats summarizes a corpus file.
type Stats struct {
	Pairs        int
	SourceTokens int
	TargetTokens int
	MaxSourceLen int
	MaxTargetLen int
}

// CollectStats scans a corpus file and counts pairs and tokens.
func CollectStats(path string, task Task) (Stats, error) {
	var stats Stats
	for pair, err := range IterPairs(path, task) {
		if err != nil {
			return Stats{}, err
		}
		stats.Pairs++
		for _, src := range pair.Sources {
			n := len(TokenList(src))
			stats.SourceTokens += n
			if n > stats.MaxSourceLen {
				stats.MaxSourceLen = n
			}
		}
		if pair.Target != "" {
			n := len(TokenList(pair.Target))
			stats.TargetTokens += n
			if n > stats.MaxTargetLen {
				stats.MaxTargetLen = n
			}
		}
	}
	return stats, nil
}
