package textdata

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCorpus(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestTokenList(t *testing.T) {
	assert.Equal(t, []string{"ca", "n't", ",", "touch"}, TokenList("ca n't , touch"))
	assert.Equal(t, []string{"a", "b"}, TokenList("  a\tb  "))
	assert.Empty(t, TokenList(""))
	assert.Empty(t, TokenList("   "))
}

func TestParseTask(t *testing.T) {
	task, err := ParseTask("meaning")
	require.NoError(t, err)
	assert.Equal(t, Meaning, task)

	task, err = ParseTask("GRAMMAR")
	require.NoError(t, err)
	assert.Equal(t, Grammar, task)

	_, err = ParseTask("fusion")
	require.Error(t, err)
}

func TestIterPairsMeaning(t *testing.T) {
	path := writeCorpus(t, "meaning.tsv",
		"the source text\tthe summary\t0.75\n"+
			"another one\tshorter\t1.0\n")

	var pairs []Pair
	for pair, err := range IterPairs(path, Meaning) {
		require.NoError(t, err)
		pairs = append(pairs, pair)
	}
	require.Len(t, pairs, 2)
	assert.Equal(t, []string{"the source text"}, pairs[0].Sources)
	assert.Equal(t, "the summary", pairs[0].Target)
	assert.Equal(t, "0.75", pairs[0].Score)
	assert.Equal(t, "shorter", pairs[1].Target)
}

func TestIterPairsGrammar(t *testing.T) {
	path := writeCorpus(t, "grammar.tsv", "he go to school\t0\nshe went home\t1\n")

	var pairs []Pair
	for pair, err := range IterPairs(path, Grammar) {
		require.NoError(t, err)
		pairs = append(pairs, pair)
	}
	require.Len(t, pairs, 2)
	assert.Equal(t, []string{"he go to school"}, pairs[0].Sources)
	assert.Empty(t, pairs[0].Target)
	assert.Equal(t, "0", pairs[0].Score)
}

func TestIterPairsMalformedLine(t *testing.T) {
	path := writeCorpus(t, "bad.tsv", "good line\t1\nextra\tcolumns\there\n")

	var seen int
	var gotErr error
	for _, err := range IterPairs(path, Grammar) {
		if err != nil {
			gotErr = err
			break
		}
		seen++
	}
	assert.Equal(t, 1, seen)
	require.Error(t, gotErr)
	assert.Contains(t, gotErr.Error(), "line 2")
	assert.Contains(t, gotErr.Error(), "want 2")
}

func TestIterPairsMissingFile(t *testing.T) {
	var gotErr error
	for _, err := range IterPairs(filepath.Join(t.TempDir(), "absent.tsv"), Meaning) {
		gotErr = err
		break
	}
	require.Error(t, gotErr)
}

func TestIterPairsEarlyBreak(t *testing.T) {
	path := writeCorpus(t, "grammar.tsv", "a\t0\nb\t1\nc\t0\n")

	var first Pair
	for pair, err := range IterPairs(path, Grammar) {
		require.NoError(t, err)
		first = pair
		break
	}
	assert.Equal(t, []string{"a"}, first.Sources)
}

func TestCollectStats(t *testing.T) {
	path := writeCorpus(t, "meaning.tsv",
		"one two three\tshort target\t0.5\n"+
			"four five\tlonger target here\t0.9\n")

	stats, err := CollectStats(path, Meaning)
	require.NoError(t, err)
	assert.Equal(t, Stats{
		Pairs:        2,
		SourceTokens: 5,
		TargetTokens: 5,
		MaxSourceLen: 3,
		MaxTargetLen: 3,
	}, stats)
}

func TestCollectStatsGrammar(t *testing.T) {
	path := writeCorpus(t, "grammar.tsv", "one two\t0\n")

	stats, err := CollectStats(path, Grammar)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.SourceTokens)
	assert.Zero(t, stats.TargetTokens)
	assert.Zero(t, stats.MaxTargetLen)
}

func TestCollectStatsPropagatesErrors(t *testing.T) {
	path := writeCorpus(t, "bad.tsv", "only one column\n")
	_, err := CollectStats(path, Grammar)
	require.Error(t, err)
}
