package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/lasertagger/textdata"
)

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	app := newApp()
	var buf bytes.Buffer
	app.Writer = &buf
	app.ErrWriter = &buf
	err := app.Run(append([]string{"lasertagger"}, args...))
	return buf.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// modelFixtures writes a tiny label map, encoder config and id-TSV example
// file usable by every model-building command.
func modelFixtures(t *testing.T) (labelMap, encoderConfig, examplesTSV string) {
	t.Helper()
	dir := t.TempDir()
	labelMap = writeFile(t, dir, "label_map.txt", "KEEP\nDELETE\nKEEP|and\nDELETE|and\n")
	encoderConfig = writeFile(t, dir, "bert_config.json", `{
  "vocab_size": 16,
  "hidden_size": 8,
  "num_hidden_layers": 1,
  "num_attention_heads": 2,
  "intermediate_size": 16,
  "hidden_act": "gelu",
  "max_position_embeddings": 8,
  "type_vocab_size": 16,
  "initializer_range": 0.02
}`)
	examplesTSV = writeFile(t, dir, "examples.tsv",
		"1 2 3 4 0 0\t1 1 1 1 0 0\t0 0 0 0 0 0\t0 1 2 3 0 0\t1 1 1 1 0 0\n"+
			"5 6 0 0 0 0\t1 1 0 0 0 0\t0 0 0 0 0 0\t2 0 0 0 0 0\t1 1 0 0 0 0\n"+
			"7 8 9 0 0 0\t1 1 1 0 0 0\t0 0 0 0 0 0\t1 1 0 0 0 0\t1 1 1 0 0 0\n"+
			"10 11 0 0 0 0\t1 1 0 0 0 0\t0 0 0 0 0 0\t3 0 0 0 0 0\t1 1 0 0 0 0\n")
	return labelMap, encoderConfig, examplesTSV
}

func convertExamples(t *testing.T, examplesTSV string) string {
	t.Helper()
	parquetPath := filepath.Join(t.TempDir(), "examples.parquet")
	out, err := runApp(t, "data", "convert", "--output", parquetPath, examplesTSV)
	require.NoError(t, err)
	assert.Contains(t, out, parquetPath)
	return parquetPath
}

func TestDataConvert(t *testing.T) {
	_, _, examplesTSV := modelFixtures(t)
	parquetPath := convertExamples(t, examplesTSV)

	rows, err := textdata.ReadRows(parquetPath)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, []int32{1, 2, 3, 4, 0, 0}, rows[0].InputIDs)
	assert.Equal(t, []int32{3, 0, 0, 0, 0, 0}, rows[3].Labels)
}

func TestDataConvertShards(t *testing.T) {
	_, _, examplesTSV := modelFixtures(t)
	output := filepath.Join(t.TempDir(), "shard.parquet")

	out, err := runApp(t, "data", "convert", "--output", output, "--shard-size", "3", examplesTSV)
	require.NoError(t, err)
	assert.Contains(t, out, "shard-00000.parquet")
	assert.Contains(t, out, "shard-00001.parquet")

	first, err := textdata.ReadRows(strings.Replace(output, "shard.parquet", "shard-00000.parquet", 1))
	require.NoError(t, err)
	assert.Len(t, first, 3)
	second, err := textdata.ReadRows(strings.Replace(output, "shard.parquet", "shard-00001.parquet", 1))
	require.NoError(t, err)
	assert.Len(t, second, 1)
}

func TestDataStats(t *testing.T) {
	dir := t.TempDir()
	corpus := writeFile(t, dir, "corpus.tsv",
		"one two three\ta summary\t0.5\n"+
			"four five\tanother\t0.9\n")

	out, err := runApp(t, "data", "stats", "--task", "meaning", corpus)
	require.NoError(t, err)
	assert.Contains(t, out, "pairs: 2")
	assert.Contains(t, out, "source tokens: 5")
	assert.Contains(t, out, "target tokens: 3")

	_, err = runApp(t, "data", "stats", "--task", "fusion", corpus)
	require.Error(t, err)
}

func TestTrainEvalPredictFlow(t *testing.T) {
	labelMap, encoderConfig, examplesTSV := modelFixtures(t)
	parquetPath := convertExamples(t, examplesTSV)
	outputDir := t.TempDir()

	modelArgs := []string{
		"--label-map", labelMap,
		"--encoder-config", encoderConfig,
		"--max-seq-length", "6",
		"--seed", "7",
	}

	trainArgs := append([]string{"train",
		"--examples", parquetPath,
		"--output-dir", outputDir,
		"--batch-size", "2",
		"--epochs", "1",
		"--learning-rate", "0.01",
		"--quiet",
	}, modelArgs...)
	out, err := runApp(t, trainArgs...)
	require.NoError(t, err)

	snapshot := strings.TrimSpace(out)
	require.True(t, strings.HasSuffix(snapshot, "model.safetensors"), "unexpected train output %q", out)
	_, err = os.Stat(snapshot)
	require.NoError(t, err)

	inspectOut, err := runApp(t, "checkpoint", "inspect", snapshot)
	require.NoError(t, err)
	assert.Contains(t, inspectOut, "output_projection/kernel")
	assert.Contains(t, inspectOut, "bert/embeddings/word_embeddings")
	assert.Contains(t, inspectOut, "total parameters")
	assert.Contains(t, inspectOut, "# step = 2")

	evalArgs := append([]string{"eval",
		"--examples", parquetPath,
		"--batch-size", "2",
		"--init-checkpoint", snapshot,
	}, modelArgs...)
	evalOut, err := runApp(t, evalArgs...)
	require.NoError(t, err)
	assert.Contains(t, evalOut, "eval_loss")
	assert.Contains(t, evalOut, "sentence_level_acc")
	assert.Contains(t, evalOut, "4")

	predictPath := filepath.Join(t.TempDir(), "predictions.tsv")
	predictArgs := append([]string{"predict",
		"--examples", parquetPath,
		"--batch-size", "2",
		"--init-checkpoint", snapshot,
		"--output", predictPath,
		"--ids",
	}, modelArgs...)
	_, err = runApp(t, predictArgs...)
	require.NoError(t, err)

	data, err := os.ReadFile(predictPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 4)
	for _, line := range lines {
		fields := strings.Fields(line)
		require.Len(t, fields, 6)
		for _, f := range fields {
			id, err := strconv.Atoi(f)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, id, 0)
			assert.Less(t, id, 4)
		}
	}
}

func TestPredictTagStrings(t *testing.T) {
	labelMap, encoderConfig, examplesTSV := modelFixtures(t)
	parquetPath := convertExamples(t, examplesTSV)
	predictPath := filepath.Join(t.TempDir(), "predictions.tsv")

	_, err := runApp(t, "predict",
		"--label-map", labelMap,
		"--encoder-config", encoderConfig,
		"--max-seq-length", "6",
		"--examples", parquetPath,
		"--output", predictPath,
	)
	require.NoError(t, err)

	data, err := os.ReadFile(predictPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 4)
	valid := map[string]bool{"KEEP": true, "DELETE": true, "KEEP|and": true, "DELETE|and": true}
	for _, line := range lines {
		fields := strings.Fields(line)
		require.Len(t, fields, 6)
		for _, f := range fields {
			assert.True(t, valid[f], "unexpected tag %q", f)
		}
	}
}

func TestTrainRequiredFlags(t *testing.T) {
	_, err := runApp(t, "train")
	require.Error(t, err)
}

func TestInspectMissingSnapshot(t *testing.T) {
	_, err := runApp(t, "checkpoint", "inspect", filepath.Join(t.TempDir(), "absent.safetensors"))
	require.Error(t, err)

	_, err = runApp(t, "checkpoint", "inspect")
	require.Error(t, err)
}
