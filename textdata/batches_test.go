package textdata

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exampleRows(n, seqLen int) []BatchRow {
	rows := make([]BatchRow, n)
	for i := range rows {
		row := BatchRow{
			InputIDs:   make([]int32, seqLen),
			InputMask:  make([]int32, seqLen),
			SegmentIDs: make([]int32, seqLen),
			Labels:     make([]int32, seqLen),
			LabelsMask: make([]float64, seqLen),
		}
		for j := 0; j < seqLen; j++ {
			row.InputIDs[j] = int32(i*seqLen + j)
			row.InputMask[j] = 1
			row.Labels[j] = int32(j % 3)
			row.LabelsMask[j] = 1
		}
		rows[i] = row
	}
	return rows
}

func TestWriteReadRowsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "examples.parquet")
	rows := exampleRows(3, 4)

	require.NoError(t, WriteBatches(path, rows))
	got, err := ReadRows(path)
	require.NoError(t, err)
	assert.Equal(t, rows, got)
}

func TestWriteBatchesRejectsInconsistentRow(t *testing.T) {
	rows := exampleRows(1, 4)
	rows[0].Labels = rows[0].Labels[:2]
	err := WriteBatches(filepath.Join(t.TempDir(), "bad.parquet"), rows)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "example 0")
}

func TestReadBatchesGroups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "examples.parquet")
	require.NoError(t, WriteBatches(path, exampleRows(5, 3)))

	batches, err := ReadBatches(path, 2)
	require.NoError(t, err)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0].InputIDs, 2)
	assert.Len(t, batches[1].InputIDs, 2)
	assert.Len(t, batches[2].InputIDs, 1)

	// First example of the second batch is shard row 2.
	assert.Equal(t, []int{6, 7, 8}, batches[1].InputIDs[0])
	assert.Equal(t, []int{1, 1, 1}, batches[1].InputMask[0])
	assert.Equal(t, []int{0, 1, 2}, batches[1].Labels[0])
	assert.Equal(t, []float64{1, 1, 1}, batches[1].LabelsMask[0])
}

func TestReadBatchesValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "examples.parquet")
	require.NoError(t, WriteBatches(path, exampleRows(2, 3)))

	_, err := ReadBatches(path, 0)
	require.Error(t, err)

	mixed := exampleRows(2, 3)
	mixed = append(mixed, exampleRows(1, 5)...)
	mixedPath := filepath.Join(t.TempDir(), "mixed.parquet")
	require.NoError(t, WriteBatches(mixedPath, mixed))
	_, err = ReadBatches(mixedPath, 4)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "padded length")
}

func TestReadBatchesEmptyShard(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.parquet")
	require.NoError(t, WriteBatches(path, nil))

	batches, err := ReadBatches(path, 4)
	require.NoError(t, err)
	assert.Empty(t, batches)
}

func TestIterExamples(t *testing.T) {
	content := "1 2 3\t1 1 0\t0 5 0\t0 1 2\t1 1 0\n" +
		"4 5 6\t1 1 1\t0 0 0\t2 1 0\t1 0.5 1\n"
	path := filepath.Join(t.TempDir(), "examples.tsv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	var rows []BatchRow
	for row, err := range IterExamples(path) {
		require.NoError(t, err)
		rows = append(rows, row)
	}
	require.Len(t, rows, 2)
	assert.Equal(t, []int32{1, 2, 3}, rows[0].InputIDs)
	assert.Equal(t, []int32{0, 5, 0}, rows[0].SegmentIDs)
	assert.Equal(t, []float64{1, 0.5, 1}, rows[1].LabelsMask)
}

func TestIterExamplesErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errPart string
	}{
		{
			name:    "wrong column count",
			content: "1 2\t1 1\t0 0\t0 1\n",
			errPart: "want 5",
		},
		{
			name:    "non-numeric id",
			content: "1 x\t1 1\t0 0\t0 1\t1 1\n",
			errPart: "invalid id",
		},
		{
			name:    "length mismatch across columns",
			content: "1 2 3\t1 1\t0 0\t0 1\t1 1\n",
			errPart: "lengths disagree",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.tsv")
			require.NoError(t, os.WriteFile(path, []byte(tc.content), 0o644))

			var gotErr error
			for _, err := range IterExamples(path) {
				if err != nil {
					gotErr = err
					break
				}
			}
			require.Error(t, gotErr)
			assert.Contains(t, gotErr.Error(), tc.errPart)
		})
	}
}
