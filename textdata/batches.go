package textdata

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"

	"github.com/gomlx/lasertagger/model"
)

// BatchRow is one preprocessed example as stored in a parquet shard. All five
// sequences share one padded length.
type BatchRow struct {
	InputIDs   []int32   `parquet:"input_ids"`
	InputMask  []int32   `parquet:"input_mask"`
	SegmentIDs []int32   `parquet:"segment_ids"`
	Labels     []int32   `parquet:"labels"`
	LabelsMask []float64 `parquet:"labels_mask"`
}

func (r *BatchRow) validate() error {
	n := len(r.InputIDs)
	if n == 0 {
		return errors.New("empty example")
	}
	if len(r.InputMask) != n || len(r.SegmentIDs) != n || len(r.Labels) != n || len(r.LabelsMask) != n {
		return errors.Errorf("sequence lengths disagree: %d/%d/%d/%d/%d",
			n, len(r.InputMask), len(r.SegmentIDs), len(r.Labels), len(r.LabelsMask))
	}
	return nil
}

// WriteBatches writes preprocessed examples to a parquet shard.
func WriteBatches(path string, rows []BatchRow) error {
	for i := range rows {
		if err := rows[i].validate(); err != nil {
			return errors.WithMessagef(err, "example %d", i)
		}
	}
	if err := parquet.WriteFile(path, rows); err != nil {
		return errors.Wrapf(err, "failed to write examples to %s", path)
	}
	return nil
}

// ReadRows loads every example of a parquet shard.
func ReadRows(path string) ([]BatchRow, error) {
	rows, err := parquet.ReadFile[BatchRow](path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read examples from %s", path)
	}
	return rows, nil
}

// ReadBatches loads a parquet shard and groups consecutive examples into
// rectangular batches of at most batchSize. Every example in the shard must
// share one padded length; the final batch may be smaller.
func ReadBatches(path string, batchSize int) ([]model.LabeledBatch, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", batchSize)
	}
	rows, err := ReadRows(path)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	seqLen := len(rows[0].InputIDs)
	batches := make([]model.LabeledBatch, 0, (len(rows)+batchSize-1)/batchSize)
	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		batch := model.LabeledBatch{
			Batch: model.Batch{
				InputIDs:   make([][]int, 0, end-start),
				InputMask:  make([][]int, 0, end-start),
				SegmentIDs: make([][]int, 0, end-start),
			},
			Labels:     make([][]int, 0, end-start),
			LabelsMask: make([][]float64, 0, end-start),
		}
		for i := start; i < end; i++ {
			if err := rows[i].validate(); err != nil {
				return nil, errors.WithMessagef(err, "example %d of %s", i, path)
			}
			if len(rows[i].InputIDs) != seqLen {
				return nil, errors.Errorf("example %d of %s: padded length %d, want %d",
					i, path, len(rows[i].InputIDs), seqLen)
			}
			batch.InputIDs = append(batch.InputIDs, toInts(rows[i].InputIDs))
			batch.InputMask = append(batch.InputMask, toInts(rows[i].InputMask))
			batch.SegmentIDs = append(batch.SegmentIDs, toInts(rows[i].SegmentIDs))
			batch.Labels = append(batch.Labels, toInts(rows[i].Labels))
			batch.LabelsMask = append(batch.LabelsMask, append([]float64(nil), rows[i].LabelsMask...))
		}
		batches = append(batches, batch)
	}
	return batches, nil
}

func toInts(v []int32) []int {
	out := make([]int, len(v))
	for i, x := range v {
		out[i] = int(x)
	}
	return out
}

// IterExamples returns an iterator over an id-TSV example file, the layout
// the upstream preprocessor emits: five tab-separated columns per line
// (input ids, input mask, segment ids, labels, labels mask), each a
// space-separated number list of one shared length.
func IterExamples(path string) func(yield func(BatchRow, error) bool) {
	return func(yield func(BatchRow, error) bool) {
		f, err := os.Open(path)
		if err != nil {
			yield(BatchRow{}, errors.Wrapf(err, "failed to open examples %s", path))
			return
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			cols := strings.Split(scanner.Text(), "\t")
			if len(cols) != 5 {
				yield(BatchRow{}, errors.Errorf("%s line %d: %d columns, want 5", path, lineNo, len(cols)))
				return
			}
			var row BatchRow
			var convErr error
			row.InputIDs, convErr = parseIntList(cols[0])
			if convErr == nil {
				row.InputMask, convErr = parseIntList(cols[1])
			}
			if convErr == nil {
				row.SegmentIDs, convErr = parseIntList(cols[2])
			}
			if convErr == nil {
				row.Labels, convErr = parseIntList(cols[3])
			}
			if convErr == nil {
				row.LabelsMask, convErr = parseFloatList(cols[4])
			}
			if convErr == nil {
				convErr = row.validate()
			}
			if convErr != nil {
				yield(BatchRow{}, errors.WithMessagef(convErr, "%s line %d", path, lineNo))
				return
			}
			if !yield(row, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(BatchRow{}, errors.Wrapf(err, "failed to read examples %s", path))
		}
	}
}

func parseIntList(s string) ([]int32, error) {
	fields := strings.Fields(s)
	out := make([]int32, len(fields))
	for i, field := range fields {
		v, err := strconv.ParseInt(field, 10, 32)
		if err != nil {
			return nil, errors.Errorf("invalid id %q", field)
		}
		out[i] = int32(v)
	}
	return out, nil
}

func parseFloatList(s string) ([]float64, error) {
	fields := strings.Fields(s)
	out := make([]float64, len(fields))
	for i, field := range fields {
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, errors.Errorf("invalid mask value %q", field)
		}
		out[i] = v
	}
	return out, nil
}
