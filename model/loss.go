package model

import (
	"math"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/gomlx/lasertagger/nn"
	"github.com/gomlx/lasertagger/tagging"
)

// LossOptions configures a Composer. IDSets and DeleteIndicator are given in
// the raw tag-id space; DecoderMode applies the reserved-id normalization to
// them exactly once, inside NewComposer.
type LossOptions struct {
	Weights LossWeights
	Verb    VerbDeletion
	IDSets  tagging.IDSets
	// NumTags is the size of the tag vocabulary before any decoder offset.
	NumTags     int
	DecoderMode bool
}

// Composer computes the weighted tagging loss: per-token cross-entropy
// reweighted in fixed order by the verb-deletion penalty and the
// add/keep/delete category weights. Each step multiplies the already
// adjusted loss of the previous one; weights of exactly 1 skip their step.
type Composer struct {
	addWeight    float64
	keepWeight   float64
	deleteWeight float64

	verbWeight      float64
	verbTags        []int
	deleteIndicator []float64

	keepIDs       []int
	deleteIDs     []int
	smallestAddID int

	vocabSize int
}

// NewComposer validates the options and applies the decoder-mode
// normalization: +2 on every tag id, sort+dedup of the offset keep/delete
// sets (ids in non-decoder mode pass through untouched, duplicates and all)
// and a [0, 0] prefix on the delete indicator covering the reserved ids.
func NewComposer(opts LossOptions) (*Composer, error) {
	if opts.NumTags <= 0 {
		return nil, errors.Wrapf(ErrConfiguration, "tag vocabulary is empty")
	}
	if opts.Weights.Add < 0 || opts.Weights.Keep < 0 || opts.Weights.Delete < 0 {
		return nil, errors.Wrapf(ErrConfiguration, "loss weights must not be negative, got %+v", opts.Weights)
	}
	if opts.Weights.Add != 1 && opts.IDSets.SmallestAddID < 0 {
		return nil, errors.Wrapf(ErrConfiguration,
			"add weight %g configured but the vocabulary has no phrase-adding tags", opts.Weights.Add)
	}
	for _, id := range opts.IDSets.KeepIDs {
		if id < 0 || id >= opts.NumTags {
			return nil, errors.Wrapf(ErrConfiguration, "keep tag id %d outside vocabulary of %d tags", id, opts.NumTags)
		}
	}
	for _, id := range opts.IDSets.DeleteIDs {
		if id < 0 || id >= opts.NumTags {
			return nil, errors.Wrapf(ErrConfiguration, "delete tag id %d outside vocabulary of %d tags", id, opts.NumTags)
		}
	}
	if opts.IDSets.SmallestAddID >= opts.NumTags {
		return nil, errors.Wrapf(ErrConfiguration, "smallest add tag id %d outside vocabulary of %d tags",
			opts.IDSets.SmallestAddID, opts.NumTags)
	}

	c := &Composer{
		addWeight:     opts.Weights.Add,
		keepWeight:    opts.Weights.Keep,
		deleteWeight:  opts.Weights.Delete,
		smallestAddID: opts.IDSets.SmallestAddID,
		vocabSize:     opts.NumTags,
	}
	if opts.Verb.Enabled() {
		indicator := opts.Verb.DeleteIndicator
		if len(indicator) != opts.NumTags {
			return nil, errors.Wrapf(ErrConfiguration,
				"delete indicator has %d entries for a vocabulary of %d tags", len(indicator), opts.NumTags)
		}
		c.verbWeight = opts.Verb.Weight
		c.verbTags = append([]int(nil), opts.Verb.VerbTags...)
		c.deleteIndicator = append([]float64(nil), indicator...)
	}

	if opts.DecoderMode {
		c.vocabSize = opts.NumTags + 2
		c.keepIDs = offsetUniqueSorted(opts.IDSets.KeepIDs)
		c.deleteIDs = offsetUniqueSorted(opts.IDSets.DeleteIDs)
		if c.smallestAddID >= 0 {
			c.smallestAddID += 2
		}
		if c.deleteIndicator != nil {
			c.deleteIndicator = append([]float64{0, 0}, c.deleteIndicator...)
		}
	} else {
		c.keepIDs = append([]int(nil), opts.IDSets.KeepIDs...)
		c.deleteIDs = append([]int(nil), opts.IDSets.DeleteIDs...)
	}
	return c, nil
}

// VocabSize returns the logits width the composer expects, including the
// reserved ids in decoder mode.
func (c *Composer) VocabSize() int { return c.vocabSize }

// Result packages one Compute call.
type Result struct {
	// Loss is the scalar training loss, the mean of PerExample.
	Loss float64
	// PerExample sums the weighted token losses over all positions and
	// divides by the number of valid tokens of the example.
	PerExample []float64
	// Predictions are per-position argmax tag ids over the logits, in the
	// same id space as the labels.
	Predictions [][]int
	// TokenWeights are the accumulated multiplicative factors per position,
	// for reuse by the gradient computation.
	TokenWeights [][]float64
}

// Compute runs the loss pipeline over one batch of per-example logits.
// labels must already carry the decoder offset when the composer was built
// in decoder mode. segmentIDs is consulted only when the verb-deletion
// penalty is active.
func (c *Composer) Compute(logits []*mat.Dense, labels [][]int, labelsMask [][]float64, segmentIDs [][]int) (*Result, error) {
	batch := len(logits)
	if batch == 0 {
		return nil, errors.Wrapf(ErrShape, "empty batch")
	}
	if len(labels) != batch || len(labelsMask) != batch {
		return nil, errors.Wrapf(ErrShape, "batch sizes disagree: %d logits, %d labels, %d masks",
			batch, len(labels), len(labelsMask))
	}
	verb := c.verbWeight != 0 && len(c.verbTags) > 0
	if verb && len(segmentIDs) != batch {
		return nil, errors.Wrapf(ErrShape, "verb deletion needs segment ids for all %d examples, got %d",
			batch, len(segmentIDs))
	}

	res := &Result{
		PerExample:   make([]float64, batch),
		Predictions:  make([][]int, batch),
		TokenWeights: make([][]float64, batch),
	}
	lossSum := 0.0
	for i := 0; i < batch; i++ {
		rows, cols := logits[i].Dims()
		if cols != c.vocabSize {
			return nil, errors.Wrapf(ErrShape, "example %d: logits width %d, want vocab %d", i, cols, c.vocabSize)
		}
		if len(labels[i]) != rows || len(labelsMask[i]) != rows {
			return nil, errors.Wrapf(ErrShape, "example %d: %d logit rows, %d labels, %d mask entries",
				i, rows, len(labels[i]), len(labelsMask[i]))
		}
		if verb && len(segmentIDs[i]) != rows {
			return nil, errors.Wrapf(ErrShape, "example %d: %d logit rows, %d segment ids", i, rows, len(segmentIDs[i]))
		}
		for t, label := range labels[i] {
			if label < 0 || label >= c.vocabSize {
				return nil, errors.Wrapf(ErrShape, "example %d position %d: label %d outside vocab of %d", i, t, label, c.vocabSize)
			}
		}

		weights := make([]float64, rows)
		loss := make([]float64, rows)
		for t := 0; t < rows; t++ {
			weights[t] = 1
			loss[t] = crossEntropy(logits[i].RawRowView(t), labels[i][t])
		}

		if verb {
			for t := 0; t < rows; t++ {
				mask := 0.0
				for _, tag := range c.verbTags {
					if segmentIDs[i][t] == tag {
						mask++
					}
				}
				if mask == 0 {
					continue
				}
				row := logits[i].RawRowView(t)
				num, den := 0.0, 0.0
				for j, v := range row {
					num += c.deleteIndicator[j] * v
					den += v
				}
				// The ratio is over raw logits, not a softmax; a zero
				// denominator follows IEEE division.
				weights[t] *= 1 + c.verbWeight*(num/den)*mask
			}
		}
		if c.addWeight != 1 {
			for t := 0; t < rows; t++ {
				if c.smallestAddID >= labels[i][t] {
					weights[t] *= 1 + (c.addWeight - 1)
				}
			}
		}
		applyCategoryWeight(weights, labels[i], c.keepWeight, c.keepIDs)
		applyCategoryWeight(weights, labels[i], c.deleteWeight, c.deleteIDs)

		// The numerator runs over every position, padded ones included; only
		// the denominator is the valid-token count.
		num, den := 0.0, 0.0
		for t := 0; t < rows; t++ {
			num += loss[t] * weights[t]
			den += labelsMask[i][t]
		}
		res.PerExample[i] = num / den
		res.TokenWeights[i] = weights
		res.Predictions[i] = nn.ArgMaxRows(logits[i])
		lossSum += res.PerExample[i]
	}
	res.Loss = lossSum / float64(batch)
	return res, nil
}

// applyCategoryWeight multiplies the token weights by 1+(weight-1)·mask,
// where the mask counts equality matches against ids. Duplicate ids
// double-count. A weight of exactly 1 is a no-op and skips the pass.
func applyCategoryWeight(weights []float64, labels []int, weight float64, ids []int) {
	if weight == 1 {
		return
	}
	for t, label := range labels {
		mask := 0.0
		for _, id := range ids {
			if label == id {
				mask++
			}
		}
		weights[t] *= 1 + (weight-1)*mask
	}
}

// crossEntropy is the sparse softmax cross-entropy of one logit row.
func crossEntropy(row []float64, label int) float64 {
	maxv := math.Inf(-1)
	for _, v := range row {
		if v > maxv {
			maxv = v
		}
	}
	sum := 0.0
	for _, v := range row {
		sum += math.Exp(v - maxv)
	}
	return maxv + math.Log(sum) - row[label]
}

func offsetUniqueSorted(ids []int) []int {
	seen := make(map[int]bool, len(ids))
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		v := id + 2
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Ints(out)
	return out
}
