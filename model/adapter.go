package model

import (
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/gomlx/lasertagger/checkpoint"
	"github.com/gomlx/lasertagger/decoder"
)

// SequenceDecoderAdapter wraps the tag decoder behind the uniform call
// contract the builder uses: targets present means teacher-forcing logits,
// absent means greedy decoding. The decoder vocabulary is the tag vocabulary
// plus the two reserved ids; decoded sequences are always exactly as long as
// the source, one tag per source token.
type SequenceDecoderAdapter struct {
	dec *decoder.Decoder
}

// NewSequenceDecoderAdapter assembles the decoder parameter set from the
// model-level options and registers the decoder variables in store.
func NewSequenceDecoderAdapter(opts DecoderOptions, numTags, maxSeqLength, encoderWidth int,
	store *checkpoint.Store, rng *rand.Rand) (*SequenceDecoderAdapter, error) {
	if numTags <= 0 {
		return nil, errors.Wrapf(ErrConfiguration, "tag vocabulary is empty")
	}
	params := decoder.Params{
		NumHiddenLayers:   opts.NumHiddenLayers,
		HiddenSize:        opts.HiddenSize,
		NumAttentionHeads: opts.NumAttentionHeads,
		FilterSize:        opts.FilterSize,
		VocabSize:         numTags + 2,
		MaxLength:         maxSeqLength,
		UseFullAttention:  opts.UseFullAttention,
	}
	dec, err := decoder.New(params, encoderWidth, store, rng)
	if err != nil {
		return nil, errors.WithMessagef(ErrConfiguration, "tag decoder: %v", err)
	}
	return &SequenceDecoderAdapter{dec: dec}, nil
}

// Decode runs the decoder. With targets it returns per-position logits over
// the offset vocabulary and a nil id slice; with nil targets it returns nil
// logits and the greedily decoded ids, still carrying the +2 offset; the
// caller subtracts it exactly once.
func (a *SequenceDecoderAdapter) Decode(inputMask []int, hidden *mat.Dense, targets []int) (*mat.Dense, []int, error) {
	if targets == nil {
		ids, err := a.dec.GreedyDecode(hidden, inputMask)
		return nil, ids, err
	}
	logits, err := a.dec.Forward(hidden, inputMask, targets)
	return logits, nil, err
}

// DecodeTrain is the teacher-forcing pass that also returns the activation
// tape for Backward.
func (a *SequenceDecoderAdapter) DecodeTrain(inputMask []int, hidden *mat.Dense, targets []int) (*mat.Dense, *decoder.Tape, error) {
	return a.dec.ForwardTrain(hidden, inputMask, targets)
}

// Backward turns a logits gradient into per-variable decoder gradients.
func (a *SequenceDecoderAdapter) Backward(tape *decoder.Tape, dLogits *mat.Dense) ([]checkpoint.Gradient, error) {
	return a.dec.Backward(tape, dLogits)
}

// OutputVocabSize returns the decoder vocabulary size, reserved ids included.
func (a *SequenceDecoderAdapter) OutputVocabSize() int { return a.dec.Params().VocabSize }
