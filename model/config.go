// Package model is the core of the tagger: it assembles the frozen encoder
// with either the autoregressive tag decoder or a linear projection head,
// composes the weighted training loss, and exposes the three execution paths
// (train, evaluate, predict) over parameter batches.
package model

import "github.com/gomlx/lasertagger/encoder"

// Config bundles the encoder configuration with the decoding-mode switch and
// the decoder hyperparameters. Composition, not extension: the encoder config
// stays an opaque member.
type Config struct {
	Encoder                  encoder.Config
	UseAutoregressiveDecoder bool
	Decoder                  DecoderOptions
}

// DecoderOptions are the hyperparameters of the autoregressive tag decoder.
// They matter only when Config.UseAutoregressiveDecoder is set and are
// validated when the decoder is instantiated, not before.
type DecoderOptions struct {
	NumHiddenLayers   int
	HiddenSize        int
	NumAttentionHeads int
	FilterSize        int
	UseFullAttention  bool
}

// DefaultDecoderOptions returns the decoder defaults: a single hidden layer
// of width 768 with 4 heads and filter size 3072, aligned attention.
func DefaultDecoderOptions() DecoderOptions {
	return DecoderOptions{
		NumHiddenLayers:   1,
		HiddenSize:        768,
		NumAttentionHeads: 4,
		FilterSize:        3072,
		UseFullAttention:  false,
	}
}

// LossWeights are the multiplicative per-category loss factors. A weight of
// exactly 1 short-circuits its reweighting step.
type LossWeights struct {
	Add    float64
	Keep   float64
	Delete float64
}

// DefaultLossWeights leaves the loss unweighted.
func DefaultLossWeights() LossWeights {
	return LossWeights{Add: 1, Keep: 1, Delete: 1}
}

// VerbDeletion configures the verb-deletion penalty. The penalty is active
// when Weight is nonzero and at least one verb POS tag is configured; the
// POS tags are matched against the batch segment ids.
type VerbDeletion struct {
	Weight float64
	// VerbTags lists the POS tag ids counted as verbs. Duplicate entries
	// double-count in the verb mask.
	VerbTags []int
	// DeleteIndicator marks with 1.0 every tag id whose base edit is DELETE,
	// aligned to the tag vocabulary. When nil it is derived from the
	// vocabulary.
	DeleteIndicator []float64
}

// Enabled reports whether the penalty participates in the loss.
func (v VerbDeletion) Enabled() bool {
	return v.Weight != 0 && len(v.VerbTags) > 0
}
