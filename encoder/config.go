// Package encoder implements the pretrained BERT-style transformer encoder
// that produces the per-token hidden states the tagging heads consume. The
// encoder is a frozen feature extractor: its variables are registered
// non-trainable and are expected to be warm-started from a published
// checkpoint.
package encoder

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Config mirrors the standard bert_config.json layout.
type Config struct {
	VocabSize             int     `json:"vocab_size"`
	HiddenSize            int     `json:"hidden_size"`
	NumHiddenLayers       int     `json:"num_hidden_layers"`
	NumAttentionHeads     int     `json:"num_attention_heads"`
	IntermediateSize      int     `json:"intermediate_size"`
	HiddenAct             string  `json:"hidden_act"`
	HiddenDropoutProb     float64 `json:"hidden_dropout_prob"`
	AttentionDropoutProb  float64 `json:"attention_probs_dropout_prob"`
	MaxPositionEmbeddings int     `json:"max_position_embeddings"`
	TypeVocabSize         int     `json:"type_vocab_size"`
	InitializerRange      float64 `json:"initializer_range"`
}

// layerNormEps is fixed in the reference BERT implementation rather than
// configurable.
const layerNormEps = 1e-12

// LoadConfig reads a Config from a bert_config.json file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "failed to read encoder config %s", path)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "failed to parse encoder config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, errors.WithMessagef(err, "encoder config %s", path)
	}
	return cfg, nil
}

// Validate checks the structural constraints the encoder relies on.
func (c Config) Validate() error {
	switch {
	case c.VocabSize <= 0:
		return errors.Errorf("vocab_size must be positive, got %d", c.VocabSize)
	case c.HiddenSize <= 0:
		return errors.Errorf("hidden_size must be positive, got %d", c.HiddenSize)
	case c.NumHiddenLayers <= 0:
		return errors.Errorf("num_hidden_layers must be positive, got %d", c.NumHiddenLayers)
	case c.NumAttentionHeads <= 0:
		return errors.Errorf("num_attention_heads must be positive, got %d", c.NumAttentionHeads)
	case c.HiddenSize%c.NumAttentionHeads != 0:
		return errors.Errorf("hidden_size %d not divisible by num_attention_heads %d",
			c.HiddenSize, c.NumAttentionHeads)
	case c.IntermediateSize <= 0:
		return errors.Errorf("intermediate_size must be positive, got %d", c.IntermediateSize)
	case c.MaxPositionEmbeddings <= 0:
		return errors.Errorf("max_position_embeddings must be positive, got %d", c.MaxPositionEmbeddings)
	case c.TypeVocabSize <= 0:
		return errors.Errorf("type_vocab_size must be positive, got %d", c.TypeVocabSize)
	}
	switch c.HiddenAct {
	case "", "gelu", "relu":
	default:
		return errors.Errorf("unsupported hidden_act %q", c.HiddenAct)
	}
	return nil
}
