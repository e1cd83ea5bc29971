package main

import (
	"github.com/urfave/cli/v2"

	"github.com/gomlx/lasertagger/encoder"
	"github.com/gomlx/lasertagger/model"
	"github.com/gomlx/lasertagger/tagging"
)

// modelFlags are the flags shared by every command that constructs a model.
func modelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "label-map",
			Usage:    "tag vocabulary file (text or JSON layout)",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "encoder-config",
			Usage:    "encoder architecture JSON",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "init-checkpoint",
			Usage: "safetensors snapshot to warm-start matching variables from",
		},
		&cli.IntFlag{
			Name:  "max-seq-length",
			Usage: "padded sequence length of the examples",
			Value: 128,
		},
		&cli.BoolFlag{
			Name:  "use-decoder",
			Usage: "predict tags with the autoregressive decoder instead of the projection head",
		},
		&cli.IntFlag{Name: "decoder-layers", Value: 1, Usage: "decoder hidden layers"},
		&cli.IntFlag{Name: "decoder-hidden", Value: 768, Usage: "decoder hidden size"},
		&cli.IntFlag{Name: "decoder-heads", Value: 4, Usage: "decoder attention heads"},
		&cli.IntFlag{Name: "decoder-filter", Value: 3072, Usage: "decoder feed-forward filter size"},
		&cli.BoolFlag{
			Name:  "decoder-full-attention",
			Usage: "attend over all source positions instead of the aligned one",
		},
		&cli.Float64Flag{Name: "add-weight", Value: 1, Usage: "loss weight of phrase-adding tags"},
		&cli.Float64Flag{Name: "keep-weight", Value: 1, Usage: "loss weight of keep tags"},
		&cli.Float64Flag{Name: "delete-weight", Value: 1, Usage: "loss weight of delete tags"},
		&cli.Float64Flag{Name: "verb-weight", Value: 0, Usage: "verb-deletion penalty weight"},
		&cli.IntSliceFlag{
			Name:  "verb-tags",
			Usage: "part-of-speech ids treated as verbs by the deletion penalty",
		},
		&cli.Int64Flag{Name: "seed", Value: 42, Usage: "random seed for initialization and dropout"},
	}
}

// buildModel constructs the builder from the shared flags.
func buildModel(c *cli.Context) (*model.Builder, *tagging.Vocabulary, error) {
	vocab, err := tagging.FromFile(c.String("label-map"))
	if err != nil {
		return nil, nil, err
	}
	encCfg, err := encoder.LoadConfig(c.String("encoder-config"))
	if err != nil {
		return nil, nil, err
	}
	cfg := model.Config{
		Encoder:                  encCfg,
		UseAutoregressiveDecoder: c.Bool("use-decoder"),
		Decoder: model.DecoderOptions{
			NumHiddenLayers:   c.Int("decoder-layers"),
			HiddenSize:        c.Int("decoder-hidden"),
			NumAttentionHeads: c.Int("decoder-heads"),
			FilterSize:        c.Int("decoder-filter"),
			UseFullAttention:  c.Bool("decoder-full-attention"),
		},
	}
	b, err := model.NewBuilder(cfg, vocab, model.Options{
		MaxSeqLength:   c.Int("max-seq-length"),
		InitCheckpoint: c.String("init-checkpoint"),
		Weights: model.LossWeights{
			Add:    c.Float64("add-weight"),
			Keep:   c.Float64("keep-weight"),
			Delete: c.Float64("delete-weight"),
		},
		Verb: model.VerbDeletion{
			Weight:   c.Float64("verb-weight"),
			VerbTags: c.IntSlice("verb-tags"),
		},
		Seed: c.Int64("seed"),
	})
	if err != nil {
		return nil, nil, err
	}
	return b, vocab, nil
}
