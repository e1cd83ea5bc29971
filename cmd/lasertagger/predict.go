package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"

	"github.com/gomlx/lasertagger/tagging"
	"github.com/gomlx/lasertagger/textdata"
)

func predictCommand() *cli.Command {
	flags := append(modelFlags(),
		&cli.StringFlag{
			Name:     "examples",
			Usage:    "parquet shard of preprocessed examples to tag",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "output",
			Usage: "output TSV path (stdout when empty)",
		},
		&cli.IntFlag{Name: "batch-size", Value: 32, Usage: "examples per forward pass"},
		&cli.BoolFlag{Name: "ids", Usage: "emit raw tag ids instead of tag strings"},
	)
	return &cli.Command{
		Name:   "predict",
		Usage:  "write one line of predicted tags per example",
		Flags:  flags,
		Action: runPredict,
	}
}

func runPredict(c *cli.Context) error {
	if c.String("init-checkpoint") == "" {
		klog.Warning("Predicting from random initialization: no --init-checkpoint given")
	}
	batches, err := textdata.ReadBatches(c.String("examples"), c.Int("batch-size"))
	if err != nil {
		return err
	}
	builder, vocab, err := buildModel(c)
	if err != nil {
		return err
	}

	var out io.Writer = c.App.Writer
	if path := c.String("output"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		buf := bufio.NewWriter(f)
		defer buf.Flush()
		out = buf
	}

	rawIDs := c.Bool("ids")
	for i, batch := range batches {
		preds, err := builder.Predict(batch.Batch)
		if err != nil {
			return fmt.Errorf("batch %d: %w", i, err)
		}
		for _, tags := range preds.Predictions {
			cols := make([]string, len(tags))
			for pos, id := range tags {
				if rawIDs {
					cols[pos] = strconv.Itoa(id)
				} else {
					cols[pos] = tagString(vocab, id)
				}
			}
			if _, err := fmt.Fprintln(out, strings.Join(cols, " ")); err != nil {
				return err
			}
		}
	}
	return nil
}

// tagString renders a predicted id. Decoder predictions may fall on the
// reserved ids below the vocabulary; those print as bare numbers.
func tagString(vocab *tagging.Vocabulary, id int) string {
	tag, err := vocab.Tag(id)
	if err != nil {
		return strconv.Itoa(id)
	}
	return tag.String()
}
