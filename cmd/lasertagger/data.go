package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"k8s.io/klog/v2"

	"github.com/gomlx/lasertagger/textdata"
)

func dataCommand() *cli.Command {
	return &cli.Command{
		Name:  "data",
		Usage: "corpus and example tooling",
		Subcommands: []*cli.Command{
			{
				Name:      "stats",
				Usage:     "token and pair statistics of a TSV corpus",
				ArgsUsage: "CORPUS",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "task",
						Usage: "corpus layout: meaning or grammar",
						Value: "meaning",
					},
				},
				Action: runDataStats,
			},
			{
				Name:      "convert",
				Usage:     "convert an id-TSV example file to parquet shards",
				ArgsUsage: "EXAMPLES",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "output",
						Usage:    "output parquet path",
						Required: true,
					},
					&cli.IntFlag{
						Name:  "shard-size",
						Usage: "examples per shard (0 writes a single file)",
					},
				},
				Action: runDataConvert,
			},
		},
	}
}

func runDataStats(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected exactly one corpus path, got %d arguments", c.NArg())
	}
	task, err := textdata.ParseTask(c.String("task"))
	if err != nil {
		return err
	}
	stats, err := textdata.CollectStats(c.Args().First(), task)
	if err != nil {
		return err
	}

	p := message.NewPrinter(language.English)
	fmt.Fprintln(c.App.Writer, p.Sprintf("pairs: %d", stats.Pairs))
	fmt.Fprintln(c.App.Writer, p.Sprintf("source tokens: %d (longest %d)", stats.SourceTokens, stats.MaxSourceLen))
	if task == textdata.Meaning {
		fmt.Fprintln(c.App.Writer, p.Sprintf("target tokens: %d (longest %d)", stats.TargetTokens, stats.MaxTargetLen))
	}
	return nil
}

func runDataConvert(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected exactly one examples path, got %d arguments", c.NArg())
	}
	var rows []textdata.BatchRow
	for row, err := range textdata.IterExamples(c.Args().First()) {
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return fmt.Errorf("no examples in %s", c.Args().First())
	}

	output := c.String("output")
	shardSize := c.Int("shard-size")
	if shardSize <= 0 || shardSize >= len(rows) {
		if err := textdata.WriteBatches(output, rows); err != nil {
			return err
		}
		klog.Infof("Wrote %d examples to %s", len(rows), output)
		fmt.Fprintf(c.App.Writer, "%s\n", output)
		return nil
	}

	ext := filepath.Ext(output)
	base := strings.TrimSuffix(output, ext)
	shard := 0
	for start := 0; start < len(rows); start += shardSize {
		end := start + shardSize
		if end > len(rows) {
			end = len(rows)
		}
		path := fmt.Sprintf("%s-%05d%s", base, shard, ext)
		if err := textdata.WriteBatches(path, rows[start:end]); err != nil {
			return err
		}
		klog.Infof("Wrote %d examples to %s", end-start, path)
		fmt.Fprintf(c.App.Writer, "%s\n", path)
		shard++
	}
	return nil
}
