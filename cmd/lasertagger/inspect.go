package main

import (
	"fmt"
	"sort"

	"github.com/urfave/cli/v2"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/gomlx/lasertagger/checkpoint"
)

func checkpointCommand() *cli.Command {
	return &cli.Command{
		Name:  "checkpoint",
		Usage: "snapshot tooling",
		Subcommands: []*cli.Command{
			{
				Name:      "inspect",
				Usage:     "list the tensors of a safetensors snapshot",
				ArgsUsage: "SNAPSHOT",
				Action:    runInspect,
			},
		},
	}
}

func runInspect(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("expected exactly one snapshot path, got %d arguments", c.NArg())
	}
	snap, err := checkpoint.Open(c.Args().First())
	if err != nil {
		return err
	}
	defer snap.Close()

	p := message.NewPrinter(language.English)
	if meta := snap.Metadata(); len(meta) > 0 {
		keys := make([]string, 0, len(meta))
		for k := range meta {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(c.App.Writer, "# %s = %s\n", k, meta[k])
		}
	}

	total := 0
	for entry := range snap.Entries() {
		n := 1
		for _, d := range entry.Shape {
			n *= d
		}
		total += n
		fmt.Fprintf(c.App.Writer, "%-64s %-8s %v\n", entry.Name, entry.DType, entry.Shape)
	}
	fmt.Fprintf(c.App.Writer, "%s\n", p.Sprintf("total parameters: %d", total))
	return nil
}
