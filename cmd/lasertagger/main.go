// Command lasertagger trains, evaluates and runs the text-editing tagger:
// a frozen pretrained encoder with either a per-token projection head or an
// autoregressive tag decoder on top, trained on preprocessed parquet
// example shards.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	app := newApp()
	err := app.Run(os.Args)
	klog.Flush()
	if err != nil {
		fmt.Fprintf(os.Stderr, "lasertagger: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "lasertagger",
		Usage: "train, evaluate and run the text-editing tagger",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "verbosity",
				Usage: "log verbosity level",
			},
		},
		Before: func(c *cli.Context) error {
			if c.IsSet("verbosity") {
				return flag.Set("v", strconv.Itoa(c.Int("verbosity")))
			}
			return nil
		},
		Commands: []*cli.Command{
			trainCommand(),
			evalCommand(),
			predictCommand(),
			checkpointCommand(),
			dataCommand(),
		},
	}
}
