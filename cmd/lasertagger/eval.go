package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/urfave/cli/v2"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"k8s.io/klog/v2"

	"github.com/gomlx/lasertagger/model"
	"github.com/gomlx/lasertagger/textdata"
)

var (
	evalTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	evalLabelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Width(20)
)

func evalCommand() *cli.Command {
	flags := append(modelFlags(),
		&cli.StringFlag{
			Name:     "examples",
			Usage:    "parquet shard of preprocessed evaluation examples",
			Required: true,
		},
		&cli.IntFlag{Name: "batch-size", Value: 32, Usage: "examples per forward pass"},
	)
	return &cli.Command{
		Name:   "eval",
		Usage:  "compute eval loss and sentence-level accuracy",
		Flags:  flags,
		Action: runEval,
	}
}

func runEval(c *cli.Context) error {
	if c.String("init-checkpoint") == "" {
		klog.Warning("Evaluating from random initialization: no --init-checkpoint given")
	}
	batches, err := textdata.ReadBatches(c.String("examples"), c.Int("batch-size"))
	if err != nil {
		return err
	}
	builder, _, err := buildModel(c)
	if err != nil {
		return err
	}

	var metrics model.Metrics
	for i, batch := range batches {
		if _, err := builder.Evaluate(batch, &metrics); err != nil {
			return fmt.Errorf("batch %d: %w", i, err)
		}
	}
	res := metrics.Result()

	p := message.NewPrinter(language.English)
	fmt.Fprintln(c.App.Writer, evalTitleStyle.Render("evaluation"))
	fmt.Fprintf(c.App.Writer, "%s %s\n", evalLabelStyle.Render("eval_loss"), p.Sprintf("%.6f", res.EvalLoss))
	fmt.Fprintf(c.App.Writer, "%s %s\n", evalLabelStyle.Render("sentence_level_acc"), p.Sprintf("%.6f", res.SentenceLevelAcc))
	fmt.Fprintf(c.App.Writer, "%s %s\n", evalLabelStyle.Render("examples"), p.Sprintf("%d", res.Examples))
	return nil
}
