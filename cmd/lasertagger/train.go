package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/gosuri/uiprogress"
	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"

	"github.com/gomlx/lasertagger/checkpoint"
	"github.com/gomlx/lasertagger/optimize"
	"github.com/gomlx/lasertagger/textdata"
)

func trainCommand() *cli.Command {
	flags := append(modelFlags(),
		&cli.StringFlag{
			Name:     "examples",
			Usage:    "parquet shard of preprocessed training examples",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "output-dir",
			Usage:    "directory for the run directory with snapshots",
			Required: true,
		},
		&cli.IntFlag{Name: "batch-size", Value: 32, Usage: "examples per training step"},
		&cli.IntFlag{Name: "epochs", Value: 3, Usage: "passes over the examples"},
		&cli.Float64Flag{Name: "learning-rate", Value: 3e-5, Usage: "peak learning rate"},
		&cli.IntFlag{Name: "warmup-steps", Value: 0, Usage: "linear warmup steps"},
		&cli.IntFlag{Name: "save-every", Value: 1000, Usage: "steps between intermediate snapshots"},
		&cli.BoolFlag{Name: "quiet", Usage: "suppress the progress bar"},
	)
	return &cli.Command{
		Name:   "train",
		Usage:  "train the tagger on preprocessed examples",
		Flags:  flags,
		Action: runTrain,
	}
}

func runTrain(c *cli.Context) error {
	batches, err := textdata.ReadBatches(c.String("examples"), c.Int("batch-size"))
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		return fmt.Errorf("no examples in %s", c.String("examples"))
	}

	builder, _, err := buildModel(c)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	runDir := filepath.Join(c.String("output-dir"), runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return err
	}
	klog.Infof("Run %s: %d batches x %d epochs", runID, len(batches), c.Int("epochs"))

	epochs := c.Int("epochs")
	totalSteps := epochs * len(batches)
	schedule := optimize.Schedule{
		LearningRate: c.Float64("learning-rate"),
		WarmupSteps:  c.Int("warmup-steps"),
		TotalSteps:   totalSteps,
	}
	if err := schedule.Validate(); err != nil {
		return err
	}
	opt := optimize.NewAdamW(schedule)

	var bar *uiprogress.Bar
	lastLoss := 0.0
	if !c.Bool("quiet") {
		uiprogress.Start()
		bar = uiprogress.AddBar(totalSteps)
		bar.AppendCompleted()
		bar.PrependElapsed()
		bar.AppendFunc(func(b *uiprogress.Bar) string {
			return fmt.Sprintf("loss %.4f", lastLoss)
		})
	}

	saveEvery := c.Int("save-every")
	step := 0
	for epoch := 0; epoch < epochs; epoch++ {
		for i, batch := range batches {
			out, err := builder.Train(batch)
			if err != nil {
				return fmt.Errorf("step %d: %w", step, err)
			}
			stats, err := opt.Apply(out.Gradients)
			if err != nil {
				return fmt.Errorf("step %d: %w", step, err)
			}
			step++
			lastLoss = out.Loss
			if bar != nil {
				bar.Incr()
			}
			klog.V(2).Infof("epoch %d batch %d: loss %.6f, lr %.3g, grad norm %.4f",
				epoch, i, out.Loss, stats.LearningRate, stats.GradNorm)

			if saveEvery > 0 && step%saveEvery == 0 && step < totalSteps {
				path := filepath.Join(runDir, fmt.Sprintf("model-%06d.safetensors", step))
				if err := saveSnapshot(builder.Store(), path, step, lastLoss); err != nil {
					return err
				}
				klog.Infof("Saved intermediate snapshot %s", path)
			}
		}
	}
	if bar != nil {
		uiprogress.Stop()
	}

	finalPath := filepath.Join(runDir, "model.safetensors")
	if err := saveSnapshot(builder.Store(), finalPath, step, lastLoss); err != nil {
		return err
	}
	klog.Infof("Training done after %d steps, final loss %.6f", step, lastLoss)
	fmt.Fprintf(c.App.Writer, "%s\n", finalPath)
	return nil
}

func saveSnapshot(store *checkpoint.Store, path string, step int, loss float64) error {
	return checkpoint.Save(store, path, map[string]string{
		"step": strconv.Itoa(step),
		"loss": strconv.FormatFloat(loss, 'g', -1, 64),
	})
}
