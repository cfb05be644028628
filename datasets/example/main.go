package main

// Example command that loads a few frame pairs of the Drunkard's dataset, batches them
// and converts the batch into gomlx tensors.
//
// Usage:
//   go run ./datasets/example --root /data/drunkards --scenes 0 --scenes 4 --level 1

import (
	"log"
	"os"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/Noofbiz/vodom/datasets"
	"github.com/Noofbiz/vodom/logging"
)

func main() {
	app := &cli.App{
		Name:  "example",
		Usage: "load one batch of frame pairs and print its tensor shapes",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "root", Required: true, Usage: "folder containing the scenes"},
			&cli.IntSliceFlag{Name: "scenes", Value: cli.NewIntSlice(0)},
			&cli.IntFlag{Name: "level", Usage: "difficulty level"},
			&cli.IntFlag{Name: "batch-size", Value: 4},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	logger, err := logging.New("example", false)
	if err != nil {
		return err
	}

	ds, err := datasets.NewDrunkDataset(datasets.DrunkOptions{
		Root:            c.String("root"),
		DifficultyLevel: c.Int("level"),
		Scenes:          c.IntSlice("scenes"),
		Mode:            datasets.ModeVal,
	})
	if err != nil {
		return err
	}
	logger.Infow("dataset indexed", "name", ds.Name(), "pairs", ds.Len())

	loader, err := datasets.NewLoader(ds, datasets.LoaderConfig{BatchSize: c.Int("batch-size"), Workers: 4})
	if err != nil {
		return err
	}
	b, ok, err := loader.Iter().Next(c.Context)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("dataset yields no batches")
	}

	inputs, labels := b.ToGomlxTensors()
	for i, t := range inputs {
		logger.Infow("input tensor", "index", i, "shape", t.Shape().Dimensions)
	}
	for i, t := range labels {
		logger.Infow("label tensor", "index", i, "shape", t.Shape().Dimensions)
	}
	logger.Infow("batch loaded", "valid_pixels", b.ValidMask.Count(), "first_pose", b.PoseGT[0].Matrix())
	return nil
}
