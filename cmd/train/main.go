// Package main trains a visual odometry network on the Drunkard's dataset.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"github.com/Noofbiz/vodom/logging"
	"github.com/Noofbiz/vodom/model"
	"github.com/Noofbiz/vodom/train"
)

const (
	flagConfig          = "config"
	flagDebug           = "debug"
	flagPrintConfig     = "print-config"
	flagName            = "name"
	flagNetwork         = "network"
	flagCkpt            = "ckpt"
	flagBatchSize       = "batch-size"
	flagLR              = "lr"
	flagNumEpochs       = "num-epochs"
	flagDataPath        = "datapath"
	flagDifficulty      = "difficulty-level"
	flagSaveFreq        = "save-freq"
	flagLogFreq         = "log-freq"
	flagResFactor       = "res-factor"
	flagTrainScenes     = "train-scenes"
	flagValScenes       = "val-scenes"
	flagSavePath        = "save-path"
	flagFlWeight        = "fl-weight"
	flagRvWeight        = "rv-weight"
	flagDzWeight        = "dz-weight"
	flagRelativeWeight  = "relative-tra-rot-weight"
	flagPoseWeight      = "pose-weight"
	flagPoseCNNWeight   = "pose-cnn-weight"
	flagGamma           = "gamma"
	flagDepthAugmentor  = "depth-augmentor"
	flagPoseBias        = "pose-bias"
	flagPctStart        = "pct-start"
	flagInvertOrderProb = "invert-order-prob"
	flagNumWorkers      = "num-workers"
	flagRadius          = "radius"
	flagIters           = "iters"
	flagItersICP        = "iters-icp"
	flagICPMethod       = "icp-method"
	flagSeed            = "seed"
)

func newApp() *cli.App {
	d := train.DefaultConfig()
	return &cli.App{
		Name:  "train",
		Usage: "train a visual odometry network on RGB-D frame pairs",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: flagConfig, Aliases: []string{"c"}, Usage: "load configuration from JSON `FILE`; flags override it"},
			&cli.BoolFlag{Name: flagDebug, Usage: "enable debug logging"},
			&cli.BoolFlag{Name: flagPrintConfig, Usage: "print the effective configuration and exit"},
			&cli.StringFlag{Name: flagName, Value: d.Name, Usage: "name of the experiment"},
			&cli.StringFlag{Name: flagNetwork, Value: d.Network, Usage: fmt.Sprintf("network to train, one of %v", model.Names())},
			&cli.StringFlag{Name: flagCkpt, Usage: "checkpoint to resume from"},
			&cli.IntFlag{Name: flagBatchSize, Value: d.BatchSize},
			&cli.Float64Flag{Name: flagLR, Value: d.LR, Usage: "maximum learning rate"},
			&cli.IntFlag{Name: flagNumEpochs, Value: d.NumEpochs},
			&cli.StringFlag{Name: flagDataPath, Usage: "folder containing the scenes"},
			&cli.IntFlag{Name: flagDifficulty, Value: d.DifficultyLevel, Usage: "dataset difficulty level (0-3)"},
			&cli.IntFlag{Name: flagSaveFreq, Value: d.SaveFreq, Usage: "epochs between checkpoints"},
			&cli.IntFlag{Name: flagLogFreq, Value: d.LogFreq, Usage: "steps between logged averages and validation"},
			&cli.IntFlag{Name: flagResFactor, Value: d.ResFactor, Usage: "reduce resolution by this factor"},
			&cli.IntSliceFlag{Name: flagTrainScenes, Value: cli.NewIntSlice(d.TrainScenes...), Usage: "scenes used for training"},
			&cli.IntSliceFlag{Name: flagValScenes, Value: cli.NewIntSlice(d.ValScenes...), Usage: "scenes used for validation"},
			&cli.StringFlag{Name: flagSavePath, Value: d.SavePath, Usage: "where checkpoints and logs are written"},
			&cli.Float64Flag{Name: flagFlWeight, Value: d.Weights.Fl},
			&cli.Float64Flag{Name: flagRvWeight, Value: d.Weights.Rv},
			&cli.Float64Flag{Name: flagDzWeight, Value: d.Weights.Dz},
			&cli.Float64Flag{Name: flagRelativeWeight, Value: d.Weights.RelativeTraRot},
			&cli.Float64Flag{Name: flagPoseWeight, Value: d.Weights.Pose},
			&cli.Float64Flag{Name: flagPoseCNNWeight, Value: d.Weights.PoseCNN},
			&cli.Float64Flag{Name: flagGamma, Value: d.Weights.Gamma, Usage: "discount of earlier refinement iterations"},
			&cli.BoolFlag{Name: flagDepthAugmentor, Usage: "rescale depth and translation of training pairs"},
			&cli.Float64Flag{Name: flagPoseBias, Value: d.PoseBias, Usage: "scale applied to the estimated pose update"},
			&cli.Float64Flag{Name: flagPctStart, Value: d.PctStart, Usage: "fraction of steps spent warming up the learning rate"},
			&cli.Float64Flag{Name: flagInvertOrderProb, Value: d.InvertOrderProb, Usage: "probability of swapping the frames of a training pair"},
			&cli.IntFlag{Name: flagNumWorkers, Value: d.NumWorkers, Usage: "samples decoded concurrently"},
			&cli.IntFlag{Name: flagRadius, Value: d.Radius},
			&cli.IntFlag{Name: flagIters, Value: d.Iters, Usage: "refinement iterations per forward pass"},
			&cli.IntFlag{Name: flagItersICP, Value: d.ItersICP, Usage: "ICP iterations used during validation"},
			&cli.StringFlag{Name: flagICPMethod, Value: d.ICPMethod, Usage: "ICP method used during validation"},
			&cli.Int64Flag{Name: flagSeed, Usage: "random seed, 0 picks one from the clock"},
		},
		Action: run,
	}
}

// effectiveConfig merges defaults, the optional JSON file and explicitly set flags,
// in that order of precedence.
func effectiveConfig(c *cli.Context) (train.Config, error) {
	cfg := train.DefaultConfig()
	if path := c.String(flagConfig); path != "" {
		if err := train.LoadConfigFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	setString := func(name string, dst *string) {
		if c.IsSet(name) {
			*dst = c.String(name)
		}
	}
	setInt := func(name string, dst *int) {
		if c.IsSet(name) {
			*dst = c.Int(name)
		}
	}
	setFloat := func(name string, dst *float64) {
		if c.IsSet(name) {
			*dst = c.Float64(name)
		}
	}
	setString(flagName, &cfg.Name)
	setString(flagNetwork, &cfg.Network)
	setString(flagCkpt, &cfg.Ckpt)
	setString(flagDataPath, &cfg.DataPath)
	setString(flagSavePath, &cfg.SavePath)
	setString(flagICPMethod, &cfg.ICPMethod)
	setInt(flagBatchSize, &cfg.BatchSize)
	setInt(flagNumEpochs, &cfg.NumEpochs)
	setInt(flagDifficulty, &cfg.DifficultyLevel)
	setInt(flagSaveFreq, &cfg.SaveFreq)
	setInt(flagLogFreq, &cfg.LogFreq)
	setInt(flagResFactor, &cfg.ResFactor)
	setInt(flagNumWorkers, &cfg.NumWorkers)
	setInt(flagRadius, &cfg.Radius)
	setInt(flagIters, &cfg.Iters)
	setInt(flagItersICP, &cfg.ItersICP)
	setFloat(flagLR, &cfg.LR)
	setFloat(flagFlWeight, &cfg.Weights.Fl)
	setFloat(flagRvWeight, &cfg.Weights.Rv)
	setFloat(flagDzWeight, &cfg.Weights.Dz)
	setFloat(flagRelativeWeight, &cfg.Weights.RelativeTraRot)
	setFloat(flagPoseWeight, &cfg.Weights.Pose)
	setFloat(flagPoseCNNWeight, &cfg.Weights.PoseCNN)
	setFloat(flagGamma, &cfg.Weights.Gamma)
	setFloat(flagPoseBias, &cfg.PoseBias)
	setFloat(flagPctStart, &cfg.PctStart)
	setFloat(flagInvertOrderProb, &cfg.InvertOrderProb)
	if c.IsSet(flagTrainScenes) {
		cfg.TrainScenes = c.IntSlice(flagTrainScenes)
	}
	if c.IsSet(flagValScenes) {
		cfg.ValScenes = c.IntSlice(flagValScenes)
	}
	if c.IsSet(flagDepthAugmentor) {
		cfg.DepthAugmentor = c.Bool(flagDepthAugmentor)
	}
	if c.IsSet(flagSeed) {
		cfg.Seed = c.Int64(flagSeed)
	}
	return cfg, cfg.Validate()
}

func run(c *cli.Context) (err error) {
	cfg, err := effectiveConfig(c)
	if c.Bool(flagPrintConfig) {
		out, jerr := json.MarshalIndent(cfg, "", "  ")
		if jerr != nil {
			return jerr
		}
		fmt.Fprintln(c.App.Writer, string(out))
		return err
	}
	if err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	logger, err := logging.New("train", c.Bool(flagDebug))
	if err != nil {
		return err
	}
	defer func() {
		// stdout cannot be synced on every platform
		_ = logger.Sync()
	}()
	logger.Infow("configuration", "config", cfg)

	trainDS, valDS, err := cfg.Datasets()
	if err != nil {
		return err
	}
	logger.Infow("datasets loaded", "train_pairs", trainDS.Len(), "val_pairs", valDS.Len())

	trainer, err := train.NewTrainer(cfg, trainDS, valDS, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, trainer.Close())
	}()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := trainer.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warnw("training interrupted", "epoch", trainer.State().Epoch, "total_steps", trainer.State().TotalSteps)
			return nil
		}
		return err
	}
	logger.Infow("training finished", "total_steps", trainer.State().TotalSteps)
	return nil
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
