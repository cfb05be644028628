// Package train runs the optimisation loop of the odometry network: epochs over the
// training set, periodic validation, learning-rate scheduling, gradient clipping and
// checkpointing.
package train

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/Noofbiz/vodom/datasets"
	"github.com/Noofbiz/vodom/loss"
	"github.com/Noofbiz/vodom/model"
)

// Config holds every option of a training run. JSON field names follow the command
// line flags.
type Config struct {
	Name    string `json:"name"`
	Network string `json:"network"`
	// Ckpt resumes from this checkpoint when set.
	Ckpt      string  `json:"ckpt"`
	BatchSize int     `json:"batch_size"`
	LR        float64 `json:"lr"`
	NumEpochs int     `json:"num_epochs"`

	DataPath        string `json:"datapath"`
	DifficultyLevel int    `json:"difficulty_level"`
	ResFactor       int    `json:"res_factor"`
	TrainScenes     []int  `json:"train_scenes"`
	ValScenes       []int  `json:"val_scenes"`
	DepthAugmentor  bool   `json:"depth_augmentor"`
	// InvertOrderProb applies to the training set only.
	InvertOrderProb float64 `json:"invert_order_prob"`
	NumWorkers      int     `json:"num_workers"`

	SaveFreq int    `json:"save_freq"`
	LogFreq  int    `json:"log_freq"`
	SavePath string `json:"save_path"`

	Weights  loss.Weights `json:"weights"`
	PctStart float64      `json:"pct_start"`

	PoseBias  float64 `json:"pose_bias"`
	Radius    int     `json:"radius"`
	Hidden    []int   `json:"hidden"`
	Iters     int     `json:"iters"`
	ItersICP  int     `json:"iters_icp"`
	ICPMethod string  `json:"icp_method"`

	Seed int64 `json:"seed"`
}

// DefaultConfig returns the defaults of the command line.
func DefaultConfig() Config {
	return Config{
		Name:            "bla",
		Network:         model.PixelMLPName,
		BatchSize:       4,
		LR:              1e-4,
		NumEpochs:       100,
		ResFactor:       1,
		TrainScenes:     []int{1, 2, 3, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 18, 19},
		ValScenes:       []int{0, 4, 5},
		InvertOrderProb: 0.5,
		NumWorkers:      4,
		SaveFreq:        1,
		LogFreq:         100,
		SavePath:        ".",
		Weights:         loss.DefaultWeights(),
		PctStart:        0.001,
		PoseBias:        0.01,
		Radius:          32,
		Iters:           12,
	}
}

// LoadConfigFile overlays the JSON file at path onto cfg. Fields missing from the
// file keep their value.
func LoadConfigFile(path string, cfg *Config) error {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read config")
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return errors.Wrapf(err, "parse config %s", path)
	}
	return nil
}

// Validate checks the options that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	switch {
	case c.Name == "":
		return errors.New("name is required")
	case c.DataPath == "":
		return errors.New("datapath is required")
	case c.BatchSize < 1:
		return errors.Errorf("batch size must be positive, got %d", c.BatchSize)
	case c.LR <= 0:
		return errors.Errorf("learning rate must be positive, got %v", c.LR)
	case c.NumEpochs < 1:
		return errors.Errorf("number of epochs must be positive, got %d", c.NumEpochs)
	case c.SaveFreq < 1:
		return errors.Errorf("save frequency must be positive, got %d", c.SaveFreq)
	case c.LogFreq < 1:
		return errors.Errorf("log frequency must be positive, got %d", c.LogFreq)
	case c.Iters < 1:
		return errors.Errorf("iters must be positive, got %d", c.Iters)
	case c.PctStart <= 0 || c.PctStart >= 1:
		return errors.Errorf("pct start must be in (0, 1), got %v", c.PctStart)
	case c.Weights.Gamma < 0:
		return errors.Errorf("gamma must not be negative, got %v", c.Weights.Gamma)
	case len(c.TrainScenes) == 0 || len(c.ValScenes) == 0:
		return errors.New("train and val scenes are required")
	}
	if dup := lo.Intersect(c.TrainScenes, c.ValScenes); len(dup) > 0 {
		return errors.Errorf("scenes %v are used for both training and validation", dup)
	}
	return nil
}

// Datasets opens the training and validation sets. Validation frames are never
// augmented.
func (c *Config) Datasets() (trainDS, valDS *datasets.DrunkDataset, err error) {
	trainDS, err = datasets.NewDrunkDataset(datasets.DrunkOptions{
		Root:            c.DataPath,
		DifficultyLevel: c.DifficultyLevel,
		ResFactor:       c.ResFactor,
		Scenes:          c.TrainScenes,
		DoAugment:       true,
		DepthAugmentor:  c.DepthAugmentor,
		InvertOrderProb: c.InvertOrderProb,
		Mode:            datasets.ModeTrain,
		Seed:            c.Seed,
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "training set")
	}
	valDS, err = datasets.NewDrunkDataset(datasets.DrunkOptions{
		Root:            c.DataPath,
		DifficultyLevel: c.DifficultyLevel,
		ResFactor:       c.ResFactor,
		Scenes:          c.ValScenes,
		Mode:            datasets.ModeVal,
		Seed:            c.Seed,
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "validation set")
	}
	return trainDS, valDS, nil
}
