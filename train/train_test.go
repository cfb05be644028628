package train

import (
	"context"
	"encoding/csv"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"go.viam.com/test"

	"github.com/Noofbiz/vodom/checkpoint"
	"github.com/Noofbiz/vodom/datasets"
	"github.com/Noofbiz/vodom/dense"
	"github.com/Noofbiz/vodom/geometry"
	"github.com/Noofbiz/vodom/optim"
	"github.com/Noofbiz/vodom/summary"
)

// memDataset synthesizes small frame pairs with constant depth and a slight motion.
type memDataset struct {
	n    int
	h, w int
}

func (m *memDataset) Len() int     { return m.n }
func (m *memDataset) Name() string { return "mem" }

func (m *memDataset) Example(i int) (*datasets.Sample, error) {
	k := geometry.Intrinsics{Fx: 4, Fy: 4, Cx: float64(m.w-1) / 2, Cy: float64(m.h-1) / 2}
	d1 := dense.NewField(1, m.h, m.w, 1)
	d1.Fill(2 + 0.1*float64(i%3))
	d2 := d1.Clone()
	pose := geometry.FromTwist(r3.Vector{Y: 0.01 * float64(i%2)}, r3.Vector{X: 0.02, Z: 0.01 * float64(i%3)})
	flow, mask, err := datasets.SynthesizeFlow(d1, d2, 0, k, pose)
	if err != nil {
		return nil, err
	}
	img1 := dense.NewField(1, m.h, m.w, 3)
	for j := range img1.Data {
		img1.Data[j] = float64((j*37 + i*11) % 256)
	}
	img2 := img1.Clone()
	return &datasets.Sample{
		Image1:           img1,
		Image2:           img2,
		Depth1:           d1,
		Depth2:           d2,
		Intrinsics:       k,
		FlowGT:           flow,
		ValidMask:        mask,
		PoseGT:           pose,
		DepthScaleFactor: 1,
	}, nil
}

func testConfig(dir string) Config {
	cfg := DefaultConfig()
	cfg.DataPath = "unused"
	cfg.SavePath = dir
	cfg.BatchSize = 2
	cfg.NumEpochs = 2
	cfg.LogFreq = 2
	cfg.Iters = 2
	cfg.Hidden = []int{4}
	cfg.NumWorkers = 2
	cfg.LR = 1e-3
	cfg.PctStart = 0.2
	cfg.Seed = 1
	return cfg
}

func observed() (*zap.SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.InfoLevel)
	return zap.New(core).Sugar(), logs
}

func scalarTags(t *testing.T, dir string) map[string]int {
	t.Helper()
	f, err := os.Open(filepath.Join(dir, summary.ScalarsFile))
	test.That(t, err, test.ShouldBeNil)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	test.That(t, err, test.ShouldBeNil)
	counts := map[string]int{}
	for _, r := range rows[1:] {
		counts[r[1]]++
	}
	return counts
}

func TestNormalizeImage(t *testing.T) {
	img := dense.NewField(1, 1, 2, 3)
	for i := range img.Data {
		img.Data[i] = 255
	}
	out, err := NormalizeImage(img)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, img.Data[0], test.ShouldEqual, 255.0)
	test.That(t, out.At(0, 0, 1, 0), test.ShouldAlmostEqual, (1-0.485)/0.229, 1e-12)
	test.That(t, out.At(0, 0, 1, 2), test.ShouldAlmostEqual, (1-0.406)/0.225, 1e-12)

	_, err = NormalizeImage(dense.NewField(1, 1, 1, 2))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestConfig(t *testing.T) {
	cfg := DefaultConfig()
	test.That(t, cfg.Validate(), test.ShouldNotBeNil)
	cfg.DataPath = "/data"
	test.That(t, cfg.Validate(), test.ShouldBeNil)
	test.That(t, cfg.Weights.Dz, test.ShouldEqual, 100.0)
	test.That(t, cfg.Iters, test.ShouldEqual, 12)

	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"name": "exp", "batch_size": 8, "weights": {"pose_weight": 50}, "val_scenes": [17]}`
	test.That(t, os.WriteFile(path, []byte(content), 0o600), test.ShouldBeNil)
	test.That(t, LoadConfigFile(path, &cfg), test.ShouldBeNil)
	test.That(t, cfg.Name, test.ShouldEqual, "exp")
	test.That(t, cfg.BatchSize, test.ShouldEqual, 8)
	test.That(t, cfg.Weights.Pose, test.ShouldEqual, 50.0)
	test.That(t, cfg.Weights.Fl, test.ShouldEqual, 1.0)
	test.That(t, cfg.ValScenes, test.ShouldResemble, []int{17})
	test.That(t, cfg.LR, test.ShouldEqual, 1e-4)
	test.That(t, LoadConfigFile(filepath.Join(t.TempDir(), "none.json"), &cfg), test.ShouldNotBeNil)

	for name, mutate := range map[string]func(*Config){
		"batch":   func(c *Config) { c.BatchSize = 0 },
		"lr":      func(c *Config) { c.LR = 0 },
		"epochs":  func(c *Config) { c.NumEpochs = 0 },
		"log":     func(c *Config) { c.LogFreq = 0 },
		"save":    func(c *Config) { c.SaveFreq = 0 },
		"iters":   func(c *Config) { c.Iters = 0 },
		"pct":     func(c *Config) { c.PctStart = 1 },
		"overlap": func(c *Config) { c.ValScenes = []int{0, 1} },
		"scenes":  func(c *Config) { c.TrainScenes = nil },
	} {
		t.Run(name, func(t *testing.T) {
			c := DefaultConfig()
			c.DataPath = "/data"
			mutate(&c)
			test.That(t, c.Validate(), test.ShouldNotBeNil)
		})
	}
}

func TestRunAndResume(t *testing.T) {
	dir := t.TempDir()
	logger, logs := observed()
	cfg := testConfig(dir)
	trainDS := &memDataset{n: 8, h: 4, w: 5}
	valDS := &memDataset{n: 4, h: 4, w: 5}

	tr, err := NewTrainer(cfg, trainDS, valDS, logger)
	test.That(t, err, test.ShouldBeNil)
	before := optim.Snapshot(tr.State().Net.Params())
	test.That(t, tr.Run(context.Background()), test.ShouldBeNil)
	test.That(t, tr.Close(), test.ShouldBeNil)

	st := tr.State()
	test.That(t, st.Name, test.ShouldEqual, "bla")
	test.That(t, st.Epoch, test.ShouldEqual, 2)
	test.That(t, st.TotalSteps, test.ShouldEqual, 8)
	test.That(t, math.IsNaN(st.Loss), test.ShouldBeFalse)
	test.That(t, optim.Snapshot(st.Net.Params()), test.ShouldNotResemble, before)

	// validation runs after steps 2, 4, 6 and 8 and wraps around the two val batches
	runDir := filepath.Join(dir, "runs", "bla")
	tags := scalarTags(t, runDir)
	test.That(t, tags["loss_val"], test.ShouldEqual, 4)
	test.That(t, tags["loss"], test.ShouldEqual, 4)
	test.That(t, logs.FilterMessage("saved checkpoint").Len(), test.ShouldEqual, 2)
	_, err = os.Stat(filepath.Join(runDir, RunLogFile))
	test.That(t, err, test.ShouldBeNil)

	first := checkpoint.Path(dir, "bla", 0)
	rec, err := checkpoint.Load(first)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rec.TotalSteps, test.ShouldEqual, 4)
	test.That(t, rec.Clipper, test.ShouldNotBeNil)
	test.That(t, rec.RunID, test.ShouldEqual, st.RunID)

	t.Run("resume", func(t *testing.T) {
		resumeCfg := testConfig(dir)
		resumeCfg.Ckpt = first
		resumed, err := NewTrainer(resumeCfg, trainDS, valDS, logger)
		test.That(t, err, test.ShouldBeNil)
		rst := resumed.State()
		test.That(t, rst.Name, test.ShouldEqual, "bla")
		test.That(t, rst.Epoch, test.ShouldEqual, 1)
		test.That(t, rst.TotalSteps, test.ShouldEqual, 4)
		test.That(t, rst.RunID, test.ShouldEqual, st.RunID)
		test.That(t, optim.Snapshot(rst.Net.Params()), test.ShouldResemble, rec.Params)
		test.That(t, rst.Opt.State(), test.ShouldResemble, rec.Optimizer)

		test.That(t, resumed.Run(context.Background()), test.ShouldBeNil)
		test.That(t, resumed.Close(), test.ShouldBeNil)
		test.That(t, rst.TotalSteps, test.ShouldEqual, 8)
	})

	t.Run("resume without clipper", func(t *testing.T) {
		noClip := *rec
		noClip.Clipper = nil
		path := checkpoint.Path(dir, "legacy", 0)
		test.That(t, checkpoint.Save(path, &noClip), test.ShouldBeNil)

		resumeCfg := testConfig(dir)
		resumeCfg.Ckpt = path
		resumed, err := NewTrainer(resumeCfg, trainDS, valDS, logger)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, resumed.State().Name, test.ShouldEqual, "legacy")
		test.That(t, resumed.State().Clip.State().History, test.ShouldBeEmpty)
		test.That(t, logs.FilterMessageSnippet("no clipper state").Len(), test.ShouldEqual, 1)
		test.That(t, resumed.Close(), test.ShouldBeNil)
	})

	t.Run("name collision", func(t *testing.T) {
		again, err := NewTrainer(testConfig(dir), trainDS, valDS, logger)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, again.State().Name, test.ShouldNotEqual, "bla")
		test.That(t, again.State().Name, test.ShouldStartWith, "bla")
		test.That(t, again.Close(), test.ShouldBeNil)
	})
}

func TestRunCancelled(t *testing.T) {
	logger, _ := observed()
	tr, err := NewTrainer(testConfig(t.TempDir()), &memDataset{n: 4, h: 3, w: 3}, &memDataset{n: 2, h: 3, w: 3}, logger)
	test.That(t, err, test.ShouldBeNil)
	defer tr.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	test.That(t, tr.Run(ctx), test.ShouldEqual, context.Canceled)
	test.That(t, tr.State().TotalSteps, test.ShouldEqual, 0)
}

func TestNewTrainerErrors(t *testing.T) {
	logger, _ := observed()
	dir := t.TempDir()

	cfg := testConfig(dir)
	cfg.BatchSize = 5
	_, err := NewTrainer(cfg, &memDataset{n: 8, h: 3, w: 3}, &memDataset{n: 4, h: 3, w: 3}, logger)
	test.That(t, err, test.ShouldNotBeNil)

	cfg = testConfig(dir)
	cfg.Network = "raft3d"
	_, err = NewTrainer(cfg, &memDataset{n: 8, h: 3, w: 3}, &memDataset{n: 4, h: 3, w: 3}, logger)
	test.That(t, err, test.ShouldNotBeNil)

	cfg = testConfig(dir)
	cfg.Ckpt = filepath.Join(dir, "missing.ckpt")
	_, err = NewTrainer(cfg, &memDataset{n: 8, h: 3, w: 3}, &memDataset{n: 4, h: 3, w: 3}, logger)
	test.That(t, err, test.ShouldNotBeNil)
}
