package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.viam.com/test"

	"github.com/Noofbiz/vodom/optim"
)

func sampleRecord() *Record {
	return &Record{
		RunID:      NewRunID(),
		Epoch:      3,
		TotalSteps: 400,
		Loss:       1.25,
		Params:     map[string][]float64{"layer0.weight": {1, 2, 3}, "layer0.bias": {-1}},
		Optimizer: optim.AdamWState{
			Step: 400,
			LR:   1e-4,
			M:    map[string][]float64{"layer0.weight": {0.1, 0.2, 0.3}, "layer0.bias": {0.5}},
			V:    map[string][]float64{"layer0.weight": {1, 1, 1}, "layer0.bias": {2}},
		},
		Scheduler: optim.OneCycleState{StepNum: 400, MaxLR: 1e-4, TotalSteps: 10000},
	}
}

func TestSaveLoad(t *testing.T) {
	dir := t.TempDir()
	path := Path(dir, "run", 3)
	test.That(t, path, test.ShouldEqual, filepath.Join(dir, "checkpoints", "run", "000003.ckpt"))
	test.That(t, NameFromPath(path), test.ShouldEqual, "run")

	rec := sampleRecord()
	rec.Clipper = &optim.ClipState{History: map[string][]float64{"layer0.weight": {0.5, 0.7}}}
	test.That(t, Save(path, rec), test.ShouldBeNil)

	got, err := Load(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.Version, test.ShouldEqual, formatVersion)
	test.That(t, got.CreatedAt, test.ShouldBeGreaterThan, int64(0))
	test.That(t, got.RunID, test.ShouldEqual, rec.RunID)
	test.That(t, got.Epoch, test.ShouldEqual, 3)
	test.That(t, got.TotalSteps, test.ShouldEqual, 400)
	test.That(t, got.Loss, test.ShouldEqual, 1.25)
	test.That(t, got.Params, test.ShouldResemble, rec.Params)
	test.That(t, got.Optimizer, test.ShouldResemble, rec.Optimizer)
	test.That(t, got.Scheduler, test.ShouldResemble, rec.Scheduler)
	test.That(t, got.Clipper, test.ShouldResemble, rec.Clipper)

	// no temp files are left next to the checkpoint
	entries, err := os.ReadDir(filepath.Dir(path))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, entries, test.ShouldHaveLength, 1)
}

func TestLoadWithoutClipper(t *testing.T) {
	path := Path(t.TempDir(), "run", 0)
	test.That(t, Save(path, sampleRecord()), test.ShouldBeNil)
	got, err := Load(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.Clipper, test.ShouldBeNil)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "missing.ckpt"))
	test.That(t, err, test.ShouldNotBeNil)

	garbage := filepath.Join(dir, "garbage.ckpt")
	test.That(t, os.WriteFile(garbage, []byte("not a checkpoint"), 0o600), test.ShouldBeNil)
	_, err = Load(garbage)
	test.That(t, err, test.ShouldNotBeNil)

	empty := filepath.Join(dir, "empty.ckpt")
	rec := sampleRecord()
	rec.Params = nil
	test.That(t, Save(empty, rec), test.ShouldBeNil)
	_, err = Load(empty)
	test.That(t, err, test.ShouldNotBeNil)

	test.That(t, Save("", rec), test.ShouldNotBeNil)
}

func TestRunDir(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, time.March, 5, 14, 7, 9, 0, time.UTC)

	name, err := RunDir(dir, "bla", false, now)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, name, test.ShouldEqual, "bla")
	_, err = os.Stat(Dir(dir, "bla"))
	test.That(t, err, test.ShouldBeNil)

	name, err = RunDir(dir, "bla", false, now)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, name, test.ShouldEqual, "blaMar05_14-07-09")
	_, err = os.Stat(Dir(dir, name))
	test.That(t, err, test.ShouldBeNil)

	name, err = RunDir(dir, "bla", true, now)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, name, test.ShouldEqual, "bla")

	_, err = RunDir(dir, "", false, now)
	test.That(t, err, test.ShouldNotBeNil)
}
