package summary

import (
	"encoding/csv"
	"math"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"go.viam.com/test"

	"github.com/Noofbiz/vodom/metrics"
)

func observed() (*zap.SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.InfoLevel)
	return zap.New(core).Sugar(), logs
}

func readScalars(t *testing.T, dir string) [][]string {
	t.Helper()
	f, err := os.Open(filepath.Join(dir, ScalarsFile))
	test.That(t, err, test.ShouldBeNil)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	test.That(t, err, test.ShouldBeNil)
	return rows
}

func TestPushAverages(t *testing.T) {
	dir := t.TempDir()
	logger, logs := observed()
	w, err := New(dir, 4, 0, logger)
	test.That(t, err, test.ShouldBeNil)

	// the first window closes at step 3, the next ones every 4 steps
	for step := 1; step <= 7; step++ {
		n, err := w.Push(metrics.Record{"loss": float64(step), "epe_2d": 1})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, n, test.ShouldEqual, step)
	}
	entries := logs.FilterMessage("training status").All()
	test.That(t, entries, test.ShouldHaveLength, 2)
	test.That(t, entries[0].ContextMap()["step"], test.ShouldEqual, int64(3))
	test.That(t, entries[0].ContextMap()["loss"], test.ShouldEqual, 2.0)
	test.That(t, entries[1].ContextMap()["loss"], test.ShouldEqual, 5.5)
	test.That(t, entries[1].ContextMap()["epe_2d"], test.ShouldEqual, 1.0)

	test.That(t, w.PushVal(metrics.Record{"loss_val": 3, "epe_2d_val": 0.5}), test.ShouldBeNil)
	test.That(t, logs.FilterMessage("validation").Len(), test.ShouldEqual, 1)
	test.That(t, w.Close(), test.ShouldBeNil)

	rows := readScalars(t, dir)
	test.That(t, rows[0], test.ShouldResemble, []string{"step", "tag", "value"})
	test.That(t, rows[1:], test.ShouldResemble, [][]string{
		{"3", "epe_2d", "1"},
		{"3", "loss", "2"},
		{"7", "epe_2d", "1"},
		{"7", "loss", "5.5"},
		{"7", "epe_2d_val", "0.5"},
		{"7", "loss_val", "3"},
	})
	_, err = os.Stat(filepath.Join(dir, LossPlotFile))
	test.That(t, err, test.ShouldBeNil)
}

func TestResumeAppends(t *testing.T) {
	dir := t.TempDir()
	logger, _ := observed()
	w, err := New(dir, 2, 0, logger)
	test.That(t, err, test.ShouldBeNil)
	_, err = w.Push(metrics.Record{"loss": 1})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, w.Close(), test.ShouldBeNil)

	w, err = New(dir, 2, 10, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, w.TotalSteps(), test.ShouldEqual, 10)
	n, err := w.Push(metrics.Record{"loss": math.NaN()})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, 11)
	test.That(t, w.Close(), test.ShouldBeNil)

	rows := readScalars(t, dir)
	test.That(t, rows, test.ShouldHaveLength, 3)
	test.That(t, rows[2], test.ShouldResemble, []string{"11", "loss", "NaN"})
}

func TestNewErrors(t *testing.T) {
	logger, _ := observed()
	_, err := New(t.TempDir(), 0, 0, logger)
	test.That(t, err, test.ShouldNotBeNil)
}
