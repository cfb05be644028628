// Package summary aggregates per-step training metrics into running averages and
// records them as log lines, a CSV of scalars and a loss curve.
package summary

import (
	"encoding/csv"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/Noofbiz/vodom/metrics"
)

const (
	// ScalarsFile holds one "step,tag,value" row per written scalar.
	ScalarsFile = "scalars.csv"
	// LossPlotFile is redrawn every time averages are written.
	LossPlotFile = "loss.png"
)

// Writer accumulates metrics pushed once per training step.
type Writer struct {
	dir     string
	logFreq int
	logger  *zap.SugaredLogger

	totalSteps int
	pushed     int
	running    map[string]float64

	file  *os.File
	csv   *csv.Writer
	train plotter.XYs
	val   plotter.XYs
}

// New creates dir and a writer that averages over logFreq steps. Step counting starts
// at totalSteps so resumed runs continue their curves.
func New(dir string, logFreq, totalSteps int, logger *zap.SugaredLogger) (*Writer, error) {
	if logFreq < 1 {
		return nil, errors.Errorf("log frequency must be positive, got %d", logFreq)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "mkdir %s", dir)
	}
	path := filepath.Join(dir, ScalarsFile)
	_, statErr := os.Stat(path)
	//nolint:gosec
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open scalars file")
	}
	w := &Writer{
		dir:        dir,
		logFreq:    logFreq,
		logger:     logger,
		totalSteps: totalSteps,
		running:    map[string]float64{},
		file:       f,
		csv:        csv.NewWriter(f),
	}
	if os.IsNotExist(statErr) {
		if err := w.csv.Write([]string{"step", "tag", "value"}); err != nil {
			return nil, multierr.Combine(errors.Wrap(err, "write scalars header"), f.Close())
		}
	}
	return w, nil
}

// TotalSteps returns the number of steps pushed so far, including the resumed ones.
func (w *Writer) TotalSteps() int {
	return w.totalSteps
}

// Push adds the metrics of one step and returns the new step count. Averages are
// written when the count reaches logFreq-1 modulo logFreq.
func (w *Writer) Push(m metrics.Record) (int, error) {
	w.totalSteps++
	w.pushed++
	for k, v := range m {
		w.running[k] += v
	}
	if w.totalSteps%w.logFreq != w.logFreq-1 {
		return w.totalSteps, nil
	}

	avg := make(metrics.Record, len(w.running))
	for k, v := range w.running {
		avg[k] = v / float64(w.pushed)
	}
	w.running = map[string]float64{}
	w.pushed = 0

	w.logger.Infow("training status", fields(w.totalSteps, avg)...)
	if v, ok := avg["loss"]; ok {
		w.train = appendFinite(w.train, w.totalSteps, v)
	}
	return w.totalSteps, w.write(avg)
}

// PushVal writes validation metrics at the current step without averaging.
func (w *Writer) PushVal(m metrics.Record) error {
	w.logger.Infow("validation", fields(w.totalSteps, m)...)
	if v, ok := m["loss"+metrics.ValSuffix]; ok {
		w.val = appendFinite(w.val, w.totalSteps, v)
	}
	return w.write(m)
}

func fields(step int, m metrics.Record) []any {
	out := []any{"step", step}
	for _, k := range m.Keys() {
		out = append(out, k, m[k])
	}
	return out
}

func appendFinite(xys plotter.XYs, step int, v float64) plotter.XYs {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return xys
	}
	return append(xys, plotter.XY{X: float64(step), Y: v})
}

func (w *Writer) write(m metrics.Record) error {
	step := strconv.Itoa(w.totalSteps)
	for _, k := range m.Keys() {
		if err := w.csv.Write([]string{step, k, strconv.FormatFloat(m[k], 'g', -1, 64)}); err != nil {
			return errors.Wrap(err, "write scalars")
		}
	}
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return errors.Wrap(err, "flush scalars")
	}
	return w.plotLoss()
}

// plotLoss redraws the training and validation loss curves.
func (w *Writer) plotLoss() error {
	if len(w.train) == 0 && len(w.val) == 0 {
		return nil
	}
	p := plot.New()
	p.Title.Text = "Loss"
	p.X.Label.Text = "step"
	p.Y.Label.Text = "loss"
	p.Add(plotter.NewGrid())

	for _, c := range []struct {
		name string
		xys  plotter.XYs
		col  color.RGBA
	}{
		{"train", w.train, color.RGBA{R: 20, G: 80, B: 200, A: 255}},
		{"val", w.val, color.RGBA{R: 200, G: 30, B: 30, A: 255}},
	} {
		if len(c.xys) == 0 {
			continue
		}
		line, err := plotter.NewLine(c.xys)
		if err != nil {
			return errors.Wrapf(err, "plot %s loss", c.name)
		}
		line.Color = c.col
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(c.name, line)
	}
	return p.Save(8*vg.Inch, 5*vg.Inch, filepath.Join(w.dir, LossPlotFile))
}

// Close flushes and closes the scalars file.
func (w *Writer) Close() error {
	w.csv.Flush()
	return multierr.Combine(w.csv.Error(), w.file.Close())
}
