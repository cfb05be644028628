// Package checkpoint saves and restores the training state of a run.
package checkpoint

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/Noofbiz/vodom/optim"
)

const formatVersion = 1

// Ext is the file extension of checkpoints.
const Ext = ".ckpt"

// TimestampLayout is appended to a run name that is already taken.
const TimestampLayout = "Jan02_15-04-05"

// Record is everything needed to resume training after epoch Epoch.
type Record struct {
	Version    int
	RunID      string
	Epoch      int
	TotalSteps int
	Loss       float64
	CreatedAt  int64

	Params    map[string][]float64
	Optimizer optim.AdamWState
	Scheduler optim.OneCycleState
	// Clipper is nil when the run did not save its clipper history.
	Clipper *optim.ClipState
}

// NewRunID returns a fresh identifier for a training run.
func NewRunID() string {
	return uuid.NewString()
}

// Dir returns the directory holding the checkpoints of run name.
func Dir(saveDir, name string) string {
	return filepath.Join(saveDir, "checkpoints", name)
}

// Path returns the checkpoint path of an epoch.
func Path(saveDir, name string, epoch int) string {
	return filepath.Join(Dir(saveDir, name), fmt.Sprintf("%06d%s", epoch, Ext))
}

// NameFromPath recovers the run name from a checkpoint path.
func NameFromPath(path string) string {
	return filepath.Base(filepath.Dir(path))
}

// RunDir creates the checkpoint directory of a run and returns the run name actually
// used. A fresh run whose name is already taken gets a timestamp suffix. A resumed run
// keeps its name and reuses the existing directory.
func RunDir(saveDir, name string, resuming bool, now time.Time) (string, error) {
	if name == "" {
		return "", errors.New("empty run name")
	}
	dir := Dir(saveDir, name)
	if _, err := os.Stat(dir); err == nil && !resuming {
		name += now.Format(TimestampLayout)
		dir = Dir(saveDir, name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "failed to create run directory %s", dir)
	}
	return name, nil
}

// Save writes rec to path. The record is encoded into a temporary file in the same
// directory, synced and renamed over path.
func Save(path string, rec *Record) (err error) {
	if path == "" {
		return errors.New("empty checkpoint path")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "mkdir %s", dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return errors.Wrap(err, "create temp checkpoint")
	}
	tmpName := tmp.Name()
	closed := false
	defer func() {
		if err != nil {
			if !closed {
				err = multierr.Combine(err, tmp.Close())
			}
			_ = os.Remove(tmpName)
		}
	}()

	out := *rec
	out.Version = formatVersion
	if out.CreatedAt == 0 {
		out.CreatedAt = time.Now().Unix()
	}
	if err := gob.NewEncoder(tmp).Encode(&out); err != nil {
		return errors.Wrap(err, "encode checkpoint")
	}
	if err := tmp.Sync(); err != nil {
		return errors.Wrap(err, "sync checkpoint")
	}
	closed = true
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close checkpoint")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrap(err, "rename checkpoint")
	}
	return nil
}

// Load reads a checkpoint written by Save.
func Load(path string) (*Record, error) {
	//nolint:gosec
	fh, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open checkpoint")
	}
	defer fh.Close()
	var rec Record
	if err := gob.NewDecoder(fh).Decode(&rec); err != nil {
		return nil, errors.Wrapf(err, "decode checkpoint %s", path)
	}
	if rec.Version != formatVersion {
		return nil, errors.Errorf("checkpoint version mismatch: file=%d expected=%d", rec.Version, formatVersion)
	}
	if len(rec.Params) == 0 {
		return nil, errors.Errorf("checkpoint %s holds no parameters", path)
	}
	return &rec, nil
}
