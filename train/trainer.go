package train

import (
	"context"
	"io"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Noofbiz/vodom/checkpoint"
	"github.com/Noofbiz/vodom/datasets"
	"github.com/Noofbiz/vodom/logging"
	"github.com/Noofbiz/vodom/loss"
	"github.com/Noofbiz/vodom/model"
	"github.com/Noofbiz/vodom/optim"
	"github.com/Noofbiz/vodom/summary"
)

// RunLogFile is the name of the rotating log written next to the summaries of a run.
const RunLogFile = "train.log"

// State is the mutable context of a run. It is owned by the Trainer.
type State struct {
	Net   model.Network
	Opt   *optim.AdamW
	Sched *optim.OneCycle
	Clip  *optim.QuantileClip

	RunID string
	Name  string
	// Epoch is the next epoch to run.
	Epoch      int
	TotalSteps int
	Loss       float64
}

// Trainer runs the training loop of one run.
type Trainer struct {
	cfg    Config
	logger *zap.SugaredLogger

	state    *State
	train    *datasets.Loader
	val      *datasets.ValIterator
	summary  *summary.Writer
	logClose io.Closer
}

// NewTrainer builds the network and optimiser stack, resumes from cfg.Ckpt when set,
// and prepares the run directories under cfg.SavePath.
func NewTrainer(cfg Config, trainDS, valDS datasets.Dataset, logger *zap.SugaredLogger) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	trainLoader, err := datasets.NewLoader(trainDS, datasets.LoaderConfig{
		BatchSize: cfg.BatchSize, Shuffle: true, DropLast: true, Workers: cfg.NumWorkers, Seed: cfg.Seed,
	})
	if err != nil {
		return nil, errors.Wrap(err, "training loader")
	}
	valLoader, err := datasets.NewLoader(valDS, datasets.LoaderConfig{
		BatchSize: cfg.BatchSize, Shuffle: true, DropLast: true, Workers: cfg.NumWorkers, Seed: cfg.Seed + 1,
	})
	if err != nil {
		return nil, errors.Wrap(err, "validation loader")
	}
	if trainLoader.Len() == 0 || valLoader.Len() == 0 {
		return nil, errors.Errorf("training set (%d pairs) and validation set (%d pairs) must each fill a batch of %d",
			trainDS.Len(), valDS.Len(), cfg.BatchSize)
	}

	net, err := model.New(cfg.Network, model.Config{
		Seed: cfg.Seed, Hidden: cfg.Hidden, PoseBias: cfg.PoseBias, Radius: cfg.Radius,
	})
	if err != nil {
		return nil, err
	}
	params := net.Params()
	opt, err := optim.NewAdamW(params, optim.DefaultAdamWConfig(cfg.LR))
	if err != nil {
		return nil, err
	}
	schedCfg := optim.DefaultOneCycleConfig(cfg.LR, cfg.NumEpochs*trainLoader.Len())
	schedCfg.PctStart = cfg.PctStart
	sched, err := optim.NewOneCycle(opt, schedCfg)
	if err != nil {
		return nil, err
	}
	clip, err := optim.NewQuantileClip(params, optim.DefaultClipConfig())
	if err != nil {
		return nil, err
	}
	st := &State{Net: net, Opt: opt, Sched: sched, Clip: clip, RunID: checkpoint.NewRunID(), Name: cfg.Name}

	if cfg.Ckpt != "" {
		if err := resume(st, cfg.Ckpt, logger); err != nil {
			return nil, err
		}
	}
	if st.Name, err = checkpoint.RunDir(cfg.SavePath, st.Name, cfg.Ckpt != "", time.Now()); err != nil {
		return nil, err
	}

	runDir := filepath.Join(cfg.SavePath, "runs", st.Name)
	fileLogger, logClose := logging.TeeToFile(logger, filepath.Join(runDir, RunLogFile))
	fileLogger = fileLogger.With("run", st.Name, "run_id", st.RunID)
	sw, err := summary.New(runDir, cfg.LogFreq, st.TotalSteps, fileLogger)
	if err != nil {
		return nil, multierr.Combine(err, logClose.Close())
	}

	return &Trainer{
		cfg:      cfg,
		logger:   fileLogger,
		state:    st,
		train:    trainLoader,
		val:      datasets.NewValIterator(valLoader),
		summary:  sw,
		logClose: logClose,
	}, nil
}

// resume restores the state saved in a checkpoint. A checkpoint without clipper
// history keeps the fresh clipper.
func resume(st *State, path string, logger *zap.SugaredLogger) error {
	rec, err := checkpoint.Load(path)
	if err != nil {
		return err
	}
	if err := optim.Restore(st.Net.Params(), rec.Params); err != nil {
		return errors.Wrap(err, "restore network")
	}
	if err := st.Opt.LoadState(rec.Optimizer); err != nil {
		return errors.Wrap(err, "restore optimizer")
	}
	if err := st.Sched.LoadState(rec.Scheduler); err != nil {
		return errors.Wrap(err, "restore scheduler")
	}
	if rec.Clipper != nil {
		st.Clip.LoadState(*rec.Clipper)
	} else {
		logger.Warnw("checkpoint has no clipper state, starting with an empty history", "ckpt", path)
	}
	st.Name = checkpoint.NameFromPath(path)
	st.Epoch = rec.Epoch + 1
	st.TotalSteps = rec.TotalSteps
	st.Loss = rec.Loss
	if rec.RunID != "" {
		st.RunID = rec.RunID
	}
	logger.Infow("resumed from checkpoint", "ckpt", path, "epoch", rec.Epoch, "total_steps", rec.TotalSteps)
	return nil
}

// State returns the run state.
func (t *Trainer) State() *State {
	return t.state
}

// Run trains until the configured number of epochs is reached or ctx is cancelled.
// Cancellation is checked between batches.
func (t *Trainer) Run(ctx context.Context) error {
	st := t.state
	t.logger.Infow("starting training", "epochs", t.cfg.NumEpochs, "start_epoch", st.Epoch,
		"steps_per_epoch", t.train.Len(), "params", len(st.Net.Params()))
	for epoch := st.Epoch; epoch < t.cfg.NumEpochs; epoch++ {
		t.logger.Infow("starting epoch", "epoch", epoch, "lr", st.Opt.LR())
		it := t.train.Iter()
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			b, ok, err := it.Next(ctx)
			if err != nil {
				return errors.Wrapf(err, "epoch %d", epoch)
			}
			if !ok {
				break
			}
			if err := t.step(ctx, b); err != nil {
				return errors.Wrapf(err, "epoch %d step %d", epoch, st.TotalSteps)
			}
			if (st.TotalSteps-1)%t.cfg.LogFreq == t.cfg.LogFreq-1 {
				if err := t.validate(ctx); err != nil {
					return errors.Wrapf(err, "validation at step %d", st.TotalSteps)
				}
			}
		}
		st.Epoch = epoch + 1
		if (epoch+1)%t.cfg.SaveFreq == 0 {
			if err := t.save(epoch); err != nil {
				return err
			}
		}
	}
	return nil
}

// modelInput normalizes the images of a batch. The valid mask is copied so the network
// can refine it without touching the batch.
func (t *Trainer) modelInput(b *datasets.Batch, val bool) (*model.Input, error) {
	img1, err := NormalizeImage(b.Image1)
	if err != nil {
		return nil, err
	}
	img2, err := NormalizeImage(b.Image2)
	if err != nil {
		return nil, err
	}
	in := &model.Input{
		Image1:           img1,
		Image2:           img2,
		Depth1:           b.Depth1,
		Depth2:           b.Depth2,
		Intrinsics:       b.Intrinsics,
		ValidMask:        b.ValidMask.Clone(),
		Iters:            t.cfg.Iters,
		TrainMode:        true,
		DepthScaleFactor: b.DepthScaleFactor,
	}
	if val {
		in.ItersICP = t.cfg.ItersICP
		in.ICPMethod = t.cfg.ICPMethod
	}
	return in, nil
}

// forward runs the network and scores its output against the batch.
func (t *Trainer) forward(ctx context.Context, b *datasets.Batch, mode loss.Mode) (*loss.Result, error) {
	in, err := t.modelInput(b, mode == loss.Val)
	if err != nil {
		return nil, err
	}
	out, err := t.state.Net.Forward(ctx, in)
	if err != nil {
		return nil, errors.Wrap(err, "forward")
	}
	if err := in.ValidMask.And(out.Valid); err != nil {
		return nil, errors.Wrap(err, "refine valid mask")
	}
	return loss.Sequence(&loss.Inputs{
		Flow:       out.Flow,
		FlowRev:    out.FlowRev,
		Pose:       out.Pose,
		FlowGT:     b.FlowGT,
		Depth1:     b.Depth1,
		Depth2:     b.Depth2,
		Intrinsics: b.Intrinsics,
		PoseGT:     b.PoseGT,
		ValidMask:  in.ValidMask,
	}, t.cfg.Weights, mode)
}

func (t *Trainer) step(ctx context.Context, b *datasets.Batch) error {
	st := t.state
	res, err := t.forward(ctx, b, loss.Train)
	if err != nil {
		return err
	}
	params := st.Net.Params()
	optim.ZeroGrad(params)
	if err := st.Net.Backward(res.Grads); err != nil {
		return errors.Wrap(err, "backward")
	}
	st.Clip.Step()
	st.Opt.Step()
	st.Sched.Step()
	st.Loss = res.Loss
	st.TotalSteps, err = t.summary.Push(res.Metrics)
	return err
}

// validate scores one validation batch, restarting the validation pass when it is
// exhausted.
func (t *Trainer) validate(ctx context.Context) error {
	b, ok, err := t.val.Next(ctx)
	if err != nil {
		return err
	}
	if !ok {
		t.val.Reset()
		if b, ok, err = t.val.Next(ctx); err != nil {
			return err
		}
		if !ok {
			return errors.New("validation set yields no batches")
		}
	}
	res, err := t.forward(ctx, b, loss.Val)
	if err != nil {
		return err
	}
	return t.summary.PushVal(res.Metrics)
}

func (t *Trainer) save(epoch int) error {
	st := t.state
	clip := st.Clip.State()
	path := checkpoint.Path(t.cfg.SavePath, st.Name, epoch)
	err := checkpoint.Save(path, &checkpoint.Record{
		RunID:      st.RunID,
		Epoch:      epoch,
		TotalSteps: st.TotalSteps,
		Loss:       st.Loss,
		Params:     optim.Snapshot(st.Net.Params()),
		Optimizer:  st.Opt.State(),
		Scheduler:  st.Sched.State(),
		Clipper:    &clip,
	})
	if err != nil {
		return errors.Wrapf(err, "save checkpoint for epoch %d", epoch)
	}
	t.logger.Infow("saved checkpoint", "path", path, "epoch", epoch, "loss", st.Loss)
	return nil
}

// Close flushes the summaries and closes the run log.
func (t *Trainer) Close() error {
	return multierr.Combine(t.summary.Close(), t.logClose.Close())
}
