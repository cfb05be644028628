package datasets

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// LoaderConfig configures a Loader.
type LoaderConfig struct {
	BatchSize int
	Shuffle   bool
	DropLast  bool
	// Workers bounds the number of samples decoded concurrently.
	Workers int
	Seed    int64
}

// Loader groups the samples of a dataset into batches.
type Loader struct {
	ds  Dataset
	cfg LoaderConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// NewLoader returns a loader over ds.
func NewLoader(ds Dataset, cfg LoaderConfig) (*Loader, error) {
	if ds == nil {
		return nil, errors.New("nil dataset")
	}
	if cfg.BatchSize < 1 {
		return nil, errors.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Loader{ds: ds, cfg: cfg, rng: rand.New(rand.NewSource(seed))}, nil
}

// Len returns the number of batches in one pass.
func (l *Loader) Len() int {
	n := l.ds.Len()
	if l.cfg.DropLast {
		return n / l.cfg.BatchSize
	}
	return (n + l.cfg.BatchSize - 1) / l.cfg.BatchSize
}

// Iter starts a new pass over the dataset, reshuffling when configured.
func (l *Loader) Iter() *Iterator {
	order := make([]int, l.ds.Len())
	for i := range order {
		order[i] = i
	}
	if l.cfg.Shuffle {
		l.mu.Lock()
		l.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		l.mu.Unlock()
	}
	return &Iterator{loader: l, order: order}
}

// Iterator walks one pass of a Loader. It is not safe for concurrent use.
type Iterator struct {
	loader *Loader
	order  []int
	pos    int
}

// Next loads the next batch. It returns false once the pass is exhausted.
func (it *Iterator) Next(ctx context.Context) (*Batch, bool, error) {
	bs := it.loader.cfg.BatchSize
	remaining := len(it.order) - it.pos
	if remaining <= 0 || (it.loader.cfg.DropLast && remaining < bs) {
		return nil, false, nil
	}
	if remaining < bs {
		bs = remaining
	}
	indices := it.order[it.pos : it.pos+bs]
	it.pos += bs

	samples := make([]*Sample, len(indices))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(it.loader.cfg.Workers)
	for slot, idx := range indices {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			s, err := it.loader.ds.Example(idx)
			if err != nil {
				return errors.Wrapf(err, "%s example %d", it.loader.ds.Name(), idx)
			}
			samples[slot] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, false, err
	}
	b, err := Collate(samples)
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// ValIterator serves validation batches one at a time and can be restarted once it
// runs out.
type ValIterator struct {
	loader *Loader
	it     *Iterator
}

// NewValIterator starts a pass over the loader.
func NewValIterator(l *Loader) *ValIterator {
	return &ValIterator{loader: l, it: l.Iter()}
}

// Next returns the next validation batch, or false when the pass is exhausted.
func (v *ValIterator) Next(ctx context.Context) (*Batch, bool, error) {
	return v.it.Next(ctx)
}

// Reset starts a new pass.
func (v *ValIterator) Reset() {
	v.it = v.loader.Iter()
}
