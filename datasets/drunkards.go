package datasets

import (
	"image"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"github.com/Noofbiz/vodom/dense"
	"github.com/Noofbiz/vodom/geometry"
)

// Dataset modes.
const (
	ModeTrain = "train"
	ModeVal   = "val"
)

// Intrinsics of the rendered sequences at a width of defaultIntrinsicsWidth pixels,
// used when a scene level has no intrinsics.json.
var defaultIntrinsics = geometry.Intrinsics{Fx: 190.68, Fy: 190.68, Cx: 160, Cy: 160}

const defaultIntrinsicsWidth = 320

// DrunkOptions configures a DrunkDataset.
type DrunkOptions struct {
	// Root holds one directory per scene, named by its zero-padded number.
	Root string

	// DifficultyLevel selects the levelN sub-directory of every scene (0 to 3).
	DifficultyLevel int

	// ResFactor downsamples frames by an integer factor.
	ResFactor int

	Scenes []int

	// DoAugment enables brightness and contrast jitter in train mode.
	DoAugment bool

	// DepthAugmentor rescales depth and translation of a pair by a random factor in
	// train mode. The factor is reported as the sample's DepthScaleFactor.
	DepthAugmentor bool

	// InvertOrderProb is the probability of swapping the two frames of a pair in train mode.
	InvertOrderProb float64

	Mode string
	Seed int64
}

// pairRef locates the first frame of a pair.
type pairRef struct {
	level int // index into DrunkDataset.levels
	frame int
}

type sceneLevel struct {
	dir        string
	poses      []geometry.Pose
	intrinsics geometry.Intrinsics
	explicitK  bool
}

// DrunkDataset serves consecutive frame pairs from scenes laid out as
// <root>/<scene>/level<L>/{color,depth}/<frame>.png with a TUM pose.txt next to them.
type DrunkDataset struct {
	opts   DrunkOptions
	levels []sceneLevel
	pairs  []pairRef

	mu  sync.Mutex
	rng *rand.Rand
}

// NewDrunkDataset indexes the frames of every configured scene without decoding any image.
func NewDrunkDataset(opts DrunkOptions) (*DrunkDataset, error) {
	if opts.ResFactor == 0 {
		opts.ResFactor = 1
	}
	if opts.ResFactor < 1 {
		return nil, errors.Errorf("res factor must be positive, got %d", opts.ResFactor)
	}
	if opts.DifficultyLevel < 0 || opts.DifficultyLevel > 3 {
		return nil, errors.Errorf("difficulty level must be in [0, 3], got %d", opts.DifficultyLevel)
	}
	if opts.Mode == "" {
		opts.Mode = ModeTrain
	}
	if opts.Mode != ModeTrain && opts.Mode != ModeVal {
		return nil, errors.Errorf("unknown mode %q", opts.Mode)
	}
	if opts.InvertOrderProb < 0 || opts.InvertOrderProb > 1 {
		return nil, errors.Errorf("invert order probability must be in [0, 1], got %v", opts.InvertOrderProb)
	}
	if len(opts.Scenes) == 0 {
		return nil, errors.New("no scenes selected")
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	ds := &DrunkDataset{opts: opts, rng: rand.New(rand.NewSource(seed))}
	for _, scene := range opts.Scenes {
		if err := ds.indexScene(scene); err != nil {
			return nil, errors.Wrapf(err, "scene %d", scene)
		}
	}
	if len(ds.pairs) == 0 {
		return nil, errors.Errorf("no frame pairs found under %s", opts.Root)
	}
	return ds, nil
}

func (d *DrunkDataset) indexScene(scene int) error {
	dir := sceneDir(d.opts.Root, scene, d.opts.DifficultyLevel)
	frames, err := countFrames(dir)
	if err != nil {
		return err
	}
	poses, err := readPoseFile(filepath.Join(dir, "pose.txt"))
	if err != nil {
		return err
	}
	if len(poses) < frames {
		return errors.Errorf("%d frames but only %d poses", frames, len(poses))
	}
	lvl := sceneLevel{dir: dir, poses: poses}
	kPath := filepath.Join(dir, "intrinsics.json")
	if _, err := os.Stat(kPath); err == nil {
		if lvl.intrinsics, err = geometry.LoadIntrinsicsJSON(kPath); err != nil {
			return err
		}
		lvl.explicitK = true
	}
	d.levels = append(d.levels, lvl)
	for f := 0; f+1 < frames; f++ {
		d.pairs = append(d.pairs, pairRef{level: len(d.levels) - 1, frame: f})
	}
	return nil
}

// Len returns the number of frame pairs.
func (d *DrunkDataset) Len() int {
	return len(d.pairs)
}

// Name returns the name of the dataset.
func (d *DrunkDataset) Name() string {
	return "DrunkDataset"
}

// augmentation holds the random choices made for one pair.
type augmentation struct {
	invert     bool
	brightness [2]float64
	contrast   [2]float64
	depthScale float64
}

func (d *DrunkDataset) drawAugmentation() augmentation {
	a := augmentation{depthScale: 1}
	if d.opts.Mode != ModeTrain {
		return a
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	a.invert = d.rng.Float64() < d.opts.InvertOrderProb
	if d.opts.DoAugment {
		for i := range a.brightness {
			a.brightness[i] = 40*d.rng.Float64() - 20
			a.contrast[i] = 40*d.rng.Float64() - 20
		}
	}
	if d.opts.DepthAugmentor {
		a.depthScale = 0.5 + d.rng.Float64()
	}
	return a
}

// Example decodes pair i and synthesizes its ground truth.
func (d *DrunkDataset) Example(i int) (*Sample, error) {
	if i < 0 || i >= len(d.pairs) {
		return nil, errors.Errorf("index %d out of range [0, %d)", i, len(d.pairs))
	}
	ref := d.pairs[i]
	lvl := d.levels[ref.level]
	aug := d.drawAugmentation()

	f1, f2 := ref.frame, ref.frame+1
	pose := lvl.poses[f2].Inverse().Compose(lvl.poses[f1])
	if aug.invert {
		f1, f2 = f2, f1
		pose = pose.Inverse()
	}

	img1, depth1, k, err := d.loadFrame(lvl, f1, aug.brightness[0], aug.contrast[0])
	if err != nil {
		return nil, err
	}
	img2, depth2, _, err := d.loadFrame(lvl, f2, aug.brightness[1], aug.contrast[1])
	if err != nil {
		return nil, err
	}
	if !dense.SameSpatial(img1, img2) || !dense.SameSpatial(depth1, img1) || !dense.SameSpatial(depth2, img1) {
		return nil, errors.Errorf("frames %d and %d of %s differ in size", f1, f2, lvl.dir)
	}

	if aug.depthScale != 1 {
		for _, f := range []*dense.Tensor{depth1, depth2} {
			for j := range f.Data {
				f.Data[j] *= aug.depthScale
			}
		}
		pose.Translation = pose.Translation.Mul(aug.depthScale)
	}

	flow, mask, err := SynthesizeFlow(depth1, depth2, 0, k, pose)
	if err != nil {
		return nil, errors.Wrapf(err, "pair %d", i)
	}
	return &Sample{
		Image1:           img1,
		Image2:           img2,
		Depth1:           depth1,
		Depth2:           depth2,
		Intrinsics:       k,
		FlowGT:           flow,
		ValidMask:        mask,
		PoseGT:           pose,
		DepthScaleFactor: aug.depthScale,
	}, nil
}

// loadFrame decodes the color and depth images of one frame at the configured resolution
// and returns the intrinsics for that resolution.
func (d *DrunkDataset) loadFrame(lvl sceneLevel, frame int, brightness, contrast float64) (*dense.Tensor, *dense.Tensor, geometry.Intrinsics, error) {
	res := d.opts.ResFactor
	colorImg, err := imaging.Open(framePath(lvl.dir, "color", frame))
	if err != nil {
		return nil, nil, geometry.Intrinsics{}, errors.Wrapf(err, "failed to open color frame %d", frame)
	}
	depthImg, err := imaging.Open(framePath(lvl.dir, "depth", frame))
	if err != nil {
		return nil, nil, geometry.Intrinsics{}, errors.Wrapf(err, "failed to open depth frame %d", frame)
	}

	w, h := colorImg.Bounds().Dx(), colorImg.Bounds().Dy()
	var img image.Image = colorImg
	if res > 1 {
		img = imaging.Resize(colorImg, w/res, h/res, imaging.Box)
	}
	if brightness != 0 {
		img = imaging.AdjustBrightness(img, brightness)
	}
	if contrast != 0 {
		img = imaging.AdjustContrast(img, contrast)
	}

	k := lvl.intrinsics
	if !lvl.explicitK {
		k = defaultIntrinsics.Scaled(defaultIntrinsicsWidth / float64(w))
	}
	return colorField(img), depthField(depthImg, res), k.Scaled(float64(res)), nil
}
