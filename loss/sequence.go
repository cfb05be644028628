package loss

import (
	"math"

	"github.com/pkg/errors"

	"github.com/Noofbiz/vodom/dense"
	"github.com/Noofbiz/vodom/geometry"
	"github.com/Noofbiz/vodom/metrics"
)

// Mode selects between training and validation output.
type Mode int

const (
	// Train returns the loss with its gradients and unsuffixed metrics.
	Train Mode = iota
	// Val returns metrics with the validation suffix and no gradients.
	Val
)

func (m Mode) String() string {
	if m == Val {
		return "val"
	}
	return "train"
}

// Weights are the coefficients of the loss terms and the iteration discount.
type Weights struct {
	Fl             float64 `json:"fl_weight"`
	Rv             float64 `json:"rv_weight"`
	Dz             float64 `json:"dz_weight"`
	Pose           float64 `json:"pose_weight"`
	RelativeTraRot float64 `json:"relative_tra_rot_weight"`
	PoseCNN        float64 `json:"pose_cnn_weight"`
	Gamma          float64 `json:"gamma"`
}

// DefaultWeights returns the weights used for training on the Drunkard's dataset.
func DefaultWeights() Weights {
	return Weights{
		Fl:             1.0,
		Rv:             0.2,
		Dz:             100.0,
		Pose:           200.0,
		RelativeTraRot: 1.0,
		PoseCNN:        0.1,
		Gamma:          0.9,
	}
}

// Inputs are the network estimates of every refinement iteration together with the
// ground truth of the batch.
type Inputs struct {
	Flow    []*dense.Tensor // N × (B,H,W,3): 2D flow and inverse depth change
	FlowRev []*dense.Tensor // N × (B,H,W,2): 2D flow before the pose correction
	Pose    PoseEstimate

	FlowGT     *dense.Tensor // (B,H,W,3)
	Depth1     *dense.Tensor // (B,H,W,1)
	Depth2     *dense.Tensor // (B,H,W,1)
	Intrinsics []geometry.Intrinsics
	PoseGT     []geometry.Pose
	ValidMask  *dense.Mask
}

// Gradients of the total loss with respect to every network output.
type Gradients struct {
	Flow    []*dense.Tensor
	FlowRev []*dense.Tensor
	// Pose holds one gradient per sample for each pose slot of the estimate.
	Pose [][]metrics.PoseErrorGrad
}

// Result of one evaluation of the sequence loss.
type Result struct {
	Loss    float64
	Grads   *Gradients // nil in Val mode
	Metrics metrics.Record
}

// iterationTerms are the weighted loss components of one iteration.
type iterationTerms struct {
	fl, dz, rv, poseTra, poseRot float64
}

func (in *Inputs) validate() (n, b int, err error) {
	n = len(in.Flow)
	if n < 1 {
		return 0, 0, errors.New("sequence loss needs at least one iteration")
	}
	if len(in.FlowRev) != n {
		return 0, 0, errors.Errorf("got %d reverse flows for %d iterations", len(in.FlowRev), n)
	}
	if in.ValidMask == nil {
		return 0, 0, errors.New("valid mask is nil")
	}
	if err := in.FlowGT.CheckField(3); err != nil {
		return 0, 0, errors.Wrap(err, "flow ground truth")
	}
	if !in.ValidMask.Matches(in.FlowGT) {
		return 0, 0, errors.Errorf("valid mask (%d,%d,%d) does not cover flow ground truth %v",
			in.ValidMask.B, in.ValidMask.H, in.ValidMask.W, in.FlowGT.Shape)
	}
	for i := 0; i < n; i++ {
		if err := in.Flow[i].CheckField(3); err != nil {
			return 0, 0, errors.Wrapf(err, "flow estimate %d", i)
		}
		if err := in.FlowRev[i].CheckField(2); err != nil {
			return 0, 0, errors.Wrapf(err, "reverse flow estimate %d", i)
		}
		if !dense.SameSpatial(in.Flow[i], in.FlowGT) || !dense.SameSpatial(in.FlowRev[i], in.FlowGT) {
			return 0, 0, errors.Errorf("iteration %d estimates %v, %v do not match ground truth %v",
				i, in.Flow[i].Shape, in.FlowRev[i].Shape, in.FlowGT.Shape)
		}
	}
	b = in.FlowGT.Shape[0]
	if len(in.PoseGT) != b {
		return 0, 0, errors.Errorf("got %d ground truth poses for a batch of %d", len(in.PoseGT), b)
	}
	return n, b, nil
}

// Sequence scores all N refinement iterations of one batch. Iteration i is weighted by
// gamma^(N-i-1) so the last iteration counts most. Each iteration adds the masked
// Charbonnier losses of the flow, inverse depth change and reverse flow plus the pose
// translation and rotation errors; the first iteration also scores the CNN pose when
// there is one. Degenerate inputs such as an empty valid mask propagate as NaN.
func Sequence(in *Inputs, wt Weights, mode Mode) (*Result, error) {
	n, b, err := in.validate()
	if err != nil {
		return nil, err
	}
	sched, err := in.Pose.resolve(n, b)
	if err != nil {
		return nil, err
	}
	gtParts, err := in.FlowGT.SplitChannels(2, 1)
	if err != nil {
		return nil, err
	}
	flGT, dzGT := gtParts[0], gtParts[1]
	flow3dGT, err := geometry.BackprojectFlow3D(flGT, in.Depth1, in.Depth2, in.Intrinsics)
	if err != nil {
		return nil, errors.Wrap(err, "backprojecting ground truth flow")
	}

	var grads *Gradients
	if mode == Train {
		grads = &Gradients{
			Flow:    make([]*dense.Tensor, n),
			FlowRev: make([]*dense.Tensor, n),
			Pose:    make([][]metrics.PoseErrorGrad, in.Pose.Slots()),
		}
		for s := range grads.Pose {
			grads.Pose[s] = make([]metrics.PoseErrorGrad, b)
		}
	}

	var (
		total          float64
		last           iterationTerms
		cnnTra, cnnRot float64
		poseErr        metrics.PoseError
		cnnErr         metrics.PoseError
		flow3dRMSE     []float64
		flEst, dzEst   *dense.Tensor
	)
	for i := 0; i < n; i++ {
		w := math.Pow(wt.Gamma, float64(n-i-1))

		parts, err := in.Flow[i].SplitChannels(2, 1)
		if err != nil {
			return nil, err
		}
		flEst, dzEst = parts[0], parts[1]

		flLoss, flGrad := maskedNonzeroMean(flEst, flGT, in.ValidMask)
		dzLoss, dzGrad := maskedNonzeroMean(dzEst, dzGT, in.ValidMask)
		rvLoss, rvGrad := maskedNonzeroMean(in.FlowRev[i], flGT, in.ValidMask)

		flow3d, err := geometry.BackprojectFlow3D(flEst, in.Depth1, in.Depth2, in.Intrinsics)
		if err != nil {
			return nil, errors.Wrapf(err, "backprojecting flow of iteration %d", i)
		}
		if flow3dRMSE, err = metrics.Flow3DTraErrors(flow3d, flow3dGT, in.ValidMask); err != nil {
			return nil, err
		}

		if poseErr, err = metrics.PoseErrors(in.Pose.Slot(sched.iter[i]), in.PoseGT); err != nil {
			return nil, errors.Wrapf(err, "pose of iteration %d", i)
		}

		last = iterationTerms{
			fl:      w * wt.Fl * flLoss,
			dz:      w * wt.Dz * dzLoss,
			rv:      w * wt.Rv * rvLoss,
			poseTra: w * wt.Pose * poseErr.TraME,
			poseRot: w * wt.Pose * wt.RelativeTraRot * poseErr.RotME,
		}
		total += last.fl + last.dz + last.rv + last.poseTra + last.poseRot

		if i == 0 && sched.cnn >= 0 {
			if cnnErr, err = metrics.PoseErrors(in.Pose.Slot(sched.cnn), in.PoseGT); err != nil {
				return nil, errors.Wrap(err, "CNN pose")
			}
			cnnTra = w * wt.Pose * wt.PoseCNN * cnnErr.TraME
			cnnRot = w * wt.Pose * wt.PoseCNN * wt.RelativeTraRot * cnnErr.RotME
			total += cnnTra + cnnRot
			if grads != nil {
				accumulatePoseGrads(grads.Pose[sched.cnn], cnnErr.Grads, w*wt.Pose*wt.PoseCNN, wt.RelativeTraRot)
			}
		}

		if grads == nil {
			continue
		}
		for k := range flGrad.Data {
			flGrad.Data[k] *= w * wt.Fl
		}
		for k := range dzGrad.Data {
			dzGrad.Data[k] *= w * wt.Dz
		}
		for k := range rvGrad.Data {
			rvGrad.Data[k] *= w * wt.Rv
		}
		if grads.Flow[i], err = dense.ConcatChannels(flGrad, dzGrad); err != nil {
			return nil, err
		}
		grads.FlowRev[i] = rvGrad
		accumulatePoseGrads(grads.Pose[sched.iter[i]], poseErr.Grads, w*wt.Pose, wt.RelativeTraRot)
	}

	epe, err := metrics.EndPointErrors(flEst, flGT, dzEst, dzGT, in.ValidMask)
	if err != nil {
		return nil, err
	}

	rec := metrics.Record{
		"epe_2d":        metrics.Mean(epe.Flow2D),
		"epe_dz":        metrics.Mean(epe.Dz),
		"1px":           metrics.FractionBelow(epe.Flow2D, 1),
		"3px":           metrics.FractionBelow(epe.Flow2D, 3),
		"5px":           metrics.FractionBelow(epe.Flow2D, 5),
		"loss":          total,
		"loss_fl":       last.fl,
		"loss_dz":       last.dz,
		"loss_rv":       last.rv,
		"loss_pose_tra": last.poseTra,
		"loss_pose_rot": last.poseRot,

		"flow3d_tra_error_RMSE": metrics.Mean(flow3dRMSE),
		"flow3d_tra_error_1cm":  metrics.Flow3DAccuracy(flow3dRMSE, 0.01),
		"flow3d_tra_error_5cm":  metrics.Flow3DAccuracy(flow3dRMSE, 0.05),
		"flow3d_tra_error_10cm": metrics.Flow3DAccuracy(flow3dRMSE, 0.1),
		"flow3d_tra_error_20cm": metrics.Flow3DAccuracy(flow3dRMSE, 0.2),

		"pose_tra_error_ME":               poseErr.TraME,
		"pose_tra_error_RMSE":             poseErr.TraRMSE,
		"pose_rot_error_ME":               poseErr.RotME,
		"pose_rot_error_axisangle_module": poseErr.RotAxisAngleModule,
	}
	if sched.cnn >= 0 {
		rec["loss_pose_cnn_tra"] = cnnTra
		rec["loss_pose_cnn_rot"] = cnnRot
		rec["pose_cnn_tra_error_ME"] = cnnErr.TraME
		rec["pose_cnn_tra_error_RMSE"] = cnnErr.TraRMSE
		rec["pose_cnn_rot_error_ME"] = cnnErr.RotME
		rec["pose_cnn_rot_error_axisangle_module"] = cnnErr.RotAxisAngleModule
	}

	if mode == Val {
		return &Result{Loss: total, Metrics: rec.Suffixed(metrics.ValSuffix)}, nil
	}
	return &Result{Loss: total, Grads: grads, Metrics: rec}, nil
}

func accumulatePoseGrads(dst, src []metrics.PoseErrorGrad, scale, rotScale float64) {
	for k := range src {
		dst[k].Translation = dst[k].Translation.Add(src[k].Translation.Mul(scale))
		dst[k].Rotation = dst[k].Rotation.Add(src[k].Rotation.Mul(scale * rotScale))
	}
}
