package loss

import (
	"github.com/pkg/errors"

	"github.com/Noofbiz/vodom/geometry"
)

// PoseEstimate is the pose output of the network. It is either one batch of poses per
// refinement iteration, optionally followed by the CNN pose that precedes refinement,
// or a single batch shared by every iteration.
type PoseEstimate struct {
	slots  [][]geometry.Pose
	shared bool
}

// PerIteration wraps N or N+1 batches of poses. Index N, when present, is the CNN pose.
func PerIteration(poses [][]geometry.Pose) PoseEstimate {
	return PoseEstimate{slots: poses}
}

// Shared wraps one batch of poses used for every iteration.
func Shared(poses []geometry.Pose) PoseEstimate {
	return PoseEstimate{slots: [][]geometry.Pose{poses}, shared: true}
}

// IsShared reports whether the estimate was built with Shared.
func (p PoseEstimate) IsShared() bool { return p.shared }

// Slots returns the number of distinct pose batches.
func (p PoseEstimate) Slots() int { return len(p.slots) }

// Slot returns the i-th pose batch.
func (p PoseEstimate) Slot(i int) []geometry.Pose { return p.slots[i] }

// poseSchedule maps each iteration to the pose slot it is scored against.
type poseSchedule struct {
	iter []int
	cnn  int // -1 when there is no CNN pose
}

// resolve checks the estimate against n iterations and a batch of b samples.
func (p PoseEstimate) resolve(n, b int) (poseSchedule, error) {
	sched := poseSchedule{iter: make([]int, n), cnn: -1}
	switch {
	case p.shared:
	case len(p.slots) == n:
		for i := range sched.iter {
			sched.iter[i] = i
		}
	case len(p.slots) == n+1:
		for i := range sched.iter {
			sched.iter[i] = i
		}
		sched.cnn = n
	default:
		return sched, errors.Errorf("expected %d or %d per-iteration poses, got %d", n, n+1, len(p.slots))
	}
	for i, s := range p.slots {
		if len(s) != b {
			return sched, errors.Errorf("pose slot %d holds %d poses for a batch of %d", i, len(s), b)
		}
	}
	return sched, nil
}
