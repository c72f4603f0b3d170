package flow

import (
	"errors"
	"fmt"
	"time"
)

// ErrStageNotInFlow is returned when a caller reports completion of a stage that does
// not apply to the applicant. It signals a caller bug and must not be swallowed.
var ErrStageNotInFlow = errors.New("stage not in flow")

// Status is the persisted progress of one applicant.
type Status struct {
	CurrentStage Stage      `json:"current_stage"`
	Completed    bool       `json:"completed"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// InitialStatus is the status of an applicant who has not finished anything yet.
func InitialStatus() Status {
	return Status{CurrentStage: baseFlow[0]}
}

// Advance computes the status after completed has been finished under opts.
func Advance(status Status, completed Stage, opts Options, now time.Time) (Status, error) {
	return advanceIn(status, completed, ResolveFlow(opts), MaximalFlow(), now)
}

type position struct {
	index   int
	stage   Stage
	drifted bool
}

func advanceIn(status Status, completed Stage, f, maximal Flow, now time.Time) (Status, error) {
	doneIdx := f.IndexOf(completed)
	if doneIdx < 0 {
		return status, fmt.Errorf("%w: %s", ErrStageNotInFlow, completed)
	}
	pos := remap(status, f, maximal)

	// The recorded position is already past the reported stage. A drifted position that
	// lands on the reported stage stood beyond it in the maximal flow, so it holds too.
	if pos.index > doneIdx || (pos.drifted && pos.index == doneIdx) {
		held := Status{CurrentStage: pos.stage, Completed: status.Completed}
		if held.Completed {
			held.CompletedAt = completionTime(status.CompletedAt, now)
		}
		return held, nil
	}

	if next, ok := f.Next(completed); ok {
		return Status{CurrentStage: next}, nil
	}
	return Status{
		CurrentStage: completed,
		Completed:    true,
		CompletedAt:  completionTime(status.CompletedAt, now),
	}, nil
}

// remap finds the applicant's position in f. A stage that is no longer in f maps to
// the nearest earlier stage of the maximal flow that still is.
func remap(status Status, f, maximal Flow) position {
	if i := f.IndexOf(status.CurrentStage); i >= 0 {
		return position{index: i, stage: status.CurrentStage}
	}
	if mi := maximal.IndexOf(status.CurrentStage); mi >= 0 {
		for j := mi; j >= 0; j-- {
			if i := f.IndexOf(maximal[j]); i >= 0 {
				return position{index: i, stage: maximal[j], drifted: true}
			}
		}
	}
	if status.Completed && len(f) > 0 {
		return position{index: len(f) - 1, stage: f[len(f)-1], drifted: true}
	}
	first, _ := f.First()
	return position{index: -1, stage: first, drifted: true}
}

func completionTime(existing *time.Time, now time.Time) *time.Time {
	if existing != nil {
		t := *existing
		return &t
	}
	t := now.UTC()
	return &t
}
