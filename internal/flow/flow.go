// Package flow decides which onboarding stages apply to an applicant, how far the
// applicant has progressed through them, and how that position survives changes in
// the set of applicable stages.
package flow

// Options are the per-applicant eligibility inputs to the flow resolver.
type Options struct {
	NeedsExtraStage bool `json:"needs_extra_stage"`
}

// Flow is the ordered list of stages that applies to one applicant.
type Flow []Stage

var baseFlow = Flow{
	Qualification,
	ApplicationPage1,
	ApplicationPage2,
	ApplicationPage3,
	ApplicationPage4,
	ApplicationPage5,
	PolicyConsents,
	DriveTest,
	Training,
	DrugTest,
}

const optionalStage = FlatbedTraining

// ResolveFlow returns the flow for the given options. The optional stage is only
// ever appended, so dropping it never reorders the remaining stages.
func ResolveFlow(opts Options) Flow {
	out := make(Flow, 0, len(baseFlow)+1)
	out = append(out, baseFlow...)
	if opts.NeedsExtraStage {
		out = append(out, optionalStage)
	}
	return out
}

// MaximalFlow is the flow with every optional stage included.
func MaximalFlow() Flow {
	return ResolveFlow(Options{NeedsExtraStage: true})
}

// IndexOf returns the position of stage in f, or -1.
func (f Flow) IndexOf(stage Stage) int {
	for i, s := range f {
		if s == stage {
			return i
		}
	}
	return -1
}

func (f Flow) Contains(stage Stage) bool {
	return f.IndexOf(stage) >= 0
}

// IsBefore reports whether a comes strictly before b. Stages outside f are never before anything.
func (f Flow) IsBefore(a, b Stage) bool {
	ai, bi := f.IndexOf(a), f.IndexOf(b)
	if ai < 0 || bi < 0 {
		return false
	}
	return ai < bi
}

func (f Flow) IsFinal(stage Stage) bool {
	return len(f) > 0 && f[len(f)-1] == stage
}

// Next returns the stage after stage, if any.
func (f Flow) Next(stage Stage) (Stage, bool) {
	i := f.IndexOf(stage)
	if i < 0 || i+1 >= len(f) {
		return 0, false
	}
	return f[i+1], true
}

// Prev returns the stage before stage, if any.
func (f Flow) Prev(stage Stage) (Stage, bool) {
	i := f.IndexOf(stage)
	if i <= 0 {
		return 0, false
	}
	return f[i-1], true
}

func (f Flow) First() (Stage, bool) {
	if len(f) == 0 {
		return 0, false
	}
	return f[0], true
}

func (f Flow) Last() (Stage, bool) {
	if len(f) == 0 {
		return 0, false
	}
	return f[len(f)-1], true
}

// Keys returns the wire keys of the stages in order.
func (f Flow) Keys() []string {
	out := make([]string, len(f))
	for i, s := range f {
		out[i] = s.String()
	}
	return out
}
