package flow

// Record is the read-only view of an applicant that the predicates need.
type Record struct {
	Status  Status
	Options Options
}

// HasReached reports whether the applicant has arrived at target.
func HasReached(rec Record, target Stage) bool {
	return hasReachedIn(rec, target, ResolveFlow(rec.Options), MaximalFlow())
}

func hasReachedIn(rec Record, target Stage, f, maximal Flow) bool {
	targetIdx := f.IndexOf(target)
	if targetIdx < 0 {
		return false
	}
	current := f.IndexOf(rec.Status.CurrentStage)
	if current < 0 {
		current = maximal.IndexOf(rec.Status.CurrentStage)
	}
	if current < 0 {
		return rec.Status.Completed
	}
	return current >= targetIdx
}

// HasCompleted reports whether the applicant has finished stage.
func HasCompleted(rec Record, stage Stage) bool {
	return hasCompletedIn(rec, stage, ResolveFlow(rec.Options), MaximalFlow())
}

func hasCompletedIn(rec Record, stage Stage, f, maximal Flow) bool {
	if !f.Contains(stage) {
		return false
	}
	if next, ok := f.Next(stage); ok {
		return hasReachedIn(rec, next, f, maximal)
	}
	return rec.Status.Completed
}

// StageState describes one stage of an applicant's flow for display.
type StageState struct {
	Stage     Stage `json:"stage"`
	Owner     Owner `json:"owner"`
	Reached   bool  `json:"reached"`
	Completed bool  `json:"completed"`
	Current   bool  `json:"current"`
}

// Describe lists the applicant's flow with per-stage progress flags.
func Describe(rec Record) []StageState {
	f := ResolveFlow(rec.Options)
	maximal := MaximalFlow()
	current := remap(rec.Status, f, maximal)
	out := make([]StageState, 0, len(f))
	for _, s := range f {
		out = append(out, StageState{
			Stage:     s,
			Owner:     s.Owner(),
			Reached:   hasReachedIn(rec, s, f, maximal),
			Completed: hasCompletedIn(rec, s, f, maximal),
			Current:   !rec.Status.Completed && current.index >= 0 && current.stage == s,
		})
	}
	return out
}
