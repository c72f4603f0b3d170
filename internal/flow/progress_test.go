package flow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	t1 = t0.Add(48 * time.Hour)
)

func TestAdvance_NormalForwardProgress(t *testing.T) {
	got, err := Advance(InitialStatus(), Qualification, Options{}, t0)
	require.NoError(t, err)
	assert.Equal(t, Status{CurrentStage: ApplicationPage1}, got)
}

func TestAdvance_FinalStageCompletes(t *testing.T) {
	status := Status{CurrentStage: DrugTest}
	got, err := Advance(status, DrugTest, Options{}, t0)
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, DrugTest, got.CurrentStage)
	assert.True(t, got.Completed)
	assert.Equal(t, t0, *got.CompletedAt)
}

func TestAdvance_ExtraStageFollowsBaseFlow(t *testing.T) {
	opts := Options{NeedsExtraStage: true}
	got, err := Advance(Status{CurrentStage: DrugTest}, DrugTest, opts, t0)
	require.NoError(t, err)
	assert.Equal(t, Status{CurrentStage: FlatbedTraining}, got)

	got, err = Advance(got, FlatbedTraining, opts, t0)
	require.NoError(t, err)
	assert.True(t, got.Completed)
	assert.Equal(t, FlatbedTraining, got.CurrentStage)
}

func TestAdvance_FirstCompletionWins(t *testing.T) {
	done, err := Advance(Status{CurrentStage: DrugTest}, DrugTest, Options{}, t0)
	require.NoError(t, err)

	again, err := Advance(done, DrugTest, Options{}, t1)
	require.NoError(t, err)
	require.NotNil(t, again.CompletedAt)
	assert.Equal(t, t0, *again.CompletedAt)

	late, err := Advance(done, ApplicationPage2, Options{}, t1)
	require.NoError(t, err)
	assert.True(t, late.Completed)
	require.NotNil(t, late.CompletedAt)
	assert.Equal(t, t0, *late.CompletedAt)
	assert.Equal(t, DrugTest, late.CurrentStage)
}

func TestAdvance_LateCompletionHoldsPosition(t *testing.T) {
	stray := t0
	status := Status{CurrentStage: DriveTest, CompletedAt: &stray}
	got, err := Advance(status, ApplicationPage1, Options{}, t1)
	require.NoError(t, err)
	assert.Equal(t, Status{CurrentStage: DriveTest}, got, "stray completion time must be cleared")
}

func TestAdvance_MonotonicAcrossWholeFlow(t *testing.T) {
	for _, opts := range []Options{{}, {NeedsExtraStage: true}} {
		f := ResolveFlow(opts)
		status := InitialStatus()
		last := f.IndexOf(status.CurrentStage)
		for _, s := range f {
			next, err := Advance(status, s, opts, t0)
			require.NoError(t, err)
			idx := f.IndexOf(next.CurrentStage)
			assert.GreaterOrEqual(t, idx, last)
			assert.Equal(t, next.Completed, next.CompletedAt != nil)
			last, status = idx, next
		}
		assert.True(t, status.Completed)
		assert.True(t, f.IsFinal(status.CurrentStage))
	}
}

func TestAdvance_RejectsStageOutsideFlow(t *testing.T) {
	_, err := Advance(Status{CurrentStage: DrugTest}, FlatbedTraining, Options{}, t0)
	assert.ErrorIs(t, err, ErrStageNotInFlow)

	_, err = Advance(InitialStatus(), Stage(0), Options{}, t0)
	assert.ErrorIs(t, err, ErrStageNotInFlow)
}

// Base flow ends in DrugTest; FlatbedTraining is the optional extra stage.
func TestAdvance_CompletingLastBaseStage(t *testing.T) {
	got, err := Advance(Status{CurrentStage: DrugTest}, DrugTest, Options{NeedsExtraStage: false}, t0)
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, DrugTest, got.CurrentStage)
	assert.True(t, got.Completed)
	assert.Equal(t, t0, *got.CompletedAt)
}

func TestAdvance_DriftOutOfOptionalStageDoesNotComplete(t *testing.T) {
	status := Status{CurrentStage: FlatbedTraining}
	got, err := Advance(status, DrugTest, Options{NeedsExtraStage: false}, t0)
	require.NoError(t, err)
	assert.Equal(t, Status{CurrentStage: DrugTest}, got)

	// The remapped stage is persisted, so the next report completes normally.
	got, err = Advance(got, DrugTest, Options{}, t1)
	require.NoError(t, err)
	assert.True(t, got.Completed)
}

func TestAdvance_DriftMatchesNearestSurvivingStage(t *testing.T) {
	drifted := Status{CurrentStage: FlatbedTraining}
	surviving := Status{CurrentStage: DrugTest}
	f := ResolveFlow(Options{})
	for _, s := range f[:len(f)-1] {
		a, err := Advance(drifted, s, Options{}, t0)
		require.NoError(t, err)
		b, err := Advance(surviving, s, Options{}, t0)
		require.NoError(t, err)
		assert.Equal(t, b, a, "completing %s", s)
		assert.NotEqual(t, Qualification, a.CurrentStage)
	}
}

func TestAdvance_CompletedApplicantDriftKeepsTimestamp(t *testing.T) {
	ts := t0
	status := Status{CurrentStage: FlatbedTraining, Completed: true, CompletedAt: &ts}
	got, err := Advance(status, Training, Options{}, t1)
	require.NoError(t, err)
	assert.True(t, got.Completed)
	assert.Equal(t, DrugTest, got.CurrentStage)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, t0, *got.CompletedAt)
}

func TestAdvance_UnknownStage(t *testing.T) {
	got, err := Advance(Status{CurrentStage: Stage(99)}, Qualification, Options{}, t0)
	require.NoError(t, err)
	assert.Equal(t, Status{CurrentStage: ApplicationPage1}, got)

	got, err = Advance(Status{CurrentStage: Stage(99), Completed: true}, Qualification, Options{}, t0)
	require.NoError(t, err)
	assert.True(t, got.Completed, "completed applicants are never regressed")
	assert.Equal(t, DrugTest, got.CurrentStage)
	require.NotNil(t, got.CompletedAt)
}

// Two independently optional stages: DriveTest and FlatbedTraining.
func TestAdvanceIn_MultipleOptionalStages(t *testing.T) {
	maximal := Flow{Qualification, ApplicationPage1, DriveTest, Training, FlatbedTraining}
	f := Flow{Qualification, ApplicationPage1, Training}

	got, err := advanceIn(Status{CurrentStage: DriveTest}, Qualification, f, maximal, t0)
	require.NoError(t, err)
	assert.Equal(t, Status{CurrentStage: ApplicationPage1}, got)

	got, err = advanceIn(Status{CurrentStage: FlatbedTraining}, ApplicationPage1, f, maximal, t0)
	require.NoError(t, err)
	assert.Equal(t, Status{CurrentStage: Training}, got)

	got, err = advanceIn(Status{CurrentStage: FlatbedTraining}, Training, f, maximal, t0)
	require.NoError(t, err)
	assert.Equal(t, Status{CurrentStage: Training}, got)

	got, err = advanceIn(got, Training, f, maximal, t0)
	require.NoError(t, err)
	assert.True(t, got.Completed)
}
