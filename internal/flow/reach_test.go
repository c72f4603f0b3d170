package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasReached(t *testing.T) {
	rec := Record{Status: Status{CurrentStage: PolicyConsents}}

	assert.True(t, HasReached(rec, Qualification))
	assert.True(t, HasReached(rec, PolicyConsents))
	assert.False(t, HasReached(rec, DriveTest))
	assert.False(t, HasReached(rec, FlatbedTraining), "stage outside the flow is never reached")
}

func TestHasReached_Drift(t *testing.T) {
	rec := Record{Status: Status{CurrentStage: FlatbedTraining}}
	assert.True(t, HasReached(rec, DrugTest))
	assert.False(t, HasReached(rec, FlatbedTraining))
	assert.False(t, HasCompleted(rec, DrugTest))

	rec.Options.NeedsExtraStage = true
	assert.True(t, HasReached(rec, FlatbedTraining))
	assert.True(t, HasCompleted(rec, DrugTest))
}

func TestHasReached_UnknownStageFallsBackToCompleted(t *testing.T) {
	open := Record{Status: Status{CurrentStage: Stage(0)}}
	done := Record{Status: Status{CurrentStage: Stage(0), Completed: true}}
	for _, s := range ResolveFlow(Options{}) {
		assert.False(t, HasReached(open, s))
		assert.True(t, HasReached(done, s))
	}
}

func TestHasCompleted(t *testing.T) {
	rec := Record{Status: Status{CurrentStage: DriveTest}}
	assert.True(t, HasCompleted(rec, PolicyConsents))
	assert.False(t, HasCompleted(rec, DriveTest))
	assert.False(t, HasCompleted(rec, DrugTest))
	assert.False(t, HasCompleted(rec, FlatbedTraining))

	final := Record{Status: Status{CurrentStage: DrugTest, Completed: true}}
	assert.True(t, HasCompleted(final, DrugTest))
}

func TestReachedCompletedDuality(t *testing.T) {
	var records []Record
	for _, opts := range []Options{{}, {NeedsExtraStage: true}} {
		for _, s := range append(Stages(), Stage(0)) {
			records = append(records,
				Record{Status: Status{CurrentStage: s}, Options: opts},
				Record{Status: Status{CurrentStage: s, Completed: true}, Options: opts},
			)
		}
	}
	for _, rec := range records {
		f := ResolveFlow(rec.Options)
		for _, s := range f {
			next, ok := f.Next(s)
			if !ok {
				continue
			}
			assert.Equal(t, HasReached(rec, next), HasCompleted(rec, s), "record %+v stage %s", rec, s)
		}
	}
}

func TestDescribe(t *testing.T) {
	states := Describe(Record{Status: InitialStatus(), Options: Options{NeedsExtraStage: true}})
	require.Len(t, states, len(MaximalFlow()))

	assert.True(t, states[0].Current)
	assert.True(t, states[0].Reached)
	assert.False(t, states[0].Completed)
	for _, st := range states[1:] {
		assert.False(t, st.Reached)
		assert.False(t, st.Current)
	}
	assert.Equal(t, OwnerAdmin, states[len(states)-1].Owner)

	done := Describe(Record{Status: Status{CurrentStage: DrugTest, Completed: true}})
	for _, st := range done {
		assert.True(t, st.Completed)
		assert.False(t, st.Current)
	}
}
