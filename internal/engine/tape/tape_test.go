package tape

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ordersim/internal/blob/blobtest"
	"github.com/alanyoungcy/ordersim/internal/domain"
	"github.com/alanyoungcy/ordersim/internal/engine/enginetest"
)

func record(t *testing.T, steps int) *Transcript {
	t.Helper()
	ctx := context.Background()
	live := enginetest.New()
	live.Steps = steps
	rec := NewRecorder(live, domain.VariantReplay)

	_, err := rec.Reset(ctx)
	require.NoError(t, err)
	for i := 0; i < steps; i++ {
		_, err := rec.Step(ctx, 0, 0, 0, int64(i+1))
		require.NoError(t, err)
	}
	_, err = rec.EveryObservation(ctx)
	require.NoError(t, err)
	_, err = rec.ReferenceAction(ctx)
	require.NoError(t, err)
	return rec.Transcript()
}

func TestRecordAndReplay(t *testing.T) {
	ctx := context.Background()
	tr := record(t, 3)
	require.Len(t, tr.Episodes, 1)
	assert.Equal(t, 3, tr.StepCount())
	assert.Len(t, tr.Episodes[0].Observations, 4)

	eng := NewEngine(tr, true)
	reset, err := eng.Reset(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(100), reset.MissionBuy)
	assert.Equal(t, 3, reset.LeftStep)

	for i := 0; i < 3; i++ {
		reply, err := eng.Step(ctx, 0, 0, 0, int64(i+1))
		require.NoError(t, err)
		assert.Equal(t, 3-i-1, reply.LeftStep)
		assert.Equal(t, int64(i+1), reply.Fills[101])
	}
	assert.Equal(t, 0, eng.Remaining())

	_, err = eng.Step(ctx, 0, 0, 0, 1)
	assert.ErrorIs(t, err, ErrTapeExhausted)

	obs, err := eng.EveryObservation(ctx)
	require.NoError(t, err)
	assert.Len(t, obs, 4)

	ref, err := eng.ReferenceAction(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 0, 0, 0}, ref)
	_, err = eng.ReferenceAction(ctx)
	assert.ErrorIs(t, err, ErrTapeExhausted)

	_, err = eng.Reset(ctx)
	assert.ErrorIs(t, err, ErrTapeExhausted)
}

func TestStrictReplayDetectsDivergence(t *testing.T) {
	ctx := context.Background()
	tr := record(t, 2)

	strict := NewEngine(tr, true)
	_, err := strict.Reset(ctx)
	require.NoError(t, err)
	_, err = strict.Step(ctx, 5, 0, 0, 0)
	assert.ErrorIs(t, err, ErrTapeDiverged)
	assert.Equal(t, 2, strict.Remaining())

	loose := NewEngine(tr, false)
	_, err = loose.Reset(ctx)
	require.NoError(t, err)
	_, err = loose.Step(ctx, 5, 0, 0, 0)
	assert.NoError(t, err)
}

func TestStepBeforeResetOnTape(t *testing.T) {
	eng := NewEngine(record(t, 1), true)
	_, err := eng.Step(context.Background(), 0, 0, 0, 1)
	assert.ErrorIs(t, err, domain.ErrEpisodeNotActive)
}

func TestRecorderKeepsEpisodesApart(t *testing.T) {
	ctx := context.Background()
	rec := NewRecorder(enginetest.New(), domain.VariantReference)
	for ep := 0; ep < 2; ep++ {
		_, err := rec.Reset(ctx)
		require.NoError(t, err)
		_, err = rec.Step(ctx, 1, 2, 3, 4)
		require.NoError(t, err)
	}
	tr := rec.Transcript()
	require.Len(t, tr.Episodes, 2)
	assert.Len(t, tr.Episodes[1].Steps, 1)
	assert.Equal(t, domain.Action{1, 2, 3, 4}, tr.Episodes[1].Steps[0].Action)
}

func TestSaveLoadTranscript(t *testing.T) {
	ctx := context.Background()
	store := blobtest.New()
	tr := record(t, 2)

	require.NoError(t, tr.Save(ctx, store, "tapes/a.json"))
	got, err := Load(ctx, store, "tapes/a.json")
	require.NoError(t, err)

	assert.Equal(t, tr.ID, got.ID)
	assert.Equal(t, domain.VariantReplay, got.Variant)
	require.Len(t, got.Episodes, 1)
	assert.Equal(t, tr.Episodes[0].Steps, got.Episodes[0].Steps)
	assert.Equal(t, tr.Episodes[0].Reset, got.Episodes[0].Reset)

	_, err = Load(ctx, store, "tapes/missing.json")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
