package env

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ordersim/internal/domain"
	"github.com/alanyoungcy/ordersim/internal/engine/enginetest"
)

func TestReplayEveryObservation(t *testing.T) {
	ctx := context.Background()
	e := NewReplayEnv(enginetest.New())

	_, err := e.Reset(ctx)
	require.NoError(t, err)

	obs, err := e.EveryObservation(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, obs)
	assert.Equal(t, 10, e.LeftStep())
	for _, s := range obs {
		for i := 1; i < len(s); i++ {
			assert.Less(t, s[i-1].Price, s[i].Price)
		}
	}

	for e.Active() {
		_, err := e.Step(ctx, []int64{0, 0, 0, 0})
		require.NoError(t, err)
	}
	after, err := e.EveryObservation(ctx)
	require.NoError(t, err)
	assert.Greater(t, len(after), len(obs))
}

func TestReferenceAction(t *testing.T) {
	ctx := context.Background()
	eng := enginetest.New()
	eng.Reference = []float64{3, 2.5, 1, 4}
	e := NewReferenceEnv(eng)

	// No active episode required.
	got, err := e.ReferenceAction(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.ReferenceAction{3, 2.5, 1, 4}, got)

	_, err = e.Reset(ctx)
	require.NoError(t, err)
	_, err = e.ReferenceAction(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, e.LeftStep())

	eng.Reference = []float64{1, 2}
	_, err = e.ReferenceAction(ctx)
	require.ErrorIs(t, err, domain.ErrMalformedAction)
}
