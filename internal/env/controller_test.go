package env

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ordersim/internal/domain"
	"github.com/alanyoungcy/ordersim/internal/engine/enginetest"
)

// shortWindowEngine returns fewer frames than a window holds.
type shortWindowEngine struct{}

func (shortWindowEngine) Reset(ctx context.Context) (domain.ResetReply, error) {
	return domain.ResetReply{Books: []domain.Book{{100: 1}}, MissionBuy: 10, LeftStep: 3}, nil
}

func (shortWindowEngine) Step(ctx context.Context, b1, b2, b3, m int64) (domain.StepReply, error) {
	return domain.StepReply{}, nil
}

// queuedEngine replays fixed step replies after a 10-step, 100-share reset.
type queuedEngine struct {
	steps []domain.StepReply
}

func fullWindow() []domain.Book {
	books := make([]domain.Book, domain.WindowSize)
	for i := range books {
		books[i] = enginetest.Book(i)
	}
	return books
}

func (q *queuedEngine) Reset(ctx context.Context) (domain.ResetReply, error) {
	return domain.ResetReply{Books: fullWindow(), MissionBuy: 100, LeftStep: 10}, nil
}

func (q *queuedEngine) Step(ctx context.Context, b1, b2, b3, m int64) (domain.StepReply, error) {
	reply := q.steps[0]
	q.steps = q.steps[1:]
	reply.Books = fullWindow()
	return reply, nil
}

func TestResetFixesMission(t *testing.T) {
	ctx := context.Background()
	eng := enginetest.New()
	c := NewController(eng)

	_, err := c.MissionInfo()
	require.ErrorIs(t, err, domain.ErrNotReset)
	assert.False(t, c.Active())
	assert.Equal(t, 0, c.LeftStep())

	window, err := c.Reset(ctx)
	require.NoError(t, err)
	require.Len(t, window, domain.WindowSize)

	info, err := c.MissionInfo()
	require.NoError(t, err)
	assert.Equal(t, domain.MissionInfo{TotalStep: 10, MissionBuy: 100}, info)
	assert.Equal(t, 10, c.LeftStep())
	assert.True(t, c.Active())
}

func TestStepScenario(t *testing.T) {
	ctx := context.Background()
	eng := enginetest.New()
	eng.StepFills = func(call int, b1, b2, b3, m int64) domain.Fills {
		return domain.Fills{101: b1}
	}
	c := NewController(eng)
	_, err := c.Reset(ctx)
	require.NoError(t, err)

	res, err := c.Step(ctx, []int64{5, 0, 0, 0})
	require.NoError(t, err)

	assert.Equal(t, domain.Series{{Price: 101, Qty: 5}}, res.Fills)
	assert.Equal(t, domain.Series{{Price: 101, Qty: 5}}, res.Cumulative)
	assert.Len(t, res.Window, domain.WindowSize)
	assert.Equal(t, 9, c.LeftStep())
	assert.Equal(t, [][4]int64{{5, 0, 0, 0}}, eng.Actions)

	info, err := c.MissionInfo()
	require.NoError(t, err)
	assert.Equal(t, domain.MissionInfo{TotalStep: 10, MissionBuy: 100}, info)
}

func TestStepUntilTerminated(t *testing.T) {
	ctx := context.Background()
	eng := enginetest.New()
	c := NewController(eng)
	_, err := c.Reset(ctx)
	require.NoError(t, err)

	prev := c.LeftStep()
	for i := 0; i < 10; i++ {
		_, err := c.Step(ctx, []int64{0, 0, 0, 1})
		require.NoError(t, err, "step %d", i)
		assert.LessOrEqual(t, c.LeftStep(), prev)
		assert.GreaterOrEqual(t, c.LeftStep(), 0)
		prev = c.LeftStep()
	}
	assert.Equal(t, 0, c.LeftStep())
	assert.False(t, c.Active())

	_, err = c.Step(ctx, []int64{0, 0, 0, 1})
	require.ErrorIs(t, err, domain.ErrEpisodeNotActive)
	assert.Equal(t, 10, eng.Calls())

	// Mission info survives termination.
	info, err := c.MissionInfo()
	require.NoError(t, err)
	assert.Equal(t, 10, info.TotalStep)
}

func TestResetAfterTerminationStartsFresh(t *testing.T) {
	ctx := context.Background()
	eng := enginetest.New()
	eng.Steps = 1
	c := NewController(eng)
	_, err := c.Reset(ctx)
	require.NoError(t, err)
	_, err = c.Step(ctx, []int64{0, 0, 0, 0})
	require.NoError(t, err)
	require.False(t, c.Active())

	eng.Steps = 4
	eng.MissionBuy = 40
	_, err = c.Reset(ctx)
	require.NoError(t, err)

	info, err := c.MissionInfo()
	require.NoError(t, err)
	assert.Equal(t, domain.MissionInfo{TotalStep: 4, MissionBuy: 40}, info)
	assert.Equal(t, 4, c.LeftStep())
	assert.True(t, c.Active())
}

func TestStepBeforeReset(t *testing.T) {
	c := NewController(enginetest.New())

	_, err := c.Step(context.Background(), []int64{1, 2, 3, 4})
	require.ErrorIs(t, err, domain.ErrEpisodeNotActive)
	assert.NotErrorIs(t, err, domain.ErrMalformedAction)
}

func TestStepMalformedAction(t *testing.T) {
	ctx := context.Background()

	t.Run("active episode", func(t *testing.T) {
		eng := enginetest.New()
		c := NewController(eng)
		_, err := c.Reset(ctx)
		require.NoError(t, err)

		for _, actions := range [][]int64{nil, {1, 2, 3}, {1, 2, 3, 4, 5}} {
			_, err := c.Step(ctx, actions)
			require.ErrorIs(t, err, domain.ErrMalformedAction, "len %d", len(actions))
			assert.NotErrorIs(t, err, domain.ErrEpisodeNotActive)
		}
		assert.Equal(t, 0, eng.Calls())
		assert.Equal(t, 10, c.LeftStep())
	})

	t.Run("uninitialized episode reports both", func(t *testing.T) {
		c := NewController(enginetest.New())
		_, err := c.Step(ctx, []int64{1, 2, 3})
		require.ErrorIs(t, err, domain.ErrMalformedAction)
		require.ErrorIs(t, err, domain.ErrEpisodeNotActive)
	})
}

func TestEngineErrorsPropagate(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("invalid price level")

	eng := enginetest.New()
	eng.ResetErr = boom
	c := NewController(eng)
	_, err := c.Reset(ctx)
	require.ErrorIs(t, err, boom)
	_, err = c.MissionInfo()
	require.ErrorIs(t, err, domain.ErrNotReset)

	eng.ResetErr = nil
	_, err = c.Reset(ctx)
	require.NoError(t, err)

	eng.StepErr = boom
	_, err = c.Step(ctx, []int64{1, 0, 0, 0})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 10, c.LeftStep())
}

func TestNegativeLeftStepIsTerminal(t *testing.T) {
	ctx := context.Background()
	eng := enginetest.New()
	eng.Decrement = 3
	c := NewController(eng)
	_, err := c.Reset(ctx)
	require.NoError(t, err)

	var seen []int
	for c.Active() {
		_, err := c.Step(ctx, []int64{0, 0, 0, 0})
		require.NoError(t, err)
		seen = append(seen, c.LeftStep())
	}
	assert.Equal(t, []int{7, 4, 1, 0}, seen)

	_, err = c.Step(ctx, []int64{0, 0, 0, 0})
	require.ErrorIs(t, err, domain.ErrEpisodeNotActive)
}

func TestNegativeMissionBuyRejected(t *testing.T) {
	eng := enginetest.New()
	eng.MissionBuy = -1
	c := NewController(eng)

	_, err := c.Reset(context.Background())
	require.ErrorIs(t, err, domain.ErrInvalidMission)
	assert.False(t, c.Active())
}

func TestMalformedWindowRejected(t *testing.T) {
	c := NewController(shortWindowEngine{})

	_, err := c.Reset(context.Background())
	require.ErrorIs(t, err, domain.ErrMalformedWindow)
	_, err = c.MissionInfo()
	require.ErrorIs(t, err, domain.ErrNotReset)
}

func TestMalformedResetDropsActiveMission(t *testing.T) {
	ctx := context.Background()

	t.Run("short window", func(t *testing.T) {
		eng := enginetest.New()
		c := NewController(eng)
		_, err := c.Reset(ctx)
		require.NoError(t, err)
		_, err = c.Step(ctx, []int64{0, 0, 0, 1})
		require.NoError(t, err)
		require.True(t, c.Active())

		eng.Frames = 1
		eng.MissionBuy = 7
		eng.Steps = 2
		_, err = c.Reset(ctx)
		require.ErrorIs(t, err, domain.ErrMalformedWindow)

		_, err = c.MissionInfo()
		require.ErrorIs(t, err, domain.ErrNotReset)
		assert.False(t, c.Active())
		assert.Equal(t, 0, c.LeftStep())
		_, err = c.Step(ctx, []int64{0, 0, 0, 1})
		require.ErrorIs(t, err, domain.ErrEpisodeNotActive)
	})

	t.Run("negative mission", func(t *testing.T) {
		eng := enginetest.New()
		c := NewController(eng)
		_, err := c.Reset(ctx)
		require.NoError(t, err)

		eng.MissionBuy = -1
		_, err = c.Reset(ctx)
		require.ErrorIs(t, err, domain.ErrInvalidMission)
		_, err = c.MissionInfo()
		require.ErrorIs(t, err, domain.ErrNotReset)
		assert.False(t, c.Active())
	})

	t.Run("engine error", func(t *testing.T) {
		eng := enginetest.New()
		c := NewController(eng)
		_, err := c.Reset(ctx)
		require.NoError(t, err)

		eng.ResetErr = errors.New("engine restarting")
		_, err = c.Reset(ctx)
		require.ErrorIs(t, err, eng.ResetErr)
		assert.False(t, c.Active())
	})
}

func TestMalformedStepKeepsEngineLeftStep(t *testing.T) {
	ctx := context.Background()
	eng := enginetest.New()
	c := NewController(eng)
	_, err := c.Reset(ctx)
	require.NoError(t, err)

	eng.Frames = 1
	_, err = c.Step(ctx, []int64{0, 0, 0, 1})
	require.ErrorIs(t, err, domain.ErrMalformedWindow)
	assert.Equal(t, 9, c.LeftStep())
	assert.True(t, c.Active())

	info, err := c.MissionInfo()
	require.NoError(t, err)
	assert.Equal(t, domain.MissionInfo{TotalStep: 10, MissionBuy: 100}, info)
}

func TestLeftStepNeverIncreases(t *testing.T) {
	ctx := context.Background()
	eng := &queuedEngine{steps: []domain.StepReply{
		{LeftStep: 9},
		{LeftStep: 12},
		{LeftStep: 4},
		{LeftStep: 6},
	}}
	c := NewController(eng)
	_, err := c.Reset(ctx)
	require.NoError(t, err)

	var seen []int
	for range 4 {
		res, err := c.Step(ctx, []int64{0, 0, 0, 0})
		require.NoError(t, err)
		assert.Equal(t, c.LeftStep(), res.LeftStep)
		seen = append(seen, res.LeftStep)
	}
	assert.Equal(t, []int{9, 9, 4, 4}, seen)

	info, err := c.MissionInfo()
	require.NoError(t, err)
	assert.Equal(t, 10, info.TotalStep)
}

func TestElapsedPassesThrough(t *testing.T) {
	ctx := context.Background()
	eng := &queuedEngine{steps: []domain.StepReply{
		{LeftStep: 9, Elapsed: 750 * time.Millisecond},
		{LeftStep: 8, Elapsed: 0},
		{LeftStep: 7, Elapsed: -time.Second},
	}}
	c := NewController(eng)
	_, err := c.Reset(ctx)
	require.NoError(t, err)

	for _, want := range []time.Duration{750 * time.Millisecond, 0, -time.Second} {
		res, err := c.Step(ctx, []int64{0, 0, 0, 0})
		require.NoError(t, err)
		assert.Equal(t, want, res.Elapsed)
	}
}
