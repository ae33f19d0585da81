package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ordersim/internal/blob/blobtest"
	"github.com/alanyoungcy/ordersim/internal/domain"
	"github.com/alanyoungcy/ordersim/internal/engine/enginetest"
	"github.com/alanyoungcy/ordersim/internal/engine/tape"
	"github.com/alanyoungcy/ordersim/internal/metrics"
	"github.com/alanyoungcy/ordersim/internal/store/storetest"
)

type fixture struct {
	svc      *SessionService
	engines  []*enginetest.Scripted
	episodes *storetest.Episodes
	audit    *storetest.Audit
	cache    *storetest.Sessions
	bus      *storetest.Bus
	blobs    *blobtest.Memory
	mu       sync.Mutex
}

func newFixture(t *testing.T, configure func(*enginetest.Scripted)) *fixture {
	t.Helper()
	f := &fixture{
		episodes: storetest.NewEpisodes(),
		audit:    &storetest.Audit{},
		cache:    storetest.NewSessions(),
		bus:      storetest.NewBus(),
		blobs:    blobtest.New(),
	}
	factory := func(ctx context.Context) (domain.Engine, error) {
		eng := enginetest.New()
		if configure != nil {
			configure(eng)
		}
		f.mu.Lock()
		f.engines = append(f.engines, eng)
		f.mu.Unlock()
		return eng, nil
	}
	f.svc = NewSessionService(factory, slog.Default()).
		WithEpisodeStore(f.episodes).
		WithAuditStore(f.audit).
		WithSessionCache(f.cache).
		WithSignalBus(f.bus).
		WithRecorder(f.blobs, "tapes/").
		WithMetrics(metrics.New()).
		WithMaxSessions(2)
	return f
}

func events(t *testing.T, bus *storetest.Bus) []string {
	t.Helper()
	var out []string
	for _, raw := range bus.Published(domain.ChannelEpisode) {
		var evt domain.EpisodeEvent
		require.NoError(t, json.Unmarshal(raw, &evt))
		out = append(out, evt.Event)
	}
	return out
}

func TestSessionEpisodeLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(e *enginetest.Scripted) {
		e.Steps = 2
		e.MissionBuy = 20
	})

	info, err := f.svc.Create(ctx, domain.VariantReplay)
	require.NoError(t, err)

	_, err = f.svc.Mission(ctx, info.ID)
	assert.ErrorIs(t, err, domain.ErrNotReset)

	window, err := f.svc.Reset(ctx, info.ID)
	require.NoError(t, err)
	assert.Len(t, window, domain.WindowSize)

	mission, err := f.svc.Mission(ctx, info.ID)
	require.NoError(t, err)
	assert.Equal(t, MissionView{MissionInfo: domain.MissionInfo{TotalStep: 2, MissionBuy: 20}, LeftStep: 2}, mission)

	for i := 0; i < 2; i++ {
		res, err := f.svc.Step(ctx, info.ID, []int64{0, 0, 0, 10})
		require.NoError(t, err)
		assert.Equal(t, domain.Series{{Price: 101, Qty: 10}}, res.Fills)
	}
	_, err = f.svc.Step(ctx, info.ID, []int64{0, 0, 0, 10})
	assert.ErrorIs(t, err, domain.ErrEpisodeNotActive)

	sum, err := f.svc.Summary(ctx, info.ID)
	require.NoError(t, err)
	assert.True(t, sum.Complete)
	assert.Equal(t, "101.0000", sum.VWAP)

	eps, err := f.episodes.ListRecent(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, eps, 1)
	assert.Equal(t, domain.EpisodeStatusCompleted, eps[0].Status)
	assert.Equal(t, int64(20), eps[0].FilledQty)
	assert.Equal(t, "tapes/"+info.ID+".json", eps[0].TapePath)

	steps, err := f.episodes.ListSteps(ctx, eps[0].ID)
	require.NoError(t, err)
	assert.Len(t, steps, 2)

	st, err := f.cache.GetStatus(ctx, info.ID)
	require.NoError(t, err)
	assert.False(t, st.Active)
	assert.Equal(t, int64(20), st.FilledQty)

	obs, err := f.svc.EveryObservation(ctx, info.ID)
	require.NoError(t, err)
	assert.Len(t, obs, 3)

	require.NoError(t, f.svc.Close(ctx, info.ID))

	assert.Equal(t, []string{
		domain.EventSessionCreated,
		domain.EventEpisodeStarted,
		domain.EventEpisodeStep,
		domain.EventEpisodeStep,
		domain.EventEpisodeFinished,
		domain.EventSessionClosed,
	}, events(t, f.bus))

	tr, err := tape.Load(ctx, f.blobs, "tapes/"+info.ID+".json")
	require.NoError(t, err)
	assert.Equal(t, 2, tr.StepCount())

	_, err = f.cache.GetStatus(ctx, info.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Contains(t, f.audit.Events(), "transcript.saved")
}

func TestSessionUnknownID(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Reset(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, f.svc.Close(context.Background(), "missing"), domain.ErrNotFound)
}

func TestSessionVariantCapabilities(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	ref, err := f.svc.Create(ctx, domain.VariantReference)
	require.NoError(t, err)
	rep, err := f.svc.Create(ctx, domain.VariantReplay)
	require.NoError(t, err)

	action, err := f.svc.ReferenceAction(ctx, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReferenceAction{10, 0, 0, 0}, action)

	_, err = f.svc.ReferenceAction(ctx, rep.ID)
	assert.ErrorIs(t, err, domain.ErrUnsupported)
	_, err = f.svc.EveryObservation(ctx, ref.ID)
	assert.ErrorIs(t, err, domain.ErrUnsupported)

	_, err = f.svc.Create(ctx, domain.VariantReplay)
	assert.ErrorIs(t, err, domain.ErrSessionLimit)

	assert.Len(t, f.svc.List(), 2)
	require.NoError(t, f.svc.CloseAll(ctx))
	assert.Empty(t, f.svc.List())
}

func TestSessionResetAbandonsRunningEpisode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	info, err := f.svc.Create(ctx, domain.VariantReference)
	require.NoError(t, err)

	_, err = f.svc.Reset(ctx, info.ID)
	require.NoError(t, err)
	_, err = f.svc.Step(ctx, info.ID, []int64{0, 0, 0, 1})
	require.NoError(t, err)
	_, err = f.svc.Reset(ctx, info.ID)
	require.NoError(t, err)

	eps, err := f.episodes.ListRecent(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, eps, 2)
	statuses := map[domain.EpisodeStatus]int{}
	for _, ep := range eps {
		statuses[ep.Status]++
	}
	assert.Equal(t, map[domain.EpisodeStatus]int{
		domain.EpisodeStatusAbandoned: 1,
		domain.EpisodeStatusActive:    1,
	}, statuses)

	// A fresh episode starts from zero fills.
	sum, err := f.svc.Summary(ctx, info.ID)
	require.NoError(t, err)
	assert.Zero(t, sum.FilledQty)
	assert.Equal(t, 10, sum.LeftStep)
}

func TestSessionStepErrorsPassThrough(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("engine down")
	f := newFixture(t, func(e *enginetest.Scripted) { e.StepErr = boom })
	info, err := f.svc.Create(ctx, domain.VariantReplay)
	require.NoError(t, err)

	_, err = f.svc.Step(ctx, info.ID, []int64{1, 2, 3})
	assert.ErrorIs(t, err, domain.ErrEpisodeNotActive)
	assert.ErrorIs(t, err, domain.ErrMalformedAction)

	_, err = f.svc.Reset(ctx, info.ID)
	require.NoError(t, err)
	_, err = f.svc.Step(ctx, info.ID, []int64{1, 2, 3, 4})
	assert.ErrorIs(t, err, boom)
}

func TestSessionUnsupportedEngine(t *testing.T) {
	svc := NewSessionService(func(ctx context.Context) (domain.Engine, error) {
		var plain struct{ domain.Engine }
		plain.Engine = enginetest.New()
		return plain, nil
	}, slog.Default())

	_, err := svc.Create(context.Background(), domain.VariantReplay)
	assert.ErrorIs(t, err, domain.ErrUnsupported)

	_, err = svc.Create(context.Background(), "bogus")
	assert.Error(t, err)
}

func TestSessionFailedResetEndsEpisode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	info, err := f.svc.Create(ctx, domain.VariantReplay)
	require.NoError(t, err)
	_, err = f.svc.Reset(ctx, info.ID)
	require.NoError(t, err)
	_, err = f.svc.Step(ctx, info.ID, []int64{0, 0, 0, 1})
	require.NoError(t, err)

	f.engines[0].Frames = 1
	_, err = f.svc.Reset(ctx, info.ID)
	require.ErrorIs(t, err, domain.ErrMalformedWindow)

	_, err = f.svc.Step(ctx, info.ID, []int64{0, 0, 0, 1})
	require.ErrorIs(t, err, domain.ErrEpisodeNotActive)
	_, err = f.svc.Mission(ctx, info.ID)
	require.ErrorIs(t, err, domain.ErrNotReset)

	eps, err := f.episodes.ListRecent(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, eps, 1)
	assert.Equal(t, domain.EpisodeStatusAbandoned, eps[0].Status)

	st, err := f.cache.GetStatus(ctx, info.ID)
	require.NoError(t, err)
	assert.False(t, st.Active)
	assert.Empty(t, st.EpisodeID)
}

func TestSessionMalformedFinalStepFinishesEpisode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(e *enginetest.Scripted) { e.Steps = 1 })
	info, err := f.svc.Create(ctx, domain.VariantReplay)
	require.NoError(t, err)
	_, err = f.svc.Reset(ctx, info.ID)
	require.NoError(t, err)

	f.engines[0].Frames = 1
	_, err = f.svc.Step(ctx, info.ID, []int64{0, 0, 0, 1})
	require.ErrorIs(t, err, domain.ErrMalformedWindow)

	eps, err := f.episodes.ListRecent(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, eps, 1)
	assert.Equal(t, domain.EpisodeStatusExhausted, eps[0].Status)
	assert.Equal(t, 0, eps[0].LeftStep)

	st, err := f.cache.GetStatus(ctx, info.ID)
	require.NoError(t, err)
	assert.False(t, st.Active)
	assert.Equal(t, 0, st.LeftStep)
}
