package service

import (
	"context"
	"time"

	"github.com/alanyoungcy/ordersim/internal/domain"
	"github.com/alanyoungcy/ordersim/internal/metrics"
)

// timedEngine records the latency of every engine call.
type timedEngine struct {
	inner   domain.Engine
	metrics *metrics.Metrics
}

var (
	_ domain.Engine            = (*timedEngine)(nil)
	_ domain.ObservationSource = (*timedEngine)(nil)
	_ domain.ReferenceSource   = (*timedEngine)(nil)
	_ domain.Closer            = (*timedEngine)(nil)
)

func (t *timedEngine) Reset(ctx context.Context) (domain.ResetReply, error) {
	defer t.metrics.ObserveEngine("reset", time.Now())
	return t.inner.Reset(ctx)
}

func (t *timedEngine) Step(ctx context.Context, buy1, buy2, buy3, market int64) (domain.StepReply, error) {
	defer t.metrics.ObserveEngine("step", time.Now())
	return t.inner.Step(ctx, buy1, buy2, buy3, market)
}

func (t *timedEngine) EveryObservation(ctx context.Context) ([]domain.Book, error) {
	src, ok := t.inner.(domain.ObservationSource)
	if !ok {
		return nil, domain.ErrUnsupported
	}
	defer t.metrics.ObserveEngine("every_observation", time.Now())
	return src.EveryObservation(ctx)
}

func (t *timedEngine) ReferenceAction(ctx context.Context) ([]float64, error) {
	src, ok := t.inner.(domain.ReferenceSource)
	if !ok {
		return nil, domain.ErrUnsupported
	}
	defer t.metrics.ObserveEngine("reference_action", time.Now())
	return src.ReferenceAction(ctx)
}

func (t *timedEngine) Close() error {
	if c, ok := t.inner.(domain.Closer); ok {
		return c.Close()
	}
	return nil
}
