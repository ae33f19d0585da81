package tape

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/ordersim/internal/domain"
)

// Recorder wraps an engine and copies every successful reply into a
// transcript. Observation and reference calls are forwarded when the wrapped
// engine supports them.
type Recorder struct {
	inner domain.Engine

	mu         sync.Mutex
	transcript Transcript
}

var (
	_ domain.Engine            = (*Recorder)(nil)
	_ domain.ObservationSource = (*Recorder)(nil)
	_ domain.ReferenceSource   = (*Recorder)(nil)
)

// NewRecorder starts an empty transcript for the given variant.
func NewRecorder(inner domain.Engine, variant domain.Variant) *Recorder {
	return &Recorder{
		inner: inner,
		transcript: Transcript{
			ID:         uuid.NewString(),
			Variant:    variant,
			RecordedAt: time.Now().UTC(),
		},
	}
}

// Reset forwards to the engine and opens a new recorded episode.
func (r *Recorder) Reset(ctx context.Context) (domain.ResetReply, error) {
	reply, err := r.inner.Reset(ctx)
	if err != nil {
		return reply, err
	}
	r.mu.Lock()
	r.transcript.Episodes = append(r.transcript.Episodes, Episode{Reset: cloneReset(reply)})
	r.mu.Unlock()
	return reply, nil
}

// Step forwards to the engine and appends the reply to the open episode.
func (r *Recorder) Step(ctx context.Context, buy1, buy2, buy3, market int64) (domain.StepReply, error) {
	reply, err := r.inner.Step(ctx, buy1, buy2, buy3, market)
	if err != nil {
		return reply, err
	}
	r.mu.Lock()
	if ep := r.current(); ep != nil {
		ep.Steps = append(ep.Steps, StepRecord{
			Action: domain.Action{buy1, buy2, buy3, market},
			Reply:  cloneStep(reply),
		})
	}
	r.mu.Unlock()
	return reply, nil
}

// EveryObservation forwards to the engine and keeps the latest history.
func (r *Recorder) EveryObservation(ctx context.Context) ([]domain.Book, error) {
	src, ok := r.inner.(domain.ObservationSource)
	if !ok {
		return nil, domain.ErrUnsupported
	}
	books, err := src.EveryObservation(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	if ep := r.current(); ep != nil {
		ep.Observations = cloneBooks(books)
	}
	r.mu.Unlock()
	return books, nil
}

// ReferenceAction forwards to the engine and appends the vector.
func (r *Recorder) ReferenceAction(ctx context.Context) ([]float64, error) {
	src, ok := r.inner.(domain.ReferenceSource)
	if !ok {
		return nil, domain.ErrUnsupported
	}
	vec, err := src.ReferenceAction(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	if ep := r.current(); ep != nil {
		ep.References = append(ep.References, slices.Clone(vec))
	}
	r.mu.Unlock()
	return vec, nil
}

// Transcript returns a snapshot of everything recorded so far.
func (r *Recorder) Transcript() *Transcript {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.transcript
	t.Episodes = slices.Clone(r.transcript.Episodes)
	return &t
}

// Close closes the wrapped engine if it holds resources.
func (r *Recorder) Close() error {
	if c, ok := r.inner.(domain.Closer); ok {
		return c.Close()
	}
	return nil
}

// current returns the open episode. Caller holds mu.
func (r *Recorder) current() *Episode {
	if len(r.transcript.Episodes) == 0 {
		return nil
	}
	return &r.transcript.Episodes[len(r.transcript.Episodes)-1]
}

func cloneBooks(books []domain.Book) []domain.Book {
	out := make([]domain.Book, len(books))
	for i, b := range books {
		out[i] = cloneMap(b)
	}
	return out
}

func cloneMap[M ~map[int64]int64](m M) M {
	if m == nil {
		return nil
	}
	out := make(M, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneReset(r domain.ResetReply) domain.ResetReply {
	r.Books = cloneBooks(r.Books)
	return r
}

func cloneStep(r domain.StepReply) domain.StepReply {
	r.Books = cloneBooks(r.Books)
	r.Fills = cloneMap(r.Fills)
	r.Cumulative = cloneMap(r.Cumulative)
	return r
}
