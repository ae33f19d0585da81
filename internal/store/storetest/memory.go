// Package storetest provides in-memory implementations of the store, cache and
// bus ports for tests.
package storetest

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/ordersim/internal/domain"
)

// Episodes implements domain.EpisodeStore.
type Episodes struct {
	mu    sync.Mutex
	eps   map[string]domain.Episode
	steps map[string][]domain.EpisodeStep
}

var _ domain.EpisodeStore = (*Episodes)(nil)

// NewEpisodes returns an empty store.
func NewEpisodes() *Episodes {
	return &Episodes{eps: map[string]domain.Episode{}, steps: map[string][]domain.EpisodeStep{}}
}

func (s *Episodes) Create(ctx context.Context, ep domain.Episode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.eps[ep.ID]; ok {
		return domain.ErrAlreadyExists
	}
	if ep.StartedAt.IsZero() {
		ep.StartedAt = time.Now().UTC()
	}
	if ep.Status == "" {
		ep.Status = domain.EpisodeStatusActive
	}
	s.eps[ep.ID] = ep
	return nil
}

func (s *Episodes) RecordStep(ctx context.Context, step domain.EpisodeStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.eps[step.EpisodeID]
	if !ok {
		return domain.ErrNotFound
	}
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now().UTC()
	}
	ep.LeftStep = step.LeftStep
	s.eps[ep.ID] = ep
	s.steps[ep.ID] = append(s.steps[ep.ID], step)
	return nil
}

func (s *Episodes) Finish(ctx context.Context, ep domain.Episode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.eps[ep.ID]
	if !ok {
		return domain.ErrNotFound
	}
	cur.LeftStep, cur.FilledQty, cur.VWAP = ep.LeftStep, ep.FilledQty, ep.VWAP
	cur.Status, cur.TapePath = ep.Status, ep.TapePath
	finished := time.Now().UTC()
	if ep.FinishedAt != nil {
		finished = *ep.FinishedAt
	}
	cur.FinishedAt = &finished
	s.eps[ep.ID] = cur
	return nil
}

func (s *Episodes) GetByID(ctx context.Context, id string) (domain.Episode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.eps[id]
	if !ok {
		return domain.Episode{}, domain.ErrNotFound
	}
	return ep, nil
}

func (s *Episodes) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.Episode, error) {
	s.mu.Lock()
	var out []domain.Episode
	for _, ep := range s.eps {
		if opts.Since != nil && ep.StartedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && ep.StartedAt.After(*opts.Until) {
			continue
		}
		out = append(out, ep)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return paginate(out, opts), nil
}

func (s *Episodes) ListSteps(ctx context.Context, episodeID string) ([]domain.EpisodeStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.steps[episodeID]), nil
}

// Audit implements domain.AuditStore.
type Audit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

var _ domain.AuditStore = (*Audit)(nil)

func (a *Audit) Log(ctx context.Context, event string, detail map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, domain.AuditEntry{
		ID:        int64(len(a.entries) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (a *Audit) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	a.mu.Lock()
	out := slices.Clone(a.entries)
	a.mu.Unlock()
	slices.Reverse(out)
	return paginate(out, opts), nil
}

// Events returns the logged event names in order.
func (a *Audit) Events() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.Event
	}
	return out
}

func paginate[T any](in []T, opts domain.ListOpts) []T {
	if opts.Offset >= len(in) {
		return nil
	}
	in = in[opts.Offset:]
	if opts.Limit > 0 && opts.Limit < len(in) {
		in = in[:opts.Limit]
	}
	return in
}

// Sessions implements domain.SessionCache.
type Sessions struct {
	mu sync.Mutex
	m  map[string]domain.SessionStatus
}

var _ domain.SessionCache = (*Sessions)(nil)

// NewSessions returns an empty cache.
func NewSessions() *Sessions {
	return &Sessions{m: map[string]domain.SessionStatus{}}
}

func (c *Sessions) SetStatus(ctx context.Context, st domain.SessionStatus) error {
	c.mu.Lock()
	c.m[st.SessionID] = st
	c.mu.Unlock()
	return nil
}

func (c *Sessions) GetStatus(ctx context.Context, id string) (domain.SessionStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.m[id]
	if !ok {
		return domain.SessionStatus{}, domain.ErrNotFound
	}
	return st, nil
}

func (c *Sessions) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	delete(c.m, id)
	c.mu.Unlock()
	return nil
}

// Locks implements domain.LockManager in process.
type Locks struct {
	mu   sync.Mutex
	held map[string]bool
}

var _ domain.LockManager = (*Locks)(nil)

// NewLocks returns a lock manager with nothing held.
func NewLocks() *Locks {
	return &Locks{held: map[string]bool{}}
}

func (l *Locks) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, fmt.Errorf("storetest: lock %s: %w", key, domain.ErrLockHeld)
	}
	l.held[key] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

// Bus implements domain.SignalBus in process. Subscribers only see messages
// published after they subscribe.
type Bus struct {
	mu      sync.Mutex
	subs    map[string][]chan []byte
	streams map[string][]domain.StreamMessage
	sent    map[string][][]byte
}

var _ domain.SignalBus = (*Bus)(nil)

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs:    map[string][]chan []byte{},
		streams: map[string][]domain.StreamMessage{},
		sent:    map[string][][]byte{},
	}
}

func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent[channel] = append(b.sent[channel], payload)
	for pattern, subs := range b.subs {
		if !matches(pattern, channel) {
			continue
		}
		for _, ch := range subs {
			select {
			case ch <- payload:
			default:
			}
		}
	}
	return nil
}

func matches(pattern, channel string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(channel, prefix)
	}
	return pattern == channel
}

func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[channel]
		for i, c := range subs {
			if c == ch {
				b.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

func (b *Bus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := fmt.Sprintf("%d-0", len(b.streams[stream])+1)
	b.streams[stream] = append(b.streams[stream], domain.StreamMessage{ID: id, Payload: payload})
	return nil
}

func (b *Bus) StreamRead(ctx context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.streams[stream]
	start := 0
	if lastID != "0" && lastID != "0-0" {
		for i, m := range msgs {
			if m.ID == lastID {
				start = i + 1
				break
			}
		}
	}
	out := slices.Clone(msgs[start:])
	if count > 0 && count < len(out) {
		out = out[:count]
	}
	return out, nil
}

// Published returns every payload published on channel.
func (b *Bus) Published(channel string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.sent[channel])
}
