// Package service hosts episodes for remote agents: one environment per
// session, with optional persistence, caching, event publishing and
// transcript recording around it.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/ordersim/internal/domain"
	"github.com/alanyoungcy/ordersim/internal/engine/tape"
	"github.com/alanyoungcy/ordersim/internal/env"
	"github.com/alanyoungcy/ordersim/internal/metrics"
	"github.com/alanyoungcy/ordersim/internal/notify"
)

// Notifier forwards operator alerts. Satisfied by *notify.Notifier.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// MissionView is the mission plus the live remaining step count.
type MissionView struct {
	domain.MissionInfo
	LeftStep int `json:"left_step"`
}

// SessionInfo is the listing entry for one session.
type SessionInfo struct {
	ID        string         `json:"id"`
	Variant   domain.Variant `json:"variant"`
	EpisodeID string         `json:"episode_id,omitempty"`
	Active    bool           `json:"active"`
	LeftStep  int            `json:"left_step"`
	CreatedAt time.Time      `json:"created_at"`
}

// session is one hosted environment. mu serializes every call on it.
type session struct {
	mu sync.Mutex

	id        string
	variant   domain.Variant
	createdAt time.Time
	engine    domain.Engine
	recorder  *tape.Recorder
	tapePath  string

	ctrl      *env.Controller
	replay    *env.ReplayEnv
	reference *env.ReferenceEnv

	episodeID  string
	stepIndex  int
	cumulative domain.Series
	closed     bool
}

// SessionService creates, drives and tears down sessions.
type SessionService struct {
	factory domain.EngineFactory
	logger  *slog.Logger

	episodes    domain.EpisodeStore
	audit       domain.AuditStore
	cache       domain.SessionCache
	bus         domain.SignalBus
	blobs       domain.BlobWriter
	tapePrefix  string
	metrics     *metrics.Metrics
	notifier    Notifier
	maxSessions int

	mu       sync.RWMutex
	sessions map[string]*session
}

// NewSessionService creates a SessionService that dials one engine per session.
func NewSessionService(factory domain.EngineFactory, logger *slog.Logger) *SessionService {
	return &SessionService{
		factory:  factory,
		logger:   logger.With(slog.String("component", "session_service")),
		sessions: make(map[string]*session),
	}
}

// WithEpisodeStore persists episodes and steps.
func (s *SessionService) WithEpisodeStore(store domain.EpisodeStore) *SessionService {
	s.episodes = store
	return s
}

// WithAuditStore logs session lifecycle events.
func (s *SessionService) WithAuditStore(audit domain.AuditStore) *SessionService {
	s.audit = audit
	return s
}

// WithSessionCache mirrors session status to a cache.
func (s *SessionService) WithSessionCache(cache domain.SessionCache) *SessionService {
	s.cache = cache
	return s
}

// WithSignalBus publishes episode events.
func (s *SessionService) WithSignalBus(bus domain.SignalBus) *SessionService {
	s.bus = bus
	return s
}

// WithRecorder records every session and uploads its transcript under prefix
// when the session closes.
func (s *SessionService) WithRecorder(blobs domain.BlobWriter, prefix string) *SessionService {
	s.blobs = blobs
	s.tapePrefix = prefix
	return s
}

// WithMetrics records Prometheus metrics.
func (s *SessionService) WithMetrics(m *metrics.Metrics) *SessionService {
	s.metrics = m
	return s
}

// WithNotifier sends an alert when an episode fills its mission.
func (s *SessionService) WithNotifier(n Notifier) *SessionService {
	s.notifier = n
	return s
}

// WithMaxSessions caps concurrently hosted sessions. Zero means no cap.
func (s *SessionService) WithMaxSessions(n int) *SessionService {
	s.maxSessions = n
	return s
}

// Create dials an engine and hosts a new session of the given variant.
func (s *SessionService) Create(ctx context.Context, variant domain.Variant) (SessionInfo, error) {
	variant, err := domain.ParseVariant(string(variant))
	if err != nil {
		return SessionInfo{}, fmt.Errorf("session_service: create: %w", err)
	}
	s.mu.RLock()
	full := s.maxSessions > 0 && len(s.sessions) >= s.maxSessions
	s.mu.RUnlock()
	if full {
		return SessionInfo{}, fmt.Errorf("session_service: create: %w", domain.ErrSessionLimit)
	}

	raw, err := s.factory(ctx)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("session_service: dial engine: %w", err)
	}
	if err := checkCapability(raw, variant); err != nil {
		closeEngine(raw)
		return SessionInfo{}, fmt.Errorf("session_service: create %s: %w", variant, err)
	}

	sess := &session{
		id:        uuid.NewString(),
		variant:   variant,
		createdAt: time.Now().UTC(),
	}
	var eng domain.Engine = &timedEngine{inner: raw, metrics: s.metrics}
	if s.blobs != nil {
		sess.recorder = tape.NewRecorder(eng, variant)
		sess.tapePath = s.tapePrefix + sess.id + ".json"
		eng = sess.recorder
	}
	sess.engine = eng
	bindEnv(sess, eng.(capableEngine))

	s.mu.Lock()
	if s.maxSessions > 0 && len(s.sessions) >= s.maxSessions {
		s.mu.Unlock()
		closeEngine(eng)
		return SessionInfo{}, fmt.Errorf("session_service: create: %w", domain.ErrSessionLimit)
	}
	s.sessions[sess.id] = sess
	count := len(s.sessions)
	s.mu.Unlock()

	s.metrics.SetActiveSessions(count)
	s.writeStatus(ctx, sess)
	s.publish(ctx, sess, domain.EventSessionCreated, "")
	s.logAudit(ctx, "session.created", map[string]any{"session_id": sess.id, "variant": string(variant)})
	s.logger.InfoContext(ctx, "session created",
		slog.String("session_id", sess.id),
		slog.String("variant", string(variant)),
	)
	return sess.info(), nil
}

// capableEngine is what every engine handed to bindEnv provides.
type capableEngine interface {
	domain.Engine
	domain.ObservationSource
	domain.ReferenceSource
}

func checkCapability(eng domain.Engine, variant domain.Variant) error {
	switch variant {
	case domain.VariantReplay:
		if _, ok := eng.(domain.ObservationSource); !ok {
			return domain.ErrUnsupported
		}
	case domain.VariantReference:
		if _, ok := eng.(domain.ReferenceSource); !ok {
			return domain.ErrUnsupported
		}
	}
	return nil
}

func bindEnv(sess *session, eng capableEngine) {
	switch sess.variant {
	case domain.VariantReplay:
		sess.replay = env.NewReplayEnv(eng)
		sess.ctrl = sess.replay.Controller
	case domain.VariantReference:
		sess.reference = env.NewReferenceEnv(eng)
		sess.ctrl = sess.reference.Controller
	}
}

// lookup returns the session with its lock held. The caller unlocks.
func (s *SessionService) lookup(id string) (*session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	return sess, nil
}

// Reset starts a new episode in the session. An unfinished previous episode
// is recorded as abandoned. A failed reset leaves the session with no
// episode until the next successful one.
func (s *SessionService) Reset(ctx context.Context, id string) (domain.Window, error) {
	sess, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	defer sess.mu.Unlock()

	if sess.episodeID != "" && sess.ctrl.Active() {
		s.finishEpisode(ctx, sess, domain.EpisodeStatusAbandoned)
	}
	sess.episodeID = ""

	window, err := sess.ctrl.Reset(ctx)
	if err != nil {
		s.writeStatus(ctx, sess)
		return nil, err
	}

	sess.episodeID = uuid.NewString()
	sess.stepIndex = 0
	sess.cumulative = domain.Series{}

	info, _ := sess.ctrl.MissionInfo()
	if s.episodes != nil {
		if err := s.episodes.Create(ctx, domain.Episode{
			ID:         sess.episodeID,
			SessionID:  sess.id,
			Variant:    sess.variant,
			TotalStep:  info.TotalStep,
			MissionBuy: info.MissionBuy,
			LeftStep:   sess.ctrl.LeftStep(),
			Status:     domain.EpisodeStatusActive,
			TapePath:   sess.tapePath,
			StartedAt:  time.Now().UTC(),
		}); err != nil {
			s.logger.WarnContext(ctx, "persist episode failed",
				slog.String("episode_id", sess.episodeID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.metrics.EpisodeStarted(string(sess.variant))
	s.writeStatus(ctx, sess)
	s.publish(ctx, sess, domain.EventEpisodeStarted, domain.EpisodeStatusActive)
	s.logger.DebugContext(ctx, "episode started",
		slog.String("session_id", sess.id),
		slog.String("episode_id", sess.episodeID),
		slog.Int("total_step", info.TotalStep),
		slog.Int64("mission_buy", info.MissionBuy),
	)
	return window, nil
}

// Step submits one action. The episode is finalized when the engine reports
// no steps left.
func (s *SessionService) Step(ctx context.Context, id string, actions []int64) (env.StepResult, error) {
	sess, err := s.lookup(id)
	if err != nil {
		return env.StepResult{}, err
	}
	defer sess.mu.Unlock()

	before := sess.ctrl.LeftStep()
	res, err := sess.ctrl.Step(ctx, actions)
	if err != nil {
		s.metrics.StepFailed(string(sess.variant), stepErrorKind(err))
		// A rejected engine reply still spends the step.
		if sess.ctrl.LeftStep() != before && sess.episodeID != "" {
			s.writeStatus(ctx, sess)
			if !sess.ctrl.Active() {
				s.finishEpisode(ctx, sess, sess.terminalStatus())
			}
		}
		return env.StepResult{}, err
	}

	sess.cumulative = res.Cumulative
	filled := res.Fills.TotalQty()
	index := sess.stepIndex
	sess.stepIndex++

	if s.episodes != nil && sess.episodeID != "" {
		action, _ := domain.ParseAction(actions)
		if err := s.episodes.RecordStep(ctx, domain.EpisodeStep{
			EpisodeID: sess.episodeID,
			Index:     index,
			Action:    action,
			LeftStep:  sess.ctrl.LeftStep(),
			Fills:     res.Fills,
			Elapsed:   res.Elapsed,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			s.logger.WarnContext(ctx, "persist step failed",
				slog.String("episode_id", sess.episodeID),
				slog.Int("index", index),
				slog.String("error", err.Error()),
			)
		}
	}

	s.metrics.StepAccepted(string(sess.variant), filled)
	s.writeStatus(ctx, sess)
	s.publish(ctx, sess, domain.EventEpisodeStep, domain.EpisodeStatusActive)

	if !sess.ctrl.Active() && sess.episodeID != "" {
		s.finishEpisode(ctx, sess, sess.terminalStatus())
	}
	return res, nil
}

// stepErrorKind maps a Step error to a metrics label.
func stepErrorKind(err error) string {
	switch {
	case errors.Is(err, domain.ErrEpisodeNotActive):
		return metrics.KindNotActive
	case errors.Is(err, domain.ErrMalformedAction):
		return metrics.KindMalformed
	default:
		return metrics.KindEngine
	}
}

// Mission returns the mission fixed at the last reset.
func (s *SessionService) Mission(ctx context.Context, id string) (MissionView, error) {
	sess, err := s.lookup(id)
	if err != nil {
		return MissionView{}, err
	}
	defer sess.mu.Unlock()

	info, err := sess.ctrl.MissionInfo()
	if err != nil {
		return MissionView{}, err
	}
	return MissionView{MissionInfo: info, LeftStep: sess.ctrl.LeftStep()}, nil
}

// EveryObservation returns the full observation history of a replay session.
func (s *SessionService) EveryObservation(ctx context.Context, id string) ([]domain.Series, error) {
	sess, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	defer sess.mu.Unlock()

	if sess.replay == nil {
		return nil, fmt.Errorf("session %s: every observation: %w", id, domain.ErrUnsupported)
	}
	return sess.replay.EveryObservation(ctx)
}

// ReferenceAction returns the engine's heuristic action for a reference
// session.
func (s *SessionService) ReferenceAction(ctx context.Context, id string) (domain.ReferenceAction, error) {
	sess, err := s.lookup(id)
	if err != nil {
		return domain.ReferenceAction{}, err
	}
	defer sess.mu.Unlock()

	if sess.reference == nil {
		return domain.ReferenceAction{}, fmt.Errorf("session %s: reference action: %w", id, domain.ErrUnsupported)
	}
	return sess.reference.ReferenceAction(ctx)
}

// Summary returns execution statistics for the current episode.
func (s *SessionService) Summary(ctx context.Context, id string) (env.Summary, error) {
	sess, err := s.lookup(id)
	if err != nil {
		return env.Summary{}, err
	}
	defer sess.mu.Unlock()

	if _, err := sess.ctrl.MissionInfo(); err != nil {
		return env.Summary{}, err
	}
	return sess.summary(), nil
}

// Close ends the session, finalizes an unfinished episode as abandoned,
// uploads the transcript if recording, and releases the engine.
func (s *SessionService) Close(ctx context.Context, id string) error {
	sess, err := s.lookup(id)
	if err != nil {
		return err
	}
	defer sess.mu.Unlock()

	s.mu.Lock()
	delete(s.sessions, id)
	count := len(s.sessions)
	s.mu.Unlock()
	sess.closed = true

	if sess.episodeID != "" && sess.ctrl.Active() {
		s.finishEpisode(ctx, sess, domain.EpisodeStatusAbandoned)
	}

	var errs []error
	if sess.recorder != nil {
		tr := sess.recorder.Transcript()
		if len(tr.Episodes) > 0 {
			if err := tr.Save(ctx, s.blobs, sess.tapePath); err != nil {
				errs = append(errs, err)
			} else {
				s.logAudit(ctx, "transcript.saved", map[string]any{
					"session_id": sess.id,
					"path":       sess.tapePath,
					"steps":      tr.StepCount(),
				})
			}
		}
	}
	if err := closeEngine(sess.engine); err != nil {
		errs = append(errs, fmt.Errorf("close engine: %w", err))
	}

	if s.cache != nil {
		if err := s.cache.Delete(ctx, sess.id); err != nil {
			s.logger.WarnContext(ctx, "delete session status failed",
				slog.String("session_id", sess.id),
				slog.String("error", err.Error()),
			)
		}
	}
	s.metrics.SetActiveSessions(count)
	s.publish(ctx, sess, domain.EventSessionClosed, "")
	s.logAudit(ctx, "session.closed", map[string]any{"session_id": sess.id})
	s.logger.InfoContext(ctx, "session closed", slog.String("session_id", sess.id))

	if len(errs) > 0 {
		return fmt.Errorf("session_service: close %s: %w", id, errors.Join(errs...))
	}
	return nil
}

// CloseAll closes every hosted session.
func (s *SessionService) CloseAll(ctx context.Context) error {
	var errs []error
	for _, info := range s.List() {
		if err := s.Close(ctx, info.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// List returns every hosted session, oldest first.
func (s *SessionService) List() []SessionInfo {
	s.mu.RLock()
	all := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.RUnlock()

	out := make([]SessionInfo, 0, len(all))
	for _, sess := range all {
		sess.mu.Lock()
		out = append(out, sess.info())
		sess.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// finishEpisode persists and announces the end of the open episode. Caller
// holds sess.mu.
func (s *SessionService) finishEpisode(ctx context.Context, sess *session, status domain.EpisodeStatus) {
	sum := sess.summary()
	if s.episodes != nil {
		now := time.Now().UTC()
		if err := s.episodes.Finish(ctx, domain.Episode{
			ID:         sess.episodeID,
			LeftStep:   sum.LeftStep,
			FilledQty:  sum.FilledQty,
			VWAP:       sum.VWAP,
			Status:     status,
			TapePath:   sess.tapePath,
			FinishedAt: &now,
		}); err != nil {
			s.logger.WarnContext(ctx, "finish episode failed",
				slog.String("episode_id", sess.episodeID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.metrics.EpisodeFinished(string(sess.variant), string(status))
	s.publish(ctx, sess, domain.EventEpisodeFinished, status)
	s.logger.InfoContext(ctx, "episode finished",
		slog.String("session_id", sess.id),
		slog.String("episode_id", sess.episodeID),
		slog.String("status", string(status)),
		slog.Int64("filled", sum.FilledQty),
		slog.String("vwap", sum.VWAP),
	)

	if status == domain.EpisodeStatusCompleted && s.notifier != nil {
		msg := fmt.Sprintf("session %s filled %d/%d in %d steps at VWAP %s",
			sess.id, sum.FilledQty, sum.MissionBuy, sum.StepsUsed, sum.VWAP)
		if err := s.notifier.Notify(ctx, notify.EventEpisodeComplete, "Episode complete", msg); err != nil {
			s.logger.WarnContext(ctx, "notify failed", slog.String("error", err.Error()))
		}
	}
}

func (s *SessionService) writeStatus(ctx context.Context, sess *session) {
	if s.cache == nil {
		return
	}
	st := sess.status()
	if err := s.cache.SetStatus(ctx, st); err != nil {
		s.logger.WarnContext(ctx, "cache session status failed",
			slog.String("session_id", sess.id),
			slog.String("error", err.Error()),
		)
		return
	}
	if s.bus != nil {
		if payload, err := json.Marshal(st); err == nil {
			_ = s.bus.Publish(ctx, domain.ChannelStatus, payload)
		}
	}
}

func (s *SessionService) publish(ctx context.Context, sess *session, event string, status domain.EpisodeStatus) {
	if s.bus == nil {
		return
	}
	st := sess.status()
	evt := domain.EpisodeEvent{
		Event:      event,
		SessionID:  sess.id,
		EpisodeID:  sess.episodeID,
		Variant:    sess.variant,
		MissionBuy: st.MissionBuy,
		LeftStep:   st.LeftStep,
		FilledQty:  st.FilledQty,
		Status:     status,
		At:         time.Now().UTC(),
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, domain.ChannelEpisode, payload); err != nil {
		s.logger.WarnContext(ctx, "publish episode event failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
	if err := s.bus.StreamAppend(ctx, domain.StreamEpisode, payload); err != nil {
		s.logger.WarnContext(ctx, "append episode stream failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (s *SessionService) logAudit(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func closeEngine(eng domain.Engine) error {
	if c, ok := eng.(domain.Closer); ok {
		return c.Close()
	}
	return nil
}

// The helpers below expect sess.mu to be held.

// terminalStatus classifies an episode that ran out of steps.
func (sess *session) terminalStatus() domain.EpisodeStatus {
	if sess.summary().Complete {
		return domain.EpisodeStatusCompleted
	}
	return domain.EpisodeStatusExhausted
}

func (sess *session) summary() env.Summary {
	info, err := sess.ctrl.MissionInfo()
	if err != nil {
		return env.Summary{}
	}
	return env.Summarize(info, sess.ctrl.LeftStep(), sess.cumulative)
}

func (sess *session) status() domain.SessionStatus {
	st := domain.SessionStatus{
		SessionID: sess.id,
		EpisodeID: sess.episodeID,
		Variant:   sess.variant,
		Active:    sess.ctrl.Active(),
		LeftStep:  sess.ctrl.LeftStep(),
		FilledQty: sess.cumulative.TotalQty(),
		UpdatedAt: time.Now().UTC(),
	}
	if info, err := sess.ctrl.MissionInfo(); err == nil {
		st.TotalStep = info.TotalStep
		st.MissionBuy = info.MissionBuy
	}
	return st
}

func (sess *session) info() SessionInfo {
	return SessionInfo{
		ID:        sess.id,
		Variant:   sess.variant,
		EpisodeID: sess.episodeID,
		Active:    sess.ctrl.Active(),
		LeftStep:  sess.ctrl.LeftStep(),
		CreatedAt: sess.createdAt,
	}
}
