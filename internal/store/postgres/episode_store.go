package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/ordersim/internal/domain"
)

// EpisodeStore implements domain.EpisodeStore using PostgreSQL.
type EpisodeStore struct {
	pool *pgxpool.Pool
}

var _ domain.EpisodeStore = (*EpisodeStore)(nil)

// NewEpisodeStore creates a new EpisodeStore backed by the given connection pool.
func NewEpisodeStore(pool *pgxpool.Pool) *EpisodeStore {
	return &EpisodeStore{pool: pool}
}

// Create inserts a freshly reset episode.
func (s *EpisodeStore) Create(ctx context.Context, ep domain.Episode) error {
	const query = `
		INSERT INTO episodes (
			id, session_id, variant, total_step, mission_buy, left_step,
			filled_qty, status, tape_path, started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	startedAt := ep.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	status := ep.Status
	if status == "" {
		status = domain.EpisodeStatusActive
	}

	_, err := s.pool.Exec(ctx, query,
		ep.ID, ep.SessionID, string(ep.Variant), ep.TotalStep, ep.MissionBuy, ep.LeftStep,
		ep.FilledQty, string(status), ep.TapePath, startedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create episode %s: %w", ep.ID, err)
	}
	return nil
}

// RecordStep stores one step and advances the episode's left_step.
func (s *EpisodeStore) RecordStep(ctx context.Context, step domain.EpisodeStep) error {
	fills, err := json.Marshal(step.Fills)
	if err != nil {
		return fmt.Errorf("postgres: marshal step fills: %w", err)
	}

	batch := &pgx.Batch{}
	batch.Queue(`
		INSERT INTO episode_steps (episode_id, step_index, action, left_step, fills, elapsed_ms)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		step.EpisodeID, step.Index, step.Action.Slice(), step.LeftStep, fills, step.Elapsed.Milliseconds(),
	)
	batch.Queue(`UPDATE episodes SET left_step = $1 WHERE id = $2`, step.LeftStep, step.EpisodeID)

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	if _, err := br.Exec(); err != nil {
		return fmt.Errorf("postgres: insert step %d of %s: %w", step.Index, step.EpisodeID, err)
	}
	tag, err := br.Exec()
	if err != nil {
		return fmt.Errorf("postgres: update episode %s: %w", step.EpisodeID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Finish writes the final fill totals and status of an episode.
func (s *EpisodeStore) Finish(ctx context.Context, ep domain.Episode) error {
	finishedAt := time.Now().UTC()
	if ep.FinishedAt != nil {
		finishedAt = *ep.FinishedAt
	}
	var vwap *string
	if ep.VWAP != "" {
		vwap = &ep.VWAP
	}

	const query = `
		UPDATE episodes
		SET left_step = $1, filled_qty = $2, vwap = $3::numeric, status = $4,
		    tape_path = $5, finished_at = $6
		WHERE id = $7`

	tag, err := s.pool.Exec(ctx, query,
		ep.LeftStep, ep.FilledQty, vwap, string(ep.Status), ep.TapePath, finishedAt, ep.ID,
	)
	if err != nil {
		return fmt.Errorf("postgres: finish episode %s: %w", ep.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const episodeSelectCols = `id, session_id, variant, total_step, mission_buy, left_step,
	filled_qty, COALESCE(vwap::text, ''), status, tape_path, started_at, finished_at`

func scanEpisode(scanner interface{ Scan(dest ...any) error }) (domain.Episode, error) {
	var ep domain.Episode
	var variant, status string
	err := scanner.Scan(
		&ep.ID, &ep.SessionID, &variant, &ep.TotalStep, &ep.MissionBuy, &ep.LeftStep,
		&ep.FilledQty, &ep.VWAP, &status, &ep.TapePath, &ep.StartedAt, &ep.FinishedAt,
	)
	if err != nil {
		return domain.Episode{}, err
	}
	ep.Variant = domain.Variant(variant)
	ep.Status = domain.EpisodeStatus(status)
	return ep, nil
}

// GetByID returns one episode.
func (s *EpisodeStore) GetByID(ctx context.Context, id string) (domain.Episode, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+episodeSelectCols+` FROM episodes WHERE id = $1`, id)
	ep, err := scanEpisode(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Episode{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Episode{}, fmt.Errorf("postgres: get episode %s: %w", id, err)
	}
	return ep, nil
}

// ListRecent returns episodes, newest first.
func (s *EpisodeStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.Episode, error) {
	query, args := listQuery(
		`SELECT `+episodeSelectCols+` FROM episodes WHERE 1=1`,
		"started_at", opts, nil,
	)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list episodes: %w", err)
	}
	defer rows.Close()

	var out []domain.Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan episode: %w", err)
		}
		out = append(out, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list episodes rows: %w", err)
	}
	return out, nil
}

// ListSteps returns the steps of an episode in order.
func (s *EpisodeStore) ListSteps(ctx context.Context, episodeID string) ([]domain.EpisodeStep, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT episode_id, step_index, action, left_step, fills, elapsed_ms, created_at
		FROM episode_steps WHERE episode_id = $1 ORDER BY step_index`, episodeID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list steps of %s: %w", episodeID, err)
	}
	defer rows.Close()

	var out []domain.EpisodeStep
	for rows.Next() {
		var st domain.EpisodeStep
		var action []int64
		var fills []byte
		var elapsedMS int64
		if err := rows.Scan(&st.EpisodeID, &st.Index, &action, &st.LeftStep, &fills, &elapsedMS, &st.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan step: %w", err)
		}
		if st.Action, err = domain.ParseAction(action); err != nil {
			return nil, fmt.Errorf("postgres: step %d of %s: %w", st.Index, episodeID, err)
		}
		if err := json.Unmarshal(fills, &st.Fills); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal step fills: %w", err)
		}
		st.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list steps rows: %w", err)
	}
	return out, nil
}
