// Package tape records engine conversations into transcripts and replays them
// as a deterministic engine.
package tape

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/ordersim/internal/domain"
)

// ContentType is the media type transcripts are stored under.
const ContentType = "application/json"

// Transcript is the full recorded conversation with one engine connection.
type Transcript struct {
	ID         string         `json:"id"`
	Variant    domain.Variant `json:"variant"`
	RecordedAt time.Time      `json:"recorded_at"`
	Episodes   []Episode      `json:"episodes"`
}

// Episode holds everything an engine returned between two resets.
type Episode struct {
	Reset        domain.ResetReply `json:"reset"`
	Steps        []StepRecord      `json:"steps"`
	Observations []domain.Book     `json:"observations,omitempty"`
	References   [][]float64       `json:"reference_actions,omitempty"`
}

// StepRecord pairs the submitted action with the engine's reply.
type StepRecord struct {
	Action domain.Action    `json:"action"`
	Reply  domain.StepReply `json:"reply"`
}

// StepCount returns the number of recorded steps across all episodes.
func (t *Transcript) StepCount() int {
	n := 0
	for _, ep := range t.Episodes {
		n += len(ep.Steps)
	}
	return n
}

// Save encodes the transcript as JSON and uploads it to path.
func (t *Transcript) Save(ctx context.Context, w domain.BlobWriter, path string) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("tape: encode transcript %s: %w", t.ID, err)
	}
	if err := w.Put(ctx, path, bytes.NewReader(data), ContentType); err != nil {
		return fmt.Errorf("tape: save %s: %w", path, err)
	}
	return nil
}

// Load downloads and decodes the transcript stored at path.
func Load(ctx context.Context, r domain.BlobReader, path string) (*Transcript, error) {
	body, err := r.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("tape: load %s: %w", path, err)
	}
	defer body.Close()

	var t Transcript
	if err := json.NewDecoder(body).Decode(&t); err != nil {
		return nil, fmt.Errorf("tape: decode %s: %w", path, err)
	}
	return &t, nil
}
