package domain

import "time"

// Bus channels.
const (
	ChannelEpisode = "ch:episode"
	ChannelStatus  = "ch:status"

	// StreamEpisode keeps a capped history of episode events.
	StreamEpisode = "stream:episode"
)

// Episode event names.
const (
	EventSessionCreated  = "session_created"
	EventEpisodeStarted  = "episode_started"
	EventEpisodeStep     = "episode_step"
	EventEpisodeFinished = "episode_finished"
	EventSessionClosed   = "session_closed"
)

// EpisodeEvent is published on ChannelEpisode.
type EpisodeEvent struct {
	Event      string        `json:"event"`
	SessionID  string        `json:"session_id"`
	EpisodeID  string        `json:"episode_id,omitempty"`
	Variant    Variant       `json:"variant"`
	MissionBuy int64         `json:"mission_buy"`
	LeftStep   int           `json:"left_step"`
	FilledQty  int64         `json:"filled_qty"`
	Status     EpisodeStatus `json:"status,omitempty"`
	At         time.Time     `json:"at"`
}
