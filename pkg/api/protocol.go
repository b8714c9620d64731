// Package api provides the HTTP/WebSocket server for Shuttle. It exposes
// REST endpoints for health, status, history inspection, and record
// ingest, and a websocket endpoint carrying the chunked frame stream plus
// its JSON control surface.
package api

import (
	"encoding/json"
	"time"
)

// Control message types, client → server.
const (
	MsgStreamConfigure = "stream.configure"
	MsgStreamLive      = "stream.live"
	MsgPlaybackPlay    = "playback.play"
	MsgPlaybackPause   = "playback.pause"
	MsgPlaybackSeek    = "playback.seek"
	MsgPlaybackStep    = "playback.step"
	MsgPing            = "ping"
)

// Event message types, server → client.
const (
	MsgStreamConfigured = "stream.configured"
	MsgPlaybackState    = "playback.state"
	MsgHistoryRange     = "history.range"
	MsgPong             = "pong"
	MsgError            = "error"
)

// Envelope is the JSON envelope for every websocket text message.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// ConfigurePayload selects what a session streams.
type ConfigurePayload struct {
	Level     string  `json:"level"`
	Component string  `json:"component,omitempty"`
	Transform string  `json:"transform,omitempty"`
	PLow      float64 `json:"p_low,omitempty"`
	PHigh     float64 `json:"p_high,omitempty"`
}

// LivePayload toggles the live feed.
type LivePayload struct {
	Enabled bool `json:"enabled"`
}

// PlayPayload carries the replay speed.
type PlayPayload struct {
	Speed float64 `json:"speed"`
}

// SeekPayload carries a seek target.
type SeekPayload struct {
	Step int64 `json:"step"`
}

// StepPayload carries a relative cursor move.
type StepPayload struct {
	Delta int64 `json:"delta"`
}

// RangePayload reports the resident step interval.
type RangePayload struct {
	Oldest int64 `json:"oldest"`
	Newest int64 `json:"newest"`
	Empty  bool  `json:"empty"`
}

// ErrorPayload reports a typed error to the client.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// newEvent builds a server → client envelope with the payload marshaled in
// place.
func newEvent(msgType string, payload interface{}) ([]byte, error) {
	env := Envelope{
		Type:      msgType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = data
	}
	return json.Marshal(env)
}
