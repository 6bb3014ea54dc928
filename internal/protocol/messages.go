// Package protocol defines the bus subjects and JSON messages exchanged by
// the studio.
package protocol

import "time"

const (
	// SubjectSynthesizeRequest carries SynthesizeRequest; replies are
	// SynthesisReply.
	SubjectSynthesizeRequest = "tts.synthesize.request"
	// SubjectSynthesisEvent carries SynthesisEvent for every attempt.
	SubjectSynthesisEvent = "tts.synthesis.event"
	// SubjectPlaybackState carries PlaybackEvent on every state change.
	SubjectPlaybackState = "tts.playback.state"
	// SubjectStudioAnnounce carries StudioAnnounce when a studio joins.
	SubjectStudioAnnounce = "tts.studio.announce"
	// SubjectStudioHeartbeatPrefix is followed by the node id.
	SubjectStudioHeartbeatPrefix = "tts.studio.heartbeat."
)

// SynthesizeRequest asks the studio to generate speech and load it into the
// player.
type SynthesizeRequest struct {
	Text       string   `json:"text"`
	VoiceID    string   `json:"voice_id"`
	Engine     string   `json:"engine,omitempty"`
	Format     string   `json:"output_format,omitempty"`
	SpeechRate *float64 `json:"speech_rate,omitempty"`
	Pitch      int      `json:"pitch,omitempty"`
	Autoplay   bool     `json:"autoplay,omitempty"`
}

// SynthesisReply answers a SynthesizeRequest. Error is empty on success.
type SynthesisReply struct {
	RequestID   string `json:"request_id,omitempty"`
	Generation  uint64 `json:"generation,omitempty"`
	ResourceURL string `json:"resource_url,omitempty"`
	MIMEType    string `json:"mime_type,omitempty"`
	Error       string `json:"error,omitempty"`
	ErrorKind   string `json:"error_kind,omitempty"`
	HTTPStatus  int    `json:"http_status,omitempty"`
}

// SynthesisEvent reports the outcome of one synthesis attempt.
type SynthesisEvent struct {
	RequestID  string    `json:"request_id,omitempty"`
	VoiceID    string    `json:"voice_id"`
	Engine     string    `json:"engine"`
	Format     string    `json:"output_format"`
	TextChars  int       `json:"text_chars"`
	Source     string    `json:"source"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	HTTPStatus int       `json:"http_status,omitempty"`
	LatencyMS  int64     `json:"latency_ms"`
	Generation uint64    `json:"generation,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// PlaybackEvent mirrors the tracker's visible state.
type PlaybackEvent struct {
	State      string    `json:"state"`
	IsPlaying  bool      `json:"is_playing"`
	Position   float64   `json:"position"`
	Duration   float64   `json:"duration"`
	Volume     float64   `json:"volume"`
	Generation uint64    `json:"generation"`
	RequestID  string    `json:"request_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// StudioAnnounce describes a studio instance reachable on the bus.
type StudioAnnounce struct {
	NodeID       string    `json:"node_id"`
	BackendShape string    `json:"backend_shape"`
	VoiceSource  string    `json:"voice_source"`
	Voices       int       `json:"voices"`
	Version      string    `json:"version,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// StudioHeartbeat keeps a studio marked healthy.
type StudioHeartbeat struct {
	NodeID    string    `json:"node_id"`
	Busy      bool      `json:"busy"`
	Timestamp time.Time `json:"timestamp"`
}
