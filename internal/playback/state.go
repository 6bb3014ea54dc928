// Package playback tracks the single live audio resource and drives a media
// element through the Empty, Loaded, Playing, Paused and Ended states.
package playback

import (
	"fmt"

	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/media"
)

// State is the tracker's playback state.
type State int

const (
	Empty State = iota
	Loaded
	Playing
	Paused
	Ended
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Loaded:
		return "loaded"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	case Ended:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// PlaybackState is the externally visible snapshot of a Tracker.
type PlaybackState struct {
	State           State   `json:"state"`
	IsPlaying       bool    `json:"isPlaying"`
	PositionSeconds float64 `json:"position"`
	DurationSeconds float64 `json:"duration"`
	Volume          float64 `json:"volume"`
	Generation      uint64  `json:"generation"`
	ResourceURL     string  `json:"resourceUrl,omitempty"`
	MIMEType        string  `json:"mimeType,omitempty"`
	RequestID       string  `json:"requestId,omitempty"`
}

// EventKind identifies an element notification.
type EventKind int

const (
	TimeUpdate EventKind = iota + 1
	MetadataLoaded
	EndedEvent
)

func (k EventKind) String() string {
	switch k {
	case TimeUpdate:
		return "timeupdate"
	case MetadataLoaded:
		return "loadedmetadata"
	case EndedEvent:
		return "ended"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is an asynchronous notification from an Element. Generation is the
// value passed to the Load call the event belongs to. TimeUpdate and
// EndedEvent also carry the Session passed to the Play call that produced
// them.
type Event struct {
	Generation uint64
	Session    uint64
	Kind       EventKind
	Position   float64
	Duration   float64
}

// Notify delivers element events to the tracker. It may be called from any
// goroutine but must not be called while holding a lock that Element
// methods acquire.
type Notify func(Event)

// Element is the native media primitive driven by a Tracker. The tracker
// calls its methods from a single goroutine. Implementations must not wait
// in Unload for a goroutine that may be blocked in Notify.
type Element interface {
	Load(gen uint64, h *media.Handle, notify Notify) error
	Play(session uint64) error
	Pause()
	Seek(seconds float64)
	SetVolume(v float64)
	Unload()
}

// PlaybackError reports that the element refused to start playback. It is
// non-fatal: the tracker state is left unchanged.
type PlaybackError struct {
	Generation uint64
	Err        error
}

func (e *PlaybackError) Error() string {
	return fmt.Sprintf("playback: start rejected: %v", e.Err)
}

func (e *PlaybackError) Unwrap() error { return e.Err }
