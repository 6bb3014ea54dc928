package tts

import (
	"strings"
	"unicode/utf8"
)

const (
	// MaxTextLength is the longest accepted text, in UTF-16 code units.
	MaxTextLength = 3000

	MinSpeechRate     = 0.25
	MaxSpeechRate     = 4.0
	DefaultSpeechRate = 1.0

	MinPitch = -20
	MaxPitch = 20
)

// Engine is the synthesis quality tier.
type Engine string

const (
	EngineStandard Engine = "standard"
	EngineNeural   Engine = "neural"
)

// OutputFormat is the audio encoding requested from the backend.
type OutputFormat string

const (
	FormatMP3 OutputFormat = "mp3"
	FormatOGG OutputFormat = "ogg"
	FormatPCM OutputFormat = "pcm"
)

// MIMEType returns the content type the backend answers with for f.
func (f OutputFormat) MIMEType() string {
	switch f {
	case FormatOGG:
		return "audio/ogg"
	case FormatPCM:
		return "audio/pcm"
	default:
		return "audio/mpeg"
	}
}

// Params are the raw user inputs for one generation.
type Params struct {
	Text           string       `json:"text"`
	VoiceID        string       `json:"voiceId"`
	Engine         Engine       `json:"engine,omitempty"`
	OutputFormat   OutputFormat `json:"outputFormat,omitempty"`
	SpeechRate     float64      `json:"speechRate"`
	PitchSemitones int          `json:"pitch,omitempty"`
}

// Request is a validated, normalized synthesis request. It is immutable once
// built and never persisted.
type Request struct {
	Text           string
	VoiceID        string
	Engine         Engine
	OutputFormat   OutputFormat
	SpeechRate     float64
	PitchSemitones int
}

// VoiceSet answers whether a voice id is known. *voice.Catalog and
// *voice.Loader satisfy it.
type VoiceSet interface {
	Contains(id string) bool
}

// Builder validates Params against the currently loaded voice catalog.
type Builder struct {
	voices VoiceSet
}

func NewBuilder(voices VoiceSet) *Builder {
	return &Builder{voices: voices}
}

// Build validates and normalizes p. It has no side effects.
func (b *Builder) Build(p Params) (Request, error) {
	if strings.TrimSpace(p.Text) == "" {
		return Request{}, &ValidationError{Kind: EmptyText, Field: "text", Message: "text must not be empty"}
	}
	if n := TextLength(p.Text); n > MaxTextLength {
		return Request{}, &ValidationError{
			Kind:    TextTooLong,
			Field:   "text",
			Message: "text exceeds the maximum length",
			Length:  n,
		}
	}
	if p.VoiceID == "" || b.voices == nil || !b.voices.Contains(p.VoiceID) {
		return Request{}, &ValidationError{Kind: UnknownVoice, Field: "voiceId", Message: "voice " + quote(p.VoiceID) + " is not in the catalog"}
	}

	engine := p.Engine
	switch engine {
	case "":
		engine = EngineStandard
	case EngineStandard, EngineNeural:
	default:
		return Request{}, &ValidationError{Kind: InvalidOption, Field: "engine", Message: "unsupported engine " + quote(string(engine))}
	}

	format := p.OutputFormat
	switch format {
	case "":
		format = FormatMP3
	case FormatMP3, FormatOGG, FormatPCM:
	default:
		return Request{}, &ValidationError{Kind: InvalidOption, Field: "outputFormat", Message: "unsupported output format " + quote(string(format))}
	}

	return Request{
		Text:           p.Text,
		VoiceID:        p.VoiceID,
		Engine:         engine,
		OutputFormat:   format,
		SpeechRate:     ClampRate(p.SpeechRate),
		PitchSemitones: ClampPitch(p.PitchSemitones),
	}, nil
}

// TextLength counts s in UTF-16 code units, the unit the length limit is
// expressed in.
func TextLength(s string) int {
	n := 0
	for len(s) > 0 {
		r, size := utf8.DecodeRuneInString(s)
		s = s[size:]
		if r >= 0x10000 {
			n += 2
		} else {
			n++
		}
	}
	return n
}

// ClampRate bounds rate to [MinSpeechRate, MaxSpeechRate]. NaN maps to the
// default rate.
func ClampRate(rate float64) float64 {
	switch {
	case rate != rate:
		return DefaultSpeechRate
	case rate < MinSpeechRate:
		return MinSpeechRate
	case rate > MaxSpeechRate:
		return MaxSpeechRate
	default:
		return rate
	}
}

// ClampPitch bounds pitch to [MinPitch, MaxPitch] semitones.
func ClampPitch(pitch int) int {
	return max(MinPitch, min(MaxPitch, pitch))
}

func quote(s string) string { return "\"" + s + "\"" }
