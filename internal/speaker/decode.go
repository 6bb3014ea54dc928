package speaker

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/hajimehoshi/go-mp3"

	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/media"
)

// clip is decoded interleaved 16-bit audio.
type clip struct {
	samples    []int16
	sampleRate int
	channels   int
}

func (c clip) frames() int {
	if c.channels == 0 {
		return 0
	}
	return len(c.samples) / c.channels
}

func (c clip) duration() float64 {
	if c.sampleRate == 0 {
		return 0
	}
	return float64(c.frames()) / float64(c.sampleRate)
}

// frameAt converts a position in seconds to a frame index inside the clip.
func (c clip) frameAt(seconds float64) int {
	if math.IsNaN(seconds) || seconds <= 0 {
		return 0
	}
	f := int(seconds * float64(c.sampleRate))
	if f > c.frames() {
		return c.frames()
	}
	return f
}

func (c clip) secondsAt(frame int) float64 {
	if c.sampleRate == 0 {
		return 0
	}
	return float64(frame) / float64(c.sampleRate)
}

// decode turns an MP3 or raw PCM payload into samples. Other formats return
// media.ErrUnsupportedFormat.
func decode(data []byte, mimeType string) (clip, error) {
	switch media.ExtensionFor(mimeType) {
	case "mp3":
		d, err := mp3.NewDecoder(bytes.NewReader(data))
		if err != nil {
			return clip{}, fmt.Errorf("speaker: decode mp3: %w", err)
		}
		raw, err := io.ReadAll(d)
		if err != nil {
			return clip{}, fmt.Errorf("speaker: decode mp3: %w", err)
		}
		return clip{samples: bytesToSamples(raw), sampleRate: d.SampleRate(), channels: 2}, nil
	case "pcm":
		return clip{samples: bytesToSamples(data), sampleRate: media.PCMSampleRate, channels: 1}, nil
	default:
		return clip{}, fmt.Errorf("speaker: %s: %w", mimeType, media.ErrUnsupportedFormat)
	}
}

func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

// fill copies samples starting at src into buf scaled by volume and
// zero-pads the remainder. It returns the number of samples consumed.
func fill(buf, src []int16, volume float64) int {
	n := copy(buf, src)
	if volume < 1 {
		for i := 0; i < n; i++ {
			buf[i] = int16(float64(buf[i]) * volume)
		}
	}
	clear(buf[n:])
	return n
}
