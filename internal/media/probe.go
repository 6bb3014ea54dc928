package media

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/hajimehoshi/go-mp3"
)

// PCMSampleRate is the sample rate of raw PCM synthesis output (16-bit
// signed little-endian mono).
const PCMSampleRate = 16000

// ErrUnsupportedFormat is returned when audio cannot be decoded locally.
var ErrUnsupportedFormat = errors.New("media: unsupported audio format")

// Metadata describes decoded audio.
type Metadata struct {
	DurationSeconds float64
	SampleRate      int
	Channels        int
}

// Probe inspects an audio payload. Formats that cannot be decoded locally
// return ErrUnsupportedFormat with zero metadata.
func Probe(data []byte, mimeType string) (Metadata, error) {
	switch ExtensionFor(mimeType) {
	case "mp3":
		d, err := mp3.NewDecoder(bytes.NewReader(data))
		if err != nil {
			return Metadata{}, fmt.Errorf("media: decode mp3: %w", err)
		}
		// go-mp3 always decodes to 16-bit stereo.
		frames := d.Length() / 4
		if frames < 0 || d.SampleRate() <= 0 {
			return Metadata{SampleRate: d.SampleRate(), Channels: 2}, nil
		}
		return Metadata{
			DurationSeconds: float64(frames) / float64(d.SampleRate()),
			SampleRate:      d.SampleRate(),
			Channels:        2,
		}, nil
	case "pcm":
		return Metadata{
			DurationSeconds: float64(len(data)/2) / PCMSampleRate,
			SampleRate:      PCMSampleRate,
			Channels:        1,
		}, nil
	default:
		return Metadata{}, ErrUnsupportedFormat
	}
}
