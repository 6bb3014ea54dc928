// Package speaker plays audio on the default output device through
// PortAudio.
package speaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/media"
	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/playback"
)

var errNotLoaded = errors.New("speaker: no resource loaded")

// stream is the part of a PortAudio output stream the writer drives.
type stream interface {
	Start() error
	Write() error
	Stop() error
	Close() error
}

type openFunc func(channels, sampleRate, framesPerBuffer int, buf []int16) (stream, error)

func openDefaultStream(channels, sampleRate, framesPerBuffer int, buf []int16) (stream, error) {
	st, err := portaudio.OpenDefaultStream(0, channels, float64(sampleRate), framesPerBuffer, buf)
	if err != nil {
		return nil, err
	}
	return st, nil
}

type Config struct {
	FramesPerBuffer int
	UpdateInterval  time.Duration
}

func DefaultConfig() Config {
	return Config{FramesPerBuffer: 1024, UpdateInterval: 250 * time.Millisecond}
}

// Speaker is a playback.Element backed by a PortAudio output stream. One
// stream is opened per play session and closed by its writer goroutine.
// A Play issued while the audio is still decoding is held and started once
// decoding finishes.
type Speaker struct {
	fetch  media.Fetcher
	cfg    Config
	logger *slog.Logger
	open   openFunc

	initOnce sync.Once
	initErr  error

	mu      sync.Mutex
	gen     uint64
	notify  playback.Notify
	cancel  context.CancelFunc
	audio   *clip
	loadErr error
	frame   int
	volume  float64
	playing bool
	pending bool
	session uint64
	stop    chan struct{}
}

func New(fetch media.Fetcher, cfg Config, log *slog.Logger) *Speaker {
	def := DefaultConfig()
	if cfg.FramesPerBuffer <= 0 {
		cfg.FramesPerBuffer = def.FramesPerBuffer
	}
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = def.UpdateInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Speaker{
		fetch:  fetch,
		cfg:    cfg,
		logger: log.With(slog.String("component", "speaker")),
		open:   openDefaultStream,
		volume: 1,
	}
}

// Init initialises PortAudio. It must succeed before Play can open a stream.
func (s *Speaker) Init() error {
	s.initOnce.Do(func() {
		s.initErr = portaudio.Initialize()
		if s.initErr == nil {
			s.logger.Info("portaudio initialised", slog.String("version", portaudio.VersionText()))
		}
	})
	return s.initErr
}

// Close stops playback and terminates PortAudio.
func (s *Speaker) Close() error {
	s.Unload()
	if s.initErr != nil {
		return nil
	}
	return portaudio.Terminate()
}

func (s *Speaker) Load(gen uint64, h *media.Handle, notify playback.Notify) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	s.gen = gen
	s.notify = notify
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.load(ctx, gen, h, notify)
	return nil
}

func (s *Speaker) load(ctx context.Context, gen uint64, h *media.Handle, notify playback.Notify) {
	data, err := s.fetch.Fetch(ctx, h)
	var c clip
	if err == nil {
		c, err = decode(data, h.MIMEType())
	}

	s.mu.Lock()
	if s.gen != gen || ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	pending, session := s.pending, s.session
	s.pending = false
	if err != nil {
		s.loadErr = err
	} else {
		s.audio = &c
		if pending {
			err = s.startLocked()
		}
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("could not play audio", slog.String("id", h.ID()), slog.String("error", err.Error()))
		notify(playback.Event{Generation: gen, Kind: playback.MetadataLoaded, Duration: c.duration()})
		if pending {
			notify(playback.Event{Generation: gen, Session: session, Kind: playback.EndedEvent})
		}
		return
	}
	s.logger.Debug("audio decoded",
		slog.Int("sample_rate", c.sampleRate),
		slog.Int("channels", c.channels),
		slog.Float64("duration", c.duration()))
	notify(playback.Event{Generation: gen, Kind: playback.MetadataLoaded, Duration: c.duration()})
}

// Play opens an output stream and starts the writer goroutine. Undecodable
// formats such as OGG are rejected once decoding has failed; before that the
// request is held until the audio is ready.
func (s *Speaker) Play(session uint64) error {
	if err := s.Init(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.notify == nil:
		return errNotLoaded
	case s.loadErr != nil:
		return s.loadErr
	case s.playing:
		return nil
	}
	s.session = session
	if s.audio == nil {
		s.pending = true
		return nil
	}
	return s.startLocked()
}

func (s *Speaker) startLocked() error {
	c := s.audio
	buf := make([]int16, s.cfg.FramesPerBuffer*c.channels)
	out, err := s.open(c.channels, c.sampleRate, s.cfg.FramesPerBuffer, buf)
	if err != nil {
		return err
	}
	if err := out.Start(); err != nil {
		out.Close()
		return err
	}
	if s.frame >= c.frames() {
		s.frame = 0
	}
	s.playing = true
	s.stop = make(chan struct{})
	go s.write(s.gen, s.session, s.notify, s.stop, out, buf)
	return nil
}

func (s *Speaker) write(gen, session uint64, notify playback.Notify, stop chan struct{}, out stream, buf []int16) {
	defer func() {
		if err := out.Stop(); err != nil {
			s.logger.Debug("stop stream", slog.String("error", err.Error()))
		}
		out.Close()
	}()

	lastUpdate := time.Now()
	for {
		select {
		case <-stop:
			return
		default:
		}

		events, done := s.next(gen, session, buf)
		if done {
			for _, ev := range events {
				notify(ev)
			}
			return
		}
		if err := out.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
			s.logger.Warn("write audio", slog.String("error", err.Error()))
		}
		if time.Since(lastUpdate) >= s.cfg.UpdateInterval {
			lastUpdate = time.Now()
			notify(events[0])
		}
	}
}

// next fills buf with the following block. done is true once the session
// must end; events then carries the final notifications, if any.
func (s *Speaker) next(gen, session uint64, buf []int16) ([]playback.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || !s.playing || s.audio == nil {
		return nil, true
	}
	c := s.audio
	if s.frame >= c.frames() {
		s.frame = 0
		s.haltLocked()
		return []playback.Event{
			{Generation: gen, Session: session, Kind: playback.TimeUpdate, Position: c.duration(), Duration: c.duration()},
			{Generation: gen, Session: session, Kind: playback.EndedEvent},
		}, true
	}
	n := fill(buf, c.samples[s.frame*c.channels:], s.volume)
	s.frame += n / c.channels
	return []playback.Event{{
		Generation: gen,
		Session:    session,
		Kind:       playback.TimeUpdate,
		Position:   c.secondsAt(s.frame),
		Duration:   c.duration(),
	}}, false
}

func (s *Speaker) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.haltLocked()
}

func (s *Speaker) Seek(seconds float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audio != nil {
		s.frame = s.audio.frameAt(seconds)
	}
}

func (s *Speaker) SetVolume(v float64) {
	s.mu.Lock()
	s.volume = v
	s.mu.Unlock()
}

func (s *Speaker) Unload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func (s *Speaker) haltLocked() {
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	s.playing = false
	s.pending = false
}

func (s *Speaker) resetLocked() {
	s.haltLocked()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.gen = 0
	s.notify = nil
	s.audio = nil
	s.loadErr = nil
	s.session = 0
	s.frame = 0
}

var _ playback.Element = (*Speaker)(nil)
