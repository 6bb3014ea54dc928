package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/media"
)

var errNotLoaded = errors.New("clock: no resource loaded")

// ClockElement is a headless Element. It advances a virtual position in
// real time and reports the duration probed from the audio payload.
type ClockElement struct {
	fetch    media.Fetcher
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	gen       uint64
	notify    Notify
	cancel    context.CancelFunc
	duration  float64
	probed    bool
	probeErr  error
	playing   bool
	session   uint64
	position  float64
	startedAt time.Time
	stop      chan struct{}
}

// NewClockElement returns a ClockElement that reads payloads through fetch
// and emits a TimeUpdate every interval while playing.
func NewClockElement(fetch media.Fetcher, interval time.Duration, log *slog.Logger) *ClockElement {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}
	return &ClockElement{
		fetch:    fetch,
		interval: interval,
		logger:   log.With(slog.String("component", "clock-element")),
		now:      time.Now,
	}
}

func (c *ClockElement) Load(gen uint64, h *media.Handle, notify Notify) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
	c.gen = gen
	c.notify = notify

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.probe(ctx, gen, h, notify)
	return nil
}

func (c *ClockElement) probe(ctx context.Context, gen uint64, h *media.Handle, notify Notify) {
	data, err := c.fetch.Fetch(ctx, h)
	var md media.Metadata
	if err == nil {
		md, err = media.Probe(data, h.MIMEType())
	}

	c.mu.Lock()
	if c.gen != gen || ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.probed = true
	c.probeErr = err
	c.duration = md.DurationSeconds
	playing, session := c.playing, c.session
	if err != nil && playing {
		c.haltLocked()
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("could not read audio metadata", slog.String("id", h.ID()), slog.String("error", err.Error()))
		if playing {
			notify(Event{Generation: gen, Session: session, Kind: EndedEvent})
			return
		}
	}
	notify(Event{Generation: gen, Kind: MetadataLoaded, Duration: md.DurationSeconds})
}

// Play fails once the payload is known to be undecodable. Before the probe
// finishes the clock runs with an unknown duration.
func (c *ClockElement) Play(session uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.notify == nil {
		return errNotLoaded
	}
	if c.probed && c.probeErr != nil {
		return fmt.Errorf("clock: %w", c.probeErr)
	}
	if c.playing {
		return nil
	}
	c.playing = true
	c.session = session
	c.startedAt = c.now()
	c.stop = make(chan struct{})
	go c.run(c.gen, session, c.notify, c.stop)
	return nil
}

func (c *ClockElement) run(gen, session uint64, notify Notify, stop chan struct{}) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		events, done := c.tick(gen, session)
		for _, ev := range events {
			notify(ev)
		}
		if done {
			return
		}
	}
}

func (c *ClockElement) tick(gen, session uint64) ([]Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || !c.playing {
		return nil, true
	}
	pos := c.currentLocked()
	if c.probed && c.duration > 0 && pos >= c.duration {
		c.haltLocked()
		c.position = 0
		return []Event{
			{Generation: gen, Session: session, Kind: TimeUpdate, Position: c.duration, Duration: c.duration},
			{Generation: gen, Session: session, Kind: EndedEvent},
		}, true
	}
	return []Event{{Generation: gen, Session: session, Kind: TimeUpdate, Position: pos, Duration: c.duration}}, false
}

func (c *ClockElement) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.playing {
		c.position = c.currentLocked()
		c.haltLocked()
	}
}

func (c *ClockElement) Seek(seconds float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.position = seconds
	if c.playing {
		c.startedAt = c.now()
	}
}

// SetVolume has no audible effect on a clock.
func (c *ClockElement) SetVolume(float64) {}

func (c *ClockElement) Unload() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

// Position reports the virtual playhead.
func (c *ClockElement) Position() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentLocked()
}

func (c *ClockElement) currentLocked() float64 {
	if !c.playing {
		return c.position
	}
	return c.position + c.now().Sub(c.startedAt).Seconds()
}

func (c *ClockElement) haltLocked() {
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	c.playing = false
}

func (c *ClockElement) resetLocked() {
	c.haltLocked()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.gen = 0
	c.notify = nil
	c.duration = 0
	c.probed = false
	c.probeErr = nil
	c.session = 0
	c.position = 0
}

var _ Element = (*ClockElement)(nil)
