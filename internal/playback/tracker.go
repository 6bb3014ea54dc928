package playback

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/media"
)

// ErrDisposed is returned by operations on a disposed Tracker.
var ErrDisposed = errors.New("playback: tracker disposed")

const inboxSize = 64

// Option configures a Tracker.
type Option func(*Tracker)

func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithInitialVolume sets the starting volume, clamped to [0,1].
func WithInitialVolume(v float64) Option {
	return func(t *Tracker) { t.volume = clampVolume(v, 1) }
}

// WithStaleHook registers a callback for element events that belong to a
// superseded resource.
func WithStaleHook(fn func(Event)) Option {
	return func(t *Tracker) { t.onStale = fn }
}

// Tracker owns the single live media.Handle and applies every command and
// element event on one goroutine, in arrival order.
type Tracker struct {
	el      Element
	logger  *slog.Logger
	onStale func(Event)

	inbox chan func()
	quit  chan struct{}

	last atomic.Pointer[PlaybackState]

	// Owned by the loop goroutine.
	state    State
	position float64
	duration float64
	volume   float64
	gen      uint64
	session  uint64
	res      *media.Handle
	watchers map[chan PlaybackState]struct{}
	disposed bool
}

// New starts a tracker driving el.
func New(el Element, opts ...Option) *Tracker {
	t := &Tracker{
		el:       el,
		logger:   slog.Default(),
		volume:   1,
		inbox:    make(chan func(), inboxSize),
		quit:     make(chan struct{}),
		watchers: make(map[chan PlaybackState]struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	t.logger = t.logger.With(slog.String("component", "playback"))
	t.el.SetVolume(t.volume)
	t.publish()
	go t.loop()
	return t
}

func (t *Tracker) loop() {
	defer close(t.quit)
	for fn := range t.inbox {
		fn()
		if t.disposed {
			return
		}
	}
}

// call runs fn on the loop goroutine and waits for its result.
func (t *Tracker) call(fn func() error) error {
	errc := make(chan error, 1)
	select {
	case t.inbox <- func() { errc <- fn() }:
	case <-t.quit:
		return ErrDisposed
	}
	select {
	case err := <-errc:
		return err
	case <-t.quit:
		select {
		case err := <-errc:
			return err
		default:
			return ErrDisposed
		}
	}
}

// Dispatch queues an element event. It never runs the event inline.
func (t *Tracker) Dispatch(ev Event) {
	select {
	case t.inbox <- func() { t.apply(ev) }:
	case <-t.quit:
	}
}

// SetResource takes ownership of h, releasing the previously held resource,
// and returns the new generation. A nil h empties the tracker.
func (t *Tracker) SetResource(h *media.Handle) (uint64, error) {
	var gen uint64
	err := t.call(func() error {
		gen = t.replace(h)
		return nil
	})
	if errors.Is(err, ErrDisposed) {
		h.Release()
	}
	return gen, err
}

// SetResourceIf is SetResource guarded by the generation the caller observed
// when it started its work. When the tracker has moved on, h is released,
// ok is false and the current generation is returned.
func (t *Tracker) SetResourceIf(expected uint64, h *media.Handle) (gen uint64, ok bool, err error) {
	err = t.call(func() error {
		if t.gen != expected {
			gen = t.gen
			return nil
		}
		gen, ok = t.replace(h), true
		return nil
	})
	if !ok {
		h.Release()
	}
	return gen, ok, err
}

func (t *Tracker) replace(h *media.Handle) uint64 {
	prev := t.res
	t.el.Unload()
	if prev != nil && prev != h {
		if prev.Release() {
			t.logger.Debug("released resource", slog.String("id", prev.ID()), slog.Uint64("generation", t.gen))
		}
	}
	t.gen++
	t.res = h
	t.position = 0
	t.duration = 0
	if h == nil {
		t.state = Empty
		t.publish()
		return t.gen
	}
	t.state = Loaded
	if err := t.el.Load(t.gen, h, t.Dispatch); err != nil {
		t.logger.Warn("element failed to load resource", slog.String("id", h.ID()), slogError(err))
	}
	t.el.SetVolume(t.volume)
	t.publish()
	return t.gen
}

// Play starts playback from Loaded, Paused or Ended. It is a no-op when the
// tracker is Empty or already Playing. A rejected start returns a
// *PlaybackError and leaves the state unchanged.
func (t *Tracker) Play() error {
	return t.call(func() error {
		switch t.state {
		case Empty, Playing:
			return nil
		}
		t.session++
		if err := t.el.Play(t.session); err != nil {
			perr := &PlaybackError{Generation: t.gen, Err: err}
			t.logger.Warn("playback did not start", slogError(perr))
			return perr
		}
		t.state = Playing
		t.publish()
		return nil
	})
}

// Pause is idempotent and only affects a Playing tracker.
func (t *Tracker) Pause() error {
	return t.call(func() error {
		if t.state != Playing {
			return nil
		}
		t.el.Pause()
		t.state = Paused
		t.publish()
		return nil
	})
}

// Restart stops playback and rewinds to 0 in state Loaded.
func (t *Tracker) Restart() error {
	return t.call(func() error {
		if t.state == Empty {
			return nil
		}
		t.el.Pause()
		t.el.Seek(0)
		t.state = Loaded
		t.position = 0
		t.publish()
		return nil
	})
}

// Seek moves to seconds clamped to [0, duration] without changing the
// play/pause status. With an unknown duration the position clamps to 0.
func (t *Tracker) Seek(seconds float64) error {
	return t.call(func() error {
		if t.state == Empty {
			return nil
		}
		pos := clampPosition(seconds, t.duration)
		t.el.Seek(pos)
		t.position = pos
		t.publish()
		return nil
	})
}

// SetVolume clamps v to [0,1]. NaN keeps the current volume.
func (t *Tracker) SetVolume(v float64) error {
	return t.call(func() error {
		t.volume = clampVolume(v, t.volume)
		t.el.SetVolume(t.volume)
		t.publish()
		return nil
	})
}

// Download saves the current resource through s. It does not touch the
// playback state and is a no-op when Empty.
func (t *Tracker) Download(ctx context.Context, s media.Saver) error {
	var h *media.Handle
	if err := t.call(func() error {
		h = t.res
		return nil
	}); err != nil {
		return err
	}
	if h == nil {
		return nil
	}
	return s.Save(ctx, h)
}

// Dispose releases the held resource and stops the tracker. Watch channels
// are closed. Calling Dispose more than once is safe.
func (t *Tracker) Dispose() {
	err := t.call(func() error {
		t.el.Unload()
		if t.res != nil {
			t.res.Release()
			t.res = nil
		}
		t.gen++
		t.state = Empty
		t.position = 0
		t.duration = 0
		t.publish()
		for ch := range t.watchers {
			close(ch)
		}
		t.watchers = nil
		t.disposed = true
		return nil
	})
	if err != nil && !errors.Is(err, ErrDisposed) {
		t.logger.Warn("dispose failed", slogError(err))
	}
}

// Snapshot returns the most recently published state without waiting on
// the loop.
func (t *Tracker) Snapshot() PlaybackState {
	return *t.last.Load()
}

// Generation is the current resource generation.
func (t *Tracker) Generation() uint64 {
	return t.last.Load().Generation
}

// Watch streams snapshots until ctx is done or the tracker is disposed. The
// current snapshot is delivered first; a slow reader only sees the latest.
func (t *Tracker) Watch(ctx context.Context) <-chan PlaybackState {
	ch := make(chan PlaybackState, 1)
	err := t.call(func() error {
		t.watchers[ch] = struct{}{}
		ch <- t.snapshot()
		return nil
	})
	if err != nil {
		close(ch)
		return ch
	}
	go func() {
		select {
		case <-ctx.Done():
			_ = t.call(func() error {
				if _, ok := t.watchers[ch]; ok {
					delete(t.watchers, ch)
					close(ch)
				}
				return nil
			})
		case <-t.quit:
		}
	}()
	return ch
}

func (t *Tracker) apply(ev Event) {
	if ev.Generation != t.gen || t.res == nil {
		t.logger.Debug("ignoring stale element event",
			slog.String("kind", ev.Kind.String()),
			slog.Uint64("event_generation", ev.Generation),
			slog.Uint64("generation", t.gen))
		if t.onStale != nil {
			t.onStale(ev)
		}
		return
	}
	if ev.Kind != MetadataLoaded && ev.Session != t.session {
		t.logger.Debug("ignoring event from finished play session",
			slog.String("kind", ev.Kind.String()),
			slog.Uint64("event_session", ev.Session),
			slog.Uint64("session", t.session))
		return
	}
	switch ev.Kind {
	case MetadataLoaded:
		if validSeconds(ev.Duration) {
			t.duration = ev.Duration
			if t.position > t.duration {
				t.position = t.duration
			}
		}
	case TimeUpdate:
		if t.state == Ended {
			return
		}
		if t.duration == 0 && validSeconds(ev.Duration) {
			t.duration = ev.Duration
		}
		t.position = clampPosition(ev.Position, math.Inf(1))
		if t.duration > 0 && t.position > t.duration {
			t.position = t.duration
		}
		if t.state == Playing && t.duration > 0 && t.position >= t.duration {
			t.end()
		}
	case EndedEvent:
		if t.state == Ended {
			return
		}
		t.end()
	default:
		return
	}
	t.publish()
}

func (t *Tracker) end() {
	t.el.Pause()
	t.el.Seek(0)
	t.state = Ended
	t.position = 0
}

func (t *Tracker) snapshot() PlaybackState {
	s := PlaybackState{
		State:           t.state,
		IsPlaying:       t.state == Playing,
		PositionSeconds: t.position,
		DurationSeconds: t.duration,
		Volume:          t.volume,
		Generation:      t.gen,
	}
	if t.res != nil {
		s.ResourceURL = t.res.URL()
		s.MIMEType = t.res.MIMEType()
		s.RequestID = t.res.RequestID()
	}
	return s
}

func (t *Tracker) publish() {
	s := t.snapshot()
	t.last.Store(&s)
	for ch := range t.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}

func clampPosition(seconds, duration float64) float64 {
	if math.IsNaN(seconds) || seconds < 0 {
		return 0
	}
	if seconds > duration {
		return duration
	}
	return seconds
}

func clampVolume(v, fallback float64) float64 {
	if math.IsNaN(v) {
		return fallback
	}
	return math.Max(0, math.Min(1, v))
}

func validSeconds(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
