package playback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/media"
)

type fakeElement struct {
	mu      sync.Mutex
	loads   []uint64
	unloads int
	plays   int
	session uint64
	pauses  int
	seeks   []float64
	volume  float64
	playErr error
	notify  Notify
}

func (f *fakeElement) Load(gen uint64, _ *media.Handle, notify Notify) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads = append(f.loads, gen)
	f.notify = notify
	return nil
}

func (f *fakeElement) Play(session uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.playErr != nil {
		return f.playErr
	}
	f.plays++
	f.session = session
	return nil
}

// lastSession is the session of the most recent accepted Play.
func (f *fakeElement) lastSession() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session
}

func (f *fakeElement) Pause() {
	f.mu.Lock()
	f.pauses++
	f.mu.Unlock()
}

func (f *fakeElement) Seek(s float64) {
	f.mu.Lock()
	f.seeks = append(f.seeks, s)
	f.mu.Unlock()
}

func (f *fakeElement) SetVolume(v float64) {
	f.mu.Lock()
	f.volume = v
	f.mu.Unlock()
}

func (f *fakeElement) Unload() {
	f.mu.Lock()
	f.unloads++
	f.mu.Unlock()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestTracker(t *testing.T, opts ...Option) (*Tracker, *fakeElement) {
	t.Helper()
	el := &fakeElement{}
	tr := New(el, append([]Option{WithLogger(quietLogger())}, opts...)...)
	t.Cleanup(tr.Dispose)
	return tr, el
}

// flush waits until every previously queued command and event has been
// applied.
func flush(t *testing.T, tr *Tracker) {
	t.Helper()
	if err := tr.call(func() error { return nil }); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func mustSet(t *testing.T, tr *Tracker, h *media.Handle) uint64 {
	t.Helper()
	gen, err := tr.SetResource(h)
	if err != nil {
		t.Fatalf("SetResource: %v", err)
	}
	return gen
}

func TestNewTrackerIsEmpty(t *testing.T) {
	tr, el := newTestTracker(t, WithInitialVolume(0.5))
	s := tr.Snapshot()
	if s.State != Empty || s.IsPlaying || s.Volume != 0.5 {
		t.Fatalf("unexpected initial snapshot %+v", s)
	}
	if el.volume != 0.5 {
		t.Fatalf("element volume not initialised, got %v", el.volume)
	}
	if err := tr.Play(); err != nil {
		t.Fatalf("Play on empty tracker: %v", err)
	}
	if tr.Snapshot().State != Empty {
		t.Fatal("Play must not leave Empty")
	}
}

func TestReplacingResourceReleasesPreviousOnce(t *testing.T) {
	blobs := media.NewBlobStore("")
	tr, _ := newTestTracker(t)

	a := blobs.Create([]byte("a"), "audio/mpeg", "req-a")
	b := blobs.Create([]byte("b"), "audio/mpeg", "req-b")
	mustSet(t, tr, a)
	mustSet(t, tr, b)

	if !a.Released() || b.Released() {
		t.Fatalf("expected A released and B live, got a=%v b=%v", a.Released(), b.Released())
	}
	if blobs.Live() != 1 || blobs.Revoked() != 1 {
		t.Fatalf("expected 1 live and 1 revoked blob, got %d/%d", blobs.Live(), blobs.Revoked())
	}
	if a.Release() {
		t.Fatal("second release of A must not revoke again")
	}

	tr.Dispose()
	if !b.Released() || blobs.Live() != 0 || blobs.Revoked() != 2 {
		t.Fatalf("dispose must release B exactly once, live=%d revoked=%d", blobs.Live(), blobs.Revoked())
	}
	tr.Dispose()
	if blobs.Revoked() != 2 {
		t.Fatal("second dispose must not revoke again")
	}
}

func TestSettingSameResourceKeepsIt(t *testing.T) {
	blobs := media.NewBlobStore("")
	tr, _ := newTestTracker(t)
	a := blobs.Create([]byte("a"), "audio/mpeg", "")
	mustSet(t, tr, a)
	mustSet(t, tr, a)
	if a.Released() {
		t.Fatal("re-setting the held resource must not release it")
	}
}

func TestRemoteResourceRelease(t *testing.T) {
	tr, _ := newTestTracker(t)
	remote := media.NewRemote("https://cdn.example.com/a.mp3", "audio/mpeg", "r1")
	mustSet(t, tr, remote)
	mustSet(t, tr, nil)
	if !remote.Released() {
		t.Fatal("remote handle should be marked released")
	}
	if s := tr.Snapshot(); s.State != Empty || s.ResourceURL != "" {
		t.Fatalf("expected empty tracker, got %+v", s)
	}
}

func TestStaleEventIgnored(t *testing.T) {
	blobs := media.NewBlobStore("")
	var stale []Event
	tr, _ := newTestTracker(t, WithStaleHook(func(ev Event) { stale = append(stale, ev) }))

	gen1 := mustSet(t, tr, blobs.Create([]byte("a"), "audio/mpeg", ""))
	gen2 := mustSet(t, tr, blobs.Create([]byte("b"), "audio/mpeg", ""))
	if gen2 != gen1+1 {
		t.Fatalf("expected generation to advance by one, got %d -> %d", gen1, gen2)
	}

	before := tr.Snapshot()
	tr.Dispatch(Event{Generation: gen1, Kind: MetadataLoaded, Duration: 99})
	tr.Dispatch(Event{Generation: gen1, Kind: TimeUpdate, Position: 42})
	tr.Dispatch(Event{Generation: gen1, Kind: EndedEvent})
	flush(t, tr)

	if after := tr.Snapshot(); after != before {
		t.Fatalf("stale events mutated state: before %+v after %+v", before, after)
	}
	if len(stale) != 3 {
		t.Fatalf("expected 3 stale events reported, got %d", len(stale))
	}

	tr.Dispatch(Event{Generation: gen2, Kind: MetadataLoaded, Duration: 12})
	tr.Dispatch(Event{Generation: gen2, Kind: TimeUpdate, Position: 4})
	flush(t, tr)
	if s := tr.Snapshot(); s.DurationSeconds != 12 || s.PositionSeconds != 4 {
		t.Fatalf("current events not applied: %+v", s)
	}
}

func TestEventsInAnyOrder(t *testing.T) {
	tr, _ := newTestTracker(t)
	gen := mustSet(t, tr, media.NewRemote("http://x/a.mp3", "audio/mpeg", ""))

	tr.Dispatch(Event{Generation: gen, Kind: TimeUpdate, Position: 5})
	flush(t, tr)
	if s := tr.Snapshot(); s.PositionSeconds != 5 {
		t.Fatalf("time update before metadata should apply, got %+v", s)
	}

	tr.Dispatch(Event{Generation: gen, Kind: MetadataLoaded, Duration: 3})
	flush(t, tr)
	if s := tr.Snapshot(); s.DurationSeconds != 3 || s.PositionSeconds != 3 {
		t.Fatalf("position should clamp to late duration, got %+v", s)
	}
}

func TestSeekClampsToDuration(t *testing.T) {
	tr, el := newTestTracker(t)
	gen := mustSet(t, tr, media.NewRemote("http://x/a.mp3", "audio/mpeg", ""))
	tr.Dispatch(Event{Generation: gen, Kind: MetadataLoaded, Duration: 120})

	cases := []struct {
		in   float64
		want float64
	}{
		{-5, 0},
		{500, 120},
		{30.5, 30.5},
		{math.NaN(), 0},
		{120, 120},
	}
	for _, tc := range cases {
		if err := tr.Seek(tc.in); err != nil {
			t.Fatalf("Seek(%v): %v", tc.in, err)
		}
		s := tr.Snapshot()
		if s.PositionSeconds != tc.want {
			t.Errorf("Seek(%v) = %v, want %v", tc.in, s.PositionSeconds, tc.want)
		}
		if s.State != Loaded {
			t.Errorf("Seek(%v) changed state to %s", tc.in, s.State)
		}
	}
	if last := el.seeks[len(el.seeks)-1]; last != 120 {
		t.Fatalf("element should receive clamped position, got %v", last)
	}
}

func TestSeekWithUnknownDuration(t *testing.T) {
	tr, _ := newTestTracker(t)
	mustSet(t, tr, media.NewRemote("http://x/a.mp3", "audio/mpeg", ""))
	_ = tr.Seek(10)
	if pos := tr.Snapshot().PositionSeconds; pos != 0 {
		t.Fatalf("expected 0 with unknown duration, got %v", pos)
	}
}

func TestSeekKeepsPlayingStatus(t *testing.T) {
	tr, _ := newTestTracker(t)
	gen := mustSet(t, tr, media.NewRemote("http://x/a.mp3", "audio/mpeg", ""))
	tr.Dispatch(Event{Generation: gen, Kind: MetadataLoaded, Duration: 60})
	_ = tr.Play()
	_ = tr.Seek(20)
	if s := tr.Snapshot(); s.State != Playing || !s.IsPlaying || s.PositionSeconds != 20 {
		t.Fatalf("unexpected state after seek %+v", s)
	}
}

func TestPauseIsIdempotent(t *testing.T) {
	tr, el := newTestTracker(t)
	mustSet(t, tr, media.NewRemote("http://x/a.mp3", "audio/mpeg", ""))
	if err := tr.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := tr.Pause(); err != nil {
			t.Fatalf("Pause #%d: %v", i+1, err)
		}
	}
	if s := tr.Snapshot(); s.State != Paused || s.IsPlaying {
		t.Fatalf("expected Paused, got %+v", s)
	}
	if el.pauses != 1 {
		t.Fatalf("element should be paused once, got %d", el.pauses)
	}
	if err := tr.Play(); err != nil || tr.Snapshot().State != Playing {
		t.Fatalf("Play from Paused: %v, %s", err, tr.Snapshot().State)
	}
}

func TestPlayRejectedLeavesState(t *testing.T) {
	tr, el := newTestTracker(t)
	mustSet(t, tr, media.NewRemote("http://x/a.mp3", "audio/mpeg", ""))
	el.mu.Lock()
	el.playErr = errors.New("NotAllowedError")
	el.mu.Unlock()

	err := tr.Play()
	var perr *PlaybackError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PlaybackError, got %v", err)
	}
	if s := tr.Snapshot(); s.State != Loaded || s.IsPlaying {
		t.Fatalf("state must not change on rejected play, got %+v", s)
	}
}

func TestReachingDurationEnds(t *testing.T) {
	tr, el := newTestTracker(t)
	gen := mustSet(t, tr, media.NewRemote("http://x/a.mp3", "audio/mpeg", ""))
	tr.Dispatch(Event{Generation: gen, Kind: MetadataLoaded, Duration: 10})
	_ = tr.Play()
	session := el.lastSession()

	tr.Dispatch(Event{Generation: gen, Session: session, Kind: TimeUpdate, Position: 10})
	flush(t, tr)
	s := tr.Snapshot()
	if s.State != Ended || s.IsPlaying || s.PositionSeconds != 0 {
		t.Fatalf("expected Ended at 0, got %+v", s)
	}

	tr.Dispatch(Event{Generation: gen, Session: session, Kind: TimeUpdate, Position: 9})
	flush(t, tr)
	if pos := tr.Snapshot().PositionSeconds; pos != 0 {
		t.Fatalf("late time update after end moved position to %v", pos)
	}

	if err := tr.Play(); err != nil || tr.Snapshot().State != Playing {
		t.Fatal("expected Play from Ended to restart playback")
	}
}

func TestEndedEvent(t *testing.T) {
	tr, el := newTestTracker(t)
	gen := mustSet(t, tr, media.NewRemote("http://x/a.mp3", "audio/mpeg", ""))
	_ = tr.Play()
	session := el.lastSession()
	tr.Dispatch(Event{Generation: gen, Session: session, Kind: TimeUpdate, Position: 3})
	tr.Dispatch(Event{Generation: gen, Session: session, Kind: EndedEvent})
	flush(t, tr)
	if s := tr.Snapshot(); s.State != Ended || s.PositionSeconds != 0 {
		t.Fatalf("expected Ended at 0, got %+v", s)
	}
}

func TestReplaySurvivesTrailingEnded(t *testing.T) {
	tr, el := newTestTracker(t)
	gen := mustSet(t, tr, media.NewRemote("http://x/a.mp3", "audio/mpeg", ""))
	tr.Dispatch(Event{Generation: gen, Kind: MetadataLoaded, Duration: 10})
	_ = tr.Play()
	first := el.lastSession()

	tr.Dispatch(Event{Generation: gen, Session: first, Kind: TimeUpdate, Position: 10, Duration: 10})
	flush(t, tr)
	if s := tr.Snapshot(); s.State != Ended {
		t.Fatalf("expected Ended, got %+v", s)
	}

	if err := tr.Play(); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if el.lastSession() == first {
		t.Fatal("replay must start a new session")
	}
	tr.Dispatch(Event{Generation: gen, Session: first, Kind: EndedEvent})
	tr.Dispatch(Event{Generation: gen, Session: first, Kind: TimeUpdate, Position: 7})
	flush(t, tr)
	if s := tr.Snapshot(); s.State != Playing || !s.IsPlaying || s.PositionSeconds != 0 {
		t.Fatalf("events from the finished session changed the replay: %+v", s)
	}
}

func TestRestart(t *testing.T) {
	tr, _ := newTestTracker(t)
	gen := mustSet(t, tr, media.NewRemote("http://x/a.mp3", "audio/mpeg", ""))
	tr.Dispatch(Event{Generation: gen, Kind: MetadataLoaded, Duration: 30})
	_ = tr.Play()
	_ = tr.Seek(12)
	if err := tr.Restart(); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if s := tr.Snapshot(); s.State != Loaded || s.PositionSeconds != 0 || s.IsPlaying {
		t.Fatalf("expected Loaded at 0, got %+v", s)
	}
}

func TestSetVolumeClamps(t *testing.T) {
	tr, el := newTestTracker(t)
	cases := []struct {
		in, want float64
	}{
		{0.3, 0.3},
		{1.5, 1},
		{-1, 0},
		{math.NaN(), 0},
		{1, 1},
	}
	for _, tc := range cases {
		_ = tr.SetVolume(tc.in)
		if got := tr.Snapshot().Volume; got != tc.want {
			t.Errorf("SetVolume(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
	if el.volume != 1 {
		t.Fatalf("element volume = %v", el.volume)
	}
}

type recordingSaver struct {
	saved []*media.Handle
}

func (r *recordingSaver) Save(_ context.Context, h *media.Handle) error {
	r.saved = append(r.saved, h)
	return nil
}

func TestDownload(t *testing.T) {
	tr, _ := newTestTracker(t)
	saver := &recordingSaver{}
	if err := tr.Download(context.Background(), saver); err != nil || len(saver.saved) != 0 {
		t.Fatalf("download on empty tracker must be a no-op, got %v %d", err, len(saver.saved))
	}

	h := media.NewRemote("http://x/a.mp3", "audio/mpeg", "")
	mustSet(t, tr, h)
	_ = tr.Play()
	before := tr.Snapshot()
	if err := tr.Download(context.Background(), saver); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if len(saver.saved) != 1 || saver.saved[0] != h {
		t.Fatal("expected current handle to be saved")
	}
	if tr.Snapshot() != before {
		t.Fatal("download must not alter playback state")
	}
}

func TestSetResourceIf(t *testing.T) {
	blobs := media.NewBlobStore("")
	tr, _ := newTestTracker(t)
	started := tr.Generation()

	a := blobs.Create([]byte("a"), "audio/mpeg", "")
	mustSet(t, tr, a)

	b := blobs.Create([]byte("b"), "audio/mpeg", "")
	gen, ok, err := tr.SetResourceIf(started, b)
	if err != nil {
		t.Fatalf("SetResourceIf: %v", err)
	}
	if ok || gen != started+1 {
		t.Fatalf("expected stale rejection at generation %d, got ok=%v gen=%d", started+1, ok, gen)
	}
	if !b.Released() || a.Released() {
		t.Fatal("stale result must be released and current resource kept")
	}

	c := blobs.Create([]byte("c"), "audio/mpeg", "")
	if _, ok, _ := tr.SetResourceIf(tr.Generation(), c); !ok {
		t.Fatal("expected current generation to be accepted")
	}
	if !a.Released() || blobs.Live() != 1 {
		t.Fatalf("expected only C live, got %d", blobs.Live())
	}
}

func TestOperationsAfterDispose(t *testing.T) {
	blobs := media.NewBlobStore("")
	tr, _ := newTestTracker(t)
	tr.Dispose()

	h := blobs.Create([]byte("late"), "audio/mpeg", "")
	if _, err := tr.SetResource(h); !errors.Is(err, ErrDisposed) {
		t.Fatalf("expected ErrDisposed, got %v", err)
	}
	if !h.Released() || blobs.Live() != 0 {
		t.Fatal("handle passed to a disposed tracker must be released")
	}
	if err := tr.Play(); !errors.Is(err, ErrDisposed) {
		t.Fatalf("expected ErrDisposed, got %v", err)
	}
}

func TestWatch(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := tr.Watch(ctx)
	first := <-ch
	if first.State != Empty {
		t.Fatalf("expected initial Empty snapshot, got %+v", first)
	}

	mustSet(t, tr, media.NewRemote("http://x/a.mp3", "audio/mpeg", "w1"))
	select {
	case s := <-ch:
		if s.State != Loaded || s.RequestID != "w1" {
			t.Fatalf("unexpected snapshot %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot")
	}

	tr.Dispose()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("watch channel not closed on dispose")
		}
	}
}
