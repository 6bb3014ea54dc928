package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/config"
	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/eventstore"
	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/media"
	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/playback"
	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/presence"
	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/studio"
	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/tts"
	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/voice"
)

const helloBody = `{"text":"Hello world","voiceId":"Joanna","engine":"neural"}`

type testElement struct {
	playErr error
}

func (e *testElement) Load(uint64, *media.Handle, playback.Notify) error { return nil }
func (e *testElement) Play(uint64) error                                 { return e.playErr }
func (e *testElement) Pause()                                            {}
func (e *testElement) Seek(float64)                                      {}
func (e *testElement) SetVolume(float64)                                 {}
func (e *testElement) Unload()                                           {}

type staticPeers []presence.Peer

func (s staticPeers) Peers() []presence.Peer { return s }

type harness struct {
	api     *api
	mux     *http.ServeMux
	synth   *tts.MockSynth
	blobs   *media.BlobStore
	tracker *playback.Tracker
	element *testElement
	dir     string
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := quietLogger()
	blobs := media.NewBlobStore("http://studio.test")
	el := &testElement{}
	tracker := playback.New(el, playback.WithLogger(logger))
	t.Cleanup(tracker.Dispose)

	history, err := eventstore.Open(context.Background(), config.HistoryConfig{
		Path:          filepath.Join(t.TempDir(), "history.db"),
		RetentionMode: "session",
		MaxEntries:    100,
	}, logger)
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { _ = history.Close() })

	synth := tts.NewMockSynth(blobs)
	st := studio.New(synth, voice.NewLoader(nil, logger), tracker,
		studio.WithHistory(history),
		studio.WithLogger(logger))

	h := &harness{
		mux:     http.NewServeMux(),
		synth:   synth,
		blobs:   blobs,
		tracker: tracker,
		element: el,
		dir:     t.TempDir(),
	}
	a := &api{
		studio:      st,
		blobs:       blobs,
		fetch:       media.NewResolver(blobs, nil),
		downloadDir: h.dir,
		logger:      logger,
	}
	a.register(h.mux)
	h.api = a
	return h
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

// stateView is the JSON shape of a playback snapshot.
type stateView struct {
	State           string  `json:"state"`
	IsPlaying       bool    `json:"isPlaying"`
	PositionSeconds float64 `json:"position"`
	DurationSeconds float64 `json:"duration"`
	Volume          float64 `json:"volume"`
	ResourceURL     string  `json:"resourceUrl"`
}

type synthesizeReply struct {
	RequestID     string    `json:"requestId"`
	Generation    uint64    `json:"generation"`
	ResourceURL   string    `json:"resourceUrl"`
	Playback      stateView `json:"playback"`
	PlaybackError string    `json:"playbackError"`
}

type playbackReply struct {
	stateView
	Error string `json:"error"`
}

func TestSynthesizeLoadsPlayer(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/synthesize", helloBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[synthesizeReply](t, rec)
	if resp.Generation == 0 || resp.RequestID == "" {
		t.Fatalf("unexpected reply %+v", resp)
	}
	if resp.Playback.State != playback.Loaded.String() || resp.Playback.ResourceURL != resp.ResourceURL {
		t.Fatalf("player not loaded: %+v", resp.Playback)
	}
	req, ok := h.synth.LastRequest()
	if !ok || req.Engine != tts.EngineNeural || req.SpeechRate != 1 {
		t.Fatalf("unexpected backend request %+v", req)
	}
}

func TestSynthesizeAutoplay(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/synthesize", `{"text":"Hi","voiceId":"Joanna","autoplay":true}`)
	resp := decode[synthesizeReply](t, rec)
	if rec.Code != http.StatusOK || resp.Playback.State != playback.Playing.String() || !resp.Playback.IsPlaying {
		t.Fatalf("expected playing after autoplay, got %d %+v", rec.Code, resp)
	}
}

func TestSynthesizeValidationError(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/synthesize", `{"text":"  ","voiceId":"Joanna"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	resp := decode[errorResponse](t, rec)
	if resp.Kind != string(tts.EmptyText) {
		t.Fatalf("expected EmptyText kind, got %+v", resp)
	}
	if h.synth.Calls() != 0 {
		t.Fatal("validation failure must not reach the backend")
	}

	rec = h.do(t, http.MethodPost, "/api/synthesize", `{"text":"Hi","voiceId":"Nobody"}`)
	if resp := decode[errorResponse](t, rec); rec.Code != http.StatusBadRequest || resp.Kind != string(tts.UnknownVoice) {
		t.Fatalf("expected UnknownVoice, got %d %+v", rec.Code, resp)
	}
}

func TestSynthesizeRejectsUnknownFields(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/synthesize", `{"text":"Hi","voice":"Joanna"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if resp := decode[errorResponse](t, rec); resp.Kind != "InvalidRequest" {
		t.Fatalf("unexpected kind %+v", resp)
	}
}

func TestSynthesizeBackendError(t *testing.T) {
	h := newHarness(t)
	h.synth.Err = &tts.SynthesisError{Kind: tts.KindServer, Message: "Missing required fields", HTTPStatus: 400}

	rec := h.do(t, http.MethodPost, "/api/synthesize", helloBody)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	resp := decode[errorResponse](t, rec)
	if resp.Error != "Missing required fields" || resp.Status != 400 || resp.Kind != "server" {
		t.Fatalf("unexpected error body %+v", resp)
	}
	if h.tracker.Snapshot().State != playback.Empty {
		t.Fatal("failed synthesis must not touch the player")
	}
}

func TestSynthesizeBusy(t *testing.T) {
	h := newHarness(t)
	h.synth.Gate = make(chan struct{})

	done := make(chan int, 1)
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/api/synthesize", strings.NewReader(helloBody))
		rec := httptest.NewRecorder()
		h.mux.ServeHTTP(rec, req)
		done <- rec.Code
	}()

	deadline := time.Now().Add(2 * time.Second)
	for h.synth.Calls() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("first request never reached the backend")
		}
		time.Sleep(time.Millisecond)
	}

	rec := h.do(t, http.MethodPost, "/api/synthesize", helloBody)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while busy, got %d", rec.Code)
	}
	if resp := decode[errorResponse](t, rec); resp.Kind != "busy" {
		t.Fatalf("unexpected kind %+v", resp)
	}

	close(h.synth.Gate)
	if code := <-done; code != http.StatusOK {
		t.Fatalf("first request finished with %d", code)
	}
}

func TestPlaybackActions(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/playback/play", "")
	if got := decode[playbackReply](t, rec); rec.Code != http.StatusOK || got.State != playback.Empty.String() {
		t.Fatalf("play on empty player: %d %+v", rec.Code, got)
	}

	h.do(t, http.MethodPost, "/api/synthesize", helloBody)
	steps := []struct {
		action string
		want   playback.State
	}{
		{"play", playback.Playing},
		{"pause", playback.Paused},
		{"play", playback.Playing},
		{"restart", playback.Loaded},
	}
	for _, step := range steps {
		rec := h.do(t, http.MethodPost, "/api/playback/"+step.action, "")
		got := decode[playbackReply](t, rec)
		if rec.Code != http.StatusOK || got.State != step.want.String() {
			t.Fatalf("%s: expected %s, got %d %+v", step.action, step.want, rec.Code, got)
		}
	}

	if rec := h.do(t, http.MethodPost, "/api/playback/rewind", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown action, got %d", rec.Code)
	}
}

func TestPlayRejectionReported(t *testing.T) {
	h := newHarness(t)
	h.do(t, http.MethodPost, "/api/synthesize", helloBody)
	h.element.playErr = errors.New("autoplay blocked")

	rec := h.do(t, http.MethodPost, "/api/playback/play", "")
	got := decode[playbackReply](t, rec)
	if rec.Code != http.StatusOK || got.State != playback.Loaded.String() {
		t.Fatalf("rejected play must leave state unchanged: %d %+v", rec.Code, got)
	}
	if !strings.Contains(got.Error, "autoplay blocked") {
		t.Fatalf("expected rejection in body, got %q", got.Error)
	}
}

func TestSeekAndVolume(t *testing.T) {
	h := newHarness(t)
	h.do(t, http.MethodPost, "/api/synthesize", helloBody)
	h.tracker.Dispatch(playback.Event{Generation: h.tracker.Generation(), Kind: playback.MetadataLoaded, Duration: 120})

	deadline := time.Now().Add(2 * time.Second)
	for h.tracker.Snapshot().DurationSeconds != 120 {
		if time.Now().After(deadline) {
			t.Fatal("metadata never applied")
		}
		time.Sleep(time.Millisecond)
	}

	cases := []struct {
		body string
		want float64
	}{
		{`{"position":30}`, 30},
		{`{"position":-5}`, 0},
		{`{"position":500}`, 120},
	}
	for _, tc := range cases {
		rec := h.do(t, http.MethodPost, "/api/playback/seek", tc.body)
		if got := decode[playbackReply](t, rec); got.PositionSeconds != tc.want {
			t.Fatalf("seek %s: expected %v, got %v", tc.body, tc.want, got.PositionSeconds)
		}
	}

	rec := h.do(t, http.MethodPost, "/api/playback/volume", `{"volume":1.7}`)
	if got := decode[playbackReply](t, rec); got.Volume != 1 {
		t.Fatalf("expected volume clamped to 1, got %v", got.Volume)
	}
	if rec := h.do(t, http.MethodPost, "/api/playback/seek", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing position, got %d", rec.Code)
	}
}

func TestDownload(t *testing.T) {
	h := newHarness(t)
	if rec := h.do(t, http.MethodGet, "/api/playback/download", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 with nothing loaded, got %d", rec.Code)
	}

	h.do(t, http.MethodPost, "/api/synthesize", helloBody)
	rec := h.do(t, http.MethodGet, "/api/playback/download", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !bytes.Equal(rec.Body.Bytes(), []byte("mock-audio")) {
		t.Fatalf("unexpected payload %q", rec.Body.String())
	}
	if cd := rec.Header().Get("Content-Disposition"); cd != `attachment; filename="speech-mock-1.mp3"` {
		t.Fatalf("unexpected Content-Disposition %q", cd)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "audio/mpeg" {
		t.Fatalf("unexpected Content-Type %q", ct)
	}
}

func TestSaveWritesFile(t *testing.T) {
	h := newHarness(t)
	if rec := h.do(t, http.MethodPost, "/api/playback/save", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 with nothing loaded, got %d", rec.Code)
	}
	h.do(t, http.MethodPost, "/api/synthesize", helloBody)
	rec := h.do(t, http.MethodPost, "/api/playback/save", "")
	resp := decode[map[string]string](t, rec)
	if rec.Code != http.StatusOK || resp["path"] != filepath.Join(h.dir, "speech-mock-1.mp3") {
		t.Fatalf("unexpected save reply %d %+v", rec.Code, resp)
	}
}

func TestBlobServedUntilReplaced(t *testing.T) {
	h := newHarness(t)
	first := decode[synthesizeReply](t, h.do(t, http.MethodPost, "/api/synthesize", helloBody))
	path := strings.TrimPrefix(first.ResourceURL, "http://studio.test")

	rec := h.do(t, http.MethodGet, path, "")
	if rec.Code != http.StatusOK || rec.Body.String() != "mock-audio" {
		t.Fatalf("expected blob, got %d %q", rec.Code, rec.Body.String())
	}

	h.do(t, http.MethodPost, "/api/synthesize", helloBody)
	if rec := h.do(t, http.MethodGet, path, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("replaced blob must be revoked, got %d", rec.Code)
	}
	if h.blobs.Live() != 1 {
		t.Fatalf("expected one live blob, got %d", h.blobs.Live())
	}
}

func TestClearEmptiesPlayer(t *testing.T) {
	h := newHarness(t)
	h.do(t, http.MethodPost, "/api/synthesize", helloBody)
	rec := h.do(t, http.MethodDelete, "/api/playback", "")
	if got := decode[playbackReply](t, rec); got.State != playback.Empty.String() {
		t.Fatalf("expected empty player, got %+v", got)
	}
	if h.blobs.Live() != 0 {
		t.Fatalf("clear must release the resource, live=%d", h.blobs.Live())
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	h := newHarness(t)
	h.do(t, http.MethodPost, "/api/synthesize", helloBody)
	h.do(t, http.MethodPost, "/api/synthesize", `{"text":"","voiceId":"Joanna"}`)

	rec := h.do(t, http.MethodGet, "/api/history?limit=10", "")
	entries := decode[[]eventstore.Entry](t, rec)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %+v", entries)
	}
	if entries[0].Status != studio.StatusValidation || entries[1].Status != studio.StatusOK {
		t.Fatalf("unexpected order %+v", entries)
	}
	if entries[1].Source != "http" {
		t.Fatalf("expected http source, got %q", entries[1].Source)
	}

	if rec := h.do(t, http.MethodGet, "/api/history?limit=x", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestVoices(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/api/voices", "")
	resp := decode[voicesResponse](t, rec)
	if resp.Source != string(voice.SourceBuiltin) || len(resp.Voices) != len(voice.Builtin()) {
		t.Fatalf("unexpected catalog %s with %d voices", resp.Source, len(resp.Voices))
	}
}

func TestPeers(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/api/peers", "")
	if got := decode[[]presence.Peer](t, rec); rec.Code != http.StatusOK || len(got) != 0 {
		t.Fatalf("expected empty peer list without a bus, got %d %+v", rec.Code, got)
	}

	h.api.peers = staticPeers{{NodeID: "studio-a", Healthy: true, Self: true}, {NodeID: "studio-b"}}
	rec = h.do(t, http.MethodGet, "/api/peers", "")
	got := decode[[]presence.Peer](t, rec)
	if len(got) != 2 || !got[0].Self || got[1].NodeID != "studio-b" {
		t.Fatalf("unexpected peers %+v", got)
	}
}

func TestPlaybackSocketStreamsState(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(h.mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/playback", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	var st stateView
	if err := wsjson.Read(ctx, conn, &st); err != nil {
		t.Fatalf("read initial state: %v", err)
	}
	if st.State != playback.Empty.String() {
		t.Fatalf("expected empty initial state, got %+v", st)
	}

	h.do(t, http.MethodPost, "/api/synthesize", helloBody)
	for st.State != playback.Loaded.String() {
		if err := wsjson.Read(ctx, conn, &st); err != nil {
			t.Fatalf("read state: %v", err)
		}
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func TestHealthAndReadiness(t *testing.T) {
	r := New(config.Default(), quietLogger())

	rec := httptest.NewRecorder()
	r.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	r.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected readyz 503 before start, got %d", rec.Code)
	}

	r.ready.Store(true)
	rec = httptest.NewRecorder()
	r.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected readyz 200, got %d", rec.Code)
	}
}
