package media

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReleaseRevokesExactlyOnce(t *testing.T) {
	store := NewBlobStore("http://localhost:8080")
	h := store.Create([]byte("audio"), "audio/mpeg", "req-1")

	if !h.Local() {
		t.Fatal("expected local handle")
	}
	if !strings.HasPrefix(h.URL(), "http://localhost:8080/blob/") {
		t.Fatalf("unexpected url %q", h.URL())
	}
	if store.Live() != 1 {
		t.Fatalf("expected 1 live blob, got %d", store.Live())
	}
	if !h.Release() {
		t.Fatal("first release must revoke")
	}
	if h.Release() {
		t.Fatal("second release must be a no-op")
	}
	if store.Live() != 0 || store.Revoked() != 1 {
		t.Fatalf("expected 0 live / 1 revoked, got %d / %d", store.Live(), store.Revoked())
	}
}

func TestRemoteReleaseIsNoop(t *testing.T) {
	h := NewRemote("https://cdn.example.com/a.mp3", "audio/mpeg", "req-2")
	if h.Local() {
		t.Fatal("remote handle must not be local")
	}
	if h.Release() {
		t.Fatal("remote release must not report a revocation")
	}
	if !h.Released() {
		t.Fatal("remote handle should still be marked released")
	}
}

func TestLiveChangeCallback(t *testing.T) {
	store := NewBlobStore("")
	var live int64
	store.OnLiveChange(func(d int64) { live += d })
	a := store.Create([]byte("a"), "audio/mpeg", "")
	b := store.Create([]byte("b"), "audio/mpeg", "")
	a.Release()
	a.Release()
	if live != 1 {
		t.Fatalf("expected 1 live, got %d", live)
	}
	b.Release()
	if live != 0 {
		t.Fatalf("expected 0 live, got %d", live)
	}
}

func TestBlobStoreServeHTTP(t *testing.T) {
	store := NewBlobStore("")
	h := store.Create([]byte("ID3-audio"), "audio/mpeg", "req")

	rec := httptest.NewRecorder()
	store.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, h.URL(), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "audio/mpeg" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if rec.Body.String() != "ID3-audio" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}

	h.Release()
	rec = httptest.NewRecorder()
	store.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, h.URL(), nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after release, got %d", rec.Code)
	}
}

func TestResolverFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.mp3" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		io.WriteString(w, "remote-bytes")
	}))
	defer srv.Close()

	store := NewBlobStore("")
	r := NewResolver(store, srv.Client())
	ctx := context.Background()

	local := store.Create([]byte("local-bytes"), "audio/mpeg", "")
	data, err := r.Fetch(ctx, local)
	if err != nil || string(data) != "local-bytes" {
		t.Fatalf("local fetch: %q, %v", data, err)
	}
	local.Release()
	if _, err := r.Fetch(ctx, local); err != ErrRevoked {
		t.Fatalf("expected ErrRevoked, got %v", err)
	}

	data, err = r.Fetch(ctx, NewRemote(srv.URL+"/a.mp3", "audio/mpeg", ""))
	if err != nil || string(data) != "remote-bytes" {
		t.Fatalf("remote fetch: %q, %v", data, err)
	}
	if _, err := r.Fetch(ctx, NewRemote(srv.URL+"/missing.mp3", "audio/mpeg", "")); err == nil {
		t.Fatal("expected error for 404")
	}
}

func TestProbePCM(t *testing.T) {
	md, err := Probe(make([]byte, 32000), "audio/pcm")
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if md.DurationSeconds != 1 {
		t.Fatalf("expected 1s, got %v", md.DurationSeconds)
	}
	if _, err := Probe([]byte("OggS"), "audio/ogg"); err != ErrUnsupportedFormat {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
	if _, err := Probe([]byte("not an mp3"), "audio/mpeg"); err == nil {
		t.Fatal("expected decode error for garbage mp3")
	}
}

func TestFileSaver(t *testing.T) {
	store := NewBlobStore("")
	h := store.Create([]byte("saved"), "audio/mpeg", "abc")
	dir := filepath.Join(t.TempDir(), "downloads")
	s := &FileSaver{Dir: dir, Fetch: NewResolver(store, nil)}
	if err := s.Save(context.Background(), h); err != nil {
		t.Fatalf("save: %v", err)
	}
	if filepath.Base(s.LastPath) != "speech-abc.mp3" {
		t.Fatalf("unexpected file name %q", s.LastPath)
	}
	data, err := os.ReadFile(s.LastPath)
	if err != nil || string(data) != "saved" {
		t.Fatalf("read back: %q, %v", data, err)
	}
}

func TestExtensionFor(t *testing.T) {
	cases := map[string]string{
		"audio/mpeg":                "mp3",
		"audio/ogg; codecs=vorbis": "ogg",
		"audio/pcm":                 "pcm",
		"application/octet-stream":  "bin",
	}
	for in, want := range cases {
		if got := ExtensionFor(in); got != want {
			t.Errorf("ExtensionFor(%q) = %q, want %q", in, got, want)
		}
	}
}
