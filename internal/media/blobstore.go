package media

import (
	"bytes"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// BlobPathPrefix is the HTTP path under which local blobs are served.
const BlobPathPrefix = "/blob/"

type blob struct {
	data      []byte
	mimeType  string
	createdAt time.Time
}

// BlobStore keeps locally created audio payloads addressable by URL until
// they are revoked. It is safe for concurrent use.
type BlobStore struct {
	baseURL string
	mu      sync.RWMutex
	blobs   map[string]blob
	created atomic.Int64
	revoked atomic.Int64
	onLive  func(delta int64)
}

// NewBlobStore creates a store whose blob URLs start with baseURL (for
// example "http://localhost:8080"). An empty baseURL yields path-only URLs.
func NewBlobStore(baseURL string) *BlobStore {
	return &BlobStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		blobs:   make(map[string]blob),
	}
}

// OnLiveChange registers a callback invoked with +1/-1 whenever a blob is
// created or revoked.
func (s *BlobStore) OnLiveChange(fn func(delta int64)) {
	s.onLive = fn
}

// Create wraps data as a locally addressable resource. The returned handle
// owns the blob; releasing it revokes the blob.
func (s *BlobStore) Create(data []byte, mimeType, requestID string) *Handle {
	id := uuid.NewString()
	s.mu.Lock()
	s.blobs[id] = blob{data: data, mimeType: mimeType, createdAt: time.Now()}
	s.mu.Unlock()
	s.created.Add(1)
	if s.onLive != nil {
		s.onLive(1)
	}
	return &Handle{
		id:        id,
		url:       s.baseURL + BlobPathPrefix + id,
		mimeType:  mimeType,
		requestID: requestID,
		size:      len(data),
		store:     s,
	}
}

// Open returns the payload of a live blob.
func (s *BlobStore) Open(id string) ([]byte, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[id]
	if !ok {
		return nil, "", false
	}
	return b.data, b.mimeType, true
}

// Revoke drops a blob. It reports whether the blob was live.
func (s *BlobStore) Revoke(id string) bool {
	s.mu.Lock()
	_, ok := s.blobs[id]
	delete(s.blobs, id)
	s.mu.Unlock()
	if ok {
		s.revoked.Add(1)
		if s.onLive != nil {
			s.onLive(-1)
		}
	}
	return ok
}

// Live is the number of blobs not yet revoked.
func (s *BlobStore) Live() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

// Created and Revoked are lifetime counters.
func (s *BlobStore) Created() int64 { return s.created.Load() }
func (s *BlobStore) Revoked() int64 { return s.revoked.Load() }

// ServeHTTP serves GET /blob/{id}.
func (s *BlobStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, BlobPathPrefix)
	s.mu.RLock()
	b, ok := s.blobs[id]
	s.mu.RUnlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", b.mimeType)
	w.Header().Set("Cache-Control", "no-store")
	http.ServeContent(w, r, "", b.createdAt, bytes.NewReader(b.data))
}
