// Package media owns playable audio resources: locally created blobs that
// must be revoked, and remote URLs that need no release.
package media

import (
	"strings"
	"sync/atomic"
)

// Handle is an owned reference to playable audio. Exactly one owner holds a
// handle at a time and calls Release when it is done with it.
type Handle struct {
	id        string
	url       string
	mimeType  string
	requestID string
	size      int
	store     *BlobStore // nil for remote handles
	released  atomic.Bool
}

// NewRemote returns a handle for audio hosted elsewhere.
func NewRemote(url, mimeType, requestID string) *Handle {
	return &Handle{
		id:        requestID,
		url:       url,
		mimeType:  mimeType,
		requestID: requestID,
	}
}

func (h *Handle) ID() string        { return h.id }
func (h *Handle) URL() string       { return h.url }
func (h *Handle) MIMEType() string  { return h.mimeType }
func (h *Handle) RequestID() string { return h.requestID }

// Size is the payload length for local handles and 0 for remote ones.
func (h *Handle) Size() int { return h.size }

// Local reports whether the handle refers to a revocable local blob.
func (h *Handle) Local() bool { return h.store != nil }

// Released reports whether Release has been called.
func (h *Handle) Released() bool { return h.released.Load() }

// Release gives up the resource. Local blobs are revoked on the first call;
// later calls and remote handles are no-ops. It reports whether this call
// revoked a blob.
func (h *Handle) Release() bool {
	if h == nil {
		return false
	}
	if !h.released.CompareAndSwap(false, true) {
		return false
	}
	if h.store == nil {
		return false
	}
	return h.store.Revoke(h.id)
}

// Extension returns a file extension (without dot) for the handle's MIME type.
func (h *Handle) Extension() string {
	return ExtensionFor(h.mimeType)
}

// ExtensionFor maps an audio MIME type to a file extension.
func ExtensionFor(mimeType string) string {
	mt := strings.ToLower(mimeType)
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	switch mt {
	case "audio/mpeg", "audio/mp3":
		return "mp3"
	case "audio/ogg", "audio/opus":
		return "ogg"
	case "audio/pcm", "audio/l16", "audio/x-pcm":
		return "pcm"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "wav"
	default:
		return "bin"
	}
}
