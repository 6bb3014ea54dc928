package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrRevoked is returned when a local handle's blob is no longer live.
var ErrRevoked = errors.New("media: resource has been released")

// maxRemoteSize bounds how much of a remote audio URL is read into memory.
const maxRemoteSize = 64 << 20

// Fetcher reads the full payload behind a handle.
type Fetcher interface {
	Fetch(ctx context.Context, h *Handle) ([]byte, error)
}

// Resolver fetches local handles from a BlobStore and remote handles over
// HTTP.
type Resolver struct {
	blobs  *BlobStore
	client *http.Client
}

// NewResolver returns a Resolver. A nil client gets a 30 s timeout client.
func NewResolver(blobs *BlobStore, client *http.Client) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Resolver{blobs: blobs, client: client}
}

func (r *Resolver) Fetch(ctx context.Context, h *Handle) ([]byte, error) {
	if h == nil {
		return nil, errors.New("media: nil handle")
	}
	if h.Local() {
		if h.Released() {
			return nil, ErrRevoked
		}
		data, _, ok := h.store.Open(h.id)
		if !ok {
			return nil, ErrRevoked
		}
		return data, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL(), nil)
	if err != nil {
		return nil, fmt.Errorf("media: create request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("media: GET %s: %w", h.URL(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("media: GET %s returned status %d", h.URL(), resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteSize+1))
	if err != nil {
		return nil, fmt.Errorf("media: read %s: %w", h.URL(), err)
	}
	if len(data) > maxRemoteSize {
		return nil, fmt.Errorf("media: %s exceeds %d bytes", h.URL(), maxRemoteSize)
	}
	return data, nil
}
