package tts

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/lsafonso/Text-to-Speech-AWS-Lambda-Polly/internal/media"
)

// MockSynth is a Synthesizer test double. Each call creates a new local blob
// in Blobs (so ownership can be observed) unless Err is set.
type MockSynth struct {
	Blobs    *media.BlobStore
	Audio    []byte
	MIMEType string
	Err      error
	// Delay, when set, blocks each call until it elapses or ctx is done.
	Delay time.Duration
	// Gate, when non-nil, blocks each call until a value is received.
	Gate chan struct{}

	mu       sync.Mutex
	Requests []Request
}

func NewMockSynth(blobs *media.BlobStore) *MockSynth {
	return &MockSynth{Blobs: blobs, Audio: []byte("mock-audio"), MIMEType: "audio/mpeg"}
}

func (m *MockSynth) Synthesize(ctx context.Context, req Request) (Result, error) {
	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	n := len(m.Requests)
	m.mu.Unlock()

	if m.Gate != nil {
		select {
		case <-m.Gate:
		case <-ctx.Done():
			return Result{}, networkError(ctx.Err())
		}
	}
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return Result{}, networkError(ctx.Err())
		}
	}
	if m.Err != nil {
		return Result{}, m.Err
	}
	id := "mock-" + strconv.Itoa(n)
	h := m.Blobs.Create(m.Audio, m.MIMEType, id)
	return Result{Resource: h, MIMEType: m.MIMEType, RequestID: id, Inline: true}, nil
}

// Calls returns the number of Synthesize invocations.
func (m *MockSynth) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}

// LastRequest returns the most recent request, if any.
func (m *MockSynth) LastRequest() (Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Requests) == 0 {
		return Request{}, false
	}
	return m.Requests[len(m.Requests)-1], true
}

var _ Synthesizer = (*MockSynth)(nil)
