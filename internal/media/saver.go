package media

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Saver performs a save-as of a handle's audio.
type Saver interface {
	Save(ctx context.Context, h *Handle) error
}

// FileName suggests a download name for h.
func FileName(h *Handle) string {
	base := h.RequestID()
	if base == "" {
		base = h.ID()
	}
	return fmt.Sprintf("speech-%s.%s", base, h.Extension())
}

// FileSaver writes audio into Dir.
type FileSaver struct {
	Dir   string
	Fetch Fetcher

	// LastPath is the path written by the most recent successful Save.
	LastPath string
}

func (f *FileSaver) Save(ctx context.Context, h *Handle) error {
	data, err := f.Fetch.Fetch(ctx, h)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return fmt.Errorf("media: create download dir: %w", err)
	}
	path := filepath.Join(f.Dir, FileName(h))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("media: write %s: %w", path, err)
	}
	f.LastPath = path
	return nil
}

// WriterSaver streams audio to W. BeforeWrite, if set, runs once the payload
// is available and before any byte is written (used to set HTTP headers).
type WriterSaver struct {
	W           io.Writer
	Fetch       Fetcher
	BeforeWrite func(h *Handle, size int)
}

func (w *WriterSaver) Save(ctx context.Context, h *Handle) error {
	data, err := w.Fetch.Fetch(ctx, h)
	if err != nil {
		return err
	}
	if w.BeforeWrite != nil {
		w.BeforeWrite(h, len(data))
	}
	_, err = w.W.Write(data)
	return err
}
