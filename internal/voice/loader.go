package voice

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Lister is a remote voice catalog source.
type Lister interface {
	ListVoices(ctx context.Context) ([]Voice, error)
}

// errEmptyListing reports a listing without a single usable voice.
var errEmptyListing = errors.New("voice: listing returned no voices")

// Load fetches the catalog from lister and falls back to the builtin list
// when lister is nil, fails, or yields no usable voices. The fallback is a
// policy, not an error: callers always receive a usable catalog.
func Load(ctx context.Context, lister Lister, log *slog.Logger) *Catalog {
	if log == nil {
		log = slog.Default()
	}
	c, err := fetch(ctx, lister)
	if err != nil {
		log.Warn("voice listing failed, using builtin catalog", slog.String("error", err.Error()))
		return BuiltinCatalog()
	}
	if c.Source() == SourceRemote {
		log.Info("voice catalog loaded", slog.Int("voices", c.Len()), slog.String("source", string(c.Source())))
	}
	return c
}

// fetch returns the builtin catalog only when there is no lister. Any other
// outcome without a usable remote catalog is an error.
func fetch(ctx context.Context, lister Lister) (*Catalog, error) {
	if lister == nil {
		return BuiltinCatalog(), nil
	}
	voices, err := lister.ListVoices(ctx)
	if err != nil {
		return nil, err
	}
	c := NewCatalog(voices, SourceRemote)
	if c.Len() == 0 {
		return nil, errEmptyListing
	}
	return c, nil
}

// Loader caches the catalog loaded at startup and serves it to readers.
// Concurrent Refresh calls share a single listing request.
type Loader struct {
	lister  Lister
	log     *slog.Logger
	current atomic.Pointer[Catalog]
	group   singleflight.Group
}

func NewLoader(lister Lister, log *slog.Logger) *Loader {
	if log == nil {
		log = slog.Default()
	}
	l := &Loader{lister: lister, log: log.With(slog.String("component", "voice-catalog"))}
	l.current.Store(BuiltinCatalog())
	return l
}

// Catalog returns the current catalog. Before the first Refresh it is the
// builtin catalog.
func (l *Loader) Catalog() *Catalog {
	return l.current.Load()
}

// Refresh reloads the catalog and swaps it in. A failed reload keeps a
// remote catalog that is already active; otherwise it falls back to the
// builtin list like Load.
func (l *Loader) Refresh(ctx context.Context) *Catalog {
	v, _, _ := l.group.Do("refresh", func() (any, error) {
		c, err := fetch(ctx, l.lister)
		if err != nil {
			cur := l.current.Load()
			if cur.Source() == SourceRemote {
				l.log.Warn("voice listing failed, keeping current catalog",
					slog.Int("voices", cur.Len()), slog.String("error", err.Error()))
				return cur, nil
			}
			l.log.Warn("voice listing failed, using builtin catalog", slog.String("error", err.Error()))
			c = BuiltinCatalog()
		}
		l.current.Store(c)
		return c, nil
	})
	return v.(*Catalog)
}

// Contains reports whether id is present in the current catalog.
func (l *Loader) Contains(id string) bool {
	return l.Catalog().Contains(id)
}
