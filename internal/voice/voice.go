// Package voice holds the synthesis voice catalog: the static builtin list,
// remote listing, and the fallback policy that ties them together.
package voice

import (
	"sort"
	"sync"
)

// Gender of a synthesis persona.
type Gender string

const (
	Male   Gender = "Male"
	Female Gender = "Female"
)

// Voice is a named synthesis persona. Voices are immutable once loaded.
type Voice struct {
	ID            string `json:"id"`
	DisplayName   string `json:"displayName"`
	Gender        Gender `json:"gender"`
	LanguageLabel string `json:"language"`
	LanguageCode  string `json:"languageCode"`
}

// Source records where a catalog came from.
type Source string

const (
	SourceBuiltin Source = "builtin"
	SourceRemote  Source = "remote"
)

// Catalog is a read-only set of voices keyed by ID. It is safe for
// concurrent readers; reloading produces a new Catalog.
type Catalog struct {
	voices []Voice
	byID   map[string]Voice
	source Source
}

// NewCatalog builds a catalog from voices. Entries with an empty ID are
// dropped and the first occurrence of a duplicate ID wins.
func NewCatalog(voices []Voice, source Source) *Catalog {
	c := &Catalog{
		voices: make([]Voice, 0, len(voices)),
		byID:   make(map[string]Voice, len(voices)),
		source: source,
	}
	for _, v := range voices {
		if v.ID == "" {
			continue
		}
		if _, dup := c.byID[v.ID]; dup {
			continue
		}
		if v.DisplayName == "" {
			v.DisplayName = v.ID
		}
		c.byID[v.ID] = v
		c.voices = append(c.voices, v)
	}
	return c
}

// Lookup returns the voice with the given id.
func (c *Catalog) Lookup(id string) (Voice, bool) {
	if c == nil {
		return Voice{}, false
	}
	v, ok := c.byID[id]
	return v, ok
}

// Contains reports whether id names a voice in the catalog.
func (c *Catalog) Contains(id string) bool {
	_, ok := c.Lookup(id)
	return ok
}

// List returns a copy of the voices in catalog order.
func (c *Catalog) List() []Voice {
	if c == nil {
		return nil
	}
	out := make([]Voice, len(c.voices))
	copy(out, c.voices)
	return out
}

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.voices)
}

func (c *Catalog) Source() Source {
	if c == nil {
		return ""
	}
	return c.source
}

// Languages returns the distinct language codes in the catalog, sorted.
func (c *Catalog) Languages() []string {
	if c == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	for _, v := range c.voices {
		if v.LanguageCode == "" {
			continue
		}
		if _, ok := seen[v.LanguageCode]; ok {
			continue
		}
		seen[v.LanguageCode] = struct{}{}
		out = append(out, v.LanguageCode)
	}
	sort.Strings(out)
	return out
}

var (
	builtinOnce    sync.Once
	builtinCatalog *Catalog
)

// BuiltinCatalog returns the shared catalog built from Builtin.
func BuiltinCatalog() *Catalog {
	builtinOnce.Do(func() {
		builtinCatalog = NewCatalog(Builtin(), SourceBuiltin)
	})
	return builtinCatalog
}
