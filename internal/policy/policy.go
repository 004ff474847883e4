// Package policy holds the per-category quota table.
//
// A Registry is built once at startup and never mutated afterwards, so it can
// be shared across goroutines without locking. Unknown categories always
// resolve to the "default" policy.
package policy

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/estately-labs/ratelimiter/internal/xerrors"
)

// DefaultCategory is the fallback for any category without its own policy.
const DefaultCategory = "default"

// Config is the quota applied to one category: at most MaxRequests per Window.
type Config struct {
	MaxRequests int           `json:"max_requests"`
	Window      time.Duration `json:"-"`
}

// WindowMs is the window length in milliseconds.
func (c Config) WindowMs() int64 { return c.Window.Milliseconds() }

func (c Config) validate() error {
	if c.MaxRequests <= 0 {
		return fmt.Errorf("max_requests must be > 0 (got %d)", c.MaxRequests)
	}
	if c.Window < time.Millisecond {
		return fmt.Errorf("window must be at least 1ms (got %s)", c.Window)
	}
	if c.Window%time.Millisecond != 0 {
		return fmt.Errorf("window must be a whole number of milliseconds (got %s)", c.Window)
	}
	return nil
}

// Defaults returns the built-in table: auth 5/60s, property 10/60s, default 100/60s.
func Defaults() map[string]Config {
	return map[string]Config{
		"auth":          {MaxRequests: 5, Window: time.Minute},
		"property":      {MaxRequests: 10, Window: time.Minute},
		DefaultCategory: {MaxRequests: 100, Window: time.Minute},
	}
}

type Registry struct {
	byName map[string]Config
	def    Config
}

// NewRegistry validates and copies m. m must contain DefaultCategory.
func NewRegistry(m map[string]Config) (*Registry, error) {
	def, ok := m[DefaultCategory]
	if !ok {
		return nil, xerrors.Newf("policy %q is required", DefaultCategory)
	}
	byName := make(map[string]Config, len(m))
	for name, c := range m {
		if strings.TrimSpace(name) == "" {
			return nil, xerrors.New("policy name must not be empty")
		}
		if err := c.validate(); err != nil {
			return nil, xerrors.Wrapf(err, "policy %q", name)
		}
		byName[name] = c
	}
	return &Registry{byName: byName, def: def}, nil
}

// MustDefaults is the registry of built-ins. Panics only if Defaults is broken.
func MustDefaults() *Registry {
	r, err := NewRegistry(Defaults())
	if err != nil {
		panic(err)
	}
	return r
}

// Resolve returns the policy for category, or the default policy when there is
// no exact match. Matching is case-sensitive.
func (r *Registry) Resolve(category string) Config {
	if c, ok := r.byName[category]; ok {
		return c
	}
	return r.def
}

// Known reports whether category has its own policy.
func (r *Registry) Known(category string) bool {
	_, ok := r.byName[category]
	return ok
}

// Entry is one row of the policy table, for listing.
type Entry struct {
	Category    string `json:"category"`
	MaxRequests int    `json:"maxRequests"`
	WindowMs    int64  `json:"windowMs"`
}

// Entries lists policies sorted by category name.
func (r *Registry) Entries() []Entry {
	out := make([]Entry, 0, len(r.byName))
	for name, c := range r.byName {
		out = append(out, Entry{Category: name, MaxRequests: c.MaxRequests, WindowMs: c.WindowMs()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}

// document is the on-disk shape. JSON is valid YAML so both parse here.
//
//	policies:
//	  auth: {max_requests: 5, window: 60s}
type document struct {
	Policies map[string]struct {
		MaxRequests int    `yaml:"max_requests"`
		Window      string `yaml:"window"`
	} `yaml:"policies"`
}

// Parse decodes a policy document. The result only holds what the document
// names; use Merge to overlay it on another table.
func Parse(doc []byte) (map[string]Config, error) {
	var d document
	if err := yaml.Unmarshal(doc, &d); err != nil {
		return nil, xerrors.Wrap(err, "decode policy document")
	}
	if len(d.Policies) == 0 {
		return nil, xerrors.New("policy document has no policies")
	}
	out := make(map[string]Config, len(d.Policies))
	for name, p := range d.Policies {
		w, err := time.ParseDuration(p.Window)
		if err != nil {
			return nil, xerrors.Wrapf(err, "policy %q: window", name)
		}
		c := Config{MaxRequests: p.MaxRequests, Window: w}
		if err := c.validate(); err != nil {
			return nil, xerrors.Wrapf(err, "policy %q", name)
		}
		out[name] = c
	}
	return out, nil
}

// Merge returns base with every entry of overlay applied on top. Neither input
// is modified.
func Merge(base, overlay map[string]Config) map[string]Config {
	out := make(map[string]Config, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}
