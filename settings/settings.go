// Package settings resolves the paging configuration of an address from
// wildcard patterns. Words of an address are separated by '.', '*' matches
// exactly one word and '#' matches any number of words, including none.
package settings

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

type FullPolicy string

const (
	// PolicyPage writes messages to page files once the address is full.
	PolicyPage FullPolicy = "PAGE"
	// PolicyDrop discards messages sent to a full address.
	PolicyDrop FullPolicy = "DROP"
)

func ParseFullPolicy(s string) (FullPolicy, error) {
	switch p := FullPolicy(strings.ToUpper(s)); p {
	case PolicyPage, PolicyDrop:
		return p, nil
	case "":
		return "", nil
	default:
		return "", fmt.Errorf("unknown address full policy %q", s)
	}
}

const (
	Unlimited              int64 = -1
	DefaultPageSizeBytes   int64 = 10 * 1024 * 1024
	DefaultMaxSizeBytes          = Unlimited
	DefaultAddressFullMode       = PolicyPage
)

// AddressSettings holds the paging thresholds of an address. A zero field is
// unset and inherits the value of a less specific match.
type AddressSettings struct {
	// MaxSizeBytes is the memory an address may hold before paging or dropping, -1 for no limit.
	MaxSizeBytes  int64
	PageSizeBytes int64
	FullPolicy    FullPolicy
}

// Defaults are applied below every match.
func Defaults() AddressSettings {
	return AddressSettings{
		MaxSizeBytes:  DefaultMaxSizeBytes,
		PageSizeBytes: DefaultPageSizeBytes,
		FullPolicy:    DefaultAddressFullMode,
	}
}

// merge fills the unset fields of s from parent.
func (s AddressSettings) merge(parent AddressSettings) AddressSettings {
	if s.MaxSizeBytes == 0 {
		s.MaxSizeBytes = parent.MaxSizeBytes
	}
	if s.PageSizeBytes == 0 {
		s.PageSizeBytes = parent.PageSizeBytes
	}
	if s.FullPolicy == "" {
		s.FullPolicy = parent.FullPolicy
	}
	return s
}

func (s AddressSettings) IsDrop() bool {
	return s.FullPolicy == PolicyDrop
}

type match struct {
	pattern  string
	globs    []glob.Glob
	settings AddressSettings

	literal bool
	words   int
	hashes  int
	stars   int
}

// moreSpecific orders an exact pattern first, then patterns with more literal words.
func (m *match) moreSpecific(o *match) bool {
	if m.literal != o.literal {
		return m.literal
	}
	if m.words != o.words {
		return m.words > o.words
	}
	if m.hashes != o.hashes {
		return m.hashes < o.hashes
	}
	if m.stars != o.stars {
		return m.stars < o.stars
	}
	return m.pattern < o.pattern
}

// Repository is safe for concurrent use.
type Repository struct {
	mu       sync.RWMutex
	defaults AddressSettings
	matches  map[string]*match
	cache    map[string]AddressSettings
}

func NewRepository(defaults AddressSettings) *Repository {
	return &Repository{
		defaults: defaults.merge(Defaults()),
		matches:  map[string]*match{},
		cache:    map[string]AddressSettings{},
	}
}

// AddMatch registers settings for pattern, replacing an earlier registration of the same pattern.
func (r *Repository) AddMatch(pattern string, s AddressSettings) error {
	m, err := compile(pattern)
	if err != nil {
		return err
	}
	m.settings = s

	r.mu.Lock()
	defer r.mu.Unlock()
	r.matches[pattern] = m
	r.cache = map[string]AddressSettings{}
	return nil
}

func (r *Repository) RemoveMatch(pattern string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.matches, pattern)
	r.cache = map[string]AddressSettings{}
}

// Match merges the settings of every pattern matching address, the most specific first.
func (r *Repository) Match(address string) AddressSettings {
	r.mu.RLock()
	if s, ok := r.cache[address]; ok {
		r.mu.RUnlock()
		return s
	}
	var found []*match
	for _, m := range r.matches {
		if m.matches(address) {
			found = append(found, m)
		}
	}
	r.mu.RUnlock()

	sort.Slice(found, func(i, j int) bool { return found[i].moreSpecific(found[j]) })
	var s AddressSettings
	for _, m := range found {
		s = s.merge(m.settings)
	}
	s = s.merge(r.defaults)

	r.mu.Lock()
	r.cache[address] = s
	r.mu.Unlock()
	return s
}

func compile(pattern string) (*match, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty address pattern")
	}
	m := &match{pattern: pattern, literal: true}
	words := strings.Split(pattern, ".")
	for _, w := range words {
		switch w {
		case "#":
			m.literal = false
			m.hashes++
		case "*":
			m.literal = false
			m.stars++
		default:
			m.words++
		}
	}
	for _, variant := range expand(words) {
		g, err := glob.Compile(variant, '.')
		if err != nil {
			return nil, fmt.Errorf("compile address pattern %q: %w", pattern, err)
		}
		m.globs = append(m.globs, g)
	}
	return m, nil
}

func (m *match) matches(address string) bool {
	for _, g := range m.globs {
		if g.Match(address) {
			return true
		}
	}
	return false
}

// expand turns words into glob patterns. Each '#' either vanishes with its
// separator or becomes '**', which covers one or more words.
func expand(words []string) []string {
	variants := [][]string{nil}
	for _, w := range words {
		var next [][]string
		for _, v := range variants {
			switch w {
			case "#":
				next = append(next, v, append(append([]string(nil), v...), "**"))
			case "*":
				next = append(next, append(append([]string(nil), v...), "*"))
			default:
				next = append(next, append(append([]string(nil), v...), glob.QuoteMeta(w)))
			}
		}
		variants = next
	}
	out := make([]string, 0, len(variants))
	seen := map[string]bool{}
	for _, v := range variants {
		p := strings.Join(v, ".")
		if len(v) == 0 {
			// a pattern made of '#' only matches everything
			p = "**"
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
