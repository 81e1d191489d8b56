package filter

import (
	"sync"
	"sync/atomic"
)

const DefaultMask = '*'

// Filter owns the live automaton. Readers never block on a rebuild: Rebuild
// compiles a fresh automaton and swaps it in.
type Filter struct {
	mu    sync.Mutex // serializes AddWords, Rebuild and ReloadBase
	cur   atomic.Pointer[Automaton]
	extra []string // words added at runtime, kept across ReloadBase
	mask  rune
}

func New(words []string, mask rune) *Filter {
	if mask == 0 {
		mask = DefaultMask
	}
	f := &Filter{mask: mask}
	f.cur.Store(Build(words))
	return f
}

// Apply masks every configured word in text. The returned matches are the raw
// scan results; an empty slice means text came back unchanged.
func (f *Filter) Apply(text string) (string, []Match) {
	matches := f.cur.Load().Scan(text)
	if len(matches) == 0 {
		return text, nil
	}
	return MaskMatches(text, matches, f.mask), matches
}

// Scan reports matches without masking.
func (f *Filter) Scan(text string) []Match {
	return f.cur.Load().Scan(text)
}

// AddWords extends the live word list. Added words survive ReloadBase.
func (f *Filter) AddWords(words ...string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range words {
		if w != "" {
			f.extra = append(f.extra, w)
		}
	}
	return f.cur.Load().AddWords(words...)
}

// Rebuild replaces the whole word list, runtime additions included. This is
// the only way to drop words.
func (f *Filter) Rebuild(words []string) int {
	a := Build(words)
	f.mu.Lock()
	f.extra = nil
	f.cur.Store(a)
	f.mu.Unlock()
	return a.Len()
}

// ReloadBase swaps in a new base list (typically the words file) and re-applies
// every word added through AddWords since the last Rebuild.
func (f *Filter) ReloadBase(base []string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	words := make([]string, 0, len(base)+len(f.extra))
	words = append(words, base...)
	words = append(words, f.extra...)
	a := Build(words)
	f.cur.Store(a)
	return a.Len()
}

func (f *Filter) Words() []string { return f.cur.Load().Words() }

func (f *Filter) Len() int { return f.cur.Load().Len() }
