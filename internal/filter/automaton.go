// Package filter implements sensitive-word detection and masking for danmaku text.
//
// Words are compiled into a prefix tree stored as a flat arena: nodes live in a
// slice and children are resolved through a single (parent, rune) edge table, so
// the automaton owns every node and there are no pointer cycles.
//
// Matching is case-insensitive and works on runes, so offsets in a Match are rune
// offsets rather than byte offsets.
package filter

import (
	"sort"
	"strings"
	"sync"
	"unicode"
)

const root int32 = 0

type edge struct {
	from int32
	r    rune
}

type node struct {
	terminal bool
	word     string
}

// Match is one occurrence of a configured word inside a text, End is exclusive.
type Match struct {
	Word  string `json:"word"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// Len is the number of runes covered by the match.
func (m Match) Len() int { return m.End - m.Start }

// Automaton is safe for concurrent Scan and AddWords. Words can only be added;
// dropping one means building a new Automaton.
type Automaton struct {
	mu    sync.RWMutex
	nodes []node
	edges map[edge]int32
	words []string
}

// Build compiles words into a new automaton. Blank entries are ignored.
func Build(words []string) *Automaton {
	a := &Automaton{
		nodes: make([]node, 1, 64),
		edges: make(map[edge]int32, 64),
	}
	a.insertAll(words)
	return a
}

// AddWords inserts new terminal paths into the live automaton and returns how
// many words were not already present.
func (a *Automaton) AddWords(words ...string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.insertAll(words)
}

func (a *Automaton) insertAll(words []string) int {
	added := 0
	for _, w := range words {
		if a.insert(w) {
			added++
		}
	}
	return added
}

func (a *Automaton) insert(word string) bool {
	word = normalizeWord(word)
	if word == "" {
		return false
	}
	cur := root
	for _, r := range word {
		e := edge{from: cur, r: r}
		next, ok := a.edges[e]
		if !ok {
			a.nodes = append(a.nodes, node{})
			next = int32(len(a.nodes) - 1)
			a.edges[e] = next
		}
		cur = next
	}
	if a.nodes[cur].terminal {
		return false
	}
	a.nodes[cur].terminal = true
	a.nodes[cur].word = word
	a.words = append(a.words, word)
	return true
}

// Scan walks the automaton from every start offset and reports a match at
// every terminal node reached. Cost is O(len(text) * longest matched prefix).
func (a *Automaton) Scan(text string) []Match {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	for i, r := range runes {
		runes[i] = unicode.ToLower(r)
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.words) == 0 {
		return nil
	}

	var matches []Match
	for start := range runes {
		cur := root
		for i := start; i < len(runes); i++ {
			next, ok := a.edges[edge{from: cur, r: runes[i]}]
			if !ok {
				break
			}
			cur = next
			if n := a.nodes[cur]; n.terminal {
				matches = append(matches, Match{Word: n.word, Start: start, End: i + 1})
			}
		}
	}
	return matches
}

// Words returns the configured words in insertion order.
func (a *Automaton) Words() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, len(a.words))
	copy(out, a.words)
	return out
}

// Len is the number of distinct words in the automaton.
func (a *Automaton) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.words)
}

// MaskMatches replaces matched spans with runs of mask. Longer matches are
// applied first and a match touching an already masked position is skipped, so
// overlapping words yield one span and no rune is masked twice. With no
// matches the text is returned unchanged.
func MaskMatches(text string, matches []Match, mask rune) string {
	if len(matches) == 0 {
		return text
	}
	ordered := make([]Match, len(matches))
	copy(ordered, matches)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Len() != ordered[j].Len() {
			return ordered[i].Len() > ordered[j].Len()
		}
		return ordered[i].Start < ordered[j].Start
	})

	runes := []rune(text)
	masked := make([]bool, len(runes))
	for _, m := range ordered {
		if m.Start < 0 || m.End > len(runes) || m.Start >= m.End {
			continue
		}
		if overlapsMasked(masked, m) {
			continue
		}
		for i := m.Start; i < m.End; i++ {
			runes[i] = mask
			masked[i] = true
		}
	}
	return string(runes)
}

func overlapsMasked(masked []bool, m Match) bool {
	for i := m.Start; i < m.End; i++ {
		if masked[i] {
			return true
		}
	}
	return false
}

func normalizeWord(w string) string {
	return strings.ToLower(strings.TrimSpace(w))
}
