package classification

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed knowledge.yaml
var defaultKnowledge []byte

// Entry is one knowledge-base fact.
type Entry struct {
	Term      string   `yaml:"term" json:"term"`
	Aliases   []string `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	Codes     []string `yaml:"codes,omitempty" json:"codes,omitempty"`
	Status    Status   `yaml:"status" json:"status"`
	Risk      Risk     `yaml:"risk" json:"risk"`
	Category  string   `yaml:"category,omitempty" json:"category,omitempty"`
	Rationale string   `yaml:"rationale" json:"rationale"`
}

type knowledgeFile struct {
	Version int     `yaml:"version"`
	Entries []Entry `yaml:"entries"`
}

// Match is a knowledge-base hit.
type Match struct {
	Entry  Entry
	Source Source
	Term   string
}

type phrase struct {
	key    string
	tokens []string
	entry  int
}

type codeKey struct {
	code  string
	entry int
}

// KnowledgeBase answers exact, substring and additive-code lookups over a
// fixed set of entries. It is immutable once built.
type KnowledgeBase struct {
	entries []Entry
	exact   map[string]int
	phrases []phrase
	codes   []codeKey
}

// ParseKnowledge decodes a YAML knowledge file.
func ParseKnowledge(data []byte) ([]Entry, error) {
	var f knowledgeFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse knowledge base: %w", err)
	}
	return f.Entries, nil
}

// DefaultKnowledgeBase builds the embedded knowledge base.
func DefaultKnowledgeBase() (*KnowledgeBase, error) {
	entries, err := ParseKnowledge(defaultKnowledge)
	if err != nil {
		return nil, err
	}
	return NewKnowledgeBase(entries)
}

// LoadKnowledgeBase builds the embedded knowledge base extended by the entries
// in path. File entries win when a term or alias collides. An empty path
// yields the embedded base.
func LoadKnowledgeBase(path string) (*KnowledgeBase, error) {
	entries, err := ParseKnowledge(defaultKnowledge)
	if err != nil {
		return nil, err
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read knowledge file: %w", err)
		}
		extra, err := ParseKnowledge(data)
		if err != nil {
			return nil, err
		}
		entries = append(entries, extra...)
	}
	return NewKnowledgeBase(entries)
}

// NewKnowledgeBase validates and indexes entries. Later entries override
// earlier ones on colliding terms.
func NewKnowledgeBase(entries []Entry) (*KnowledgeBase, error) {
	kb := &KnowledgeBase{exact: make(map[string]int)}

	for i, e := range entries {
		status, ok := ParseStatus(string(e.Status))
		if !ok {
			return nil, fmt.Errorf("knowledge entry %d (%q): unknown status %q", i, e.Term, e.Status)
		}
		e.Status = status
		e.Risk = ParseRisk(string(e.Risk))
		if Normalize(e.Term) == "" {
			return nil, fmt.Errorf("knowledge entry %d: empty term", i)
		}
		idx := len(kb.entries)
		kb.entries = append(kb.entries, e)

		for _, name := range append([]string{e.Term}, e.Aliases...) {
			key := Normalize(name)
			if key == "" {
				continue
			}
			kb.exact[key] = idx
		}
		for _, c := range e.Codes {
			if code := canonicalCode(c); code != "" {
				kb.codes = append(kb.codes, codeKey{code: code, entry: idx})
			}
		}
	}

	// Rebuild phrases from the exact index so overrides apply to substring hits too.
	for key, idx := range kb.exact {
		kb.phrases = append(kb.phrases, phrase{key: key, tokens: strings.Fields(key), entry: idx})
	}
	sort.Slice(kb.phrases, func(i, j int) bool { return kb.phrases[i].key < kb.phrases[j].key })

	// Longer codes first so e472e beats e472.
	sort.SliceStable(kb.codes, func(i, j int) bool { return len(kb.codes[i].code) > len(kb.codes[j].code) })
	return kb, nil
}

// Len returns the number of entries.
func (kb *KnowledgeBase) Len() int { return len(kb.entries) }

// Entries returns a copy of the indexed entries.
func (kb *KnowledgeBase) Entries() []Entry {
	out := make([]Entry, len(kb.entries))
	copy(out, kb.entries)
	return out
}

// Lookup resolves a normalized ingredient name: exact term, then whole-word
// substring in either direction, then additive-code prefix.
func (kb *KnowledgeBase) Lookup(name string) (Match, bool) {
	if name == "" {
		return Match{}, false
	}
	if idx, ok := kb.exact[name]; ok {
		return Match{Entry: kb.entries[idx], Source: SourceExact, Term: name}, true
	}
	if m, ok := kb.lookupSubstring(name); ok {
		return m, true
	}
	return kb.lookupCode(name)
}

func (kb *KnowledgeBase) lookupSubstring(name string) (Match, bool) {
	tokens := strings.Fields(name)

	// KB terms inside the ingredient ("enriched wheat flour").
	best := -1
	for i, p := range kb.phrases {
		if containsTokens(tokens, p.tokens) && (best < 0 || kb.better(p, kb.phrases[best])) {
			best = i
		}
	}

	// The ingredient inside KB terms ("oil"). Only used when every candidate
	// agrees on the verdict; "acid" alone stays unresolved.
	if best < 0 {
		var status Status
		for i, p := range kb.phrases {
			if !containsTokens(p.tokens, tokens) {
				continue
			}
			st := kb.entries[p.entry].Status
			if best >= 0 && st != status {
				return Match{}, false
			}
			if best < 0 || kb.better(p, kb.phrases[best]) {
				best = i
			}
			status = st
		}
	}

	if best < 0 {
		return Match{}, false
	}
	p := kb.phrases[best]
	return Match{Entry: kb.entries[p.entry], Source: SourceSubstring, Term: p.key}, true
}

// better prefers the more severe verdict, then the longer term.
func (kb *KnowledgeBase) better(p, cur phrase) bool {
	ps, cs := kb.entries[p.entry].Status.Severity(), kb.entries[cur.entry].Status.Severity()
	if ps != cs {
		return ps > cs
	}
	return len(p.key) > len(cur.key)
}

var codePattern = regexp.MustCompile(`\b(?:e|ins)\s*-?\s*(\d{3,4}[a-z]?)\b`)

func canonicalCode(s string) string {
	m := codePattern.FindStringSubmatch(strings.ToLower(strings.TrimSpace(s)))
	if m == nil {
		return ""
	}
	return "e" + m[1]
}

func (kb *KnowledgeBase) lookupCode(name string) (Match, bool) {
	for _, m := range codePattern.FindAllStringSubmatch(name, -1) {
		code := "e" + m[1]
		for _, c := range kb.codes {
			if strings.HasPrefix(code, c.code) {
				return Match{Entry: kb.entries[c.entry], Source: SourceCode, Term: c.code}, true
			}
		}
	}
	return Match{}, false
}

// containsTokens reports whether needle occurs as a contiguous run in hay.
func containsTokens(hay, needle []string) bool {
	if len(needle) == 0 || len(needle) > len(hay) {
		return false
	}
	for i := 0; i+len(needle) <= len(hay); i++ {
		match := true
		for j := range needle {
			if hay[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
