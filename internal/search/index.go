// Package search provides a small, deterministic, concurrency-safe in-memory
// name index used to translate human-readable search criteria (city,
// service, doctor, clinic) into portal dictionary IDs.
//
//   - No logging in the library (callers decide how/what to log)
//   - Functional options (Option pattern)
//   - Diacritic-insensitive, Unicode-aware tokenization ("Kraków" == "krakow")
//   - Immutable, read-only index after construction (safe for concurrent use)
//   - Deterministic scoring and sorting (stable order for ties)
//
// Scoring uses Jaccard similarity between the query token set and each
// name's token set: score = |Q ∩ N| / |Q ∪ N|. A name whose normalized form
// equals the normalized query always scores 1.
package search

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Entry is one dictionary item.
type Entry struct {
	ID   int64
	Name string
}

// Match is a ranked entry with its similarity score.
type Match struct {
	Entry
	Score float64
}

// Index is the minimal interface implemented by all name indices.
type Index interface {
	TopK(query string, k int) []Match
	Best(query string) (Match, bool)
	Len() int
}

// ----------------------------------------------------------------------------
// Options

type Option func(*config)

type config struct {
	stopwords map[string]struct{}
	minScore  float64
}

func defaultConfig() config {
	return config{
		stopwords: nil,
		minScore:  0.5,
	}
}

// WithStopwords ignores the given words (e.g. academic titles) on both
// sides of the comparison.
func WithStopwords(ws []string) Option {
	return func(c *config) {
		m := make(map[string]struct{}, len(ws))
		for _, w := range ws {
			for _, tok := range words(w, nil) {
				m[tok] = struct{}{}
			}
		}
		if len(m) > 0 {
			c.stopwords = m
		}
	}
}

// WithMinScore sets the score Best requires to accept a match. Values
// outside (0,1] are ignored.
func WithMinScore(s float64) Option {
	return func(c *config) {
		if s > 0 && s <= 1 {
			c.minScore = s
		}
	}
}

// ----------------------------------------------------------------------------
// Implementation

type doc struct {
	entry  Entry
	folded string
	tokens map[string]struct{}
	tLen   int
}

type index struct {
	cfg  config
	docs []doc
}

// NewNameIndex builds an Index over entries. Entries with no usable tokens
// are skipped.
func NewNameIndex(entries []Entry, opts ...Option) Index {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	docs := make([]doc, 0, len(entries))
	for _, e := range entries {
		toks := tokenize(e.Name, cfg.stopwords)
		if len(toks) == 0 {
			continue
		}
		docs = append(docs, doc{entry: e, folded: joinTokens(e.Name, cfg.stopwords), tokens: toks, tLen: len(toks)})
	}
	return &index{cfg: cfg, docs: docs}
}

// Len returns the number of indexed names.
func (i *index) Len() int { return len(i.docs) }

// TopK returns up to k best-matching entries by Jaccard similarity.
func (i *index) TopK(q string, k int) []Match {
	if len(i.docs) == 0 || strings.TrimSpace(q) == "" {
		return nil
	}
	if k <= 0 {
		k = 3
	}
	qTokens := tokenize(q, i.cfg.stopwords)
	if len(qTokens) == 0 {
		return nil
	}
	qLen := len(qTokens)
	qFolded := joinTokens(q, i.cfg.stopwords)

	buf := make([]Match, 0, min(k*4, len(i.docs)))
	for _, d := range i.docs {
		var score float64
		if d.folded == qFolded {
			score = 1
		} else {
			over := overlap(qTokens, d.tokens)
			if over == 0 {
				continue
			}
			union := float64(qLen + d.tLen - over)
			if union <= 0 {
				continue
			}
			score = float64(over) / union
		}
		buf = append(buf, Match{Entry: d.entry, Score: score})
	}
	if len(buf) == 0 {
		return nil
	}

	sort.SliceStable(buf, func(a, b int) bool {
		if buf[a].Score != buf[b].Score {
			return buf[a].Score > buf[b].Score
		}
		if len(buf[a].Name) != len(buf[b].Name) {
			return len(buf[a].Name) < len(buf[b].Name)
		}
		return buf[a].ID < buf[b].ID
	})

	if k > len(buf) {
		k = len(buf)
	}
	return buf[:k]
}

// Best returns the top match when it reaches the configured minimum score.
func (i *index) Best(q string) (Match, bool) {
	top := i.TopK(q, 1)
	if len(top) == 0 || top[0].Score < i.cfg.minScore {
		return Match{}, false
	}
	return top[0], true
}

// ----------------------------------------------------------------------------
// Helpers

var wordRE = regexp.MustCompile(`\p{L}+\p{N}*|\p{N}+`)

// folder strips combining marks after decomposition. Letters with no
// decomposition (Polish ł, Danish ø) are mapped explicitly.
var folder = transform.Chain(
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)),
	runes.Map(func(r rune) rune {
		switch r {
		case 'ł':
			return 'l'
		case 'Ł':
			return 'L'
		case 'ø':
			return 'o'
		case 'Ø':
			return 'O'
		}
		return r
	}),
	norm.NFC,
)

func fold(s string) string {
	out, _, err := transform.String(folder, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

func words(s string, stop map[string]struct{}) []string {
	all := wordRE.FindAllString(fold(s), -1)
	out := all[:0]
	for _, w := range all {
		if stop != nil {
			if _, skip := stop[w]; skip {
				continue
			}
		}
		out = append(out, w)
	}
	return out
}

func tokenize(s string, stop map[string]struct{}) map[string]struct{} {
	ws := words(s, stop)
	if len(ws) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(ws))
	for _, w := range ws {
		out[w] = struct{}{}
	}
	return out
}

func joinTokens(s string, stop map[string]struct{}) string {
	return strings.Join(words(s, stop), " ")
}

func overlap(a, b map[string]struct{}) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	n := 0
	if len(a) > len(b) {
		a, b = b, a
	}
	for k := range a {
		if _, ok := b[k]; ok {
			n++
		}
	}
	return n
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
