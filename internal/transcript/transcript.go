// Package transcript corrects recognized utterances against a configured
// hotword list before they reach the language model.
//
// Speech recognizers reliably mangle proper nouns the model needs verbatim
// (product names, people, internal jargon). The corrector aligns transcript
// tokens with hotwords in two stages:
//
//  1. Phonetic candidate filtering: Double Metaphone codes are computed for
//     the input token and each hotword; overlapping codes make the hotword a
//     candidate.
//  2. Jaro-Winkler ranking: among phonetic candidates the highest-scoring
//     hotword wins, provided it clears the phonetic threshold. Without a
//     phonetic candidate, a pure similarity pass applies with a stricter
//     fuzzy threshold.
//
// Multi-word hotwords are matched against n-gram windows of the transcript,
// longest window first.
package transcript

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Correction records one replacement made by the corrector.
type Correction struct {
	// Original is the transcript span that was replaced.
	Original string
	// Hotword is the configured term it was replaced with.
	Hotword string
	// Confidence is the Jaro-Winkler score of the accepted match.
	Confidence float64
}

// Option is a functional option for configuring a [Corrector].
type Option func(*Corrector)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched hotword to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(c *Corrector) {
		c.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic match is found and the corrector falls back to pure string
// similarity. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(c *Corrector) {
		c.fuzzyThreshold = threshold
	}
}

// Corrector rewrites final transcripts against a fixed hotword list.
// It is read-only after construction and safe for concurrent use.
type Corrector struct {
	phoneticThreshold float64
	fuzzyThreshold    float64

	hotwords []hotword
	maxWords int
}

// hotword caches the per-term data needed for matching.
type hotword struct {
	term   string
	lower  string
	tokens []string
	codes  map[string]struct{}
}

// New returns a Corrector for the given hotwords. An empty list yields a
// no-op corrector; Enabled reports whether correction will do anything.
func New(hotwords []string, opts ...Option) *Corrector {
	c := &Corrector{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(c)
	}
	for _, term := range hotwords {
		lower := strings.ToLower(strings.TrimSpace(term))
		if lower == "" {
			continue
		}
		tokens := strings.Fields(lower)
		c.hotwords = append(c.hotwords, hotword{
			term:   strings.TrimSpace(term),
			lower:  lower,
			tokens: tokens,
			codes:  codesForTokens(tokens),
		})
		if len(tokens) > c.maxWords {
			c.maxWords = len(tokens)
		}
	}
	return c
}

// Enabled reports whether any hotwords are configured.
func (c *Corrector) Enabled() bool { return len(c.hotwords) > 0 }

// Correct aligns text with the hotword list and returns the corrected text
// plus the corrections applied, in order. Text without whitespace-separated
// tokens (typical for pure CJK transcripts) passes through untouched unless
// a window matches the whole string.
func (c *Corrector) Correct(text string) (string, []Correction) {
	if !c.Enabled() {
		return text, nil
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}

	var out []string
	var corrections []Correction

	i := 0
	for i < len(tokens) {
		maxN := c.maxWords
		if i+maxN > len(tokens) {
			maxN = len(tokens) - i
		}

		matched := false
		// Longest window first so multi-word hotwords beat partial
		// single-word matches.
		for n := maxN; n >= 1; n-- {
			window := strings.Join(tokens[i:i+n], " ")
			term, conf, ok := c.match(window)
			if !ok {
				continue
			}
			if !strings.EqualFold(window, term) {
				corrections = append(corrections, Correction{
					Original:   window,
					Hotword:    term,
					Confidence: conf,
				})
			}
			out = append(out, term)
			i += n
			matched = true
			break
		}
		if !matched {
			out = append(out, tokens[i])
			i++
		}
	}

	return strings.Join(out, " "), corrections
}

// match finds the best hotword for one window.
func (c *Corrector) match(window string) (term string, confidence float64, ok bool) {
	windowLower := strings.ToLower(window)
	windowTokens := strings.Fields(windowLower)
	windowCodes := codesForTokens(windowTokens)

	type candidate struct {
		term     string
		score    float64
		phonetic bool
	}
	var best candidate

	for _, hw := range c.hotwords {
		jwScore := bestJWScore(windowTokens, hw.tokens, windowLower, hw.lower)

		if codesOverlap(windowCodes, hw.codes) {
			if jwScore >= c.phoneticThreshold {
				if !best.phonetic || jwScore > best.score {
					best = candidate{term: hw.term, score: jwScore, phonetic: true}
				}
			}
		} else if !best.phonetic {
			if jwScore >= c.fuzzyThreshold && jwScore > best.score {
				best = candidate{term: hw.term, score: jwScore}
			}
		}
	}

	if best.term == "" {
		return "", 0, false
	}
	return best.term, best.score, true
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes (words too short or without consonants) are
// excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore computes the highest Jaro-Winkler similarity between the
// window and the hotword using full-string, space-stripped, and best
// pairwise token comparisons. The pairwise pass covers the common case of
// one misheard word inside a multi-word term.
func bestJWScore(inputTokens, termTokens []string, inputFull, termFull string) float64 {
	score := matchr.JaroWinkler(inputFull, termFull, false)

	if len(inputTokens) > 1 || len(termTokens) > 1 {
		concat1 := strings.Join(inputTokens, "")
		concat2 := strings.Join(termTokens, "")
		if s := matchr.JaroWinkler(concat1, concat2, false); s > score {
			score = s
		}
	}

	for _, it := range inputTokens {
		for _, tt := range termTokens {
			if s := matchr.JaroWinkler(it, tt, false); s > score {
				score = s
			}
		}
	}

	return score
}
