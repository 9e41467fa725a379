// Package textseg splits streaming LLM output into sentences suitable for
// incremental speech synthesis. Text arrives in arbitrary deltas; the
// segmenter emits complete sentences as soon as a terminator is seen and
// retains the trailing fragment for the next delta.
package textseg

import "strings"

// terminators are the runes that end a sentence. Both ASCII and CJK
// fullwidth punctuation count.
var terminators = map[rune]struct{}{
	'。': {}, '！': {}, '？': {},
	'.': {}, '!': {}, '?': {},
	';': {}, '；': {},
	':': {}, '：': {},
}

// IsTerminator reports whether r ends a sentence.
func IsTerminator(r rune) bool {
	_, ok := terminators[r]
	return ok
}

// Segmenter accumulates streamed text deltas and yields complete sentences.
// The zero value is ready to use. Segmenter is not safe for concurrent use;
// callers own one per stream.
type Segmenter struct {
	buf strings.Builder
}

// Push appends delta to the internal buffer and returns every complete
// sentence now available, in order. A sentence is complete once a terminator
// rune follows it; the terminator is included in the returned sentence. Any
// trailing text without a terminator stays buffered for the next Push.
//
// Push never drops text: concatenating all returned sentences plus the final
// Flush equals the concatenation of all pushed deltas.
func (s *Segmenter) Push(delta string) []string {
	if delta == "" {
		return nil
	}
	s.buf.WriteString(delta)

	text := s.buf.String()
	var sentences []string
	start := 0
	for i, r := range text {
		if IsTerminator(r) {
			end := i + len(string(r))
			sentences = append(sentences, text[start:end])
			start = end
		}
	}
	if len(sentences) == 0 {
		return nil
	}

	s.buf.Reset()
	s.buf.WriteString(text[start:])
	return sentences
}

// Pending returns the buffered fragment that has not yet been terminated.
func (s *Segmenter) Pending() string {
	return s.buf.String()
}

// Flush returns the buffered fragment and resets the segmenter. Called when
// the stream ends so that a reply lacking a final terminator still reaches
// the listener.
func (s *Segmenter) Flush() string {
	rest := s.buf.String()
	s.buf.Reset()
	return rest
}
