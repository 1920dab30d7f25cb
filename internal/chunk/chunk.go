// Package chunk splits oversized text into bounded segments and joins the
// per-segment results back together.
package chunk

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/clipperhouse/uax29/v2/sentences"
)

// Separator joins chunk-level results in Recombine.
const Separator = "\n\n"

// Split returns text as an ordered list of segments of at most maxSize runes.
//
// Sentences are packed greedily. A sentence larger than maxSize is split after
// commas and semicolons, and a clause still larger than maxSize is split at
// whitespace. Words are never broken, so a single word longer than maxSize is
// returned as its own oversized segment. Segments are trimmed and never empty.
// Input that fits, or that has no split point at all, comes back unchanged as
// the only element.
func Split(text string, maxSize int) []string {
	if maxSize <= 0 || utf8.RuneCountInString(text) <= maxSize {
		return []string{text}
	}
	if strings.TrimSpace(text) == "" || !strings.ContainsFunc(strings.TrimSpace(text), unicode.IsSpace) {
		return []string{text}
	}

	var b builder
	b.max = maxSize
	for _, s := range segmentSentences(text) {
		b.addSentence(s)
	}
	b.flush()
	if len(b.out) == 0 {
		return []string{text}
	}
	return b.out
}

// Recombine joins per-chunk results in order.
func Recombine(parts []string) string {
	return strings.Join(parts, Separator)
}

type builder struct {
	max int
	out []string
	cur strings.Builder
	n   int // runes in cur
}

func (b *builder) addSentence(s string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return
	}
	if size(s) > b.max {
		for _, c := range splitClauses(s) {
			b.addClause(c)
		}
		return
	}
	b.add(s)
}

func (b *builder) addClause(c string) {
	if size(c) <= b.max {
		b.add(c)
		return
	}
	for _, w := range strings.Fields(c) {
		b.add(w)
	}
}

// add appends piece to the running chunk, flushing first when it would not fit.
func (b *builder) add(piece string) {
	n := size(piece)
	if b.n > 0 && b.n+1+n > b.max {
		b.flush()
	}
	if b.n > 0 {
		b.cur.WriteByte(' ')
		b.n++
	}
	b.cur.WriteString(piece)
	b.n += n
}

func (b *builder) flush() {
	if b.n == 0 {
		return
	}
	b.out = append(b.out, b.cur.String())
	b.cur.Reset()
	b.n = 0
}

func size(s string) int { return utf8.RuneCountInString(s) }

// segmentSentences uses Unicode sentence boundaries (UAX #29). A boundary
// with no whitespace before it ("Really?Yes") is merged back so that chunks
// only ever break where the input already had a space.
func segmentSentences(text string) []string {
	var out []string
	seg := sentences.FromString(text)
	for seg.Next() {
		s := seg.Value()
		if n := len(out); n > 0 && !endsWithSpace(out[n-1]) {
			out[n-1] += s
			continue
		}
		out = append(out, s)
	}
	return out
}

func endsWithSpace(s string) bool {
	r, _ := utf8.DecodeLastRuneInString(s)
	return unicode.IsSpace(r)
}

// splitClauses cuts s after every ',' or ';' that is followed by whitespace.
func splitClauses(s string) []string {
	var out []string
	start := 0
	for i, r := range s {
		if r != ',' && r != ';' {
			continue
		}
		next, _ := utf8.DecodeRuneInString(s[i+1:])
		if !unicode.IsSpace(next) {
			continue
		}
		if c := strings.TrimSpace(s[start : i+1]); c != "" {
			out = append(out, c)
		}
		start = i + 1
	}
	if c := strings.TrimSpace(s[start:]); c != "" {
		out = append(out, c)
	}
	return out
}
