// Package chunker splits page text into overlapping chunks sized for
// embedding.
package chunker

import (
	"sort"
	"strings"
	"unicode"
)

// Chunk is a contiguous span of document text. The first OverlapChars runes
// of Text repeat the end of the previous chunk.
type Chunk struct {
	DocumentID   string `json:"document_id"`
	Index        int    `json:"index"`
	Pages        []int  `json:"pages"`
	Text         string `json:"text"`
	Chars        int    `json:"chars"`
	Tokens       int    `json:"tokens"`
	OverlapChars int    `json:"overlap_chars"`
}

// Page returns the first page the chunk's new content came from.
func (c Chunk) Page() int {
	if len(c.Pages) == 0 {
		return 0
	}
	return c.Pages[0]
}

// NewText is the chunk text without the overlap prefix.
func (c Chunk) NewText() string {
	r := []rune(c.Text)
	if c.OverlapChars >= len(r) {
		return ""
	}
	return string(r[c.OverlapChars:])
}

// PageText is one page of extracted text.
type PageText struct {
	Number int
	Text   string
}

type Options struct {
	MinChars     int
	MaxChars     int
	OverlapRatio float64
	Counter      TokenCounter
}

func DefaultOptions() Options {
	return Options{
		MinChars:     200,
		MaxChars:     1000,
		OverlapRatio: 0.2,
		Counter:      EstimateCounter{},
	}
}

// Chunker is stateless and safe for concurrent use.
type Chunker struct {
	opts Options
}

func New(opts Options) *Chunker {
	d := DefaultOptions()
	if opts.MinChars <= 0 {
		opts.MinChars = d.MinChars
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = d.MaxChars
	}
	if opts.MinChars > opts.MaxChars {
		opts.MinChars = opts.MaxChars
	}
	if opts.OverlapRatio < 0 || opts.OverlapRatio >= 1 {
		opts.OverlapRatio = d.OverlapRatio
	}
	if opts.Counter == nil {
		opts.Counter = d.Counter
	}
	return &Chunker{opts: opts}
}

// boundaryTolerance is the fraction of MaxChars below the cut limit searched
// for paragraph and sentence breaks.
const boundaryTolerance = 0.2

// Split chunks the pages of one document. Pages are flushed at their own
// boundary when they fit, so short documents produce one chunk per page. A
// page longer than MaxChars is cut at the best break at or below MaxChars;
// a trailing fragment shorter than MinChars is carried into the next page.
// Empty input yields no chunks.
func (c *Chunker) Split(docID string, pages []PageText) []Chunk {
	w := &window{opts: c.opts, docID: docID}
	for _, p := range pages {
		if strings.TrimSpace(p.Text) == "" {
			continue
		}
		w.add(p.Number, p.Text)
		w.splitOverflow()
		if w.wholePage || w.newLen() >= c.opts.MinChars {
			w.flush()
		}
	}
	w.flush()
	return w.out
}

// window holds the carried overlap followed by text not yet emitted, with
// the page of every rune.
type window struct {
	opts  Options
	docID string

	text      []rune
	pages     []int
	carry     int  // leading runes that repeat the previous chunk
	wholePage bool // pending text is exactly one complete page
	out       []Chunk
}

func (w *window) newLen() int {
	return len(w.text) - w.carry
}

func (w *window) add(page int, text string) {
	rs := []rune(strings.TrimSpace(text))
	w.wholePage = w.newLen() == 0
	if len(w.text) > 0 {
		w.text = append(w.text, '\n', '\n')
		w.pages = append(w.pages, page, page)
		if w.wholePage {
			// Separator after a bare carry belongs to the overlap prefix.
			w.carry += 2
		}
	}
	w.text = append(w.text, rs...)
	for range rs {
		w.pages = append(w.pages, page)
	}
}

func (w *window) splitOverflow() {
	for len(w.text) > w.opts.MaxChars {
		w.wholePage = false
		cut := w.findCut()
		w.emit(cut)
	}
}

func (w *window) flush() {
	if w.newLen() <= 0 || strings.TrimSpace(string(w.text[w.carry:])) == "" {
		return
	}
	w.emit(len(w.text))
	w.wholePage = false
}

// findCut picks the end of the next chunk: the latest paragraph break, then
// sentence end within the tolerance window, then the latest whitespace, and
// finally a hard cut at MaxChars.
func (w *window) findCut() int {
	hi := w.opts.MaxChars
	lo := w.opts.MinChars
	// A cut must leave some new content in the chunk.
	content := w.carry
	for content < len(w.text) && unicode.IsSpace(w.text[content]) {
		content++
	}
	if lo <= content {
		lo = content + 1
	}
	if lo > hi {
		lo = hi
	}
	tolLo := hi - int(float64(w.opts.MaxChars)*boundaryTolerance)
	if tolLo < lo {
		tolLo = lo
	}

	t := w.text
	for i := hi; i >= tolLo; i-- {
		if i+1 < len(t) && t[i] == '\n' && t[i+1] == '\n' {
			return i
		}
	}
	for i := hi; i >= tolLo; i-- {
		if i < len(t) && unicode.IsSpace(t[i]) && strings.ContainsRune(".!?", t[i-1]) {
			return i
		}
	}
	for i := hi; i >= lo; i-- {
		if i < len(t) && unicode.IsSpace(t[i]) {
			return i
		}
	}
	return hi
}

// emit turns text[:cut] into a chunk and keeps its trailing overlap as the
// start of the next window.
func (w *window) emit(cut int) {
	chunkRunes := trimRightSpace(w.text[:cut])
	chunkPages := w.pages[:len(chunkRunes)]

	text := string(chunkRunes)
	w.out = append(w.out, Chunk{
		DocumentID:   w.docID,
		Index:        len(w.out),
		Pages:        distinctPages(chunkPages[w.carry:], chunkRunes[w.carry:]),
		Text:         text,
		Chars:        len(chunkRunes),
		Tokens:       w.opts.Counter.Count(text),
		OverlapChars: w.carry,
	})

	overlapStart := overlapStart(chunkRunes, w.opts.OverlapRatio)
	rest := trimLeftSpace(w.text[cut:])
	restPages := w.pages[len(w.pages)-len(rest):]

	carried := len(chunkRunes) - overlapStart
	text2 := make([]rune, 0, carried+1+len(rest))
	pages2 := make([]int, 0, cap(text2))
	text2 = append(text2, chunkRunes[overlapStart:]...)
	pages2 = append(pages2, chunkPages[overlapStart:]...)
	if carried > 0 && len(rest) > 0 {
		text2 = append(text2, ' ')
		pages2 = append(pages2, restPages[0])
	}
	text2 = append(text2, rest...)
	pages2 = append(pages2, restPages...)

	w.text = text2
	w.pages = pages2
	w.carry = carried
	if carried > 0 && len(rest) > 0 {
		w.carry++
	}
	if len(rest) == 0 {
		// Nothing new pending: the carry has nothing to prefix yet.
		w.text = w.text[:carried]
		w.pages = w.pages[:carried]
		w.carry = carried
	}
}

// overlapStart returns where the trailing overlap of a chunk begins, moved
// forward to a word start so no word is split.
func overlapStart(chunk []rune, ratio float64) int {
	n := int(float64(len(chunk)) * ratio)
	if n <= 0 || n >= len(chunk) {
		return len(chunk)
	}
	start := len(chunk) - n
	s := start
	if s > 0 && !unicode.IsSpace(chunk[s-1]) {
		for s < len(chunk) && !unicode.IsSpace(chunk[s]) {
			s++
		}
	}
	for s < len(chunk) && unicode.IsSpace(chunk[s]) {
		s++
	}
	if s < len(chunk) {
		return s
	}
	// The tail is a single word: take the whole word instead.
	s = start
	for s > 0 && !unicode.IsSpace(chunk[s-1]) {
		s--
	}
	if s == 0 {
		return len(chunk)
	}
	return s
}

func distinctPages(pages []int, text []rune) []int {
	seen := make(map[int]bool)
	var out []int
	for i, p := range pages {
		if unicode.IsSpace(text[i]) || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

func trimRightSpace(r []rune) []rune {
	end := len(r)
	for end > 0 && unicode.IsSpace(r[end-1]) {
		end--
	}
	return r[:end]
}

func trimLeftSpace(r []rune) []rune {
	start := 0
	for start < len(r) && unicode.IsSpace(r[start]) {
		start++
	}
	return r[start:]
}
