// Package extract reads PDF documents one page at a time and normalizes the
// text of each page.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/kalambet/techdocs/internal/pipeline"
)

// Page is the cleaned text of a single page. A page that could not be
// decoded has empty Text and Err wrapping pipeline.ErrCorruptPage.
type Page struct {
	DocumentID string
	Number     int // 1-based
	Text       string
	Chars      int
	Err        error
}

// PageRange selects pages to extract. Zero values mean first and last page.
type PageRange struct {
	From int
	To   int
}

// Stats summarizes an extraction run.
type Stats struct {
	Pages   int
	Corrupt int
}

// CorruptRatio is the fraction of visited pages that failed to decode.
func (s Stats) CorruptRatio() float64 {
	if s.Pages == 0 {
		return 0
	}
	return float64(s.Corrupt) / float64(s.Pages)
}

// pageSource is the minimal view of a PDF needed by the iterator.
type pageSource interface {
	NumPage() int
	PageText(n int) (string, error)
}

// PageIterator yields pages lazily. It is not restartable and not safe for
// concurrent use.
type PageIterator struct {
	docID       string
	src         pageSource
	first       int
	next        int
	last        int
	pageTimeout time.Duration
	stats       Stats
	broken      error
	logger      *slog.Logger
}

// Next returns the next page, or io.EOF after the last one. A corrupt page is
// returned with Page.Err set and iteration continues. A page read that
// exceeds the page timeout ends iteration with a transient error.
func (it *PageIterator) Next(ctx context.Context) (Page, error) {
	if it.broken != nil {
		return Page{}, it.broken
	}
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	if it.next > it.last {
		return Page{}, io.EOF
	}

	n := it.next
	it.next++
	it.stats.Pages++

	text, err := it.readPage(ctx, n)
	if err != nil {
		if errors.Is(err, pipeline.ErrTransient) || ctx.Err() != nil {
			it.broken = err
			return Page{}, err
		}
		it.stats.Corrupt++
		it.logger.Warn("corrupt page", "doc_id", it.docID, "page", n, "error", err)
		return Page{DocumentID: it.docID, Number: n, Err: fmt.Errorf("page %d: %w: %v", n, pipeline.ErrCorruptPage, err)}, nil
	}

	cleaned := Clean(text)
	return Page{DocumentID: it.docID, Number: n, Text: cleaned, Chars: len([]rune(cleaned))}, nil
}

func (it *PageIterator) readPage(ctx context.Context, n int) (string, error) {
	type result struct {
		text string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		text, err := safePageText(it.src, n)
		ch <- result{text, err}
	}()

	var timeout <-chan time.Time
	if it.pageTimeout > 0 {
		timer := time.NewTimer(it.pageTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case r := <-ch:
		return r.text, r.err
	case <-timeout:
		return "", &pipeline.TransientError{Op: fmt.Sprintf("read page %d", n), Err: context.DeadlineExceeded}
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// safePageText converts decoder panics on malformed content streams into
// errors.
func safePageText(src pageSource, n int) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decoding page: %v", r)
		}
	}()
	return src.PageText(n)
}

// Stats reports pages visited so far and how many were corrupt.
func (it *PageIterator) Stats() Stats {
	return it.stats
}

// Total is the number of pages the iterator will visit.
func (it *PageIterator) Total() int {
	if it.last < it.first {
		return 0
	}
	return it.last - it.first + 1
}

// Extractor opens PDF documents for page-wise extraction.
type Extractor struct {
	PageTimeout time.Duration
	Logger      *slog.Logger
}

// Open parses the document structure and returns an iterator over the
// requested page range. Page content is not decoded until Next is called.
func (e *Extractor) Open(docID string, r io.ReaderAt, size int64, rng PageRange) (*PageIterator, error) {
	reader, err := openPDF(r, size)
	if err != nil {
		return nil, err
	}
	return e.iterate(docID, ledongthucSource{reader}, rng)
}

func (e *Extractor) iterate(docID string, src pageSource, rng PageRange) (*PageIterator, error) {
	total := src.NumPage()
	from, to := rng.From, rng.To
	if from <= 0 {
		from = 1
	}
	if to <= 0 || to > total {
		to = total
	}
	if from > to && total > 0 {
		return nil, pipeline.NewValidationError("page_range", "from %d is after to %d", from, to)
	}

	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PageIterator{
		docID:       docID,
		src:         src,
		first:       from,
		next:        from,
		last:        to,
		pageTimeout: e.PageTimeout,
		logger:      logger,
	}, nil
}

func openPDF(r io.ReaderAt, size int64) (reader *pdf.Reader, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", pipeline.ErrUnsupportedFormat, rec)
		}
	}()
	reader, err = pdf.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrUnsupportedFormat, err)
	}
	return reader, nil
}

type ledongthucSource struct {
	r *pdf.Reader
}

func (s ledongthucSource) NumPage() int { return s.r.NumPage() }

func (s ledongthucSource) PageText(n int) (string, error) {
	p := s.r.Page(n)
	if p.V.IsNull() {
		return "", errors.New("missing page object")
	}
	fonts := make(map[string]*pdf.Font)
	for _, name := range p.Fonts() {
		f := p.Font(name)
		fonts[name] = &f
	}
	return p.GetPlainText(fonts)
}

var pdfMagic = []byte("%PDF-")

// Validate checks that the content is a structurally valid PDF and returns
// its page count. Failures wrap pipeline.ErrUnsupportedFormat.
func Validate(r io.ReaderAt, size int64) (int, error) {
	head := make([]byte, 1024)
	n, err := r.ReadAt(head, 0)
	if err != nil && err != io.EOF {
		return 0, fmt.Errorf("reading header: %w", err)
	}
	if !bytes.Contains(head[:n], pdfMagic) {
		return 0, fmt.Errorf("%w: missing %%PDF header", pipeline.ErrUnsupportedFormat)
	}

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	if err := api.Validate(io.NewSectionReader(r, 0, size), conf); err != nil {
		return 0, fmt.Errorf("%w: %v", pipeline.ErrUnsupportedFormat, err)
	}
	pages, err := api.PageCount(io.NewSectionReader(r, 0, size), conf)
	if err != nil {
		return 0, fmt.Errorf("%w: counting pages: %v", pipeline.ErrUnsupportedFormat, err)
	}
	return pages, nil
}
