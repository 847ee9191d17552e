package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// ErrInvalidPDF is returned when the bytes cannot be parsed as a PDF.
var ErrInvalidPDF = errors.New("invalid pdf")

// Extractor turns PDF bytes into raw text. pageCount is 0 when unknown.
type Extractor interface {
	Extract(ctx context.Context, data []byte) (text string, pageCount int, err error)
}

// PDFExtractor reads the text layer page by page. Pages are separated with
// form feeds so cleanup can turn them into paragraph breaks.
type PDFExtractor struct {
	Logger *slog.Logger
}

// NewPDFExtractor creates the default extractor.
func NewPDFExtractor(logger *slog.Logger) *PDFExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &PDFExtractor{Logger: logger.With("component", "pdf_extractor")}
}

// Extract implements Extractor.
func (e *PDFExtractor) Extract(ctx context.Context, data []byte) (string, int, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrInvalidPDF, err)
	}

	totalPages := r.NumPage()
	var b strings.Builder
	skipped := 0
	for pageIndex := 1; pageIndex <= totalPages; pageIndex++ {
		if err := ctx.Err(); err != nil {
			return "", 0, err
		}
		p := r.Page(pageIndex)
		if p.V.IsNull() {
			skipped++
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			// One unreadable page should not lose the book.
			e.Logger.Warn("failed to extract page text", "page", pageIndex, "error", err)
			skipped++
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\f')
		}
		b.WriteString(text)
	}

	if totalPages == 0 {
		if n, err := PageCount(data); err == nil {
			totalPages = n
		}
	}
	if skipped > 0 {
		e.Logger.Debug("pages without text", "skipped", skipped, "pages", totalPages)
	}
	return b.String(), totalPages, nil
}

func relaxedConfig() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// PageCount reads the page count from the document catalog.
func PageCount(data []byte) (int, error) {
	n, err := api.PageCount(bytes.NewReader(data), relaxedConfig())
	if err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}
	return n, nil
}

// Validate checks that data is a readable PDF.
func Validate(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty file", ErrInvalidPDF)
	}
	if err := api.Validate(bytes.NewReader(data), relaxedConfig()); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPDF, err)
	}
	return nil
}
