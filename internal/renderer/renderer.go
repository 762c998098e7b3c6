package renderer

import (
	"bytes"
	"context"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	fitz "github.com/gen2brain/go-fitz"
	"github.com/ledongthuc/pdf"
	"github.com/otiai10/gosseract/v2"

	"github.com/feichai0017/docflow/config"
	"github.com/feichai0017/docflow/internal/models"
	"github.com/feichai0017/docflow/pkg/logger"
)

// RenderedPage is one rasterized page. Image is empty when rendering
// failed; the page still occupies its slot so numbering stays
// contiguous.
type RenderedPage struct {
	PageNumber int
	Image      []byte // JPEG
	RawText    string
	Failed     bool
	FailReason string
}

// Renderer rasterizes each page of a source document and extracts the
// embedded text layer when one exists.
type Renderer struct {
	cfg    config.RendererConfig
	logger logger.Logger
}

func New(cfg config.RendererConfig, log logger.Logger) *Renderer {
	return &Renderer{cfg: cfg, logger: log.Named("renderer")}
}

// Render converts the document into an ordered, gap-free page sequence.
// A page that cannot be rasterized comes back flagged rather than
// aborting the run; only a document that cannot be opened at all is a
// fatal error.
func (r *Renderer) Render(ctx context.Context, src []byte) ([]RenderedPage, error) {
	doc, err := fitz.NewFromMemory(src)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open document: %v", models.ErrCorruptInput, err)
	}
	defer doc.Close()

	pageCount := doc.NumPage()
	if pageCount == 0 {
		return nil, fmt.Errorf("%w: document has no pages", models.ErrCorruptInput)
	}

	// The embedded text layer is read through a separate parser; a
	// document whose text layer cannot be opened still renders fine.
	textByPage := r.extractTextLayer(src, pageCount)

	var ocr *gosseract.Client
	if r.cfg.OCRFallback {
		ocr = gosseract.NewClient()
		defer ocr.Close()
	}

	pages := make([]RenderedPage, 0, pageCount)
	for i := 0; i < pageCount; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		page := RenderedPage{PageNumber: i + 1, RawText: textByPage[i]}

		img, err := doc.ImageDPI(i, r.cfg.DPI)
		if err != nil {
			r.logger.Warn("Failed to rasterize page",
				logger.Int("page", i+1),
				logger.Error(err),
			)
			page.Failed = true
			page.FailReason = err.Error()
			page.RawText = ""
			pages = append(pages, page)
			continue
		}

		encoded, err := r.encode(img)
		if err != nil {
			page.Failed = true
			page.FailReason = err.Error()
			page.RawText = ""
			pages = append(pages, page)
			continue
		}
		page.Image = encoded

		if page.RawText == "" && ocr != nil {
			page.RawText = r.runOCR(ocr, encoded, i+1)
		}
		pages = append(pages, page)
	}
	return pages, nil
}

func (r *Renderer) encode(img image.Image) ([]byte, error) {
	bounds := img.Bounds()
	if max := r.cfg.MaxDimension; max > 0 && (bounds.Dx() > max || bounds.Dy() > max) {
		img = imaging.Fit(img, max, max, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(r.cfg.JPEGQuality)); err != nil {
		return nil, fmt.Errorf("failed to encode page image: %w", err)
	}
	return buf.Bytes(), nil
}

// extractTextLayer reads each page's embedded text; pages without one
// map to the empty string, never to a missing entry.
func (r *Renderer) extractTextLayer(src []byte, pageCount int) []string {
	texts := make([]string, pageCount)

	reader := bytes.NewReader(src)
	pdfReader, err := pdf.NewReader(reader, reader.Size())
	if err != nil {
		r.logger.Warn("No readable text layer in document", logger.Error(err))
		return texts
	}

	n := pdfReader.NumPage()
	if n > pageCount {
		n = pageCount
	}
	for i := 1; i <= n; i++ {
		p := pdfReader.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			r.logger.Warn("Failed to extract text layer",
				logger.Int("page", i),
				logger.Error(err),
			)
			continue
		}
		texts[i-1] = text
	}
	return texts
}

func (r *Renderer) runOCR(client *gosseract.Client, img []byte, pageNumber int) string {
	if err := client.SetImageFromBytes(img); err != nil {
		r.logger.Warn("OCR rejected page image", logger.Int("page", pageNumber), logger.Error(err))
		return ""
	}
	text, err := client.Text()
	if err != nil {
		r.logger.Warn("OCR failed", logger.Int("page", pageNumber), logger.Error(err))
		return ""
	}
	return text
}
