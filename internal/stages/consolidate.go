package stages

import (
	"fmt"
	"sort"
	"strings"

	"github.com/feichai0017/docflow/internal/models"
)

// Consolidate merges every page's text plus its visual and table
// descriptions into one document-level body.
//
// Page results may have completed in any order; consolidation re-sorts
// by page number before merging, so no caller needs to care about
// completion order. Consolidation is deterministic: the same page
// results always produce the same body.
func Consolidate(pages []*models.Page) models.StageResult {
	sorted := make([]*models.Page, len(pages))
	copy(sorted, pages)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].PageNumber < sorted[j].PageNumber
	})

	var b strings.Builder
	var usable int
	for _, page := range sorted {
		text := PageText(page)
		detections := pageDetections(page)
		tables := pageTables(page)
		if text != "" || len(detections) > 0 || len(tables) > 0 {
			usable++
		}

		fmt.Fprintf(&b, "##### --- Page %d ---\n\n", page.PageNumber)
		fmt.Fprintf(&b, "# Extracted Text\n\n%s\n\n", text)

		if len(detections) > 0 {
			b.WriteString("\n# Embedded Images:\n\n")
			for i, d := range detections {
				fmt.Fprintf(&b, "### - Image %d:\n%s\n\n%s\n\n%s\n\n",
					i+1, d.Description, d.ContextualRelevance, d.Analysis)
			}
		}
		if len(tables) > 0 {
			b.WriteString("\n# Tables:\n\n")
			for i, t := range tables {
				fmt.Fprintf(&b, "### - Table %d:\n\n%s\n\n", i+1, t.Markdown)
			}
		}
		b.WriteString("\n")
	}

	if usable == 0 {
		return failed(models.StageConsolidator, models.ResultKindText,
			"no usable content on any page")
	}

	res := ok(models.StageConsolidator, models.ResultKindText)
	res.Text = b.String()
	return res
}

// PageText picks the best available text for a page: the normalized
// text when that stage succeeded, the raw text layer otherwise.
func PageText(page *models.Page) string {
	if r, okRes := page.Results[models.StageTextNormalizer]; okRes && r.Status == models.StageStatusOK {
		return r.Text
	}
	return strings.TrimSpace(page.RawText)
}

func pageDetections(page *models.Page) []models.VisualDetection {
	if r, okRes := page.Results[models.StageVisualAnalyzer]; okRes && r.Status == models.StageStatusOK {
		return r.Detections
	}
	return nil
}

func pageTables(page *models.Page) []models.ExtractedTable {
	if r, okRes := page.Results[models.StageTableExtractor]; okRes && r.Status == models.StageStatusOK {
		return r.Tables
	}
	return nil
}
