package stages

import (
	"context"
	"encoding/json"

	"github.com/feichai0017/docflow/internal/gateway"
	"github.com/feichai0017/docflow/internal/models"
	"github.com/feichai0017/docflow/pkg/logger"
)

const tablesPrompt = `Inspect this document page image and extract every table on it as a
complete, detailed markdown table. Preserve all cell values exactly. For each table also
give its contextual relevance to the page and a short analysis.
Respond with a JSON object: {"tables": [{"markdown": "...", "contextualRelevance": "...",
"analysis": "..."}]}. A page without tables yields {"tables": []}.`

type tablesPayload struct {
	Tables []struct {
		Markdown            string `json:"markdown"`
		ContextualRelevance string `json:"contextualRelevance"`
		Analysis            string `json:"analysis"`
	} `json:"tables"`
}

// ExtractTables converts every table on a page into markdown.
func (r *Runners) ExtractTables(ctx context.Context, in PageInput) models.StageResult {
	if len(in.Image) == 0 {
		return failed(models.StageTableExtractor, models.ResultKindTable, "no page image available")
	}

	resp, err := r.gateway.Complete(ctx, &gateway.Request{
		Prompt:      tablesPrompt,
		Images:      imageSlice(in.Image),
		Temperature: 0.0,
		JSONMode:    true,
	})
	if err != nil {
		return failed(models.StageTableExtractor, models.ResultKindTable, err.Error())
	}

	var payload tablesPayload
	if err := json.Unmarshal([]byte(gateway.TrimFences(resp.Text)), &payload); err != nil {
		r.logger.Warn("Unparseable table extraction response",
			logger.Int("page", in.PageNumber),
			logger.Error(err),
		)
		return failed(models.StageTableExtractor, models.ResultKindTable,
			"unparseable response: "+err.Error())
	}

	res := ok(models.StageTableExtractor, models.ResultKindTable)
	for _, t := range payload.Tables {
		if t.Markdown == "" {
			continue
		}
		res.Tables = append(res.Tables, models.ExtractedTable{
			Markdown:            t.Markdown,
			ContextualRelevance: t.ContextualRelevance,
			Analysis:            t.Analysis,
		})
	}
	return res
}
