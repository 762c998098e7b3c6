package stages

import (
	"context"
	"encoding/json"

	"github.com/feichai0017/docflow/internal/gateway"
	"github.com/feichai0017/docflow/internal/models"
	"github.com/feichai0017/docflow/pkg/logger"
)

const visualPrompt = `Inspect this document page image and report every embedded visual
element: photos, graphs/charts, infographics or other figures. Plain text, page
decoration and watermarks do not count. For each element give its category, a factual
description, its contextual relevance to the page, and a short analysis.
Respond with a JSON object: {"detections": [{"category": "photo|graph|infographic|generic",
"description": "...", "contextualRelevance": "...", "analysis": "..."}]}.
A page without visual elements yields {"detections": []}.`

type visualPayload struct {
	Detections []struct {
		Category            string `json:"category"`
		Description         string `json:"description"`
		ContextualRelevance string `json:"contextualRelevance"`
		Analysis            string `json:"analysis"`
	} `json:"detections"`
}

// AnalyzeVisuals detects and describes visual elements on a page. An
// empty detection list is a valid, expected outcome for text-only
// pages.
func (r *Runners) AnalyzeVisuals(ctx context.Context, in PageInput) models.StageResult {
	if len(in.Image) == 0 {
		return failed(models.StageVisualAnalyzer, models.ResultKindVisual, "no page image available")
	}

	resp, err := r.gateway.Complete(ctx, &gateway.Request{
		Prompt:      visualPrompt,
		Images:      imageSlice(in.Image),
		Temperature: 0.2,
		JSONMode:    true,
	})
	if err != nil {
		return failed(models.StageVisualAnalyzer, models.ResultKindVisual, err.Error())
	}

	var payload visualPayload
	if err := json.Unmarshal([]byte(gateway.TrimFences(resp.Text)), &payload); err != nil {
		r.logger.Warn("Unparseable visual analysis response",
			logger.Int("page", in.PageNumber),
			logger.Error(err),
		)
		return failed(models.StageVisualAnalyzer, models.ResultKindVisual,
			"unparseable response: "+err.Error())
	}

	res := ok(models.StageVisualAnalyzer, models.ResultKindVisual)
	for _, d := range payload.Detections {
		res.Detections = append(res.Detections, models.VisualDetection{
			Category:            visualCategory(d.Category),
			Description:         d.Description,
			ContextualRelevance: d.ContextualRelevance,
			Analysis:            d.Analysis,
		})
	}
	return res
}

func visualCategory(s string) models.VisualCategory {
	switch models.VisualCategory(s) {
	case models.VisualPhoto, models.VisualGraph, models.VisualInfographic:
		return models.VisualCategory(s)
	default:
		return models.VisualGeneric
	}
}
