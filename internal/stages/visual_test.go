package stages

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/docflow/internal/gateway"
	"github.com/feichai0017/docflow/internal/models"
)

var pageImage = []byte{0xff, 0xd8, 0xff}

func TestAnalyzeVisualsParsesDetections(t *testing.T) {
	gw := &fakeGateway{fn: func(req *gateway.Request) (*gateway.Response, error) {
		require.True(t, req.JSONMode)
		return &gateway.Response{Text: `{"detections": [
			{"category": "graph", "description": "a bar chart", "contextualRelevance": "shows totals", "analysis": "rising trend"},
			{"category": "screenshot", "description": "unknown kind", "contextualRelevance": "", "analysis": ""}
		]}`}, nil
	}}
	r := newTestRunners(gw)

	res := r.AnalyzeVisuals(context.Background(), PageInput{PageNumber: 1, Image: pageImage})
	require.Equal(t, models.StageStatusOK, res.Status)
	require.Len(t, res.Detections, 2)
	assert.Equal(t, models.VisualGraph, res.Detections[0].Category)
	assert.Equal(t, "a bar chart", res.Detections[0].Description)
	// Unknown categories collapse to generic instead of failing.
	assert.Equal(t, models.VisualGeneric, res.Detections[1].Category)
}

func TestAnalyzeVisualsEmptyPage(t *testing.T) {
	gw := &fakeGateway{fn: func(req *gateway.Request) (*gateway.Response, error) {
		return &gateway.Response{Text: `{"detections": []}`}, nil
	}}
	r := newTestRunners(gw)

	res := r.AnalyzeVisuals(context.Background(), PageInput{PageNumber: 1, Image: pageImage})
	assert.Equal(t, models.StageStatusOK, res.Status)
	assert.Empty(t, res.Detections)
}

func TestAnalyzeVisualsRequiresImage(t *testing.T) {
	gw := &fakeGateway{}
	r := newTestRunners(gw)

	res := r.AnalyzeVisuals(context.Background(), PageInput{PageNumber: 1})
	assert.Equal(t, models.StageStatusFailed, res.Status)
	assert.Empty(t, gw.requests)
}

func TestAnalyzeVisualsUnparseableResponse(t *testing.T) {
	gw := &fakeGateway{fn: func(req *gateway.Request) (*gateway.Response, error) {
		return &gateway.Response{Text: "sure, here are the visuals!"}, nil
	}}
	r := newTestRunners(gw)

	res := r.AnalyzeVisuals(context.Background(), PageInput{PageNumber: 1, Image: pageImage})
	assert.Equal(t, models.StageStatusFailed, res.Status)
	assert.Contains(t, res.Error, "unparseable")
}

func TestExtractTablesParsesMarkdown(t *testing.T) {
	gw := &fakeGateway{fn: func(req *gateway.Request) (*gateway.Response, error) {
		return &gateway.Response{Text: "```json\n" + `{"tables": [
			{"markdown": "| a | b |\n|---|---|\n| 1 | 2 |", "contextualRelevance": "totals", "analysis": "small"},
			{"markdown": "", "contextualRelevance": "noise", "analysis": ""}
		]}` + "\n```"}, nil
	}}
	r := newTestRunners(gw)

	res := r.ExtractTables(context.Background(), PageInput{PageNumber: 1, Image: pageImage})
	require.Equal(t, models.StageStatusOK, res.Status)
	// The empty-markdown entry is dropped.
	require.Len(t, res.Tables, 1)
	assert.Contains(t, res.Tables[0].Markdown, "| a | b |")
}

func TestExtractTablesRequiresImage(t *testing.T) {
	r := newTestRunners(&fakeGateway{})
	res := r.ExtractTables(context.Background(), PageInput{PageNumber: 1})
	assert.Equal(t, models.StageStatusFailed, res.Status)
}

func TestRunPageStageDispatch(t *testing.T) {
	gw := &fakeGateway{fn: func(req *gateway.Request) (*gateway.Response, error) {
		return &gateway.Response{Text: `{"detections": [], "tables": []}`}, nil
	}}
	r := newTestRunners(gw)
	in := PageInput{PageNumber: 1, Image: pageImage, RawText: "text"}

	res := r.RunPageStage(context.Background(), models.StageVisualAnalyzer, in)
	assert.Equal(t, models.StageVisualAnalyzer, res.Stage)

	res = r.RunPageStage(context.Background(), models.StageTableExtractor, in)
	assert.Equal(t, models.StageTableExtractor, res.Stage)

	res = r.RunPageStage(context.Background(), "bogus", in)
	assert.Equal(t, models.StageStatusFailed, res.Status)
}

func TestSkippedAndDegradedResults(t *testing.T) {
	skipped := SkippedResult(models.StageVisualAnalyzer)
	assert.Equal(t, models.StageStatusSkipped, skipped.Status)

	degraded := DegradedPageResult(models.StageTextNormalizer, "rasterization error")
	assert.Equal(t, models.StageStatusFailed, degraded.Status)
	assert.Contains(t, degraded.Error, "rasterization error")
}
