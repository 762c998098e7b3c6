package stages

import (
	"context"
	"time"

	"github.com/feichai0017/docflow/internal/gateway"
	"github.com/feichai0017/docflow/internal/models"
	"github.com/feichai0017/docflow/pkg/logger"
)

// PageInput is what a per-page stage sees: the rendered image and the
// raw text layer. Image is nil for degraded pages.
type PageInput struct {
	PageNumber int
	Image      []byte
	RawText    string
}

// Runners executes the model-backed stages. Each call to the gateway
// retries independently; an exhausted retry budget surfaces as a failed
// StageResult on that unit only.
type Runners struct {
	gateway gateway.Gateway
	logger  logger.Logger
}

func NewRunners(gw gateway.Gateway, log logger.Logger) *Runners {
	return &Runners{gateway: gw, logger: log.Named("stages")}
}

// RunPageStage dispatches one enabled per-page stage.
func (r *Runners) RunPageStage(ctx context.Context, name models.StageName, in PageInput) models.StageResult {
	switch name {
	case models.StageTextNormalizer:
		return r.NormalizeText(ctx, in)
	case models.StageVisualAnalyzer:
		return r.AnalyzeVisuals(ctx, in)
	case models.StageTableExtractor:
		return r.ExtractTables(ctx, in)
	default:
		return failed(name, models.ResultKindNone, "unknown page stage")
	}
}

// SkippedResult records a stage that was disabled by configuration.
func SkippedResult(name models.StageName) models.StageResult {
	return models.StageResult{
		Stage:       name,
		Kind:        models.ResultKindNone,
		Status:      models.StageStatusSkipped,
		CompletedAt: time.Now(),
	}
}

// DegradedPageResult records a stage that could not run because the
// page itself failed to render.
func DegradedPageResult(name models.StageName, reason string) models.StageResult {
	return models.StageResult{
		Stage:       name,
		Kind:        models.ResultKindNone,
		Status:      models.StageStatusFailed,
		Error:       "page rendering failed: " + reason,
		CompletedAt: time.Now(),
	}
}

func failed(name models.StageName, kind models.ResultKind, detail string) models.StageResult {
	return models.StageResult{
		Stage:       name,
		Kind:        kind,
		Status:      models.StageStatusFailed,
		Error:       detail,
		CompletedAt: time.Now(),
	}
}

func ok(name models.StageName, kind models.ResultKind) models.StageResult {
	return models.StageResult{
		Stage:       name,
		Kind:        kind,
		Status:      models.StageStatusOK,
		CompletedAt: time.Now(),
	}
}
