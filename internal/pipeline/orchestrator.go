package pipeline

import (
	"context"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/docflow/internal/metadata"
	"github.com/feichai0017/docflow/internal/models"
	"github.com/feichai0017/docflow/internal/renderer"
	"github.com/feichai0017/docflow/internal/stages"
	"github.com/feichai0017/docflow/pkg/logger"
	"github.com/feichai0017/docflow/pkg/queue"
	"github.com/feichai0017/docflow/pkg/storage"
)

// Orchestrator processes one queue job at a time through the document
// state machine. It is safe for concurrent use; each Process call
// carries its own document.
type Orchestrator struct {
	cfg      Config
	store    storage.Storage
	renderer Renderer
	runners  *stages.Runners
	meta     MetadataStore
	index    DocumentIndex
	logger   logger.Logger
}

func NewOrchestrator(
	cfg Config,
	store storage.Storage,
	rend Renderer,
	runners *stages.Runners,
	meta MetadataStore,
	index DocumentIndex,
	log logger.Logger,
) *Orchestrator {
	if cfg.PageConcurrency <= 0 {
		cfg.PageConcurrency = 4
	}
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		renderer: rend,
		runners:  runners,
		meta:     meta,
		index:    index,
		logger:   log.Named("pipeline"),
	}
}

// Process runs one document job to completion. The error it returns
// decides the job's fate: nil completes the lease, a corrupt-input
// error dead-letters it, anything else sends it back for redelivery.
func (o *Orchestrator) Process(ctx context.Context, job *queue.Job) error {
	documentID := DocumentID(job.SourceURI)
	log := o.logger.With(
		logger.String("documentId", documentID),
		logger.String("sourceUri", job.SourceURI),
		logger.String("jobId", job.JobID),
	)
	log.Info("Processing document")

	doc := &models.Document{
		DocumentID: documentID,
		SourceURI:  job.SourceURI,
		Category:   job.Category,
		Stages:     o.cfg.Stages,
		State:      models.StatePending,
	}
	startedAt := time.Now().UTC()
	if err := o.meta.Put(ctx, &metadata.Record{
		DocumentID: documentID,
		Category:   doc.Category,
		SourceURI:  doc.SourceURI,
		State:      models.StatePending,
		StartedAt:  startedAt,
	}); err != nil {
		return fmt.Errorf("%w: record job start: %v", models.ErrTransientIO, err)
	}

	graph, err := stages.Resolve(o.cfg.Stages)
	if err != nil {
		return o.fail(ctx, doc, startedAt, fmt.Errorf("resolve stage graph: %w", err))
	}

	// Rendering.
	o.setState(ctx, doc, models.StateRendering)
	src, err := o.fetchSource(ctx, job.SourceURI)
	if err != nil {
		return o.fail(ctx, doc, startedAt, err)
	}
	rendered, err := o.renderer.Render(ctx, src)
	if err != nil {
		return o.fail(ctx, doc, startedAt, err)
	}
	doc.PageCount = len(rendered)
	doc.Pages = make([]*models.Page, len(rendered))
	for i, rp := range rendered {
		doc.Pages[i] = &models.Page{
			PageNumber:       rp.PageNumber,
			RenderedImageRef: o.pageImageKey(doc, rp.PageNumber),
			RawText:          rp.RawText,
			Degraded:         rp.Failed,
		}
	}

	// Per-page stages, bounded fan-out. Pages are independent; a
	// failure on one page never blocks the others.
	o.setState(ctx, doc, models.StatePerPageProcessing)
	o.runPageStages(ctx, doc, graph, rendered)

	// Consolidation. This is the one stage whose failure fails the
	// whole document: without it there is nothing worth persisting.
	o.setState(ctx, doc, models.StateConsolidating)
	consolidated := stages.Consolidate(doc.Pages)
	if consolidated.Status != models.StageStatusOK {
		return o.fail(ctx, doc, startedAt,
			fmt.Errorf("%w: consolidation failed: %s", models.ErrCorruptInput, consolidated.Error))
	}

	// Post-processing stages degrade the document on failure, never
	// fail it.
	o.setState(ctx, doc, models.StatePostProcessing)
	content := &models.DocumentContent{
		DocumentID:       doc.DocumentID,
		SourceURI:        doc.SourceURI,
		Category:         doc.Category,
		ConsolidatedText: consolidated.Text,
	}
	var postFailed bool
	if graph.Enabled(models.StageCondenser) {
		res := o.runners.Condense(ctx, consolidated.Text)
		if res.Status == models.StageStatusOK {
			content.CondensedText = res.Text
		} else {
			postFailed = true
			log.Warn("Condenser failed", logger.String("reason", res.Error))
		}
	}
	if graph.Enabled(models.StageTOCBuilder) {
		res := o.runners.BuildTOC(ctx, consolidated.Text)
		if res.Status == models.StageStatusOK {
			content.TableOfContents = res.Text
		} else {
			postFailed = true
			log.Warn("TOC builder failed", logger.String("reason", res.Error))
		}
	}

	content.Pages = buildPageContents(doc)
	content.Provenance = models.Provenance{
		StagesRan:     graph.EnabledNames(),
		StartedAt:     startedAt,
		FinishedAt:    time.Now().UTC(),
		DegradedPages: degradedPageNumbers(doc),
		Status:        documentStatus(doc, postFailed),
	}

	// Persistence and indexing. Everything here is retryable: the
	// model work is done and a redelivery re-runs it idempotently.
	o.setState(ctx, doc, models.StatePersisting)
	contentRef, err := o.persist(ctx, doc, content, rendered)
	if err != nil {
		return fmt.Errorf("%w: persist artifacts: %v", models.ErrTransientIO, err)
	}
	if err := o.index.IndexDocument(ctx, content); err != nil {
		return fmt.Errorf("%w: index document: %v", models.ErrTransientIO, err)
	}

	doc.State = models.StateDone
	if err := o.meta.Put(ctx, &metadata.Record{
		DocumentID:    doc.DocumentID,
		Category:      doc.Category,
		SourceURI:     doc.SourceURI,
		State:         models.StateDone,
		Status:        content.Provenance.Status,
		PageCount:     doc.PageCount,
		DegradedPages: content.Provenance.DegradedPages,
		ContentRef:    contentRef,
		StartedAt:     startedAt,
		FinishedAt:    content.Provenance.FinishedAt,
	}); err != nil {
		return fmt.Errorf("%w: record completion: %v", models.ErrTransientIO, err)
	}

	log.Info("Document processed",
		logger.Int("pages", doc.PageCount),
		logger.Int("degradedPages", len(content.Provenance.DegradedPages)),
		logger.String("status", string(content.Provenance.Status)),
		logger.Duration("elapsed", time.Since(startedAt)),
	)
	return nil
}

func (o *Orchestrator) fetchSource(ctx context.Context, key string) ([]byte, error) {
	rc, err := o.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch source %s: %v", models.ErrTransientIO, key, err)
	}
	defer rc.Close()
	src, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("%w: read source %s: %v", models.ErrTransientIO, key, err)
	}
	if len(src) == 0 {
		return nil, fmt.Errorf("%w: source %s is empty", models.ErrCorruptInput, key)
	}
	return src, nil
}

// runPageStages fans pages out across a bounded worker group. Each
// page runs its enabled stages in dependency order; disabled stages
// get a skipped result, degraded pages get a failed result per stage.
func (o *Orchestrator) runPageStages(ctx context.Context, doc *models.Document, graph *stages.Graph, rendered []renderer.RenderedPage) {
	enabled := graph.PageStages()
	disabled := graph.DisabledPageStages()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.PageConcurrency)
	for i := range doc.Pages {
		page := doc.Pages[i]
		rp := rendered[i]
		g.Go(func() error {
			for _, d := range disabled {
				page.SetResult(stages.SkippedResult(d.Name))
			}
			if page.Degraded {
				for _, d := range enabled {
					page.SetResult(stages.DegradedPageResult(d.Name, rp.FailReason))
				}
				return nil
			}
			in := stages.PageInput{
				PageNumber: page.PageNumber,
				Image:      rp.Image,
				RawText:    page.RawText,
			}
			for _, d := range enabled {
				page.SetResult(o.runners.RunPageStage(gctx, d.Name, in))
			}
			return nil
		})
	}
	// Stage failures land in the page results, never in the group.
	_ = g.Wait()
}

// fail records a terminal failure and hands the classified error back
// to the worker.
func (o *Orchestrator) fail(ctx context.Context, doc *models.Document, startedAt time.Time, cause error) error {
	o.logger.Error("Document failed",
		logger.String("documentId", doc.DocumentID),
		logger.Error(cause),
	)
	rec := &metadata.Record{
		DocumentID: doc.DocumentID,
		Category:   doc.Category,
		SourceURI:  doc.SourceURI,
		State:      models.StateFailed,
		Status:     models.DocumentStatusFailed,
		PageCount:  doc.PageCount,
		Error:      cause.Error(),
		StartedAt:  startedAt,
		FinishedAt: time.Now().UTC(),
	}
	if err := o.meta.Put(context.WithoutCancel(ctx), rec); err != nil {
		o.logger.Error("Failed to record document failure", logger.Error(err))
	}
	return cause
}

func (o *Orchestrator) setState(ctx context.Context, doc *models.Document, state models.DocumentState) {
	doc.State = state
	if err := o.meta.SetState(ctx, doc.Category, doc.DocumentID, state); err != nil {
		o.logger.Warn("Failed to record state transition",
			logger.String("documentId", doc.DocumentID),
			logger.String("state", string(state)),
			logger.Error(err),
		)
	}
}

func buildPageContents(doc *models.Document) []models.PageContent {
	out := make([]models.PageContent, 0, len(doc.Pages))
	for _, page := range doc.Pages {
		pc := models.PageContent{
			PageNumber: page.PageNumber,
			Text:       stages.PageText(page),
			Degraded:   page.Degraded,
		}
		if !page.Degraded {
			pc.ImageRef = page.RenderedImageRef
		}
		for _, name := range stageOrder {
			res, okRes := page.Results[name]
			if !okRes {
				continue
			}
			pc.Results = append(pc.Results, res)
			if res.Status != models.StageStatusOK {
				continue
			}
			switch name {
			case models.StageVisualAnalyzer:
				pc.Detections = res.Detections
			case models.StageTableExtractor:
				pc.Tables = res.Tables
			}
		}
		out = append(out, pc)
	}
	return out
}

// stageOrder fixes the serialization order of per-page results.
var stageOrder = []models.StageName{
	models.StageTextNormalizer,
	models.StageVisualAnalyzer,
	models.StageTableExtractor,
}

func degradedPageNumbers(doc *models.Document) []int {
	var out []int
	for _, page := range doc.Pages {
		if page.Degraded {
			out = append(out, page.PageNumber)
		}
	}
	return out
}

// documentStatus is ok only when every page rendered and every enabled
// stage succeeded everywhere.
func documentStatus(doc *models.Document, postFailed bool) models.DocumentStatus {
	if postFailed {
		return models.DocumentStatusDegraded
	}
	for _, page := range doc.Pages {
		if page.Degraded {
			return models.DocumentStatusDegraded
		}
		for _, res := range page.Results {
			if res.Status == models.StageStatusFailed {
				return models.DocumentStatusDegraded
			}
		}
	}
	return models.DocumentStatusOK
}
