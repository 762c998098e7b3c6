package models

import (
	"time"
)

// StageName identifies one toggleable processing stage.
type StageName string

const (
	StageTextNormalizer StageName = "text_normalizer"
	StageVisualAnalyzer StageName = "visual_analyzer"
	StageTableExtractor StageName = "table_extractor"
	StageConsolidator   StageName = "consolidator"
	StageCondenser      StageName = "condenser"
	StageTOCBuilder     StageName = "toc_builder"
)

// StageStatus is the terminal status of a stage on one unit (page or document).
type StageStatus string

const (
	StageStatusOK      StageStatus = "ok"
	StageStatusSkipped StageStatus = "skipped"
	StageStatusFailed  StageStatus = "failed"
)

// ResultKind tags the payload carried by a StageResult.
type ResultKind string

const (
	ResultKindText   ResultKind = "text"
	ResultKindVisual ResultKind = "visual"
	ResultKindTable  ResultKind = "table"
	ResultKindNone   ResultKind = "none"
)

// DocumentState is the orchestrator state machine position.
type DocumentState string

const (
	StatePending           DocumentState = "pending"
	StateRendering         DocumentState = "rendering"
	StatePerPageProcessing DocumentState = "per_page_processing"
	StateConsolidating     DocumentState = "consolidating"
	StatePostProcessing    DocumentState = "post_processing"
	StatePersisting        DocumentState = "persisting"
	StateDone              DocumentState = "done"
	StateFailed            DocumentState = "failed"
)

// DocumentStatus is the outcome recorded in provenance: ok when every
// enabled stage succeeded on every page, degraded when some pages or
// stages failed but a usable document was still produced.
type DocumentStatus string

const (
	DocumentStatusOK       DocumentStatus = "ok"
	DocumentStatusDegraded DocumentStatus = "degraded"
	DocumentStatusFailed   DocumentStatus = "failed"
)

// VisualCategory classifies one visual detection.
type VisualCategory string

const (
	VisualPhoto       VisualCategory = "photo"
	VisualGraph       VisualCategory = "graph"
	VisualInfographic VisualCategory = "infographic"
	VisualGeneric     VisualCategory = "generic"
)

// VisualDetection is one detected visual element on a page.
type VisualDetection struct {
	Category            VisualCategory `json:"category"`
	Description         string         `json:"description"`
	ContextualRelevance string         `json:"contextualRelevance"`
	Analysis            string         `json:"analysis"`
}

// ExtractedTable is one detected table, rendered as markdown.
type ExtractedTable struct {
	Markdown            string `json:"markdown"`
	ContextualRelevance string `json:"contextualRelevance"`
	Analysis            string `json:"analysis"`
}

// StageResult is the outcome of one stage on one unit. Exactly one of the
// payload fields is populated, according to Kind.
type StageResult struct {
	Stage       StageName         `json:"stage"`
	Kind        ResultKind        `json:"kind"`
	Status      StageStatus       `json:"status"`
	Error       string            `json:"error,omitempty"`
	Text        string            `json:"text,omitempty"`
	Detections  []VisualDetection `json:"detections,omitempty"`
	Tables      []ExtractedTable  `json:"tables,omitempty"`
	CompletedAt time.Time         `json:"completedAt"`
}

// Page is one rendered page of a document. PageNumber is 1-based and
// contiguous. RawText is empty, never absent, when the source has no
// embedded text layer. Degraded marks pages whose rendering failed;
// such pages carry empty artifacts but still occupy their slot so the
// page sequence keeps no gaps.
type Page struct {
	PageNumber       int                       `json:"pageNumber"`
	RenderedImageRef string                    `json:"renderedImageRef"`
	RawText          string                    `json:"rawText"`
	Degraded         bool                      `json:"degraded"`
	Results          map[StageName]StageResult `json:"results"`
}

// SetResult records a stage result on the page. Each stage writes at most
// one result per page.
func (p *Page) SetResult(r StageResult) {
	if p.Results == nil {
		p.Results = make(map[StageName]StageResult)
	}
	p.Results[r.Stage] = r
}

// StageConfig holds the enabled flag per stage, mirroring the pipeline
// configuration the documents are processed under.
type StageConfig struct {
	ProcessText             bool `json:"processText" yaml:"processText"`
	ProcessImages           bool `json:"processImages" yaml:"processImages"`
	ProcessTables           bool `json:"processTables" yaml:"processTables"`
	GenerateCondensedText   bool `json:"generateCondensedText" yaml:"generateCondensedText"`
	GenerateTableOfContents bool `json:"generateTableOfContents" yaml:"generateTableOfContents"`
}

// DefaultStageConfig enables every stage.
func DefaultStageConfig() StageConfig {
	return StageConfig{
		ProcessText:             true,
		ProcessImages:           true,
		ProcessTables:           true,
		GenerateCondensedText:   true,
		GenerateTableOfContents: true,
	}
}

// Document is the unit of processing, one per queue job. A document is
// owned by exactly one worker slot for the duration of a run.
type Document struct {
	DocumentID string        `json:"documentId"`
	SourceURI  string        `json:"sourceUri"`
	Category   string        `json:"category"`
	PageCount  int           `json:"pageCount"`
	Stages     StageConfig   `json:"stageConfig"`
	Pages      []*Page       `json:"pages"`
	State      DocumentState `json:"state"`
}

// PageContent is the persisted per-page view inside DocumentContent.
type PageContent struct {
	PageNumber int               `json:"pageNumber"`
	ImageRef   string            `json:"imageRef,omitempty"`
	Text       string            `json:"text"`
	Detections []VisualDetection `json:"detections,omitempty"`
	Tables     []ExtractedTable  `json:"tables,omitempty"`
	Degraded   bool              `json:"degraded,omitempty"`
	Results    []StageResult     `json:"results"`
}

// Provenance records which stages ran and how the run went.
type Provenance struct {
	StagesRan     []StageName    `json:"stagesRan"`
	StartedAt     time.Time      `json:"startedAt"`
	FinishedAt    time.Time      `json:"finishedAt"`
	DegradedPages []int          `json:"degradedPages,omitempty"`
	Status        DocumentStatus `json:"status"`
}

// DocumentContent is the final aggregate persisted downstream. It is
// written once per successful run; a re-run of the same document_id
// produces a new version that overwrites the previous one.
type DocumentContent struct {
	DocumentID       string        `json:"documentId"`
	SourceURI        string        `json:"sourceUri"`
	Category         string        `json:"category"`
	Pages            []PageContent `json:"pages"`
	ConsolidatedText string        `json:"consolidatedText"`
	CondensedText    string        `json:"condensedText,omitempty"`
	TableOfContents  string        `json:"tableOfContents,omitempty"`
	Provenance       Provenance    `json:"provenance"`
}
