// Package pipeline runs one document job end to end: fetch, render,
// per-page model stages, consolidation, post-processing, persistence
// and indexing.
package pipeline

import (
	"context"
	"path"
	"regexp"
	"strings"

	"github.com/feichai0017/docflow/internal/metadata"
	"github.com/feichai0017/docflow/internal/models"
	"github.com/feichai0017/docflow/internal/renderer"
)

// Renderer rasterizes a source document into pages.
type Renderer interface {
	Render(ctx context.Context, src []byte) ([]renderer.RenderedPage, error)
}

// MetadataStore records per-document run state.
type MetadataStore interface {
	Put(ctx context.Context, rec *metadata.Record) error
	SetState(ctx context.Context, category, documentID string, state models.DocumentState) error
}

// DocumentIndex publishes finished documents to the search index.
type DocumentIndex interface {
	IndexDocument(ctx context.Context, content *models.DocumentContent) error
}

// Config tunes one orchestrator instance.
type Config struct {
	// OutputPrefix is the object-store prefix artifacts are written
	// under, e.g. "processed/".
	OutputPrefix string
	// PageConcurrency bounds how many pages run their stages at once
	// within a single document.
	PageConcurrency int
	// Stages enables or disables individual stages.
	Stages models.StageConfig
}

var unsafeIDChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// DocumentID derives the stable document id from the source object
// key. The same source key always maps to the same id, which is what
// makes re-runs overwrite instead of duplicate.
func DocumentID(sourceKey string) string {
	base := path.Base(sourceKey)
	if ext := path.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	id := unsafeIDChars.ReplaceAllString(base, "-")
	id = strings.Trim(id, "-.")
	if id == "" {
		id = "document"
	}
	return id
}
