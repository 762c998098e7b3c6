package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/feichai0017/docflow/internal/models"
	"github.com/feichai0017/docflow/internal/renderer"
)

func (o *Orchestrator) documentPrefix(doc *models.Document) string {
	prefix := strings.TrimSuffix(o.cfg.OutputPrefix, "/")
	return path.Join(prefix, doc.Category, doc.DocumentID)
}

func (o *Orchestrator) pageImageKey(doc *models.Document, pageNumber int) string {
	return path.Join(o.documentPrefix(doc), "pages", fmt.Sprintf("page_%05d.jpg", pageNumber))
}

func (o *Orchestrator) contentKey(doc *models.Document) string {
	return path.Join(o.documentPrefix(doc), "content.json")
}

// persist writes every artifact of a finished run under the document's
// output prefix and returns the key of the content aggregate. Object
// writes are last-writer-wins, so re-running a document replaces its
// artifacts in place.
func (o *Orchestrator) persist(ctx context.Context, doc *models.Document, content *models.DocumentContent, rendered []renderer.RenderedPage) (string, error) {
	for i, page := range doc.Pages {
		if page.Degraded || len(rendered[i].Image) == 0 {
			continue
		}
		if err := o.put(ctx, page.RenderedImageRef, rendered[i].Image); err != nil {
			return "", err
		}
	}

	prefix := o.documentPrefix(doc)
	if err := o.put(ctx, path.Join(prefix, "consolidated.md"), []byte(content.ConsolidatedText)); err != nil {
		return "", err
	}
	if content.CondensedText != "" {
		if err := o.put(ctx, path.Join(prefix, "condensed.md"), []byte(content.CondensedText)); err != nil {
			return "", err
		}
	}
	if content.TableOfContents != "" {
		if err := o.put(ctx, path.Join(prefix, "toc.md"), []byte(content.TableOfContents)); err != nil {
			return "", err
		}
	}

	// content.json goes last: its presence marks the run complete.
	encoded, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode document content: %w", err)
	}
	contentKey := o.contentKey(doc)
	if err := o.put(ctx, contentKey, encoded); err != nil {
		return "", err
	}
	return contentKey, nil
}

func (o *Orchestrator) put(ctx context.Context, key string, data []byte) error {
	if err := o.store.Store(ctx, key, bytes.NewReader(data), int64(len(data))); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}
