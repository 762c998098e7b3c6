// Package index publishes processed documents to the Redis search index,
// one record per page.
package index

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/feichai0017/docflow/internal/models"
)

// Index writes page records to Redis. Each record carries the page body
// and enough metadata to resolve it back to its document. Re-indexing a
// document replaces its previous records completely, so stale pages
// from a longer earlier version never linger.
type Index struct {
	client    redis.UniversalClient
	keyPrefix string
}

func New(client redis.UniversalClient, keyPrefix string) *Index {
	if keyPrefix == "" {
		keyPrefix = "docflow:index"
	}
	return &Index{client: client, keyPrefix: keyPrefix}
}

func (ix *Index) pageKey(category, documentID string, page int) string {
	return fmt.Sprintf("%s:%s:%s:%d", ix.keyPrefix, category, documentID, page)
}

func (ix *Index) docSetKey(category, documentID string) string {
	return fmt.Sprintf("%s:%s:%s:pages", ix.keyPrefix, category, documentID)
}

// IndexDocument replaces the document's page records with the given
// content. Degraded documents are indexed too, with the degraded flag
// set on affected pages, so partial content stays findable.
func (ix *Index) IndexDocument(ctx context.Context, content *models.DocumentContent) error {
	if err := ix.DeleteDocument(ctx, content.Category, content.DocumentID); err != nil {
		return err
	}

	_, err := ix.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		setKey := ix.docSetKey(content.Category, content.DocumentID)
		for _, page := range content.Pages {
			key := ix.pageKey(content.Category, content.DocumentID, page.PageNumber)
			pipe.HSet(ctx, key, map[string]any{
				"reference_id":   content.DocumentID,
				"category":       content.Category,
				"source_uri":     content.SourceURI,
				"section_number": page.PageNumber,
				"body_text":      page.Text,
				"degraded":       strconv.FormatBool(page.Degraded),
			})
			pipe.SAdd(ctx, setKey, page.PageNumber)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("index document %s: %w", content.DocumentID, err)
	}
	return nil
}

// DeleteDocument removes every page record of a document.
func (ix *Index) DeleteDocument(ctx context.Context, category, documentID string) error {
	setKey := ix.docSetKey(category, documentID)
	pages, err := ix.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return fmt.Errorf("list indexed pages of %s: %w", documentID, err)
	}
	if len(pages) == 0 {
		return nil
	}

	keys := make([]string, 0, len(pages)+1)
	for _, p := range pages {
		n, err := strconv.Atoi(p)
		if err != nil {
			continue
		}
		keys = append(keys, ix.pageKey(category, documentID, n))
	}
	keys = append(keys, setKey)
	if err := ix.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete index records of %s: %w", documentID, err)
	}
	return nil
}

// GetPage fetches one indexed page record, mainly for inspection.
func (ix *Index) GetPage(ctx context.Context, category, documentID string, page int) (map[string]string, error) {
	fields, err := ix.client.HGetAll(ctx, ix.pageKey(category, documentID, page)).Result()
	if err != nil {
		return nil, fmt.Errorf("get index record: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return fields, nil
}
