package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/docflow/internal/gateway"
	"github.com/feichai0017/docflow/internal/metadata"
	"github.com/feichai0017/docflow/internal/models"
	"github.com/feichai0017/docflow/internal/renderer"
	"github.com/feichai0017/docflow/internal/stages"
	"github.com/feichai0017/docflow/pkg/logger"
	"github.com/feichai0017/docflow/pkg/queue"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (m *memStore) Store(ctx context.Context, key string, reader io.Reader, size int64) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *memStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memStore) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

type fakeRenderer struct {
	pages []renderer.RenderedPage
	err   error
}

func (f *fakeRenderer) Render(ctx context.Context, src []byte) ([]renderer.RenderedPage, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.pages, nil
}

type fakeMeta struct {
	mu      sync.Mutex
	records map[string]*metadata.Record
	states  []models.DocumentState
}

func newFakeMeta() *fakeMeta {
	return &fakeMeta{records: make(map[string]*metadata.Record)}
}

func (f *fakeMeta) Put(ctx context.Context, rec *metadata.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *rec
	f.records[rec.DocumentID] = &cp
	f.states = append(f.states, rec.State)
	return nil
}

func (f *fakeMeta) SetState(ctx context.Context, category, documentID string, state models.DocumentState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[documentID]; ok {
		rec.State = state
	}
	f.states = append(f.states, state)
	return nil
}

func (f *fakeMeta) record(documentID string) *metadata.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[documentID]
}

type fakeIndex struct {
	mu       sync.Mutex
	indexed  []*models.DocumentContent
	indexErr error
}

func (f *fakeIndex) IndexDocument(ctx context.Context, content *models.DocumentContent) error {
	if f.indexErr != nil {
		return f.indexErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, content)
	return nil
}

// echoGateway answers every stage plausibly: JSON stages get empty
// result sets, the normalizer echoes the raw text back, and the
// document stages echo the consolidated body.
type echoGateway struct{}

func (echoGateway) Complete(ctx context.Context, req *gateway.Request) (*gateway.Response, error) {
	if req.JSONMode {
		return &gateway.Response{Text: `{"detections": [], "tables": []}`}, nil
	}
	if i := strings.LastIndex(req.Prompt, "Raw text:\n"); i >= 0 {
		return &gateway.Response{Text: req.Prompt[i+len("Raw text:\n"):]}, nil
	}
	if i := strings.LastIndex(req.Prompt, "Document:\n\n"); i >= 0 {
		return &gateway.Response{Text: req.Prompt[i+len("Document:\n\n"):]}, nil
	}
	return &gateway.Response{Text: "ok"}, nil
}

type fixture struct {
	orch  *Orchestrator
	store *memStore
	meta  *fakeMeta
	index *fakeIndex
}

func newFixture(t *testing.T, rend Renderer, gw gateway.Gateway) *fixture {
	t.Helper()
	store := newMemStore()
	meta := newFakeMeta()
	idx := &fakeIndex{}
	log := logger.NewTestLogger()
	orch := NewOrchestrator(
		Config{
			OutputPrefix:    "processed/",
			PageConcurrency: 2,
			Stages:          models.DefaultStageConfig(),
		},
		store, rend, stages.NewRunners(gw, log), meta, idx, log,
	)
	return &fixture{orch: orch, store: store, meta: meta, index: idx}
}

func testJob(sourceURI string) *queue.Job {
	return &queue.Job{
		JobID:      "job-1",
		SourceURI:  sourceURI,
		Category:   "invoices",
		EnqueuedAt: time.Now(),
	}
}

func putSource(t *testing.T, store *memStore, key string) {
	t.Helper()
	require.NoError(t, store.Store(context.Background(), key, strings.NewReader("%PDF-1.4 fake"), -1))
}

func TestProcessHappyPath(t *testing.T) {
	rend := &fakeRenderer{pages: []renderer.RenderedPage{
		{PageNumber: 1, Image: []byte{0xff, 0xd8}, RawText: "page one text"},
		{PageNumber: 2, Image: []byte{0xff, 0xd8}, RawText: "page two text"},
	}}
	f := newFixture(t, rend, echoGateway{})
	putSource(t, f.store, "incoming/invoices/report.pdf")

	err := f.orch.Process(context.Background(), testJob("incoming/invoices/report.pdf"))
	require.NoError(t, err)

	rec := f.meta.record("report")
	require.NotNil(t, rec)
	assert.Equal(t, models.StateDone, rec.State)
	assert.Equal(t, models.DocumentStatusOK, rec.Status)
	assert.Equal(t, 2, rec.PageCount)
	assert.Empty(t, rec.DegradedPages)
	assert.Equal(t, "processed/invoices/report/content.json", rec.ContentRef)

	raw, ok := f.store.objects["processed/invoices/report/content.json"]
	require.True(t, ok, "content aggregate must be persisted")
	var content models.DocumentContent
	require.NoError(t, json.Unmarshal(raw, &content))
	assert.Equal(t, "report", content.DocumentID)
	assert.Len(t, content.Pages, 2)
	assert.Contains(t, content.ConsolidatedText, "page one text")
	assert.Contains(t, content.ConsolidatedText, "page two text")
	assert.NotEmpty(t, content.CondensedText)
	assert.NotEmpty(t, content.TableOfContents)
	assert.Equal(t, models.DocumentStatusOK, content.Provenance.Status)
	assert.Len(t, content.Provenance.StagesRan, 6)

	assert.Contains(t, f.store.objects, "processed/invoices/report/pages/page_00001.jpg")
	assert.Contains(t, f.store.objects, "processed/invoices/report/consolidated.md")
	assert.Contains(t, f.store.objects, "processed/invoices/report/condensed.md")
	assert.Contains(t, f.store.objects, "processed/invoices/report/toc.md")

	require.Len(t, f.index.indexed, 1)
	assert.Len(t, f.index.indexed[0].Pages, 2)
}

func TestProcessDegradedPages(t *testing.T) {
	rend := &fakeRenderer{pages: []renderer.RenderedPage{
		{PageNumber: 1, Image: []byte{0xff, 0xd8}, RawText: "good page"},
		{PageNumber: 2, Failed: true, FailReason: "rasterization error"},
		{PageNumber: 3, Image: []byte{0xff, 0xd8}, RawText: "another good page"},
		{PageNumber: 4, Failed: true, FailReason: "rasterization error"},
		{PageNumber: 5, Image: []byte{0xff, 0xd8}, RawText: "final page"},
	}}
	f := newFixture(t, rend, echoGateway{})
	putSource(t, f.store, "incoming/invoices/partial.pdf")

	err := f.orch.Process(context.Background(), testJob("incoming/invoices/partial.pdf"))
	require.NoError(t, err, "a degraded page must not fail the document")

	rec := f.meta.record("partial")
	require.NotNil(t, rec)
	assert.Equal(t, models.StateDone, rec.State)
	assert.Equal(t, models.DocumentStatusDegraded, rec.Status)
	assert.Equal(t, []int{2, 4}, rec.DegradedPages)

	var content models.DocumentContent
	require.NoError(t, json.Unmarshal(f.store.objects[rec.ContentRef], &content))
	require.Len(t, content.Pages, 5)
	for _, n := range []int{2, 4} {
		page := content.Pages[n-1]
		assert.True(t, page.Degraded, "page %d", n)
		assert.Empty(t, page.ImageRef, "page %d", n)
		for _, res := range page.Results {
			assert.Equal(t, models.StageStatusFailed, res.Status)
		}
	}
	assert.Contains(t, content.ConsolidatedText, "good page")
	assert.Contains(t, content.ConsolidatedText, "final page")

	// Degraded documents are still indexed.
	require.Len(t, f.index.indexed, 1)

	// No image artifacts for the degraded pages.
	assert.NotContains(t, f.store.objects, "processed/invoices/partial/pages/page_00002.jpg")
	assert.NotContains(t, f.store.objects, "processed/invoices/partial/pages/page_00004.jpg")
	assert.Contains(t, f.store.objects, "processed/invoices/partial/pages/page_00005.jpg")
}

func TestProcessSinglePageDocument(t *testing.T) {
	rend := &fakeRenderer{pages: []renderer.RenderedPage{
		{PageNumber: 1, Image: []byte{0xff, 0xd8}, RawText: "only page"},
	}}
	f := newFixture(t, rend, echoGateway{})
	putSource(t, f.store, "incoming/invoices/single.pdf")

	err := f.orch.Process(context.Background(), testJob("incoming/invoices/single.pdf"))
	require.NoError(t, err)

	rec := f.meta.record("single")
	require.NotNil(t, rec)
	assert.Equal(t, models.StateDone, rec.State)
	assert.Equal(t, models.DocumentStatusOK, rec.Status)
	assert.Equal(t, 1, rec.PageCount)

	var content models.DocumentContent
	require.NoError(t, json.Unmarshal(f.store.objects[rec.ContentRef], &content))
	require.Len(t, content.Pages, 1)
	assert.Contains(t, content.ConsolidatedText, "only page")
	require.Len(t, f.index.indexed, 1)
	assert.Len(t, f.index.indexed[0].Pages, 1)
}

func TestProcessFailsWhenNothingUsable(t *testing.T) {
	rend := &fakeRenderer{pages: []renderer.RenderedPage{
		{PageNumber: 1, Failed: true, FailReason: "unreadable"},
	}}
	f := newFixture(t, rend, echoGateway{})
	putSource(t, f.store, "incoming/invoices/hopeless.pdf")

	err := f.orch.Process(context.Background(), testJob("incoming/invoices/hopeless.pdf"))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrCorruptInput)

	rec := f.meta.record("hopeless")
	require.NotNil(t, rec)
	assert.Equal(t, models.StateFailed, rec.State)
	assert.Equal(t, models.DocumentStatusFailed, rec.Status)
	assert.Empty(t, f.index.indexed)
}

func TestProcessCorruptSource(t *testing.T) {
	rend := &fakeRenderer{err: fmt.Errorf("%w: not a document", models.ErrCorruptInput)}
	f := newFixture(t, rend, echoGateway{})
	putSource(t, f.store, "incoming/invoices/garbage.bin")

	err := f.orch.Process(context.Background(), testJob("incoming/invoices/garbage.bin"))
	assert.ErrorIs(t, err, models.ErrCorruptInput)

	rec := f.meta.record("garbage")
	require.NotNil(t, rec)
	assert.Equal(t, models.StateFailed, rec.State)
}

func TestProcessMissingSourceIsTransient(t *testing.T) {
	rend := &fakeRenderer{}
	f := newFixture(t, rend, echoGateway{})

	err := f.orch.Process(context.Background(), testJob("incoming/invoices/nowhere.pdf"))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrTransientIO, "a fetch failure must stay retryable")
}

func TestProcessIndexFailureIsTransient(t *testing.T) {
	rend := &fakeRenderer{pages: []renderer.RenderedPage{
		{PageNumber: 1, Image: []byte{0xff, 0xd8}, RawText: "content"},
	}}
	f := newFixture(t, rend, echoGateway{})
	f.index.indexErr = errors.New("redis down")
	putSource(t, f.store, "incoming/invoices/doc.pdf")

	err := f.orch.Process(context.Background(), testJob("incoming/invoices/doc.pdf"))
	assert.ErrorIs(t, err, models.ErrTransientIO)
}

func TestProcessRerunOverwrites(t *testing.T) {
	rend := &fakeRenderer{pages: []renderer.RenderedPage{
		{PageNumber: 1, Image: []byte{0xff, 0xd8}, RawText: "stable content"},
	}}
	f := newFixture(t, rend, echoGateway{})
	putSource(t, f.store, "incoming/invoices/rerun.pdf")

	job := testJob("incoming/invoices/rerun.pdf")
	require.NoError(t, f.orch.Process(context.Background(), job))
	require.NoError(t, f.orch.Process(context.Background(), job))

	// Same document id, same artifact keys: the second run replaces
	// the first instead of duplicating it.
	keys, err := f.store.List(context.Background(), "processed/invoices/rerun/")
	require.NoError(t, err)
	assert.Len(t, keys, 5)
	assert.Len(t, f.index.indexed, 2)
	assert.Equal(t, f.index.indexed[0].DocumentID, f.index.indexed[1].DocumentID)
}

func TestDocumentID(t *testing.T) {
	assert.Equal(t, "report", DocumentID("incoming/invoices/report.pdf"))
	assert.Equal(t, "my-file-v2", DocumentID("incoming/my file v2.pdf"))
	assert.Equal(t, "report", DocumentID("report.pdf"))
	assert.Equal(t, "document", DocumentID(""))
	// Same key, same id.
	assert.Equal(t, DocumentID("a/b/c.pdf"), DocumentID("a/b/c.pdf"))
}
