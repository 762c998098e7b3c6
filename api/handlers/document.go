package handlers

import (
	"errors"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/docflow/internal/intake"
	"github.com/feichai0017/docflow/internal/metadata"
	"github.com/feichai0017/docflow/pkg/logger"
	"github.com/feichai0017/docflow/pkg/storage"
)

type DocumentHandler struct {
	service        *intake.Service
	store          storage.Storage
	meta           *metadata.Store
	incomingPrefix string
	logger         logger.Logger
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// UploadResponse describes an accepted direct upload.
type UploadResponse struct {
	JobID     string `json:"jobId"`
	Key       string `json:"key"`
	Filename  string `json:"filename"`
	FileSize  int64  `json:"fileSize"`
	CreatedAt string `json:"createdAt"`
}

func NewDocumentHandler(service *intake.Service, store storage.Storage, meta *metadata.Store, incomingPrefix string, log logger.Logger) *DocumentHandler {
	return &DocumentHandler{
		service:        service,
		store:          store,
		meta:           meta,
		incomingPrefix: incomingPrefix,
		logger:         log,
	}
}

// Upload stores an uploaded file under the incoming prefix and
// enqueues it directly, bypassing the event path. The optional
// "category" form field routes the document; it defaults to "general".
func (h *DocumentHandler) Upload(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid file upload", err)
		return
	}
	defer file.Close()

	category := c.PostForm("category")
	if category == "" {
		category = "general"
	}
	key := path.Join(h.incomingPrefix, category, path.Base(header.Filename))

	if err := h.store.Store(c.Request.Context(), key, file, header.Size); err != nil {
		h.handleError(c, http.StatusInternalServerError, "Failed to store file", err)
		return
	}
	jobID, err := h.service.Enqueue(c.Request.Context(), key)
	if err != nil {
		h.handleError(c, http.StatusInternalServerError, "Failed to enqueue job", err)
		return
	}

	c.JSON(http.StatusAccepted, UploadResponse{
		JobID:     jobID,
		Key:       key,
		Filename:  header.Filename,
		FileSize:  header.Size,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
}

// GetStatus returns the run record of a document.
func (h *DocumentHandler) GetStatus(c *gin.Context) {
	documentID := c.Param("documentId")
	if documentID == "" {
		h.handleError(c, http.StatusBadRequest, "Document ID is required", nil)
		return
	}

	rec, err := h.meta.Get(c.Request.Context(), documentID)
	if errors.Is(err, metadata.ErrNotFound) {
		h.handleError(c, http.StatusNotFound, "Document not found", nil)
		return
	}
	if err != nil {
		h.handleError(c, http.StatusInternalServerError, "Failed to get status", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"documentId":    rec.DocumentID,
		"category":      rec.Category,
		"sourceUri":     rec.SourceURI,
		"state":         string(rec.State),
		"status":        string(rec.Status),
		"pageCount":     rec.PageCount,
		"degradedPages": rec.DegradedPages,
		"contentRef":    rec.ContentRef,
		"error":         rec.Error,
		"startedAt":     timeField(rec.StartedAt),
		"finishedAt":    timeField(rec.FinishedAt),
	})
}

// DownloadContent streams the persisted content aggregate of a
// finished document.
func (h *DocumentHandler) DownloadContent(c *gin.Context) {
	documentID := c.Param("documentId")
	if documentID == "" {
		h.handleError(c, http.StatusBadRequest, "Document ID is required", nil)
		return
	}

	rec, err := h.meta.Get(c.Request.Context(), documentID)
	if errors.Is(err, metadata.ErrNotFound) {
		h.handleError(c, http.StatusNotFound, "Document not found", nil)
		return
	}
	if err != nil {
		h.handleError(c, http.StatusInternalServerError, "Failed to get document", err)
		return
	}
	if rec.ContentRef == "" {
		h.handleError(c, http.StatusConflict, "Document has no content yet", nil)
		return
	}

	rc, err := h.store.Get(c.Request.Context(), rec.ContentRef)
	if err != nil {
		h.handleError(c, http.StatusInternalServerError, "Failed to read content", err)
		return
	}
	defer rc.Close()

	c.Header("Content-Disposition", `attachment; filename="content_`+documentID+`.json"`)
	c.Status(http.StatusOK)
	c.Header("Content-Type", "application/json")
	if _, err := io.Copy(c.Writer, rc); err != nil {
		h.logger.Error("Failed to stream content",
			logger.String("documentId", documentID),
			logger.Error(err),
		)
	}
}

func (h *DocumentHandler) handleError(c *gin.Context, status int, message string, err error) {
	detail := ""
	if err != nil {
		detail = err.Error()
		h.logger.Error(message, logger.Error(err))
	}
	c.JSON(status, ErrorResponse{Error: message, Message: detail})
}

func timeField(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
