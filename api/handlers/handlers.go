package handlers

import (
	"github.com/feichai0017/docflow/config"
	"github.com/feichai0017/docflow/internal/intake"
	"github.com/feichai0017/docflow/internal/metadata"
	"github.com/feichai0017/docflow/pkg/logger"
	"github.com/feichai0017/docflow/pkg/queue"
	"github.com/feichai0017/docflow/pkg/storage"
)

type Handlers struct {
	Events   *EventsHandler
	Document *DocumentHandler
	Queue    *QueueHandler
}

func NewHandlers(
	svc *intake.Service,
	store storage.Storage,
	meta *metadata.Store,
	q queue.Queue,
	cfg *config.Config,
	log logger.Logger,
) *Handlers {
	return &Handlers{
		Events:   NewEventsHandler(svc, log),
		Document: NewDocumentHandler(svc, store, meta, cfg.Storage.IncomingPrefix, log),
		Queue:    NewQueueHandler(q, log),
	}
}
