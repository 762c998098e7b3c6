// Package intake turns object-storage events into queue jobs.
package intake

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/feichai0017/docflow/config"
	"github.com/feichai0017/docflow/pkg/logger"
	"github.com/feichai0017/docflow/pkg/queue"
)

// ObjectEvent is one storage notification, normalized across sources
// (webhook push or bucket listener).
type ObjectEvent struct {
	// Subject is the object key the event refers to.
	Subject string `json:"subject"`
	// EventType names what happened, e.g. "ObjectCreated".
	EventType string `json:"eventType"`
	// ResourceID is the emitter's id for the event, used only for
	// logging.
	ResourceID string `json:"resourceId"`
}

// BucketListener is implemented by storage backends that can stream
// object-created notifications directly.
type BucketListener interface {
	ListenObjectCreated(ctx context.Context, prefix, suffix string, fn func(key string)) error
}

// Filter decides which events become jobs. All configured conditions
// must hold; an empty condition always holds.
type Filter struct {
	IncludedEventTypes []string
	SubjectBeginsWith  string
	SubjectEndsWith    string
}

// Match reports whether the event passes the filter.
func (f Filter) Match(ev ObjectEvent) bool {
	if len(f.IncludedEventTypes) > 0 {
		var found bool
		for _, t := range f.IncludedEventTypes {
			if strings.EqualFold(t, ev.EventType) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.SubjectBeginsWith != "" && !strings.HasPrefix(ev.Subject, f.SubjectBeginsWith) {
		return false
	}
	if f.SubjectEndsWith != "" && !strings.HasSuffix(ev.Subject, f.SubjectEndsWith) {
		return false
	}
	return true
}

// Service converts accepted events into queue jobs.
type Service struct {
	queue  queue.Queue
	filter Filter
	logger logger.Logger
}

func NewService(q queue.Queue, cfg config.IntakeConfig, log logger.Logger) *Service {
	return &Service{
		queue: q,
		filter: Filter{
			IncludedEventTypes: cfg.IncludedEventTypes,
			SubjectBeginsWith:  cfg.SubjectBeginsWith,
			SubjectEndsWith:    cfg.SubjectEndsWith,
		},
		logger: log.Named("intake"),
	}
}

// HandleEvent enqueues a job for the event if the filter accepts it.
// It returns the job id and whether the event was accepted; filtered
// events are dropped silently, which is the normal case for chatter
// like delete notifications.
func (s *Service) HandleEvent(ctx context.Context, ev ObjectEvent) (string, bool, error) {
	if ev.Subject == "" {
		return "", false, fmt.Errorf("event has no subject")
	}
	if !s.filter.Match(ev) {
		s.logger.Debug("Event filtered out",
			logger.String("subject", ev.Subject),
			logger.String("eventType", ev.EventType),
		)
		return "", false, nil
	}

	jobID, err := s.Enqueue(ctx, ev.Subject)
	if err != nil {
		return "", false, err
	}
	s.logger.Info("Job enqueued",
		logger.String("jobId", jobID),
		logger.String("subject", ev.Subject),
		logger.String("resourceId", ev.ResourceID),
	)
	return jobID, true, nil
}

// Enqueue creates a job for an object key directly, bypassing the
// event filter. Direct uploads use this path.
func (s *Service) Enqueue(ctx context.Context, key string) (string, error) {
	jobID := uuid.New().String()
	body, err := queue.EncodeJob(&queue.Job{
		JobID:      jobID,
		SourceURI:  key,
		Category:   CategoryOf(key, s.filter.SubjectBeginsWith),
		EnqueuedAt: time.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	if _, err := s.queue.Enqueue(ctx, body); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return jobID, nil
}

// Listen consumes bucket notifications until ctx is done. It is used
// when the storage backend can push events itself instead of relying
// on the webhook.
func (s *Service) Listen(ctx context.Context, l BucketListener) error {
	return l.ListenObjectCreated(ctx, s.filter.SubjectBeginsWith, s.filter.SubjectEndsWith, func(key string) {
		if _, err := s.Enqueue(ctx, key); err != nil {
			s.logger.Error("Failed to enqueue notification",
				logger.String("key", key),
				logger.Error(err),
			)
		}
	})
}

// CategoryOf derives the document category from the object key: the
// first path element after the incoming prefix. Keys with no such
// element fall into "general".
func CategoryOf(key, incomingPrefix string) string {
	rest := strings.TrimPrefix(key, incomingPrefix)
	rest = strings.TrimPrefix(rest, "/")
	if i := strings.IndexByte(rest, '/'); i > 0 {
		return rest[:i]
	}
	return "general"
}
