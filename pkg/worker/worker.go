package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/feichai0017/docflow/internal/models"
	"github.com/feichai0017/docflow/pkg/logger"
	"github.com/feichai0017/docflow/pkg/queue"
)

// Processor runs one decoded job to completion. The orchestrator
// implements this; tests substitute fakes.
type Processor interface {
	Process(ctx context.Context, job *queue.Job) error
}

// Config holds the pool's scaling and timeout policy.
type Config struct {
	// MaxExecutions bounds concurrently leased messages.
	MaxExecutions int

	// PollingInterval is how long the pool sleeps after finding the
	// queue empty. While the queue stays empty no lease is held and no
	// goroutine does work, so the pool effectively scales to zero.
	PollingInterval time.Duration

	// JobTimeout is the hard wall-clock budget for one document run.
	JobTimeout time.Duration

	// RenewInterval is the lease heartbeat period. Must be comfortably
	// below the queue's lock duration.
	RenewInterval time.Duration
}

// Pool drains the job queue with bounded parallelism. Each leased
// message is decoded, processed under a hard timeout, and then
// completed, abandoned or dead-lettered according to the outcome.
type Pool struct {
	queue  queue.Queue
	proc   Processor
	cfg    Config
	logger logger.Logger

	wg    sync.WaitGroup
	slots chan struct{}
}

func NewPool(q queue.Queue, proc Processor, cfg Config, log logger.Logger) (*Pool, error) {
	if cfg.MaxExecutions < 1 {
		return nil, errors.New("worker: MaxExecutions must be at least 1")
	}
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = 30 * time.Second
	}
	if cfg.JobTimeout <= 0 {
		return nil, errors.New("worker: JobTimeout must be positive")
	}
	if cfg.RenewInterval <= 0 {
		cfg.RenewInterval = time.Minute
	}
	return &Pool{
		queue:  q,
		proc:   proc,
		cfg:    cfg,
		logger: log.Named("worker"),
		slots:  make(chan struct{}, cfg.MaxExecutions),
	}, nil
}

// Run polls the queue until ctx is cancelled, then waits for in-flight
// jobs to finish.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("Worker pool started",
		logger.Int("maxExecutions", p.cfg.MaxExecutions),
		logger.Duration("pollingInterval", p.cfg.PollingInterval),
	)

	for {
		if err := ctx.Err(); err != nil {
			break
		}

		capacity := cap(p.slots) - len(p.slots)
		if capacity == 0 {
			// Every slot busy; wait for one to free up.
			if !p.sleep(ctx, 100*time.Millisecond) {
				break
			}
			continue
		}

		leases, err := p.queue.Receive(ctx, capacity)
		if err != nil {
			p.logger.Error("Failed to receive messages", logger.Error(err))
			if !p.sleep(ctx, p.cfg.PollingInterval) {
				break
			}
			continue
		}

		if len(leases) == 0 {
			if !p.sleep(ctx, p.cfg.PollingInterval) {
				break
			}
			continue
		}

		for _, lease := range leases {
			p.slots <- struct{}{}
			p.wg.Add(1)
			go p.handle(ctx, lease)
		}
	}

	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
	return ctx.Err()
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (p *Pool) handle(ctx context.Context, lease queue.Lease) {
	defer p.wg.Done()
	defer func() { <-p.slots }()

	msg := lease.Message()
	log := p.logger.With(logger.String("messageId", msg.ID), logger.Int("deliveryCount", msg.DeliveryCount))

	job, err := queue.DecodeJob(msg.Body)
	if err != nil {
		log.Error("Rejecting malformed message", logger.Error(err))
		p.settle(lease.Reject, "malformed message: "+err.Error(), log)
		return
	}

	log = log.With(logger.String("jobId", job.JobID), logger.String("sourceUri", job.SourceURI))
	log.Info("Processing job")

	jctx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	defer cancel()

	stopRenew := p.keepAlive(jctx, lease, log)
	err = p.proc.Process(jctx, job)
	stopRenew()

	switch {
	case err == nil:
		log.Info("Job completed")
		p.complete(lease, log)
	case errors.Is(err, models.ErrCorruptInput):
		// Redelivery cannot fix an unreadable source.
		log.Error("Job failed on corrupt input", logger.Error(err))
		p.settle(lease.Reject, "corrupt input: "+err.Error(), log)
	default:
		log.Warn("Job failed, releasing lease for redelivery", logger.Error(err))
		p.abandon(lease, log)
	}
}

// keepAlive renews the lease periodically while the job runs. The
// returned func stops the heartbeat.
func (p *Pool) keepAlive(ctx context.Context, lease queue.Lease, log logger.Logger) func() {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(p.cfg.RenewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := lease.Renew(ctx); err != nil {
					log.Warn("Failed to renew lease", logger.Error(err))
					return
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

// Queue settlement runs on a fresh context: the job context may already
// be cancelled or expired by the time the outcome is recorded.

func (p *Pool) complete(lease queue.Lease, log logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := lease.Complete(ctx); err != nil {
		log.Error("Failed to complete message", logger.Error(err))
	}
}

func (p *Pool) abandon(lease queue.Lease, log logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := lease.Abandon(ctx); err != nil {
		log.Error("Failed to abandon lease", logger.Error(err))
	}
}

func (p *Pool) settle(op func(context.Context, string) error, reason string, log logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := op(ctx, reason); err != nil {
		log.Error("Failed to dead-letter message", logger.Error(err))
	}
}
