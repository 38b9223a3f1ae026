package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/eventdesk/backend/pkg/apperror"
	"github.com/eventdesk/backend/pkg/queue"
)

// pollTimeout bounds each blocking dequeue so shutdown is noticed promptly.
const pollTimeout = 5 * time.Second

// JobQueue is the subset of *queue.Queue the processor uses.
type JobQueue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// Archiver renders and stores a ticket pass.
type Archiver interface {
	Archive(ctx context.Context, ticketCode string) (string, error)
}

// TicketPassProcessor archives ticket passes for approved registrations.
type TicketPassProcessor struct {
	archiver Archiver
	queue    JobQueue
	logger   *zap.Logger
	backoff  time.Duration
}

// NewTicketPassProcessor creates a ticket pass processor.
func NewTicketPassProcessor(archiver Archiver, q JobQueue, logger *zap.Logger) *TicketPassProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TicketPassProcessor{archiver: archiver, queue: q, logger: logger, backoff: queue.RetryBackoff}
}

// Process executes one job. Jobs for tickets that are gone or no longer
// approved are dropped; other failures are returned for retry.
func (p *TicketPassProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeTicketPass {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.TicketPassPayload
	if err := job.Decode(&payload); err != nil {
		return err
	}

	key, err := p.archiver.Archive(ctx, payload.TicketCode)
	switch apperror.KindOf(err) {
	case "":
		p.logger.Info("ticket pass completed",
			zap.String("registration_id", payload.RegistrationID.String()),
			zap.String("s3_key", key),
		)
		return nil
	case apperror.KindNotFound, apperror.KindNotApproved:
		p.logger.Info("ticket pass skipped",
			zap.String("registration_id", payload.RegistrationID.String()),
			zap.String("reason", string(apperror.KindOf(err))),
		)
		return nil
	}
	return fmt.Errorf("archive %s: %w", payload.TicketCode, err)
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *TicketPassProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("ticket pass worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx, pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *TicketPassProcessor) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.backoff):
	}
}
