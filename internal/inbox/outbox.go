package inbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/kalambet/recoverd/internal/notify"
	"github.com/kalambet/recoverd/internal/storage"
)

// JobType is the job queue type for pending remote deliveries.
const JobType = "inbox_deliver"

// JobQueue persists work for the outbox worker.
type JobQueue interface {
	EnqueueJob(ctx context.Context, job storage.Job) error
}

// Outbox writes each event to the local inbox and queues a job that forwards
// it to the remote inbox. The remote call never runs on the request path.
type Outbox struct {
	local  notify.Inbox
	jobs   JobQueue
	logger *slog.Logger
}

// NewOutbox creates an Outbox.
func NewOutbox(local notify.Inbox, jobs JobQueue) *Outbox {
	return &Outbox{local: local, jobs: jobs, logger: slog.Default()}
}

// Deliver stores ev locally, then queues the remote forward. It fails only
// when neither write succeeded.
func (o *Outbox) Deliver(ctx context.Context, recipientID string, ev notify.Event) error {
	localErr := o.local.Deliver(ctx, recipientID, ev)
	if localErr != nil {
		o.logger.Warn("local inbox write failed", "user_id", recipientID, "event_id", ev.ID, "error", localErr)
	}

	payload, err := json.Marshal(Payload{RecipientID: recipientID, Event: ev})
	if err != nil {
		return fmt.Errorf("encoding outbox payload: %w", err)
	}
	jobErr := o.jobs.EnqueueJob(ctx, storage.Job{
		ID:          uuid.New().String(),
		Type:        JobType,
		PayloadJSON: string(payload),
		MaxAttempts: 5,
	})
	if jobErr != nil {
		o.logger.Warn("queueing remote inbox delivery failed", "user_id", recipientID, "event_id", ev.ID, "error", jobErr)
	}

	if localErr != nil && jobErr != nil {
		return fmt.Errorf("inbox unavailable: local: %v, outbox: %w", localErr, jobErr)
	}
	return nil
}
