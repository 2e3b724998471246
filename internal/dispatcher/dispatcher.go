package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dripflow/internal/metrics"
	"dripflow/internal/models"
	"dripflow/internal/provider"
)

// ErrNotConfigured means the run cannot start because no email provider is
// wired, typically a missing API key. No jobs are touched in that case.
var ErrNotConfigured = errors.New("dispatcher: email provider is not configured")

// cancelledMessage is the fixed diagnostic written on operator cancellation.
const cancelledMessage = "cancelled by operator"

// Store is the slice of the job store the pipeline needs. All status
// updates are guarded on the job still being pending and report whether
// the transition happened.
type Store interface {
	SelectDueJobs(ctx context.Context, now time.Time, limit int) ([]models.ScheduledEmailJob, error)
	MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) (bool, error)
	CancelJob(ctx context.Context, id uuid.UUID, reason string) (bool, error)
}

type Pipeline struct {
	store  Store
	sender provider.Sender
	log    *zap.Logger

	batchLimit      int
	workerCount     int
	dispatchTimeout time.Duration
	senderEmail     string
}

func New(store Store, sender provider.Sender, log *zap.Logger, batchLimit, workerCount int, dispatchTimeout time.Duration, senderEmail string) *Pipeline {
	if batchLimit <= 0 {
		batchLimit = 50
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	return &Pipeline{
		store:           store,
		sender:          sender,
		log:             log,
		batchLimit:      batchLimit,
		workerCount:     workerCount,
		dispatchTimeout: dispatchTimeout,
		senderEmail:     senderEmail,
	}
}

// JobResult is the per-job outcome included in the run summary.
// Recorded is false when the guarded status write did not take effect,
// either because a concurrent run got there first or because the write
// itself failed (Error says which).
type JobResult struct {
	ID         uuid.UUID        `json:"id"`
	Status     models.JobStatus `json:"status"`
	ProviderID string           `json:"provider_id,omitempty"`
	Error      string           `json:"error,omitempty"`
	Recorded   bool             `json:"recorded"`
}

type RunSummary struct {
	Message   string      `json:"message"`
	Processed int         `json:"processed"`
	Sent      int         `json:"sent"`
	Failed    int         `json:"failed"`
	Results   []JobResult `json:"results"`
}

// RunOnce executes one pass of the pipeline: select due jobs, dispatch each
// through the provider, record outcomes. Each run is self-contained and safe
// to invoke concurrently; overlapping runs are serialized per job by the
// store's guarded updates. One job's failure never blocks the rest of the
// batch. A store read failure aborts the run before any send.
func (p *Pipeline) RunOnce(ctx context.Context, now time.Time) (*RunSummary, error) {
	if p.sender == nil {
		return nil, ErrNotConfigured
	}

	start := time.Now()
	defer func() {
		metrics.RunDuration.Observe(time.Since(start).Seconds())
	}()

	jobs, err := p.store.SelectDueJobs(ctx, now, p.batchLimit)
	if err != nil {
		return nil, fmt.Errorf("fetching scheduled emails: %w", err)
	}
	if len(jobs) == 0 {
		return &RunSummary{Message: "No emails to process"}, nil
	}

	jobCh := make(chan models.ScheduledEmailJob)
	resCh := make(chan JobResult, len(jobs))

	var wg sync.WaitGroup
	workers := min(p.workerCount, len(jobs))
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobCh {
				resCh <- p.process(ctx, job)
			}
		}()
	}

feed:
	for _, job := range jobs {
		select {
		case jobCh <- job:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobCh)
	wg.Wait()
	close(resCh)

	summary := &RunSummary{Message: "Emails processed"}
	for res := range resCh {
		summary.Processed++
		if res.Status == models.StatusSent {
			summary.Sent++
		} else {
			summary.Failed++
		}
		summary.Results = append(summary.Results, res)
	}
	return summary, nil
}

// process dispatches a single job and records its outcome. The provider
// call gets its own bounded timeout; on expiry the outcome is a transport
// failure like any other incomplete request.
func (p *Pipeline) process(ctx context.Context, job models.ScheduledEmailJob) JobResult {
	sendCtx, cancel := context.WithTimeout(ctx, p.dispatchTimeout)
	defer cancel()

	from := job.FromEmail
	if from == "" {
		from = p.senderEmail
	}

	outcome := p.sender.Send(sendCtx, provider.Email{
		From:    from,
		To:      job.RecipientEmail,
		ToName:  job.RecipientName,
		Subject: job.Subject,
		HTML:    job.HTMLContent,
	})

	if outcome.Kind == models.OutcomeDelivered {
		metrics.EmailsSent.Inc()

		sentAt := time.Now().UTC()
		recorded, err := p.store.MarkSent(ctx, job.ID, sentAt)
		result := JobResult{
			ID:         job.ID,
			Status:     models.StatusSent,
			ProviderID: outcome.ProviderMessageID,
			Recorded:   recorded,
		}
		if err != nil {
			// The provider already accepted the email; the stale record
			// is an acknowledged inconsistency, not a reason to retry.
			result.Error = "recording sent status: " + err.Error()
			p.log.Error("failed to record sent status",
				zap.String("job_id", job.ID.String()),
				zap.Error(err),
			)
			return result
		}
		p.log.Info("email sent",
			zap.String("job_id", job.ID.String()),
			zap.String("to", job.RecipientEmail),
			zap.String("provider_id", outcome.ProviderMessageID),
			zap.Bool("recorded", recorded),
		)
		return result
	}

	metrics.EmailFailures.Inc()

	recorded, err := p.store.MarkFailed(ctx, job.ID, outcome.Detail)
	result := JobResult{
		ID:       job.ID,
		Status:   models.StatusFailed,
		Error:    outcome.Detail,
		Recorded: recorded,
	}
	if err != nil {
		result.Error = outcome.Detail + "; recording failed status: " + err.Error()
	}
	p.log.Warn("email dispatch failed",
		zap.String("job_id", job.ID.String()),
		zap.String("to", job.RecipientEmail),
		zap.String("outcome", string(outcome.Kind)),
		zap.String("detail", outcome.Detail),
	)
	return result
}

// Cancel transitions a pending job to cancelled with a fixed diagnostic.
// Jobs already in a terminal state are untouched and the call reports false.
func (p *Pipeline) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	cancelled, err := p.store.CancelJob(ctx, id, cancelledMessage)
	if err != nil {
		return false, fmt.Errorf("cancelling job: %w", err)
	}
	if cancelled {
		p.log.Info("job cancelled", zap.String("job_id", id.String()))
	}
	return cancelled, nil
}
