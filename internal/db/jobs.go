package db

import (
	"context"
	"time"

	"github.com/google/uuid"

	"dripflow/internal/models"
)

// SelectDueJobs returns pending jobs whose scheduled time has passed,
// oldest first, capped at limit. The subject, body and sender are resolved
// from the owning campaign step. Read-only: jobs are not claimed here.
func (s *Store) SelectDueJobs(ctx context.Context, now time.Time, limit int) ([]models.ScheduledEmailJob, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT se.id, se.user_trial_id, se.campaign_email_id,
		        se.recipient_email, se.recipient_name,
		        se.scheduled_for, se.status, se.sent_at, se.error_message, se.created_at,
		        ce.subject, ce.html_content, c.from_email
		 FROM scheduled_emails se
		 JOIN campaign_emails ce ON ce.id = se.campaign_email_id
		 JOIN campaigns c ON c.id = ce.campaign_id
		 WHERE se.status = $1 AND se.scheduled_for <= $2
		 ORDER BY se.scheduled_for ASC
		 LIMIT $3`,
		models.StatusPending, now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []models.ScheduledEmailJob
	for rows.Next() {
		var j models.ScheduledEmailJob
		if err := rows.Scan(
			&j.ID, &j.UserTrialID, &j.CampaignEmailID,
			&j.RecipientEmail, &j.RecipientName,
			&j.ScheduledFor, &j.Status, &j.SentAt, &j.ErrorMessage, &j.CreatedAt,
			&j.Subject, &j.HTMLContent, &j.FromEmail,
		); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// MarkSent transitions a job to sent. The update is guarded on the job
// still being pending, so a concurrent run that already recorded a terminal
// state wins and this call reports false. Note this makes terminal-state
// recording at-most-once, not delivery: two overlapping runs can both read
// the job as pending and both call the provider before either writes.
func (s *Store) MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) (bool, error) {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE scheduled_emails
		 SET status = $1, sent_at = $2
		 WHERE id = $3 AND status = $4`,
		models.StatusSent, sentAt, id, models.StatusPending,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkFailed transitions a job to failed with a diagnostic message,
// guarded the same way as MarkSent.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) (bool, error) {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE scheduled_emails
		 SET status = $1, error_message = $2
		 WHERE id = $3 AND status = $4`,
		models.StatusFailed, errorMessage, id, models.StatusPending,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CancelJob transitions a pending job to cancelled. A job already sent or
// failed is left untouched and the call reports false.
func (s *Store) CancelJob(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE scheduled_emails
		 SET status = $1, error_message = $2
		 WHERE id = $3 AND status = $4`,
		models.StatusCancelled, reason, id, models.StatusPending,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// PurgeCancelled deletes cancelled jobs. Administrative cleanup; the guard
// keeps it from ever touching rows in another state.
func (s *Store) PurgeCancelled(ctx context.Context) (int64, error) {
	tag, err := s.Pool.Exec(ctx,
		`DELETE FROM scheduled_emails WHERE status = $1`,
		models.StatusCancelled,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListJobs returns the most recently created jobs for the status dashboard.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]models.ScheduledEmailJob, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT se.id, se.user_trial_id, se.campaign_email_id,
		        se.recipient_email, se.recipient_name,
		        se.scheduled_for, se.status, se.sent_at, se.error_message, se.created_at,
		        ce.subject
		 FROM scheduled_emails se
		 JOIN campaign_emails ce ON ce.id = se.campaign_email_id
		 ORDER BY se.created_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []models.ScheduledEmailJob
	for rows.Next() {
		var j models.ScheduledEmailJob
		if err := rows.Scan(
			&j.ID, &j.UserTrialID, &j.CampaignEmailID,
			&j.RecipientEmail, &j.RecipientName,
			&j.ScheduledFor, &j.Status, &j.SentAt, &j.ErrorMessage, &j.CreatedAt,
			&j.Subject,
		); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
