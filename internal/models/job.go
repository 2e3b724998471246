package models

import (
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusSent      JobStatus = "sent"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// CanTransitionTo reports whether a status change is allowed.
// Jobs only ever move out of pending; sent, failed and cancelled are terminal.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if s != StatusPending {
		return false
	}
	switch next {
	case StatusSent, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (s JobStatus) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

// ScheduledEmailJob is one scheduled send for one recipient and one campaign
// step. Rows are created by trial enrollment and mutated only through guarded
// status updates, so SentAt is set iff the job is sent and ErrorMessage is set
// iff the job is failed or cancelled.
type ScheduledEmailJob struct {
	ID              uuid.UUID  `json:"id"`
	UserTrialID     uuid.UUID  `json:"user_trial_id"`
	CampaignEmailID uuid.UUID  `json:"campaign_email_id"`
	RecipientEmail  string     `json:"recipient_email"`
	RecipientName   string     `json:"recipient_name"`
	ScheduledFor    time.Time  `json:"scheduled_for"`
	Status          JobStatus  `json:"status"`
	SentAt          *time.Time `json:"sent_at,omitempty"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`

	// Resolved from the owning campaign step when selecting due jobs.
	Subject     string `json:"subject,omitempty"`
	HTMLContent string `json:"-"`
	FromEmail   string `json:"-"`
}

// Due reports whether the job is eligible for dispatch at the given time.
func (j *ScheduledEmailJob) Due(now time.Time) bool {
	return j.Status == StatusPending && !j.ScheduledFor.After(now)
}
