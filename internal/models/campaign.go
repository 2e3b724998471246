package models

import (
	"time"

	"github.com/google/uuid"
)

// Campaign is a drip sequence. At most one campaign is active at a time;
// the store enforces this transactionally on create and activate.
type Campaign struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	FromEmail string    `json:"from_email"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// CampaignEmail is one step of a campaign: the content to send and the
// delay after enrollment at which it becomes due.
type CampaignEmail struct {
	ID             uuid.UUID `json:"id"`
	CampaignID     uuid.UUID `json:"campaign_id"`
	SequenceNumber int       `json:"sequence_number"`
	Subject        string    `json:"subject"`
	HTMLContent    string    `json:"html_content"`
	DelayHours     int       `json:"delay_hours"`
	CreatedAt      time.Time `json:"created_at"`
}

// UserTrial is a signup. Enrolling one creates a pending scheduled email
// per step of the active campaign.
type UserTrial struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}
