package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"dripflow/internal/models"
)

var ErrNoActiveCampaign = errors.New("db: no active campaign")

// CreateCampaign inserts a campaign with its steps and marks it active.
// Deactivating every other campaign happens in the same transaction, so
// "at most one active campaign" holds no matter how calls interleave.
func (s *Store) CreateCampaign(ctx context.Context, name, fromEmail string, steps []models.CampaignEmail) (*models.Campaign, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE campaigns SET is_active = FALSE WHERE is_active = TRUE`,
	); err != nil {
		return nil, fmt.Errorf("deactivating campaigns: %w", err)
	}

	campaign := models.Campaign{Name: name, FromEmail: fromEmail, IsActive: true}
	if err := tx.QueryRow(ctx,
		`INSERT INTO campaigns (name, from_email, is_active)
		 VALUES ($1, $2, TRUE)
		 RETURNING id, created_at`,
		name, fromEmail,
	).Scan(&campaign.ID, &campaign.CreatedAt); err != nil {
		return nil, fmt.Errorf("inserting campaign: %w", err)
	}

	for _, step := range steps {
		if _, err := tx.Exec(ctx,
			`INSERT INTO campaign_emails
			 (campaign_id, sequence_number, subject, html_content, delay_hours)
			 VALUES ($1, $2, $3, $4, $5)`,
			campaign.ID, step.SequenceNumber, step.Subject, step.HTMLContent, step.DelayHours,
		); err != nil {
			return nil, fmt.Errorf("inserting campaign step %d: %w", step.SequenceNumber, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &campaign, nil
}

// SetCampaignActive toggles a campaign. Activating one deactivates all
// others in the same transaction.
func (s *Store) SetCampaignActive(ctx context.Context, id uuid.UUID, active bool) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if active {
		if _, err := tx.Exec(ctx,
			`UPDATE campaigns SET is_active = FALSE WHERE is_active = TRUE`,
		); err != nil {
			return fmt.Errorf("deactivating campaigns: %w", err)
		}
	}

	tag, err := tx.Exec(ctx,
		`UPDATE campaigns SET is_active = $1 WHERE id = $2`,
		active, id,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}

	return tx.Commit(ctx)
}

func (s *Store) ListCampaigns(ctx context.Context) ([]models.Campaign, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT id, name, from_email, is_active, created_at
		 FROM campaigns
		 ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var campaigns []models.Campaign
	for rows.Next() {
		var c models.Campaign
		if err := rows.Scan(&c.ID, &c.Name, &c.FromEmail, &c.IsActive, &c.CreatedAt); err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

// EnrollTrial records a signup and schedules one pending email per step of
// the active campaign, offset by each step's delay. Everything happens in
// one transaction so a trial never ends up with a partial schedule.
func (s *Store) EnrollTrial(ctx context.Context, email, name string, now time.Time) (*models.UserTrial, int, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback(ctx)

	var campaignID uuid.UUID
	err = tx.QueryRow(ctx,
		`SELECT id FROM campaigns WHERE is_active = TRUE LIMIT 1`,
	).Scan(&campaignID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, ErrNoActiveCampaign
	}
	if err != nil {
		return nil, 0, err
	}

	trial := models.UserTrial{Email: email, Name: name}
	if err := tx.QueryRow(ctx,
		`INSERT INTO user_trials (email, name) VALUES ($1, $2)
		 RETURNING id, created_at`,
		email, name,
	).Scan(&trial.ID, &trial.CreatedAt); err != nil {
		return nil, 0, fmt.Errorf("inserting trial: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO scheduled_emails
		 (user_trial_id, campaign_email_id, recipient_email, recipient_name, scheduled_for, status)
		 SELECT $1, ce.id, $2, $3, $4::timestamptz + make_interval(hours => ce.delay_hours), $5
		 FROM campaign_emails ce
		 WHERE ce.campaign_id = $6`,
		trial.ID, email, name, now, models.StatusPending, campaignID,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("scheduling emails: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, 0, err
	}
	return &trial, int(tag.RowsAffected()), nil
}
