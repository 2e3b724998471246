package provider

import (
	"context"

	"dripflow/internal/models"
)

// Email is a fully-prepared message ready for a single send attempt.
type Email struct {
	From    string
	To      string
	ToName  string
	Subject string
	HTML    string
}

// Sender submits one email to a transactional-email provider. A single call
// makes exactly one attempt; the outcome says whether the provider accepted
// it, rejected it, or the request never completed.
type Sender interface {
	Send(ctx context.Context, email Email) models.DispatchOutcome
}
