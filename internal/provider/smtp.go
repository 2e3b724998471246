package provider

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"

	"dripflow/internal/models"
)

// SMTP delivers through a local SMTP server, for development against
// MailHog or similar. SMTP has no provider message id and no structured
// rejection, so any error is reported as a transport failure.
type SMTP struct {
	Host string
	Port int
}

func (s *SMTP) Send(ctx context.Context, email Email) models.DispatchOutcome {
	m := gomail.NewMessage()
	m.SetHeader("From", email.From)
	if email.ToName != "" {
		m.SetAddressHeader("To", email.To, email.ToName)
	} else {
		m.SetHeader("To", email.To)
	}
	m.SetHeader("Subject", email.Subject)
	m.SetBody("text/html", email.HTML)

	d := gomail.NewDialer(s.Host, s.Port, "", "")

	if err := d.DialAndSend(m); err != nil {
		return models.TransportFailure(fmt.Sprintf("smtp send error: %v", err))
	}
	return models.Delivered("")
}
