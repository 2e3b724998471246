package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"dripflow/internal/models"
)

// Resend sends through the Resend HTTP API. Non-2xx response bodies are
// captured verbatim so the rejection payload lands in the job diagnostics
// untouched.
type Resend struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewResend(endpoint, apiKey string, timeout time.Duration) *Resend {
	return &Resend{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

type sendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

func (r *Resend) Send(ctx context.Context, email Email) models.DispatchOutcome {
	payload, err := json.Marshal(sendRequest{
		From:    email.From,
		To:      []string{email.To},
		Subject: email.Subject,
		HTML:    email.HTML,
	})
	if err != nil {
		return models.TransportFailure("encoding request: " + err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(payload))
	if err != nil {
		return models.TransportFailure("building request: " + err.Error())
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return models.TransportFailure(err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.TransportFailure("reading response: " + err.Error())
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return models.Rejected(string(body))
	}

	var accepted struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &accepted); err != nil {
		return models.TransportFailure("malformed response: " + err.Error())
	}
	return models.Delivered(accepted.ID)
}
