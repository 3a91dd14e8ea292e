package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/crashguard/internal/report"
)

// Sink POSTs each event as a JSON document to the backend endpoint.
// When a token is configured it is sent as a bearer credential.
type Sink struct {
	client   *http.Client
	endpoint string
	token    string
}

// New creates a sink. A positive timeout bounds each request; otherwise only
// the caller's context does.
func New(endpoint, token string, timeout time.Duration) *Sink {
	if timeout < 0 {
		timeout = 0
	}
	c := &http.Client{Timeout: timeout}
	return &Sink{client: c, endpoint: strings.TrimRight(endpoint, "/"), token: token}
}

func (s *Sink) Timeout() time.Duration { return s.client.Timeout }

func (s *Sink) Send(ctx context.Context, e report.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", e.ID)
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook sink status %d", resp.StatusCode)
	}
	return nil
}
