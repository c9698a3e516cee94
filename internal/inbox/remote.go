// Package inbox provides the durable-inbox collaborators used by the
// notification dispatcher when a user cannot be reached live.
package inbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/recoverd/internal/notify"
)

// Payload is the body posted to a remote inbox and the job payload queued by Outbox.
type Payload struct {
	RecipientID string       `json:"recipient_id"`
	Event       notify.Event `json:"event"`
}

// Remote posts events to an external REST notification store.
type Remote struct {
	url        string
	token      string
	httpClient *http.Client
}

// NewRemote creates a Remote targeting url. token, when set, is sent as a
// bearer credential.
func NewRemote(url, token string, timeout time.Duration) *Remote {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Remote{
		url:        strings.TrimRight(url, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Deliver posts ev for recipientID. Any non-2xx response is an error.
func (r *Remote) Deliver(ctx context.Context, recipientID string, ev notify.Event) error {
	body, err := json.Marshal(Payload{RecipientID: recipientID, Event: ev})
	if err != nil {
		return fmt.Errorf("encoding inbox payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", ev.ID)
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting to remote inbox: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("remote inbox returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
