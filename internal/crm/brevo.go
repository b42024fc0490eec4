// Package crm pushes newly confirmed owners to the Brevo contacts API.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Contact is the subset of owner data synced to the CRM.
type Contact struct {
	Email     string
	FirstName string
	LastName  string
	Company   string
	OwnerID   string
	Source    string
}

type Client struct {
	baseURL    string
	apiKey     string
	listID     int
	httpClient *http.Client
	backoff    []time.Duration
	timeout    time.Duration
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBackoff sets the waits between attempts. The number of attempts is
// one more than the number of waits.
func WithBackoff(waits ...time.Duration) Option {
	return func(c *Client) { c.backoff = waits }
}

func WithAttemptTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New returns a Brevo client. With an empty apiKey the client is disabled and
// SyncContact is a no-op.
func New(baseURL, apiKey string, listID int, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		listID:     listID,
		httpClient: http.DefaultClient,
		backoff:    []time.Duration{200 * time.Millisecond, 500 * time.Millisecond},
		timeout:    5 * time.Second,
		logger:     slog.Default(),
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Enabled() bool {
	return c != nil && c.apiKey != ""
}

type contactRequest struct {
	Email         string         `json:"email"`
	Attributes    map[string]any `json:"attributes,omitempty"`
	ListIDs       []int          `json:"listIds,omitempty"`
	UpdateEnabled bool           `json:"updateEnabled"`
}

func (c *Client) body(contact Contact) ([]byte, error) {
	attrs := map[string]any{}
	for key, value := range map[string]string{
		"FIRSTNAME": contact.FirstName,
		"LASTNAME":  contact.LastName,
		"COMPANY":   contact.Company,
		"OWNER_ID":  contact.OwnerID,
		"SOURCE":    contact.Source,
	} {
		if value != "" {
			attrs[key] = value
		}
	}
	req := contactRequest{Email: contact.Email, Attributes: attrs, UpdateEnabled: true}
	if c.listID > 0 {
		req.ListIDs = []int{c.listID}
	}
	return json.Marshal(req)
}

// SyncContact creates or updates the contact. Failures are logged and
// reported as false; they are never returned to the caller.
func (c *Client) SyncContact(ctx context.Context, contact Contact) bool {
	if !c.Enabled() {
		return false
	}
	if strings.TrimSpace(contact.Email) == "" {
		c.logger.Warn("crm sync skipped, contact has no email", "owner_id", contact.OwnerID)
		return false
	}

	payload, err := c.body(contact)
	if err != nil {
		c.logger.Error("crm sync encode failed", "owner_id", contact.OwnerID, "error", err)
		return false
	}

	attempts := len(c.backoff) + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		err = c.post(ctx, payload)
		if err == nil {
			c.logger.Info("crm contact synced", "owner_id", contact.OwnerID, "attempt", attempt)
			return true
		}
		c.logger.Warn("crm sync attempt failed", "owner_id", contact.OwnerID, "attempt", attempt, "error", err)

		if attempt == attempts {
			break
		}
		if err := c.sleep(ctx, c.backoff[attempt-1]); err != nil {
			break
		}
	}

	c.logger.Error("crm sync gave up", "owner_id", contact.OwnerID, "attempts", attempts, "error", err)
	return false
}

func (c *Client) post(ctx context.Context, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v3/contacts", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("brevo returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SplitName turns a display name into first and last name.
func SplitName(displayName string) (string, string) {
	parts := strings.Fields(displayName)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}
