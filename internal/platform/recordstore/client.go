// Package recordstore submits assembled change-sets to the clinical record
// store, either a remote HTTP endpoint or the local encounter repository.
package recordstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/formengine/internal/domain/encounter"
)

// Submitter persists one change-set. Failures are returned as
// *SubmissionError and never retried here.
type Submitter interface {
	Submit(ctx context.Context, p *encounter.Payload) (*encounter.Encounter, error)
}

// SubmissionError is a failed submission with a message fit for the user.
type SubmissionError struct {
	Title      string `json:"title"`
	Subtitle   string `json:"subtitle"`
	StatusCode int    `json:"statusCode,omitempty"`
	Err        error  `json:"-"`
}

func (e *SubmissionError) Error() string {
	if e.Subtitle == "" {
		return e.Title
	}
	return e.Title + ": " + e.Subtitle
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// Retryable reports whether the caller may reasonably try again.
func (e *SubmissionError) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// ---------------------------------------------------------------------------
// HTTP client
// ---------------------------------------------------------------------------

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithToken sends token as a bearer credential.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// Client posts change-sets as JSON to a remote record store.
type Client struct {
	url        string
	token      string
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewClient(url string, logger zerolog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		url:    strings.TrimRight(url, "/"),
		logger: logger,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Submit posts p to the record store. The request is bound to ctx, so the
// caller's deadline aborts it.
func (c *Client) Submit(ctx context.Context, p *encounter.Payload) (*encounter.Encounter, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal change-set: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/encounters", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build submission request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		sub := "The record store could not be reached."
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			sub = "The record store did not answer in time."
		}
		c.logger.Warn().Err(err).Dur("latency", time.Since(start)).Msg("change-set submission failed")
		return nil, &SubmissionError{Title: "Error saving form", Subtitle: sub, Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	c.logger.Debug().Int("status", resp.StatusCode).Dur("latency", time.Since(start)).Msg("change-set submitted")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &SubmissionError{
			Title:      "Error saving form",
			Subtitle:   remoteMessage(respBody, resp.Status),
			StatusCode: resp.StatusCode,
		}
	}

	var enc encounter.Encounter
	if len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, &enc); err != nil {
			return nil, fmt.Errorf("decode record store response: %w", err)
		}
	}
	return &enc, nil
}

// remoteMessage extracts a readable message from an error body. Record
// stores answer with {"error": {"message": ...}}, an OperationOutcome, or
// plain text.
func remoteMessage(body []byte, status string) string {
	var parsed struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
		Issue   []struct {
			Diagnostics string `json:"diagnostics"`
		} `json:"issue"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		switch {
		case parsed.Error != nil && parsed.Error.Message != "":
			return parsed.Error.Message
		case parsed.Message != "":
			return parsed.Message
		case len(parsed.Issue) > 0 && parsed.Issue[0].Diagnostics != "":
			return parsed.Issue[0].Diagnostics
		}
	}
	if s := strings.TrimSpace(string(body)); s != "" && len(s) <= 200 && !strings.HasPrefix(s, "{") {
		return s
	}
	return status
}

// ---------------------------------------------------------------------------
// Local store
// ---------------------------------------------------------------------------

// Local applies change-sets to the local encounter repository.
type Local struct {
	repo encounter.Repository
}

func NewLocal(repo encounter.Repository) *Local {
	return &Local{repo: repo}
}

func (l *Local) Submit(ctx context.Context, p *encounter.Payload) (*encounter.Encounter, error) {
	enc, err := l.repo.ApplyChangeSet(ctx, p)
	if err != nil {
		if errors.Is(err, encounter.ErrNotFound) {
			return nil, &SubmissionError{Title: "Error saving form", Subtitle: "The encounter no longer exists.", StatusCode: http.StatusNotFound, Err: err}
		}
		return nil, &SubmissionError{Title: "Error saving form", Subtitle: "The record could not be saved.", Err: err}
	}
	return enc, nil
}
