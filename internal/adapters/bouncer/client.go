// Package bouncer implements the external email verification API client.
package bouncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mailsift/verifyq/config"
	"github.com/mailsift/verifyq/internal/core"
	"github.com/mailsift/verifyq/internal/domain/model"
	apperrors "github.com/mailsift/verifyq/internal/errors"
)

// maxErrorBodyBytes caps how much of an error response is read for messages.
const maxErrorBodyBytes = 4096

// ClientOptions groups dependencies for Client.
type ClientOptions struct {
	Config     config.VerifierConfig
	HTTPClient *http.Client // Optional: override transport (tests)
	Logger     *slog.Logger // Optional: structured logger
}

// Client talks to the Bouncer batch verification API. Submission retries
// transient failures with exponential backoff; 4xx rejections are permanent
// and surface immediately.
type Client struct {
	cfg    config.VerifierConfig
	http   *http.Client
	logger *slog.Logger
}

var _ core.VerifierClient = (*Client)(nil)

// NewClient constructs a new Client.
func NewClient(opts ClientOptions) (*Client, error) {
	cfg := opts.Config
	cfg.Sanitize()
	if cfg.APIKey == "" {
		return nil, errors.New("verifier API key is required")
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		cfg:    cfg,
		http:   httpClient,
		logger: logger.With("component", "bouncer_client"),
	}, nil
}

type submitRequestEntry struct {
	Email string `json:"email"`
}

type submitResponse struct {
	BatchID  string `json:"batchId"`
	Status   string `json:"status"`
	Quantity int    `json:"quantity"`
}

type statusResponse struct {
	BatchID   string `json:"batchId"`
	Status    string `json:"status"`
	Processed int    `json:"processed"`
	Quantity  int    `json:"quantity"`
}

type resultEntry struct {
	Email       string          `json:"email"`
	Status      string          `json:"status"`
	Reason      string          `json:"reason"`
	Score       int             `json:"score"`
	Provider    string          `json:"provider"`
	Toxic       string          `json:"toxic"`
	Toxicity    int             `json:"toxicity"`
	Domain      json.RawMessage `json:"domain"`
	Account     json.RawMessage `json:"account"`
	DNS         json.RawMessage `json:"dns"`
}

// SubmitBatch submits emails for batch verification. Transient failures are
// retried with exponential backoff up to the configured attempt budget; the
// returned error keeps its taxonomy so callers can tell rejection from outage.
func (c *Client) SubmitBatch(ctx context.Context, emails []string) (*core.BatchSubmission, error) {
	if len(emails) == 0 {
		return nil, apperrors.Validation("at least one email is required")
	}

	entries := make([]submitRequestEntry, len(emails))
	for i, email := range emails {
		entries[i] = submitRequestEntry{Email: email}
	}
	body, err := json.Marshal(entries)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "marshal batch payload")
	}

	var out submitResponse
	operation := func() error {
		opErr := c.doJSON(ctx, http.MethodPost, "/v1.1/email/verify/batch", body, &out)
		if opErr != nil && !apperrors.IsTransientAPI(opErr) {
			return backoff.Permanent(opErr)
		}
		return opErr
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.SubmitBackoffBase
	attempts := uint64(c.cfg.SubmitMaxAttempts)
	if attempts > 0 {
		attempts--
	}
	err = backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, attempts), ctx))
	if err != nil {
		return nil, err
	}
	if out.BatchID == "" {
		return nil, apperrors.PermanentAPI("verifier accepted batch without an id", nil)
	}

	c.logger.InfoContext(ctx, "batch accepted by verifier",
		"external_id", out.BatchID, "quantity", out.Quantity)
	return &core.BatchSubmission{
		ExternalID: out.BatchID,
		Accepted:   out.Quantity,
	}, nil
}

// BatchStatus reports the provider-side processing state of a batch.
func (c *Client) BatchStatus(ctx context.Context, externalID string) (*core.BatchState, error) {
	if externalID == "" {
		return nil, apperrors.Validation("external batch id is required")
	}

	var out statusResponse
	path := "/v1.1/email/verify/batch/" + externalID
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &core.BatchState{
		ExternalID: out.BatchID,
		Status:     strings.ToLower(out.Status),
		Processed:  out.Processed,
		Total:      out.Quantity,
	}, nil
}

// BatchResults downloads per-email results for a finished batch.
func (c *Client) BatchResults(ctx context.Context, externalID string) ([]model.VerificationResult, error) {
	if externalID == "" {
		return nil, apperrors.Validation("external batch id is required")
	}

	var entries []resultEntry
	path := "/v1.1/email/verify/batch/" + externalID + "/download"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &entries); err != nil {
		return nil, err
	}

	results := make([]model.VerificationResult, len(entries))
	for i, e := range entries {
		results[i] = model.VerificationResult{
			Email:       e.Email,
			Status:      strings.ToLower(e.Status),
			Reason:      e.Reason,
			Score:       e.Score,
			Provider:    e.Provider,
			Toxic:       e.Toxic,
			Toxicity:    e.Toxicity,
			DomainInfo:  e.Domain,
			AccountInfo: e.Account,
			DNSInfo:     e.DNS,
		}
	}
	return results, nil
}

// doJSON performs one HTTP exchange and classifies failures: network errors
// and 5xx/429 responses are transient, other 4xx responses are permanent.
func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "build verifier request")
	}
	req.Header.Set("x-api-key", c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return apperrors.TransientAPI(fmt.Sprintf("%s %s", method, path), err)
	}
	defer resp.Body.Close()

	c.logger.DebugContext(ctx, "verifier call",
		"method", method, "path", path,
		"status", resp.StatusCode, "elapsed", time.Since(start))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(out); decodeErr != nil {
			return apperrors.TransientAPI("decode verifier response", decodeErr)
		}
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return apperrors.TransientAPI(
			fmt.Sprintf("verifier returned %d: %s", resp.StatusCode, readErrorBody(resp.Body)), nil)
	default:
		return apperrors.PermanentAPI(
			fmt.Sprintf("verifier returned %d: %s", resp.StatusCode, readErrorBody(resp.Body)), nil)
	}
}

func readErrorBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, maxErrorBodyBytes))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
