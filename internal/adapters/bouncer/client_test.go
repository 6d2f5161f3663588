package bouncer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailsift/verifyq/config"
	apperrors "github.com/mailsift/verifyq/internal/errors"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	client, err := NewClient(ClientOptions{
		Config: config.VerifierConfig{
			BaseURL:           baseURL,
			APIKey:            "test-key",
			Timeout:           5 * time.Second,
			SubmitMaxAttempts: 3,
			SubmitBackoffBase: time.Millisecond,
		},
	})
	require.NoError(t, err)
	return client
}

func TestNewClient_RequiresAPIKey(t *testing.T) {
	_, err := NewClient(ClientOptions{Config: config.VerifierConfig{}})
	require.Error(t, err)
}

func TestSubmitBatch_Success(t *testing.T) {
	var gotPath, gotKey, gotContentType string
	var gotEntries []map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-api-key")
		gotContentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotEntries))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"batchId":"ext-42","status":"queued","quantity":2}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	sub, err := client.SubmitBatch(context.Background(), []string{"a@x.com", "b@y.com"})
	require.NoError(t, err)

	assert.Equal(t, "ext-42", sub.ExternalID)
	assert.Equal(t, 2, sub.Accepted)
	assert.Equal(t, "/v1.1/email/verify/batch", gotPath)
	assert.Equal(t, "test-key", gotKey)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, []map[string]string{
		{"email": "a@x.com"},
		{"email": "b@y.com"},
	}, gotEntries)
}

func TestSubmitBatch_RetriesTransientFailures(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"batchId":"ext-1","status":"queued","quantity":1}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	sub, err := client.SubmitBatch(context.Background(), []string{"a@x.com"})
	require.NoError(t, err)

	assert.Equal(t, "ext-1", sub.ExternalID)
	assert.Equal(t, 3, attempts)
}

func TestSubmitBatch_ExhaustsAttemptBudget(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts++
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.SubmitBatch(context.Background(), []string{"a@x.com"})
	require.Error(t, err)

	assert.True(t, apperrors.IsTransientAPI(err))
	assert.Equal(t, 3, attempts)
}

func TestSubmitBatch_RejectionIsNotRetried(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`invalid email list`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.SubmitBatch(context.Background(), []string{"a@x.com"})
	require.Error(t, err)

	assert.True(t, apperrors.IsPermanentAPI(err))
	assert.Contains(t, err.Error(), "invalid email list")
	assert.Equal(t, 1, attempts)
}

func TestSubmitBatch_MissingBatchIDIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"queued","quantity":1}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.SubmitBatch(context.Background(), []string{"a@x.com"})
	require.Error(t, err)
	assert.True(t, apperrors.IsPermanentAPI(err))
}

func TestSubmitBatch_Validation(t *testing.T) {
	client := newTestClient(t, "http://127.0.0.1:0")
	_, err := client.SubmitBatch(context.Background(), nil)
	assert.True(t, apperrors.IsValidation(err))
}

func TestBatchStatus(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"batchId":"ext-9","status":"Completed","processed":80,"quantity":100}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	state, err := client.BatchStatus(context.Background(), "ext-9")
	require.NoError(t, err)

	assert.Equal(t, "/v1.1/email/verify/batch/ext-9", gotPath)
	assert.Equal(t, "ext-9", state.ExternalID)
	assert.Equal(t, "completed", state.Status)
	assert.Equal(t, 80, state.Processed)
	assert.Equal(t, 100, state.Total)

	_, err = client.BatchStatus(context.Background(), "")
	assert.True(t, apperrors.IsValidation(err))
}

func TestBatchResults(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`[
			{"email":"a@x.com","status":"Deliverable","reason":"accepted_email","score":95,
			 "provider":"google.com","domain":{"name":"x.com","acceptAll":"no"}},
			{"email":"b@x.com","status":"undeliverable","reason":"rejected_email","score":5}
		]`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	results, err := client.BatchResults(context.Background(), "ext-9")
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "/v1.1/email/verify/batch/ext-9/download", gotPath)
	assert.Equal(t, "a@x.com", results[0].Email)
	assert.Equal(t, "deliverable", results[0].Status)
	assert.Equal(t, "accepted_email", results[0].Reason)
	assert.Equal(t, 95, results[0].Score)
	assert.JSONEq(t, `{"name":"x.com","acceptAll":"no"}`, string(results[0].DomainInfo))
	assert.Equal(t, "undeliverable", results[1].Status)

	_, err = client.BatchResults(context.Background(), "")
	assert.True(t, apperrors.IsValidation(err))
}

func TestBatchStatus_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.BatchStatus(context.Background(), "ext-1")
	require.Error(t, err)
	assert.True(t, apperrors.IsTransientAPI(err))
}
