package assistant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"rillchat/internal/core/domain"
	"rillchat/pkg/circuitbreaker"
	apperrors "rillchat/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg := DefaultConfig(srv.URL)
	cfg.APIKey = "secret"
	cfg.Timeout = time.Second
	cfg.Retry.InitialDelay = time.Millisecond
	cfg.Retry.MaxDelay = 2 * time.Millisecond
	cfg.Breaker = circuitbreaker.Config{
		FailureThreshold:    2,
		SuccessThreshold:    1,
		Timeout:             time.Minute,
		MaxRequestsHalfOpen: 1,
	}
	return NewClient(cfg, zaptest.NewLogger(t).Sugar()), &calls
}

func TestRespond_SendsPromptAndContext(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "summarize", req.Prompt)
		assert.Equal(t, []domain.Utterance{{Speaker: "alice", Text: "hi"}}, req.Context)

		_ = json.NewEncoder(w).Encode(response{Text: "alice said hi"})
	})

	got, err := client.Respond(context.Background(), "summarize", []domain.Utterance{{Speaker: "alice", Text: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "alice said hi", got)
}

func TestRespond_RetriesServerErrors(t *testing.T) {
	var n int32
	client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&n, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(response{Text: "ok"})
	})

	got, err := client.Respond(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, int32(2), atomic.LoadInt32(calls))
}

func TestRespond_ClientErrorIsNotRetried(t *testing.T) {
	client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	})

	_, err := client.Respond(context.Background(), "ping", nil)
	require.ErrorIs(t, err, domain.ErrAssistantUnavailable)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))

	appErr := apperrors.GetAppError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodeBadGateway, appErr.Code)
	assert.Equal(t, http.StatusUnauthorized, appErr.Context["status"])
}

func TestRespond_EmptyReply(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"text":""}`))
	})

	_, err := client.Respond(context.Background(), "ping", nil)
	assert.ErrorIs(t, err, domain.ErrAssistantUnavailable)
	assert.ErrorIs(t, err, errEmptyReply)
}

func TestRespond_BreakerOpens(t *testing.T) {
	client, calls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	})

	for i := 0; i < 2; i++ {
		_, err := client.Respond(context.Background(), "ping", nil)
		require.Error(t, err)
	}
	_, err := client.Respond(context.Background(), "ping", nil)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.ErrorIs(t, err, domain.ErrAssistantUnavailable)
	assert.Equal(t, int32(2), atomic.LoadInt32(calls))
}

func TestRespond_ContextDeadline(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.Respond(ctx, "ping", nil)
	assert.ErrorIs(t, err, domain.ErrAssistantUnavailable)
	assert.Equal(t, circuitbreaker.StateClosed, client.breaker.State())
}
