package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	apperrors "rillchat/pkg/errors"
	"rillchat/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func TestErrorHandlerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t).Sugar()

	router := gin.New()
	router.Use(RecoveryMiddleware(logger), ErrorHandlerMiddleware(logger))
	router.GET("/taken", func(c *gin.Context) {
		_ = c.Error(apperrors.NewIdentityTakenError("room-abc"))
	})
	router.GET("/plain", func(c *gin.Context) {
		_ = c.Error(errors.New("boom"))
	})
	router.GET("/panic", func(c *gin.Context) {
		panic("unexpected")
	})

	tests := []struct {
		path   string
		status int
		code   string
	}{
		{"/taken", http.StatusConflict, "ID_TAKEN"},
		{"/plain", http.StatusInternalServerError, "INTERNAL_ERROR"},
		{"/panic", http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, w.Body.String(), tt.code)
			assert.NotContains(t, w.Body.String(), "boom")
		})
	}
}

func TestErrorHandlerMiddleware_EchoesRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(TracingMiddleware(), ErrorHandlerMiddleware(zaptest.NewLogger(t).Sugar()))
	router.GET("/api/v1/identities/:id", func(c *gin.Context) {
		_ = c.Error(apperrors.NewPeerNotFoundError(c.Param("id")))
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/identities/ghost", nil)
	req.Header.Set("X-Request-ID", "req-7")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{
		"error": "PEER_NOT_FOUND",
		"message": "peer not connected",
		"details": {"peer_id": "ghost"},
		"request_id": "req-7"
	}`, w.Body.String())
}

func TestTracingMiddleware_RecordsRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	router := gin.New()
	router.Use(TracingMiddleware())
	router.GET("/identities/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/identities/alice", nil))

	spans := recorder.Ended()
	if assert.Len(t, spans, 1) {
		assert.Equal(t, "http.GET", spans[0].Name())
		var route string
		for _, kv := range spans[0].Attributes() {
			if kv.Key == "http.route" {
				route = kv.Value.AsString()
			}
		}
		assert.Equal(t, "/identities/:id", route)
	}
}

func TestRequestLogMiddleware_CarriesRequestContext(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.InfoLevel)
	cl := logger.NewContextLogger(zap.New(core))

	router := gin.New()
	router.Use(TracingMiddleware(), RequestLogMiddleware(cl), ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	router.GET("/ws", func(c *gin.Context) {
		_ = c.Error(errors.New("upgrade exploded"))
	})

	req := httptest.NewRequest(http.MethodGet, "/ws?peer_id=rillchat-abc-host", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))

	failed := logs.FilterMessage("request failed").All()
	if assert.Len(t, failed, 1) {
		fields := failed[0].ContextMap()
		assert.Equal(t, "upgrade exploded", fields["error"])
	}

	entries := logs.FilterMessage("http_request").All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "req-42", fields["request_id"])
		assert.Equal(t, "rillchat-abc-host", fields["peer_id"])
		assert.Equal(t, "/ws", fields["path"])
		assert.EqualValues(t, http.StatusInternalServerError, fields["status_code"])
	}
}
