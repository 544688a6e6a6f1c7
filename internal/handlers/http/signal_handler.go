package http

import (
	"net/http"

	"rillchat/internal/core/domain"
	"rillchat/internal/core/ports"
	"rillchat/internal/infrastructure/monitoring"
	"rillchat/internal/infrastructure/signal"
	apperrors "rillchat/pkg/errors"
	"rillchat/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SignalHandler exposes the signaling server and its operational endpoints.
type SignalHandler struct {
	signal     *signal.WebSocketServer
	health     *monitoring.HealthChecker
	identities ports.IdentityRegistry
	gatherer   prometheus.Gatherer
}

func NewSignalHandler(
	signalServer *signal.WebSocketServer,
	health *monitoring.HealthChecker,
	identities ports.IdentityRegistry,
	gatherer prometheus.Gatherer,
) *SignalHandler {
	return &SignalHandler{
		signal:     signalServer,
		health:     health,
		identities: identities,
		gatherer:   gatherer,
	}
}

func (h *SignalHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", h.Upgrade)
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api/v1")
	{
		api.GET("/identities/:id", h.GetIdentity)
		api.GET("/peers", h.ListPeers)
	}

	router.NoRoute(func(c *gin.Context) {
		_ = c.Error(apperrors.NewNotFoundError("route " + c.Request.URL.Path))
	})
}

// Upgrade hands the request to the signaling server. The handshake writes
// its own response, so nothing is written here afterwards.
func (h *SignalHandler) Upgrade(c *gin.Context) {
	h.signal.HandleWebSocket(c.Writer, c.Request)
}

func (h *SignalHandler) Health(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())
	status.Details = map[string]any{
		"connections": h.signal.ConnectionCount(),
	}

	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (h *SignalHandler) Ready(c *gin.Context) {
	if !h.health.IsReady(c.Request.Context()) {
		_ = c.Error(apperrors.NewServiceUnavailableError("dependencies unhealthy"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// GetIdentity reports whether a room code is currently held by a Host.
func (h *SignalHandler) GetIdentity(c *gin.Context) {
	id := c.Param("id")
	if err := validation.ValidatePeerID(id); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()).WithContext("id", id))
		return
	}

	bound, err := h.identities.IsBound(c.Request.Context(), domain.PeerID(id))
	if err != nil {
		_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeInternal, "identity lookup failed", http.StatusInternalServerError))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":        id,
		"bound":     bound,
		"connected": h.signal.IsPeerConnected(domain.PeerID(id)),
	})
}

func (h *SignalHandler) ListPeers(c *gin.Context) {
	peers := h.signal.GetConnectedPeers()
	c.JSON(http.StatusOK, gin.H{
		"peers": peers,
		"count": len(peers),
	})
}
