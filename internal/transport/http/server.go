package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirebridge/internal/auth"
	"github.com/vovakirdan/wirebridge/internal/config"
	"github.com/vovakirdan/wirebridge/internal/core"
	"github.com/vovakirdan/wirebridge/internal/pool"
	"github.com/vovakirdan/wirebridge/internal/store"
)

const syncRequestsPerMinute = 6

// Sessions exposes the connection pool state.
type Sessions interface {
	Network(domain string) (core.Network, bool)
	Sessions(network string) []*pool.Session
	Stats() []pool.NetworkStats
}

// Control triggers bridge operations.
type Control interface {
	Sync(ctx context.Context, network string) error
	Link(ctx context.Context, m store.Mapping) error
	Unlink(ctx context.Context, m store.Mapping) error
	NoteActivity(userID string)
}

// Visibility reports applied room visibility.
type Visibility interface {
	Visibility(roomID string) (core.Visibility, bool)
}

// Backlog reports queued membership operations.
type Backlog interface {
	WaitingItems() int
}

// Deps are the components served by the debug API.
type Deps struct {
	Sessions   Sessions
	Control    Control
	Visibility Visibility
	Backlog    Backlog
}

// NewServer builds the debug HTTP server. ctx bounds background syncs started
// through the API. Without a JWT secret only /health and /metrics are served.
func NewServer(ctx context.Context, deps Deps, cfg config.DebugConfig, logger *zerolog.Logger) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewRouter(ctx, deps, cfg, logger),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

// NewRouter builds the gin engine of the debug API.
func NewRouter(ctx context.Context, deps Deps, cfg config.DebugConfig, logger *zerolog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	log := logger.With().Str("module", "http").Logger()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(&log))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if cfg.JWTSecret == "" {
		log.Warn().Msg("debug.jwt_secret is empty, debug routes disabled")
		return r
	}

	h := &DebugHandlers{ctx: ctx, deps: deps, log: &log}
	jwtConfig := &auth.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
	}
	limiter := newRateLimiter(syncRequestsPerMinute, time.Minute)

	debug := r.Group("/debug")
	debug.Use(AuthMiddleware(jwtConfig, &log))
	debug.GET("/networks", h.ListNetworks)
	debug.GET("/networks/:network/sessions", h.ListSessions)
	debug.POST("/networks/:network/sync", limiter.middleware(), h.Sync)
	debug.GET("/rooms/:room/visibility", h.RoomVisibility)
	debug.POST("/mappings", h.Link)
	debug.DELETE("/mappings", h.Unlink)
	debug.POST("/users/:user/activity", h.NoteActivity)
	return r
}

// DebugHandlers serves the /debug routes.
type DebugHandlers struct {
	ctx  context.Context
	deps Deps
	log  *zerolog.Logger
}

// NetworksResponse is the body of GET /debug/networks.
type NetworksResponse struct {
	Networks          []pool.NetworkStats `json:"networks"`
	MembershipWaiting int                 `json:"membership_waiting"`
}

// ListNetworks returns per-network session statistics.
// GET /debug/networks
func (h *DebugHandlers) ListNetworks(c *gin.Context) {
	resp := NetworksResponse{Networks: h.deps.Sessions.Stats()}
	if h.deps.Backlog != nil {
		resp.MembershipWaiting = h.deps.Backlog.WaitingItems()
	}
	c.JSON(http.StatusOK, resp)
}

// ListSessions returns the sessions of one network, bot first.
// GET /debug/networks/:network/sessions
func (h *DebugHandlers) ListSessions(c *gin.Context) {
	network := c.Param("network")
	if _, ok := h.deps.Sessions.Network(network); !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown network"})
		return
	}
	sessions := h.deps.Sessions.Sessions(network)
	out := make([]pool.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	c.JSON(http.StatusOK, out)
}

// Sync starts an outbound membership pass in the background.
// POST /debug/networks/:network/sync
func (h *DebugHandlers) Sync(c *gin.Context) {
	network := c.Param("network")
	if _, ok := h.deps.Sessions.Network(network); !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown network"})
		return
	}
	go func() {
		if err := h.deps.Control.Sync(h.ctx, network); err != nil {
			h.log.Error().Err(err).Str("network", network).Msg("requested sync failed")
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"network": network, "status": "started"})
}

// VisibilityResponse is the body of GET /debug/rooms/:room/visibility.
type VisibilityResponse struct {
	RoomID     string          `json:"room_id"`
	Visibility core.Visibility `json:"visibility"`
}

// RoomVisibility returns the last applied visibility of a room.
// GET /debug/rooms/:room/visibility
func (h *DebugHandlers) RoomVisibility(c *gin.Context) {
	roomID := c.Param("room")
	v, ok := h.deps.Visibility.Visibility(roomID)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "visibility not resolved"})
		return
	}
	c.JSON(http.StatusOK, VisibilityResponse{RoomID: roomID, Visibility: v})
}

// MappingRequest represents a channel<->room mapping body.
type MappingRequest struct {
	Network string `json:"network" binding:"required"`
	Channel string `json:"channel" binding:"required"`
	RoomID  string `json:"room_id" binding:"required"`
}

func (r MappingRequest) mapping() store.Mapping {
	return store.Mapping{Network: r.Network, Channel: r.Channel, RoomID: r.RoomID}
}

// Link maps a channel to a room.
// POST /debug/mappings
func (h *DebugHandlers) Link(c *gin.Context) {
	var req MappingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	if err := h.deps.Control.Link(c.Request.Context(), req.mapping()); err != nil {
		h.mappingError(c, req, err)
		return
	}
	c.JSON(http.StatusCreated, req)
}

// Unlink removes a mapping.
// DELETE /debug/mappings
func (h *DebugHandlers) Unlink(c *gin.Context) {
	var req MappingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	if err := h.deps.Control.Unlink(c.Request.Context(), req.mapping()); err != nil {
		h.mappingError(c, req, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *DebugHandlers) mappingError(c *gin.Context, req MappingRequest, err error) {
	if errors.Is(err, core.ErrUnknownNetwork) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown network"})
		return
	}
	h.log.Error().Err(err).
		Str("network", req.Network).
		Str("channel", req.Channel).
		Str("room_id", req.RoomID).
		Msg("mapping change failed")
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
}

// NoteActivity marks a local user as active.
// POST /debug/users/:user/activity
func (h *DebugHandlers) NoteActivity(c *gin.Context) {
	h.deps.Control.NoteActivity(c.Param("user"))
	c.Status(http.StatusNoContent)
}
