// Package handler exposes the hub, the verification pipeline and the store
// over HTTP.
package handler

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"eventsync/internal/auth"
	"eventsync/internal/hub"
	"eventsync/internal/model"
	"eventsync/internal/store"
	"eventsync/internal/verify"
)

// Verifier runs one attendance verification.
type Verifier interface {
	Verify(ctx context.Context, req verify.Request) (verify.Outcome, error)
}

// Check is one dependency probed by /healthz.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

type Deps struct {
	Hub      *hub.Hub
	Store    store.Store
	Verifier Verifier
	Issuer   auth.Issuer
	// EnrollKey guards token issuance; empty disables the check.
	EnrollKey      string
	AllowedOrigins []string
	WSQueueSize    int
	MaxImageBytes  int64
	Checks         []Check
	// BaseContext ends every websocket session when cancelled.
	BaseContext context.Context
}

type Handler struct {
	hub       *hub.Hub
	store     store.Store
	verifier  Verifier
	issuer    auth.Issuer
	enrollKey string
	queueSize int
	maxImage  int64
	checks    []Check
	base      context.Context
	upgrader  websocket.Upgrader
}

const defaultMaxImageBytes = 10 << 20

func New(d Deps) *Handler {
	h := &Handler{
		hub:       d.Hub,
		store:     d.Store,
		verifier:  d.Verifier,
		issuer:    d.Issuer,
		enrollKey: d.EnrollKey,
		queueSize: d.WSQueueSize,
		maxImage:  d.MaxImageBytes,
		checks:    d.Checks,
		base:      d.BaseContext,
	}
	if h.maxImage <= 0 {
		h.maxImage = defaultMaxImageBytes
	}
	if h.base == nil {
		h.base = context.Background()
	}
	origins := d.AllowedOrigins
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return len(origins) == 0 || origin == "" || slices.Contains(origins, origin)
		},
	}
	return h
}

// Register mounts every route on r.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/healthz", h.health)

	r.POST("/v1/tokens", h.issueToken)
	r.POST("/v1/tokens/refresh", h.refreshToken)

	authed := r.Group("", auth.Required(h.issuer))
	authed.GET("/ws", h.serveWS)
	authed.POST("/verify", h.verify)

	rooms := authed.Group("", auth.RequireRoom())
	rooms.GET("/state/:room", h.state)
	rooms.GET("/equipment/:room", h.listEquipment)
	rooms.POST("/equipment/:room", auth.RequireRole(string(model.RoleAdmin)), h.upsertEquipment)
}

func (h *Handler) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := gin.H{}
	for _, check := range h.checks {
		if err := check.Fn(ctx); err != nil {
			deps[check.Name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[check.Name] = "ok"
	}
	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "dependencies": deps})
}
