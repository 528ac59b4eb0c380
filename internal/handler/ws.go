package handler

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"eventsync/internal/auth"
	"eventsync/internal/hub"
	"eventsync/internal/model"
)

// serveWS upgrades and hands the connection to the hub. The session is
// bound to the room and identity in the token.
func (h *Handler) serveWS(c *gin.Context) {
	claims := auth.ClaimsFrom(c)
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Debug().Str("module", "handler").Err(err).Msg("upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	stop := context.AfterFunc(h.base, cancel)
	defer stop()

	h.hub.ServeConn(ctx, conn, hub.Identity{
		ParticipantID: claims.Subject,
		Role:          model.Role(claims.Role),
		BoundRoom:     claims.Room,
	}, h.queueSize)
}
