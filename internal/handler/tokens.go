package handler

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"eventsync/internal/auth"
	"eventsync/internal/model"
	"eventsync/internal/store"
)

type profile struct {
	Name       string     `json:"name" binding:"required"`
	Email      string     `json:"email"`
	Department string     `json:"department"`
	Role       model.Role `json:"role"`
	Avatar     string     `json:"avatar"`
}

type tokenRequest struct {
	RoomID        string `json:"room_id" binding:"required"`
	ParticipantID string `json:"participant_id" binding:"required"`
	// Profile enrolls or refreshes the roster entry before issuing.
	Profile *profile `json:"profile"`
}

// issueToken hands out a bearer token to a participant on the room roster.
// Identity checks happen upstream; callers prove that with the enroll key.
func (h *Handler) issueToken(c *gin.Context) {
	if h.enrollKey != "" && subtle.ConstantTimeCompare([]byte(c.GetHeader("X-Enroll-Key")), []byte(h.enrollKey)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid enroll key"})
		return
	}
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	var (
		p   model.Participant
		err error
	)
	if req.Profile != nil {
		role := req.Profile.Role
		if role == "" {
			role = model.RoleMember
		}
		if role != model.RoleMember && role != model.RoleAdmin {
			c.JSON(http.StatusBadRequest, gin.H{"error": "role must be ADMIN or MEMBER"})
			return
		}
		patch := model.ParticipantPatch{Name: &req.Profile.Name, Role: &role}
		if req.Profile.Email != "" {
			patch.Email = &req.Profile.Email
		}
		if req.Profile.Department != "" {
			patch.Department = &req.Profile.Department
		}
		if req.Profile.Avatar != "" {
			patch.Avatar = &req.Profile.Avatar
		}
		p, err = h.store.UpsertParticipant(ctx, req.RoomID, req.ParticipantID, patch)
	} else {
		p, err = h.store.Participant(ctx, req.RoomID, req.ParticipantID)
	}
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "participant is not on the roster"})
		return
	}
	if err != nil {
		log.Error().Str("module", "handler").Err(err).Msg("roster lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "roster unavailable"})
		return
	}

	h.writeTokens(c, http.StatusCreated, p.ID, string(p.Role), req.RoomID)
}

func (h *Handler) refreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	claims, err := h.issuer.Parse(req.RefreshToken, auth.KindRefresh)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	h.writeTokens(c, http.StatusOK, claims.Subject, claims.Role, claims.Room)
}

func (h *Handler) writeTokens(c *gin.Context, status int, subject, role, room string) {
	tokens, err := h.issuer.Issue(subject, role, room)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	c.JSON(status, gin.H{
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"expires_at":    tokens.AccessExp.Unix(),
		"role":          role,
		"room_id":       room,
	})
}
