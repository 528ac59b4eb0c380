package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"eventsync/internal/hub"
	"eventsync/internal/model"
)

func (h *Handler) state(c *gin.Context) {
	snap, err := h.hub.Snapshot(c.Request.Context(), c.Param("room"))
	if err != nil {
		log.Error().Str("module", "handler").Err(err).Msg("load snapshot failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "state unavailable"})
		return
	}
	if snap.Participants == nil {
		snap.Participants = map[string]model.ParticipantPatch{}
	}
	if snap.Messages == nil {
		snap.Messages = []model.ChatMessage{}
	}
	if snap.WorkUpdates == nil {
		snap.WorkUpdates = []model.WorkUpdate{}
	}
	if snap.Equipment == nil {
		snap.Equipment = []model.Equipment{}
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handler) listEquipment(c *gin.Context) {
	items, err := h.store.ListEquipment(c.Request.Context(), c.Param("room"))
	if err != nil {
		log.Error().Str("module", "handler").Err(err).Msg("list equipment failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "equipment unavailable"})
		return
	}
	if items == nil {
		items = []model.Equipment{}
	}
	c.JSON(http.StatusOK, gin.H{"equipment": items})
}

func (h *Handler) upsertEquipment(c *gin.Context) {
	var eq model.Equipment
	if err := c.ShouldBindJSON(&eq); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	saved, err := h.hub.UpsertEquipment(c.Request.Context(), c.Param("room"), eq)
	if errors.Is(err, hub.ErrInvalid) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		log.Error().Str("module", "handler").Err(err).Msg("upsert equipment failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "equipment not saved"})
		return
	}
	c.JSON(http.StatusOK, saved)
}
