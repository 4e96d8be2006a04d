package localapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"happy-sync/internal/model"
	"happy-sync/internal/store"
	"happy-sync/internal/sync"
)

type SessionHandler struct {
	Engine *sync.Engine
	Store  *store.Store
}

func sessionJSON(sess model.Session) gin.H {
	return gin.H{
		"id":             sess.ID,
		"seq":            sess.Seq,
		"createdAt":      sess.CreatedAt,
		"updatedAt":      sess.UpdatedAt,
		"metadata":       sess.Metadata,
		"agentState":     sess.AgentState,
		"active":         sess.Active,
		"activeAt":       sess.ActiveAt,
		"thinking":       sess.Thinking,
		"draft":          sess.Draft,
		"permissionMode": sess.PermissionMode,
		"modelMode":      sess.ModelMode,
		"lastViewedAt":   sess.LastViewedAt,
	}
}

func (h *SessionHandler) List(c *gin.Context) {
	sessions := h.Store.Sessions()
	resp := make([]gin.H, 0, len(sessions))
	for _, sess := range sessions {
		resp = append(resp, sessionJSON(sess))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": resp})
}

func (h *SessionHandler) Get(c *gin.Context) {
	sess, ok := h.Store.Session(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sessionJSON(sess)})
}

func (h *SessionHandler) Messages(c *gin.Context) {
	sessionID := c.Param("id")
	if _, ok := h.Store.Session(sessionID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}

	msgs := h.Engine.Messages(sessionID)
	resp := make([]gin.H, 0, len(msgs))
	for _, m := range msgs {
		resp = append(resp, gin.H{
			"id":        m.ID,
			"localId":   m.LocalID,
			"seq":       m.Seq,
			"kind":      m.Kind,
			"text":      m.Text,
			"blocks":    m.Blocks,
			"event":     m.Event,
			"createdAt": m.CreatedAt,
			"decrypted": m.IsDecrypted,
		})
	}
	c.JSON(http.StatusOK, gin.H{"messages": resp})
}

type sendMessageBody struct {
	Text string `json:"text"`
}

func (h *SessionHandler) Send(c *gin.Context) {
	var body sendMessageBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	localID, err := h.Engine.SendMessage(c.Request.Context(), c.Param("id"), body.Text)
	if err != nil {
		if errors.Is(err, sync.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"localId": localID})
}

func (h *SessionHandler) MarkViewed(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	if err := h.Engine.MarkViewed(ctx, c.Param("id")); err != nil {
		if errors.Is(err, sync.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type draftBody struct {
	Draft string `json:"draft"`
}

func (h *SessionHandler) Draft(c *gin.Context) {
	var body draftBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if _, ok := h.Store.Session(c.Param("id")); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	if err := h.Engine.UpdateDraft(c.Param("id"), body.Draft); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type permissionModeBody struct {
	Mode string `json:"mode"`
}

func (h *SessionHandler) PermissionMode(c *gin.Context) {
	var body permissionModeBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Mode == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if _, ok := h.Store.Session(c.Param("id")); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	if err := h.Engine.SetPermissionMode(c.Param("id"), body.Mode); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
