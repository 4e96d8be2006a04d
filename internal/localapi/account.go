package localapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"happy-sync/internal/settings"
	"happy-sync/internal/store"
)

type AccountHandler struct {
	Store    *store.Store
	SettingsSync *settings.Sync
}

func (h *AccountHandler) Profile(c *gin.Context) {
	p := h.Store.Profile()
	c.JSON(http.StatusOK, gin.H{"profile": gin.H{
		"id":        p.ID,
		"firstName": p.FirstName,
		"lastName":  p.LastName,
		"username":  p.Username,
		"avatarUrl": p.AvatarURL,
	}})
}

func (h *AccountHandler) Settings(c *gin.Context) {
	values, version := h.Store.Settings()
	c.JSON(http.StatusOK, gin.H{
		"settings":    values,
		"version":     version,
		"pendingKeys": h.SettingsSync.PendingKeys(),
	})
}

func (h *AccountHandler) ApplySettings(c *gin.Context) {
	var delta map[string]any
	if err := c.ShouldBindJSON(&delta); err != nil || len(delta) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	if err := h.SettingsSync.ApplyLocal(c.Request.Context(), delta); err != nil {
		var terminal *settings.TerminalError
		if errors.As(err, &terminal) {
			c.JSON(http.StatusConflict, gin.H{
				"error":           "Settings push exhausted retries",
				"attempts":        terminal.Attempts,
				"expectedVersion": terminal.ExpectedVersion,
				"currentVersion":  terminal.CurrentVersion,
				"pendingKeys":     terminal.PendingKeys,
			})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	values, version := h.Store.Settings()
	c.JSON(http.StatusOK, gin.H{"settings": values, "version": version})
}

func (h *AccountHandler) Feed(c *gin.Context) {
	posts := h.Store.Feed()
	resp := make([]gin.H, 0, len(posts))
	for _, p := range posts {
		resp = append(resp, gin.H{
			"id":        p.ID,
			"body":      p.Body,
			"counter":   p.Counter,
			"createdAt": p.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"posts": resp})
}
