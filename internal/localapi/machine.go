package localapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"happy-sync/internal/store"
)

type MachineHandler struct {
	Store *store.Store
}

func (h *MachineHandler) List(c *gin.Context) {
	machines := h.Store.Machines()
	resp := make([]gin.H, 0, len(machines))
	for _, m := range machines {
		resp = append(resp, gin.H{
			"id":          m.ID,
			"metadata":    m.Metadata,
			"daemonState": m.DaemonState,
			"active":      m.Active,
			"activeAt":    m.ActiveAt,
			"createdAt":   m.CreatedAt,
			"updatedAt":   m.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"machines": resp})
}

func (h *MachineHandler) Artifacts(c *gin.Context) {
	artifacts := h.Store.Artifacts()
	resp := make([]gin.H, 0, len(artifacts))
	for _, a := range artifacts {
		if a.Deleted {
			continue
		}
		resp = append(resp, gin.H{
			"id":        a.ID,
			"title":     a.Title,
			"body":      a.Body,
			"createdAt": a.CreatedAt,
			"updatedAt": a.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"artifacts": resp})
}
