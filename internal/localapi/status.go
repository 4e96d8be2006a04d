package localapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"happy-sync/internal/health"
	"happy-sync/internal/queue"
)

type StatusHandler struct {
	Queue  *queue.Queue
	Health *health.Monitor
}

func (h *StatusHandler) Status(c *gin.Context) {
	st := h.Health.Status()
	ops := h.Queue.Snapshot()
	pending := make([]gin.H, 0, len(ops))
	for _, op := range ops {
		pending = append(pending, gin.H{
			"id":         op.ID,
			"type":       op.Type,
			"priority":   op.Priority.String(),
			"timestamp":  op.Timestamp,
			"retryCount": op.RetryCount,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"connection": gin.H{
			"state":               st.State,
			"quality":             st.Quality,
			"latencyMs":           st.Latency.Milliseconds(),
			"lastSuccessfulPing":  st.LastSuccessfulPing,
			"consecutiveFailures": st.ConsecutiveFailures,
			"uptimeMs":            st.Uptime,
			"downtimeMs":          st.Downtime,
			"profile":             st.Profile,
		},
		"queue": gin.H{
			"length":  h.Queue.Len(),
			"pending": pending,
		},
	})
}

func (h *StatusHandler) Drain(c *gin.Context) {
	result := h.Queue.ProcessQueue()
	errs := make([]gin.H, 0, len(result.Errors))
	for _, e := range result.Errors {
		errs = append(errs, gin.H{
			"operationId": e.OperationID,
			"type":        e.Type,
			"error":       e.Err,
			"terminal":    e.Terminal,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"processed": result.Processed,
		"failed":    result.Failed,
		"conflicts": result.Conflicts,
		"errors":    errs,
	})
}
