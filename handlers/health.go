package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"rtsp-gateway/models"
)

// healthStreamView is one stream's id/status pair in the /health body.
type healthStreamView struct {
	ID     string        `json:"id"`
	Status models.Status `json:"status"`
}

// Health handles GET /health (SPEC_FULL.md §4.G, §6 Health semantics):
// 200 once the catalogue has loaded and, if hardware acceleration was
// required, a GPU backend was actually detected; 503 otherwise.
func (h *StreamHandler) Health(c *gin.Context) {
	status := h.registry.Health()

	streams := make([]healthStreamView, 0, len(status.Streams))
	for _, s := range status.Streams {
		streams = append(streams, healthStreamView{ID: s.ID, Status: s.Status})
	}

	body := gin.H{"status": "ok", "streams": streams, "gpu_backend": status.GPUBackend}

	if h.gpuRequired && status.GPUBackend == "none" {
		body["status"] = "degraded"
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	c.JSON(http.StatusOK, body)
}
