// Package handlers implements the REST Control Plane (SPEC_FULL.md §4.G):
// Gin handlers for stream CRUD, reorder, start/stop, MJPEG push, SSE
// scores, health, and SPA static files. Grounded on the teacher's CameraHandler
// (handlers/camera_handler.go) — one handler struct per resource wrapping
// a single backing store, bound methods registered directly as
// gin.HandlerFuncs — generalized from gorm.DB camera rows to the Stream
// Registry, and from hand-rolled gin.H{"error": ...} bodies to a single
// apierror.As dispatch.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"rtsp-gateway/apierror"
	"rtsp-gateway/middleware"
	"rtsp-gateway/models"
	"rtsp-gateway/registry"
)

// StreamHandler serves every /api/streams* route plus /health.
type StreamHandler struct {
	registry    *registry.Registry
	gpuRequired bool
}

// NewStreamHandler constructs a StreamHandler backed by reg. gpuRequired
// mirrors the GPU_REQUIRED process config and gates /health.
func NewStreamHandler(reg *registry.Registry, gpuRequired bool) *StreamHandler {
	return &StreamHandler{registry: reg, gpuRequired: gpuRequired}
}

// writeError renders err as the §7 error body and sets the matching HTTP
// status, echoing the request id set by middleware.RequestID.
func writeError(c *gin.Context, err error) {
	apiErr := apierror.As(err)
	body := gin.H{
		"code":       apiErr.Code,
		"message":    apiErr.Message,
		"request_id": middleware.RequestIDFromGin(c),
	}
	if apiErr.Details != nil {
		body["details"] = apiErr.Details
	}
	c.JSON(apiErr.HTTPStatus, body)
}

// List handles GET /api/streams.
func (h *StreamHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, h.registry.List())
}

// Get handles GET /api/streams/:id.
func (h *StreamHandler) Get(c *gin.Context) {
	s, err := h.registry.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// createStreamRequest is the POST /api/streams body.
type createStreamRequest struct {
	Name           string   `json:"name" binding:"required"`
	RTSPUrl        string   `json:"rtsp_url" binding:"required"`
	HWAccelEnabled *bool    `json:"hw_accel_enabled"`
	FFmpegParams   []string `json:"ffmpeg_params"`
	TargetFPS      int      `json:"target_fps"`
}

// Create handles POST /api/streams. An omitted hw_accel_enabled defaults
// to true.
func (h *StreamHandler) Create(c *gin.Context) {
	var req createStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierror.InvalidParams(err.Error()))
		return
	}
	hwAccel := true
	if req.HWAccelEnabled != nil {
		hwAccel = *req.HWAccelEnabled
	}
	s, err := h.registry.Create(req.Name, req.RTSPUrl, req.FFmpegParams, hwAccel, req.TargetFPS)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, s)
}

// patchStreamRequest is the PATCH /api/streams/:id body; a field absent
// from the JSON body (as opposed to present-but-null) leaves it unchanged.
type patchStreamRequest struct {
	Name           *string   `json:"name"`
	RTSPUrl        *string   `json:"rtsp_url"`
	HWAccelEnabled *bool     `json:"hw_accel_enabled"`
	FFmpegParams   *[]string `json:"ffmpeg_params"`
	TargetFPS      *int      `json:"target_fps"`
}

// Update handles PATCH /api/streams/:id.
func (h *StreamHandler) Update(c *gin.Context) {
	var req patchStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierror.InvalidParams(err.Error()))
		return
	}

	patch := models.Patch{Name: req.Name, RTSPUrl: req.RTSPUrl, HWAccelEnabled: req.HWAccelEnabled, TargetFPS: req.TargetFPS}
	if req.FFmpegParams != nil {
		patch.FFmpegParamsSet = true
		patch.FFmpegParams = *req.FFmpegParams
	}

	s, err := h.registry.Update(c.Param("id"), patch)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// Delete handles DELETE /api/streams/:id (idempotent: 204 whether or not
// the id previously existed).
func (h *StreamHandler) Delete(c *gin.Context) {
	if err := h.registry.Delete(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// reorderRequest is the POST /api/streams/reorder body.
type reorderRequest struct {
	Order []string `json:"order"`
}

// Reorder handles POST /api/streams/reorder.
func (h *StreamHandler) Reorder(c *gin.Context) {
	var req reorderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierror.InvalidOrder(err.Error()))
		return
	}
	if err := h.registry.Reorder(req.Order); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.registry.List())
}

// Start handles POST /api/streams/:id/start.
func (h *StreamHandler) Start(c *gin.Context) {
	if err := h.registry.Start(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// Stop handles POST /api/streams/:id/stop.
func (h *StreamHandler) Stop(c *gin.Context) {
	if err := h.registry.Stop(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// GPUBackend handles GET /api/streams/gpu-backend.
func (h *StreamHandler) GPUBackend(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"gpu_backend": h.registry.GPUBackend()})
}

// FFmpegDefaults handles GET /api/streams/ffmpeg-defaults.
func (h *StreamHandler) FFmpegDefaults(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"combined_params": h.registry.FFmpegDefaults()})
}
