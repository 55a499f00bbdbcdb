package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
)

const sseHeartbeatInterval = 15 * time.Second

// MJPEG handles GET /api/streams/:id/mjpeg: it subscribes to the stream's
// Fan-out Hub and pushes each frame as a multipart/x-mixed-replace part,
// in the manner of the teacher's GetMJPEGStream (c.Stream over a raw
// io.Writer), generalized from piping FFmpeg's own multipart output
// verbatim to rendering each Hub-delivered frame as its own part.
func (h *StreamHandler) MJPEG(c *gin.Context) {
	id := c.Param("id")
	hub, err := h.registry.Hub(id)
	if err != nil {
		writeError(c, err)
		return
	}

	sub := hub.SubscribeMJPEG()
	defer sub.Close()

	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-store")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.Stream(func(w io.Writer) bool {
		frame, ok := <-sub.Frames()
		if !ok || frame == nil {
			fmt.Fprint(w, "\r\n--frame--\r\n")
			return false
		}
		fmt.Fprintf(w, "\r\n--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame.Payload))
		w.Write(frame.Payload)
		return true
	})
}

// Scores handles GET /api/streams/:id/scores: a Server-Sent Events
// channel of the scoring callback's output for this stream, with a 15 s
// heartbeat comment when no frame has produced an event recently.
func (h *StreamHandler) Scores(c *gin.Context) {
	id := c.Param("id")
	hubInstance, err := h.registry.Hub(id)
	if err != nil {
		writeError(c, err)
		return
	}

	sub := hubInstance.SubscribeScores()
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-store")
	c.Header("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				return false
			}
			data, err := json.Marshal(event)
			if err != nil {
				return true
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			return true
		case <-time.After(sseHeartbeatInterval):
			fmt.Fprint(w, ":keepalive\n\n")
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
