package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"rtsp-gateway/logging"
)

// RequestIDHeader is the header a request id is read from or echoed on.
const RequestIDHeader = "X-Request-ID"

// RequestID assigns every request a request id (honoring an inbound
// X-Request-ID header if present), binds it into the request context for
// logging.WithRequestIDLogger, and echoes it back on the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(RequestIDHeader, id)
		c.Request = c.Request.WithContext(logging.WithRequestID(c.Request.Context(), id))
		c.Set(string(RequestIDHeader), id)
		c.Next()
	}
}

// RequestIDFromGin retrieves the request id set by RequestID.
func RequestIDFromGin(c *gin.Context) string {
	return logging.RequestIDFromContext(c.Request.Context())
}
