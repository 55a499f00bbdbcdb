package handlers

import (
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
)

// StaticHandler serves the browser SPA's static files, falling back to
// the index document for any non-/api/* path so client-side routing
// works on a hard refresh (SPEC_FULL.md §4.G). The SPA itself is a
// declared Non-goal/external collaborator; this is just the static file
// server the core exposes for it.
type StaticHandler struct {
	root string
}

// NewStaticHandler serves files rooted at dir.
func NewStaticHandler(dir string) *StaticHandler {
	return &StaticHandler{root: dir}
}

// ServeSPA handles GET / and GET /*path.
func (s *StaticHandler) ServeSPA(c *gin.Context) {
	requested := c.Param("path")
	if requested == "" || requested == "/" {
		requested = "/index.html"
	}

	clean := filepath.Clean(requested)
	root := filepath.Clean(s.root)
	full := filepath.Join(root, clean)
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		c.Status(http.StatusBadRequest)
		return
	}

	if _, err := http.Dir(s.root).Open(clean); err != nil {
		c.File(filepath.Join(s.root, "index.html"))
		return
	}
	c.File(full)
}
