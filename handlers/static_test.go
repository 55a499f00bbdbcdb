package handlers

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStaticRouter(t *testing.T) (*gin.Engine, string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>spa</html>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.js"), []byte("console.log('hi')"), 0o644))

	h := NewStaticHandler(dir)
	r := gin.New()
	r.GET("/", h.ServeSPA)
	r.GET("/*path", h.ServeSPA)
	return r, dir
}

func TestServeSPAReturnsIndexForRoot(t *testing.T) {
	r, _ := newStaticRouter(t)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "spa")
}

func TestServeSPAServesExistingFile(t *testing.T) {
	r, _ := newStaticRouter(t)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/app.js", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "console.log")
}

func TestServeSPAFallsBackToIndexForClientRoute(t *testing.T) {
	r, _ := newStaticRouter(t)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/dashboard/streams", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "spa")
}

func TestServeSPARejectsPathTraversal(t *testing.T) {
	r, _ := newStaticRouter(t)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/../../../../etc/passwd", nil)
	r.ServeHTTP(w, req)
	// net/http's mux/gin will have already cleaned most traversal attempts
	// before routing, but the handler's own Clean+prefix check must still
	// reject anything that reaches it with an escaping path.
	assert.NotEqual(t, http.StatusInternalServerError, w.Code)
}
