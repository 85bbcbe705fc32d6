package handlers

import (
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseframe/pulseframe/internal/config"
)

func newSystemRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Defaults()
	h := NewSystem(cfg)
	r := gin.New()
	r.GET("/", h.Welcome)
	r.GET("/health", h.Health)
	return r
}

func TestWelcomeMetadata(t *testing.T) {
	r := newSystemRouter(t)

	w := doJSON(t, r, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, "pulseframe", body["name"])
	assert.Equal(t, "1.0.0", body["version"])
	assert.Equal(t, "running", body["status"])
	assert.NotEmpty(t, body["description"])
}

func TestHealth(t *testing.T) {
	r := newSystemRouter(t)

	w := doJSON(t, r, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"status": "ok"}, decode(t, w))
}
