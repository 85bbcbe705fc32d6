package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	gws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pulseframe/pulseframe/internal/websocket"
)

// Fabric is the hub surface the websocket handler drives.
type Fabric interface {
	ServeChannel(conn *gws.Conn, channel, requestedID string)
	Stats() websocket.Stats
}

// WS upgrades channel subscriptions and reports fabric stats.
type WS struct {
	fabric   Fabric
	allowed  map[string]struct{}
	upgrader gws.Upgrader
	log      zerolog.Logger
}

// NewWS builds the websocket handler. channels is the subscription
// allow-list; anything else is closed with policy violation after upgrade.
// origins restricts browser upgrades by Origin header; "*" or an empty
// list accepts any.
func NewWS(fabric Fabric, channels, origins []string, log zerolog.Logger) *WS {
	allowed := make(map[string]struct{}, len(channels))
	for _, ch := range channels {
		allowed[ch] = struct{}{}
	}
	return &WS{
		fabric:  fabric,
		allowed: allowed,
		upgrader: gws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(origins),
		},
		log: log.With().Str("subsystem", "http").Logger(),
	}
}

// originChecker builds the upgrade origin policy. Requests without an
// Origin header are non-browser clients and always pass.
func originChecker(origins []string) func(*http.Request) bool {
	allowAll := len(origins) == 0
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
			continue
		}
		allowed[strings.ToLower(o)] = struct{}{}
	}
	if allowAll {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[strings.ToLower(origin)]
		return ok
	}
}

// Channel handles GET /ws/:channel. The stats name is reserved on this
// segment: it reports the fabric census as JSON instead of upgrading.
func (h *WS) Channel(c *gin.Context) {
	channel := c.Param("channel")
	if channel == "stats" {
		c.JSON(http.StatusOK, h.fabric.Stats())
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.log.Warn().Err(err).Str("channel", channel).Msg("websocket upgrade failed")
		return
	}

	if _, ok := h.allowed[channel]; !ok {
		h.log.Warn().Str("channel", channel).Msg("websocket channel rejected")
		msg := gws.FormatCloseMessage(gws.ClosePolicyViolation, "Invalid channel: "+channel)
		if err := conn.WriteControl(gws.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
			h.log.Debug().Err(err).Msg("close frame not sent")
		}
		conn.Close()
		return
	}

	h.fabric.ServeChannel(conn, channel, c.Query("client_id"))
}
