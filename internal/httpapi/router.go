// Package httpapi is the thin HTTP surface: a WebSocket upgrade route and a
// health check. The wire protocol itself is transport-agnostic (§6); REST
// endpoints beyond these two are an explicit non-goal.
package httpapi

import (
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/shelltender/shelltender/internal/hub"
	"github.com/shelltender/shelltender/internal/wstransport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewRouter builds the Gin engine wired to h.
func NewRouter(h *hub.Hub, disableRequestLogging bool) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())
	r.Use(noCacheMiddleware())
	if !disableRequestLogging {
		r.Use(logrusMiddleware())
	}

	r.GET("/health", handleHealth)
	r.GET("/ws", func(c *gin.Context) { handleWS(c, h) })

	return r
}

func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func handleWS(c *gin.Context, h *hub.Hub) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.WithError(err).Error("httpapi: websocket upgrade failed")
		return
	}
	wstransport.Serve(h, uuid.NewString(), conn)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func noCacheMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		c.Writer.Header().Set("Pragma", "no-cache")
		c.Next()
	}
}

func logrusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		start := time.Now()
		c.Next()
		latency := int(math.Ceil(float64(time.Since(start).Nanoseconds()) / 1e6))
		status := c.Writer.Status()

		msg := fmt.Sprintf("%s %s %d %dms", c.Request.Method, path, status, latency)
		if status >= http.StatusInternalServerError {
			logrus.Error(msg)
		} else {
			logrus.Info(msg)
		}
	}
}
