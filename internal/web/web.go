package web

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"greenhouse/internal/events"
	"greenhouse/internal/metrics"
	"greenhouse/internal/queue"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// WebServer is the administrative HTTP surface: DLQ inspection, health,
// metrics and the event websocket. Rule/schedule CRUD lives elsewhere.
type WebServer struct {
	router *gin.Engine
	log    zerolog.Logger
}

// NewWebServer builds the router
func NewWebServer(producer *queue.Producer, hub *events.Hub, met *metrics.Metrics, jwtSecret string, log zerolog.Logger) *WebServer {
	router := gin.New()
	router.Use(gin.Recovery())

	s := &WebServer{
		router: router,
		log:    log.With().Str("component", "web").Logger(),
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(met.Handler()))
	router.GET("/ws/events", s.eventsHandler(hub))

	admin := router.Group("/api/admin", requireAdmin(jwtSecret))
	admin.GET("/queue/dlq", s.dlqHandler(producer))

	return s
}

// Start serves the router on addr
func (s *WebServer) Start(addr string) error {
	s.log.Info().Str("addr", addr).Msg("Web server listening")
	return s.router.Run(addr)
}

// Router exposes the gin engine for tests
func (s *WebServer) Router() *gin.Engine {
	return s.router
}

// requireAdmin verifies a bearer JWT carrying role=admin
func requireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		token, err := jwt.Parse(strings.TrimPrefix(header, "Bearer "), func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok || claims["role"] != "admin" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin role required"})
			return
		}
		c.Next()
	}
}

// dlqHandler serves dead-letter entries for inspection
func (s *WebServer) dlqHandler(producer *queue.Producer) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := c.DefaultQuery("start", "-")
		end := c.DefaultQuery("end", "+")
		count, err := strconv.ParseInt(c.DefaultQuery("count", "50"), 10, 64)
		if err != nil || count < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "count must be a positive integer"})
			return
		}

		msgs, err := producer.GetDLQMessages(c.Request.Context(), start, end, count)
		if err != nil {
			s.log.Error().Err(err).Msg("DLQ read failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read DLQ"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
	}
}

// eventsHandler upgrades the connection and attaches it to the hub
func (s *WebServer) eventsHandler(hub *events.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			s.log.Warn().Err(err).Msg("Websocket upgrade failed")
			return
		}
		hub.Add(conn)

		// Drain reads so closes are noticed; events flow one way.
		go func() {
			defer hub.Remove(conn)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}
}
