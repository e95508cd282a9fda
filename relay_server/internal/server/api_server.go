package server

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/iselt/wiretap/common"
	"github.com/iselt/wiretap/common/protocol"
	"github.com/iselt/wiretap/common/rc4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// APIServer exposes the relay over HTTP: status, connection control,
// packet injection and inspection.
type APIServer struct {
	relay     *Relay
	router    *gin.Engine
	logger    *zap.Logger
	gatherer  prometheus.Gatherer
	startedAt time.Time

	mu       sync.Mutex
	server   *http.Server
	shutdown bool
}

type connectRequest struct {
	Host string `json:"host" binding:"required"`
	Port int    `json:"port" binding:"required"`
}

type packetRequest struct {
	Packet string `json:"packet" binding:"required"`
}

type cipherRequest struct {
	// Key is the hex-encoded RC4 key. Empty removes the cipher.
	Key string `json:"key"`
}

// PacketInfo describes a parsed packet
type PacketInfo struct {
	Header    uint16 `json:"header"`
	Length    int    `json:"length"`
	Corrupted bool   `json:"corrupted"`
	Text      string `json:"text"`
	Hex       string `json:"hex"`
}

// NewAPIServer creates the API server; gatherer backs /metrics.
func NewAPIServer(relay *Relay, gatherer prometheus.Gatherer, logger *zap.Logger) (*APIServer, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(requestLogger(logger), gin.Recovery())

	api := &APIServer{
		relay:     relay,
		router:    router,
		logger:    logger,
		gatherer:  gatherer,
		startedAt: time.Now(),
	}
	api.setupRoutes()

	return api, nil
}

func (api *APIServer) setupRoutes() {
	cfg := api.relay.Config()

	v1 := api.router.Group("/api/v1")
	v1.Use(requireToken(cfg.APIServer.TokenHash))
	{
		v1.GET("/status", api.getStatus)
		v1.GET("/headers", api.getHeaders)
		v1.GET("/logs", api.getConnectionLogs)
		v1.GET("/config", api.getConfig)

		v1.POST("/connect", api.connect)
		v1.POST("/disconnect", api.disconnect)
		v1.POST("/send/:destination", api.send)
		v1.POST("/cipher/:direction/:role", api.setCipher)
		v1.POST("/inspect", api.inspect)
	}

	api.router.GET("/health", api.healthCheck)

	if cfg.Metrics.Enabled {
		api.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(api.gatherer, promhttp.HandlerOpts{})))
	}
}

// Handler returns the router, for tests and embedding.
func (api *APIServer) Handler() http.Handler {
	return api.router
}

// Start serves on addr until Shutdown is called.
func (api *APIServer) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	api.mu.Lock()
	if api.shutdown {
		api.mu.Unlock()
		return nil
	}
	api.server = srv
	api.mu.Unlock()

	api.logger.Info("Starting API server", zap.String("listen_addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server. A later Start returns immediately.
func (api *APIServer) Shutdown(ctx context.Context) error {
	api.mu.Lock()
	api.shutdown = true
	srv := api.server
	api.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("API request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// requireToken checks the bearer token against a bcrypt hash. An empty hash
// leaves the API open.
func requireToken(hash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if hash == "" {
			c.Next()
			return
		}
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": common.ErrUnauthorized.Error()})
			return
		}
		c.Next()
	}
}

func (api *APIServer) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "wiretap-relay",
		"time":    time.Now().UTC(),
	})
}

func (api *APIServer) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"session":   api.relay.Status(),
		"connected": api.relay.IsConnected(),
		"uptime":    time.Since(api.startedAt).String(),
	})
}

func (api *APIServer) getHeaders(c *gin.Context) {
	c.JSON(http.StatusOK, api.relay.Headers())
}

func (api *APIServer) getConnectionLogs(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	logs := api.relay.Events(limit)
	c.JSON(http.StatusOK, gin.H{
		"logs":  logs,
		"total": len(logs),
	})
}

// getConfig returns the configuration without secrets
func (api *APIServer) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, api.relay.Config())
}

func (api *APIServer) connect(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := api.relay.Connect(c.Request.Context(), req.Host, req.Port); err != nil {
		api.logger.Warn("API: connect failed", zap.String("host", req.Host), zap.Int("port", req.Port), zap.Error(err))
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": api.relay.Status()})
}

func (api *APIServer) disconnect(c *gin.Context) {
	info := api.relay.Status()
	if err := api.relay.Disconnect(); err != nil {
		api.logger.Warn("API: errors while disconnecting", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{
		"message":    "Relay disconnected",
		"session_id": info.SessionID,
	})
}

func (api *APIServer) send(c *gin.Context) {
	var req packetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	data, err := protocol.ParseTemplate(req.Packet)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var n int
	switch c.Param("destination") {
	case "client":
		n, err = api.relay.SendToClient(data)
	case "server":
		n, err = api.relay.SendToServer(data)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "destination must be client or server"})
		return
	}
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"bytes": n})
}

func (api *APIServer) setCipher(c *gin.Context) {
	var req cipherRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var cipher *rc4.Cipher
	if req.Key != "" {
		key, err := hex.DecodeString(req.Key)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("key must be hex: %v", err)})
			return
		}
		if cipher, err = rc4.New(key); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	dir := Direction(c.Param("direction"))
	role := CipherRole(c.Param("role"))
	if err := api.relay.SetCipher(dir, role, cipher); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"direction": dir,
		"role":      role,
		"set":       cipher != nil,
	})
}

func (api *APIServer) inspect(c *gin.Context) {
	var req packetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	data, err := protocol.ParseTemplate(req.Packet)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	m, err := protocol.Parse(data, protocol.DestinationUnknown)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, PacketInfo{
		Header:    m.Header(),
		Length:    m.Length(),
		Corrupted: m.IsCorrupted(),
		Text:      m.String(),
		Hex:       hex.EncodeToString(m.Bytes()),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, common.ErrAlreadyConnected), errors.Is(err, common.ErrNotConnected):
		return http.StatusConflict
	case common.IsConfigurationError(err), common.IsProtocolError(err):
		return http.StatusBadRequest
	case common.IsSystemError(err):
		return http.StatusInternalServerError
	}
	return http.StatusBadGateway
}
