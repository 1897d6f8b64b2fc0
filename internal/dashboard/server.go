package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"tickflow/config"
	"tickflow/internal/metrics"
	"tickflow/internal/stream"
	"tickflow/logger"
)

// SessionSource yields the running streaming session, or nil while there is
// none.
type SessionSource interface {
	Current() *stream.Session
}

// Server hosts the ops API: recent metrics and logs, session status,
// subscription control, Prometheus scraping and the tick websocket.
type Server struct {
	cfg             config.DashboardConfig
	log             *logger.Log
	metricStore     *metricStore
	logStore        *logStore
	metricHandler   metrics.MetricHandlerID
	httpServer      *http.Server
	resourceSampler *resourceSampler
	sessions        SessionSource
	observers       http.Handler
}

// NewServer constructs a dashboard server when the dashboard feature is enabled.
// When the dashboard is disabled the returned server will be nil.
// observers serves /ws and may be nil.
func NewServer(cfg config.DashboardConfig, log *logger.Log, sessions SessionSource, observers http.Handler) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if sessions == nil {
		return nil, errors.New("dashboard requires a session source")
	}

	cfg.Address = normalizeAddress(cfg.Address)

	if cfg.ResourceInterval <= 0 {
		cfg.ResourceInterval = 5 * time.Second
	}
	if cfg.MaxLogs <= 0 {
		cfg.MaxLogs = 200
	}
	if cfg.MaxMetrics <= 0 {
		cfg.MaxMetrics = 200
	}

	metricStore := newMetricStore(cfg.MaxMetrics)
	handlerID := metrics.RegisterMetricHandler(metricStore.handle)

	logStore := newLogStore(cfg.MaxLogs)
	log.AddHook(logStore)

	return &Server{
		cfg:             cfg,
		log:             log,
		metricStore:     metricStore,
		logStore:        logStore,
		metricHandler:   handlerID,
		resourceSampler: newResourceSampler(cfg.MaxMetrics, cfg.ResourceInterval, "/", log),
		sessions:        sessions,
		observers:       observers,
	}, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// server fails.
func (s *Server) Run(ctx context.Context, appName string) error {
	if s == nil {
		return nil
	}

	defer s.cleanup()

	router, err := s.buildRouter(appName)
	if err != nil {
		return err
	}

	s.resourceSampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.WithComponent("dashboard").WithField("address", s.cfg.Address).Info("dashboard listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	s.logStore.close()
	s.resourceSampler.stop()
}

// Address reports the network address the dashboard server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter(appName string) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"app": appName})
	})

	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	if s.observers != nil {
		router.GET("/ws", gin.WrapH(s.observers))
	}

	api := router.Group("/api")
	api.GET("/metrics", s.handleMetrics)
	api.GET("/logs", s.handleLogs)
	api.GET("/resources", s.handleResources)
	api.GET("/session", s.handleSession)
	api.POST("/subscribe", s.handleSubscription(stream.Subscribe))
	api.POST("/unsubscribe", s.handleSubscription(stream.Unsubscribe))

	return router, nil
}

func (s *Server) handleMetrics(c *gin.Context) {
	snapshot := s.metricStore.snapshot()
	payload := make([]gin.H, 0, len(snapshot))
	for _, m := range snapshot {
		payload = append(payload, gin.H{
			"timestamp": m.Timestamp.Format(time.RFC3339Nano),
			"component": m.Component,
			"feed":      m.Feed,
			"name":      m.Name,
			"value":     m.Value,
			"type":      m.Type,
			"fields":    m.Fields,
		})
	}
	c.JSON(http.StatusOK, gin.H{"metrics": payload})
}

func (s *Server) handleLogs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"logs": s.logStore.snapshot()})
}

func (s *Server) handleResources(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"resources": s.resourceSampler.snapshot()})
}

func (s *Server) handleSession(c *gin.Context) {
	sess := s.sessions.Current()
	if sess == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "streamer not ready (no token)"})
		return
	}
	c.JSON(http.StatusOK, sess.Status())
}

// subscriptionRequest accepts both key spellings used by existing clients.
type subscriptionRequest struct {
	InstrumentKeys []string `json:"instrument_keys"`
	CamelKeys      []string `json:"instrumentKeys"`
}

func (r subscriptionRequest) keys() []string {
	raw := r.InstrumentKeys
	if len(raw) == 0 {
		raw = r.CamelKeys
	}
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		if strings.TrimSpace(k) != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func (s *Server) handleSubscription(kind stream.CommandKind) gin.HandlerFunc {
	resultField := "subscribed"
	if kind == stream.Unsubscribe {
		resultField = "unsubscribed"
	}

	return func(c *gin.Context) {
		sess := s.sessions.Current()
		if sess == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "streamer not ready (no token)"})
			return
		}

		var req subscriptionRequest
		// A malformed body is treated like an empty one.
		_ = c.ShouldBindJSON(&req)
		keys := req.keys()
		if len(keys) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no valid instrument keys"})
			return
		}

		var delivery stream.Delivery
		if kind == stream.Subscribe {
			delivery = sess.Subscribe(keys)
		} else {
			delivery = sess.Unsubscribe(keys)
		}

		s.log.WithComponent("dashboard").WithFields(logger.Fields{
			"command":  kind.String(),
			"keys":     keys,
			"delivery": delivery.String(),
		}).Info("subscription change requested")

		c.JSON(http.StatusOK, gin.H{
			"ok":        true,
			resultField: keys,
			"delivery":  delivery.String(),
		})
	}
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
