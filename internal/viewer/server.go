// Package viewer serves the read-only observation surface: a WebSocket
// stream of bus events with snapshot-then-tail semantics, a state snapshot
// endpoint, health and metrics.
package viewer

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"jeeves/internal/bus"
	"jeeves/internal/logging"
	"jeeves/internal/secrets"
	"jeeves/internal/state"
)

// Options configures a Server.
type Options struct {
	Bus    *bus.Bus
	Store  *state.Store
	Logger logging.Logger
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// Server is the viewer HTTP server.
type Server struct {
	bus      *bus.Bus
	store    *state.Store
	logger   logging.Logger
	engine   *gin.Engine
	upgrader websocket.Upgrader
}

// New builds the server and its routes.
func New(opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		bus:    opts.Bus,
		store:  opts.Store,
		logger: logging.OrNop(opts.Logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The viewer is an open local observation surface.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.Default())

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "subscribers": s.bus.Subscribers()})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	engine.GET("/api/state", s.handleState)
	engine.GET("/api/secrets", s.handleSecrets)
	engine.GET("/ws", s.handleWS)

	s.engine = engine
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("viewer listening on %s", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// handleState returns the current issue and run records.
func (s *Server) handleState(c *gin.Context) {
	issue, err := s.store.GetIssue()
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	rec, err := s.store.GetRun()
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"issue": issue, "run": rec})
}

// handleSecrets reports token presence only; the value never leaves the
// state dir.
func (s *Server) handleSecrets(c *gin.Context) {
	st, err := secrets.NewKeeper(s.store.Dir()).Status()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

// handleWS streams bus messages to one subscriber: the retained state
// snapshot, a reset-tagged log backlog, then the live tail.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Reader goroutine: the viewer never sends application frames, but the
	// read loop surfaces disconnects and answers pings.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		msg, ok := sub.Next(ctx)
		if !ok {
			return
		}
		if err := conn.WriteJSON(msg); err != nil {
			s.logger.Debug("websocket write failed, dropping subscriber: %v", err)
			return
		}
	}
}
