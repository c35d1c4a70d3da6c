// Package api serves the agent ingestion endpoints over HTTP and WebSocket.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"

	"github.com/tsln1998/wk/internal/ingest"
	"github.com/tsln1998/wk/internal/store"
)

const (
	bodyLimit         = "1M"
	writeWait         = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// HostResolver maps a machine id to its host record.
type HostResolver interface {
	Resolve(ctx context.Context, machineID string) (*store.Host, error)
}

// Mailboxes hands out senders for host mailboxes.
type Mailboxes interface {
	Obtain(host *store.Host) (*ingest.Sender, error)
	Len() int
}

// Options tune the server. Zero values disable the matching feature.
type Options struct {
	Debug             bool
	RateLimit         float64
	MaxConns          int
	ReportInterval    time.Duration
	StreamIdleTimeout time.Duration
}

// Server is the agent-facing HTTP server.
type Server struct {
	echo      *echo.Echo
	opts      Options
	resolver  HostResolver
	mailboxes Mailboxes
	upgrader  websocket.Upgrader
	log       zerolog.Logger

	mu      sync.Mutex
	streams map[*websocket.Conn]struct{}
}

// New creates a server instance with routes and middleware in place.
func New(opts Options, resolver HostResolver, mailboxes Mailboxes, log zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = opts.Debug

	s := &Server{
		echo:      e,
		opts:      opts,
		resolver:  resolver,
		mailboxes: mailboxes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Agents are not browsers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:     log.With().Str("component", "api").Logger(),
		streams: make(map[*websocket.Conn]struct{}),
	}
	e.HTTPErrorHandler = s.handleError

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			ev := s.log.Debug()
			if v.Error != nil {
				ev = s.log.Warn().Err(v.Error)
			}
			ev.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("request_id", v.RequestID).
				Msg("Request")
			return nil
		},
	}))
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestID())
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.health)

	agent := s.echo.Group("/api/agent/:machineId")
	agent.Use(middleware.BodyLimit(bodyLimit))
	if s.opts.RateLimit > 0 {
		agent.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(s.opts.RateLimit),
		)))
	}
	agent.GET("/config", s.agentConfig)
	agent.POST("/report", s.reportBatch)
	agent.GET("/report", s.reportStream)
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on ln until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start(ln net.Listener) error {
	if s.opts.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.opts.MaxConns)
	}
	s.echo.Listener = ln
	s.echo.Server.ReadHeaderTimeout = readHeaderTimeout

	s.log.Info().
		Str("addr", ln.Addr().String()).
		Int("max_conns", s.opts.MaxConns).
		Msg("API server listening")

	err := s.echo.Start("")
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, waits for in-flight ones and then closes
// open streams with a going-away frame.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.echo.Shutdown(ctx)

	s.mu.Lock()
	for conn := range s.streams {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
	}
	n := len(s.streams)
	s.mu.Unlock()

	if n > 0 {
		s.log.Info().Int("streams", n).Msg("Closed open streams")
	}
	if err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}

func (s *Server) trackStream(conn *websocket.Conn) {
	s.mu.Lock()
	s.streams[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrackStream(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.streams, conn)
	s.mu.Unlock()
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"mailboxes": s.mailboxes.Len(),
	})
}
