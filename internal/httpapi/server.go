// Package httpapi is the gateway's HTTP surface: health checks, metrics,
// IM management endpoints and the signed inbound capture webhook.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"

	"imgateway/internal/im"
	"imgateway/internal/im/signature"
	"imgateway/internal/metrics"
	"imgateway/internal/notifier"
	rtsup "imgateway/internal/runtime/supervisor"
	"imgateway/internal/storage"
	logx "imgateway/pkg/logx"
)

const (
	DefaultAddr         = "127.0.0.1:8080"
	defaultReadTimeout  = 15 * time.Second
	defaultWriteTimeout = 30 * time.Second
)

type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	WebhookPaths []string

	CORS        bool
	CORSOrigins []string

	Pprof      bool
	PprofToken string
}

// Gateway is the provider registry as seen by the management endpoints.
type Gateway interface {
	Statuses() []im.ConnectionStatus
	AvailableProviders() []im.Provider
	SendToProvider(ctx context.Context, p im.Provider, msg im.OutboundMessage) im.SendResult
}

// Router is the per-user routing layer.
type Router interface {
	SendText(ctx context.Context, text, userID string) im.SendResult
	SendToAll(ctx context.Context, msg im.OutboundMessage) []im.SendResult
	NotifyCaptureSuccess(ctx context.Context, uuid, content, userID string) im.SendResult
	SetUserChannel(ctx context.Context, userID string, p im.Provider) error
	GetUserChannel(ctx context.Context, userID string) (im.Provider, bool)
}

// Journal lists recent deliveries, newest first.
type Journal interface {
	Recent(ctx context.Context, limit int) ([]storage.Delivery, error)
}

type Deps struct {
	Gateway  Gateway
	Router   Router
	Handler  im.Handler
	Verifier *signature.Verifier
	Journal  Journal
	Metrics  *metrics.Metrics
	// Ready backs /ready; nil means always ready.
	Ready func() error
	// Alerts backs /api/v1/im/alerts; nil leaves the route out.
	Alerts AlertHistory
	// Runtime lists named supervisor snapshots for /debug/runtime.
	Runtime func() map[string]rtsup.Snapshot
}

// AlertHistory is the notifier's delivery history, oldest first.
type AlertHistory interface {
	Snapshot() []notifier.HistoryItem
}

type Server struct {
	cfg    Config
	deps   Deps
	log    logx.Logger
	engine *gin.Engine
	health healthcheck.Handler

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
	sup *rtsup.Supervisor
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if len(cfg.WebhookPaths) == 0 {
		cfg.WebhookPaths = signature.DefaultPaths
	}
	s := &Server{cfg: cfg, deps: deps, log: log}
	s.health = s.newHealth()
	s.engine = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

// Addr is the bound address once Start has returned, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.cfg.Addr
}

func (s *Server) newHealth() healthcheck.Handler {
	h := healthcheck.NewHandler()
	h.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))
	if s.deps.Ready != nil {
		h.AddReadinessCheck("im-sessions", s.deps.Ready)
	}
	return h
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())
	if s.deps.Metrics != nil {
		r.Use(s.deps.Metrics.GinMiddleware())
	}
	if s.cfg.CORS {
		cc := cors.DefaultConfig()
		if len(s.cfg.CORSOrigins) > 0 {
			cc.AllowOrigins = s.cfg.CORSOrigins
		} else {
			cc.AllowAllOrigins = true
		}
		cc.AddAllowHeaders(signature.HeaderProvider, "Authorization")
		r.Use(cors.New(cc))
	}
	if s.deps.Verifier != nil {
		r.Use(SignatureMiddleware(s.deps.Verifier, s.log))
	}

	r.GET("/live", gin.WrapF(s.health.LiveEndpoint))
	r.GET("/ready", gin.WrapF(s.health.ReadyEndpoint))
	if s.deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}
	if s.cfg.Pprof {
		mountPprof(r, s.cfg.PprofToken, s.deps.Runtime)
	}

	for _, p := range s.cfg.WebhookPaths {
		r.POST(p, s.capture)
	}

	v1 := r.Group("/api/v1/im")
	{
		v1.GET("/status", s.status)
		v1.GET("/providers", s.providers)
		v1.POST("/test", s.test)
		v1.POST("/test-all", s.testAll)
		v1.POST("/notify/:uuid", s.notify)
		v1.GET("/channel", s.getChannel)
		v1.POST("/channel", s.setChannel)
		v1.GET("/deliveries", s.deliveries)
		if s.deps.Alerts != nil {
			v1.GET("/alerts", s.alerts)
		}
	}
	return r
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		)
	}
}

// Start binds the listener and serves in the background. Bind errors are
// returned; a server that dies later is restarted on the same address.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	first := ln
	s.sup.GoRestart("http.serve", func(c context.Context) error {
		l := first
		first = nil
		if l == nil {
			var err error
			if l, err = net.Listen("tcp", s.cfg.Addr); err != nil {
				return err
			}
		}
		return s.serve(c, l)
	}, rtsup.WithRestartBackoff(time.Second, 30*time.Second), rtsup.WithStopOnCleanExit(true))
	s.log.Info("http api listening", logx.String("addr", ln.Addr().String()))
	return nil
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	err := srv.Serve(ln)
	if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully within ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, sup, ln := s.srv, s.sup, s.ln
	s.srv, s.sup, s.ln = nil, nil, nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	sup.Cancel()
	// The serve loop may not have taken the listener yet.
	_ = ln.Close()
	if werr := sup.Wait(ctx); err == nil {
		err = werr
	}
	s.log.Info("http api stopped")
	return err
}
