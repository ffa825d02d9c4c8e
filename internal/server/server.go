// Package server exposes the generation flows over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"nanobanana-cli/internal/domain"
	"nanobanana-cli/internal/lib/sl"
	"nanobanana-cli/internal/ports"
	"nanobanana-cli/internal/service"
)

const (
	SessionHeader  = "X-Session-ID"
	RequestHeader  = "X-Request-ID"
	DefaultSession = "anonymous"

	DefaultSessionTTL = 30 * time.Minute
	maxImageBytes     = 20 << 20
)

// Generator runs one generation at a time.
type Generator interface {
	Generate(ctx context.Context, in service.GenerateInput) (service.GenerateOutput, error)
	State() domain.State
}

// GeneratorFactory builds the Generator of a new session.
type GeneratorFactory func() (Generator, error)

// CreditReader serves the account balance.
type CreditReader interface {
	Balance(ctx context.Context) (domain.AccountCredits, error)
	Refresh(ctx context.Context) (domain.AccountCredits, error)
}

// Args collects the dependencies of a Server.  Store may be nil; a
// non-positive SessionTTL selects DefaultSessionTTL.
type Args struct {
	Client     ports.GenerationClient
	Credits    CreditReader
	Store      ports.GenerationStore
	Factory    GeneratorFactory
	Logger     *slog.Logger
	SessionTTL time.Duration
}

// Server is the HTTP API.  Each session owns one Generator, so a session
// runs at most one generation at a time.
type Server struct {
	engine   *gin.Engine
	client   ports.GenerationClient
	credits  CreditReader
	store    ports.GenerationStore
	factory  GeneratorFactory
	sessions *cache.Cache
	log      *slog.Logger

	mu   sync.Mutex
	pins map[string]int // requests inside run, per session
}

// New builds a Server.  Client, Credits and Factory are required.
func New(args Args) (*Server, error) {
	if args.Client == nil || args.Credits == nil || args.Factory == nil {
		return nil, errors.New("server: client, credits and factory are required")
	}
	ttl := args.SessionTTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	s := &Server{
		client:   args.Client,
		credits:  args.Credits,
		store:    args.Store,
		factory:  args.Factory,
		sessions: cache.New(ttl, ttl),
		pins:     make(map[string]int),
		log:      sl.OrDiscard(args.Logger).With(sl.Module("http")),
	}
	s.engine = s.routes()
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is canceled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.MaxMultipartMemory = 8 << 20
	r.Use(gin.Recovery(), s.requestLogger())

	api := r.Group("/api")
	api.GET("/credits", s.getCredits)
	api.POST("/credits/refresh", s.refreshCredits)
	api.POST("/generate", s.generate)
	api.POST("/adjust", s.adjust)
	api.POST("/imagine", s.imagine)
	api.GET("/state", s.state)
	api.GET("/tasks/:id", s.getTask)
	api.GET("/history", s.history)
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(RequestHeader, id)
		start := time.Now()
		c.Next()
		s.log.Info("request",
			slog.String("id", id),
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("took", time.Since(start)),
		)
	}
}

func sessionID(c *gin.Context) string {
	if id := c.GetHeader(SessionHeader); id != "" {
		return id
	}
	return DefaultSession
}

// acquire returns the Generator of the caller's session, creating it on
// first use.  The session cannot expire until release is called; once the
// last pinning request releases it, the idle expiry starts over.
func (s *Server) acquire(id string) (Generator, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var g Generator
	if v, ok := s.sessions.Get(id); ok {
		g = v.(Generator)
	} else {
		var err error
		if g, err = s.factory(); err != nil {
			return nil, nil, err
		}
	}
	s.pins[id]++
	s.sessions.Set(id, g, cache.NoExpiration)

	release := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.pins[id]--
		if s.pins[id] > 0 {
			return
		}
		delete(s.pins, id)
		s.sessions.SetDefault(id, g)
	}
	return g, release, nil
}
