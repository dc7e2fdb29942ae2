// Package httpapi exposes the upload pipeline, upload sessions and the
// Discord interactions endpoint over HTTP.
package httpapi

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/dmitrijs2005/memoryweaver/internal/bot"
	"github.com/dmitrijs2005/memoryweaver/internal/common"
	"github.com/dmitrijs2005/memoryweaver/internal/ipfs"
	"github.com/dmitrijs2005/memoryweaver/internal/logging"
	"github.com/dmitrijs2005/memoryweaver/internal/server/models"
	"github.com/dmitrijs2005/memoryweaver/internal/server/services"
	"github.com/dmitrijs2005/memoryweaver/internal/sessions"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Memories is the pipeline surface served under /api.
type Memories interface {
	CreateMemoryWithFile(ctx context.Context, req services.CreateRequest) (*services.CreateResult, error)
	SearchMemories(ctx context.Context, ownerID string, f models.SearchFilter) (*services.SearchResult, error)
	SearchShared(ctx context.Context, guildID, requesterID string, f models.SearchFilter) (*services.SearchResult, error)
	DeleteMemory(ctx context.Context, memoryID, requesterID string) (*services.DeleteResult, error)
	PurgeObjects(ctx context.Context, keys []string) []string
	EnrichIPFS(ctx context.Context, memoryID, requesterID, cid, url string) (int64, error)
	ContentStoreHealth(ctx context.Context) ipfs.Diagnostics
}

// Sessions is the multi-file upload surface.
type Sessions interface {
	Start(ctx context.Context, ownerID, guildID string, cfg sessions.Config) (*sessions.Session, error)
	Get(ctx context.Context, id, requesterID string) (*sessions.Session, error)
	UploadFile(ctx context.Context, id string, req services.CreateRequest) (*services.CreateResult, *sessions.Session, error)
}

// Dispatcher runs application commands outside the request.
type Dispatcher interface {
	Dispatch(ctx context.Context, in *bot.Interaction)
}

type Options struct {
	Address   string
	SecretKey string
	// DiscordPublicKey is the hex application key. Empty disables
	// signature checks.
	DiscordPublicKey string
	// MaxUploadBytes bounds a multipart body; zero means 32 MiB.
	MaxUploadBytes  int64
	ShutdownTimeout time.Duration
}

type Server struct {
	address         string
	secret          []byte
	publicKey       ed25519.PublicKey
	maxUpload       int64
	shutdownTimeout time.Duration

	memories   Memories
	sessions   Sessions
	dispatcher Dispatcher
	metrics    http.Handler
	logger     logging.Logger
}

func New(opts Options, memories Memories, sess Sessions, dispatcher Dispatcher, metrics http.Handler, l logging.Logger) (*Server, error) {
	if l == nil {
		l = logging.Discard()
	}
	s := &Server{
		address:         opts.Address,
		secret:          []byte(opts.SecretKey),
		maxUpload:       opts.MaxUploadBytes,
		shutdownTimeout: opts.ShutdownTimeout,
		memories:        memories,
		sessions:        sess,
		dispatcher:      dispatcher,
		metrics:         metrics,
		logger:          l.With("module", "http_server"),
	}
	if s.maxUpload <= 0 {
		s.maxUpload = 32 << 20
	}
	if s.shutdownTimeout <= 0 {
		s.shutdownTimeout = 10 * time.Second
	}
	if opts.DiscordPublicKey != "" {
		key, err := hex.DecodeString(opts.DiscordPublicKey)
		if err != nil || len(key) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid discord public key")
		}
		s.publicKey = key
	}
	return s, nil
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	if s.dispatcher != nil && s.publicKey != nil {
		r.Post("/interactions", s.handleInteraction)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health/content-store", s.handleContentStoreHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.optionalAuth)
			r.Get("/groups/{groupID}/memories", s.handleSearchShared)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Post("/memories", s.handleCreateMemory)
			r.Get("/memories", s.handleSearchMemories)
			r.Delete("/memories/{memoryID}", s.handleDeleteMemory)
			r.Post("/memories/{memoryID}/ipfs", s.handleEnrichIPFS)
		})
	})

	if s.sessions != nil {
		r.Route("/upload-sessions", func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Post("/", s.handleStartSession)
			r.Get("/{sessionID}", s.handleGetSession)
			r.Post("/{sessionID}/files", s.handleSessionFile)
		})
	}

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Serve returns as soon as Shutdown starts; done closes once in-flight
	// handlers have drained.
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(ctx, "http shutdown", "error", err)
		}
	}()

	s.logger.Info(ctx, "Starting HTTP server", "address", listen.Addr().String())

	if err := srv.Serve(listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-done
	return nil
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(common.RequestIDHeaderName, middleware.GetReqID(r.Context()))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleContentStoreHealth(w http.ResponseWriter, r *http.Request) {
	d := s.memories.ContentStoreHealth(r.Context())
	status := http.StatusOK
	if !d.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, d)
}
