package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/amaterasu/apiserver/config"
	"github.com/amaterasu/apiserver/internal/auth"
	"github.com/amaterasu/apiserver/internal/db"
	"github.com/amaterasu/apiserver/internal/handlers"
	"github.com/amaterasu/apiserver/internal/logging"
	"github.com/amaterasu/apiserver/internal/mailer"
	"github.com/amaterasu/apiserver/internal/metrics"
	"github.com/amaterasu/apiserver/internal/mq"
	"github.com/amaterasu/apiserver/internal/services"
	"github.com/amaterasu/apiserver/internal/storage"
	"github.com/amaterasu/apiserver/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Deps are the collaborators the router is assembled from.
type Deps struct {
	Config  config.Config
	Log     *slog.Logger
	Store   *store.Store
	Mailer  services.Mailer
	Metrics *metrics.Metrics
	// Pictures is nil when object storage is disabled.
	Pictures *storage.Pictures
	// Users is built from the other fields when nil.
	Users *services.UserService
}

// Server wraps the HTTP server and router.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	store      *store.Store
	queue      mq.Backend
	users      *services.UserService
	log        *slog.Logger
}

// New constructs a Server from configuration, connecting to the database,
// the mail queue and object storage.
func New(ctx context.Context, cfg config.Config) (*Server, error) {
	log := logging.New(cfg.LogLevel)

	dbConn, err := db.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	st := store.New(dbConn)

	queue, err := mq.NewBackend(ctx, cfg.Mail)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("connect mail queue: %w", err)
	}
	var mail services.Mailer = mailer.NewLogMailer(log)
	if queue != nil {
		mail = mailer.NewQueueMailer(queue, cfg.Mail.Channel, cfg.Auth.BaseURL, log)
	}

	backend, err := storage.NewBackend(ctx, cfg.Storage)
	if err != nil {
		if queue != nil {
			_ = queue.Close()
		}
		_ = st.Close()
		return nil, fmt.Errorf("connect object storage: %w", err)
	}
	var pictures *storage.Pictures
	if backend != nil {
		pictures = storage.NewPictures(backend)
	}

	deps := Deps{
		Config:   cfg,
		Log:      log,
		Store:    st,
		Mailer:   mail,
		Metrics:  metrics.New(),
		Pictures: pictures,
	}
	deps.Users = newUserService(deps)
	router := NewRouter(deps)

	port := cfg.ServerPort
	if port == 0 {
		port = 8080
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info("server configured",
		"port", port,
		"db_driver", cfg.Database.Driver,
		"mq_backend", cfg.Mail.Backend,
		"storage_backend", cfg.Storage.Backend,
	)

	return &Server{
		httpServer: httpServer,
		router:     router,
		store:      st,
		queue:      queue,
		users:      deps.Users,
		log:        log,
	}, nil
}

func pictureStore(d Deps) services.PictureStore {
	if d.Pictures == nil {
		return nil
	}
	return d.Pictures
}

func newUserService(d Deps) *services.UserService {
	return services.NewUserService(d.Store, d.Mailer, pictureStore(d), d.Log, services.UserOptions{
		BcryptCost:    d.Config.Auth.BcryptCost,
		ActivationTTL: d.Config.Auth.ActivationTokenTTL,
		ResetTTL:      d.Config.Auth.ResetTokenTTL,
	})
}

// NewRouter wires services and handlers onto a chi router.
func NewRouter(d Deps) *chi.Mux {
	users := d.Users
	if users == nil {
		users = newUserService(d)
	}
	manager := services.NewSessionManager(d.Store, d.Log, d.Config.Auth.BcryptCost)
	graph := services.NewGraphService(d.Store)
	microposts := services.NewMicropostService(d.Store, pictureStore(d), d.Log)

	sessions := handlers.NewSessions(manager, auth.NewCookieSigner(d.Config.Auth.Secret), handlers.CookieOptions{
		Secure:      d.Config.Auth.CookieSecure,
		SessionTTL:  d.Config.Auth.SessionTTL,
		RememberTTL: d.Config.Auth.RememberTTL,
	}, d.Log)

	authHandler := handlers.NewAuthHandler(users, manager, sessions, d.Metrics, d.Log)
	userHandler := handlers.NewUserHandler(users, graph, microposts, sessions)
	relationshipHandler := handlers.NewRelationshipHandler(graph, sessions, d.Metrics)
	micropostHandler := handlers.NewMicropostHandler(microposts, graph, d.Pictures, sessions)

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Logger,
		middleware.Timeout(60*time.Second),
		d.Metrics.Middleware,
	)
	router.Get("/healthz", handlers.Healthz)
	router.Handle("/metrics", d.Metrics.Handler())

	router.Group(func(r chi.Router) {
		r.Use(sessions.Load)
		r.Route("/auth", func(r chi.Router) {
			handlers.AuthRouter(r, authHandler)
		})
		r.Route("/users", func(r chi.Router) {
			handlers.UserRouter(r, userHandler)
		})
		r.Route("/relationships", func(r chi.Router) {
			handlers.RelationshipRouter(r, relationshipHandler)
		})
		r.Route("/microposts", func(r chi.Router) {
			handlers.MicropostRouter(r, micropostHandler)
		})
		r.With(sessions.RequireUser).Get("/feed", micropostHandler.Feed)
	})

	return router
}

// Router exposes the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and pending mail, then releases the
// queue and database.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.users != nil {
		err = errors.Join(err, s.waitForMail(ctx))
	}
	if s.queue != nil {
		err = errors.Join(err, s.queue.Close())
	}
	if s.store != nil {
		err = errors.Join(err, s.store.Close())
	}
	return err
}

func (s *Server) waitForMail(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.users.WaitForMail()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for mail: %w", ctx.Err())
	}
}
