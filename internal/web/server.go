package web

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	socketio "github.com/googollee/go-socket.io"

	"github.com/cjeanneret/RoverGo/internal/debug"
	"github.com/cjeanneret/RoverGo/internal/health"
)

// Deps are the collaborators of the web server.
type Deps struct {
	Broadcaster      *StatusBroadcaster
	Control          Submitter
	Drive            DriveState
	Health           HealthSource
	UI               UIConfig
	StopOnDisconnect bool
	SocketIO         bool
}

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
	sio      *socketio.Server
}

// NewServer creates a server configured for the given address and dependencies.
func NewServer(addr string, deps Deps) *Server {
	subFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		log.Fatalf("web: failed to sub static fs: %v", err)
	}
	if deps.Broadcaster == nil {
		deps.Broadcaster = NewStatusBroadcaster()
	}

	s := &Server{
		addr:     addr,
		handlers: NewHandlers(deps, subFS),
	}
	if deps.SocketIO {
		s.sio = newSocketIOServer(s.handlers)
	}
	return s
}

// requestLogger sends chi's access log through the debug logger.
type requestLogger struct{}

func (requestLogger) Print(v ...interface{}) {
	debug.Verbose("%s", fmt.Sprint(v...))
}

// Router returns an http.Handler with all routes registered.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if debug.IsEnabled(debug.LevelVerbose) {
		r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: requestLogger{}, NoColor: true}))
	}
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	h := s.handlers
	r.Get("/health", h.HandleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.RequestSize(MaxBodyBytes))
		r.Use(render.SetContentType(render.ContentTypeJSON))

		r.Post("/command", h.HandleCommand)
		r.Post("/drive", h.HandleDrive)
		r.Post("/joystick", h.HandleJoystick)
		r.Get("/state", h.HandleState)
		r.Get("/health", h.HandleHealth)
		r.Get("/config", h.HandleConfig)
	})
	r.Get("/status/stream", h.HandleStatusStream)
	r.Get("/ws", h.HandleWS)
	if s.sio != nil {
		r.Handle("/socket.io/*", s.sio)
	}
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(h.staticFS))))
	r.Get("/", h.ServeIndex)

	return r
}

// PublishHealth pushes a report to every connected client: SSE as a
// "health" event, WebSocket as {"type":"health"} and socket.io as
// rover_health.
func (s *Server) PublishHealth(rep health.Report) {
	if err := s.handlers.Broadcaster.Publish("health", rep); err != nil {
		debug.Error(fmt.Errorf("publish health: %w", err))
	}
	s.handlers.sessions.broadcast(wsReply{Type: "health", Data: rep})
	if s.sio != nil {
		s.sio.BroadcastToNamespace(sioNamespace, sioHealth, rep)
	}
}

// Run starts the server and blocks until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.Router(),
		// Long-lived streams end with ctx instead of holding Shutdown open.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)

	if s.sio != nil {
		go func() {
			if err := s.sio.Serve(); err != nil {
				debug.Verbose("socket.io stopped: %v", err)
			}
		}()
		defer s.sio.Close()
	}

	go func() {
		log.Printf("web server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// Hijacked WebSocket connections are not tracked by Shutdown.
		s.handlers.sessions.closeAll()
		return srv.Shutdown(shutdownCtx)
	}
}
