package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/netutil"
	"nhooyr.io/websocket"

	"nodegate/mux"
	"nodegate/observability/metrics"
	"nodegate/policy"
)

const wsWriteTimeout = 10 * time.Second

// Config carries the bridge listener settings.
type Config struct {
	// Address is the TCP listen address for the HTTP server.
	Address string
	// MaxSessions caps concurrently accepted connections. Zero means no cap.
	MaxSessions int
}

// Server accepts UI surfaces over WebSocket and hands their traffic to the
// connection multiplexer. It also owns the confirmation relay and the
// health and metrics endpoints.
type Server struct {
	cfg     Config
	mux     *mux.Service
	log     *slog.Logger
	confirm *Confirmer
	store   *policy.Store

	nextID atomic.Uint64
	ready  atomic.Bool

	mu       sync.Mutex
	sessions map[uint64]*Session
}

// NewServer wires a bridge in front of the connection service. confirm may
// be nil when no gate is in play; store may be nil when no origin grants
// exist, leaving every embedded view with an empty account set.
func NewServer(cfg Config, svc *mux.Service, confirm *Confirmer, store *policy.Store, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "bridge")
	if confirm == nil {
		confirm = NewConfirmer(log)
	}
	return &Server{
		cfg:      cfg,
		mux:      svc,
		log:      log,
		confirm:  confirm,
		store:    store,
		sessions: make(map[uint64]*Session),
	}
}

// Router builds the HTTP surface: the WebSocket upgrade, liveness and
// readiness probes, and the Prometheus scrape endpoint.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.handleWS)
	return otelhttp.NewHandler(r, "bridge")
}

// Serve listens until ctx is cancelled, then drains with a bounded shutdown.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("bridge: listen %s: %w", s.cfg.Address, err)
	}
	if s.cfg.MaxSessions > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxSessions)
	}

	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.ready.Store(true)
	s.log.Info("bridge listening", "address", ln.Addr().String())

	errs := make(chan error, 1)
	go func() {
		errs <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		s.ready.Store(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	kind, err := ParseKind(r.URL.Query().Get("kind"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer sock.Close(websocket.StatusNormalClosure, "session closed")

	session := s.register(r.Context(), kind, r.Header.Get("Origin"), sock)
	defer s.unregister(session)

	session.send(Event{Type: EventSession, ViewID: session.id, Kind: kind})
	if err := session.run(); err != nil {
		if websocket.CloseStatus(err) == -1 {
			s.log.Debug("session read ended", "view", session.id, "error", err)
		}
	}
}

func (s *Server) register(ctx context.Context, kind Kind, origin string, sock *websocket.Conn) *Session {
	id := s.nextID.Add(1)
	sctx, cancel := context.WithCancel(ctx)
	session := &Session{id: id, kind: kind, sock: sock, srv: s, ctx: sctx, cancel: cancel}

	s.mu.Lock()
	s.sessions[id] = session
	s.mu.Unlock()

	if kind == KindMain && s.confirm != nil {
		s.confirm.setHost(session)
	}
	if s.store != nil && origin != "" {
		s.store.Bind(id, origin)
	}
	metrics.Bridge().SessionOpened()
	s.log.Info("surface connected", "view", id, "kind", string(kind), "origin", origin)
	return session
}

func (s *Server) unregister(session *Session) {
	session.cancel()

	s.mu.Lock()
	delete(s.sessions, session.id)
	s.mu.Unlock()

	if s.confirm != nil {
		s.confirm.dropHost(session)
	}
	if s.store != nil {
		s.store.Unbind(session.id)
	}
	s.mux.Destroy(session.id)
	metrics.Bridge().SessionClosed()
	s.log.Info("surface disconnected", "view", session.id, "kind", string(session.kind))
}
