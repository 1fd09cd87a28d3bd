// Package server is the HTTP dispatcher (spec §4.4, §6): three routes
// plus liveness, wiring the Telegram webhook into admission, policy,
// relay, boards, and the admin console.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaybot/telegram-relaybot/internal/admin"
	"github.com/relaybot/telegram-relaybot/internal/admission"
	"github.com/relaybot/telegram-relaybot/internal/attestation"
	"github.com/relaybot/telegram-relaybot/internal/boards"
	"github.com/relaybot/telegram-relaybot/internal/config"
	"github.com/relaybot/telegram-relaybot/internal/events"
	"github.com/relaybot/telegram-relaybot/internal/policy"
	"github.com/relaybot/telegram-relaybot/internal/relay"
	"github.com/relaybot/telegram-relaybot/internal/rules"
	"github.com/relaybot/telegram-relaybot/internal/store"
	"github.com/relaybot/telegram-relaybot/internal/telegram"
)

// Server is the relay bot's HTTP server.
type Server struct {
	cfg         *config.Config
	store       store.Store
	client      *telegram.Client
	rules       *rules.Store
	admission   *admission.Machine
	policy      *policy.Pipeline
	relay       *relay.Engine
	boards      *boards.Boards
	console     *admin.Console
	initData    *attestation.InitDataVerifier
	captcha     *attestation.CaptchaVerifier
	bus         *events.Bus
	adminIDs    map[string]struct{}
	httpServer  *http.Server
	version     string
	startTime   time.Time
}

// Deps bundles the already-constructed collaborators New wires
// together; built in cmd/relaybot/main.go.
type Deps struct {
	Store     store.Store
	Client    *telegram.Client
	Rules     *rules.Store
	Admission *admission.Machine
	Policy    *policy.Pipeline
	Relay     *relay.Engine
	Boards    *boards.Boards
	Console   *admin.Console
	InitData  *attestation.InitDataVerifier
	Captcha   *attestation.CaptchaVerifier
	Bus       *events.Bus
}

func New(cfg *config.Config, d Deps, version string) *Server {
	adminIDs := make(map[string]struct{}, len(cfg.AdminIDs))
	for _, id := range cfg.AdminIDs {
		adminIDs[id] = struct{}{}
	}

	srv := &Server{
		cfg:       cfg,
		store:     d.Store,
		client:    d.Client,
		rules:     d.Rules,
		admission: d.Admission,
		policy:    d.Policy,
		relay:     d.Relay,
		boards:    d.Boards,
		console:   d.Console,
		initData:  d.InitData,
		captcha:   d.Captcha,
		bus:       d.Bus,
		adminIDs:  adminIDs,
		version:   version,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	srv.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:        requestLogger(mux),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return srv
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /", s.handleLiveness)
	mux.HandleFunc("GET /verify", s.handleVerifyPage)
	mux.HandleFunc("POST /submit_token", s.handleSubmitToken)
	mux.HandleFunc("POST /", s.handleWebhook)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "ok, up %s", time.Since(s.startTime).Round(time.Second))
}

// Run starts the HTTP server and blocks until shutdown (spec §5
// scheduling model: single-entry, handler-per-request).
func (s *Server) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("relaybot: server starting", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("relaybot: shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) isPrimaryAdmin(userID string) bool {
	_, ok := s.adminIDs[userID]
	return ok
}
