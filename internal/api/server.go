// Package api serves the login page, the dashboard and its event stream.
package api

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/csrf"

	"github.io/infrasutra/inboxsort/internal/auth"
	"github.io/infrasutra/inboxsort/internal/config"
	"github.io/infrasutra/inboxsort/internal/metrics"
	"github.io/infrasutra/inboxsort/internal/session"
	"github.io/infrasutra/inboxsort/internal/sse"
	"github.io/infrasutra/inboxsort/internal/store"
	webassets "github.io/infrasutra/inboxsort/web"
)

// Backend is the classification service as the web layer uses it.
type Backend interface {
	session.Backend
	AuthURL(ctx context.Context) (string, error)
}

type Options struct {
	Config  config.Config
	Store   *store.Store
	Auth    *auth.Manager
	Hub     *sse.Hub
	Backend Backend
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	// CSRFKey must be 32 bytes; any other length gets a random key.
	CSRFKey []byte
	Theme   *Theme
}

type Server struct {
	cfg       config.Config
	store     *store.Store
	auth      *auth.Manager
	hub       *sse.Hub
	backend   Backend
	metrics   *metrics.Metrics
	logger    *slog.Logger
	theme     Theme
	sessions  *session.Registry
	templates map[string]*template.Template
	handler   http.Handler
}

func NewServer(opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	theme := DefaultTheme()
	if opts.Theme != nil {
		theme = *opts.Theme
	}
	csrfKey := opts.CSRFKey
	if len(csrfKey) != 32 {
		csrfKey = make([]byte, 32)
		if _, err := rand.Read(csrfKey); err != nil {
			return nil, fmt.Errorf("generate csrf key: %w", err)
		}
	}
	templates, err := parseTemplates()
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}

	s := &Server{
		cfg:       opts.Config,
		store:     opts.Store,
		auth:      opts.Auth,
		hub:       opts.Hub,
		backend:   opts.Backend,
		metrics:   opts.Metrics,
		logger:    logger,
		theme:     theme,
		templates: templates,
	}
	s.sessions = session.NewRegistry(s.newController)

	staticFS, err := webassets.Static()
	if err != nil {
		return nil, fmt.Errorf("open static assets: %w", err)
	}
	s.handler = s.routes(csrfKey, staticFS)
	return s, nil
}

func (s *Server) routes(csrfKey []byte, staticFS fs.FS) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))

	protect := csrf.Protect(
		csrfKey,
		csrf.Secure(s.cfg.SecureCookies),
		csrf.Path("/"),
		csrf.HttpOnly(true),
		csrf.SameSite(csrf.SameSiteLaxMode),
		csrf.RequestHeader("X-CSRF-Token"),
		csrf.ErrorHandler(http.HandlerFunc(s.handleCSRFFailure)),
	)

	r.Group(func(r chi.Router) {
		if !s.cfg.SecureCookies {
			r.Use(plaintextHTTP)
		}
		r.Use(protect)
		r.Use(s.withSession)

		r.Get("/", s.handleLoginPage)
		r.Post("/login", s.handleLogin)
		r.Post("/logout", s.handleLogout)
		r.Route("/dashboard", func(r chi.Router) {
			r.Get("/", s.handleDashboard)
			r.Get("/events", s.handleStream)
			r.With(middleware.Compress(5)).Get("/emails", s.handleEmails)
			r.Post("/count", s.handleCount)
			r.Post("/refresh", s.handleRefresh)
		})
	})
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Sweep drops in-memory controllers idle past SessionIdle and stored sessions
// whose cookie can no longer be valid.
func (s *Server) Sweep(ctx context.Context, now time.Time) {
	if dropped := s.sessions.Prune(s.cfg.SessionIdle); dropped > 0 {
		s.logger.Info("pruned idle sessions", "count", dropped)
	}
	s.metrics.SetActiveSessions(s.sessions.Len())
	if s.cfg.SessionMaxAge <= 0 {
		return
	}
	deleted, err := s.store.DeleteIdleSessions(ctx, now.Add(-s.cfg.SessionMaxAge))
	if err != nil {
		s.logger.Error("delete expired sessions", "error", err)
		return
	}
	stored, err := s.store.CountSessions(ctx)
	if err != nil {
		s.logger.Error("count stored sessions", "error", err)
		return
	}
	s.metrics.SetStoredSessions(stored)
	if deleted > 0 {
		s.logger.Info("deleted expired sessions", "count", deleted, "remaining", stored)
	}
}

// Wait blocks until every running pipeline has returned.
func (s *Server) Wait() {
	s.sessions.Wait()
}

func (s *Server) newController(id string) *session.Controller {
	var ctrl *session.Controller
	ctrl = session.NewController(s.store.Bucket(id), s.backend, session.Options{
		Logger:   s.logger.With("session", shortID(id)),
		Recorder: s.metrics,
		Notify: func(ev session.Event, st session.State) {
			s.publish(id, ctrl, ev, st)
		},
	})
	return ctrl
}

func (s *Server) controller(r *http.Request) *session.Controller {
	ctrl := s.sessions.Get(sessionID(r.Context()))
	s.metrics.SetActiveSessions(s.sessions.Len())
	return ctrl
}

type sessionKey struct{}

func sessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}

// withSession resolves the visitor's session from the cookie, starting a new
// one when the cookie is missing, forged or expired.
func (s *Server) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()
		id, err := s.parseSession(r, now)
		if err != nil {
			var token string
			id, token = s.auth.NewSession(now)
			s.setSessionCookie(w, token, now)
			s.logger.Debug("started session", "session", shortID(id), "reason", err)
		}
		if err := s.store.TouchSession(r.Context(), id, now); err != nil {
			s.logger.Warn("touch session", "error", err)
		}
		ctx := context.WithValue(r.Context(), sessionKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) parseSession(r *http.Request, now time.Time) (string, error) {
	cookie, err := r.Cookie(s.auth.CookieName())
	if err != nil {
		return "", auth.ErrMissingToken
	}
	return s.auth.Parse(cookie.Value, now)
}

func (s *Server) setSessionCookie(w http.ResponseWriter, value string, now time.Time) {
	maxAge := int(s.auth.MaxAge().Seconds())
	http.SetCookie(w, &http.Cookie{
		Name:     s.auth.CookieName(),
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		Expires:  now.Add(s.auth.MaxAge()),
		HttpOnly: true,
		Secure:   s.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.auth.CookieName(),
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		// The query is left out: the dashboard redirect carries OAuth tokens.
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"elapsed", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func plaintextHTTP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, csrf.PlaintextHTTPRequest(r))
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "same-origin")
		w.Header().Set("Content-Security-Policy",
			"default-src 'self'; style-src 'self' 'unsafe-inline'; img-src 'self' data:; form-action 'self' https:")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleCSRFFailure(w http.ResponseWriter, r *http.Request) {
	s.logger.Warn("csrf check failed", "path", r.URL.Path, "reason", csrf.FailureReason(r))
	http.Error(w, "forbidden", http.StatusForbidden)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondText(w, http.StatusOK, "ok")
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Error("readiness check", "error", err)
		s.respondText(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	s.respondText(w, http.StatusOK, "ready")
}

func (s *Server) respondText(w http.ResponseWriter, status int, payload string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(payload))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
