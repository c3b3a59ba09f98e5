package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.io/infrasutra/inboxsort/internal/emails"
	"github.io/infrasutra/inboxsort/internal/session"
)

const (
	msgEmptyAPIKey   = "Please enter your OpenAI API key"
	msgAPIKeyPrefix  = "Invalid API key format. It should start with 'sk-'"
	msgLoginFailure  = "Failed to initiate login: "
	msgUnableToStore = "Unable to save your API key. Please try again."
)

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	s.render(w, http.StatusOK, "login.html", loginPage{pageData: s.newPageData(r, "Gmail Email Classifier")})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	page := loginPage{pageData: s.newPageData(r, "Gmail Email Classifier")}
	key := r.PostFormValue("openai_key")
	if err := session.ValidateAPIKey(key); err != nil {
		page.Error = msgAPIKeyPrefix
		if errors.Is(err, session.ErrEmptyAPIKey) {
			page.Error = msgEmptyAPIKey
		}
		s.render(w, http.StatusBadRequest, "login.html", page)
		return
	}

	id := sessionID(r.Context())
	if err := s.store.Bucket(id).Set(r.Context(), session.KeyAPICredential, key); err != nil {
		s.logger.Error("store api credential", "session", shortID(id), "error", err)
		page.Error = msgUnableToStore
		s.render(w, http.StatusInternalServerError, "login.html", page)
		return
	}

	authURL, err := s.backend.AuthURL(r.Context())
	if err != nil {
		s.logger.Error("initiate login", "error", err)
		page.Error = msgLoginFailure + err.Error()
		s.render(w, http.StatusBadGateway, "login.html", page)
		return
	}
	http.Redirect(w, r, authURL, http.StatusSeeOther)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	ctrl := s.controller(r)
	tokens := r.URL.Query().Get("tokens")
	// The pipeline outlives this request; it is bounded by the backend
	// client's timeout, not by the visitor staying on the page.
	out := ctrl.Mount(context.WithoutCancel(r.Context()), tokens, tokens != "")
	s.logger.Info("dashboard mount", "session", shortID(sessionID(r.Context())), "bootstrap", out.Kind.String())

	if out.Route == session.RouteLogin {
		http.Redirect(w, r, string(session.RouteLogin), http.StatusSeeOther)
		return
	}
	if out.StripParam {
		http.Redirect(w, r, string(session.RouteDashboard), http.StatusSeeOther)
		return
	}

	page := dashboardPage{
		pageData:      s.newPageData(r, "Email Classifier"),
		dashboardView: s.buildDashboardView(ctrl.Snapshot()),
		Alerts:        ctrl.TakeAlerts(),
	}
	s.render(w, http.StatusOK, "dashboard.html", page)
}

func (s *Server) handleEmails(w http.ResponseWriter, r *http.Request) {
	ctrl := s.controller(r)
	st := ctrl.Snapshot()
	if raw := r.URL.Query().Get("category"); raw != "" {
		st = ctrl.SelectFilter(emails.ParseCategory(raw))
	}
	if st.Route == session.RouteLogin {
		http.Redirect(w, r, string(session.RouteLogin), http.StatusSeeOther)
		return
	}
	s.renderPartial(w, "partials/emails.html", "emails", s.buildDashboardView(st))
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	ctrl := s.controller(r)
	st := ctrl.SetFetchCount(emails.ParseFetchCount(r.PostFormValue("count")))
	if !wantsJSON(r) {
		http.Redirect(w, r, string(session.RouteDashboard), http.StatusSeeOther)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]int{"count": st.FetchCount})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctrl := s.controller(r)
	done, err := ctrl.Refresh(context.WithoutCancel(r.Context()))
	status := http.StatusAccepted
	switch {
	case errors.Is(err, session.ErrPipelineBusy):
		status = http.StatusConflict
	case err != nil:
		s.logger.Error("refresh", "error", err)
		status = http.StatusInternalServerError
	case done == nil:
		status = http.StatusNoContent
	}
	if !wantsJSON(r) {
		http.Redirect(w, r, string(session.RouteDashboard), http.StatusSeeOther)
		return
	}
	if status == http.StatusNoContent {
		w.WriteHeader(status)
		return
	}
	body := map[string]string{"status": "started"}
	if err != nil {
		body = map[string]string{"error": err.Error()}
	}
	s.respondJSON(w, status, body)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r.Context())
	route := s.controller(r).Logout(r.Context())
	if err := s.store.DeleteSession(r.Context(), id); err != nil {
		s.logger.Error("delete session", "session", shortID(id), "error", err)
	}
	s.clearSessionCookie(w)
	http.Redirect(w, r, string(route), http.StatusSeeOther)
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}
