package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"html"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.io/infrasutra/inboxsort/internal/auth"
	"github.io/infrasutra/inboxsort/internal/config"
	"github.io/infrasutra/inboxsort/internal/emails"
	"github.io/infrasutra/inboxsort/internal/metrics"
	"github.io/infrasutra/inboxsort/internal/session"
	"github.io/infrasutra/inboxsort/internal/sse"
	"github.io/infrasutra/inboxsort/internal/store"
)

type fakeBackend struct {
	mu            sync.Mutex
	authURL       string
	authErr       error
	fetched       []emails.Record
	categories    []emails.Category
	fetchErr      error
	classifyCalls int
	lastToken     string
}

func (f *fakeBackend) AuthURL(context.Context) (string, error) {
	return f.authURL, f.authErr
}

func (f *fakeBackend) FetchEmails(_ context.Context, accessToken string, _ int) ([]emails.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastToken = accessToken
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return append([]emails.Record(nil), f.fetched...), nil
}

func (f *fakeBackend) ClassifyEmails(_ context.Context, records []emails.Record, _ string) ([]emails.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.classifyCalls++
	out := append([]emails.Record(nil), records...)
	for i := range out {
		if i < len(f.categories) {
			out[i].Category = f.categories[i]
		}
	}
	return out, nil
}

type testEnv struct {
	server *Server
	http   *httptest.Server
	client *http.Client
	store  *store.Store
	auth   *auth.Manager
}

func newTestEnv(t *testing.T, be *fakeBackend) *testEnv {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, "")
	require.NoError(t, err)
	require.NoError(t, db.EnsureSchema(ctx))

	authManager, err := auth.New("test-secret", time.Hour)
	require.NoError(t, err)

	srv, err := NewServer(Options{
		Config: config.Config{
			SessionIdle:   time.Hour,
			SessionMaxAge: time.Hour,
		},
		Store:   db,
		Auth:    authManager,
		Hub:     sse.NewHub(),
		Backend: be,
		Metrics: metrics.New(),
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv)
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	t.Cleanup(func() {
		ts.Close()
		srv.Wait()
		db.Close()
	})
	return &testEnv{server: srv, http: ts, client: client, store: db, auth: authManager}
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, string) {
	t.Helper()
	resp, err := e.client.Get(e.http.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

var csrfMeta = regexp.MustCompile(`name="csrf-token" content="([^"]+)"`)

// csrfToken loads the login page to obtain the session and CSRF cookies.
func (e *testEnv) csrfToken(t *testing.T) string {
	t.Helper()
	_, body := e.get(t, "/")
	m := csrfMeta.FindStringSubmatch(body)
	require.Len(t, m, 2, "csrf meta tag")
	return html.UnescapeString(m[1])
}

func (e *testEnv) post(t *testing.T, path string, form url.Values, accept string) (*http.Response, string) {
	t.Helper()
	if form == nil {
		form = url.Values{}
	}
	req, err := http.NewRequest(http.MethodPost, e.http.URL+path, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-CSRF-Token", e.csrfToken(t))
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := e.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func (e *testEnv) sessionID(t *testing.T) string {
	t.Helper()
	u, err := url.Parse(e.http.URL)
	require.NoError(t, err)
	for _, c := range e.client.Jar.Cookies(u) {
		if c.Name == e.auth.CookieName() {
			id, err := e.auth.Parse(c.Value, time.Now())
			require.NoError(t, err)
			return id
		}
	}
	t.Fatal("no session cookie")
	return ""
}

func (e *testEnv) bucket(t *testing.T) *store.Bucket {
	return e.store.Bucket(e.sessionID(t))
}

// storedKeys lists the credential keys present for a session.
func (e *testEnv) storedKeys(t *testing.T, id string) []string {
	t.Helper()
	var keys []string
	for _, key := range []string{session.KeyTokenBundle, session.KeyAPICredential, session.KeyClassifiedEmails} {
		_, ok, err := e.store.Bucket(id).Get(context.Background(), key)
		require.NoError(t, err)
		if ok {
			keys = append(keys, key)
		}
	}
	return keys
}

func (e *testEnv) waitPipeline(t *testing.T) {
	t.Helper()
	ctrl, ok := e.server.sessions.Lookup(e.sessionID(t))
	require.True(t, ok)
	ctrl.Wait()
}

func threeEmails() []emails.Record {
	return []emails.Record{
		{ID: "m1", From: `"Boss" <boss@example.com>`, Subject: "Quarterly review", Date: "Tue, 14 Oct 2025 09:12:33 +0000"},
		{ID: "m2", From: "deals@shop.example", Subject: "You won"},
		{ID: "m3", From: "Friend <friend@example.com>", Subject: "Lunch"},
	}
}

func TestHealthReadyMetrics(t *testing.T) {
	env := newTestEnv(t, &fakeBackend{})

	resp, body := env.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body)

	resp, body = env.get(t, "/ready")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready", body)

	resp, body = env.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "inboxsort_active_sessions")

	resp, body = env.get(t, "/static/app.css")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, ".email-card")
}

func TestLoginPage(t *testing.T) {
	env := newTestEnv(t, &fakeBackend{})
	resp, body := env.get(t, "/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `name="openai_key"`)
	assert.Contains(t, body, `name="gorilla.csrf.Token"`)
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.NotEmpty(t, env.sessionID(t))
}

func TestLoginValidation(t *testing.T) {
	env := newTestEnv(t, &fakeBackend{authURL: "https://accounts.example.com/consent"})

	resp, body := env.post(t, "/login", url.Values{"openai_key": {"  "}}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body, "Please enter your OpenAI API key")

	resp, body = env.post(t, "/login", url.Values{"openai_key": {"pk-123"}}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body, "Invalid API key format. It should start with &#39;sk-&#39;")

	_, ok, err := env.bucket(t).Get(context.Background(), session.KeyAPICredential)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoginRedirectsToProvider(t *testing.T) {
	env := newTestEnv(t, &fakeBackend{authURL: "https://accounts.example.com/consent?x=1"})

	resp, _ := env.post(t, "/login", url.Values{"openai_key": {"sk-test123"}}, "")
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "https://accounts.example.com/consent?x=1", resp.Header.Get("Location"))

	v, ok, err := env.bucket(t).Get(context.Background(), session.KeyAPICredential)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "sk-test123", v)
}

func TestLoginBackendFailure(t *testing.T) {
	env := newTestEnv(t, &fakeBackend{authErr: errors.New("HTTP 503: Service Unavailable")})

	resp, body := env.post(t, "/login", url.Values{"openai_key": {"sk-test123"}}, "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, body, "Failed to initiate login: HTTP 503: Service Unavailable")
}

func TestPostWithoutCSRFToken(t *testing.T) {
	env := newTestEnv(t, &fakeBackend{})
	env.csrfToken(t)

	resp, err := env.client.PostForm(env.http.URL+"/logout", url.Values{})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestDashboardUnauthenticated(t *testing.T) {
	env := newTestEnv(t, &fakeBackend{})
	resp, _ := env.get(t, "/dashboard")
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))
}

func TestDashboardRedirectFlow(t *testing.T) {
	be := &fakeBackend{
		fetched:    threeEmails(),
		categories: []emails.Category{emails.CategoryImportant, emails.CategorySpam, emails.CategoryGeneral},
	}
	env := newTestEnv(t, be)
	env.csrfToken(t)
	ctx := context.Background()
	require.NoError(t, env.bucket(t).Set(ctx, session.KeyAPICredential, "sk-test123"))

	tokens := url.QueryEscape(`{"access_token":"abc","refresh_token":"r"}`)
	resp, _ := env.get(t, "/dashboard?tokens="+tokens)
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/dashboard", resp.Header.Get("Location"))

	stored, ok, err := env.bucket(t).Get(ctx, session.KeyTokenBundle)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"access_token":"abc","refresh_token":"r"}`, stored)

	resp, body := env.get(t, "/dashboard")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "Email Classifier")

	env.waitPipeline(t)
	assert.Equal(t, "abc", be.lastToken)

	resp, body = env.get(t, "/dashboard/emails?category=Spam")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, strings.Count(body, `class="email-card"`))
	assert.Contains(t, body, "You won")
	assert.Contains(t, body, "Spam (1)")
	assert.Contains(t, body, "All (3)")

	_, body = env.get(t, "/dashboard/emails?category=All")
	assert.Equal(t, 3, strings.Count(body, `class="email-card"`))
	assert.Contains(t, body, "#f44336")
	assert.Contains(t, body, "Oct 14, 2025")

	// A full reload keeps the selected filter for the page script.
	env.get(t, "/dashboard/emails?category=Spam")
	resp, body = env.get(t, "/dashboard")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `data-filter="Spam"`)
	env.waitPipeline(t)
}

func TestDashboardMalformedTokens(t *testing.T) {
	env := newTestEnv(t, &fakeBackend{})
	env.csrfToken(t)

	resp, _ := env.get(t, "/dashboard?tokens="+url.QueryEscape("{not json"))
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))

	assert.Empty(t, env.storedKeys(t, env.sessionID(t)))
}

func TestDashboardShowsQueuedAlerts(t *testing.T) {
	be := &fakeBackend{fetchErr: errors.New("HTTP 500: Internal Server Error")}
	env := newTestEnv(t, be)
	env.csrfToken(t)
	require.NoError(t, env.bucket(t).Set(context.Background(), session.KeyTokenBundle, `{"access_token":"abc"}`))

	resp, _ := env.get(t, "/dashboard")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	env.waitPipeline(t)

	// A reload starts another run; the alert from the first is rendered.
	_, body := env.get(t, "/dashboard")
	assert.Contains(t, body, "Failed to fetch emails: HTTP 500: Internal Server Error")
	env.waitPipeline(t)
}

func TestCount(t *testing.T) {
	env := newTestEnv(t, &fakeBackend{})

	resp, body := env.post(t, "/dashboard/count", url.Values{"count": {"999"}}, "application/json")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"count":50}`, body)

	_, body = env.post(t, "/dashboard/count", url.Values{"count": {"0"}}, "application/json")
	assert.JSONEq(t, `{"count":1}`, body)

	_, body = env.post(t, "/dashboard/count", url.Values{"count": {"lots"}}, "application/json")
	assert.JSONEq(t, `{"count":15}`, body)

	resp, _ = env.post(t, "/dashboard/count", url.Values{"count": {"20"}}, "")
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/dashboard", resp.Header.Get("Location"))
}

func TestRefresh(t *testing.T) {
	be := &fakeBackend{fetched: threeEmails()}
	env := newTestEnv(t, be)

	resp, _ := env.post(t, "/dashboard/refresh", nil, "application/json")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	ctx := context.Background()
	require.NoError(t, env.bucket(t).Set(ctx, session.KeyTokenBundle, `{"access_token":"abc"}`))
	require.NoError(t, env.bucket(t).Set(ctx, session.KeyAPICredential, "sk-test123"))

	resp, body := env.post(t, "/dashboard/refresh", nil, "application/json")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.JSONEq(t, `{"status":"started"}`, body)
	env.waitPipeline(t)
	assert.Equal(t, 1, be.classifyCalls)
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t, &fakeBackend{})
	env.csrfToken(t)
	id := env.sessionID(t)
	ctx := context.Background()
	b := env.store.Bucket(id)
	require.NoError(t, b.Set(ctx, session.KeyTokenBundle, `{"access_token":"abc"}`))
	require.NoError(t, b.Set(ctx, session.KeyAPICredential, "sk-test123"))
	require.NoError(t, b.Set(ctx, session.KeyClassifiedEmails, `[]`))

	resp, _ := env.post(t, "/logout", nil, "")
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))

	assert.Empty(t, env.storedKeys(t, id))
	count, err := env.store.CountSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count, "logout drops the session row")
}

func TestStream(t *testing.T) {
	env := newTestEnv(t, &fakeBackend{})
	env.csrfToken(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.http.URL+"/dashboard/events", nil)
	require.NoError(t, err)
	resp, err := env.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readEvent := func() (string, string) {
		var name, data string
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case line == "":
				return name, data
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			}
		}
	}

	name, _ := readEvent()
	assert.Equal(t, "ready", name)
	name, data := readEvent()
	assert.Equal(t, "state", name)
	var st stateEvent
	require.NoError(t, json.Unmarshal([]byte(data), &st))
	assert.Equal(t, 15, st.FetchCount)
	assert.Equal(t, "All", st.Filter)

	ctrl, ok := env.server.sessions.Lookup(env.sessionID(t))
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return env.server.hub.Subscribers(env.sessionID(t)) == 1
	}, time.Second, 10*time.Millisecond)

	ctrl.Logout(context.Background())
	name, data = readEvent()
	assert.Equal(t, "navigate", name)
	assert.JSONEq(t, `{"to":"/"}`, data)
}

func TestSweep(t *testing.T) {
	env := newTestEnv(t, &fakeBackend{})
	env.csrfToken(t)
	require.Equal(t, 0, env.server.sessions.Len())

	env.get(t, "/dashboard")
	assert.Equal(t, 1, env.server.sessions.Len())

	env.server.Sweep(context.Background(), time.Now())
	_, body := env.get(t, "/metrics")
	assert.Contains(t, body, "inboxsort_stored_sessions 1")

	env.server.Sweep(context.Background(), time.Now().Add(2*time.Hour))
	count, err := env.store.CountSessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}
