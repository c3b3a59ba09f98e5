// Package session drives one visitor's dashboard: it decides how a visit is
// authenticated, runs the fetch-then-classify pipeline and keeps the state the
// dashboard renders.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.io/infrasutra/inboxsort/internal/emails"
)

var (
	ErrPipelineBusy      = errors.New("pipeline already running")
	ErrMissingCredential = errors.New("api credential not found")
	ErrLoggedOut         = errors.New("logged out while the pipeline ran")
)

// Alert texts shown to the visitor.
const (
	alertMissingCredential = "OpenAI API key not found. Please login again."
	alertFetchPrefix       = "Failed to fetch emails: "
	alertClassifyPrefix    = "Failed to classify emails: "
)

// Pipeline outcomes reported to the Recorder.
const (
	OutcomeOK                = "ok"
	OutcomeFetchError        = "fetch_error"
	OutcomeClassifyError     = "classify_error"
	OutcomeMissingCredential = "missing_credential"
	OutcomeBusy              = "busy"
	OutcomeDiscarded         = "discarded"
)

// Backend is the part of the classification service the pipeline uses.
type Backend interface {
	FetchEmails(ctx context.Context, accessToken string, maxResults int) ([]emails.Record, error)
	ClassifyEmails(ctx context.Context, records []emails.Record, apiKey string) ([]emails.Record, error)
}

// Recorder receives pipeline outcomes. It may be nil.
type Recorder interface {
	PipelineFinished(outcome string)
}

// Notifier is called after every state transition, outside the controller lock.
type Notifier func(ev Event, s State)

type Options struct {
	Logger   *slog.Logger
	Recorder Recorder
	Notify   Notifier
}

type Controller struct {
	storage  Storage
	backend  Backend
	logger   *slog.Logger
	recorder Recorder
	notify   Notifier

	mu          sync.Mutex
	state       State
	pendingView bool
	// generation moves on every Logout; a run started under an older
	// generation must not publish its results.
	generation uint64

	// commit serialises a run's writes against Logout.
	commit sync.Mutex

	running atomic.Bool
	wg      sync.WaitGroup
}

func NewController(storage Storage, backend Backend, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		storage:  storage,
		backend:  backend,
		logger:   logger,
		recorder: opts.Recorder,
		notify:   opts.Notify,
		state:    NewState(),
	}
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Running reports whether a pipeline run is in flight.
func (c *Controller) Running() bool {
	return c.running.Load()
}

// Wait blocks until every pipeline started with Start or Refresh has returned.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) apply(ev Event) State {
	c.mu.Lock()
	c.state = Reduce(c.state, ev)
	s := c.state
	c.mu.Unlock()
	c.emit(ev, s)
	return s
}

func (c *Controller) emit(ev Event, s State) {
	if c.notify != nil {
		c.notify(ev, s)
	}
}

func (c *Controller) currentGeneration() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// stale reports whether a Logout happened after the run of generation gen
// started. Callers that act on the answer hold c.commit.
func (c *Controller) stale(gen uint64) bool {
	return c.currentGeneration() != gen
}

// SelectFilter changes the active category.
func (c *Controller) SelectFilter(category emails.Category) State {
	return c.apply(FilterSelected{Category: category})
}

// SetFetchCount changes how many emails the next fetch requests.
func (c *Controller) SetFetchCount(n int) State {
	return c.apply(FetchCountChanged{Count: n})
}

// TakeAlerts returns queued alerts and clears the queue.
func (c *Controller) TakeAlerts() []string {
	c.mu.Lock()
	alerts := c.state.Alerts
	if len(alerts) == 0 {
		c.mu.Unlock()
		return nil
	}
	c.state = Reduce(c.state, AlertsAcknowledged{})
	s := c.state
	c.mu.Unlock()
	c.emit(AlertsAcknowledged{}, s)
	return alerts
}

// BootstrapKind is the branch the bootstrapper took.
type BootstrapKind int

const (
	Unauthenticated BootstrapKind = iota
	RedirectLogin
	StoredSession
	// Continued is a render that follows the replace-navigation of a
	// RedirectLogin; it is not a new mount.
	Continued
)

func (k BootstrapKind) String() string {
	switch k {
	case RedirectLogin:
		return "redirect_login"
	case StoredSession:
		return "stored_session"
	case Continued:
		return "continued"
	default:
		return "unauthenticated"
	}
}

// Outcome tells the caller what to do after bootstrap.
type Outcome struct {
	Kind        BootstrapKind
	AccessToken string
	// Route is where the visitor must go next; RouteNone means stay.
	Route Route
	// StripParam means the tokens parameter must be removed from the
	// visible location with a replace navigation.
	StripParam bool
	Err        error
	// Done receives the pipeline result when Mount started one.
	Done <-chan error
}

// Bootstrap decides how a dashboard visit is authenticated. tokensParam is the
// redirect's tokens value and present reports whether the parameter was in the
// URL at all.
func (c *Controller) Bootstrap(ctx context.Context, tokensParam string, present bool) Outcome {
	if present {
		bundle, err := ParseRedirectTokens(tokensParam)
		if err != nil {
			c.logger.Error("parse redirect tokens", "error", err)
			c.apply(Navigated{Route: RouteLogin})
			return Outcome{Kind: Unauthenticated, Route: RouteLogin, Err: err}
		}
		if err := c.storage.Set(ctx, KeyTokenBundle, string(bundle.Raw)); err != nil {
			c.logger.Error("store token bundle", "error", err)
		}
		c.warnExpired(bundle)
		return Outcome{Kind: RedirectLogin, AccessToken: bundle.AccessToken(), StripParam: true}
	}

	if bundle, ok := c.storedBundle(ctx); ok {
		c.warnExpired(bundle)
		return Outcome{Kind: StoredSession, AccessToken: bundle.AccessToken()}
	}

	c.apply(Navigated{Route: RouteLogin})
	return Outcome{Kind: Unauthenticated, Route: RouteLogin}
}

// Mount runs the bootstrapper for a dashboard view and starts the pipeline
// when a token is available. A clean render right after a RedirectLogin is
// reported as Continued and does nothing.
func (c *Controller) Mount(ctx context.Context, tokensParam string, present bool) Outcome {
	if !present {
		c.mu.Lock()
		pending := c.pendingView
		c.pendingView = false
		c.mu.Unlock()
		if pending {
			return Outcome{Kind: Continued}
		}
	}

	out := c.Bootstrap(ctx, tokensParam, present)
	if out.Kind == Unauthenticated {
		return out
	}
	if out.Kind == RedirectLogin {
		c.mu.Lock()
		c.pendingView = true
		c.mu.Unlock()
	}

	c.Restore(ctx)
	done, err := c.Start(ctx, out.AccessToken)
	if err != nil {
		c.logger.Debug("pipeline not started", "error", err)
	}
	out.Done = done
	return out
}

// Restore loads the cached classified list, if any, into an empty dashboard.
func (c *Controller) Restore(ctx context.Context) {
	raw, ok := c.get(ctx, KeyClassifiedEmails)
	if !ok {
		return
	}
	var cached []emails.Record
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		c.logger.Warn("ignore unreadable email cache", "error", err)
		return
	}
	c.apply(EmailsRestored{Emails: cached})
}

// LoadAndClassify runs the fetch and classify stages and returns when both
// are done.
func (c *Controller) LoadAndClassify(ctx context.Context, accessToken string) error {
	if !c.running.CompareAndSwap(false, true) {
		c.record(OutcomeBusy)
		return ErrPipelineBusy
	}
	gen := c.currentGeneration()
	c.apply(FetchStarted{})
	return c.run(ctx, accessToken, gen)
}

// Start runs LoadAndClassify on a new goroutine. The returned channel
// receives its result. Loading is already set when Start returns.
func (c *Controller) Start(ctx context.Context, accessToken string) (<-chan error, error) {
	return c.start(ctx, accessToken, nil)
}

// Refresh reruns the pipeline with the stored token bundle after dropping the
// email cache. Without a stored bundle it does nothing and returns a nil
// channel.
func (c *Controller) Refresh(ctx context.Context) (<-chan error, error) {
	bundle, ok := c.storedBundle(ctx)
	if !ok {
		return nil, nil
	}
	return c.start(ctx, bundle.AccessToken(), func() {
		c.remove(ctx, KeyClassifiedEmails)
	})
}

func (c *Controller) start(ctx context.Context, accessToken string, before func()) (<-chan error, error) {
	if !c.running.CompareAndSwap(false, true) {
		c.record(OutcomeBusy)
		return nil, ErrPipelineBusy
	}
	if before != nil {
		before()
	}
	gen := c.currentGeneration()
	c.apply(FetchStarted{})

	done := make(chan error, 1)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		done <- c.run(ctx, accessToken, gen)
		close(done)
	}()
	return done, nil
}

// run expects the running flag to be held and releases it. gen is the
// generation the run was started under.
func (c *Controller) run(ctx context.Context, accessToken string, gen uint64) error {
	defer c.running.Store(false)
	defer c.apply(FetchFinished{})

	maxResults := c.Snapshot().FetchCount
	raw, err := c.backend.FetchEmails(ctx, accessToken, maxResults)
	if err != nil {
		c.logger.Error("fetch emails", "error", err)
		c.record(OutcomeFetchError)
		c.commit.Lock()
		if !c.stale(gen) {
			c.apply(Alerted{Message: alertFetchPrefix + err.Error()})
		}
		c.commit.Unlock()
		return fmt.Errorf("fetch emails: %w", err)
	}
	c.logger.Info("fetched emails", "count", len(raw), "max_results", maxResults)
	c.remove(ctx, KeyClassifiedEmails)

	return c.classify(ctx, raw, gen)
}

func (c *Controller) classify(ctx context.Context, raw []emails.Record, gen uint64) error {
	c.apply(ClassifyStarted{})
	defer c.apply(ClassifyFinished{})

	key, ok := c.get(ctx, KeyAPICredential)
	if ok && ValidateAPIKey(key) != nil {
		c.logger.Warn("stored api credential rejected")
		ok = false
	}
	if !ok {
		c.commit.Lock()
		defer c.commit.Unlock()
		if c.stale(gen) {
			c.record(OutcomeDiscarded)
			return ErrLoggedOut
		}
		c.apply(Alerted{Message: alertMissingCredential})
		c.apply(Navigated{Route: RouteLogin})
		c.record(OutcomeMissingCredential)
		return ErrMissingCredential
	}

	c.logger.Info("classifying emails", "count", len(raw))
	classified, err := c.backend.ClassifyEmails(ctx, raw, key)

	c.commit.Lock()
	defer c.commit.Unlock()
	if c.stale(gen) {
		c.logger.Info("discard results of a run started before logout")
		c.record(OutcomeDiscarded)
		return ErrLoggedOut
	}
	if err != nil {
		c.logger.Error("classify emails", "error", err)
		c.apply(Alerted{Message: alertClassifyPrefix + err.Error()})
		c.record(OutcomeClassifyError)
		return fmt.Errorf("classify emails: %w", err)
	}

	s := c.apply(EmailsClassified{Emails: classified})
	if payload, err := json.Marshal(s.Emails); err != nil {
		c.logger.Error("encode email cache", "error", err)
	} else if err := c.storage.Set(ctx, KeyClassifiedEmails, string(payload)); err != nil {
		c.logger.Error("store email cache", "error", err)
	}
	c.logger.Info("classification complete", "count", len(s.Emails))
	c.record(OutcomeOK)
	return nil
}

// Logout forgets every stored credential and the dashboard state. A run
// still in flight finishes without touching either. It does not revoke
// anything at the provider.
func (c *Controller) Logout(ctx context.Context) Route {
	c.commit.Lock()
	defer c.commit.Unlock()
	c.mu.Lock()
	c.generation++
	c.pendingView = false
	c.mu.Unlock()
	for _, key := range []string{KeyTokenBundle, KeyAPICredential, KeyClassifiedEmails} {
		c.remove(ctx, key)
	}
	c.apply(LoggedOut{})
	return RouteLogin
}

func (c *Controller) storedBundle(ctx context.Context) (TokenBundle, bool) {
	raw, ok := c.get(ctx, KeyTokenBundle)
	if !ok {
		return TokenBundle{}, false
	}
	bundle, err := ParseTokenBundle(raw)
	if err != nil {
		c.logger.Warn("ignore unreadable stored tokens", "error", err)
		return TokenBundle{}, false
	}
	return bundle, true
}

func (c *Controller) warnExpired(bundle TokenBundle) {
	if bundle.Expired() {
		c.logger.Warn("access token past its expiry", "expiry", bundle.Token.Expiry)
	}
}

func (c *Controller) get(ctx context.Context, key string) (string, bool) {
	v, ok, err := c.storage.Get(ctx, key)
	if err != nil {
		c.logger.Warn("read credential store", "key", key, "error", err)
		return "", false
	}
	return v, ok
}

func (c *Controller) remove(ctx context.Context, key string) {
	if err := c.storage.Remove(ctx, key); err != nil {
		c.logger.Warn("remove from credential store", "key", key, "error", err)
	}
}

func (c *Controller) record(outcome string) {
	if c.recorder != nil {
		c.recorder.PipelineFinished(outcome)
	}
}
