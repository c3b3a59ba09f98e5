package session

import (
	"github.io/infrasutra/inboxsort/internal/emails"
)

// Route is a view the visitor should be sent to.
type Route string

const (
	RouteNone      Route = ""
	RouteLogin     Route = "/"
	RouteDashboard Route = "/dashboard"
)

// State is everything the dashboard renders. It is transient: only the
// credential store outlives a controller.
type State struct {
	Emails       []emails.Record
	ActiveFilter emails.Category
	FetchCount   int
	Loading      bool
	Classifying  bool
	Alerts       []string
	Route        Route
}

// NewState returns the state of a freshly mounted dashboard.
func NewState() State {
	return State{
		ActiveFilter: emails.CategoryAll,
		FetchCount:   emails.DefaultFetchCount,
	}
}

// Filtered is the list the dashboard displays for the active filter.
func (s State) Filtered() []emails.Record {
	return emails.Filter(s.Emails, s.ActiveFilter)
}

// Counts returns per-category counts of the whole list.
func (s State) Counts() map[emails.Category]int {
	return emails.Counts(s.Emails)
}

// Event is an input to Reduce.
type Event interface {
	event()
}

type (
	FilterSelected     struct{ Category emails.Category }
	FetchCountChanged  struct{ Count int }
	EmailsRestored     struct{ Emails []emails.Record }
	FetchStarted       struct{}
	FetchFinished      struct{}
	ClassifyStarted    struct{}
	ClassifyFinished   struct{}
	EmailsClassified   struct{ Emails []emails.Record }
	Alerted            struct{ Message string }
	AlertsAcknowledged struct{}
	Navigated          struct{ Route Route }
	LoggedOut          struct{}
)

func (FilterSelected) event()     {}
func (FetchCountChanged) event()  {}
func (EmailsRestored) event()     {}
func (FetchStarted) event()       {}
func (FetchFinished) event()      {}
func (ClassifyStarted) event()    {}
func (ClassifyFinished) event()   {}
func (EmailsClassified) event()   {}
func (Alerted) event()            {}
func (AlertsAcknowledged) event() {}
func (Navigated) event()          {}
func (LoggedOut) event()          {}

// Reduce applies ev to s and returns the next state. s is not modified.
func Reduce(s State, ev Event) State {
	switch ev := ev.(type) {
	case FilterSelected:
		if ev.Category.IsValid() {
			s.ActiveFilter = ev.Category
		}
	case FetchCountChanged:
		s.FetchCount = emails.ClampFetchCount(ev.Count)
	case EmailsRestored:
		// A finished classification always wins over the cache.
		if s.Emails == nil {
			s.Emails = cloneRecords(ev.Emails)
		}
	case FetchStarted:
		s.Loading = true
		s.Route = RouteNone
	case FetchFinished:
		s.Loading = false
		s.Classifying = false
	case ClassifyStarted:
		s.Classifying = true
	case ClassifyFinished:
		s.Classifying = false
	case EmailsClassified:
		s.Emails = cloneRecords(ev.Emails)
		if s.Emails == nil {
			s.Emails = []emails.Record{}
		}
	case Alerted:
		s.Alerts = append(append([]string(nil), s.Alerts...), ev.Message)
	case AlertsAcknowledged:
		s.Alerts = nil
	case Navigated:
		s.Route = ev.Route
	case LoggedOut:
		next := NewState()
		next.Route = RouteLogin
		return next
	}
	return s
}

func cloneRecords(in []emails.Record) []emails.Record {
	if in == nil {
		return nil
	}
	return append([]emails.Record(nil), in...)
}
