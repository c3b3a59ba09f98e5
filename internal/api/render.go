package api

import (
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/gorilla/csrf"

	"github.io/infrasutra/inboxsort/internal/emails"
	"github.io/infrasutra/inboxsort/internal/session"
	webassets "github.io/infrasutra/inboxsort/web"
)

const dateLayout = "Jan 2, 2006, 03:04 PM"

// Theme is the badge palette of the email cards.
type Theme struct {
	Colors  map[emails.Category]string
	Default string
}

func DefaultTheme() Theme {
	return Theme{
		Colors: map[emails.Category]string{
			emails.CategoryImportant:   "#f44336",
			emails.CategoryPromotional: "#ff9800",
			emails.CategorySocial:      "#2196f3",
			emails.CategoryMarketing:   "#9c27b0",
			emails.CategorySpam:        "#795548",
			emails.CategoryGeneral:     "#607d8b",
		},
		Default: "#757575",
	}
}

func (t Theme) Color(c emails.Category) string {
	if color, ok := t.Colors[c]; ok {
		return color
	}
	return t.Default
}

type pageData struct {
	Title     string
	CSRFToken string
	CSRFField template.HTML
}

type loginPage struct {
	pageData
	Error string
}

type dashboardPage struct {
	pageData
	dashboardView
	Alerts []string
}

type dashboardView struct {
	Loading      bool
	Classifying  bool
	ActiveFilter string
	FetchCount   int
	MinCount     int
	MaxCount     int
	Filters      []filterView
	Emails       []emailView
}

type filterView struct {
	Category string
	Count    int
	Active   bool
}

type emailView struct {
	ID            string
	SenderName    string
	SenderAddress string
	Subject       string
	Snippet       string
	Date          string
	Category      string
	Color         string
}

func (s *Server) newPageData(r *http.Request, title string) pageData {
	return pageData{
		Title:     title,
		CSRFToken: csrf.Token(r),
		CSRFField: csrf.TemplateField(r),
	}
}

func (s *Server) buildDashboardView(st session.State) dashboardView {
	counts := st.Counts()
	view := dashboardView{
		Loading:      st.Loading,
		Classifying:  st.Classifying,
		ActiveFilter: st.ActiveFilter.String(),
		FetchCount:   st.FetchCount,
		MinCount:     emails.MinFetchCount,
		MaxCount:     emails.MaxFetchCount,
		Filters:      make([]filterView, 0, len(emails.Categories)),
	}
	for _, c := range emails.Categories {
		view.Filters = append(view.Filters, filterView{
			Category: c.String(),
			Count:    counts[c],
			Active:   c == st.ActiveFilter,
		})
	}
	for _, record := range st.Filtered() {
		sender := emails.ParseSender(record.From)
		view.Emails = append(view.Emails, emailView{
			ID:            record.ID,
			SenderName:    sender.Name,
			SenderAddress: sender.Address,
			Subject:       record.Subject,
			Snippet:       record.Snippet,
			Date:          formatDate(record.Date),
			Category:      record.Category.String(),
			Color:         s.theme.Color(record.Category),
		})
	}
	return view
}

// formatDate renders an RFC 5322 or RFC 3339 date for the card footer in the
// zone the date was written in. Anything unparseable is shown as is.
func formatDate(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return raw
	}
	if t, err := mail.ParseDate(trimmed); err == nil {
		return t.Format(dateLayout)
	}
	if t, err := time.Parse(time.RFC3339, trimmed); err == nil {
		return t.Format(dateLayout)
	}
	return raw
}

// parseTemplates builds one template set per page, each with the layout and
// every partial, plus a standalone set per partial for fragment responses.
func parseTemplates() (map[string]*template.Template, error) {
	root, err := webassets.Templates()
	if err != nil {
		return nil, fmt.Errorf("open templates: %w", err)
	}
	layout, err := fs.ReadFile(root, "layout.html")
	if err != nil {
		return nil, fmt.Errorf("read layout template: %w", err)
	}

	partials := map[string]string{}
	err = fs.WalkDir(root, "partials", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".html") {
			return err
		}
		content, err := fs.ReadFile(root, path)
		if err != nil {
			return err
		}
		partials[path] = string(content)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read partials: %w", err)
	}

	templates := make(map[string]*template.Template)
	pages, err := fs.Glob(root, "*.html")
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	for _, name := range pages {
		if name == "layout.html" {
			continue
		}
		content, err := fs.ReadFile(root, name)
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", name, err)
		}
		page := template.New(name)
		if _, err := page.Parse(string(layout)); err != nil {
			return nil, fmt.Errorf("parse layout for %s: %w", name, err)
		}
		for path, partial := range partials {
			if _, err := page.Parse(partial); err != nil {
				return nil, fmt.Errorf("parse partial %s for %s: %w", path, name, err)
			}
		}
		if _, err := page.Parse(string(content)); err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
		templates[name] = page
	}

	for path, content := range partials {
		partial, err := template.New(path).Parse(content)
		if err != nil {
			return nil, fmt.Errorf("parse partial %s: %w", path, err)
		}
		templates[path] = partial
	}
	return templates, nil
}

func (s *Server) render(w http.ResponseWriter, status int, name string, data any) {
	tmpl, ok := s.templates[name]
	if !ok {
		http.Error(w, "template not found", http.StatusInternalServerError)
		return
	}
	var buf strings.Builder
	if err := tmpl.ExecuteTemplate(&buf, "layout", data); err != nil {
		s.logger.Error("render page", "template", name, "error", err)
		http.Error(w, "unable to render page", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(buf.String()))
}

func (s *Server) renderPartial(w http.ResponseWriter, name, block string, data any) {
	tmpl, ok := s.templates[name]
	if !ok {
		http.Error(w, "template not found", http.StatusInternalServerError)
		return
	}
	var buf strings.Builder
	if err := tmpl.ExecuteTemplate(&buf, block, data); err != nil {
		s.logger.Error("render partial", "template", name, "error", err)
		http.Error(w, "unable to render page", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(buf.String()))
}
