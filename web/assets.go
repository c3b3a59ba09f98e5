package web

import (
	"embed"
	"io/fs"
)

//go:embed templates static
var Assets embed.FS

// Templates holds the page layouts and partials.
func Templates() (fs.FS, error) {
	return fs.Sub(Assets, "templates")
}

// Static holds the stylesheet and the dashboard script served under /static/.
func Static() (fs.FS, error) {
	return fs.Sub(Assets, "static")
}
