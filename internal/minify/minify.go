// Package minify wraps the HTML and CSS minifiers used before extraction.
package minify

import (
	"fmt"
	"strings"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"
	"github.com/tdewolff/minify/v2/html"
)

// Minifier is the opaque transform applied to page HTML and extracted CSS.
type Minifier interface {
	HTML(src string) (string, error)
	CSS(src string) (string, error)
}

// Default minifies with tdewolff/minify.
type Default struct {
	m *minify.M
}

func New() *Default {
	m := minify.New()
	m.Add("text/css", &css.Minifier{})
	// Keep documents parseable by the extraction scanner: quotes and
	// optional tags stay in place.
	m.Add("text/html", &html.Minifier{
		KeepDocumentTags:    true,
		KeepEndTags:         true,
		KeepQuotes:          true,
		KeepDefaultAttrVals: true,
	})
	return &Default{m: m}
}

func (d *Default) HTML(src string) (string, error) {
	out, err := d.m.String("text/html", src)
	if err != nil {
		return "", fmt.Errorf("minify html: %w", err)
	}
	return out, nil
}

func (d *Default) CSS(src string) (string, error) {
	out, err := d.m.String("text/css", src)
	if err != nil {
		return "", fmt.Errorf("minify css: %w", err)
	}
	return out, nil
}

// Passthrough only trims surrounding whitespace.
type Passthrough struct{}

func (Passthrough) HTML(src string) (string, error) { return src, nil }
func (Passthrough) CSS(src string) (string, error)  { return strings.TrimSpace(src), nil }
