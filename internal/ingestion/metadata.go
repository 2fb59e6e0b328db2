package ingestion

import (
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

// Document formats recognised by the loader.
const (
	FormatPDF      = "pdf"
	FormatText     = "text"
	FormatMarkdown = "markdown"
	FormatHTML     = "html"
)

// InferredMetadata holds the format and a human-readable title derived from
// a source path or URL. A title found in the document itself (an HTML
// <title>) takes precedence over this best-effort value.
type InferredMetadata struct {
	// Format is one of FormatPDF, FormatText, FormatMarkdown, FormatHTML.
	Format string
	// Title is the file or page name with separators turned into spaces.
	Title string
}

// extFormats maps lower-case file extensions to formats.
var extFormats = map[string]string{
	".pdf":      FormatPDF,
	".txt":      FormatText,
	".text":     FormatText,
	".md":       FormatMarkdown,
	".markdown": FormatMarkdown,
	".html":     FormatHTML,
	".htm":      FormatHTML,
}

// Supported reports whether a local file with this name can be ingested.
func Supported(name string) bool {
	f, ok := extFormats[strings.ToLower(filepath.Ext(name))]
	return ok && f != FormatHTML
}

// InferMetadata inspects the source URI and returns best-effort metadata.
//
//	data/Medical_book.pdf                      -> pdf, "Medical book"
//	notes/first-aid.md                         -> markdown, "first aid"
//	https://medlineplus.gov/ency/article/000.htm -> html, "000"
//	https://www.nhs.uk/conditions/asthma/      -> html, "asthma"
//	https://example.org/                       -> html, "example.org"
func InferMetadata(uri string) InferredMetadata {
	if isURL(uri) {
		return inferURL(uri)
	}
	ext := strings.ToLower(filepath.Ext(uri))
	format, ok := extFormats[ext]
	if !ok {
		format = FormatText
	}
	base := strings.TrimSuffix(filepath.Base(uri), filepath.Ext(uri))
	return InferredMetadata{Format: format, Title: humanize(base)}
}

func inferURL(raw string) InferredMetadata {
	m := InferredMetadata{Format: FormatHTML}
	u, err := url.Parse(raw)
	if err != nil {
		m.Title = raw
		return m
	}

	p := strings.TrimSuffix(u.Path, "/")
	if f, ok := extFormats[strings.ToLower(path.Ext(p))]; ok {
		m.Format = f
	}
	if base := path.Base(p); base != "." && base != "/" && base != "" {
		m.Title = humanize(strings.TrimSuffix(base, path.Ext(base)))
	} else {
		m.Title = strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	}
	return m
}

// humanize replaces word separators with spaces.
func humanize(s string) string {
	s = strings.NewReplacer("_", " ", "-", " ").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
