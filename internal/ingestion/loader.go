package ingestion

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/document/parser/html"
	"github.com/cloudwego/eino/components/document/parser"
	"github.com/cloudwego/eino/schema"
	"github.com/ledongthuc/pdf"

	"github.com/54b3r/medibot-go/internal/logging"
)

// Metadata keys set on loaded documents.
const (
	MetaFormat = "format"
	MetaTitle  = "title"
	MetaPage   = "page"
	MetaChunk  = "chunk_index"
)

// maxFetchBytes bounds a single downloaded page or PDF. Larger responses
// are rejected rather than indexed truncated.
const maxFetchBytes = 32 << 20

// Source describes a file or page to be ingested.
type Source struct {
	// URI is a local file path or an http(s) URL.
	URI string
}

// ExpandSources resolves paths and URLs into individual sources. Directories
// are walked recursively and only files with a supported extension are kept.
// The result is sorted so repeated runs ingest in the same order.
func ExpandSources(paths, urls []string) ([]Source, error) {
	var out []Source
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("ingestion: %w", err)
		}
		if !info.IsDir() {
			out = append(out, Source{URI: p})
			continue
		}
		var found []string
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && Supported(d.Name()) {
				found = append(found, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("ingestion: walk %s: %w", p, err)
		}
		sort.Strings(found)
		for _, f := range found {
			out = append(out, Source{URI: f})
		}
	}
	for _, u := range urls {
		if !isURL(u) {
			return nil, fmt.Errorf("ingestion: %q is not an http(s) URL", u)
		}
		out = append(out, Source{URI: u})
	}
	return out, nil
}

// Loader turns a Source into page-level documents: one per PDF page, one per
// text file or web page.
type Loader struct {
	httpClient *http.Client
	userAgent  string
	html       parser.Parser
	maxBytes   int64
}

// NewLoader constructs a Loader. timeout bounds each URL fetch.
func NewLoader(ctx context.Context, timeout time.Duration, userAgent string) (*Loader, error) {
	sel := html.BodySelector
	hp, err := html.NewParser(ctx, &html.Config{Selector: &sel})
	if err != nil {
		return nil, fmt.Errorf("ingestion: create html parser: %w", err)
	}
	return &Loader{
		httpClient: &http.Client{Timeout: timeout},
		userAgent:  userAgent,
		html:       hp,
		maxBytes:   maxFetchBytes,
	}, nil
}

// Load reads src and returns its documents with format and title metadata.
func (l *Loader) Load(ctx context.Context, src Source) ([]*schema.Document, error) {
	meta := InferMetadata(src.URI)

	var docs []*schema.Document
	var err error
	switch {
	case isURL(src.URI):
		docs, err = l.loadURL(ctx, src.URI, meta)
	case meta.Format == FormatPDF:
		docs, err = loadPDFFile(ctx, src.URI)
	default:
		docs, err = loadTextFile(src.URI)
	}
	if err != nil {
		return nil, err
	}

	for _, d := range docs {
		if d.MetaData == nil {
			d.MetaData = map[string]any{}
		}
		if _, ok := d.MetaData[MetaFormat]; !ok {
			d.MetaData[MetaFormat] = meta.Format
		}
		if t, _ := d.MetaData[html.MetaKeyTitle].(string); strings.TrimSpace(t) != "" {
			d.MetaData[MetaTitle] = strings.TrimSpace(t)
		} else {
			d.MetaData[MetaTitle] = meta.Title
		}
	}
	return docs, nil
}

func loadTextFile(path string) ([]*schema.Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ingestion: read %s: %w", path, err)
	}
	return []*schema.Document{{Content: string(b)}}, nil
}

func loadPDFFile(ctx context.Context, path string) ([]*schema.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ingestion: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("ingestion: stat %s: %w", path, err)
	}
	return readPDF(ctx, f, info.Size())
}

// readPDF extracts plain text page by page. Pages without extractable text
// (scans, blank pages) are skipped; pages whose text cannot be decoded are
// skipped with a warning.
func readPDF(ctx context.Context, r io.ReaderAt, size int64) ([]*schema.Document, error) {
	reader, err := pdf.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("ingestion: create pdf reader: %w", err)
	}

	docs := make([]*schema.Document, 0, reader.NumPage())
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			logging.FromContext(ctx).Warn("ingestion: skipping unreadable pdf page",
				slog.Int("page", i),
				slog.Any("error", err),
			)
			continue
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		docs = append(docs, &schema.Document{
			Content:  text,
			MetaData: map[string]any{MetaPage: strconv.Itoa(i)},
		})
	}
	return docs, nil
}

func (l *Loader) loadURL(ctx context.Context, uri string, meta InferredMetadata) ([]*schema.Document, error) {
	body, contentType, err := l.fetch(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("ingestion: fetch %s: %w", uri, err)
	}

	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch {
	case mediaType == "application/pdf" || meta.Format == FormatPDF:
		docs, err := readPDF(ctx, bytes.NewReader(body), int64(len(body)))
		if err != nil {
			return nil, err
		}
		for _, d := range docs {
			d.MetaData[MetaFormat] = FormatPDF
		}
		return docs, nil

	case mediaType == "text/plain" || mediaType == "text/markdown":
		format := FormatText
		if mediaType == "text/markdown" {
			format = FormatMarkdown
		}
		return []*schema.Document{{Content: string(body), MetaData: map[string]any{MetaFormat: format}}}, nil

	default:
		docs, err := l.html.Parse(ctx, bytes.NewReader(body), parser.WithURI(uri))
		if err != nil {
			return nil, fmt.Errorf("ingestion: parse html %s: %w", uri, err)
		}
		return docs, nil
	}
}

// fetch retrieves the raw body and content type of a URL.
func (l *Loader) fetch(ctx context.Context, uri string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", l.userAgent)
	req.Header.Set("Accept", "text/html, text/plain, application/pdf")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, l.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("reading body: %w", err)
	}
	if int64(len(body)) > l.maxBytes {
		return nil, "", fmt.Errorf("response exceeds %d bytes", l.maxBytes)
	}
	return body, resp.Header.Get("Content-Type"), nil
}
