package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/medibot-go/internal/logging"
)

// textPage is a page content stream that shows text in the F1 font.
func textPage(text string) string {
	return "BT /F1 12 Tf (" + text + ") Tj ET"
}

// Content streams for pages with nothing to extract and with a malformed
// text operator.
const (
	blankPage      = "BT ET"
	unreadablePage = "BT /F1 Tf ET"
)

// buildPDF assembles an uncompressed PDF with one page per content stream.
func buildPDF(contents ...string) []byte {
	var buf bytes.Buffer
	var offsets []int
	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	buf.WriteString("%PDF-1.4\n")
	kids := make([]string, len(contents))
	for i := range contents {
		kids[i] = fmt.Sprintf("%d 0 R", 4+2*i)
	}
	obj("<< /Type /Catalog /Pages 2 0 R >>")
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), len(contents)))
	obj("<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>")
	for i, c := range contents {
		obj(fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] "+
			"/Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>", 5+2*i))
		obj(fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(c), c))
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(offsets)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}

func newTestLoader(t *testing.T) *Loader {
	t.Helper()
	l, err := NewLoader(context.Background(), 5*time.Second, "medibot-test")
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	return l
}

// pages returns the page metadata and content of docs keyed by page number.
func pages(t *testing.T, docs []*schema.Document) map[string]string {
	t.Helper()
	out := map[string]string{}
	for _, d := range docs {
		p, ok := d.MetaData[MetaPage].(string)
		if !ok {
			t.Fatalf("document without page metadata: %+v", d.MetaData)
		}
		out[p] = d.Content
	}
	return out
}

func TestLoad_PDFOneDocumentPerPage(t *testing.T) {
	t.Parallel()

	path := writeFile(t, t.TempDir(), "Medical_book.pdf", string(buildPDF(
		textPage("Acne is a skin condition."),
		blankPage,
		textPage("Asthma narrows the airways."),
	)))

	docs, err := newTestLoader(t).Load(context.Background(), Source{URI: path})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("got %d documents, want 2 (blank page skipped)", len(docs))
	}
	got := pages(t, docs)
	if !strings.Contains(got["1"], "Acne is a skin condition.") {
		t.Errorf("page 1 = %q", got["1"])
	}
	if !strings.Contains(got["3"], "Asthma narrows the airways.") {
		t.Errorf("page 3 = %q", got["3"])
	}
	if _, ok := got["2"]; ok {
		t.Error("blank page 2 was indexed")
	}
	for _, d := range docs {
		if d.MetaData[MetaFormat] != FormatPDF {
			t.Errorf("format = %v, want %s", d.MetaData[MetaFormat], FormatPDF)
		}
	}
}

func TestLoad_PDFUnreadablePageIsLogged(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	ctx := logging.WithLogger(context.Background(), slog.New(slog.NewJSONHandler(&logs, nil)))

	path := writeFile(t, t.TempDir(), "book.pdf", string(buildPDF(
		textPage("Fever is a symptom."),
		unreadablePage,
	)))
	docs, err := newTestLoader(t).Load(ctx, Source{URI: path})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := pages(t, docs); len(got) != 1 || got["1"] == "" {
		t.Errorf("pages = %v, want only page 1", got)
	}

	var rec struct {
		Level string `json:"level"`
		Msg   string `json:"msg"`
		Page  int    `json:"page"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(&logs).Decode(&rec); err != nil {
		t.Fatalf("expected a warning record, got %q: %v", logs.String(), err)
	}
	if rec.Level != "WARN" || rec.Page != 2 || rec.Error == "" {
		t.Errorf("warning = %+v", rec)
	}
}

func TestLoad_PDFFromURL(t *testing.T) {
	t.Parallel()

	body := buildPDF(textPage("Migraine causes headaches."))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)

	docs, err := newTestLoader(t).Load(context.Background(), Source{URI: srv.URL + "/leaflet"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(docs) != 1 || docs[0].MetaData[MetaPage] != "1" || docs[0].MetaData[MetaFormat] != FormatPDF {
		t.Fatalf("docs = %+v", docs)
	}
}

func TestFetch_SizeLimit(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(strings.Repeat("x", len(r.URL.Path)-1)))
	}))
	t.Cleanup(srv.Close)

	l := newTestLoader(t)
	l.maxBytes = 10

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"at limit", "/" + strings.Repeat("a", 10), false},
		{"over limit", "/" + strings.Repeat("a", 11), true},
	}
	for _, tt := range tests {
		docs, err := l.Load(context.Background(), Source{URI: srv.URL + tt.path})
		switch {
		case tt.wantErr && (err == nil || !strings.Contains(err.Error(), "exceeds 10 bytes")):
			t.Errorf("%s: err = %v, want size error", tt.name, err)
		case !tt.wantErr && err != nil:
			t.Errorf("%s: %v", tt.name, err)
		case !tt.wantErr && len(docs[0].Content) != 10:
			t.Errorf("%s: content length = %d", tt.name, len(docs[0].Content))
		}
	}
}
