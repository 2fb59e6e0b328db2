package chain

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/medibot-go/internal/rag"
)

// fakeModel records the prompt it was given and replies with a fixed answer,
// split into chunks when streamed.
type fakeModel struct {
	mu     sync.Mutex
	chunks []string
	err    error
	got    []*schema.Message
}

func (f *fakeModel) record(in []*schema.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = in
}

func (f *fakeModel) Generate(_ context.Context, in []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.record(in)
	if f.err != nil {
		return nil, f.err
	}
	return schema.AssistantMessage(strings.Join(f.chunks, ""), nil), nil
}

func (f *fakeModel) Stream(_ context.Context, in []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	f.record(in)
	if f.err != nil {
		return nil, f.err
	}
	msgs := make([]*schema.Message, 0, len(f.chunks))
	for _, c := range f.chunks {
		msgs = append(msgs, schema.AssistantMessage(c, nil))
	}
	return schema.StreamReaderFromArray(msgs), nil
}

type fakeRetriever struct {
	docs    []rag.Document
	err     error
	gotTopK int
	gotQ    string
}

func (f *fakeRetriever) Retrieve(_ context.Context, q string, topK int) ([]rag.Document, error) {
	f.gotQ = q
	f.gotTopK = topK
	return f.docs, f.err
}

var acneDocs = []rag.Document{
	{ID: "1", Content: "Acne is a skin condition.", Source: "book.pdf"},
	{ID: "2", Content: "It is treated with benzoyl peroxide.", Source: "book.pdf"},
}

func newTestChain(t *testing.T, m *fakeModel, r *fakeRetriever) *Retrieval {
	t.Helper()
	c, err := New(context.Background(), &Config{ChatModel: m, Retriever: r})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	if _, err := New(ctx, &Config{ChatModel: &fakeModel{}}); err == nil {
		t.Error("expected error for nil retriever")
	}
	if _, err := New(ctx, &Config{Retriever: &fakeRetriever{}}); err == nil {
		t.Error("expected error for nil chat model")
	}
	_, err := New(ctx, &Config{ChatModel: &fakeModel{}, Retriever: &fakeRetriever{}, SystemPrompt: "no placeholder"})
	if err == nil || !strings.Contains(err.Error(), "{context}") {
		t.Errorf("err = %v, want placeholder error", err)
	}
}

func TestInvoke_StuffsContextIntoSystemPrompt(t *testing.T) {
	t.Parallel()

	m := &fakeModel{chunks: []string{"Acne is a skin condition ", "treated with benzoyl peroxide."}}
	r := &fakeRetriever{docs: acneDocs}
	c := newTestChain(t, m, r)

	res, err := c.Invoke(context.Background(), "what is acne?", nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Answer != "Acne is a skin condition treated with benzoyl peroxide." {
		t.Errorf("Answer = %q", res.Answer)
	}
	if len(res.Context) != 2 {
		t.Errorf("Context has %d docs, want 2", len(res.Context))
	}
	if r.gotTopK != rag.DefaultTopK || r.gotQ != "what is acne?" {
		t.Errorf("retriever called with q=%q topK=%d", r.gotQ, r.gotTopK)
	}

	if len(m.got) != 2 {
		t.Fatalf("model got %d messages, want system+user", len(m.got))
	}
	sys, user := m.got[0], m.got[1]
	if sys.Role != schema.System {
		t.Errorf("first message role = %s, want system", sys.Role)
	}
	wantCtx := "Acne is a skin condition.\n\nIt is treated with benzoyl peroxide."
	if !strings.Contains(sys.Content, wantCtx) {
		t.Errorf("system prompt missing stuffed context:\n%s", sys.Content)
	}
	if strings.Contains(sys.Content, "{context}") {
		t.Error("placeholder left unformatted")
	}
	if user.Role != schema.User || user.Content != "what is acne?" {
		t.Errorf("user message = %s/%q", user.Role, user.Content)
	}
}

func TestInvoke_HistoryInsertedBeforeQuestion(t *testing.T) {
	t.Parallel()

	m := &fakeModel{chunks: []string{"ok"}}
	c := newTestChain(t, m, &fakeRetriever{docs: acneDocs})

	history := []*schema.Message{
		schema.UserMessage("what is acne?"),
		schema.AssistantMessage("A skin condition.", nil),
	}
	if _, err := c.Invoke(context.Background(), "how is it treated?", history); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(m.got) != 4 {
		t.Fatalf("model got %d messages, want 4", len(m.got))
	}
	if m.got[1].Content != "what is acne?" || m.got[2].Role != schema.Assistant {
		t.Errorf("history not in order: %v", m.got)
	}
	if m.got[3].Content != "how is it treated?" {
		t.Errorf("last message = %q", m.got[3].Content)
	}
}

func TestInvoke_HistoryTrimmedToBudget(t *testing.T) {
	t.Parallel()

	m := &fakeModel{chunks: []string{"ok"}}
	c, err := New(context.Background(), &Config{
		ChatModel:        m,
		Retriever:        &fakeRetriever{docs: acneDocs},
		MaxContextTokens: 150,
	})
	if err != nil {
		t.Fatal(err)
	}
	history := []*schema.Message{
		schema.UserMessage(strings.Repeat("old ", 200)),
		schema.AssistantMessage("short", nil),
	}
	if _, err := c.Invoke(context.Background(), "q", history); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	for _, msg := range m.got {
		if strings.HasPrefix(msg.Content, "old old") {
			t.Error("oversized history message was not trimmed")
		}
	}
}

func TestInvoke_RetrievalFailureIsFatal(t *testing.T) {
	t.Parallel()

	m := &fakeModel{chunks: []string{"unsourced"}}
	c := newTestChain(t, m, &fakeRetriever{err: errors.New("qdrant down")})

	_, err := c.Invoke(context.Background(), "q", nil)
	if err == nil || !strings.Contains(err.Error(), "qdrant down") {
		t.Fatalf("err = %v, want retrieval error", err)
	}
	if m.got != nil {
		t.Error("model must not be called when retrieval fails")
	}
}

func TestInvoke_ModelError(t *testing.T) {
	t.Parallel()

	c := newTestChain(t, &fakeModel{err: errors.New("rate limited")}, &fakeRetriever{docs: acneDocs})
	if _, err := c.Invoke(context.Background(), "q", nil); err == nil {
		t.Fatal("expected model error")
	}
}

func TestRetrieve_DropsDocumentsOverBudget(t *testing.T) {
	t.Parallel()

	big := strings.Repeat("x", 400) // ~100 tokens each
	r := &fakeRetriever{docs: []rag.Document{{Content: big}, {Content: big}, {Content: big}}}
	c, err := New(context.Background(), &Config{ChatModel: &fakeModel{}, Retriever: r, MaxDocumentTokens: 150, TopK: 3})
	if err != nil {
		t.Fatal(err)
	}
	docs, err := c.Retrieve(context.Background(), "q")
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 {
		t.Errorf("kept %d docs, want 1", len(docs))
	}
}

func TestStreamAnswer_WritesChunks(t *testing.T) {
	t.Parallel()

	m := &fakeModel{chunks: []string{"Drink ", "", "water."}}
	c := newTestChain(t, m, &fakeRetriever{docs: acneDocs})

	var sb strings.Builder
	full, err := c.StreamAnswer(context.Background(), "dehydration?", acneDocs, nil, &sb)
	if err != nil {
		t.Fatalf("StreamAnswer: %v", err)
	}
	if sb.String() != "Drink water." || full != "Drink water." {
		t.Errorf("streamed %q, returned %q", sb.String(), full)
	}
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestStreamAnswer_WriteError(t *testing.T) {
	t.Parallel()

	c := newTestChain(t, &fakeModel{chunks: []string{"a"}}, &fakeRetriever{})
	if _, err := c.StreamAnswer(context.Background(), "q", nil, nil, failWriter{}); err == nil {
		t.Fatal("expected write error")
	}
}

func TestStuffDocuments(t *testing.T) {
	t.Parallel()

	if got := stuffDocuments(nil); got != "" {
		t.Errorf("empty docs = %q", got)
	}
	if got := stuffDocuments(acneDocs); got != "Acne is a skin condition.\n\nIt is treated with benzoyl peroxide." {
		t.Errorf("stuffDocuments = %q", got)
	}
}
