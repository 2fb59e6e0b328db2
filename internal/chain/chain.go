// Package chain implements the retrieval-augmented answer pipeline: fetch
// the chunks most similar to the question, stuff them into the system prompt
// and ask the chat model. The template -> model step is an eino chain so
// callbacks (tracing) see every stage.
package chain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/medibot-go/internal/budget"
	"github.com/54b3r/medibot-go/internal/logging"
	"github.com/54b3r/medibot-go/internal/rag"
)

// Config holds the dependencies required to construct a Retrieval chain.
type Config struct {
	// ChatModel answers the stuffed prompt.
	ChatModel model.BaseChatModel

	// Retriever supplies context documents.
	Retriever rag.Retriever

	// TopK is the number of documents retrieved per question.
	// Defaults to rag.DefaultTopK if zero.
	TopK int

	// SystemPrompt overrides DefaultSystemPrompt. It must contain {context}.
	SystemPrompt string

	// MaxContextTokens is the estimated token budget for the whole prompt.
	// Prior turns are dropped oldest-first to fit.
	MaxContextTokens int

	// MaxDocumentTokens caps the stuffed context.
	MaxDocumentTokens int
}

// Result is the output of one retrieval chain run.
type Result struct {
	// Answer is the model's reply. May be empty.
	Answer string
	// Context holds the documents that were stuffed into the prompt.
	Context []rag.Document
}

// Retrieval is a compiled retrieval + stuff-documents chain. It is safe for
// concurrent use.
type Retrieval struct {
	retriever         rag.Retriever
	topK              int
	systemPrompt      string
	maxContextTokens  int
	maxDocumentTokens int
	stuff             compose.Runnable[map[string]any, *schema.Message]
}

// NewStuff compiles the ChatTemplate -> ChatModel chain that answers a
// question from already retrieved context. Its input map takes "context",
// "input" and, optionally, "chat_history".
func NewStuff(ctx context.Context, cm model.BaseChatModel, systemPrompt string) (compose.Runnable[map[string]any, *schema.Message], error) {
	if cm == nil {
		return nil, fmt.Errorf("chain: ChatModel must not be nil")
	}
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	if !strings.Contains(systemPrompt, "{"+varContext+"}") {
		return nil, fmt.Errorf("chain: system prompt must contain the {%s} placeholder", varContext)
	}

	c := compose.NewChain[map[string]any, *schema.Message]()
	c.AppendChatTemplate(newTemplate(systemPrompt), compose.WithNodeName("prompt")).
		AppendChatModel(cm, compose.WithNodeName("llm"))

	r, err := c.Compile(ctx, compose.WithGraphName("stuff_documents"))
	if err != nil {
		return nil, fmt.Errorf("chain: compile stuff chain: %w", err)
	}
	return r, nil
}

// New constructs a Retrieval chain from cfg.
func New(ctx context.Context, cfg *Config) (*Retrieval, error) {
	if cfg.Retriever == nil {
		return nil, fmt.Errorf("chain: Retriever must not be nil")
	}
	stuff, err := NewStuff(ctx, cfg.ChatModel, cfg.SystemPrompt)
	if err != nil {
		return nil, err
	}

	sp := cfg.SystemPrompt
	if sp == "" {
		sp = DefaultSystemPrompt
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = rag.DefaultTopK
	}
	maxCtx := cfg.MaxContextTokens
	if maxCtx <= 0 {
		maxCtx = budget.DefaultMaxContextTokens
	}
	maxDocs := cfg.MaxDocumentTokens
	if maxDocs <= 0 {
		maxDocs = budget.DefaultMaxDocumentTokens
	}

	return &Retrieval{
		retriever:         cfg.Retriever,
		topK:              topK,
		systemPrompt:      sp,
		maxContextTokens:  maxCtx,
		maxDocumentTokens: maxDocs,
		stuff:             stuff,
	}, nil
}

// Retrieve returns the context documents for input, trimmed to the document
// budget. A retrieval failure is returned to the caller: answering without
// context would produce unsourced medical claims.
func (r *Retrieval) Retrieve(ctx context.Context, input string) ([]rag.Document, error) {
	docs, err := r.retriever.Retrieve(ctx, input, r.topK)
	if err != nil {
		return nil, fmt.Errorf("chain: retrieve: %w", err)
	}

	contents := make([]string, len(docs))
	for i, d := range docs {
		contents[i] = d.Content
	}
	if kept := len(budget.FitDocuments(contents, r.maxDocumentTokens)); kept < len(docs) {
		logging.FromContext(ctx).Warn("budget: dropped retrieved documents to fit context window",
			slog.Int("dropped", len(docs)-kept),
			slog.Int("retained", kept),
		)
		docs = docs[:kept]
	}
	return docs, nil
}

// Invoke runs the full chain: retrieve, stuff, generate.
func (r *Retrieval) Invoke(ctx context.Context, input string, history []*schema.Message) (*Result, error) {
	docs, err := r.Retrieve(ctx, input)
	if err != nil {
		return nil, err
	}
	answer, err := r.Answer(ctx, input, docs, history)
	if err != nil {
		return nil, err
	}
	return &Result{Answer: answer, Context: docs}, nil
}

// Answer runs the stuff chain over docs that were already retrieved.
func (r *Retrieval) Answer(ctx context.Context, input string, docs []rag.Document, history []*schema.Message) (string, error) {
	msg, err := r.stuff.Invoke(ctx, r.variables(ctx, input, docs, history))
	if err != nil {
		return "", fmt.Errorf("chain: generate: %w", err)
	}
	if msg == nil {
		return "", nil
	}
	return msg.Content, nil
}

// StreamAnswer is Answer with the reply written to w chunk by chunk as the
// model produces it. The full reply is also returned.
func (r *Retrieval) StreamAnswer(ctx context.Context, input string, docs []rag.Document, history []*schema.Message, w io.Writer) (string, error) {
	sr, err := r.stuff.Stream(ctx, r.variables(ctx, input, docs, history))
	if err != nil {
		return "", fmt.Errorf("chain: stream failed: %w", err)
	}
	defer sr.Close()

	var answer strings.Builder
	for {
		msg, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return answer.String(), fmt.Errorf("chain: stream receive error: %w", err)
		}
		if msg == nil || msg.Content == "" {
			continue
		}
		answer.WriteString(msg.Content)
		if _, err := io.WriteString(w, msg.Content); err != nil {
			return answer.String(), fmt.Errorf("chain: write error: %w", err)
		}
	}
	return answer.String(), nil
}

// variables builds the template input, trimming history to the budget.
func (r *Retrieval) variables(ctx context.Context, input string, docs []rag.Document, history []*schema.Message) map[string]any {
	stuffed := stuffDocuments(docs)

	fixed := []*schema.Message{
		schema.SystemMessage(strings.Replace(r.systemPrompt, "{"+varContext+"}", stuffed, 1)),
		schema.UserMessage(input),
	}
	before := len(history)
	history = budget.TrimHistory(fixed, history, r.maxContextTokens)
	if dropped := before - len(history); dropped > 0 {
		logging.FromContext(ctx).Warn("budget: dropped history messages to fit context window",
			slog.Int("dropped", dropped),
			slog.Int("retained", len(history)),
			slog.Int("max_tokens", r.maxContextTokens),
		)
	}

	vars := map[string]any{
		varContext: stuffed,
		varInput:   input,
	}
	if len(history) > 0 {
		vars[varHistory] = history
	}
	return vars
}
