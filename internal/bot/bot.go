// Package bot answers chat messages. Greetings get a canned reply without
// touching any external service; everything else goes through the
// retrieval chain.
package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/medibot-go/internal/logging"
	"github.com/54b3r/medibot-go/internal/rag"
	"github.com/54b3r/medibot-go/internal/store"
)

const (
	// GreetingReply is returned for greeting messages.
	GreetingReply = "Hello! How can I assist you today?"

	// FallbackReply is returned when the chain produced no answer.
	FallbackReply = "I'm sorry, I couldn't find an answer to your question."

	// defaultHistoryDepth is the number of prior exchanges replayed per question.
	defaultHistoryDepth = 5
)

// ErrEmptyMessage is returned when the message is blank after normalisation.
var ErrEmptyMessage = errors.New("bot: message is empty")

// greetings are matched against the normalised message.
var greetings = map[string]struct{}{
	"hey":   {},
	"hello": {},
	"hi":    {},
}

// Chain is the retrieval pipeline the bot delegates questions to.
// *chain.Retrieval satisfies it.
type Chain interface {
	Retrieve(ctx context.Context, input string) ([]rag.Document, error)
	Answer(ctx context.Context, input string, docs []rag.Document, history []*schema.Message) (string, error)
	StreamAnswer(ctx context.Context, input string, docs []rag.Document, history []*schema.Message, w io.Writer) (string, error)
}

// Config holds the dependencies required to construct a Bot.
type Config struct {
	// Chain answers non-greeting questions.
	Chain Chain
	// History is the optional conversation store. If nil, each question is
	// answered without prior turns.
	History store.ConversationStore
	// HistoryDepth is the number of prior exchanges (user+assistant pairs)
	// replayed per question. Defaults to 5 if zero.
	HistoryDepth int
}

// Reply is the answer to one message.
type Reply struct {
	// Text is the answer shown to the user.
	Text string
	// Sources are the documents the answer was grounded on. Empty for greetings.
	Sources []rag.Document
	// Greeting reports whether the canned greeting was returned.
	Greeting bool
}

// Bot routes messages to the greeting shortcut or the retrieval chain.
// It is safe for concurrent use.
type Bot struct {
	chain        Chain
	history      store.ConversationStore
	historyDepth int
}

// New constructs a Bot from cfg.
func New(cfg *Config) (*Bot, error) {
	if cfg.Chain == nil {
		return nil, fmt.Errorf("bot: Chain must not be nil")
	}
	depth := cfg.HistoryDepth
	if depth <= 0 {
		depth = defaultHistoryDepth
	}
	return &Bot{chain: cfg.Chain, history: cfg.History, historyDepth: depth}, nil
}

// Normalize trims surrounding whitespace and lower-cases msg.
func Normalize(msg string) string {
	return strings.ToLower(strings.TrimSpace(msg))
}

// IsGreeting reports whether the normalised message is a greeting.
func IsGreeting(normalized string) bool {
	_, ok := greetings[normalized]
	return ok
}

// Reply answers msg for the given session. sessionID may be empty, in which
// case no history is read or written.
func (b *Bot) Reply(ctx context.Context, sessionID, msg string) (*Reply, error) {
	input := Normalize(msg)
	if IsGreeting(input) {
		return &Reply{Text: GreetingReply, Greeting: true}, nil
	}
	if input == "" {
		return nil, ErrEmptyMessage
	}

	docs, err := b.chain.Retrieve(ctx, input)
	if err != nil {
		return nil, err
	}
	answer, err := b.chain.Answer(ctx, input, docs, b.loadHistory(ctx, sessionID))
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(answer) == "" {
		answer = FallbackReply
	}

	b.saveTurn(ctx, sessionID, input, answer)
	return &Reply{Text: answer, Sources: docs}, nil
}

// Stream answers msg like Reply but writes the answer to w as it is
// generated. onSources, if non-nil, is called with the retrieved documents
// before the first answer chunk.
func (b *Bot) Stream(ctx context.Context, sessionID, msg string, w io.Writer, onSources func([]rag.Document)) (*Reply, error) {
	input := Normalize(msg)
	if IsGreeting(input) {
		if _, err := io.WriteString(w, GreetingReply); err != nil {
			return nil, fmt.Errorf("bot: write error: %w", err)
		}
		return &Reply{Text: GreetingReply, Greeting: true}, nil
	}
	if input == "" {
		return nil, ErrEmptyMessage
	}

	docs, err := b.chain.Retrieve(ctx, input)
	if err != nil {
		return nil, err
	}
	if onSources != nil {
		onSources(docs)
	}

	answer, err := b.chain.StreamAnswer(ctx, input, docs, b.loadHistory(ctx, sessionID), w)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(answer) == "" {
		answer = FallbackReply
		if _, err := io.WriteString(w, answer); err != nil {
			return nil, fmt.Errorf("bot: write error: %w", err)
		}
	}

	b.saveTurn(ctx, sessionID, input, answer)
	return &Reply{Text: answer, Sources: docs}, nil
}

// loadHistory returns prior turns of the session as chat messages. Failures
// are logged and yield no history.
func (b *Bot) loadHistory(ctx context.Context, sessionID string) []*schema.Message {
	if b.history == nil || sessionID == "" {
		return nil
	}
	prior, err := b.history.Recent(ctx, sessionID, b.historyDepth*2)
	if err != nil {
		logging.FromContext(ctx).Warn("history: failed to load prior messages", slog.Any("error", err))
		return nil
	}
	msgs := make([]*schema.Message, 0, len(prior))
	for _, m := range prior {
		switch m.Role {
		case store.RoleUser:
			msgs = append(msgs, schema.UserMessage(m.Content))
		case store.RoleAssistant:
			msgs = append(msgs, schema.AssistantMessage(m.Content, nil))
		}
	}
	return msgs
}

// saveTurn persists the exchange. Failures are logged, never returned.
func (b *Bot) saveTurn(ctx context.Context, sessionID, question, answer string) {
	if b.history == nil || sessionID == "" {
		return
	}
	log := logging.FromContext(ctx)
	if err := b.history.Append(ctx, sessionID, store.RoleUser, question); err != nil {
		log.Warn("history: failed to persist user message", slog.Any("error", err))
	}
	if err := b.history.Append(ctx, sessionID, store.RoleAssistant, answer); err != nil {
		log.Warn("history: failed to persist assistant message", slog.Any("error", err))
	}
}
