package chain

import (
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/medibot-go/internal/rag"
)

// Template variable names.
const (
	varContext = "context"
	varInput   = "input"
	varHistory = "chat_history"
)

// DefaultSystemPrompt instructs the model to answer only from the retrieved
// excerpts. It must contain the {context} placeholder.
const DefaultSystemPrompt = "You are a medical assistant for question-answering tasks. " +
	"Use the following pieces of retrieved context to answer the question. " +
	"If you don't know the answer, say that you don't know. " +
	"Use three sentences maximum and keep the answer concise. " +
	"You do not diagnose; for urgent symptoms advise the user to contact a medical professional." +
	"\n\n{context}"

// documentSeparator joins stuffed documents.
const documentSeparator = "\n\n"

// newTemplate builds the chat template: system prompt with the stuffed
// context, optional prior turns, then the human question.
func newTemplate(systemPrompt string) prompt.ChatTemplate {
	return prompt.FromMessages(schema.FString,
		schema.SystemMessage(systemPrompt),
		schema.MessagesPlaceholder(varHistory, true),
		schema.UserMessage("{"+varInput+"}"),
	)
}

// stuffDocuments concatenates document contents in retrieval order.
func stuffDocuments(docs []rag.Document) string {
	parts := make([]string, 0, len(docs))
	for _, d := range docs {
		parts = append(parts, d.Content)
	}
	return strings.Join(parts, documentSeparator)
}
