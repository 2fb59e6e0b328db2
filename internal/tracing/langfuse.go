// Package tracing wires Langfuse into eino's global callback chain so every
// chat template render and model call in the RAG chain is traced.
package tracing

import (
	"os"

	"github.com/cloudwego/eino-ext/callbacks/langfuse"
	"github.com/cloudwego/eino/callbacks"
)

// defaultHost is the self-hosted Langfuse address used when LANGFUSE_HOST is unset.
const defaultHost = "http://localhost:3000"

// Settings are the Langfuse credentials resolved from the environment.
type Settings struct {
	Host      string
	PublicKey string
	SecretKey string
}

// SettingsFromEnv reads LANGFUSE_HOST, LANGFUSE_PUBLIC_KEY and LANGFUSE_SECRET_KEY.
func SettingsFromEnv() Settings {
	s := Settings{
		Host:      os.Getenv("LANGFUSE_HOST"),
		PublicKey: os.Getenv("LANGFUSE_PUBLIC_KEY"),
		SecretKey: os.Getenv("LANGFUSE_SECRET_KEY"),
	}
	if s.Host == "" {
		s.Host = defaultHost
	}
	return s
}

// Enabled reports whether both keys are present.
func (s Settings) Enabled() bool {
	return s.PublicKey != "" && s.SecretKey != ""
}

// Setup builds the Langfuse callback handler from the environment. The
// returned flush function must run before process exit. ok is false, and the
// other values nil, when Langfuse is not configured.
func Setup() (handler callbacks.Handler, flush func(), ok bool) {
	s := SettingsFromEnv()
	if !s.Enabled() {
		return nil, nil, false
	}

	handler, flush = langfuse.NewLangfuseHandler(&langfuse.Config{
		Host:      s.Host,
		PublicKey: s.PublicKey,
		SecretKey: s.SecretKey,
		Name:      "medibot",
	})
	return handler, flush, true
}
