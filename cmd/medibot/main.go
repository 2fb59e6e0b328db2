// Command medibot is the entry point for the medical question-answering
// chatbot. It provides a CLI (via Cobra), an ingestion pipeline for the
// knowledge base, and an HTTP server with a chat page.
package main

import (
	"fmt"
	"os"

	"github.com/54b3r/medibot-go/cmd/medibot/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
