package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/54b3r/medibot-go/internal/logging"
	"github.com/54b3r/medibot-go/internal/rag"
)

// NewAskCmd constructs the `medibot ask` command, which answers a single
// question and streams the answer to stdout.
func NewAskCmd() *cobra.Command {
	var showSources bool
	var session string

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask the medical chatbot a single question",
		Long: `Ask medibot a question from the command line.

The answer goes through the same greeting check, retrieval and prompt as
the HTTP server. Pass --session to continue a stored conversation.

Examples:
  medibot ask "what are the symptoms of anemia?"
  medibot ask --sources "how is acne treated?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			flush := setupTracing(log)
			defer flush()

			st, err := buildStack(ctx, log, session != "")
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			defer st.Close()

			out := cmd.OutOrStdout()
			question := strings.Join(args, " ")

			reply, err := st.bot.Stream(ctx, session, question, out, nil)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			fmt.Fprintln(out)

			if showSources {
				printSources(out, reply.Sources)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showSources, "sources", false, "Print the documents the answer was based on")
	cmd.Flags().StringVar(&session, "session", "", "Conversation id used to load and store history")

	return cmd
}

// printSources writes one line per retrieved document.
func printSources(w io.Writer, docs []rag.Document) {
	if len(docs) == 0 {
		return
	}
	fmt.Fprintln(w, "\nSources:")
	for i, d := range docs {
		line := fmt.Sprintf("  [%d] %s", i+1, d.Source)
		if p := d.Metadata["page"]; p != "" {
			line += " p." + p
		}
		fmt.Fprintf(w, "%s (score %.3f)\n", line, d.Score)
	}
}
