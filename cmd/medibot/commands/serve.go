package commands

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/54b3r/medibot-go/internal/logging"
	"github.com/54b3r/medibot-go/internal/server"
)

// NewServeCmd constructs the `medibot serve` command, which starts the HTTP
// server and serves the chat page.
func NewServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the medibot HTTP server and chat page",
		Long: `Start the medibot HTTP server.

The server serves the chat page on /, answers form posts on /get, streams
answers over Server-Sent Events on /api/chat, and exposes /api/health,
/api/ready and /metrics.

Examples:
  medibot serve
  medibot serve --host 0.0.0.0 --port 8080
  MODEL_PROVIDER=ollama EMBEDDING_PROVIDER=ollama medibot serve`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			log.Info("serve starting", slog.String("provider", os.Getenv("MODEL_PROVIDER")))

			flush := setupTracing(log)
			defer flush()

			st, err := buildStack(ctx, log, true)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer st.Close()

			srvCfg, err := serverConfigFromEnv(host, cmd.Flags().Changed("host"), port, cmd.Flags().Changed("port"))
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			srvCfg.Logger = log
			srvCfg.Pingers = buildPingers(st)
			if st.history != nil {
				srvCfg.History = st.history
				ttl, err := historyTTLFromEnv()
				if err != nil {
					return fmt.Errorf("serve: %w", err)
				}
				if ttl > 0 {
					go pruneHistory(ctx, log, st.history, ttl, time.Hour)
				}
			}

			srv, err := server.New(st.bot, srvCfg)
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host address to bind to (env: MEDIBOT_HOST)")
	cmd.Flags().IntVarP(&port, "port", "p", 5000, "TCP port to listen on (env: MEDIBOT_PORT)")

	return cmd
}
