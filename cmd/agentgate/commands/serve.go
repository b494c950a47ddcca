package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jholhewres/agentgate/pkg/agentgate/config"
	"github.com/jholhewres/agentgate/pkg/agentgate/discord"
	"github.com/jholhewres/agentgate/pkg/agentgate/gateway"
	"github.com/jholhewres/agentgate/pkg/agentgate/store"
)

// newServeCmd creates the `agentgate serve` command that runs the gateway.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the Discord bot",
		Long: `Run the gateway: the HTTP API agents talk to and the Discord bot
that ingests the monitored channel.

Examples:
  agentgate serve
  agentgate serve --api-only
  agentgate serve --bot-only --config ./agentgate.yaml`,
		RunE: runServe,
	}

	cmd.Flags().Bool("api-only", false, "run the HTTP API without connecting to Discord")
	cmd.Flags().Bool("bot-only", false, "run the Discord bot without the HTTP API")
	return cmd
}

func buildLogger(cfg config.Settings, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose || cfg.LogLevel == "debug" {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logger := buildLogger(cfg, verbose)

	apiOnly, _ := cmd.Flags().GetBool("api-only")
	botOnly, _ := cmd.Flags().GetBool("bot-only")
	if apiOnly && botOnly {
		return fmt.Errorf("--api-only and --bot-only are mutually exclusive")
	}

	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		relay       *gateway.Relay
		attachments gateway.AttachmentResolver
		bot         *discord.Bot
	)

	if !apiOnly {
		session, err := discord.NewSession(cfg.DiscordBotToken)
		if err != nil {
			return err
		}

		reconciler := discord.NewReconciler(st, cfg.DiscordChannelID, logger)
		webhooks := discord.NewWebhookManager(session, st, cfg.DiscordChannelID, cfg.DiscordWebhookURL)
		relay = gateway.NewRelay(webhooks, st, cfg.DiscordChannelID, cfg.DiscordMaxMessageLen)
		attachments = discord.NewProxy(session, st, logger)

		var backfill *discord.Backfill
		if cfg.BackfillEnabled {
			backfill = discord.NewBackfill(session, st, reconciler,
				cfg.DiscordChannelID, cfg.BackfillSeedLimit, cfg.BackfillArchivedThreadLimit, logger)
		}

		bot = discord.NewBot(session, st, reconciler, backfill,
			cfg.DiscordChannelID, cfg.ProfileSyncSchedule, logger)
		if err := bot.Start(ctx); err != nil {
			return err
		}
		defer bot.Stop()
	}

	var server *gateway.Server
	if !botOnly {
		server = gateway.New(cfg, st, relay, attachments, logger)
		if err := server.Start(); err != nil {
			return err
		}
		defer server.Stop()
	}

	logger.Info("agentgate running, press Ctrl+C to stop",
		"channel_id", cfg.DiscordChannelID,
		"registration_mode", cfg.RegistrationMode)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")
	return nil
}
