// Package discord connects the gateway to Discord: a gateway websocket
// session for live ingestion, a webhook manager for outbound relay, a
// history backfill coordinator, and an attachment proxy.
package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/robfig/cron/v3"

	"github.com/jholhewres/agentgate/pkg/agentgate/store"
)

// Bot owns the live Discord connection. It feeds every message on the
// monitored channel (and its sub-threads) into the reconciler and keeps
// the observed channel profile current on a schedule.
type Bot struct {
	session    *discordgo.Session
	store      *store.Store
	reconciler *Reconciler
	backfill   *Backfill
	channelID  string
	schedule   string
	cron       *cron.Cron
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSession builds a discordgo session with the intents the gateway
// needs. The session is not opened.
func NewSession(botToken string) (*discordgo.Session, error) {
	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("discord: creating session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent
	return session, nil
}

// NewBot wires a bot around an unopened session.
func NewBot(session *discordgo.Session, st *store.Store, rec *Reconciler, backfill *Backfill, channelID, syncSchedule string, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{
		session:    session,
		store:      st,
		reconciler: rec,
		backfill:   backfill,
		channelID:  channelID,
		schedule:   syncSchedule,
		logger:     logger.With("component", "discord"),
	}
}

// Start opens the websocket, runs the initial profile sync and backfill
// in the background, and starts the profile sync cron.
func (b *Bot) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)

	b.session.AddHandler(b.onReady)
	b.session.AddHandler(b.onMessageCreate)

	if err := b.session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}

	go func() {
		SyncChannelProfile(b.ctx, b.session, b.store, b.channelID, b.logger)
		if b.backfill != nil {
			if err := b.backfill.Run(b.ctx); err != nil && b.ctx.Err() == nil {
				b.logger.Warn("backfill aborted", "error", err)
			}
		}
	}()

	if b.schedule != "" {
		b.cron = cron.New()
		_, err := b.cron.AddFunc(b.schedule, func() {
			SyncChannelProfile(b.ctx, b.session, b.store, b.channelID, b.logger)
		})
		if err != nil {
			b.logger.Warn("invalid profile sync schedule, sync disabled", "schedule", b.schedule, "error", err)
		} else {
			b.cron.Start()
		}
	}

	return nil
}

// Stop closes the session and halts the sync cron.
func (b *Bot) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.cron != nil {
		b.cron.Stop()
	}
	if b.session != nil {
		if err := b.session.Close(); err != nil {
			b.logger.Warn("closing discord session", "error", err)
		}
	}
}

func (b *Bot) onReady(s *discordgo.Session, _ *discordgo.Ready) {
	ch, err := s.Channel(b.channelID)
	if err != nil {
		b.logger.Warn("connected, but monitored channel could not be resolved",
			"channel_id", b.channelID, "error", err)
		return
	}
	b.logger.Info("discord connected",
		"user", s.State.User.Username,
		"channel", ch.Name,
		"channel_id", b.channelID)
}

// onMessageCreate ingests messages posted to the monitored channel or to
// a thread whose parent is the monitored channel. Everything else is
// ignored. Webhook and bot messages are ingested too; the reconciler
// classifies authorship and the relay path promotes the gateway's own
// webhook messages to agent posts.
func (b *Bot) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.GuildID == "" {
		return
	}
	source := b.resolveSource(s, m.ChannelID)
	if source == "" {
		return
	}
	if err := b.reconciler.Ingest(m.Message, source); err != nil {
		b.logger.Error("ingesting message failed",
			"discord_message_id", m.ID, "source_channel_id", source, "error", err)
	}
}

// resolveSource maps an event channel to an ingestion source: the
// monitored channel itself, or a thread under it. Returns "" for
// unrelated channels.
func (b *Bot) resolveSource(s *discordgo.Session, channelID string) string {
	if channelID == b.channelID {
		return channelID
	}
	ch, err := s.State.Channel(channelID)
	if err != nil {
		ch, err = s.Channel(channelID)
		if err != nil {
			b.logger.Debug("resolving event channel failed", "channel_id", channelID, "error", err)
			return ""
		}
	}
	if ch.ParentID == b.channelID && ch.IsThread() {
		return channelID
	}
	return ""
}
