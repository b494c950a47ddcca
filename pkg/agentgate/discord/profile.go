package discord

import (
	"context"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/agentgate/pkg/agentgate/store"
)

type channelFetcher interface {
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
}

// SyncChannelProfile captures the monitored channel's current name and
// topic into settings so /v1/context can serve them without a live
// Discord call. Best-effort: failures are logged and reported, never
// fatal.
func SyncChannelProfile(ctx context.Context, api channelFetcher, st *store.Store, channelID string, logger *slog.Logger) bool {
	ch, err := api.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		logger.Warn("channel profile sync failed", "channel_id", channelID, "error", err)
		return false
	}
	if err := st.UpsertObservedChannelProfile(ch.Name, ch.Topic); err != nil {
		logger.Warn("persisting channel profile failed", "error", err)
		return false
	}
	logger.Debug("channel profile synced", "name", ch.Name)
	return true
}
