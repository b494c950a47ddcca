package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/agentgate/pkg/agentgate/config"
)

// newConfigCmd creates the `agentgate config` command that prints the
// effective configuration after env and file merging.
func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			configPath, _ := cmd.Root().PersistentFlags().GetString("config")
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			// Secrets are masked; their presence is still visible.
			cfg.DiscordBotToken = mask(cfg.DiscordBotToken)
			cfg.AdminAPIToken = mask(cfg.AdminAPIToken)
			cfg.DiscordWebhookURL = mask(cfg.DiscordWebhookURL)

			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func mask(v string) string {
	if v == "" {
		return ""
	}
	return "********"
}
