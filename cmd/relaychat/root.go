package main

import (
	"strings"

	"RelayChat/internal/config"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "relaychat",
		Short:         "Telegram to LLM chat relay",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.PersistentFlags().String("config", "", "Config file path (optional).")
	cmd.PersistentFlags().StringSlice("env-file", []string{".env"}, "Dotenv files to load; missing files are skipped.")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newPollCmd())
	cmd.AddCommand(newChatCmd())
	return cmd
}

// loadConfig reads .env files, the optional config file and the environment.
// Local mode does not require a bot token.
func loadConfig(cmd *cobra.Command, local bool) (config.Config, error) {
	envFiles, _ := cmd.Flags().GetStringSlice("env-file")
	if err := config.LoadDotEnv(envFiles...); err != nil {
		return config.Config{}, err
	}

	v := config.NewViper()
	cfgFile, _ := cmd.Flags().GetString("config")
	if err := config.ReadFile(v, strings.TrimSpace(cfgFile)); err != nil {
		return config.Config{}, err
	}
	if local {
		return config.LoadLocal(v)
	}
	return config.Load(v)
}
