package main

import (
	"os"

	"RelayChat/internal/chatbot"

	"github.com/spf13/cobra"
)

func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the relay in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, true)
			if err != nil {
				return err
			}
			userID, _ := cmd.Flags().GetString("user")

			a, err := newApp(cmd.Context(), cfg, "chat.log", false)
			if err != nil {
				return err
			}
			defer a.Close()

			repl := chatbot.NewREPL(a.relay, userID, cfg.Relay.Model, a.logger)
			return repl.Run(cmd.Context(), os.Stdin, os.Stdout)
		},
	}
	cmd.Flags().String("user", "local", "Session id used for the conversation.")
	return cmd
}
