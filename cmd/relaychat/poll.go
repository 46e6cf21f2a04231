package main

import (
	"os/signal"
	"syscall"

	"RelayChat/internal/chatbot"
	"RelayChat/internal/telegram"

	"github.com/spf13/cobra"
)

func newPollCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Receive Telegram updates by long polling",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, false)
			if err != nil {
				return err
			}
			timeout, _ := cmd.Flags().GetInt("poll-timeout")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, "relaychat.log", true)
			if err != nil {
				return err
			}
			defer a.Close()

			tg, err := telegram.NewClient(cfg.BotToken, telegram.Options{Logger: a.logger})
			if err != nil {
				return err
			}
			// getUpdates is refused while a webhook is set
			if err := tg.DeleteWebhook(); err != nil {
				return err
			}

			bot := chatbot.NewChatBot(a.relay, tg, a.chatbotOptions())
			a.logger.Info("long polling started", "bot", tg.BotName())
			bot.Poll(ctx, tg.Updates(ctx, timeout))
			a.logger.Info("long polling stopped")
			return nil
		},
	}
	cmd.Flags().Int("poll-timeout", 60, "Long polling timeout in seconds.")
	return cmd
}
