package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"RelayChat/internal/chatbot"
	"RelayChat/internal/httpapi"
	"RelayChat/internal/telegram"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the Telegram webhook and the web chat over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, false)
			if err != nil {
				return err
			}
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
			if cfg.WebhookURL != "" {
				if err := tg.SetWebhook(cfg.WebhookURL, cfg.WebhookSecret); err != nil {
					return err
				}
				a.logger.Info("webhook registered", "url", cfg.WebhookURL, "bot", tg.BotName())
			}

			bot := chatbot.NewChatBot(a.relay, tg, a.chatbotOptions())
			api := httpapi.New(bot, a.relay, httpapi.Options{
				WebhookPath:   cfg.WebhookPath,
				WebhookSecret: cfg.WebhookSecret,
				Version:       version,
				WebSessionTTL: cfg.WebSessionTTL,
				Metrics:       a.metrics,
				Logger:        a.logger,
			})
			go api.RunSweeper(ctx, time.Minute)

			srv := &http.Server{
				Addr:              cfg.BindAddr,
				Handler:           api.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("http server listening", "addr", cfg.BindAddr, "webhook_path", cfg.WebhookPath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			a.logger.Info("shutting down", "timeout", cfg.ShutdownTimeout.String())
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("http shutdown: %w", err)
			}
			return nil
		},
	}
}
