/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/amaterasu/apiserver/config"
	"github.com/amaterasu/apiserver/internal/logging"
	"github.com/amaterasu/apiserver/internal/mailer"
	"github.com/amaterasu/apiserver/internal/mq"
	"github.com/spf13/cobra"
)

// mailerCmd represents the mailer command
var mailerCmd = &cobra.Command{
	Use:   "mailer",
	Short: "Relays queued account emails",
	Long: `Subscribes to the mail channel and logs every activation and password
reset link. Requires MQ_BACKEND to be rabbitmq or pubsub.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log := logging.New(cfg.LogLevel)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		queue, err := mq.NewBackend(ctx, cfg.Mail)
		if err != nil {
			return fmt.Errorf("connect mail queue: %w", err)
		}
		if queue == nil {
			return errors.New("mailer requires MQ_BACKEND to be rabbitmq or pubsub")
		}
		defer queue.Close()

		log.Info("relaying mail", "backend", cfg.Mail.Backend, "channel", cfg.Mail.Channel)
		err = queue.Subscribe(ctx, cfg.Mail.Channel, mailer.NewRelay(log).Handle)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("subscribe %s: %w", cfg.Mail.Channel, err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(mailerCmd)
}
