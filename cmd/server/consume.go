package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iliyamo/slot-reservation/internal/config"
	"github.com/iliyamo/slot-reservation/internal/logger"
	"github.com/iliyamo/slot-reservation/internal/queue"
)

func newConsumeCmd() *cobra.Command {
	var logPath string
	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Append reservation lifecycle events from RabbitMQ to a booking log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.Env, cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			defer func() { _ = log.Sync() }()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			log.Info("booking consumer starting", zap.String("log_path", logPath))
			err = queue.NewConsumer(cfg.Events.URL, logPath, log.Named("consumer")).Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&logPath, "log", "logs/booking.log", "file to append events to")
	return cmd
}
