package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/suPer8Hu/chat-relay/internal/store/rabbitmq"
)

func newWorkerCmd() *cobra.Command {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume queued chat jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if concurrency > 0 {
				cfg.WorkerConcurrency = concurrency
			}

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			consumer, err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue, cfg.WorkerConcurrency)
			if err != nil {
				return err
			}
			defer consumer.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return consumer.Run(ctx, a.svc.RunJob)
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "parallel jobs (default $WORKER_CONCURRENCY or 2)")
	return cmd
}
