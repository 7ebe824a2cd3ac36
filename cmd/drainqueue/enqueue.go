package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oriys/drainqueue/queue"
	"github.com/oriys/drainqueue/queue/stream"
)

func enqueueCmd() *cobra.Command {
	var job, arg string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Push a single test item onto the configured queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx := context.Background()
			backend, err := stream.NewBuilder[queue.JSONItem[workItem]](
				cfg.Stream.ConnString,
				cfg.Stream.StreamKey,
				cfg.Stream.Group,
				queue.DecodeJSONItem[workItem],
			).Build(ctx)
			if err != nil {
				return fmt.Errorf("build stream backend: %w", err)
			}

			item := queue.NewJSONItem(workItem{Job: job, Arg: arg})
			if err := backend.Enqueue(ctx, item); err != nil {
				return fmt.Errorf("enqueue: %w", err)
			}

			fmt.Printf("enqueued job=%q arg=%q onto %s\n", job, arg, cfg.Stream.StreamKey)
			return nil
		},
	}

	cmd.Flags().StringVar(&job, "job", "noop", "Job name to enqueue")
	cmd.Flags().StringVar(&arg, "arg", "", "Job argument")
	return cmd
}
