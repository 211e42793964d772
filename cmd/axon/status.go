package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"axon/internal/config"
	"axon/internal/queue"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id>",
		Short: "Print the current status of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return exitErr(exitConfig, err)
			}
			broker, err := queue.NewRedisBroker(cfg.QueueEndpoint)
			if err != nil {
				return exitErr(exitDependency, fmt.Errorf("queue: %w", err))
			}
			defer broker.Close()

			st, err := queue.NewDispatcher(broker).Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	}
}
