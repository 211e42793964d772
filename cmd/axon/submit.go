package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"axon/internal/config"
	"axon/internal/queue"
	"axon/internal/task"
)

func newSubmitCmd() *cobra.Command {
	var (
		taskType       string
		priority       int
		maxSteps       int
		timeoutSeconds int
		sessionID      string
	)
	cmd := &cobra.Command{
		Use:   "submit <description>",
		Short: "Enqueue a task and print its id",
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

			dispatcher := queue.NewDispatcher(broker).WithDefaultMaxSteps(cfg.StepCapDefault)
			id, err := dispatcher.Submit(cmd.Context(), &task.Task{
				Description:    args[0],
				Type:           task.Type(taskType),
				Priority:       priority,
				MaxSteps:       maxSteps,
				TimeoutSeconds: timeoutSeconds,
				SessionID:      sessionID,
			})
			if err != nil {
				return exitErr(exitConfig, err)
			}
			return printJSON(map[string]string{"task_id": id, "status": string(task.StatusPending)})
		},
	}
	cmd.Flags().StringVar(&taskType, "type", string(task.TypeGeneral), "task type")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority 0-3")
	cmd.Flags().IntVar(&maxSteps, "max-steps", 0, "step cap (0 uses the configured default)")
	cmd.Flags().IntVar(&timeoutSeconds, "timeout", 0, "wall-clock timeout in seconds (0 uses the default)")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id for conversation continuity")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
