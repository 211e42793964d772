package main

import (
	"github.com/spf13/cobra"
)

// Exit codes: 0 normal shutdown, 1 configuration error, 2 required
// external dependency unavailable at startup, 3 fatal runtime error.
const (
	exitConfig     = 1
	exitDependency = 2
	exitRuntime    = 3
)

// codedError carries a process exit code alongside the cause.
type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

func exitErr(code int, err error) error { return &codedError{code: code, err: err} }

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "axon",
		Short:         "Agent execution platform: reasoning workers over a Redis task fabric",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (environment variables win)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newSubmitCmd())
	root.AddCommand(newStatusCmd())
	return root
}
