package cmds

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewHealthCommand probes the backend liveness endpoint.
func NewHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check whether the backend is up",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newBackendClient()
			if err != nil {
				return err
			}
			status, err := client.Health(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(status)
			return nil
		},
	}
}
