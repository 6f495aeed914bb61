package cmds

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dartopia/codeflow/pkg/backendapi"
)

// NewModelsCommand lists and switches backend models.
func NewModelsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Inspect and switch backend models",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List models the backend advertises",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newBackendClient()
			if err != nil {
				return err
			}
			models, err := client.ListModels(cmd.Context())
			if err != nil {
				return err
			}
			for _, m := range models {
				marker := " "
				if m.Preferred {
					marker = "*"
				}
				fmt.Printf("%s %s\t%s\t(in %d / out %d tokens)\n",
					marker, m.Name, m.DisplayName, m.InputTokenLimit, m.OutputTokenLimit)
			}
			return nil
		},
	}

	sw := &cobra.Command{
		Use:   "switch <model>",
		Short: "Switch the backend to a different model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newBackendClient()
			if err != nil {
				return err
			}
			resolved, err := client.SwitchModel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("switched to %s\n", resolved)
			return nil
		},
	}

	cmd.AddCommand(list, sw)
	return cmd
}

func newBackendClient() (*backendapi.Client, error) {
	cfg := backendapi.DefaultClientConfig()
	cfg.BaseURL = viper.GetString("backend")
	return backendapi.NewClient(cfg)
}
