package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	apperrors "authvault/internal/errors"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate the resolved configuration",
	}

	cmd.AddCommand(
		newConfigValidateCmd(a),
		newConfigShowCmd(a),
	)

	return cmd
}

func newConfigValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and report every problem",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.Validate(); err != nil {
				errStyle.Println("Configuration is invalid:")
				fmt.Println(apperrors.FormatUserError(err))
				return fmt.Errorf("configuration validation failed")
			}

			okStyle.Println("Configuration is valid.")
			return nil
		},
	}
}

func newConfigShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration with credentials masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := yaml.Marshal(a.cfg.Redacted())
			if err != nil {
				return err
			}

			fmt.Print(string(data))
			return nil
		},
	}
}
