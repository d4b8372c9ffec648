package cli

import (
	"fmt"

	"github.com/ohler55/ojg/oj"
	"github.com/spf13/cobra"

	"github.com/polyport/polyport/pkg/config"
)

// validateOutput represents JSON output format
type validateOutput struct {
	File  string `json:"file"`
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

var validateCmd = &cobra.Command{
	Use:   "validate <config-file>",
	Short: "Validate a configuration file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		out := validateOutput{File: path, Valid: true}

		cfg, err := config.Load(path)
		if err == nil {
			err = cfg.Validate()
		}
		if err != nil {
			out.Valid = false
			out.Error = err.Error()
		}

		if jsonOutput {
			fmt.Fprintln(cmd.OutOrStdout(), oj.JSON(out, &oj.Options{Sort: true}))
			if !out.Valid {
				return fmt.Errorf("%s is not valid", path)
			}
			return nil
		}

		if !out.Valid {
			return fmt.Errorf("%s is not valid: %s", path, out.Error)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s is valid (listen %s)\n", path, cfg.Addr())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
