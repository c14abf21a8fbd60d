package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"pkt.systems/senseng/internal/version"
)

func newVersionCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(version.Describe())
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version.Describe().String())
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print version information as JSON")
	return cmd
}
