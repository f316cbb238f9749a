// Package cmd implements the pathfinderctl commands.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var rootCmd = &cobra.Command{
	Use:   "pathfinderctl",
	Short: "Pathfinder operations CLI",
	Long: `pathfinderctl classifies job titles against a ruleset, validates rules
files, issues admin API tokens and migrates the database.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringP("output", "o", "text", "output format: text, json, yaml")
}

// render writes v as json or yaml, or calls text for the text format.
func render(cmd *cobra.Command, v interface{}, text func(w io.Writer)) error {
	format, _ := cmd.Flags().GetString("output")
	w := cmd.OutOrStdout()
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(v)
	case "text", "":
		text(w)
		return nil
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
