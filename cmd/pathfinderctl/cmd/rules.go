package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/pathfinder/pathfinder/pkg/classifier"
)

type rulesSummary struct {
	File      string `json:"file" yaml:"file"`
	Version   string `json:"version" yaml:"version"`
	Exclusion int    `json:"exclusion_patterns" yaml:"exclusion_patterns"`
	CSuite    int    `json:"csuite_patterns" yaml:"csuite_patterns"`
	VP        int    `json:"vp_patterns" yaml:"vp_patterns"`
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Classification rules",
}

var rulesCheckCmd = &cobra.Command{
	Use:   "check FILE",
	Short: "Validate a rules file",
	Long:  "Parse and compile a rules file the way the services load it on start and on reload.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rules, err := classifier.LoadRulesFile(args[0])
		if err != nil {
			return err
		}
		if _, err := classifier.Compile(rules); err != nil {
			return err
		}

		summary := rulesSummary{
			File:      args[0],
			Version:   rules.Version,
			Exclusion: len(rules.Exclusion),
			CSuite:    len(rules.CSuite),
			VP:        len(rules.VP),
		}
		return render(cmd, summary, func(w io.Writer) {
			fmt.Fprintf(w, "%s: version %s, %d exclusion, %d csuite, %d vp patterns\n",
				summary.File, summary.Version, summary.Exclusion, summary.CSuite, summary.VP)
		})
	},
}

func init() {
	rulesCmd.AddCommand(rulesCheckCmd)
	rootCmd.AddCommand(rulesCmd)
}
