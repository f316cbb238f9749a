package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pathfinder/pathfinder/pkg/classifier"
)

type classification struct {
	Title        string `json:"title" yaml:"title"`
	Normalized   string `json:"normalized" yaml:"normalized"`
	IsSenior     bool   `json:"is_senior" yaml:"is_senior"`
	Level        string `json:"level" yaml:"level"`
	RulesVersion string `json:"rules_version" yaml:"rules_version"`
}

var classifyCmd = &cobra.Command{
	Use:   "classify TITLE [TITLE...]",
	Short: "Classify job titles",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rulesFile, _ := cmd.Flags().GetString("rules")
		c, err := loadClassifier(rulesFile)
		if err != nil {
			return err
		}

		results := make([]classification, 0, len(args))
		for _, title := range args {
			r := c.Classify(title)
			results = append(results, classification{
				Title:        title,
				Normalized:   classifier.Normalize(title),
				IsSenior:     r.IsSenior,
				Level:        r.Level.String(),
				RulesVersion: r.RulesVersion,
			})
		}

		return render(cmd, results, func(w io.Writer) {
			for _, r := range results {
				fmt.Fprintf(w, "%-40s %-7s (rules %s)\n", strings.TrimSpace(r.Title), r.Level, r.RulesVersion)
			}
		})
	},
}

func loadClassifier(rulesFile string) (*classifier.Classifier, error) {
	if rulesFile == "" {
		return classifier.NewDefault(), nil
	}
	rules, err := classifier.LoadRulesFile(rulesFile)
	if err != nil {
		return nil, err
	}
	return classifier.New(rules)
}

func init() {
	classifyCmd.Flags().String("rules", "", "rules file (default: built-in rules)")
	rootCmd.AddCommand(classifyCmd)
}
