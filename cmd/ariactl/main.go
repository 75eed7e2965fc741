// Ariactl validates classification rule sets and assesses incident reports
// offline, using the same rule engine as the server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/aria/internal/classify"
	"github.com/linnemanlabs/aria/internal/incident"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var rulesFile string

	root := &cobra.Command{
		Use:          "ariactl",
		Short:        "Offline tooling for the aria risk classifier",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&rulesFile, "rules", "r", "", "YAML rule set (empty = built-in rules)")

	root.AddCommand(
		newAssessCmd(&rulesFile),
		newRulesCmd(&rulesFile),
	)
	return root
}

func newAssessCmd(rulesFile *string) *cobra.Command {
	var (
		reportFile string
		rawSignals map[string]string
	)

	cmd := &cobra.Command{
		Use:   "assess",
		Short: "Classify a single incident report (YAML or JSON) and print the assessment",
		Example: `  ariactl assess -f report.yaml
  cat report.json | ariactl assess --signal auth_failures=120`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rs, err := loadRules(*rulesFile)
			if err != nil {
				return err
			}

			in := cmd.InOrStdin()
			if reportFile != "" && reportFile != "-" {
				f, err := os.Open(reportFile) //nolint:gosec // G304: path is supplied by the operator
				if err != nil {
					return fmt.Errorf("open report: %w", err)
				}
				defer func() { _ = f.Close() }()
				in = f
			}

			r, err := decodeReport(in)
			if err != nil {
				return err
			}
			signals, err := parseSignals(rawSignals)
			if err != nil {
				return err
			}

			a, err := classify.New(rs, classify.Hooks{}).Classify(context.Background(), r, signals)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(a)
		},
	}
	cmd.Flags().StringVarP(&reportFile, "file", "f", "-", "report file, - for stdin")
	cmd.Flags().StringToStringVar(&rawSignals, "signal", nil, "signal values as name=value (repeatable)")
	return cmd
}

func newRulesCmd(rulesFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and validate rule sets",
	}

	validate := &cobra.Command{
		Use:   "validate FILE",
		Short: "Check a rule set file and report every problem found",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, err := classify.LoadFile(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (version %s, %d rules, %d signals)\n",
				args[0], rs.Version(), rs.RuleCount(), len(rs.AllSignals()))
			return err
		},
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print thresholds, category playbooks and signals of the active rule set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rs, err := loadRules(*rulesFile)
			if err != nil {
				return err
			}
			return printRuleSet(cmd.OutOrStdout(), rs)
		},
	}

	cmd.AddCommand(validate, show)
	return cmd
}

func loadRules(path string) (*classify.RuleSet, error) {
	if path == "" {
		return classify.Default()
	}
	return classify.LoadFile(path)
}

// decodeReport reads one report document. YAML is a superset of JSON, so a
// single decoder handles both.
func decodeReport(r io.Reader) (*incident.Report, error) {
	var rep incident.Report
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&rep); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("decode report: empty input")
		}
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &rep, nil
}

func parseSignals(raw map[string]string) (map[string]float64, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(raw))
	for name, v := range raw {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("signal %s: %w", name, err)
		}
		out[name] = f
	}
	return out, nil
}

func printRuleSet(w io.Writer, rs *classify.RuleSet) error {
	t := rs.Thresholds()
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "version\t%s\n", rs.Version())
	fmt.Fprintf(tw, "rules\t%d\n", rs.RuleCount())
	fmt.Fprintf(tw, "thresholds\tcritical>=%d high>=%d medium>=%d ignore<%d\n", t.Critical, t.High, t.Medium, t.IgnoreBelow)
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "CATEGORY\tPLAYBOOK STEPS\tSIGNALS")
	for _, c := range incident.Categories {
		names := ""
		for i, s := range rs.Signals(c) {
			if i > 0 {
				names += ","
			}
			names += s.Name
		}
		if names == "" {
			names = "-"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\n", c, len(rs.Playbook(c)), names)
	}
	return tw.Flush()
}
