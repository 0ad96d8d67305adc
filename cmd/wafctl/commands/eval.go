package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fabriziosalmi/caddy-appsec/appsec"
	"github.com/fabriziosalmi/caddy-appsec/ruleengine"
)

// Fixture is a recorded transaction. Sections are published in the order
// request, user, login, response; absent sections are skipped.
type Fixture struct {
	Request  *appsec.Request    `yaml:"request"`
	User     *appsec.User       `yaml:"user"`
	Login    *appsec.LoginEvent `yaml:"login"`
	Response *appsec.Response   `yaml:"response"`
}

// Report summarizes an evaluated fixture.
type Report struct {
	TransactionID string         `json:"transaction_id"`
	Blocked       bool           `json:"blocked"`
	StatusCode    int            `json:"status_code,omitempty"`
	Events        []appsec.Event `json:"events"`
}

func loadFixture(path string) (*Fixture, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture: %w", err)
	}
	var f Fixture
	if err := yaml.Unmarshal(content, &f); err != nil {
		return nil, fmt.Errorf("failed to parse fixture %s: %w", path, err)
	}
	return &f, nil
}

func newEvalCommand(opts *options) *cobra.Command {
	var (
		ruleFiles     []string
		regoFiles     []string
		ipBlacklist   string
		userBlacklist string
		threshold     int
		timeout       time.Duration
		anonymize     bool
	)

	cmd := &cobra.Command{
		Use:   "eval <fixture.yaml>",
		Short: "Replay a recorded transaction through the rule engines",
		Example: `  wafctl eval --rules rules.json transaction.yaml
  wafctl eval --rules rules.json --rego policy.rego --threshold 10 --json transaction.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := opts.logger(cmd.ErrOrStderr())
			defer logger.Sync() //nolint:errcheck

			fixture, err := loadFixture(args[0])
			if err != nil {
				return err
			}

			rules, err := ruleengine.LoadRules(ruleFiles...)
			if err != nil {
				return err
			}
			engine := ruleengine.NewEngine(logger, ruleengine.WithAnomalyThreshold(threshold))
			if err := engine.SetRules(rules); err != nil {
				return err
			}
			if ipBlacklist != "" {
				trie, _, err := ruleengine.LoadIPBlacklist(ipBlacklist)
				if err != nil {
					return err
				}
				engine.SetIPBlacklist(trie)
			}
			if userBlacklist != "" {
				users, err := ruleengine.LoadUserBlacklist(userBlacklist)
				if err != nil {
					return err
				}
				engine.SetUserBlacklist(users)
			}

			waf := appsec.RuleEngine(engine)
			if len(regoFiles) > 0 {
				policies, err := ruleengine.LoadPolicyFiles(regoFiles...)
				if err != nil {
					return err
				}
				rego := ruleengine.NewRegoEngine(logger)
				if err := rego.SetPolicies(cmd.Context(), policies); err != nil {
					return err
				}
				waf = ruleengine.NewChain(logger, engine, rego)
			}

			cfg := appsec.Config{WAFTimeout: timeout, TrackUserEvents: fixture.Login != nil}
			if anonymize {
				cfg.UserEventsMode = appsec.ModeAnonymization
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			report := evaluate(cmd, waf, cfg, fixture, logger)
			return writeReport(cmd.OutOrStdout(), report, opts.jsonOutput)
		},
	}

	cmd.Flags().StringSliceVar(&ruleFiles, "rules", nil, "rule files")
	cmd.Flags().StringSliceVar(&regoFiles, "rego", nil, "Rego policy files")
	cmd.Flags().StringVar(&ipBlacklist, "ip-blacklist", "", "IP blacklist file")
	cmd.Flags().StringVar(&userBlacklist, "user-blacklist", "", "user blacklist file")
	cmd.Flags().IntVar(&threshold, "threshold", 0, "anomaly score threshold, 0 disables scoring")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Second, "rule engine timeout per run")
	cmd.Flags().BoolVar(&anonymize, "anonymize", false, "anonymize user identifiers of login events")

	return cmd
}

func writeReport(w io.Writer, report Report, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	verdict := "allowed"
	if report.Blocked {
		verdict = fmt.Sprintf("blocked (status %d)", report.StatusCode)
	}
	fmt.Fprintf(w, "transaction %s: %s\n", report.TransactionID, verdict)
	for _, ev := range report.Events {
		fmt.Fprintf(w, "  [%s] %s %s", ev.Severity, ev.RuleID, ev.Message)
		if ev.Address != "" {
			fmt.Fprintf(w, " (%s=%q)", ev.Address, ev.Value)
		}
		fmt.Fprintln(w)
	}
	return nil
}
