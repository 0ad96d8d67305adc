package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fabriziosalmi/caddy-appsec/ruleengine"
)

func newValidateCommand(opts *options) *cobra.Command {
	var (
		regoFiles   []string
		ipBlacklist string
	)

	cmd := &cobra.Command{
		Use:   "validate <rule-file>...",
		Short: "Validate rule files",
		Long: `Validate rule files and optional Rego policies and IP blacklists.

This command checks:
  - JSON and YAML syntax
  - Rule IDs, patterns, targets and modes
  - Rego policy compilation
  - IP blacklist entries`,
		Example: `  # Validate rule files
  wafctl validate rules.json extra.yaml

  # Include a Rego policy and an IP blacklist
  wafctl validate --rego policy.rego --ip-blacklist ips.txt rules.json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := opts.logger(cmd.ErrOrStderr())
			defer logger.Sync() //nolint:errcheck

			rules, err := ruleengine.LoadRules(args...)
			if err != nil {
				return err
			}

			if len(regoFiles) > 0 {
				policies, err := ruleengine.LoadPolicyFiles(regoFiles...)
				if err != nil {
					return err
				}
				if err := ruleengine.NewRegoEngine(logger).SetPolicies(cmd.Context(), policies); err != nil {
					return err
				}
			}

			invalid := 0
			if ipBlacklist != "" {
				if _, invalid, err = ruleengine.LoadIPBlacklist(ipBlacklist); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return json.NewEncoder(out).Encode(map[string]int{
					"rules":             len(rules),
					"policies":          len(regoFiles),
					"invalid_blacklist": invalid,
				})
			}
			fmt.Fprintf(out, "%d rules OK\n", len(rules))
			if len(regoFiles) > 0 {
				fmt.Fprintf(out, "%d policies OK\n", len(regoFiles))
			}
			if invalid > 0 {
				return fmt.Errorf("%d invalid IP blacklist entries in %s", invalid, ipBlacklist)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&regoFiles, "rego", nil, "Rego policy files")
	cmd.Flags().StringVar(&ipBlacklist, "ip-blacklist", "", "IP blacklist file")

	return cmd
}
