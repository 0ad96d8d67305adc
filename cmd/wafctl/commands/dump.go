package commands

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/fabriziosalmi/caddy-appsec/ruleengine"
)

func newDumpCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "dump <rule-file>...",
		Short: "Print rules in evaluation order",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := opts.logger(cmd.ErrOrStderr())
			defer logger.Sync() //nolint:errcheck

			rules, err := ruleengine.LoadRules(args...)
			if err != nil {
				return err
			}
			engine := ruleengine.NewEngine(logger)
			if err := engine.SetRules(rules); err != nil {
				return err
			}

			if opts.jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(engine.Rules())
			}
			return engine.DumpRules(cmd.OutOrStdout())
		},
	}
}
