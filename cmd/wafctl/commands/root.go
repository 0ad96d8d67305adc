package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// options are shared by every subcommand.
type options struct {
	verbose    bool
	jsonOutput bool
}

// Execute runs the root command.
func Execute(ctx context.Context, version, commit string) error {
	return newRootCommand(version, commit).ExecuteContext(ctx)
}

func newRootCommand(version, commit string) *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "wafctl",
		Short: "Inspect and exercise appsec rule sets offline",
		Long: `wafctl loads the rule files used by the appsec Caddy handler and
checks them without a running server.

Subcommands validate rule files, print them in evaluation order and replay a
recorded transaction through a real evaluation context.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newValidateCommand(opts))
	rootCmd.AddCommand(newDumpCommand(opts))
	rootCmd.AddCommand(newEvalCommand(opts))

	return rootCmd
}

// logger writes to the command's error stream.
func (o *options) logger(w io.Writer) *zap.Logger {
	level := zapcore.WarnLevel
	if o.verbose {
		level = zapcore.DebugLevel
	}
	encoder := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	return zap.New(zapcore.NewCore(encoder, zapcore.AddSync(w), level))
}
