package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/qiniu/opsguard/internal/alerting/service/remediation"
	"github.com/qiniu/opsguard/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "opsguard",
		Short:         "Alert lifecycle and safety-gated auto-remediation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "f", "", "path to the JSON config file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the evaluator, escalation, remediation loops and the admin API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				log.Error().Err(err).Msg("failed to load config")
				return err
			}
			setLogLevel(cfg.Logging.Level)
			if err := serve(cmd.Context(), cfg); err != nil {
				log.Error().Err(err).Msg("opsguard exited with error")
				return err
			}
			return nil
		},
	})
	root.AddCommand(newRunbooksCmd(), newCheckCommandCmd())
	return root
}

func newRunbooksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "runbooks",
		Short: "List the built-in runbook catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := remediation.DefaultRegistry()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, rb := range reg.List() {
				fmt.Fprintf(out, "%-26s %-8s cooldown=%-6s %s\n", rb.Name, rb.RiskLevel, rb.Cooldown, rb.Description)
				for _, c := range rb.Commands {
					fmt.Fprintf(out, "    $ %s\n", c)
				}
			}
			return nil
		},
	}
}

func newCheckCommandCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-command <command>",
		Short: "Report whether a shell command passes the remediation command whitelist",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			command := strings.Join(args, " ")
			if err := remediation.CheckCommand(command); err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), "rejected:", err)
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "allowed")
			return nil
		},
	}
}

func setLogLevel(level string) {
	switch strings.ToLower(level) {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
