package main

import (
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mlgridengine/supervisor/internal/supervisor"
)

func newRootCmd() *cobra.Command {
	flags := &cliFlags{}

	cmd := &cobra.Command{
		Use:   "supervisor -- PROGRAM [ARGS...]",
		Short: "Supervise a program's lifecycle, capture its output, and expose it over HTTP",
		Long: `supervisor launches a program behind a pty, captures its merged
stdout/stderr into a bounded ring buffer, and exposes that buffer over
HTTP (long-polling stream, kill endpoint, health check). It can persist
a status file, post lifecycle events to a callback API, watch the work
directory for generated config/result files, and run an after-hook once
the child exits.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSupervisor(cmd, args, flags)
		},
	}

	registerFlags(cmd, flags)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return wrapConfigError(err)
	})
	return cmd
}

func runSupervisor(cmd *cobra.Command, args []string, flags *cliFlags) error {
	logger, err := configureLogger(cmd)
	if err != nil {
		return wrapConfigError(err)
	}

	cfg, err := buildConfig(flags, args, cmd.ArgsLenAtDash())
	if err != nil {
		return wrapConfigError(err)
	}
	if err := cfg.Validate(); err != nil {
		return wrapConfigError(err)
	}

	statusPath := filepath.Join(cfg.WorkDir, "status.json")

	sup := supervisor.New(cfg, statusPath, logger)
	finalStatus, err := sup.Run(cmd.Context())
	if err != nil {
		return err
	}

	color.Cyan("supervisor: %s finished as %s", cfg.Argv[0], finalStatus)
	return nil
}
