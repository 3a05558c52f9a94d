package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mlgridengine/supervisor/pkg/config"
)

// cliFlags holds the raw flag values bound by cobra; buildConfig
// resolves them into a config.Config.
type cliFlags struct {
	workDir        string
	env            []string
	serverHost     string
	serverPort     int
	bufferSize     string
	callbackAPI    string
	callbackToken  string
	saveOutput     string
	noExit         bool
	watchGenerated bool
	runAfter       string
}

func registerFlags(cmd *cobra.Command, f *cliFlags) {
	cmd.Flags().StringVar(&f.workDir, "work-dir", ".", "Working directory for the supervised program")
	cmd.Flags().StringArrayVar(&f.env, "env", nil, "Environment variable for the child, NAME=VALUE (repeatable)")
	cmd.Flags().StringVar(&f.serverHost, "server-host", "127.0.0.1", "HTTP server bind host")
	cmd.Flags().IntVar(&f.serverPort, "server-port", 0, "HTTP server bind port (0 = ephemeral)")
	cmd.Flags().StringVar(&f.bufferSize, "buffer-size", "4M", "Output ring buffer size (e.g. 4M, 512K)")
	cmd.Flags().StringVar(&f.callbackAPI, "callback-api", "", "Callback API URL for lifecycle events")
	cmd.Flags().StringVar(&f.callbackToken, "callback-token", "", "Callback API token, sent base64-encoded as \"Authentication: TOKEN <token>\"")
	cmd.Flags().StringVar(&f.saveOutput, "save-output", "", "Path to save the captured output to on exit")
	cmd.Flags().BoolVar(&f.noExit, "no-exit", false, "Keep the server running after the child and after-hook finish")
	cmd.Flags().BoolVar(&f.watchGenerated, "watch-generated", false, "Watch the work directory for generated config/result files")
	cmd.Flags().StringVar(&f.runAfter, "run-after", "", "Shell command to run after the child exits")
	cmd.Flags().String("log-level", "info", "Log level: debug, info, warn, error")
}

// buildConfig resolves flags and the argv following "--" into a
// config.Config. argvAtDash is cmd.ArgsLenAtDash(); args before that
// index are cobra-parsed positional args (unused here), args at and
// after it are the supervised program's own argv.
func buildConfig(f *cliFlags, args []string, argvAtDash int) (*config.Config, error) {
	var argv []string
	if argvAtDash >= 0 {
		argv = args[argvAtDash:]
	}

	env, err := parseEnvPairs(f.env)
	if err != nil {
		return nil, err
	}

	cfg := config.DefaultConfig()
	cfg.Argv = argv
	cfg.WorkDir = f.workDir
	cfg.Env = env
	cfg.ServerHost = f.serverHost
	cfg.ServerPort = f.serverPort
	cfg.BufferSize = f.bufferSize
	cfg.CallbackAPI = f.callbackAPI
	cfg.CallbackToken = f.callbackToken
	cfg.SaveOutput = f.saveOutput
	cfg.NoExit = f.noExit
	cfg.WatchGenerated = f.watchGenerated
	cfg.RunAfter = f.runAfter

	return cfg, nil
}

func parseEnvPairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("--env %q must be in NAME=VALUE form", pair)
		}
		env[name] = value
	}
	return env, nil
}
