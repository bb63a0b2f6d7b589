// Command agentd hosts AI coding agents: an HTTP/WebSocket server, a one-shot
// task runner, and helpers for secrets and usage reporting.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"agentd/pkg/config"
	"agentd/pkg/logx"
)

// Version information - set via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Environment variable holding the secrets file password for non-interactive startup.
const envPassword = "AGENTD_PASSWORD"

type globalOptions struct {
	projectDir string
	configPath string
	debug      bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "agentd",
		Short:         "Run and manage AI coding agents",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if opts.debug {
				logx.SetDebug(true)
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.projectDir, "project-dir", ".", "Project directory holding .agentd/")
	flags.StringVar(&opts.configPath, "config", "", "Config file (default <project-dir>/.agentd/config.yaml)")
	flags.BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	root.AddCommand(
		newServeCmd(opts),
		newRunCmd(opts),
		newSecretsCmd(opts),
		newUsageCmd(opts),
	)
	return root
}

// loadConfig resolves the config path against the project directory.
func (o *globalOptions) loadConfig() (*config.Config, error) {
	path := o.configPath
	if path == "" {
		path = config.DefaultPath(o.projectDir)
	}
	return config.Load(path)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}
