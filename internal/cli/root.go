// Package cli is the fallora command tree.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	logLevel   string
	apiURL     string
}

// Execute runs the command tree against os.Args and returns the exit code.
func Execute(ctx context.Context) int {
	root := NewRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	o := &rootOptions{configPath: os.Getenv("FALLORA_CONFIG")}

	root := &cobra.Command{
		Use:           "fallora",
		Short:         "Generate LoRA images through a fal.ai backed generation API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&o.configPath, "config", "c", o.configPath, "Config file (.yaml, .json or .toml; defaults FALLORA_CONFIG)")
	root.PersistentFlags().StringVar(&o.logLevel, "log-level", "", "Log level: debug|info|warn|error|off (overrides the config file)")
	root.PersistentFlags().StringVar(&o.apiURL, "api-url", "", "Generation API base URL (overrides the config file)")

	root.AddCommand(
		newGenerateCmd(o),
		newHistoryCmd(o),
		newLorasCmd(o),
		newModelsCmd(),
		newServeCmd(o),
	)
	return root
}

// withApp opens the shared collaborators for the duration of fn.
func withApp(o *rootOptions, fn func(*app) error) error {
	a, err := newApp(o)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			a.logger.Warn().Err(cerr).Msg("close failed")
		}
	}()
	return fn(a)
}
