// Package cli implements quotactl, the operator command line for the quota
// engine.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aiox-platform/quotaengine/internal/config"
)

// Loader returns the configuration commands run against.
type Loader func() (*config.Config, error)

type app struct {
	load Loader
	cfg  *config.Config
}

// NewRootCommand builds the quotactl command tree.
func NewRootCommand(load Loader) *cobra.Command {
	a := &app{load: load}

	root := &cobra.Command{
		Use:           "quotactl",
		Short:         "Operate the quota engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			a.cfg = cfg
			return nil
		},
	}

	root.AddCommand(
		a.migrateCmd(),
		a.reapCmd(),
		a.expireCmd(),
		a.grantCmd(),
		a.tokenCmd(),
	)
	return root
}

// Execute runs quotactl with the process arguments.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := NewRootCommand(config.Load).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
