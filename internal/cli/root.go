package cli

import (
	"context"
	"encoding/json"
	"io"

	"github.com/imyashkale/sitedeploy/internal/app"
	"github.com/imyashkale/sitedeploy/internal/config"
	"github.com/imyashkale/sitedeploy/internal/logger"
	"github.com/spf13/cobra"
)

// Opener wires the application for one command invocation
type Opener func(ctx context.Context) (*app.App, error)

// DefaultOpener loads configuration from the environment
func DefaultOpener(ctx context.Context) (*app.App, error) {
	cfg := config.New()
	logger.Init(cfg.LogLevel)
	if err := app.EnsureDeployPath(cfg); err != nil {
		return nil, err
	}
	return app.New(ctx, cfg)
}

// NewRootCommand builds the sitectl command tree
func NewRootCommand(open Opener) *cobra.Command {
	root := &cobra.Command{
		Use:   "sitectl",
		Short: "sitectl - manage and deploy hosted Next.js sites",
		Long: `sitectl operates on the same site registry as the deployment server:
register sites, run deployments and batches, and manage their DNS.`,
	}
	// Silence usage and errors to avoid cluttering output with Cobra defaults
	root.SilenceUsage = true
	root.SilenceErrors = true

	root.AddCommand(
		newSitesCommand(open),
		newDeployCommand(open),
		newRebuildCommand(open),
		newBatchCommand(open),
		newDomainCommand(open),
		newGitHubCommand(open),
		newEventsCommand(open),
	)
	return root
}

// Execute runs sitectl with the environment configuration
func Execute(ctx context.Context) error {
	return NewRootCommand(DefaultOpener).ExecuteContext(ctx)
}

// withApp opens the application, runs fn and closes it
func withApp(cmd *cobra.Command, open Opener, fn func(a *app.App) error) error {
	a, err := open(cmd.Context())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			logger.WithField("error", cerr.Error()).Warn("Failed to close application")
		}
	}()
	return fn(a)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
