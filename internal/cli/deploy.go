package cli

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/imyashkale/sitedeploy/internal/app"
	"github.com/imyashkale/sitedeploy/internal/models"
	"github.com/imyashkale/sitedeploy/internal/services"
	"github.com/spf13/cobra"
)

func newDeployCommand(open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "deploy <site-id>",
		Short: "Run the deployment pipeline for a site and wait for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, open, func(a *app.App) error {
				deployErr := a.Pipeline.Deploy(cmd.Context(), args[0])
				return reportSite(cmd, a, args[0], deployErr)
			})
		},
	}
}

func newRebuildCommand(open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild <site-id>",
		Short: "Rebuild a live site and restart its process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, open, func(a *app.App) error {
				rebuildErr := a.Pipeline.Rebuild(cmd.Context(), args[0])
				return reportSite(cmd, a, args[0], rebuildErr)
			})
		},
	}
}

// reportSite prints the site's state after a pipeline run and passes runErr through
func reportSite(cmd *cobra.Command, a *app.App, id string, runErr error) error {
	out := cmd.OutOrStdout()
	site, err := a.Registry.Get(cmd.Context(), id)
	if err != nil {
		if runErr != nil {
			return runErr
		}
		return err
	}
	fmt.Fprintf(out, "%s: %s", site.DomainName, site.Status)
	if site.Port != 0 {
		fmt.Fprintf(out, " (%s)", site.IPURL)
	}
	fmt.Fprintln(out)
	if site.Message != "" {
		fmt.Fprintln(out, site.Message)
	}
	return runErr
}

func newBatchCommand(open Opener) *cobra.Command {
	var (
		concurrency int
		pendingOnly bool
		skipDomain  bool
		domainOnly  bool
		asJSON      bool
	)
	cmd := &cobra.Command{
		Use:   "batch [site-id...]",
		Short: "Deploy many sites with bounded concurrency",
		Long: `Deploy the given sites, or every registered site when none are given.
Interrupting the command stops scheduling new deployments.

Examples:
  sitectl batch --pending --concurrency 5
  sitectl batch --domain-only
  sitectl batch 3f2c... 9a1b...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if concurrency < 0 {
				return fmt.Errorf("--concurrency must not be negative")
			}
			if skipDomain && domainOnly {
				return fmt.Errorf("--skip-domain and --domain-only cannot be combined")
			}
			return withApp(cmd, open, func(a *app.App) error {
				report, err := a.Bulk.DeployBatch(cmd.Context(), args, services.BatchOptions{
					Concurrency: concurrency,
					PendingOnly: pendingOnly,
					Deploy: services.DeployOptions{
						SkipBuild:  domainOnly,
						SkipDomain: skipDomain,
					},
				})
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), report)
				}
				if err := printReport(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				if report.Failed > 0 {
					return fmt.Errorf("%d of %d sites failed", report.Failed, len(report.Results))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&concurrency, "concurrency", "c", 0, "parallel deployments (default BULK_MAX_WORKERS)")
	cmd.Flags().BoolVar(&pendingOnly, "pending", false, "only deploy sites that are not live")
	cmd.Flags().BoolVar(&skipDomain, "skip-domain", false, "build and start sites without touching DNS")
	cmd.Flags().BoolVar(&domainOnly, "domain-only", false, "only refresh DNS records of already deployed sites")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printReport(out io.Writer, report *models.BatchReport) error {
	ids := make([]string, 0, len(report.Results))
	for id := range report.Results {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SITE\tRESULT\tMESSAGE")
	for _, id := range ids {
		r := report.Results[id]
		fmt.Fprintf(w, "%s\t%s\t%s\n", id, r.Status, r.Message)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "Batch %s: %d live, %d failed, %d skipped in %s\n",
		report.ID, report.Succeeded, report.Failed, report.Skipped,
		report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	return nil
}
