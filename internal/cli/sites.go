package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/imyashkale/sitedeploy/internal/app"
	"github.com/imyashkale/sitedeploy/internal/models"
	"github.com/imyashkale/sitedeploy/internal/services"
	"github.com/spf13/cobra"
)

func newSitesCommand(open Opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sites",
		Short: "Manage sites in the registry",
	}
	cmd.AddCommand(newSitesListCommand(open), newSitesCreateCommand(open), newSitesDeleteCommand(open))
	return cmd
}

func newSitesListCommand(open Opener) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered sites",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, open, func(a *app.App) error {
				sites, err := a.Registry.List(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					for _, s := range sites {
						s.Logs = nil
					}
					return printJSON(out, models.SiteListResponse{Sites: sites, Total: len(sites)})
				}
				if len(sites) == 0 {
					fmt.Fprintln(out, "No sites registered")
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tDOMAIN\tSTATUS\tPORT\tPROVIDER\tDNS\tUPDATED")
				for _, s := range sites {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%t\t%s\n",
						s.ID, s.DomainName, s.Status, s.Port, s.DomainProvider, s.DomainStatus, s.UpdatedAt.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newSitesCreateCommand(open Opener) *cobra.Command {
	var req models.CreateSiteRequest
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a new site",
		Long: `Register a new site in pending state.

Examples:
  sitectl sites create --name "Acme" --repo https://github.com/acme/site --domain acme.com`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			draft := req.ToDomain()
			if err := services.ValidateSite(draft); err != nil {
				return err
			}
			return withApp(cmd, open, func(a *app.App) error {
				site, err := a.Registry.Create(cmd.Context(), draft)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created site %s for %s\n", site.ID, site.DomainName)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.Name, "name", "", "display name")
	cmd.Flags().StringVar(&req.Repo, "repo", "", "git repository URL")
	cmd.Flags().StringVar(&req.Domain, "domain", "", "domain name")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("repo")
	_ = cmd.MarkFlagRequired("domain")
	return cmd
}

func newSitesDeleteCommand(open Opener) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete <site-id>",
		Short: "Stop a site's process and remove it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			if !yes {
				return fmt.Errorf("refusing to delete %s without --yes", id)
			}
			return withApp(cmd, open, func(a *app.App) error {
				if err := a.Pipeline.Remove(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Removed", id)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm removal")
	return cmd
}
