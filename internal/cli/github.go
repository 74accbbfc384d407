package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/imyashkale/sitedeploy/internal/app"
	"github.com/imyashkale/sitedeploy/internal/models"
	"github.com/spf13/cobra"
)

func newGitHubCommand(open Opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "github",
		Short: "Discover deployable repositories on GitHub",
	}
	cmd.AddCommand(newGitHubScanCommand(open))
	return cmd
}

func newGitHubScanCommand(open Opener) *cobra.Command {
	var (
		req    models.ScanGitHubRequest
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List repositories whose package.json depends on next",
		Long: `Scan the repositories of an organization, a user, or the token owner
when neither is given. The token defaults to GITHUB_TOKEN.

Examples:
  sitectl github scan --org acme
  sitectl github scan --user octocat --token ghp_...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, open, func(a *app.App) error {
				repos, err := a.GitHub.ScanNextRepos(cmd.Context(), req)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					return printJSON(out, repos)
				}
				if len(repos) == 0 {
					fmt.Fprintln(out, "No Next.js repositories found")
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "REPOSITORY\tNEXT\tBRANCH\tPRIVATE\tCLONE URL")
				for _, r := range repos {
					fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", r.FullName, r.NextVersion, r.DefaultBranch, r.Private, r.CloneURL)
				}
				if err := w.Flush(); err != nil {
					return err
				}
				fmt.Fprintf(out, "%d repositories\n", len(repos))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.Org, "org", "", "organization to scan")
	cmd.Flags().StringVar(&req.Username, "user", "", "user to scan")
	cmd.Flags().StringVar(&req.Token, "token", "", "GitHub token (default GITHUB_TOKEN)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
