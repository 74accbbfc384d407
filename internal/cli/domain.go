package cli

import (
	"fmt"
	"strings"

	"github.com/imyashkale/sitedeploy/internal/app"
	"github.com/imyashkale/sitedeploy/internal/provider"
	"github.com/spf13/cobra"
)

func newDomainCommand(open Opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "domain",
		Short: "Inspect and manage domain DNS",
	}
	cmd.AddCommand(newDomainDetectCommand(open), newDomainTxtCommand(open), newDomainReconcileCommand(open))
	return cmd
}

func newDomainDetectCommand(open Opener) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "detect <domain>",
		Short: "Report which provider serves a domain's DNS",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, open, func(a *app.App) error {
				det := a.Domains.Detect(cmd.Context(), args[0])
				if asJSON {
					return printJSON(cmd.OutOrStdout(), det)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "provider: %s\n", det.Provider)
				if len(det.Nameservers) > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "nameservers: %s\n", strings.Join(det.Nameservers, ", "))
				}
				if det.Error != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "lookup error: %s\n", det.Error)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newDomainTxtCommand(open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "txt <domain> <name> <value>",
		Short: "Add or update a TXT record (ACME DNS-01 challenges)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, open, func(a *app.App) error {
				res, err := a.Domains.AddTxtRecord(cmd.Context(), args[0], args[1], args[2])
				printResultLog(cmd, res)
				return err
			})
		},
	}
}

func newDomainReconcileCommand(open Opener) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Promote pending domains whose nameservers now point at Cloudflare",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, open, func(a *app.App) error {
				report, err := a.Domains.ReconcilePending(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), report)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "checked %d, migrated %d, still pending %d, failed %d\n",
					report.Checked, len(report.Migrated), len(report.Pending), len(report.Failed))
				for _, d := range report.Migrated {
					fmt.Fprintf(out, "  migrated %s\n", d)
				}
				for d, msg := range report.Failed {
					fmt.Fprintf(out, "  failed   %s: %s\n", d, msg)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printResultLog(cmd *cobra.Command, res *provider.Result) {
	if res == nil {
		return
	}
	for _, line := range res.Log {
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
}
