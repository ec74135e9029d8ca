package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newRulesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "Print the active rule table and file deny-list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := cmd.OutOrStdout()

			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSEVERITY\tKIND\tPATTERN\tDESCRIPTION")
			for _, r := range a.rules.Rules() {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%q\t%s\n", r.ID, r.Severity, r.Pattern.Kind(), r.Pattern.String(), r.Description)
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			fmt.Fprintln(w, "\nDeny-listed files:")
			for _, name := range a.rules.DenyList() {
				fmt.Fprintf(w, "  %s\n", name)
			}
			return nil
		},
	}
}
