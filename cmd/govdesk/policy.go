package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skridlevsky/govdesk/internal/cache"
)

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "policy",
		Aliases: []string{"policies"},
		Short:   "Show the selected community's governance policies",
	}

	var refresh bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := newPrinter(cmd)
			client := clientFor(cmd)
			fetch := client.ListPolicies
			if refresh {
				fetch = client.RefreshPolicies
			}
			resp, err := fetch(cmd.Context())
			return render(p, resp, err, func(ps []*cache.Policy) {
				if len(ps) == 0 {
					fmt.Fprintln(p.w, p.styles.Dim.Render("No policies published."))
					return
				}
				for _, pol := range ps {
					fmt.Fprintf(p.w, "%s %s\n", p.styles.Title.Render(pol.Title), p.styles.Dim.Render(pol.Kind))
					if pol.Description != "" {
						fmt.Fprintf(p.w, "  %s\n", pol.Description)
					}
				}
			})
		},
	}
	list.Flags().BoolVar(&refresh, "refresh", false, "reload from the ledger first")
	cmd.AddCommand(list)
	return cmd
}
