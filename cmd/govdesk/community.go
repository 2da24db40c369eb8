package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skridlevsky/govdesk/internal/cache"
)

func newCommunityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "community",
		Aliases: []string{"communities"},
		Short:   "Manage the communities you take part in",
	}
	cmd.AddCommand(
		newCommunityActionCmd("add <project-url>", "Add a community by its project repository",
			func(cmd *cobra.Command, url string) error {
				p := newPrinter(cmd)
				resp, err := clientFor(cmd).AddCommunity(cmd.Context(), url)
				return render(p, resp, err, func(c *cache.Community) { printCommunity(p, c) })
			}),
		newCommunityListCmd(),
		newCommunityActionCmd("select <url>", "Make a community the active one",
			func(cmd *cobra.Command, url string) error {
				p := newPrinter(cmd)
				resp, err := clientFor(cmd).SelectCommunity(cmd.Context(), url)
				return render(p, resp, err, func(c *cache.Community) { p.success("Selected %s", c.Name) })
			}),
		newCommunityActionCmd("remove <url>", "Forget a community",
			func(cmd *cobra.Command, url string) error {
				p := newPrinter(cmd)
				resp, err := clientFor(cmd).RemoveCommunity(cmd.Context(), url)
				return render(p, resp, err, func(bool) { p.success("Removed %s", url) })
			}),
		newCommunityActionCmd("join <url>", "Ask the maintainers to admit you",
			func(cmd *cobra.Command, url string) error {
				p := newPrinter(cmd)
				resp, err := clientFor(cmd).JoinCommunity(cmd.Context(), url)
				return render(p, resp, err, func(c *cache.Community) {
					p.success("Join request filed")
					p.field("Issue", c.JoinRequestURL)
				})
			}),
		newCommunityActionCmd("deploy <project-url>", "Create governance for a project you administer",
			func(cmd *cobra.Command, url string) error {
				p := newPrinter(cmd)
				resp, err := clientFor(cmd).DeployCommunity(cmd.Context(), url)
				return render(p, resp, err, func(c *cache.Community) {
					p.success("Deployed governance for %s", c.Name)
					printCommunity(p, c)
				})
			}),
	)
	return cmd
}

func newCommunityActionCmd(use, short string, run func(cmd *cobra.Command, url string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args[0])
		},
	}
}

func newCommunityListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List added communities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := newPrinter(cmd)
			resp, err := clientFor(cmd).ListCommunities(cmd.Context())
			return render(p, resp, err, func(cs []*cache.Community) {
				if len(cs) == 0 {
					fmt.Fprintln(p.w, p.styles.Dim.Render("No communities yet. Add one with `govdesk community add <project-url>`."))
					return
				}
				for _, c := range cs {
					marker := " "
					if c.Selected {
						marker = p.styles.Success.Render("*")
					}
					fmt.Fprintf(p.w, "%s %s %s\n", marker, p.styles.Title.Render(c.Name), p.styles.Dim.Render(c.URL))
				}
			})
		},
	}
}

func printCommunity(p *printer, c *cache.Community) {
	fmt.Fprintln(p.w, p.styles.Title.Render(c.Name))
	p.field("Project", c.ProjectURL)
	p.field("Ledger", c.GovPublicURL)
	p.field("Member", yesNo(c.IsMember))
	p.field("Maintainer", yesNo(c.IsMaintainer))
	if c.JoinRequestURL != "" && !c.IsMember {
		p.field("Join request", c.JoinRequestURL)
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
