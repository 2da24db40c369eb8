package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/skridlevsky/govdesk/internal/cache"
	"github.com/skridlevsky/govdesk/internal/service"
)

func newBallotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "ballot",
		Aliases: []string{"ballots"},
		Short:   "Browse and vote on the selected community's ballots",
	}
	cmd.AddCommand(
		newBallotListCmd(),
		newBallotShowCmd(),
		newBallotScoreCmd("quote", "Price a score change without voting", false),
		newBallotScoreCmd("vote", "Spend credits to change your score on a ballot", true),
		newBallotTallyCmd(),
		newBallotRefreshCmd(),
	)
	return cmd
}

func newBallotListCmd() *cobra.Command {
	var params service.ListParams
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List ballots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			params.Status = cache.BallotStatus(status)
			p := newPrinter(cmd)
			resp, err := clientFor(cmd).ListBallots(cmd.Context(), params)
			return render(p, resp, err, func(bs []*cache.Ballot) { printBallotTable(p, bs) })
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (open, frozen, closed, cancelled)")
	cmd.Flags().StringVar(&params.Label, "label", "", "filter by label (issues, pull-requests, other)")
	cmd.Flags().StringVarP(&params.Search, "search", "s", "", "match title or identifier")
	return cmd
}

func newBallotShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <identifier>",
		Short: "Show one ballot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := newPrinter(cmd)
			resp, err := clientFor(cmd).GetBallot(cmd.Context(), args[0])
			return render(p, resp, err, func(b *cache.Ballot) { printBallot(p, b) })
		},
	}
}

// newBallotScoreCmd builds quote and vote, which share arguments.
// The change is a flag so negative values parse: --change -2.
func newBallotScoreCmd(use, short string, submit bool) *cobra.Command {
	var change string
	cmd := &cobra.Command{
		Use:   use + " <identifier> --change <score>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := newPrinter(cmd)
			delta, err := strconv.ParseFloat(strings.TrimSpace(change), 64)
			if err != nil {
				return p.fail(&cliError{code: exitRefused, msg: fmt.Sprintf("invalid --change %q", change)})
			}

			client := clientFor(cmd)
			if !submit {
				resp, err := client.QuoteVote(cmd.Context(), args[0], delta)
				return render(p, resp, err, func(q *service.QuoteResult) { printQuote(p, q) })
			}

			resp, err := client.Vote(cmd.Context(), args[0], delta)
			return render(p, resp, err, func(b *cache.Ballot) {
				p.success("Vote recorded on %s", b.Identifier)
				printBallot(p, b)
			})
		},
	}
	cmd.Flags().StringVarP(&change, "change", "c", "", "desired change to your score")
	_ = cmd.MarkFlagRequired("change")
	return cmd
}

func newBallotTallyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tally <identifier>",
		Short: "Count pending votes on a ballot (maintainers)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := newPrinter(cmd)
			resp, err := clientFor(cmd).Tally(cmd.Context(), args[0])
			return render(p, resp, err, func(b *cache.Ballot) {
				p.success("Tallied %s", b.Identifier)
				printBallot(p, b)
			})
		},
	}
}

func newBallotRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Reload ballots from the governance ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := newPrinter(cmd)
			resp, err := clientFor(cmd).RefreshBallots(cmd.Context())
			return render(p, resp, err, func(bs []*cache.Ballot) {
				p.success("Refreshed %d ballots", len(bs))
			})
		},
	}
}

func printBallotTable(p *printer, bs []*cache.Ballot) {
	if len(bs) == 0 {
		fmt.Fprintln(p.w, p.styles.Dim.Render("No ballots match."))
		return
	}
	for _, b := range bs {
		fmt.Fprintf(p.w, "%8s  %-10s %s %s\n",
			formatNumber(b.Score), b.Status, p.styles.Title.Render(b.Title), p.styles.Dim.Render(b.Identifier))
	}
}

func printBallot(p *printer, b *cache.Ballot) {
	fmt.Fprintln(p.w, p.styles.Title.Render(b.Title))
	p.field("Identifier", b.Identifier)
	p.field("Status", b.Status)
	p.field("Score", formatNumber(b.Score))
	p.field("Your score", formatNumber(b.TalliedScore))
	p.field("Your credits", formatNumber(b.TalliedCredits))
	if b.PendingScoreDiff != 0 {
		p.field("Pending", fmt.Sprintf("%+g score, %s credits", b.PendingScoreDiff, formatNumber(b.PendingCredits)))
	}
	if b.IssueURL != "" {
		p.field("Issue", b.IssueURL)
	}
}

func printQuote(p *printer, q *service.QuoteResult) {
	fmt.Fprintln(p.w, p.styles.Title.Render(q.Ballot.Title))
	p.field("Change", fmt.Sprintf("%+g", q.Quote.DesiredScoreChange))
	p.field("New score", formatNumber(q.Quote.NewTotalScore))
	p.field("Cost", formatNumber(q.Quote.AdditionalCostInCredits)+" credits")
	p.field("Available", formatNumber(q.AvailableCredits)+" credits")
	p.field("Range", fmt.Sprintf("%s to %s", formatNumber(q.Bounds.MinScore), formatNumber(q.Bounds.MaxScore)))
	if !q.Submittable {
		p.warn("this change would not alter your vote")
	}
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
