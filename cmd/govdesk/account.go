package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/skridlevsky/govdesk/internal/cache"
	"github.com/skridlevsky/govdesk/internal/service"
)

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Sign in with GitHub using a device code",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := newPrinter(cmd)
			client := clientFor(cmd)

			challenge, err := client.StartLogin(cmd.Context())
			if err := render(p, challenge, err, func(c *service.LoginChallenge) {
				fmt.Fprintf(p.w, "Open %s and enter the code %s\n",
					p.styles.Title.Render(c.VerificationURI), p.styles.Title.Render(c.UserCode))
				fmt.Fprintln(p.w, p.styles.Dim.Render("Waiting for authorization..."))
			}); err != nil {
				return err
			}

			user, err := client.FinishLogin(cmd.Context(), challenge.Data.DeviceCode)
			return render(p, user, err, func(u *cache.User) {
				p.success("Signed in as %s", u.Login)
			})
		},
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the signed-in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := newPrinter(cmd)
			resp, err := clientFor(cmd).Logout(cmd.Context())
			return render(p, resp, err, func(bool) {
				p.success("Signed out")
			})
		},
	}
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user and their voting credits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := newPrinter(cmd)
			resp, err := clientFor(cmd).GetUser(cmd.Context())
			return render(p, resp, err, func(u *cache.User) {
				fmt.Fprintln(p.w, p.styles.Title.Render(u.Login))
				if u.Name != "" {
					p.field("Name", u.Name)
				}
				p.field("Voting credits", formatNumber(u.VotingCredits))
				p.field("Identity", u.MemberPublicURL)
			})
		},
	}
}

func newLogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Work with the server's application log",
	}

	var outPath string
	export := &cobra.Command{
		Use:   "export",
		Short: "Download the application log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := newPrinter(cmd)

			var w io.Writer = cmd.OutOrStdout()
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return p.fail(&cliError{code: exitRefused, msg: err.Error()})
				}
				defer f.Close()
				w = f
			}

			n, err := clientFor(cmd).ExportLogs(cmd.Context(), w)
			if err != nil {
				return p.fail(&cliError{code: exitBackend, msg: err.Error()})
			}
			if outPath != "" {
				p.success("Wrote %d bytes to %s", n, outPath)
			}
			return nil
		},
	}
	export.Flags().StringVarP(&outPath, "output", "o", "", "write to file instead of stdout")
	cmd.AddCommand(export)
	return cmd
}
