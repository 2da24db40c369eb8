// Package main provides the govdesk command-line client. It talks to a
// running govdesk server over the invoke endpoint.
package main

import (
	"context"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/skridlevsky/govdesk/internal/ipc"
)

// Set via ldflags at build time.
var version = "dev"

const defaultServer = "http://127.0.0.1:8080"

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()
	cmd := newRootCmd()
	err := fang.Execute(context.Background(), cmd, fang.WithVersion(version))
	return exitCode(err)
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "govdesk",
		Short: "Vote on gov4git-governed projects from the terminal",
		Long: `govdesk drives a local govdesk server: sign in with GitHub, add the
communities you take part in, and spend voting credits on their ballots.

All commands support --json for structured output.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	server := os.Getenv("GOVDESK_URL")
	if server == "" {
		server = defaultServer
	}
	cmd.PersistentFlags().Bool("json", false, "Output in JSON format")
	cmd.PersistentFlags().String("server", server, "govdesk server URL")

	lipgloss.SetHasDarkBackground(true)

	cmd.AddGroup(&cobra.Group{ID: "account", Title: "Account Commands:"})
	cmd.AddGroup(&cobra.Group{ID: "governance", Title: "Governance Commands:"})

	addGrouped(cmd, "account", newLoginCmd(), newLogoutCmd(), newWhoamiCmd(), newLogsCmd())
	addGrouped(cmd, "governance", newCommunityCmd(), newBallotCmd(), newPolicyCmd())

	return cmd
}

func addGrouped(parent *cobra.Command, groupID string, children ...*cobra.Command) {
	for _, c := range children {
		c.GroupID = groupID
		parent.AddCommand(c)
	}
}

// isJSONMode reads the --json persistent flag from the command hierarchy.
func isJSONMode(cmd *cobra.Command) bool {
	flag := cmd.Flags().Lookup("json")
	if flag == nil {
		flag = cmd.Root().PersistentFlags().Lookup("json")
	}
	return flag != nil && flag.Value.String() == "true"
}

func clientFor(cmd *cobra.Command) *ipc.Client {
	server, _ := cmd.Flags().GetString("server")
	if server == "" {
		server = defaultServer
	}
	return ipc.NewClient(server)
}
