package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev" // Will be set during build

var rootCmd = &cobra.Command{
	Use:   "hookdeploy",
	Short: "Deploy on GitHub push",
	Long: `hookdeploy receives GitHub push webhooks and deploys the pushed commit.

Pushes to main or master are fetched and checked out in the matching working
copy under the repos directory, then the deploy command runs with the commit
SHA as its last argument. Progress is reported back to GitHub as commit
statuses and, on failure, commit comments.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(signCmd)
	rootCmd.AddCommand(genSecretCmd)
}
