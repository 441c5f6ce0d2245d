package main

import (
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var version = "dev"

// noColor disables ANSI colours in CLI output.
var noColor bool

var rootCmd = &cobra.Command{
	Use:   "tagtime",
	Short: "Stochastic time tracking",
	Long: `tagtime asks what you are doing at pseudo-random times, on average once
per period, and appends the answers to a plain-text ping log. Pings missed
while it was not running are filled in with the cancel tags on start.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if os.Getenv("NO_COLOR") != "" || !isatty.IsTerminal(os.Stderr.Fd()) {
			noColor = true
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable coloured output")

	rootCmd.AddCommand(startCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(nextCmd, prevCmd)
	rootCmd.AddCommand(answerCmd, dismissCmd)
	rootCmd.AddCommand(logCmd, tagsCmd, catchupCmd, checkCmd, editCmd)
	rootCmd.AddCommand(mcpCmd, configCmd)
}
