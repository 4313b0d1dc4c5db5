package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "hermod",
	Short: "Hermod is an email-anchored authentication broker",
	Long: `An identity broker that proves control of an email address, either by
delegating to the domain's own provider or by running a one-time-code
email loop, and hands the relying application a signed identity token.
Complete documentation is available at https://github.com/jmcleod/hermod`,
	Version: Version,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
