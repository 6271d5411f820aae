// Command clawd is the client for the Clawd control plane: it starts
// provisioning, watches setup progress, and attaches an interactive
// terminal to the provisioned host.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "clawd",
	Short: "Provision and attach to remote agent hosts",
	Long:  "Clawd provisions cloud instances, configures them into agent hosts, and opens live terminals on them.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
