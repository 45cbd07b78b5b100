package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	globals := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "ucops",
		Short: "Operations client for Cisco collaboration devices",
		Long: `ucops drives packet captures, log collections, scheduled log jobs and
health checks on CUCM, CUBE, CSR1000v and Expressway devices through the
collection backend, follows them until they settle and saves the results
into a verifiable bundle.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringSliceVar(&globals.envFiles, "env-file", nil, "Read settings from these .env files (default: ./.env)")
	pf.StringVar(&globals.apiURL, "api", "", "Backend API URL (overrides UCOPS_API_URL)")
	pf.StringVar(&globals.logLevel, "log-level", "", "Log level: silent|error|info|verbose|debug (overrides UCOPS_LOG_LEVEL)")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newRunCmd(globals))
	rootCmd.AddCommand(newWizardCmd(globals))
	rootCmd.AddCommand(newDiscoverCmd(globals))
	rootCmd.AddCommand(newProfilesCmd(globals))
	rootCmd.AddCommand(newTraceCmd(globals))
	rootCmd.AddCommand(newJobsCmd(globals))
	rootCmd.AddCommand(newHistoryCmd(globals))
	rootCmd.AddCommand(newInspectCmd())
	rootCmd.AddCommand(newVerifyCmd())

	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		if cmd != rootCmd {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n\n%s", cmd.Long, cmd.UsageString())
			return
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Usage:\n  %s <command> [arguments] [options]\n\n", cmd.Name())
		fmt.Fprintf(out, "Available Commands:\n")
		for _, subCmd := range cmd.Commands() {
			if !subCmd.Hidden {
				fmt.Fprintf(out, "  %-15s %s\n", subCmd.Name(), subCmd.Short)
			}
		}
		fmt.Fprintf(out, "\nUse \"%s help <command>\" for more information about a command.\n", cmd.Name())
	})

	return rootCmd
}
