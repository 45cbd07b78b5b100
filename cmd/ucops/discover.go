package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tturner/ucops/internal/target"
	"github.com/tturner/ucops/internal/tui"
)

type discoverFlags struct {
	port        int
	username    string
	passwordEnv string
	output      string
}

func newDiscoverCmd(g *globalFlags) *cobra.Command {
	flags := &discoverFlags{}

	cmd := &cobra.Command{
		Use:   "discover <publisher>",
		Short: "List the nodes of a CUCM cluster",
		Long: `Ask the backend to discover the nodes of a CUCM cluster through its
publisher. The password is read from the environment variable named by
--password-env.

Node names printed here are the names manifests use in 'nodes' and
'node_overrides'.`,
		Example: `  # Discover a cluster
  UCOPS_PASSWORD_CUCM=secret ucops discover cucm-pub.lab --username admin

  # JSON output
  ucops discover 10.0.0.11 --username admin --output json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiscover(cmd.Context(), g, flags, args[0], cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVar(&flags.port, "port", 22, "SSH port of the publisher")
	cmd.Flags().StringVar(&flags.username, "username", "", "Publisher username (required)")
	cmd.Flags().StringVar(&flags.passwordEnv, "password-env", "UCOPS_PASSWORD_CUCM", "Environment variable holding the password")
	cmd.Flags().StringVar(&flags.output, "output", "text", "Output format: text|json")
	_ = cmd.MarkFlagRequired("username")

	return cmd
}

func runDiscover(ctx context.Context, g *globalFlags, flags *discoverFlags, host string, out io.Writer) error {
	if flags.output != "text" && flags.output != "json" {
		return fmt.Errorf("invalid output format '%s'; must be 'text' or 'json'", flags.output)
	}
	password := os.Getenv(flags.passwordEnv)
	if password == "" {
		return fmt.Errorf("environment variable %s is not set", flags.passwordEnv)
	}

	s, err := openSession(g)
	if err != nil {
		return err
	}
	defer s.Close()

	t := target.Target{
		DeviceType:  target.DeviceCUCM,
		Host:        host,
		Port:        flags.port,
		Credentials: target.Credentials{Username: flags.username, Password: password},
	}
	nodes, err := s.client.DiscoverNodes(ctx, t)
	if err != nil {
		return s.backendError(err)
	}

	if flags.output == "json" {
		data, err := json.MarshalIndent(nodes, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal JSON: %w", err)
		}
		fmt.Fprintf(out, "%s\n", data)
		return nil
	}

	if len(nodes) == 0 {
		fmt.Fprintf(out, "No nodes discovered\n")
		return nil
	}
	table := tui.Table{Headers: []string{"NAME", "IP", "ROLE", "PRODUCT"}}
	for _, n := range nodes {
		table.Rows = append(table.Rows, []string{n.Name(), n.IP, n.Role, n.Product})
	}
	fmt.Fprintf(out, "Discovered %d node(s) in %s:\n\n", len(nodes), host)
	fmt.Fprintln(out, table.Render(tui.DefaultStyles))
	return nil
}
