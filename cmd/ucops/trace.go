package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tturner/ucops/internal/backend"
	"github.com/tturner/ucops/internal/target"
	"github.com/tturner/ucops/internal/tui"
)

type traceFlags struct {
	port           int
	username       string
	passwordEnv    string
	services       []string
	connectTimeout time.Duration
	output         string
}

func newTraceCmd(g *globalFlags) *cobra.Command {
	flags := &traceFlags{}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Read or change CUCM service trace levels",
		Long: `Read or change the trace level of CUCM services on one or more nodes.
Raise the level before reproducing a problem and collecting logs, then
set it back to basic. The password is read from the environment variable
named by --password-env.`,
		Example: `  UCOPS_PASSWORD_CUCM=secret ucops trace get cucm-pub cucm-sub1 --username admin
  ucops trace set verbose cucm-pub --username admin --service "Cisco CallManager"
  ucops trace set basic cucm-pub cucm-sub1 --username admin`,
		Args: cobra.NoArgs,
	}

	pf := cmd.PersistentFlags()
	pf.IntVar(&flags.port, "port", 22, "SSH port of the nodes")
	pf.StringVar(&flags.username, "username", "", "Node username (required)")
	pf.StringVar(&flags.passwordEnv, "password-env", "UCOPS_PASSWORD_CUCM", "Environment variable holding the password")
	pf.StringSliceVar(&flags.services, "service", nil, "Limit to these services (repeatable)")
	pf.DurationVar(&flags.connectTimeout, "connect-timeout", 0, "SSH connect timeout per node")
	pf.StringVar(&flags.output, "output", "text", "Output format: text|json")
	_ = cmd.MarkPersistentFlagRequired("username")

	cmd.AddCommand(&cobra.Command{
		Use:   "get <node>...",
		Short: "Show the current trace levels",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(cmd.Context(), g, flags, "", args, cmd.OutOrStdout())
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set <" + strings.Join(backend.TraceLevelNames, "|") + "> <node>...",
		Short: "Set the trace level",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			level := strings.ToLower(args[0])
			if !backend.ValidTraceLevel(level) {
				return fmt.Errorf("invalid trace level '%s'; must be one of %s", args[0], strings.Join(backend.TraceLevelNames, ", "))
			}
			return runTrace(cmd.Context(), g, flags, level, args[1:], cmd.OutOrStdout())
		},
	})
	return cmd
}

// runTrace reads the trace levels of hosts, or sets them when level is
// not empty.
func runTrace(ctx context.Context, g *globalFlags, flags *traceFlags, level string, hosts []string, out io.Writer) error {
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

	req := backend.TraceRequest{
		Hosts:          hosts,
		Port:           flags.port,
		Credentials:    target.Credentials{Username: flags.username, Password: password},
		Services:       flags.services,
		ConnectTimeout: flags.connectTimeout,
	}
	var rep *backend.TraceReport
	if level == "" {
		rep, err = s.client.TraceLevels(ctx, req)
	} else {
		rep, err = s.client.SetTraceLevel(ctx, req, level)
	}
	if err != nil {
		return s.backendError(err)
	}

	if flags.output == "json" {
		data, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal JSON: %w", err)
		}
		fmt.Fprintf(out, "%s\n", data)
	} else {
		printTraceReport(out, rep)
	}
	if rep.Failed > 0 {
		return fmt.Errorf("%d of %d node(s) failed", rep.Failed, len(rep.Nodes))
	}
	return nil
}

func printTraceReport(out io.Writer, rep *backend.TraceReport) {
	table := tui.Table{Headers: []string{"NODE", "SERVICE", "LEVEL", "ERROR"}}
	for _, n := range rep.Nodes {
		switch {
		case !n.Success:
			table.Rows = append(table.Rows, []string{n.Host, "", "", n.Error})
		case rep.Level != "" && len(n.Updated) > 0:
			for _, svc := range n.Updated {
				table.Rows = append(table.Rows, []string{n.Host, svc, rep.Level, ""})
			}
		case len(n.Services) > 0:
			for _, svc := range n.Services {
				table.Rows = append(table.Rows, []string{n.Host, svc.Service, svc.Level, ""})
			}
		default:
			table.Rows = append(table.Rows, []string{n.Host, "-", rep.Level, ""})
		}
	}
	if rep.Message != "" {
		fmt.Fprintf(out, "%s\n\n", rep.Message)
	}
	fmt.Fprintln(out, table.Render(tui.DefaultStyles))
}
