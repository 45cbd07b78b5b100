package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tturner/ucops/internal/target"
	"github.com/tturner/ucops/internal/tui"
)

func newProfilesCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "profiles [device-type...]",
		Short: "List the log collection profiles the backend offers",
		Long: `List the log profiles the backend offers per device type. With no
arguments every device type is listed. The command doubles as a quick
check that the backend is reachable and the token is accepted.`,
		Example: `  ucops profiles
  ucops profiles cucm expressway`,
		RunE: func(cmd *cobra.Command, args []string) error {
			types := target.DeviceTypes
			if len(args) > 0 {
				types = nil
				for _, a := range args {
					dt, err := target.ParseDeviceType(a)
					if err != nil {
						return err
					}
					types = append(types, dt)
				}
			}
			return runProfiles(cmd.Context(), g, types, cmd.OutOrStdout())
		},
	}
}

func runProfiles(ctx context.Context, g *globalFlags, types []target.DeviceType, out io.Writer) error {
	s, err := openSession(g)
	if err != nil {
		return err
	}
	defer s.Close()

	table := tui.Table{Headers: []string{"DEVICE", "PROFILE", "LOGS", "DESCRIPTION"}}
	for _, dt := range types {
		profiles, err := s.client.Profiles(ctx, dt)
		if err != nil {
			return s.backendError(err)
		}
		for _, p := range profiles {
			table.Rows = append(table.Rows, []string{dt.Label(), p.Name, strings.Join(p.LogTypes, ","), p.Description})
		}
	}
	if len(table.Rows) == 0 {
		fmt.Fprintln(out, "No profiles available")
		return nil
	}
	fmt.Fprintln(out, table.Render(tui.DefaultStyles))
	return nil
}
