package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tturner/ucops/internal/manifest"
	"github.com/tturner/ucops/internal/tui"
	"github.com/tturner/ucops/internal/wizard"
)

type wizardFlags struct {
	followFlags
	name string
	save string
}

func newWizardCmd(g *globalFlags) *cobra.Command {
	flags := &wizardFlags{}

	cmd := &cobra.Command{
		Use:   "wizard <capture|collection|job|health>",
		Short: "Set up and run a workflow interactively",
		Long: `Walk through a workflow step by step: pick devices, configure the
operation, enter credentials, review, then launch and follow it.

Steps can be revisited from the review screen. Nothing is started on the
backend until the review is confirmed. With --save the reviewed workflow
is also written as a manifest for 'ucops run'; passwords are not saved.`,
		Example: `  # Capture on CUBE and Expressway devices
  ucops wizard capture

  # Collect CUCM logs and keep the answers for later runs
  ucops wizard collection --save cucm-logs.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flow, err := wizard.ParseFlow(args[0])
			if err != nil {
				return err
			}
			return runWizard(cmd.Context(), g, flags, flow, cmd.OutOrStdout())
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&flags.name, "name", "", "Workflow name (default: generated)")
	cmd.Flags().StringVar(&flags.save, "save", "", "Write the reviewed workflow to this manifest file")

	return cmd
}

func runWizard(ctx context.Context, g *globalFlags, flags *wizardFlags, flow wizard.Flow, out io.Writer) error {
	if !interactive() {
		return fmt.Errorf("the wizard needs a terminal; use 'ucops run <manifest>' instead")
	}

	s, err := openSession(g)
	if err != nil {
		return err
	}
	defer s.Close()

	wf, err := newWorkflow(ctx, s, flow, flags.name, "wizard", !flags.noHistory)
	if err != nil {
		return err
	}
	defer wf.close()

	ui := tui.NewWizardUI(wf.wizard, s.client, out)
	err = wf.execute(ctx, &flags.followFlags, out, func(ctx context.Context) error {
		// The review step submits when the user confirms.
		if err := ui.Run(ctx); err != nil {
			return err
		}
		if flags.save != "" {
			m := manifest.FromState(wf.wizard.State(), flags.name)
			if err := m.SaveYAML(flags.save); err != nil {
				s.logger.Warn("save manifest: %v", err)
			} else {
				fmt.Fprintf(out, "Manifest saved to %s\n", flags.save)
			}
		}
		return nil
	})
	if stderrors.Is(err, tui.ErrAborted) {
		fmt.Fprintln(out, "Cancelled.")
		return nil
	}
	return err
}
