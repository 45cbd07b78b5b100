package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tturner/ucops/internal/errors"
	"github.com/tturner/ucops/internal/manifest"
	"github.com/tturner/ucops/internal/tui"
)

type runFlags struct {
	followFlags
	dryRun bool
}

func newRunCmd(g *globalFlags) *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run <manifest>",
		Short: "Run the workflow described by a manifest",
		Long: `Run a capture, log collection, log job or health check described by a
YAML manifest, without prompts.

The manifest is loaded into the same wizard the interactive mode uses, so
every check that guards a wizard step applies. CUCM clusters are discovered
where the flow needs it. Passwords may come from environment variables
through password_env.

Once every operation settles, ready artifacts are downloaded into
$UCOPS_DOWNLOAD_DIR/<workflow-id> together with a workflow summary and a
SHA-256 manifest. Interrupting the run stops every unsettled operation.`,
		Example: `  # Run a capture manifest and follow it on screen
  ucops run capture.yaml

  # Check a manifest without starting anything
  ucops run logs.yaml --dry-run

  # Plain output for CI, archive the results
  ucops run health.yaml --plain --zip health.zip`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runManifest(cmd.Context(), g, flags, args[0], cmd.OutOrStdout())
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "Validate the manifest and print the review without starting anything")

	return cmd
}

func runManifest(ctx context.Context, g *globalFlags, flags *runFlags, path string, out io.Writer) error {
	m, err := manifest.Load(path)
	if err != nil {
		return errors.WrapManifestError(err, path)
	}
	if err := m.Validate(); err != nil {
		return errors.WrapManifestError(err, path)
	}
	flow, err := m.Flow()
	if err != nil {
		return errors.WrapManifestError(err, path)
	}

	s, err := openSession(g)
	if err != nil {
		return err
	}
	defer s.Close()

	wf, err := newWorkflow(ctx, s, flow, m.Name, path, !flags.noHistory && !flags.dryRun)
	if err != nil {
		return err
	}
	defer wf.close()

	if err := m.Apply(ctx, wf.wizard, os.LookupEnv); err != nil {
		if wrapped := wrapRunError(s, err); wrapped != err {
			return wrapped
		}
		return errors.WrapManifestError(err, path)
	}

	if flags.dryRun {
		fmt.Fprintln(out, tui.ReviewText(wf.wizard.State()))
		return nil
	}
	return wf.execute(ctx, &flags.followFlags, out, wf.wizard.Submit)
}
