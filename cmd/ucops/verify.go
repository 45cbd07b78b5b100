package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tturner/ucops/internal/orch/bundle"
)

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <bundle-dir>",
		Short: "Check a result bundle against its hash manifest",
		Long: `Check that a result bundle is complete: the workflow summary is present,
every file the summary lists exists and every file matches its recorded
SHA-256 hash.`,
		Example: `  ucops verify ~/ucops/3f2c9a1e-...`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(args[0], cmd.OutOrStdout())
		},
	}
}

func runVerify(path string, out io.Writer) error {
	b, err := bundle.Open(path)
	if err != nil {
		return err
	}
	result, err := b.Verify()
	if err != nil {
		return fmt.Errorf("verify bundle: %w", err)
	}
	fmt.Fprint(out, result.FormatResult())
	if !result.Valid {
		return fmt.Errorf("bundle %s failed verification", path)
	}
	return nil
}
