package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tturner/ucops/internal/pcap"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <capture>...",
		Short: "Summarize downloaded packet captures",
		Long: `Summarize pcap or pcapng files saved by a capture workflow: packet and
byte counts, protocol mix, top talkers and SIP message statistics.`,
		Example: `  ucops inspect ~/ucops/<workflow-id>/targets/cube_10.0.0.1_22/capture.pcap`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(args, cmd.OutOrStdout())
		},
	}
}

func runInspect(paths []string, out io.Writer) error {
	for i, path := range paths {
		summary, err := pcap.Summarize(path)
		if err != nil {
			return fmt.Errorf("summarize %s: %w", path, err)
		}
		if i > 0 {
			fmt.Fprintln(out)
		}
		fmt.Fprint(out, pcap.FormatSummary(summary))
	}
	return nil
}
