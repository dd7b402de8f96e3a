// Command artifactd downloads large model artifacts with resume support,
// verifies them against SHA-256 checksums and quarantines corrupted files.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type rootOptions struct {
	output string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "artifactd",
		Short: "Resumable artifact downloader with checksum verification",
		Long: `artifactd fetches large model artifacts over HTTP, resuming interrupted
transfers from their partial files, verifies them against an expected
SHA-256 and moves corrupted files into quarantine.

Run 'artifactd serve' for the daemon, or use the other subcommands to
inspect files, the quarantine and the download history directly.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return validateOutput(opts.output)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.output, "output", "o", outputText, "output format: text, json or yaml")

	cmd.AddCommand(
		newServeCmd(),
		newChecksumCmd(opts),
		newVerifyCmd(opts),
		newQuarantineCmd(opts),
		newStorageCmd(opts),
		newHistoryCmd(opts),
	)

	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
