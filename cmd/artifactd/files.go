package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/italolelis/artifactd/internal/integrity"
)

var errChecksumMismatch = errors.New("checksum mismatch")

type checksumOutput struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

func newChecksumCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "checksum <file>",
		Short: "Print the SHA-256 of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sum, err := integrity.NewVerifier().ComputeChecksumWithProgress(cmd.Context(), args[0], progressPrinter(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}

			out := checksumOutput{Path: args[0], SHA256: sum}

			return render(cmd.OutOrStdout(), opts.output, out, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s  %s\n", out.SHA256, out.Path)

				return err
			})
		},
	}
}

type verifyOutput struct {
	Path string `json:"path"`
	integrity.Result
}

func newVerifyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <file> <sha256>",
		Short: "Check a file against an expected SHA-256",
		Long:  "Check a file against an expected SHA-256. Exits non-zero on mismatch. The file is never moved.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := integrity.NewVerifier().VerifyWithProgress(cmd.Context(), args[0], args[1], progressPrinter(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}

			out := verifyOutput{Path: args[0], Result: res}

			err = render(cmd.OutOrStdout(), opts.output, out, func(w io.Writer) error {
				status := "OK"
				if !res.Verified {
					status = "MISMATCH"
				}

				_, err := fmt.Fprintf(w, "%s: %s (%s)\n  expected: %s\n  computed: %s\n",
					out.Path, status, humanize.IBytes(uint64(res.FileSize)), res.ExpectedHash, res.ComputedHash)

				return err
			})
			if err != nil {
				return err
			}

			if !res.Verified {
				return errChecksumMismatch
			}

			return nil
		},
	}
}

// progressPrinter reports large-file hashing progress on w.
func progressPrinter(w io.Writer) integrity.ProgressFunc {
	return func(p integrity.Progress) {
		fmt.Fprintf(w, "hashing: %5.1f%% (%s / %s)\n", p.Percentage,
			humanize.IBytes(uint64(p.BytesProcessed)), humanize.IBytes(uint64(p.TotalBytes)))
	}
}
