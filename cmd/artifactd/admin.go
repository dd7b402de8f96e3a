package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/italolelis/artifactd/internal/config"
	"github.com/italolelis/artifactd/internal/diskspace"
	"github.com/italolelis/artifactd/internal/quarantine"
	"github.com/italolelis/artifactd/internal/storage"
	"github.com/italolelis/artifactd/internal/storage/sqlite"
)

var errInsufficientSpace = errors.New("insufficient storage space")

func newQuarantineCmd(opts *rootOptions) *cobra.Command {
	var dir string

	store := func() (*quarantine.Store, error) {
		if dir != "" {
			return quarantine.New(dir), nil
		}

		cfg, err := config.LoadConfig()
		if err != nil {
			return nil, err
		}

		return quarantine.New(cfg.QuarantineRoot()), nil
	}

	cmd := &cobra.Command{
		Use:   "quarantine",
		Short: "Inspect and delete quarantined artifacts",
	}

	cmd.PersistentFlags().StringVar(&dir, "dir", "", "quarantine directory (default from QUARANTINE_DIR or DATA_DIR)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List quarantined files, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := store()
			if err != nil {
				return err
			}

			entries, err := s.List(cmd.Context())
			if err != nil {
				return err
			}

			return render(cmd.OutOrStdout(), opts.output, entries, func(w io.Writer) error {
				if len(entries) == 0 {
					_, err := fmt.Fprintln(w, "quarantine is empty")

					return err
				}

				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tARTIFACT\tSIZE\tEXPECTED\tACTUAL")

				for _, e := range entries {
					fmt.Fprintf(tw, "%s\t%s\t%.1f MB\t%s\t%s\n", e.ID, e.ArtifactID, e.FileSizeMB, shortHash(e.ExpectedHash), shortHash(e.ActualHash))
				}

				return tw.Flush()
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a quarantined file and its metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := store()
			if err != nil {
				return err
			}

			if err := s.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}

			_, err = fmt.Fprintf(cmd.ErrOrStderr(), "deleted %s\n", args[0])

			return err
		},
	}

	cmd.AddCommand(list, del)

	return cmd
}

func newStorageCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "storage <required_mb>",
		Short: "Check free space across mounted volumes",
		Long:  "Check free space across mounted volumes. Exits non-zero when the requirement is not met.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			requiredMB, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid required_mb %q: %w", args[0], err)
			}

			res, err := diskspace.Check(requiredMB)
			if err != nil {
				return err
			}

			err = render(cmd.OutOrStdout(), opts.output, res, func(w io.Writer) error {
				_, err := fmt.Fprintln(w, res.String())

				return err
			})
			if err != nil {
				return err
			}

			if !res.HasSpace {
				return errInsufficientSpace
			}

			return nil
		},
	}
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		limit      int
		artifactID string
		dbPath     string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show finished downloads, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dbPath == "" {
				cfg, err := config.LoadConfig()
				if err != nil {
					return err
				}

				dbPath = cfg.DBPath
			}

			db, err := sqlite.InitDB(dbPath)
			if err != nil {
				return err
			}
			defer db.Close()

			repo := sqlite.NewHistoryRepository(db)

			var records []storage.HistoryRecord

			if artifactID != "" {
				records, err = repo.GetArtifactHistory(cmd.Context(), artifactID, limit)
			} else {
				records, err = repo.GetHistory(cmd.Context(), limit)
			}

			if err != nil {
				return err
			}

			return render(cmd.OutOrStdout(), opts.output, records, func(w io.Writer) error {
				return writeHistoryTable(w, records)
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum records to show")
	cmd.Flags().StringVar(&artifactID, "artifact", "", "only show this artifact")
	cmd.Flags().StringVar(&dbPath, "db", "", "history database (default from DB_PATH)")

	return cmd
}

func writeHistoryTable(w io.Writer, records []storage.HistoryRecord) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "no downloads recorded")

		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FINISHED\tDOWNLOAD\tARTIFACT\tSTATUS\tSIZE\tERROR")

	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.FinishedAt.Local().Format(time.DateTime),
			r.DownloadID,
			r.ArtifactID,
			r.Status,
			humanize.IBytes(uint64(max(r.BytesDownloaded, 0)))+" / "+humanize.IBytes(uint64(max(r.TotalBytes, 0))),
			r.Error,
		)
	}

	return tw.Flush()
}

func shortHash(h string) string {
	if len(h) <= 12 {
		return h
	}

	return h[:12]
}
