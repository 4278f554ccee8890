package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/leakwatch/auditor/internal/ingestion"
)

func newIngestCommand(c *cli) *cobra.Command {
	var (
		format  string
		reaudit bool
	)

	cmd := &cobra.Command{
		Use:   "ingest <dataset> <file>...",
		Short: "Load record files into the store",
		Long: `Ingest parses and validates record files and stores them.

Datasets: contracts, billing, usage, provisioning.
The format is taken from the file extension (.csv, .json, .yaml) unless
--format is given. Files that were ingested before are skipped.`,
		Example: `  auditor ingest contracts testdata/contracts.json
  auditor ingest billing testdata/billing_records.csv --reaudit`,
		GroupID: "core",
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dataset, err := ingestion.ParseDataset(args[0])
			if err != nil {
				return err
			}

			a, err := c.open()
			if err != nil {
				return err
			}
			defer a.Close()

			for i, path := range args[1:] {
				// only the last file triggers the audit
				last := i == len(args)-2
				res, err := ingestFile(cmd.Context(), a.deps.Ingestion, dataset, path, format, reaudit && last)
				if err != nil {
					return err
				}
				printIngest(cmd.OutOrStdout(), path, res)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "", "input format (csv, json, yaml)")
	cmd.Flags().BoolVar(&reaudit, "reaudit", false, "run a full audit after ingesting")
	return cmd
}

func ingestFile(ctx context.Context, svc *ingestion.Service, dataset ingestion.Dataset, path, format string, reaudit bool) (*ingestion.IngestResult, error) {
	var (
		f   ingestion.Format
		err error
	)
	if format != "" {
		f, err = ingestion.ParseFormat(format)
	} else {
		f, err = ingestion.FormatFromName(path)
	}
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	res, err := svc.Ingest(ctx, dataset, f, data, ingestion.Options{Reaudit: reaudit})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return res, nil
}

func printIngest(w io.Writer, path string, res *ingestion.IngestResult) {
	name := filepath.Base(path)
	if res.AlreadyIngested {
		fmt.Fprintf(w, "%s: already ingested, skipped\n", name)
		return
	}
	fmt.Fprintf(w, "%s: %d of %d %s records stored (%d duplicates skipped)\n",
		name, res.RecordsIngested, res.RecordsParsed, res.Dataset, res.DuplicatesSkipped)
	if res.Audit != nil {
		fmt.Fprintf(w, "audit %s: %d findings, net impact %s\n",
			res.Audit.Run.ID, res.Audit.Run.FindingCount, res.Audit.Run.TotalImpact.StringFixed(2))
	}
}
