package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/leakwatch/auditor/internal/api"
	"github.com/leakwatch/auditor/internal/ingestion"
	"github.com/leakwatch/auditor/internal/logging"
	"github.com/leakwatch/auditor/internal/reconciliation"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(c *cli) *cobra.Command {
	var seedDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Serve starts the JSON API on the configured port. With --seed, every
record file in the directory whose name matches a dataset (contracts.json,
billing_records.csv, ...) is ingested before the server starts.`,
		GroupID: "server",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.Component("server")

			a, err := c.open()
			if err != nil {
				return err
			}
			defer a.Close()

			if seedDir != "" {
				if err := seed(cmd.Context(), a, seedDir); err != nil {
					log.Warn().Err(err).Str("dir", seedDir).Msg("Seeding failed")
				}
			}

			srv := &http.Server{
				Addr:              ":" + c.cfg.Port,
				Handler:           api.NewRouter(a.deps),
				ReadHeaderTimeout: 10 * time.Second,
			}

			log.Info().
				Str("addr", "http://localhost:"+c.cfg.Port+"/api/v1").
				Str("db", c.cfg.DBPath).
				Msg("Revenue leakage auditor listening")
			for _, ep := range []string{
				"POST   /api/v1/datasets/{dataset}/ingest",
				"POST   /api/v1/audits",
				"GET    /api/v1/audits",
				"GET    /api/v1/audits/latest",
				"GET    /api/v1/audits/{id}",
				"DELETE /api/v1/audits/{id}",
				"GET    /api/v1/audits/{id}/findings",
				"GET    /api/v1/audits/{id}/report.xlsx",
				"GET    /api/v1/contracts",
				"GET    /api/v1/billing",
				"GET    /api/v1/usage",
				"GET    /api/v1/provisioning",
				"GET    /api/v1/dashboard",
			} {
				log.Debug().Msg(ep)
			}

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-cmd.Context().Done():
			}

			log.Info().Msg("Shutting down")
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(ctx)
		},
	}

	cmd.Flags().StringVar(&seedDir, "seed", "", "ingest record files from this directory before serving")
	return cmd
}

// seed ingests the record files in dir in ingestion.Datasets order, then
// runs one audit if anything new was stored.
func seed(ctx context.Context, a *app, dir string) error {
	log := logging.Component("server")

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	files := map[ingestion.Dataset][]string{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		dataset, err := ingestion.ParseDataset(name)
		if err != nil {
			continue
		}
		files[dataset] = append(files[dataset], filepath.Join(dir, e.Name()))
	}

	stored := 0
	for _, dataset := range ingestion.Datasets {
		for _, path := range files[dataset] {
			res, err := ingestFile(ctx, a.deps.Ingestion, dataset, path, "", false)
			if err != nil {
				return err
			}
			stored += res.RecordsIngested
			log.Info().
				Str("file", path).
				Bool("already_ingested", res.AlreadyIngested).
				Int("records", res.RecordsIngested).
				Msg("Seeded")
		}
	}

	if stored == 0 {
		return nil
	}
	audit, err := a.deps.Audits.RunAudit(ctx, reconciliation.Filter{})
	if err != nil {
		return fmt.Errorf("seed audit: %w", err)
	}
	log.Info().Str("run_id", audit.Run.ID).Int("findings", audit.Run.FindingCount).Msg("Seed audit finished")
	return nil
}
