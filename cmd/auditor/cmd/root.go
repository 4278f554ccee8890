// Package cmd holds the auditor command tree.
package cmd

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/leakwatch/auditor/internal/api"
	"github.com/leakwatch/auditor/internal/config"
	"github.com/leakwatch/auditor/internal/ingestion"
	"github.com/leakwatch/auditor/internal/logging"
	"github.com/leakwatch/auditor/internal/reconciliation"
	"github.com/leakwatch/auditor/internal/repository"
)

// cli is the state shared by every subcommand of one root command.
type cli struct {
	v          *viper.Viper
	configFile string
	cfg        *config.Config
}

// NewRootCommand builds the full command tree. Each call returns an
// independent tree with its own viper instance.
func NewRootCommand(version, commit string) *cobra.Command {
	c := &cli{v: viper.New()}

	root := &cobra.Command{
		Use:   "auditor",
		Short: "Revenue leakage auditor",
		Long: `Auditor loads contracts, billing records, usage logs and provisioning
records, then reconciles them to find rate mismatches, missing charges,
duplicate charges and usage discrepancies.`,
		Version:           fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:      true,
		PersistentPreRunE: c.setup,
	}

	root.AddGroup(
		&cobra.Group{ID: "core", Title: "Core Commands:"},
		&cobra.Group{ID: "server", Title: "Server Commands:"},
	)

	flags := root.PersistentFlags()
	flags.StringVar(&c.configFile, "config", "", "config file (default is ./leakage.yaml)")
	flags.String("db", "", "sqlite database path")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")
	flags.String("log-format", "", "log format (json, console, auto)")

	for key, flag := range map[string]string{
		"db_path":    "db",
		"log_level":  "log-level",
		"log_format": "log-format",
	} {
		if err := c.v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind %s flag: %v", flag, err))
		}
	}

	root.AddCommand(
		newServeCommand(c),
		newIngestCommand(c),
		newAuditCommand(c),
	)
	return root
}

func (c *cli) setup(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(c.v, c.configFile)
	if err != nil {
		return err
	}
	c.cfg = cfg
	logging.Configure(cfg.Logging())

	log := logging.Component("cli")
	if cfg.ConfigFile != "" {
		log.Debug().Str("file", cfg.ConfigFile).Msg("Using config file")
	}
	return nil
}

// app is the wired object graph behind every command.
type app struct {
	db   *sql.DB
	deps api.Deps
}

func (c *cli) open() (*app, error) {
	policy, err := c.cfg.Policy()
	if err != nil {
		return nil, err
	}

	db, err := repository.InitDB(c.cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("init db: %w", err)
	}

	d := api.Deps{
		Contracts:    repository.NewContractRepo(db),
		Billing:      repository.NewBillingRepo(db),
		Usage:        repository.NewUsageRepo(db),
		Provisioning: repository.NewProvisioningRepo(db),
		Runs:         repository.NewAuditRunRepo(db),
		Findings:     repository.NewFindingRepo(db),
	}
	d.Audits = reconciliation.NewService(
		reconciliation.NewEngine(policy),
		d.Contracts, d.Billing, d.Usage, d.Provisioning, d.Runs,
	)
	d.Ingestion = ingestion.NewService(
		d.Contracts, d.Billing, d.Usage, d.Provisioning,
		repository.NewIngestedFileRepo(db), d.Audits,
	)

	return &app{db: db, deps: d}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}
