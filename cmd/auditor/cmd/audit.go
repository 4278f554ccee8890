package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/leakwatch/auditor/internal/reconciliation"
	"github.com/leakwatch/auditor/internal/report"
)

func newAuditCommand(c *cli) *cobra.Command {
	var (
		filter   reconciliation.Filter
		maxShown int
		xlsxPath string
		code     string
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Run every detector over the stored records",
		Long: `Audit runs the leakage detectors over the stored records, saves the run
and prints a report. Use --customer and --service to narrow the scope.`,
		Example: `  auditor audit
  auditor audit --customer C1001 --xlsx leakage.xlsx`,
		GroupID: "core",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			defer a.Close()

			audit, err := a.deps.Audits.RunAudit(cmd.Context(), filter)
			if err != nil {
				return err
			}

			if err := report.WriteText(cmd.OutOrStdout(), audit.Run, audit.Findings, report.TextOptions{
				MaxFindings: maxShown,
				Currency:    code,
			}); err != nil {
				return err
			}

			if xlsxPath == "" {
				return nil
			}
			f, err := os.Create(xlsxPath)
			if err != nil {
				return err
			}
			if err := report.WriteXLSX(f, audit.Run, audit.Findings); err != nil {
				f.Close()
				return fmt.Errorf("write %s: %w", xlsxPath, err)
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nworkbook written to %s\n", xlsxPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&filter.CustomerID, "customer", "", "only audit this customer")
	cmd.Flags().StringVar(&filter.ServiceType, "service", "", "only audit this service type")
	cmd.Flags().IntVar(&maxShown, "max", 50, "maximum findings to print (0 for all)")
	cmd.Flags().StringVar(&xlsxPath, "xlsx", "", "also write the report as an xlsx workbook")
	cmd.Flags().StringVar(&code, "currency", "USD", "currency code for amounts")
	return cmd
}
