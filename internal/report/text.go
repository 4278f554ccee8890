package report

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/leakwatch/auditor/internal/currency"
	"github.com/leakwatch/auditor/internal/domain"
)

// TextOptions controls WriteText.
type TextOptions struct {
	// MaxFindings caps the findings table; zero means no cap.
	MaxFindings int
	// Currency is the ISO code amounts are rendered in.
	Currency string
}

// WriteText renders a run as a header line followed by outcome, summary and
// findings tables.
func WriteText(w io.Writer, run *domain.AuditRun, findings []domain.Finding, opts TextOptions) error {
	if opts.Currency == "" {
		opts.Currency = "USD"
	}
	sum := Summarize(run.ID, findings)

	scope := "all customers and services"
	if run.CustomerFilter != "" || run.ServiceFilter != "" {
		scope = strings.Trim(run.CustomerFilter+"/"+run.ServiceFilter, "/")
	}
	fmt.Fprintf(w, "Audit %s (%s, %s)\n", run.ID, run.FinishedAt.Format(time.RFC3339), scope)
	fmt.Fprintf(w, "%d findings across %d customers, net impact %s (undercharged %s, overcharged %s)\n\n",
		sum.Findings, sum.Customers,
		currency.Format(sum.TotalImpact, opts.Currency),
		currency.Format(sum.Undercharged, opts.Currency),
		currency.Format(sum.Overcharged, opts.Currency))

	for _, warn := range run.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warn)
	}
	if len(run.Warnings) > 0 {
		fmt.Fprintln(w)
	}

	outcomes := make([][]string, 0, len(run.Outcomes))
	for _, o := range run.Outcomes {
		outcomes = append(outcomes, []string{
			currency.Label(string(o.Kind)),
			string(o.Status),
			strconv.Itoa(o.Findings),
			currency.Format(o.Impact, opts.Currency),
			o.Error,
		})
	}
	if err := renderTable(w, []string{"Detector", "Status", "Findings", "Impact", "Error"},
		outcomes, []tw.Align{tw.AlignLeft, tw.AlignLeft, tw.AlignRight, tw.AlignRight, tw.AlignLeft}); err != nil {
		return err
	}
	fmt.Fprintln(w)

	sevRows := make([][]string, 0, len(sum.BySeverity))
	for _, sc := range sum.BySeverity {
		sevRows = append(sevRows, []string{string(sc.Severity), strconv.Itoa(sc.Count)})
	}
	if err := renderTable(w, []string{"Severity", "Findings"}, sevRows,
		[]tw.Align{tw.AlignLeft, tw.AlignRight}); err != nil {
		return err
	}

	if len(findings) == 0 {
		return nil
	}
	fmt.Fprintln(w)

	shown := findings
	if opts.MaxFindings > 0 && len(shown) > opts.MaxFindings {
		shown = shown[:opts.MaxFindings]
	}
	rows := make([][]string, 0, len(shown))
	for _, f := range shown {
		rows = append(rows, []string{
			f.ID,
			string(f.Severity),
			f.CustomerID,
			f.ServiceType,
			strings.Join(f.SourceIDs, ", "),
			currency.Format(f.FinancialImpact, opts.Currency),
		})
	}
	if err := renderTable(w, []string{"ID", "Severity", "Customer", "Service", "Sources", "Impact"}, rows,
		[]tw.Align{tw.AlignLeft, tw.AlignLeft, tw.AlignLeft, tw.AlignLeft, tw.AlignLeft, tw.AlignRight}); err != nil {
		return err
	}
	if len(shown) < len(findings) {
		fmt.Fprintf(w, "... %d more findings not shown\n", len(findings)-len(shown))
	}
	return nil
}

func renderTable(w io.Writer, headers []string, rows [][]string, align []tw.Align) error {
	config := tablewriter.Config{}
	config.Header.Alignment = tw.CellAlignment{PerColumn: align}
	config.Row.Alignment = tw.CellAlignment{PerColumn: align}

	table := tablewriter.NewTable(w, tablewriter.WithConfig(config))

	hs := make([]any, len(headers))
	for i, h := range headers {
		hs[i] = h
	}
	table.Header(hs...)

	for _, row := range rows {
		cells := make([]any, len(row))
		for i, c := range row {
			cells[i] = c
		}
		if err := table.Append(cells...); err != nil {
			return err
		}
	}
	return table.Render()
}
