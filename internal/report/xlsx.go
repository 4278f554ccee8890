package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/leakwatch/auditor/internal/currency"
	"github.com/leakwatch/auditor/internal/domain"
)

const (
	sheetSummary  = "Summary"
	sheetFindings = "Findings"
)

// XLSXContentType is the MIME type of WriteXLSX output.
const XLSXContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// WriteXLSX writes a workbook with a Summary sheet (detector outcomes and
// severity counts) and a Findings sheet (one row per finding).
func WriteXLSX(w io.Writer, run *domain.AuditRun, findings []domain.Finding) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetSummary); err != nil {
		return err
	}
	if _, err := f.NewSheet(sheetFindings); err != nil {
		return err
	}

	moneyStyle, err := f.NewStyle(&excelize.Style{NumFmt: 4}) // #,##0.00
	if err != nil {
		return err
	}
	boldStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}

	if err := writeSummarySheet(f, run, findings, moneyStyle, boldStyle); err != nil {
		return fmt.Errorf("summary sheet: %w", err)
	}
	if err := writeFindingsSheet(f, findings, moneyStyle, boldStyle); err != nil {
		return fmt.Errorf("findings sheet: %w", err)
	}

	return f.Write(w)
}

// sheetWriter appends rows to one sheet, remembering the next row number.
type sheetWriter struct {
	f     *excelize.File
	sheet string
	row   int
	err   error
}

func (s *sheetWriter) append(values ...any) {
	if s.err != nil {
		return
	}
	s.row++
	if len(values) == 0 {
		return
	}
	cell, err := excelize.CoordinatesToCellName(1, s.row)
	if err != nil {
		s.err = err
		return
	}
	s.err = s.f.SetSheetRow(s.sheet, cell, &values)
}

func (s *sheetWriter) style(col string, style int) {
	if s.err != nil {
		return
	}
	cell := fmt.Sprintf("%s%d", col, s.row)
	s.err = s.f.SetCellStyle(s.sheet, cell, cell, style)
}

func (s *sheetWriter) styleRow(cols int, style int) {
	if s.err != nil {
		return
	}
	last, err := excelize.CoordinatesToCellName(cols, s.row)
	if err != nil {
		s.err = err
		return
	}
	s.err = s.f.SetCellStyle(s.sheet, fmt.Sprintf("A%d", s.row), last, style)
}

func writeSummarySheet(f *excelize.File, run *domain.AuditRun, findings []domain.Finding, money, bold int) error {
	sum := Summarize(run.ID, findings)
	s := &sheetWriter{f: f, sheet: sheetSummary}

	s.append("Audit run", run.ID)
	s.append("Started", run.StartedAt.Format(time.RFC3339))
	s.append("Finished", run.FinishedAt.Format(time.RFC3339))
	s.append("Customer filter", run.CustomerFilter)
	s.append("Service filter", run.ServiceFilter)
	s.append("Findings", sum.Findings)
	s.append("Net impact", sum.TotalImpact.InexactFloat64())
	s.style("B", money)
	s.append("Undercharged", sum.Undercharged.InexactFloat64())
	s.style("B", money)
	s.append("Overcharged", sum.Overcharged.InexactFloat64())
	s.style("B", money)
	s.append()

	s.append("Detector", "Status", "Findings", "Impact", "Error")
	s.styleRow(5, bold)
	for _, o := range run.Outcomes {
		s.append(currency.Label(string(o.Kind)), string(o.Status), o.Findings, o.Impact.InexactFloat64(), o.Error)
		s.style("D", money)
	}
	s.append()

	s.append("Severity", "Findings")
	s.styleRow(2, bold)
	for _, sc := range sum.BySeverity {
		s.append(string(sc.Severity), sc.Count)
	}

	if len(run.Warnings) > 0 {
		s.append()
		s.append("Warnings")
		s.styleRow(1, bold)
		for _, warn := range run.Warnings {
			s.append(warn)
		}
	}

	if s.err != nil {
		return s.err
	}
	return f.SetColWidth(sheetSummary, "A", "E", 20)
}

func writeFindingsSheet(f *excelize.File, findings []domain.Finding, money, bold int) error {
	s := &sheetWriter{f: f, sheet: sheetFindings}

	s.append("ID", "Kind", "Severity", "Customer", "Service", "Sources", "Impact", "Description")
	s.styleRow(8, bold)
	for _, fd := range findings {
		s.append(
			fd.ID,
			string(fd.Kind),
			string(fd.Severity),
			fd.CustomerID,
			fd.ServiceType,
			strings.Join(fd.SourceIDs, ", "),
			fd.FinancialImpact.InexactFloat64(),
			fd.Description,
		)
		s.style("G", money)
	}

	if s.err != nil {
		return s.err
	}
	if err := f.SetColWidth(sheetFindings, "A", "G", 16); err != nil {
		return err
	}
	return f.SetColWidth(sheetFindings, "H", "H", 80)
}
