package costcalc

import (
	"fmt"
	"os"
	"path/filepath"
)

// Cadence names the report file suffix for one calculation rhythm.
type Cadence string

const (
	CadenceDay   Cadence = "day"
	CadenceMonth Cadence = "month"
	CadenceYear  Cadence = "year"
)

// notRequested is the sentinel printed for fields that were not computed
// on this tick.
const notRequested = "Not req"

const reportHeader = "Period(UTC) | consumption(KWh) | Cost(price/KWh) | error-rate-1(%) | error-rate-2(%) | power-on-count\n"

// ReportWriter appends report rows to the per-device plain-text tables
// ({device}_{day|month|year}.txt). The header is written once, when the
// file is created.
type ReportWriter struct {
	dir string
}

// NewReportWriter creates a writer rooted at dir.
func NewReportWriter(dir string) *ReportWriter {
	return &ReportWriter{dir: dir}
}

// Path returns the report file location for a device and cadence.
func (w *ReportWriter) Path(device string, cadence Cadence) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s_%s.txt", device, cadence))
}

// Append writes one row, creating the file with its header if needed.
func (w *ReportWriter) Append(device string, cadence Cadence, row Row) error {
	path := w.Path(device, cadence)
	info, err := os.Stat(path)
	needHeader := os.IsNotExist(err) || (err == nil && info.Size() == 0)

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open report file: %w", err)
	}
	defer file.Close()

	if needHeader {
		if _, err := file.WriteString(reportHeader); err != nil {
			return fmt.Errorf("failed to write report header: %w", err)
		}
	}
	if _, err := file.WriteString(formatRow(row)); err != nil {
		return fmt.Errorf("failed to write report row: %w", err)
	}
	return nil
}

func formatRow(row Row) string {
	return fmt.Sprintf("%s | %s | %s | %s | %s | %s\n",
		formatPeriod(row),
		formatFloat(row.EnergyKWh, 2),
		formatCost(row),
		formatFloat(row.ErrorRateOne, 1),
		formatClampedFloat(row.ErrorRateTwo, 1),
		formatInt(row.PowerOn),
	)
}

func formatPeriod(row Row) string {
	if row.StartDate == "" || row.EndDate == "" {
		return notRequested
	}
	return row.StartDate + " - " + row.EndDate
}

func formatFloat(v *float64, precision int) string {
	if v == nil {
		return notRequested
	}
	return fmt.Sprintf("%.*f", precision, *v)
}

// formatClampedFloat caps the displayed value at 100. The stored value is
// deliberately unclamped (it goes negative when more samples arrived than
// expected); only the report view is capped.
func formatClampedFloat(v *float64, precision int) string {
	if v == nil {
		return notRequested
	}
	value := *v
	if value > 100.0 {
		value = 100.0
	}
	return fmt.Sprintf("%.*f", precision, value)
}

func formatCost(row Row) string {
	if row.TotalCost == nil || row.CostKWh == nil {
		return notRequested
	}
	return fmt.Sprintf("%.2f (%.3f)", *row.TotalCost, *row.CostKWh)
}

func formatInt(v *int) string {
	if v == nil {
		return notRequested
	}
	return fmt.Sprintf("%d", *v)
}
