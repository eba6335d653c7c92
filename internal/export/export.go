package export

import (
	"bytes"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenSolarCollector/internal/types"
	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"
)

const timeLayout = "2006-01-02 15:04:05"

// Summary aggregates a device series.
type Summary struct {
	Rows      int
	From, To  time.Time
	PeakPower float64
	AvgPower  float64
	// EnergyWh integrates power over time with the trapezoidal rule.
	EnergyWh float64
}

// Summarize computes a Summary over rows ordered oldest first.
func Summarize(rows []types.Measurement) Summary {
	s := Summary{Rows: len(rows)}
	if len(rows) == 0 {
		return s
	}
	s.From = rows[0].Timestamp
	s.To = rows[len(rows)-1].Timestamp

	var total float64
	for i, m := range rows {
		total += m.Power
		if m.Power > s.PeakPower {
			s.PeakPower = m.Power
		}
		if i > 0 {
			dt := m.Timestamp.Sub(rows[i-1].Timestamp).Hours()
			if dt > 0 {
				s.EnergyWh += (m.Power + rows[i-1].Power) / 2 * dt
			}
		}
	}
	s.AvgPower = total / float64(len(rows))
	return s
}

// HistoryXLSX renders one device series as a workbook with a summary and
// a readings sheet.
func HistoryXLSX(deviceID int, rows []types.Measurement) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	summarySheet := "summary"
	readingsSheet := "readings"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(readingsSheet); err != nil {
		return nil, err
	}

	sum := Summarize(rows)
	_ = f.SetCellValue(summarySheet, "A1", fmt.Sprintf("Inverter %d history", deviceID))
	_ = f.SetCellValue(summarySheet, "A3", "Device")
	_ = f.SetCellValue(summarySheet, "B3", deviceID)
	_ = f.SetCellValue(summarySheet, "A4", "Readings")
	_ = f.SetCellValue(summarySheet, "B4", sum.Rows)
	if sum.Rows > 0 {
		_ = f.SetCellValue(summarySheet, "A5", "From (UTC)")
		_ = f.SetCellValue(summarySheet, "B5", sum.From.Format(timeLayout))
		_ = f.SetCellValue(summarySheet, "A6", "To (UTC)")
		_ = f.SetCellValue(summarySheet, "B6", sum.To.Format(timeLayout))
	}
	_ = f.SetCellValue(summarySheet, "A7", "Peak power (W)")
	_ = f.SetCellValue(summarySheet, "B7", sum.PeakPower)
	_ = f.SetCellValue(summarySheet, "A8", "Average power (W)")
	_ = f.SetCellValue(summarySheet, "B8", sum.AvgPower)
	_ = f.SetCellValue(summarySheet, "A9", "Energy (Wh)")
	_ = f.SetCellValue(summarySheet, "B9", sum.EnergyWh)

	headers := []string{"Timestamp (UTC)", "Power (W)", "Voltage (V)", "Current (A)", "Temperature (C)", "Fault code", "Fault code 2"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(readingsSheet, cell, h)
	}
	for i, m := range rows {
		row := i + 2
		_ = f.SetCellValue(readingsSheet, fmt.Sprintf("A%d", row), m.Timestamp.Format(timeLayout))
		_ = f.SetCellValue(readingsSheet, fmt.Sprintf("B%d", row), m.Power)
		_ = f.SetCellValue(readingsSheet, fmt.Sprintf("C%d", row), m.Voltage)
		_ = f.SetCellValue(readingsSheet, fmt.Sprintf("D%d", row), m.Current)
		_ = f.SetCellValue(readingsSheet, fmt.Sprintf("E%d", row), m.Temperature)
		_ = f.SetCellValue(readingsSheet, fmt.Sprintf("F%d", row), m.FaultCode)
		_ = f.SetCellValue(readingsSheet, fmt.Sprintf("G%d", row), m.FaultCode2)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// LatestPDF renders the latest reading of every device as a one page report.
func LatestPDF(rows []types.Measurement, generated time.Time) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Solar Plant Status")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", generated.UTC().Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Inverters reporting: %d", len(rows)))
	pdf.Ln(5)

	var total float64
	for _, m := range rows {
		total += m.Power
	}
	pdf.Cell(0, 6, fmt.Sprintf("Total power (W): %.0f", total))
	pdf.Ln(8)

	// Readings table
	pdf.SetFont("Arial", "B", 9)
	widths := []float64{14, 42, 24, 24, 24, 24, 28}
	headers := []string{"ID", "Last seen (UTC)", "Power W", "Voltage V", "Current A", "Temp C", "Fault"}
	for i, h := range headers {
		pdf.CellFormat(widths[i], 6, h, "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Arial", "", 9)
	for _, m := range rows {
		fault := "-"
		if m.FaultCode != 0 || m.FaultCode2 != 0 {
			fault = fmt.Sprintf("%X/%X", m.FaultCode, m.FaultCode2)
		}
		cells := []string{
			fmt.Sprintf("%d", m.DeviceID),
			m.Timestamp.UTC().Format(timeLayout),
			fmt.Sprintf("%.0f", m.Power),
			fmt.Sprintf("%.1f", m.Voltage),
			fmt.Sprintf("%.2f", m.Current),
			fmt.Sprintf("%.1f", m.Temperature),
			fault,
		}
		for i, c := range cells {
			align := "R"
			if i < 2 || i == len(cells)-1 {
				align = "C"
			}
			pdf.CellFormat(widths[i], 6, c, "1", 0, align, false, 0, "")
		}
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	err := pdf.Output(&buf)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
