package export

import (
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/KevinKickass/OpenSolarCollector/internal/types"
	"github.com/xuri/excelize/v2"
)

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func series() []types.Measurement {
	return []types.Measurement{
		{DeviceID: 2, Timestamp: t0, Power: 1000, Voltage: 230},
		{DeviceID: 2, Timestamp: t0.Add(30 * time.Minute), Power: 2000, Voltage: 231},
		{DeviceID: 2, Timestamp: t0.Add(time.Hour), Power: 1000, Voltage: 229, FaultCode: 4},
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize(series())
	if s.Rows != 3 || s.PeakPower != 2000 || !s.From.Equal(t0) || !s.To.Equal(t0.Add(time.Hour)) {
		t.Fatalf("unexpected summary: %+v", s)
	}
	if math.Abs(s.EnergyWh-1500) > 1e-9 {
		t.Fatalf("EnergyWh = %v, want 1500", s.EnergyWh)
	}
	if math.Abs(s.AvgPower-4000.0/3) > 1e-9 {
		t.Fatalf("AvgPower = %v", s.AvgPower)
	}

	if empty := Summarize(nil); empty.Rows != 0 || empty.EnergyWh != 0 {
		t.Fatalf("unexpected empty summary: %+v", empty)
	}
}

func TestHistoryXLSX(t *testing.T) {
	data, err := HistoryXLSX(2, series())
	if err != nil {
		t.Fatalf("HistoryXLSX: %v", err)
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows("readings")
	if err != nil {
		t.Fatalf("GetRows: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("expected header plus 3 rows, got %d", len(rows))
	}
	if rows[1][0] != "2026-06-01 12:00:00" || rows[2][1] != "2000" || rows[3][5] != "4" {
		t.Fatalf("unexpected readings: %v", rows)
	}

	energy, err := f.GetCellValue("summary", "B9")
	if err != nil || energy != "1500" {
		t.Fatalf("energy cell = %q, %v", energy, err)
	}
}

func TestLatestPDF(t *testing.T) {
	data, err := LatestPDF(series()[:1], t0)
	if err != nil {
		t.Fatalf("LatestPDF: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		t.Fatalf("output is not a PDF")
	}

	empty, err := LatestPDF(nil, t0)
	if err != nil || len(empty) == 0 {
		t.Fatalf("empty report failed: %v", err)
	}
}
