package export

import (
	"bytes"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"attendscan/internal/model"
)

func sampleReport() model.AttendanceReport {
	ts := time.Date(2026, 3, 2, 14, 5, 9, 0, time.UTC)
	return model.AttendanceReport{
		ID:        "r1",
		ClassName: "Data Structures",
		Date:      "2026-03-02",
		Records: []model.ReportRecord{
			{Student: model.Student{Name: "Alice", RollNumber: "R1"}, Status: model.StatusPresent, Timestamp: &ts},
			{Student: model.Student{Name: `Bob "B", Jr`, RollNumber: "R2"}, Status: model.StatusAbsent},
		},
	}
}

func TestCSV(t *testing.T) {
	got, err := NewFormatter(time.UTC).CSV(sampleReport())
	if err != nil {
		t.Fatalf("CSV: %v", err)
	}
	want := "RollNumber,Name,Status,Timestamp\n" +
		`R1,"Alice",present,2026-03-02 2:05:09 PM` + "\n" +
		`R2,"Bob ""B"", Jr",absent,N/A` + "\n"
	if string(got) != want {
		t.Fatalf("CSV mismatch:\ngot:\n%s\nwant:\n%s", got, want)
	}
}

func TestFilename(t *testing.T) {
	if got := Filename(sampleReport(), "csv"); got != "attendance_Data_Structures_2026-03-02.csv" {
		t.Fatalf("Filename = %q", got)
	}
}

func TestXLSX(t *testing.T) {
	data, err := NewFormatter(nil).XLSX(sampleReport())
	if err != nil {
		t.Fatalf("XLSX: %v", err)
	}
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows("Attendance")
	if err != nil {
		t.Fatalf("GetRows: %v", err)
	}
	if len(rows) < 3 || rows[0][0] != "RollNumber" || rows[1][1] != "Alice" || rows[2][3] != "N/A" {
		t.Fatalf("rows = %v", rows)
	}
	last := rows[len(rows)-1]
	if last[0] != "Present" || last[1] != "1/2" {
		t.Fatalf("summary = %v", last)
	}
}
