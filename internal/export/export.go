package export

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"attendscan/internal/model"
)

// TimestampLayout is the human-readable form used for present timestamps.
const TimestampLayout = "2006-01-02 3:04:05 PM"

const sheetName = "Attendance"

var header = []string{"RollNumber", "Name", "Status", "Timestamp"}

// Formatter renders reports for download.
type Formatter struct {
	Location *time.Location
}

// NewFormatter returns a formatter that localizes timestamps to loc (UTC when nil).
func NewFormatter(loc *time.Location) Formatter {
	if loc == nil {
		loc = time.UTC
	}
	return Formatter{Location: loc}
}

// Filename returns a download name for the report with the given extension.
func Filename(rep model.AttendanceReport, ext string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, rep.ClassName)
	if name == "" {
		name = "report"
	}
	date := rep.Date
	if date == "" {
		date = rep.GeneratedAt.Format("2006-01-02")
	}
	return fmt.Sprintf("attendance_%s_%s.%s", name, date, ext)
}

// WriteCSV writes one header row and one row per record. Names are always
// quoted; missing timestamps are written as N/A.
func (f Formatter) WriteCSV(w io.Writer, rep model.AttendanceReport) error {
	var b strings.Builder
	b.WriteString(strings.Join(header, ","))
	b.WriteByte('\n')
	for _, rec := range rep.Records {
		b.WriteString(rec.Student.RollNumber)
		b.WriteByte(',')
		b.WriteString(`"` + strings.ReplaceAll(rec.Student.Name, `"`, `""`) + `"`)
		b.WriteByte(',')
		b.WriteString(string(rec.Status))
		b.WriteByte(',')
		b.WriteString(f.timestamp(rec.Timestamp))
		b.WriteByte('\n')
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// CSV returns the CSV rendering as bytes.
func (f Formatter) CSV(rep model.AttendanceReport) ([]byte, error) {
	var buf bytes.Buffer
	if err := f.WriteCSV(&buf, rep); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// XLSX renders the report as a workbook with the same columns and a summary row.
func (f Formatter) XLSX(rep model.AttendanceReport) ([]byte, error) {
	wb := excelize.NewFile()
	defer wb.Close()

	if err := wb.SetSheetName(wb.GetSheetName(0), sheetName); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	head := make([]interface{}, len(header))
	for i, h := range header {
		head[i] = h
	}
	if err := wb.SetSheetRow(sheetName, "A1", &head); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	for i, rec := range rep.Records {
		row := []interface{}{rec.Student.RollNumber, rec.Student.Name, string(rec.Status), f.timestamp(rec.Timestamp)}
		if err := wb.SetSheetRow(sheetName, fmt.Sprintf("A%d", i+2), &row); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+2, err)
		}
	}
	summary := []interface{}{"Present", fmt.Sprintf("%d/%d", rep.PresentCount(), len(rep.Records))}
	if err := wb.SetSheetRow(sheetName, fmt.Sprintf("A%d", len(rep.Records)+3), &summary); err != nil {
		return nil, fmt.Errorf("write summary: %w", err)
	}

	buf, err := wb.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("encode workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func (f Formatter) timestamp(t *time.Time) string {
	if t == nil {
		return "N/A"
	}
	loc := f.Location
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(TimestampLayout)
}
