package roster

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"attendscan/internal/model"
	"attendscan/pkg/logger"
)

// ParseStudentSheet reads students from the first sheet of a workbook.
// Row 1 is a header; columns are Roll Number, Name, Branch, Year, Section.
// Rows without a roll number or name are skipped.
func ParseStudentSheet(r io.Reader) ([]model.Student, int, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidWorkbook, err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		return nil, 0, fmt.Errorf("%w: no sheets", ErrInvalidWorkbook)
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: read sheet %s: %v", ErrInvalidWorkbook, sheet, err)
	}

	var students []model.Student
	skipped := 0
	for i, row := range rows {
		if i == 0 {
			continue
		}
		st := model.Student{
			RollNumber: cell(row, 0),
			Name:       cell(row, 1),
			Branch:     cell(row, 2),
			Year:       cell(row, 3),
			Section:    cell(row, 4),
		}
		if st.RollNumber == "" || st.Name == "" {
			skipped++
			continue
		}
		students = append(students, st)
	}
	return students, skipped, nil
}

// ImportStudents appends the students found in a workbook to a class.
func (s *Service) ImportStudents(ctx context.Context, classID string, r io.Reader) (model.Class, int, error) {
	students, skipped, err := ParseStudentSheet(r)
	if err != nil {
		return model.Class{}, 0, err
	}
	class, err := s.AddStudents(ctx, classID, students)
	if err != nil {
		return model.Class{}, 0, err
	}
	s.log.Info("students imported",
		zap.String(logger.FieldClassID, classID),
		zap.Int("imported", len(students)),
		zap.Int("skipped", skipped))
	return class, len(students), nil
}

func cell(row []string, i int) string {
	if i < len(row) {
		return strings.TrimSpace(row[i])
	}
	return ""
}
