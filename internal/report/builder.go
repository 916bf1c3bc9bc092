package report

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"attendscan/internal/model"
)

// ErrUnknownStudent means a record refers to a student that is not in the class.
var ErrUnknownStudent = errors.New("report: record for unknown student")

// Builder turns finalized session state into an AttendanceReport.
type Builder struct {
	Now   func() time.Time
	NewID func() string
}

// NewBuilder returns a Builder using wall-clock time and random UUIDs.
func NewBuilder() Builder {
	return Builder{Now: time.Now, NewID: uuid.NewString}
}

// Build creates a report with one record per student in roster order.
func (b Builder) Build(class model.Class, records map[string]model.AttendanceRecord) (model.AttendanceReport, error) {
	now, newID := b.Now, b.NewID
	if now == nil {
		now = time.Now
	}
	if newID == nil {
		newID = uuid.NewString
	}

	for id := range records {
		if _, ok := class.Student(id); !ok {
			return model.AttendanceReport{}, fmt.Errorf("%w: %s", ErrUnknownStudent, id)
		}
	}

	out := make([]model.ReportRecord, 0, len(class.Students))
	for _, st := range class.Students {
		rec, ok := records[st.ID]
		if !ok {
			rec = model.AttendanceRecord{StudentID: st.ID, Status: model.StatusAbsent}
		}
		out = append(out, model.ReportRecord{
			Student:   st,
			Status:    rec.Status,
			Timestamp: copyTime(rec.Timestamp),
		})
	}

	return model.AttendanceReport{
		ID:          newID(),
		ClassID:     class.ID,
		ClassName:   class.Name,
		Date:        class.Date,
		Records:     out,
		GeneratedAt: now().UTC(),
	}, nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
