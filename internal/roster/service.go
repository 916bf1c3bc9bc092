package roster

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"attendscan/internal/model"
	"attendscan/internal/store"
	"attendscan/pkg/logger"
)

// Service manages the classes and reports collections. Collections only
// support whole replacement, so every write is a locked read-modify-write.
type Service struct {
	classes *store.Collection[model.Class]
	reports *store.Collection[model.AttendanceReport]
	newID   func() string
	log     *zap.Logger

	mu sync.Mutex
}

// NewService binds the service to a storage backend.
func NewService(b store.Backend, log *zap.Logger) *Service {
	return &Service{
		classes: store.NewCollection[model.Class](b, store.ClassesCollection),
		reports: store.NewCollection[model.AttendanceReport](b, store.ReportsCollection),
		newID:   uuid.NewString,
		log:     logger.OrNop(log).With(zap.String(logger.FieldOperation, "roster")),
	}
}

// ListClasses returns every class in insertion order.
func (s *Service) ListClasses(ctx context.Context) ([]model.Class, error) {
	return s.classes.Load(ctx)
}

// GetClass returns one class by id.
func (s *Service) GetClass(ctx context.Context, id string) (model.Class, error) {
	classes, err := s.classes.Load(ctx)
	if err != nil {
		return model.Class{}, err
	}
	for _, c := range classes {
		if c.ID == id {
			return c, nil
		}
	}
	return model.Class{}, fmt.Errorf("class %s: %w", id, ErrNotFound)
}

// SaveClass inserts a new class or replaces the one with the same id.
// Missing class and student ids are generated.
func (s *Service) SaveClass(ctx context.Context, class model.Class) (model.Class, error) {
	class = s.normalize(class)
	if err := validateClass(class); err != nil {
		return model.Class{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	classes, err := s.classes.Load(ctx)
	if err != nil {
		return model.Class{}, err
	}
	replaced := false
	for i := range classes {
		if classes[i].ID == class.ID {
			classes[i] = class
			replaced = true
			break
		}
	}
	if !replaced {
		classes = append(classes, class)
	}
	if err := s.classes.Replace(ctx, classes); err != nil {
		return model.Class{}, err
	}
	s.log.Info("class saved",
		zap.String(logger.FieldClassID, class.ID),
		zap.Int("students", len(class.Students)),
		zap.Bool("updated", replaced))
	return class, nil
}

// DeleteClass removes a class. Reports that reference it are kept.
func (s *Service) DeleteClass(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	classes, err := s.classes.Load(ctx)
	if err != nil {
		return err
	}
	out := classes[:0]
	for _, c := range classes {
		if c.ID != id {
			out = append(out, c)
		}
	}
	if len(out) == len(classes) {
		return fmt.Errorf("class %s: %w", id, ErrNotFound)
	}
	return s.classes.Replace(ctx, out)
}

// AddStudents appends students to an existing class, generating ids.
func (s *Service) AddStudents(ctx context.Context, classID string, students []model.Student) (model.Class, error) {
	class, err := s.GetClass(ctx, classID)
	if err != nil {
		return model.Class{}, err
	}
	class.Students = append(class.Students, students...)
	return s.SaveClass(ctx, class)
}

// ListReports returns reports newest first.
func (s *Service) ListReports(ctx context.Context) ([]model.AttendanceReport, error) {
	reports, err := s.reports.Load(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(reports, func(i, j int) bool {
		return reports[i].GeneratedAt.After(reports[j].GeneratedAt)
	})
	return reports, nil
}

// GetReport returns one report by id.
func (s *Service) GetReport(ctx context.Context, id string) (model.AttendanceReport, error) {
	reports, err := s.reports.Load(ctx)
	if err != nil {
		return model.AttendanceReport{}, err
	}
	for _, r := range reports {
		if r.ID == id {
			return r, nil
		}
	}
	return model.AttendanceReport{}, fmt.Errorf("report %s: %w", id, ErrNotFound)
}

// AppendReport stores a finished report.
func (s *Service) AppendReport(ctx context.Context, rep model.AttendanceReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	reports, err := s.reports.Load(ctx)
	if err != nil {
		return err
	}
	if err := s.reports.Replace(ctx, append(reports, rep)); err != nil {
		return err
	}
	s.log.Info("report stored",
		zap.String(logger.FieldReportID, rep.ID),
		zap.String(logger.FieldClassID, rep.ClassID),
		zap.Int("present", rep.PresentCount()),
		zap.Int("total", len(rep.Records)))
	return nil
}

// DeleteReport removes a report on explicit user request.
func (s *Service) DeleteReport(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	reports, err := s.reports.Load(ctx)
	if err != nil {
		return err
	}
	out := reports[:0]
	for _, r := range reports {
		if r.ID != id {
			out = append(out, r)
		}
	}
	if len(out) == len(reports) {
		return fmt.Errorf("report %s: %w", id, ErrNotFound)
	}
	return s.reports.Replace(ctx, out)
}

func (s *Service) normalize(c model.Class) model.Class {
	c.ID = strings.TrimSpace(c.ID)
	if c.ID == "" {
		c.ID = s.newID()
	}
	c.Name = strings.TrimSpace(c.Name)
	students := make([]model.Student, len(c.Students))
	for i, st := range c.Students {
		st.ID = strings.TrimSpace(st.ID)
		if st.ID == "" {
			st.ID = s.newID()
		}
		st.Name = strings.TrimSpace(st.Name)
		st.RollNumber = strings.TrimSpace(st.RollNumber)
		students[i] = st
	}
	c.Students = students
	return c
}

func validateClass(c model.Class) error {
	var vErr ValidationError
	if c.Name == "" {
		vErr.add("name", "class name is required")
	}
	seen := make(map[string]bool, len(c.Students))
	for i, st := range c.Students {
		if st.Name == "" {
			vErr.add(fmt.Sprintf("students[%d].name", i), "student name is required")
		}
		if seen[st.ID] {
			vErr.add(fmt.Sprintf("students[%d].id", i), "duplicate student id")
		}
		seen[st.ID] = true
	}
	if vErr.HasErrors() {
		return &vErr
	}
	return nil
}
