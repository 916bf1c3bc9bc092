package attendance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"attendscan/internal/metrics"
	"attendscan/internal/model"
	"attendscan/internal/queue"
	"attendscan/internal/roster"
	"attendscan/internal/session"
	"attendscan/pkg/logger"
)

var (
	// ErrNoActiveSession is returned by session commands when nothing is open.
	ErrNoActiveSession = errors.New("attendance: no active session")
	// ErrEmptyRoster is returned when a session is requested for a class without students.
	ErrEmptyRoster = errors.New("attendance: class has no students")
)

const eventLogSize = 50

// View is what the presentation layer shows for the open session.
type View struct {
	ID       string    `json:"id"`
	OpenedAt time.Time `json:"openedAt"`
	session.Snapshot
	Events []session.Event `json:"events"`
}

type activeSession struct {
	id       string
	openedAt time.Time
	machine  *session.Machine

	mu     sync.Mutex
	events []session.Event

	finishMu  sync.Mutex
	persisted bool
	closeOnce sync.Once
}

func (a *activeSession) record(ev session.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	if len(a.events) > eventLogSize {
		a.events = a.events[len(a.events)-eventLogSize:]
	}
}

func (a *activeSession) view() View {
	a.mu.Lock()
	events := make([]session.Event, len(a.events))
	copy(events, a.events)
	a.mu.Unlock()
	return View{ID: a.id, OpenedAt: a.openedAt, Snapshot: a.machine.Snapshot(), Events: events}
}

// Service owns the single scan session, persists finished reports and
// announces them on the queue.
type Service struct {
	roster  *roster.Service
	queue   queue.Queue
	metrics *metrics.Metrics
	base    session.Config
	log     *zap.Logger
	newID   func() string
	now     func() time.Time

	mu     sync.Mutex
	active *activeSession
}

// NewService creates the orchestrator. q and m may be nil; base is the
// template every new session machine is built from.
func NewService(r *roster.Service, q queue.Queue, m *metrics.Metrics, base session.Config, log *zap.Logger) *Service {
	return &Service{
		roster:  r,
		queue:   q,
		metrics: m,
		base:    base,
		log:     logger.OrNop(log).With(zap.String(logger.FieldOperation, "attendance")),
		newID:   uuid.NewString,
		now:     time.Now,
	}
}

// OpenSession starts a session for classID, tearing down any previous one,
// and begins camera acquisition.
func (s *Service) OpenSession(ctx context.Context, classID string) (View, error) {
	class, err := s.roster.GetClass(ctx, classID)
	if err != nil {
		return View{}, err
	}
	if len(class.Students) == 0 {
		return View{}, fmt.Errorf("class %s: %w", classID, ErrEmptyRoster)
	}

	a := &activeSession{id: s.newID(), openedAt: s.now()}
	cfg := s.base
	cfg.Logger = logger.OrNop(s.base.Logger).With(zap.String(logger.FieldSessionID, a.id))
	if s.metrics != nil && cfg.Observer == nil {
		cfg.Observer = s.metrics
	}
	listener := s.base.Listener
	cfg.Listener = func(ev session.Event) {
		a.record(ev)
		if listener != nil {
			listener(ev)
		}
	}

	m, err := session.New(class, cfg)
	if err != nil {
		var rosterErr *session.InvalidRosterError
		if errors.As(err, &rosterErr) {
			return View{}, fmt.Errorf("class %s: %w", classID, ErrEmptyRoster)
		}
		return View{}, err
	}
	a.machine = m

	s.mu.Lock()
	prev := s.active
	s.active = a
	s.mu.Unlock()

	if prev != nil {
		s.teardown(prev)
	}
	if s.metrics != nil {
		s.metrics.SessionsOpened.Inc()
		s.metrics.ActiveSessions.Inc()
	}
	if err := m.Open(); err != nil {
		return View{}, err
	}
	s.log.Info("session opened",
		zap.String(logger.FieldSessionID, a.id),
		zap.String(logger.FieldClassID, class.ID),
		zap.Int("students", len(class.Students)))
	return a.view(), nil
}

// Current returns the open session.
func (s *Service) Current() (View, error) {
	a, err := s.current()
	if err != nil {
		return View{}, err
	}
	return a.view(), nil
}

// Start begins scanning, or queues the request until the camera is ready.
func (s *Service) Start() (View, error) {
	return s.command(func(m *session.Machine) error { return m.Start() })
}

// Toggle pauses or resumes scanning.
func (s *Service) Toggle() (View, error) {
	return s.command(func(m *session.Machine) error { return m.TogglePause() })
}

// Mark overrides one student's status.
func (s *Service) Mark(studentID string, status model.AttendanceStatus) (View, error) {
	return s.command(func(m *session.Machine) error { return m.MarkManually(studentID, status) })
}

// Finish completes the session, stores the report and publishes it. When
// storing fails the session stays open so the call can be retried.
func (s *Service) Finish(ctx context.Context) (model.AttendanceReport, error) {
	a, err := s.current()
	if err != nil {
		return model.AttendanceReport{}, err
	}
	a.finishMu.Lock()
	defer a.finishMu.Unlock()
	if a.persisted {
		return model.AttendanceReport{}, ErrNoActiveSession
	}

	rep, err := a.machine.Finish()
	if errors.Is(err, session.ErrSessionComplete) {
		if built, ok := a.machine.Report(); ok {
			rep, err = built, nil
		}
	}
	if err != nil {
		return model.AttendanceReport{}, s.translate(err)
	}

	if err := s.roster.AppendReport(ctx, rep); err != nil {
		return model.AttendanceReport{}, fmt.Errorf("store report: %w", err)
	}
	a.persisted = true
	log := s.log.With(zap.String(logger.FieldSessionID, a.id), zap.String(logger.FieldReportID, rep.ID))
	if s.metrics != nil {
		s.metrics.SessionsFinished.Inc()
		s.metrics.ReportsGenerated.Inc()
	}
	if s.queue != nil {
		if err := s.queue.Publish(ctx, queue.Message{Type: queue.TypeReportGenerated, Body: []byte(rep.ID)}); err != nil {
			log.Warn("queue publish failed", zap.Error(err))
		}
	}
	log.Info("session finished",
		zap.Int("present", rep.PresentCount()),
		zap.Int("total", len(rep.Records)))

	s.mu.Lock()
	if s.active == a {
		s.active = nil
	}
	s.mu.Unlock()
	s.teardown(a)
	return rep, nil
}

// Abandon discards the open session without producing a report.
func (s *Service) Abandon() error {
	s.mu.Lock()
	a := s.active
	s.active = nil
	s.mu.Unlock()
	if a == nil {
		return ErrNoActiveSession
	}
	s.teardown(a)
	s.log.Info("session abandoned", zap.String(logger.FieldSessionID, a.id))
	return nil
}

// Close tears down whatever is open. Used on shutdown.
func (s *Service) Close() {
	if err := s.Abandon(); err != nil && !errors.Is(err, ErrNoActiveSession) {
		s.log.Warn("close session", zap.Error(err))
	}
}

func (s *Service) current() (*activeSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil, ErrNoActiveSession
	}
	return s.active, nil
}

func (s *Service) command(fn func(*session.Machine) error) (View, error) {
	a, err := s.current()
	if err != nil {
		return View{}, err
	}
	if err := fn(a.machine); err != nil {
		return View{}, s.translate(err)
	}
	return a.view(), nil
}

// translate maps a machine torn down by a concurrent call onto ErrNoActiveSession.
func (s *Service) translate(err error) error {
	if errors.Is(err, session.ErrSessionClosed) {
		return ErrNoActiveSession
	}
	return err
}

func (s *Service) teardown(a *activeSession) {
	a.closeOnce.Do(func() {
		a.machine.Close()
		if s.metrics != nil {
			s.metrics.ActiveSessions.Dec()
		}
	})
}
