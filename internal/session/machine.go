package session

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"attendscan/internal/camera"
	"attendscan/internal/detection"
	"attendscan/internal/model"
	"attendscan/internal/report"
	"attendscan/pkg/logger"
)

// IntSource picks target indexes; *rand.Rand satisfies it.
type IntSource interface {
	IntN(n int) int
}

// Config wires a Machine to its collaborators. Zero values get production defaults.
type Config struct {
	Detector      detection.Detector
	Camera        camera.Source
	FacingMode    string
	Interval      time.Duration
	CameraTimeout time.Duration // 0 waits for the device indefinitely
	Rand          IntSource
	Now           func() time.Time
	NewTicker     func(time.Duration) Ticker
	Reports       report.Builder
	Listener      func(Event)
	Observer      Observer
	Logger        *zap.Logger
}

// Machine drives one scan session. Commands and ticks are serialized by mu,
// so a manual mark is always visible to the next tick.
type Machine struct {
	cfg    Config
	class  model.Class
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	resolved chan struct{}

	mu          sync.Mutex
	state       State
	message     string
	records     map[string]model.AttendanceRecord
	target      *model.Student
	startQueued bool
	begun       bool
	opened      bool
	closed      bool
	stream      camera.Stream
	report      *model.AttendanceReport

	gen    uint64
	ticker Ticker
	stop   chan struct{}

	pending   []Event
	toRelease camera.Stream
}

// New creates a session for class with every student absent.
func New(class model.Class, cfg Config) (*Machine, error) {
	if len(class.Students) == 0 {
		return nil, &InvalidRosterError{ClassID: class.ID}
	}
	if cfg.Detector == nil {
		cfg.Detector = detection.NewSimulator(detection.DefaultProbability, nil)
	}
	if cfg.Camera == nil {
		cfg.Camera = camera.Unavailable{}
	}
	if cfg.FacingMode == "" {
		cfg.FacingMode = camera.FacingUser
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewTicker == nil {
		cfg.NewTicker = NewTicker
	}
	if cfg.Reports.Now == nil {
		cfg.Reports.Now = cfg.Now
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}

	students := make([]model.Student, len(class.Students))
	copy(students, class.Students)
	class.Students = students

	records := make(map[string]model.AttendanceRecord, len(students))
	for _, st := range students {
		records[st.ID] = model.AttendanceRecord{StudentID: st.ID, Status: model.StatusAbsent}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Machine{
		cfg:      cfg,
		class:    class,
		log:      logger.OrNop(cfg.Logger).With(zap.String(logger.FieldClassID, class.ID)),
		ctx:      ctx,
		cancel:   cancel,
		resolved: make(chan struct{}),
		state:    StateIdle,
		message:  "Camera not started.",
		records:  records,
	}, nil
}

// Open requests the camera once. It returns immediately; Resolved is closed
// when the request settles.
func (m *Machine) Open() error {
	m.mu.Lock()
	defer m.unlock()
	if m.closed {
		return ErrSessionClosed
	}
	if m.state == StateComplete {
		return ErrSessionComplete
	}
	if m.opened {
		return nil
	}
	m.opened = true
	m.state = StateAwaitingCamera
	m.message = "Initializing camera..."

	ctx, cancel := m.ctx, context.CancelFunc(func() {})
	if m.cfg.CameraTimeout > 0 {
		ctx, cancel = context.WithTimeout(m.ctx, m.cfg.CameraTimeout)
	}
	go func() {
		defer cancel()
		stream, err := m.cfg.Camera.AcquireStream(ctx, m.cfg.FacingMode)
		m.cameraSettled(stream, err)
	}()
	return nil
}

// Resolved is closed once camera acquisition has succeeded or failed, or when
// the machine is closed without ever being opened.
func (m *Machine) Resolved() <-chan struct{} {
	return m.resolved
}

func (m *Machine) cameraSettled(stream camera.Stream, err error) {
	m.mu.Lock()
	defer close(m.resolved)
	defer m.unlock()

	if m.closed || m.state == StateComplete {
		m.toRelease = stream
		return
	}
	if err != nil {
		m.log.Warn("camera unavailable", zap.Error(err))
		m.cfg.Observer.CameraUnavailable()
		m.state = StateCameraUnavailable
		m.startQueued = false
		m.emitLocked(EventCameraUnavailable, "Could not access camera. Please check permissions.", "")
		return
	}
	m.stream = stream
	m.state = StateReady
	m.emitLocked(EventCameraReady, "Camera ready. Press Start Scanning.", "")
	if m.startQueued {
		m.startQueued = false
		m.beginScanningLocked()
	}
}

// Start begins polling. While the camera is still pending the intent is queued;
// without a camera it is a no-op.
func (m *Machine) Start() error {
	m.mu.Lock()
	defer m.unlock()
	if err := m.checkMutableLocked(); err != nil {
		return err
	}
	m.startLocked()
	return nil
}

func (m *Machine) startLocked() {
	switch m.state {
	case StateIdle, StateAwaitingCamera:
		m.startQueued = true
	case StateReady, StatePaused:
		m.beginScanningLocked()
	}
}

// TogglePause switches between Scanning and Paused. Pausing drops the current
// target; resuming selects a fresh one.
func (m *Machine) TogglePause() error {
	m.mu.Lock()
	defer m.unlock()
	if err := m.checkMutableLocked(); err != nil {
		return err
	}
	switch m.state {
	case StateScanning:
		m.state = StatePaused
		m.target = nil
		m.disarmLocked()
		m.emitLocked(EventPaused, "Scanning paused. Resume to find a new student.", "")
	default:
		m.startLocked()
	}
	return nil
}

// MarkManually overwrites one student's record. Present stamps the current
// time, absent clears the timestamp.
func (m *Machine) MarkManually(studentID string, status model.AttendanceStatus) error {
	m.mu.Lock()
	defer m.unlock()
	if err := m.checkMutableLocked(); err != nil {
		return err
	}
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if _, ok := m.records[studentID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStudent, studentID)
	}
	m.setLocked(studentID, status, m.cfg.Now())
	m.log.Debug("manual mark",
		zap.String(logger.FieldStudentID, studentID),
		zap.String("status", string(status)))
	return nil
}

// Finish freezes the records, builds the report and completes the session.
// The timer and the camera are released.
func (m *Machine) Finish() (model.AttendanceReport, error) {
	m.mu.Lock()
	defer m.unlock()
	if err := m.checkMutableLocked(); err != nil {
		return model.AttendanceReport{}, err
	}
	rep, err := m.cfg.Reports.Build(m.class, m.copyRecordsLocked())
	if err != nil {
		return model.AttendanceReport{}, err
	}
	m.state = StateComplete
	m.target = nil
	m.startQueued = false
	m.disarmLocked()
	m.cancel()
	m.toRelease, m.stream = m.stream, nil
	m.report = &rep
	m.emitLocked(EventFinished, "Session finished.", "")
	return rep, nil
}

// Close tears the session down on any exit path. It is safe to call more than once.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.unlock()
	if m.closed {
		return
	}
	m.closed = true
	if !m.opened {
		close(m.resolved)
	}
	m.startQueued = false
	m.disarmLocked()
	m.cancel()
	m.toRelease, m.stream = m.stream, nil
}

// Snapshot returns the current state for display.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		ClassID:   m.class.ID,
		ClassName: m.class.Name,
		State:     m.state,
		Message:   m.message,
		Records:   make([]Entry, 0, len(m.class.Students)),
		Total:     len(m.class.Students),
	}
	switch {
	case m.state == StateScanning:
		snap.Phase = PhaseScanning
	case m.begun:
		snap.Phase = PhasePaused
	default:
		snap.Phase = PhaseNotStarted
	}
	if m.target != nil {
		t := *m.target
		snap.Target = &t
	}
	for _, st := range m.class.Students {
		rec := m.records[st.ID]
		if rec.Status == model.StatusPresent {
			snap.PresentCount++
		}
		snap.Records = append(snap.Records, Entry{Student: st, Status: rec.Status, Timestamp: copyTime(rec.Timestamp)})
	}
	return snap
}

// Records returns a copy of the attendance mapping keyed by student id.
func (m *Machine) Records() map[string]model.AttendanceRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.copyRecordsLocked()
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Report returns the report built by Finish, if any.
func (m *Machine) Report() (model.AttendanceReport, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.report == nil {
		return model.AttendanceReport{}, false
	}
	return *m.report, true
}

func (m *Machine) checkMutableLocked() error {
	if m.closed {
		return ErrSessionClosed
	}
	if m.state == StateComplete {
		return ErrSessionComplete
	}
	return nil
}

func (m *Machine) beginScanningLocked() {
	kind, msg := EventStarted, "Scanning started."
	if m.begun {
		kind, msg = EventResumed, "Scanning resumed."
	}
	m.begun = true
	m.state = StateScanning
	m.target = nil
	m.armLocked()
	m.emitLocked(kind, msg, "")
}

// armLocked starts the polling loop. At most one loop is live; ticks carry the
// generation they were armed with and are ignored once it changes.
func (m *Machine) armLocked() {
	if m.stop != nil {
		return
	}
	m.gen++
	gen := m.gen
	t := m.cfg.NewTicker(m.cfg.Interval)
	stop := make(chan struct{})
	m.ticker, m.stop = t, stop
	go m.loop(gen, t, stop)
}

func (m *Machine) disarmLocked() {
	if m.stop == nil {
		return
	}
	close(m.stop)
	m.ticker.Stop()
	m.ticker, m.stop = nil, nil
	m.gen++
}

func (m *Machine) loop(gen uint64, t Ticker, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-t.C():
			m.tick(gen)
		}
	}
}

// tick runs one polling step: finish when nobody is left, otherwise either
// pick a target or make one detection attempt against it.
func (m *Machine) tick(gen uint64) {
	m.mu.Lock()
	if m.closed || m.state != StateScanning || gen != m.gen {
		m.unlock()
		return
	}
	now := m.cfg.Now()
	m.cfg.Observer.Tick()

	unresolved := m.unresolvedLocked()
	if len(unresolved) == 0 {
		m.state = StatePaused
		m.target = nil
		m.disarmLocked()
		m.emitLocked(EventAllAccounted, "All students accounted for.", "")
		m.unlock()
		return
	}

	if m.target == nil {
		pick := unresolved[m.cfg.Rand.IntN(len(unresolved))]
		m.target = &pick
		m.emitLocked(EventSearching, "Searching for student...", "")
		m.unlock()
		return
	}

	target := *m.target
	if m.records[target.ID].Status == model.StatusPresent {
		m.target = nil
		m.emitLocked(EventConfirmed, fmt.Sprintf("%s confirmed. Pausing for next student.", target.Name), target.ID)
		m.unlock()
		return
	}
	m.unlock()

	matched := m.cfg.Detector.Attempt(m.ctx, target)

	m.mu.Lock()
	defer m.unlock()
	if m.closed || m.state != StateScanning || gen != m.gen ||
		m.target == nil || m.target.ID != target.ID ||
		m.records[target.ID].Status == model.StatusPresent {
		return
	}
	m.cfg.Observer.Attempt(matched)
	if matched {
		m.setLocked(target.ID, model.StatusPresent, now)
		m.emitLocked(EventMatch, "Match found: "+target.Name, target.ID)
		return
	}
	m.emitLocked(EventRetry, fmt.Sprintf("Could not confirm identity of %s. Retrying...", target.Name), target.ID)
}

func (m *Machine) unresolvedLocked() []model.Student {
	var out []model.Student
	for _, st := range m.class.Students {
		if m.records[st.ID].Status == model.StatusAbsent {
			out = append(out, st)
		}
	}
	return out
}

func (m *Machine) setLocked(id string, status model.AttendanceStatus, at time.Time) {
	rec := model.AttendanceRecord{StudentID: id, Status: status}
	if status == model.StatusPresent {
		rec.Timestamp = &at
	}
	m.records[id] = rec
}

func (m *Machine) copyRecordsLocked() map[string]model.AttendanceRecord {
	out := make(map[string]model.AttendanceRecord, len(m.records))
	for id, rec := range m.records {
		rec.Timestamp = copyTime(rec.Timestamp)
		out[id] = rec
	}
	return out
}

func (m *Machine) emitLocked(kind EventKind, msg, studentID string) {
	m.message = msg
	m.pending = append(m.pending, Event{Kind: kind, Message: msg, StudentID: studentID, At: m.cfg.Now()})
}

// unlock releases mu, then delivers queued events and releases a dropped
// stream outside the lock.
func (m *Machine) unlock() {
	events, stream := m.pending, m.toRelease
	m.pending, m.toRelease = nil, nil
	state := m.state
	m.mu.Unlock()

	for _, ev := range events {
		m.log.Debug(ev.Message,
			zap.String("kind", string(ev.Kind)),
			zap.String(logger.FieldState, state.String()),
			zap.String(logger.FieldStudentID, ev.StudentID))
		if m.cfg.Listener != nil {
			m.cfg.Listener(ev)
		}
	}
	if stream != nil {
		if err := m.cfg.Camera.Release(stream); err != nil {
			m.log.Warn("release camera stream", zap.Error(err))
		}
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
