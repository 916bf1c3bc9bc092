package session

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"attendscan/internal/camera"
	"attendscan/internal/detection"
	"attendscan/internal/model"
	"attendscan/internal/report"
)

type fakeStream struct{}

func (fakeStream) ID() string { return "fake" }

type fakeCamera struct {
	err  error
	gate chan struct{}

	mu       sync.Mutex
	acquired int
	released int
}

func (c *fakeCamera) AcquireStream(ctx context.Context, _ string) (camera.Stream, error) {
	if c.gate != nil {
		<-c.gate
	}
	if c.err != nil {
		return nil, c.err
	}
	c.mu.Lock()
	c.acquired++
	c.mu.Unlock()
	return fakeStream{}, nil
}

func (c *fakeCamera) Release(camera.Stream) error {
	c.mu.Lock()
	c.released++
	c.mu.Unlock()
	return nil
}

func (c *fakeCamera) releases() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

type fakeTicker struct {
	ch chan time.Time

	mu      sync.Mutex
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *fakeTicker) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type tickerFactory struct {
	mu      sync.Mutex
	tickers []*fakeTicker
}

func (f *tickerFactory) New(time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTicker{ch: make(chan time.Time)}
	f.tickers = append(f.tickers, t)
	return t
}

func (f *tickerFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tickers)
}

func (f *tickerFactory) last() *fakeTicker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tickers[len(f.tickers)-1]
}

// seqInts returns the queued values in order, each reduced modulo n.
type seqInts struct {
	vals []int
	i    int
}

func (s *seqInts) IntN(n int) int {
	v := 0
	if s.i < len(s.vals) {
		v = s.vals[s.i]
	}
	s.i++
	return v % n
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return Event{}
	}
	return r.events[len(r.events)-1]
}

type harness struct {
	m       *Machine
	cam     *fakeCamera
	tickers *tickerFactory
	clock   *clock
	events  *recorder
}

func roster(names ...string) model.Class {
	c := model.Class{ID: "class-1", Name: "Algorithms", Date: "2026-09-01"}
	for i, n := range names {
		id := string(rune('1' + i))
		c.Students = append(c.Students, model.Student{ID: id, Name: n, RollNumber: "R" + id})
	}
	return c
}

func newHarness(t *testing.T, class model.Class, det detection.Detector, rnd IntSource, cam *fakeCamera) *harness {
	t.Helper()
	if cam == nil {
		cam = &fakeCamera{}
	}
	h := &harness{
		cam:     cam,
		tickers: &tickerFactory{},
		clock:   &clock{now: time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)},
		events:  &recorder{},
	}
	m, err := New(class, Config{
		Detector:  det,
		Camera:    cam,
		Rand:      rnd,
		Now:       h.clock.Now,
		NewTicker: h.tickers.New,
		Reports:   report.Builder{NewID: func() string { return "report-1" }},
		Listener:  h.events.listen,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(m.Close)
	h.m = m
	return h
}

// ready opens the camera and waits for it to settle.
func (h *harness) ready(t *testing.T) {
	t.Helper()
	if err := h.m.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	select {
	case <-h.m.Resolved():
	case <-time.After(2 * time.Second):
		t.Fatal("camera never resolved")
	}
}

// step runs one tick with the current generation, bypassing the timer.
func (h *harness) step() {
	h.m.mu.Lock()
	gen := h.m.gen
	h.m.mu.Unlock()
	h.m.tick(gen)
}

func (h *harness) armed() bool {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	return h.m.stop != nil
}

func keys(recs map[string]model.AttendanceRecord) []string {
	out := make([]string, 0, len(recs))
	for k := range recs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func rosterIDs(c model.Class) []string {
	out := make([]string, 0, len(c.Students))
	for _, s := range c.Students {
		out = append(out, s.ID)
	}
	sort.Strings(out)
	return out
}

func TestNewInitializesEveryStudentAbsent(t *testing.T) {
	for n := 1; n <= 5; n++ {
		names := make([]string, n)
		for i := range names {
			names[i] = "student"
		}
		class := roster(names...)
		h := newHarness(t, class, detection.Always(false), nil, nil)

		recs := h.m.Records()
		if len(recs) != n {
			t.Fatalf("n=%d: records = %d", n, len(recs))
		}
		for id, rec := range recs {
			if rec.Status != model.StatusAbsent || rec.Timestamp != nil {
				t.Fatalf("n=%d: record %s = %+v", n, id, rec)
			}
		}
		if h.m.State() != StateIdle {
			t.Fatalf("state = %v", h.m.State())
		}
	}
}

func TestNewRejectsEmptyRoster(t *testing.T) {
	_, err := New(model.Class{ID: "empty"}, Config{})
	var rosterErr *InvalidRosterError
	if !errors.As(err, &rosterErr) {
		t.Fatalf("expected InvalidRosterError, got %v", err)
	}
	if rosterErr.ClassID != "empty" {
		t.Fatalf("class id = %q", rosterErr.ClassID)
	}
}

func TestMarkManuallyTimestampRule(t *testing.T) {
	class := roster("Alice", "Bob", "Cara")
	h := newHarness(t, class, detection.Always(false), nil, nil)

	for _, st := range class.Students {
		if err := h.m.MarkManually(st.ID, model.StatusPresent); err != nil {
			t.Fatalf("mark present %s: %v", st.ID, err)
		}
		if rec := h.m.Records()[st.ID]; rec.Status != model.StatusPresent || rec.Timestamp == nil {
			t.Fatalf("present record %s = %+v", st.ID, rec)
		}
		if err := h.m.MarkManually(st.ID, model.StatusAbsent); err != nil {
			t.Fatalf("mark absent %s: %v", st.ID, err)
		}
		if rec := h.m.Records()[st.ID]; rec.Status != model.StatusAbsent || rec.Timestamp != nil {
			t.Fatalf("absent record %s = %+v", st.ID, rec)
		}
	}

	if err := h.m.MarkManually("nobody", model.StatusPresent); !errors.Is(err, ErrUnknownStudent) {
		t.Fatalf("expected ErrUnknownStudent, got %v", err)
	}
	if err := h.m.MarkManually("1", model.AttendanceStatus("late")); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
	if !reflect.DeepEqual(keys(h.m.Records()), rosterIDs(class)) {
		t.Fatal("record keys drifted from roster")
	}
}

func TestPresentAfterAbsentGetsNewTimestamp(t *testing.T) {
	h := newHarness(t, roster("Alice"), detection.Always(false), nil, nil)

	_ = h.m.MarkManually("1", model.StatusPresent)
	first := *h.m.Records()["1"].Timestamp
	h.clock.Advance(time.Minute)
	_ = h.m.MarkManually("1", model.StatusAbsent)
	h.clock.Advance(time.Minute)
	_ = h.m.MarkManually("1", model.StatusPresent)
	second := *h.m.Records()["1"].Timestamp

	if !second.After(first) {
		t.Fatalf("timestamp not refreshed: %v then %v", first, second)
	}
}

func TestForcedSuccessReachesAllAccounted(t *testing.T) {
	class := roster("Alice", "Bob", "Cara")
	det := detection.Always(true)
	h := newHarness(t, class, det, &seqInts{}, nil)
	h.ready(t)

	if err := h.m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h.m.State() != StateScanning || !h.armed() {
		t.Fatalf("state = %v armed = %v", h.m.State(), h.armed())
	}

	// The last match is followed straight by all_accounted, not confirmed.
	want := []EventKind{
		EventSearching, EventMatch, EventConfirmed,
		EventSearching, EventMatch, EventConfirmed,
		EventSearching, EventMatch,
	}
	for i, kind := range want {
		h.step()
		if got := h.events.last().Kind; got != kind {
			t.Fatalf("tick %d: event %q, want %q", i+1, got, kind)
		}
	}
	if det.Calls() != 3 {
		t.Fatalf("detection attempts = %d, want 3", det.Calls())
	}
	if !reflect.DeepEqual(keys(h.m.Records()), rosterIDs(class)) {
		t.Fatal("record keys drifted from roster")
	}

	h.step()
	if got := h.events.last(); got.Kind != EventAllAccounted || got.Message != "All students accounted for." {
		t.Fatalf("final event = %+v", got)
	}
	if h.m.State() != StatePaused || h.armed() {
		t.Fatalf("after completion: state = %v armed = %v", h.m.State(), h.armed())
	}
	if !h.tickers.last().isStopped() {
		t.Fatal("ticker not stopped")
	}

	h.step()
	if det.Calls() != 3 {
		t.Fatalf("attempts after completion = %d", det.Calls())
	}
	snap := h.m.Snapshot()
	if snap.PresentCount != 3 || snap.Target != nil || snap.Phase != PhasePaused {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestPauseDiscardsTargetLock(t *testing.T) {
	class := roster("Alice", "Bob")
	det := detection.Always(false)
	h := newHarness(t, class, det, &seqInts{vals: []int{0, 1}}, nil)
	h.ready(t)
	_ = h.m.Start()

	h.step()
	if snap := h.m.Snapshot(); snap.Target == nil || snap.Target.ID != "1" {
		t.Fatalf("expected Alice targeted, got %+v", snap.Target)
	}
	h.step()
	if h.events.last().Kind != EventRetry || det.Calls() != 1 {
		t.Fatalf("expected one failed attempt, event %+v calls %d", h.events.last(), det.Calls())
	}

	if err := h.m.TogglePause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	snap := h.m.Snapshot()
	if snap.State != StatePaused || snap.Target != nil {
		t.Fatalf("paused snapshot = %+v", snap)
	}
	if snap.Message != "Scanning paused. Resume to find a new student." {
		t.Fatalf("message = %q", snap.Message)
	}
	if h.armed() {
		t.Fatal("timer still armed while paused")
	}

	if err := h.m.TogglePause(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	h.step()
	if got := h.events.last().Kind; got != EventSearching {
		t.Fatalf("first tick after resume = %q, want searching", got)
	}
	if det.Calls() != 1 {
		t.Fatalf("resume re-attempted the old target: calls = %d", det.Calls())
	}
	if snap := h.m.Snapshot(); snap.Target == nil || snap.Target.ID != "2" {
		t.Fatalf("expected Bob targeted after resume, got %+v", snap.Target)
	}
}

func TestManualMarkOfTargetIsConfirmed(t *testing.T) {
	det := detection.Always(false)
	h := newHarness(t, roster("Alice", "Bob"), det, &seqInts{vals: []int{0, 0}}, nil)
	h.ready(t)
	_ = h.m.Start()

	h.step()
	_ = h.m.MarkManually("1", model.StatusPresent)
	h.step()
	ev := h.events.last()
	if ev.Kind != EventConfirmed || ev.StudentID != "1" {
		t.Fatalf("event = %+v", ev)
	}
	if det.Calls() != 0 {
		t.Fatalf("attempted detection on a present student")
	}
	h.step()
	if snap := h.m.Snapshot(); snap.Target == nil || snap.Target.ID != "2" {
		t.Fatalf("expected Bob next, got %+v", snap.Target)
	}
}

func TestStaleTickIsIgnored(t *testing.T) {
	h := newHarness(t, roster("Alice", "Bob"), detection.Always(false), &seqInts{}, nil)
	h.ready(t)
	_ = h.m.Start()

	h.m.mu.Lock()
	oldGen := h.m.gen
	h.m.mu.Unlock()

	_ = h.m.TogglePause()
	_ = h.m.TogglePause()
	h.m.tick(oldGen)
	if snap := h.m.Snapshot(); snap.Target != nil {
		t.Fatalf("stale tick selected a target: %+v", snap.Target)
	}
	if h.tickers.count() != 2 {
		t.Fatalf("tickers armed = %d, want 2", h.tickers.count())
	}
}

func TestFinishWithNobodyPresent(t *testing.T) {
	class := roster("Alice", "Bob", "Cara")
	h := newHarness(t, class, detection.Always(false), nil, nil)
	h.ready(t)

	rep, err := h.m.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if rep.PresentCount() != 0 || len(rep.Records) != len(class.Students) {
		t.Fatalf("present=%d records=%d", rep.PresentCount(), len(rep.Records))
	}
	for _, rec := range rep.Records {
		if rec.Status != model.StatusAbsent || rec.Timestamp != nil {
			t.Fatalf("record = %+v", rec)
		}
	}
	if h.m.State() != StateComplete {
		t.Fatalf("state = %v", h.m.State())
	}
	if h.cam.releases() != 1 {
		t.Fatalf("camera releases = %d", h.cam.releases())
	}

	if err := h.m.MarkManually("1", model.StatusPresent); !errors.Is(err, ErrSessionComplete) {
		t.Fatalf("mark after finish: %v", err)
	}
	if _, err := h.m.Finish(); !errors.Is(err, ErrSessionComplete) {
		t.Fatalf("second finish: %v", err)
	}
	if err := h.m.Start(); !errors.Is(err, ErrSessionComplete) {
		t.Fatalf("start after finish: %v", err)
	}
	if got, ok := h.m.Report(); !ok || got.ID != rep.ID {
		t.Fatal("report not retained")
	}
}

func TestAliceBobScenario(t *testing.T) {
	class := model.Class{ID: "c", Name: "Demo", Students: []model.Student{
		{ID: "1", Name: "Alice"},
		{ID: "2", Name: "Bob"},
	}}
	h := newHarness(t, class, detection.Always(false), nil, nil)

	if err := h.m.MarkManually("1", model.StatusPresent); err != nil {
		t.Fatalf("mark: %v", err)
	}
	rep, err := h.m.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if len(rep.Records) != 2 {
		t.Fatalf("records = %d", len(rep.Records))
	}
	alice, bob := rep.Records[0], rep.Records[1]
	if alice.Student.Name != "Alice" || alice.Status != model.StatusPresent || alice.Timestamp == nil {
		t.Fatalf("alice = %+v", alice)
	}
	if bob.Student.Name != "Bob" || bob.Status != model.StatusAbsent || bob.Timestamp != nil {
		t.Fatalf("bob = %+v", bob)
	}
}

func TestCameraUnavailableDegradesToManual(t *testing.T) {
	cam := &fakeCamera{err: camera.ErrUnavailable}
	h := newHarness(t, roster("Alice"), detection.Always(true), nil, cam)
	h.ready(t)

	if h.m.State() != StateCameraUnavailable {
		t.Fatalf("state = %v", h.m.State())
	}
	if msg := h.m.Snapshot().Message; msg != "Could not access camera. Please check permissions." {
		t.Fatalf("message = %q", msg)
	}
	if err := h.m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h.m.State() != StateCameraUnavailable || h.tickers.count() != 0 {
		t.Fatal("start must be a no-op without a camera")
	}
	if err := h.m.MarkManually("1", model.StatusPresent); err != nil {
		t.Fatalf("manual mark: %v", err)
	}
	rep, err := h.m.Finish()
	if err != nil || rep.PresentCount() != 1 {
		t.Fatalf("finish: %v present=%d", err, rep.PresentCount())
	}
}

// hangingCamera never yields a stream; it returns when ctx is done.
type hangingCamera struct{}

func (hangingCamera) AcquireStream(ctx context.Context, _ string) (camera.Stream, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (hangingCamera) Release(camera.Stream) error { return nil }

func TestCameraTimeoutDegradesToManual(t *testing.T) {
	tickers := &tickerFactory{}
	m, err := New(roster("Alice"), Config{
		Detector:      detection.Always(true),
		Camera:        hangingCamera{},
		CameraTimeout: 20 * time.Millisecond,
		NewTicker:     tickers.New,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(m.Close)

	if err := m.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = m.Start()
	select {
	case <-m.Resolved():
	case <-time.After(2 * time.Second):
		t.Fatal("camera timeout never fired")
	}

	snap := m.Snapshot()
	if snap.State != StateCameraUnavailable {
		t.Fatalf("state = %v", snap.State)
	}
	if snap.Message != "Could not access camera. Please check permissions." {
		t.Fatalf("message = %q", snap.Message)
	}
	if tickers.count() != 0 {
		t.Fatalf("tickers armed = %d", tickers.count())
	}
}

func TestResolvedClosesOnCloseWithoutOpen(t *testing.T) {
	h := newHarness(t, roster("Alice"), detection.Always(false), nil, nil)
	h.m.Close()
	select {
	case <-h.m.Resolved():
	case <-time.After(time.Second):
		t.Fatal("Resolved still open after Close")
	}
	if err := h.m.Open(); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("open after close: %v", err)
	}
}

func TestStartIsQueuedUntilCameraReady(t *testing.T) {
	cam := &fakeCamera{gate: make(chan struct{})}
	h := newHarness(t, roster("Alice"), detection.Always(false), nil, cam)

	if err := h.m.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = h.m.Start()
	if h.m.State() != StateAwaitingCamera || h.tickers.count() != 0 {
		t.Fatalf("timer armed before camera: state=%v tickers=%d", h.m.State(), h.tickers.count())
	}

	close(cam.gate)
	<-h.m.Resolved()
	if h.m.State() != StateScanning || h.tickers.count() != 1 {
		t.Fatalf("queued start not honored: state=%v tickers=%d", h.m.State(), h.tickers.count())
	}
}

func TestCloseReleasesTimerAndCamera(t *testing.T) {
	h := newHarness(t, roster("Alice"), detection.Always(false), nil, nil)
	h.ready(t)
	_ = h.m.Start()
	tk := h.tickers.last()

	h.m.Close()
	h.m.Close()
	if !tk.isStopped() || h.armed() {
		t.Fatal("timer survived teardown")
	}
	if h.cam.releases() != 1 {
		t.Fatalf("camera releases = %d, want 1", h.cam.releases())
	}
	if err := h.m.Start(); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("start after close: %v", err)
	}
}

func TestLateCameraIsReleasedAfterClose(t *testing.T) {
	cam := &fakeCamera{gate: make(chan struct{})}
	h := newHarness(t, roster("Alice"), detection.Always(false), nil, cam)
	_ = h.m.Open()
	h.m.Close()

	close(cam.gate)
	<-h.m.Resolved()
	if cam.releases() != 1 {
		t.Fatalf("late stream not released: %d", cam.releases())
	}
}

func TestTimerDrivesTicks(t *testing.T) {
	h := newHarness(t, roster("Alice"), detection.Always(true), &seqInts{}, nil)
	searching := make(chan struct{}, 1)
	h.m.cfg.Listener = func(ev Event) {
		if ev.Kind == EventSearching {
			searching <- struct{}{}
		}
	}
	h.ready(t)
	_ = h.m.Start()

	h.tickers.last().ch <- time.Now()
	select {
	case <-searching:
	case <-time.After(2 * time.Second):
		t.Fatal("tick from the timer never ran")
	}
}

func TestTogglePauseBeforeStartStarts(t *testing.T) {
	h := newHarness(t, roster("Alice"), detection.Always(false), nil, nil)
	h.ready(t)
	if snap := h.m.Snapshot(); snap.Phase != PhaseNotStarted {
		t.Fatalf("phase = %v", snap.Phase)
	}
	_ = h.m.TogglePause()
	if snap := h.m.Snapshot(); snap.State != StateScanning || snap.Phase != PhaseScanning {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestStateString(t *testing.T) {
	if StateCameraUnavailable.String() != "camera_unavailable" {
		t.Fatal(StateCameraUnavailable.String())
	}
	if State(42).String() != "state(42)" {
		t.Fatal(State(42).String())
	}
}
