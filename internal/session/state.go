package session

import (
	"errors"
	"fmt"
	"time"

	"attendscan/internal/model"
)

// State is a phase of the scan session lifecycle.
type State int

const (
	StateIdle State = iota
	StateAwaitingCamera
	StateReady
	// StateCameraUnavailable is the failure branch of Ready: detection is
	// disabled but manual marking and Finish still work.
	StateCameraUnavailable
	StateScanning
	StatePaused
	StateComplete
)

var stateNames = map[State]string{
	StateIdle:              "idle",
	StateAwaitingCamera:    "awaiting_camera",
	StateReady:             "ready",
	StateCameraUnavailable: "camera_unavailable",
	StateScanning:          "scanning",
	StatePaused:            "paused",
	StateComplete:          "complete",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Phase is what the scan control would read: start, pause or resume.
type Phase string

const (
	PhaseNotStarted Phase = "not_started"
	PhaseScanning   Phase = "scanning"
	PhasePaused     Phase = "paused"
)

var (
	ErrSessionComplete = errors.New("session: already complete")
	ErrSessionClosed   = errors.New("session: closed")
	ErrUnknownStudent  = errors.New("session: student not in roster")
	ErrInvalidStatus   = errors.New("session: invalid attendance status")
)

// InvalidRosterError is returned when a session is created for a class without students.
type InvalidRosterError struct {
	ClassID string
}

func (e *InvalidRosterError) Error() string {
	return fmt.Sprintf("session: class %q has no students", e.ClassID)
}

// EventKind classifies status messages.
type EventKind string

const (
	EventCameraReady       EventKind = "camera_ready"
	EventCameraUnavailable EventKind = "camera_unavailable"
	EventStarted           EventKind = "started"
	EventResumed           EventKind = "resumed"
	EventPaused            EventKind = "paused"
	EventSearching         EventKind = "searching"
	EventMatch             EventKind = "match"
	EventRetry             EventKind = "retry"
	EventConfirmed         EventKind = "confirmed"
	EventAllAccounted      EventKind = "all_accounted"
	EventFinished          EventKind = "finished"
)

// Event is one status message emitted by the machine.
type Event struct {
	Kind      EventKind `json:"kind"`
	Message   string    `json:"message"`
	StudentID string    `json:"studentId,omitempty"`
	At        time.Time `json:"at"`
}

// Entry is one student's current attendance in a Snapshot.
type Entry struct {
	Student   model.Student          `json:"student"`
	Status    model.AttendanceStatus `json:"status"`
	Timestamp *time.Time             `json:"timestamp"`
}

// Snapshot is a read-only copy of the session for presentation.
type Snapshot struct {
	ClassID      string         `json:"classId"`
	ClassName    string         `json:"className"`
	State        State          `json:"state"`
	Phase        Phase          `json:"phase"`
	Message      string         `json:"message"`
	Target       *model.Student `json:"target,omitempty"`
	Records      []Entry        `json:"records"`
	PresentCount int            `json:"presentCount"`
	Total        int            `json:"total"`
}

// Observer receives counters about session activity.
type Observer interface {
	Tick()
	Attempt(matched bool)
	CameraUnavailable()
}

type nopObserver struct{}

func (nopObserver) Tick()              {}
func (nopObserver) Attempt(bool)       {}
func (nopObserver) CameraUnavailable() {}
