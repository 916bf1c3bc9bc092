package model

import (
	"fmt"
	"time"
)

// Student is a roster entry. It is immutable once it has been added to a class.
type Student struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	RollNumber string `json:"rollNumber"`
	Branch     string `json:"branch"`
	Year       string `json:"year"`
	Section    string `json:"section"`
	Photo      string `json:"photo"` // opaque image reference (data URL or link)
}

// Class owns its students; student ids are unique within a class.
type Class struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Venue        string    `json:"venue"`
	Date         string    `json:"date"`
	StartTime    string    `json:"startTime"`
	EndTime      string    `json:"endTime"`
	LecturerName string    `json:"lecturerName"`
	Subject      string    `json:"subject"`
	Branch       string    `json:"branch"`
	Year         string    `json:"year"`
	Section      string    `json:"section"`
	Students     []Student `json:"students"`
}

// Student returns the student with the given id.
func (c Class) Student(id string) (Student, bool) {
	for _, s := range c.Students {
		if s.ID == id {
			return s, true
		}
	}
	return Student{}, false
}

// AttendanceStatus is either present or absent.
type AttendanceStatus string

const (
	StatusPresent AttendanceStatus = "present"
	StatusAbsent  AttendanceStatus = "absent"
)

// Valid reports whether s is one of the known statuses.
func (s AttendanceStatus) Valid() bool {
	return s == StatusPresent || s == StatusAbsent
}

// ParseStatus converts user input into an AttendanceStatus.
func ParseStatus(v string) (AttendanceStatus, error) {
	s := AttendanceStatus(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown attendance status %q", v)
	}
	return s, nil
}

// AttendanceRecord is the session-scoped state of one student.
// Timestamp is non-nil exactly when Status is present.
type AttendanceRecord struct {
	StudentID string           `json:"studentId"`
	Status    AttendanceStatus `json:"status"`
	Timestamp *time.Time       `json:"timestamp"`
}

// ReportRecord binds a full student snapshot to its final status.
type ReportRecord struct {
	Student   Student          `json:"student"`
	Status    AttendanceStatus `json:"status"`
	Timestamp *time.Time       `json:"timestamp"`
}

// AttendanceReport is the immutable result of a finished session.
type AttendanceReport struct {
	ID          string         `json:"id"`
	ClassID     string         `json:"classId"`
	ClassName   string         `json:"className"`
	Date        string         `json:"date"`
	Records     []ReportRecord `json:"records"`
	GeneratedAt time.Time      `json:"generatedAt"`
}

// PresentCount returns the number of records marked present.
func (r AttendanceReport) PresentCount() int {
	n := 0
	for _, rec := range r.Records {
		if rec.Status == StatusPresent {
			n++
		}
	}
	return n
}
