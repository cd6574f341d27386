package model

import (
	"time"
)

// RefType says what kind of place an assignment points at.
type RefType string

const (
	RefProject        RefType = "project"
	RefCommonLocation RefType = "common_location"
)

// AssignmentStatus is derived per assignment from the day's ordered list and
// the worker's open session. It is never persisted.
type AssignmentStatus string

const (
	StatusActive    AssignmentStatus = "active"
	StatusCompleted AssignmentStatus = "completed"
	StatusNext      AssignmentStatus = "next"
	StatusPending   AssignmentStatus = "pending"
)

// LocationEventType classifies an entry in the location-event outbox.
type LocationEventType string

const (
	EventEnterGeofence LocationEventType = "enter_geofence"
	EventExitGeofence  LocationEventType = "exit_geofence"
	EventHeartbeat     LocationEventType = "heartbeat"
)

// AssignmentRecord is one unit of planned work for one worker on one
// calendar day. ID may be a temporary local id until the server confirms the
// row; Synced flips to true once the current field values are known to be
// persisted remotely.
type AssignmentRecord struct {
	ID           string    `json:"id"`
	CompanyID    string    `json:"companyId"`
	WorkerID     string    `json:"workerId"`
	AssignedDate string    `json:"assignedDate"` // YYYY-MM-DD, no time component
	SortKey      string    `json:"sortKey"`
	RefType      RefType   `json:"refType"`
	RefID        string    `json:"refId"`
	StartTime    *string   `json:"startTime,omitempty"` // planned HH:mm, independent of SortKey
	CreatedBy    string    `json:"createdBy"`
	CreatedAt    time.Time `json:"createdAt"`
	Synced       bool      `json:"synced"`
}

// WorkSession is one continuous interval of actual work against one
// assignment. EndTime is nil while the session is open. At most one open
// session may exist per worker at any time.
type WorkSession struct {
	ID                string     `json:"id"`
	CompanyID         string     `json:"companyId"`
	WorkerID          string     `json:"workerId"`
	AssignmentID      string     `json:"assignmentId"`
	StartTime         time.Time  `json:"startTime"`
	EndTime           *time.Time `json:"endTime,omitempty"`
	TotalBreakMinutes int        `json:"totalBreakMinutes"`
	CreatedAt         time.Time  `json:"createdAt"`
	Synced            bool       `json:"synced"`
}

// Open reports whether the session is still running.
func (s *WorkSession) Open() bool {
	return s != nil && s.EndTime == nil
}

// LocationEvent is a geofence transition or heartbeat observation. Rows are
// append-only: written once, flushed to the backend later, marked synced,
// never mutated otherwise.
type LocationEvent struct {
	ID           string            `json:"id"`
	CompanyID    string            `json:"companyId"`
	WorkerID     string            `json:"workerId"`
	AssignmentID string            `json:"assignmentId"`
	Type         LocationEventType `json:"type"`
	Latitude     float64           `json:"latitude"`
	Longitude    float64           `json:"longitude"`
	Notes        string            `json:"notes,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	Synced       bool              `json:"synced"`
}

// ClassifiedAssignment pairs an assignment with its derived status for the
// UI-facing day view.
type ClassifiedAssignment struct {
	AssignmentRecord
	Status AssignmentStatus `json:"status"`
}
