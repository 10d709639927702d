package database

import "errors"

// Identity statuses.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Attendance record values.
const (
	MethodFaceRecognition = "face_recognition"
	AttendancePresent     = "present"
)

// ErrSessionNotFound is returned by cohort lookups for unknown or inactive sessions.
var ErrSessionNotFound = errors.New("session not found")

// ErrIdentityNotFound is returned when an identity referenced by a write does not exist.
var ErrIdentityNotFound = errors.New("identity not found")
