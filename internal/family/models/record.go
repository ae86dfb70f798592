package models

import (
	"fmt"
	"time"
)

// Status is the processing state of a reconciliation record.
//
// Lifecycle: READY -> PROCESSING -> {COMPLETED | DIFFERENT | FAILED}.
// A stuck PROCESSING record may be reset to READY by recovery.
type Status string

const (
	StatusReady      Status = "READY"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusDifferent  Status = "DIFFERENT"
	StatusFailed     Status = "FAILED"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusReady, StatusProcessing, StatusCompleted, StatusDifferent, StatusFailed}

func (s Status) IsValid() bool {
	switch s {
	case StatusReady, StatusProcessing, StatusCompleted, StatusDifferent, StatusFailed:
		return true
	}
	return false
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusDifferent || s == StatusFailed
}

func (s Status) String() string {
	return string(s)
}

func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.IsValid() {
		return "", fmt.Errorf("unknown record status %q", raw)
	}
	return s, nil
}

// Record is one pension applicant awaiting a family-registry check.
type Record struct {
	ID            int64
	PersonID      int64
	NationalID    string
	ApplicationID int64
	BirthDate     time.Time
	Status        Status
	DataIn        string
	DataErr       string
	LastAttemptAt *time.Time
	RetryCount    int
}

// ApplyClaim moves the record into PROCESSING for the caller that won the claim.
func (r *Record) ApplyClaim(at time.Time) {
	r.Status = StatusProcessing
	r.LastAttemptAt = &at
}

// ApplyVerdict stores a terminal reconciliation verdict with the registry payload.
func (r *Record) ApplyVerdict(status Status, payload string) {
	r.Status = status
	r.DataIn = payload
	r.DataErr = ""
}

// Fail marks the record FAILED with a reason for operators.
func (r *Record) Fail(reason string) {
	r.Status = StatusFailed
	r.DataErr = reason
}

// Requeue hands the record back to the queue without consuming a retry.
func (r *Record) Requeue() {
	r.Status = StatusReady
}

// Clone returns a copy that shares no pointers with r.
func (r *Record) Clone() *Record {
	c := *r
	if r.LastAttemptAt != nil {
		at := *r.LastAttemptAt
		c.LastAttemptAt = &at
	}
	return &c
}
