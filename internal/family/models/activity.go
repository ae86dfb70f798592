package models

import "time"

const (
	// ActivityCodeChildBirth marks maternity/child-care leave.
	ActivityCodeChildBirth = "07"
	// StaffFlagCounted marks activities that count toward coverage.
	StaffFlagCounted = "N"
)

// Activity is a declared employment or leave period of an applicant.
type Activity struct {
	Begin     time.Time
	End       time.Time
	Code      string
	StaffFlag string
}

func (a Activity) IsChildBirth() bool {
	return a.Code == ActivityCodeChildBirth
}

func (a Activity) IsCounted() bool {
	return a.StaffFlag == StaffFlagCounted
}

// Date returns midnight UTC for the given calendar day.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// TruncateDay drops the time-of-day part, keeping the calendar day in UTC.
func TruncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return Date(y, m, d)
}
