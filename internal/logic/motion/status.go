package motion

import "strings"

// Status is the controller status byte.
type Status uint8

const (
	StatusHAInit Status = 1 << iota
	StatusDecInit
	StatusTracking
	StatusGoto
	StatusCardinal
	StatusLimitError
	StatusAllStop
)

const statusInitialized = StatusHAInit | StatusDecInit

// Has reports whether every flag in f is set.
func (s Status) Has(f Status) bool { return s&f == f }

// Moving is true while a goto or cardinal move owns the motors.
func (s Status) Moving() bool { return s&(StatusGoto|StatusCardinal) != 0 }

// Initialized reports whether both axes have been calibrated.
func (s Status) Initialized() bool { return s.Has(statusInitialized) }

func (s Status) String() string {
	if s == 0 {
		return "idle"
	}
	var parts []string
	for _, f := range []struct {
		flag Status
		name string
	}{
		{StatusHAInit, "ha-init"},
		{StatusDecInit, "dec-init"},
		{StatusTracking, "tracking"},
		{StatusGoto, "goto"},
		{StatusCardinal, "cardinal"},
		{StatusLimitError, "limit-error"},
		{StatusAllStop, "all-stop"},
	} {
		if s&f.flag != 0 {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, ",")
}

// Observer is notified after the controller lock is released. Calls come
// from the goroutine that caused the change and must not block.
type Observer interface {
	// StatusChanged receives every new status byte.
	StatusChanged(st Status)
	// LimitTripped is called when a limit aborts motion; kind is "hard" or
	// "soft".
	LimitTripped(kind string, dir Direction)
}
