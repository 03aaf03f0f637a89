// Package status defines the three-level backup outcome and the
// escalation-only fold used to derive host and run status.
package status

import "fmt"

// Status is the classified outcome of a path, host, or run.
//
// NOTE: The string values appear in emitted log lines and in the run
// journal; they are part of the monitoring contract.
type Status string

const (
	Success Status = "success"
	Warning Status = "warning"
	Failed  Status = "failed"
)

// Severity orders statuses: success < warning < failed.
// Unknown values are treated as failed.
func (s Status) Severity() int {
	switch s {
	case Success:
		return 0
	case Warning:
		return 1
	default:
		return 2
	}
}

// Numeric is the value the monitoring pipeline stores for a status.
func (s Status) Numeric() float64 {
	switch s {
	case Success:
		return 1.0
	case Warning:
		return 0.5
	default:
		return 0.0
	}
}

// Valid reports whether s is one of the three known statuses.
func (s Status) Valid() bool {
	return s == Success || s == Warning || s == Failed
}

func (s Status) String() string {
	return string(s)
}

// Escalate returns the more severe of cur and next.
// A status never moves back toward success.
func Escalate(cur, next Status) Status {
	if next.Severity() > cur.Severity() {
		return next
	}
	return cur
}

// Fold folds a sequence of statuses into one. An empty sequence folds to
// Success. The result does not depend on the order of the input.
func Fold(statuses ...Status) Status {
	out := Success
	for _, s := range statuses {
		out = Escalate(out, s)
	}
	return out
}

// Parse converts a string into a Status.
func Parse(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}
