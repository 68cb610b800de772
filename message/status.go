// Package message defines the data model moved through a channel: the Message
// umbrella, its per-connector ConnectorMessages, typed content slots, and the
// storage policy which decides how much of each is persisted.
package message

import "fmt"

// Status is the lifecycle state of a ConnectorMessage. Statuses RECEIVED
// through ERROR are terminal or progress states of the dispatch pipeline,
// while PENDING is a checkpoint written after a successful send and before its
// response transformer completes, so that crash recovery re-runs the
// transformer but never the send.
type Status int

const (
	Received Status = iota
	Filtered
	Transformed
	Sent
	Queued
	Error
	Pending
)

var statusCodes = [...]string{
	Received:    "R",
	Filtered:    "F",
	Transformed: "T",
	Sent:        "S",
	Queued:      "Q",
	Error:       "E",
	Pending:     "P",
}

var statusNames = [...]string{
	Received:    "RECEIVED",
	Filtered:    "FILTERED",
	Transformed: "TRANSFORMED",
	Sent:        "SENT",
	Queued:      "QUEUED",
	Error:       "ERROR",
	Pending:     "PENDING",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// Code returns the single-letter code under which this Status is persisted.
func (s Status) Code() string {
	if s < 0 || int(s) >= len(statusCodes) {
		panic(fmt.Sprintf("invalid status %d", int(s)))
	}
	return statusCodes[s]
}

// StatusFromCode maps a persisted single-letter code back to its Status.
func StatusFromCode(code string) (Status, error) {
	for s, c := range statusCodes {
		if c == code {
			return Status(s), nil
		}
	}
	return 0, fmt.Errorf("unknown status code %q", code)
}

// Terminal is true for statuses at which a destination requires no further
// work: SENT, FILTERED and ERROR. QUEUED and PENDING are in-flight, and
// RECEIVED / TRANSFORMED are progress states.
func (s Status) Terminal() bool {
	switch s {
	case Sent, Filtered, Error:
		return true
	default:
		return false
	}
}
