// Copyright (C) 2025 Guildpix Authors.
// See LICENSE for copying information.

package requests

// Status is the lifecycle state of a request.
type Status string

// Request statuses.
const (
	StatusOpen      Status = "open"
	StatusApproved  Status = "approved"
	StatusDenied    Status = "denied"
	StatusCancelled Status = "cancelled"
	StatusClosed    Status = "closed"
)

// transitions is the full relation of allowed status changes. Open
// requests get resolved one way or another, resolved requests get
// closed, and closed requests may be reopened.
var transitions = map[Status][]Status{
	StatusOpen:      {StatusApproved, StatusDenied, StatusCancelled},
	StatusApproved:  {StatusClosed},
	StatusDenied:    {StatusClosed},
	StatusCancelled: {StatusClosed},
	StatusClosed:    {StatusOpen},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// ValidTransition reports whether a request may move from one status
// directly to another.
func ValidTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
