package model

import (
	"fmt"
	"slices"
)

// Status is a message delivery state.
type Status string

const (
	StatusComposing Status = "composing"
	StatusUploading Status = "uploading"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusRead      Status = "read"
)

// validTransitions defines allowed delivery transitions. Failed back to
// Sending is the retry path; everything else is monotonic. Read is terminal
// and implies Sent.
var validTransitions = map[Status][]Status{
	StatusComposing: {StatusUploading, StatusSending, StatusFailed},
	StatusUploading: {StatusSending, StatusFailed},
	StatusSending:   {StatusSent, StatusFailed},
	StatusFailed:    {StatusSending},
	StatusSent:      {StatusRead},
	StatusRead:      {},
}

// CanTransition reports whether a message may move between two statuses.
func CanTransition(from, to Status) bool {
	return slices.Contains(validTransitions[from], to)
}

// Transition moves the message to a new status. Returns an error and leaves
// the message untouched if the transition is not allowed.
func (m *Message) Transition(to Status) error {
	if !CanTransition(m.Status, to) {
		return fmt.Errorf("invalid status transition from %s to %s", m.Status, to)
	}
	m.Status = to
	return nil
}
