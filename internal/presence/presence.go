// Package presence infers a member's lab state from their log history and
// builds the next log entry. State is never stored; it is derived from the
// most recent entry every time.
package presence

import (
	"fmt"
	"strings"
	"time"
)

// Action is a single presence transition.
type Action string

const (
	ActionIn  Action = "IN"
	ActionOut Action = "OUT"
)

// ParseAction accepts "IN"/"OUT" in any case.
func ParseAction(s string) (Action, error) {
	switch Action(strings.ToUpper(strings.TrimSpace(s))) {
	case ActionIn:
		return ActionIn, nil
	case ActionOut:
		return ActionOut, nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// Verb is the operator-facing wording for the action.
func (a Action) Verb() string {
	if a == ActionIn {
		return "Entered"
	}
	return "Left"
}

// State is the derived location of a member.
type State string

const (
	StateOutside State = "OUTSIDE"
	StateInside  State = "INSIDE"
)

// LogEntry is one recorded transition. ID and Timestamp are assigned by the
// store; entries built by RecordScan carry neither until persisted.
type LogEntry struct {
	ID         string    `json:"id"`
	MemberID   string    `json:"member_id"`
	Action     Action    `json:"action"`
	Timestamp  time.Time `json:"timestamp"`
	RecordedBy string    `json:"recorded_by"`

	// joined from members on list queries
	MemberName string `json:"member_name,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
}

// Pending reports whether the entry has not been persisted yet.
func (e LogEntry) Pending() bool { return e.ID == "" }

// CurrentState derives where the member is from their latest entry.
// No entry at all means the member has never entered.
func CurrentState(last *LogEntry) State {
	if last == nil || last.Action == ActionOut {
		return StateOutside
	}
	return StateInside
}

// NextAction is the strict two-state toggle: outside members go IN, inside
// members go OUT.
func NextAction(last *LogEntry) Action {
	if CurrentState(last) == StateOutside {
		return ActionIn
	}
	return ActionOut
}

// RecordScan constructs, but does not persist, the entry for a scan.
func RecordScan(memberID string, action Action, recordedBy string) LogEntry {
	if recordedBy == "" {
		recordedBy = "system"
	}
	return LogEntry{
		MemberID:   memberID,
		Action:     action,
		RecordedBy: recordedBy,
	}
}

// CheckAlternation verifies that a single member's history, newest first,
// strictly alternates IN/OUT. It returns the index of the first offending
// entry, or -1 when the history is well formed.
func CheckAlternation(newestFirst []LogEntry) int {
	for i := 1; i < len(newestFirst); i++ {
		if newestFirst[i].Action == newestFirst[i-1].Action {
			return i
		}
	}
	if n := len(newestFirst); n > 0 && newestFirst[n-1].Action != ActionIn {
		// the oldest entry of a complete history must be the first entry
		return n - 1
	}
	return -1
}
