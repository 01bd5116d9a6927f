package scan

import (
	"errors"
	"fmt"

	"labtrack/internal/member"
	"labtrack/internal/presence"
)

// Kind names an operator-facing scan result.
type Kind string

const (
	KindAccepted      Kind = "accepted"
	KindThrottled     Kind = "throttled"
	KindUnknownMember Kind = "unknown_member"
	KindConflict      Kind = "conflict"
	KindBackendFailed Kind = "backend_failed"
)

// Outcome is what the station shows after a scan.
type Outcome struct {
	Kind        Kind               `json:"kind"`
	Member      *member.Member     `json:"member,omitempty"`
	Action      presence.Action    `json:"action,omitempty"`
	Entry       *presence.LogEntry `json:"entry,omitempty"`
	RemainingMs int64              `json:"remaining_ms,omitempty"`
	Reason      string             `json:"reason,omitempty"`
	Message     string             `json:"message"`
}

// Classify folds a Scan result into exactly one outcome.
func Classify(acc Accepted, err error) Outcome {
	if err == nil {
		m, e := acc.Member, acc.Entry
		return Outcome{
			Kind:    KindAccepted,
			Member:  &m,
			Action:  acc.Action,
			Entry:   &e,
			Message: fmt.Sprintf("%s the lab: %s", acc.Action.Verb(), m.DisplayName()),
		}
	}

	var throttled *ThrottledError
	switch {
	case errors.As(err, &throttled):
		ms := throttled.Remaining.Milliseconds()
		return Outcome{
			Kind:        KindThrottled,
			RemainingMs: ms,
			Message:     fmt.Sprintf("Please wait %dms before scanning again", ms),
		}
	case errors.Is(err, ErrThrottled):
		return Outcome{Kind: KindThrottled, Message: "Please wait before scanning again"}
	case errors.Is(err, ErrUnknownMember):
		return Outcome{Kind: KindUnknownMember, Message: "Member not found"}
	case errors.Is(err, ErrConflictingWrite):
		return Outcome{Kind: KindConflict, Reason: err.Error(), Message: "Scan collided with another station, please scan again"}
	default:
		return Outcome{Kind: KindBackendFailed, Reason: err.Error(), Message: "Scan failed, please try again"}
	}
}
