package domain

import "time"

type Contact struct {
	UserID      UserID `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

type CallDirection string

const (
	CallDirectionIncoming CallDirection = "incoming"
	CallDirectionOutgoing CallDirection = "outgoing"
)

type CallOutcome string

const (
	CallOutcomeCompleted  CallOutcome = "completed"
	CallOutcomeMissed     CallOutcome = "missed"
	CallOutcomeDeclined   CallOutcome = "declined"
	CallOutcomeCancelled  CallOutcome = "cancelled"
	CallOutcomeInProgress CallOutcome = "in_progress"
)

// HistoryEntry is one row of a user's call log.
type HistoryEntry struct {
	CallID    CallID        `json:"callId"`
	Direction CallDirection `json:"direction"`
	Peer      Contact       `json:"peer"`
	Type      CallType      `json:"type"`
	Outcome   CallOutcome   `json:"outcome"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
}

// OutcomeFor classifies a call from the point of view of one participant.
func OutcomeFor(rec *CallRecord, viewer UserID) CallOutcome {
	switch rec.Status {
	case CallStatusRinging, CallStatusConnected:
		return CallOutcomeInProgress
	case CallStatusRejected:
		return CallOutcomeDeclined
	case CallStatusMissed:
		return CallOutcomeMissed
	}
	if rec.ConnectedAt != nil {
		return CallOutcomeCompleted
	}
	// ended before anyone answered
	if viewer == rec.CallerID {
		return CallOutcomeCancelled
	}
	return CallOutcomeMissed
}

func DirectionFor(rec *CallRecord, viewer UserID) CallDirection {
	if rec.CallerID == viewer {
		return CallDirectionOutgoing
	}
	return CallDirectionIncoming
}
