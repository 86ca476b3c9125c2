package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type CallID string
type UserID string

type CallType string

const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

func (t CallType) Valid() bool {
	return t == CallTypeVoice || t == CallTypeVideo
}

// WantsVideo reports whether a camera track is part of the call.
func (t CallType) WantsVideo() bool {
	return t == CallTypeVideo
}

type CallStatus string

const (
	CallStatusRinging   CallStatus = "ringing"
	CallStatusConnected CallStatus = "connected"
	CallStatusEnded     CallStatus = "ended"
	CallStatusRejected  CallStatus = "rejected"
	CallStatusMissed    CallStatus = "missed"
)

var statusTransitions = map[CallStatus][]CallStatus{
	CallStatusRinging:   {CallStatusConnected, CallStatusEnded, CallStatusRejected, CallStatusMissed},
	CallStatusConnected: {CallStatusEnded},
}

func (s CallStatus) Valid() bool {
	switch s {
	case CallStatusRinging, CallStatusConnected, CallStatusEnded, CallStatusRejected, CallStatusMissed:
		return true
	}
	return false
}

func (s CallStatus) IsTerminal() bool {
	return s == CallStatusEnded || s == CallStatusRejected || s == CallStatusMissed
}

// CanTransition reports whether a stored call may move from one status to another.
func CanTransition(from, to CallStatus) bool {
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// callNamespace scopes call identifiers generated with NewCallID.
var callNamespace = uuid.MustParse("6f1c2a4e-93b7-5d0a-8c61-2f4b7e9d0a13")

// NewCallID derives the identifier of a call attempt from its participants and
// creation instant.
func NewCallID(caller, receiver UserID, startedAt time.Time) CallID {
	name := fmt.Sprintf("%s|%s|%d", caller, receiver, startedAt.UnixNano())
	return CallID(uuid.NewSHA1(callNamespace, []byte(name)).String())
}

// CallRecord is the shared signaling document of one call attempt.
type CallRecord struct {
	ID          CallID          `json:"id"`
	CallerID    UserID          `json:"callerId"`
	ReceiverID  UserID          `json:"receiverId"`
	Type        CallType        `json:"type"`
	Status      CallStatus      `json:"status"`
	Offer       *SessionPayload `json:"offer,omitempty"`
	Answer      *SessionPayload `json:"answer,omitempty"`
	StartedAt   time.Time       `json:"startedAt"`
	ConnectedAt *time.Time      `json:"connectedAt,omitempty"`
	EndedAt     *time.Time      `json:"endedAt,omitempty"`
	EndedBy     UserID          `json:"endedBy,omitempty"`
}

// NewCallRecord builds the ringing record a caller publishes.
func NewCallRecord(caller, receiver UserID, callType CallType, offer SessionPayload, now time.Time) (*CallRecord, error) {
	rec := &CallRecord{
		ID:         NewCallID(caller, receiver, now),
		CallerID:   caller,
		ReceiverID: receiver,
		Type:       callType,
		Status:     CallStatusRinging,
		Offer:      &offer,
		StartedAt:  now,
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// Validate checks a record about to be created.
func (r *CallRecord) Validate() error {
	switch {
	case r.ID == "":
		return fmt.Errorf("%w: empty id", ErrInvalidCall)
	case r.CallerID == "" || r.ReceiverID == "":
		return fmt.Errorf("%w: both participants are required", ErrInvalidCall)
	case r.CallerID == r.ReceiverID:
		return fmt.Errorf("%w: caller and receiver are the same user", ErrInvalidCall)
	case !r.Type.Valid():
		return fmt.Errorf("%w: unknown call type %q", ErrInvalidCall, r.Type)
	case r.Status != CallStatusRinging:
		return fmt.Errorf("%w: new calls must be ringing, got %q", ErrInvalidCall, r.Status)
	case r.Offer == nil:
		return fmt.Errorf("%w: missing offer", ErrInvalidCall)
	case r.Answer != nil || r.ConnectedAt != nil || r.EndedAt != nil:
		return fmt.Errorf("%w: new calls carry no answer or end time", ErrInvalidCall)
	case r.StartedAt.IsZero():
		return fmt.Errorf("%w: missing start time", ErrInvalidCall)
	}
	return nil
}

// CheckStored checks the shape of a record read back from a store or an event,
// in any status.
func (r *CallRecord) CheckStored() error {
	hasAnswer := r.Answer != nil
	answered := r.Status == CallStatusConnected || r.ConnectedAt != nil
	switch {
	case r.ID == "":
		return fmt.Errorf("%w: empty id", ErrInvalidCall)
	case r.CallerID == "" || r.ReceiverID == "":
		return fmt.Errorf("%w: both participants are required", ErrInvalidCall)
	case !r.Type.Valid():
		return fmt.Errorf("%w: unknown call type %q", ErrInvalidCall, r.Type)
	case !r.Status.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrInvalidCall, r.Status)
	case r.Offer == nil:
		return fmt.Errorf("%w: missing offer", ErrInvalidCall)
	case hasAnswer != answered:
		return fmt.Errorf("%w: answer and connected status disagree", ErrInvalidCall)
	case r.Status.IsTerminal() != (r.EndedAt != nil):
		return fmt.Errorf("%w: endedAt must accompany a terminal status", ErrInvalidCall)
	}
	return nil
}

func (r *CallRecord) Participant(user UserID) bool {
	return r.CallerID == user || r.ReceiverID == user
}

// PeerOf returns the other participant.
func (r *CallRecord) PeerOf(user UserID) UserID {
	if r.CallerID == user {
		return r.ReceiverID
	}
	return r.CallerID
}

// Duration is the connected time of a finished call.
func (r *CallRecord) Duration() time.Duration {
	if r.ConnectedAt == nil || r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(*r.ConnectedAt)
}

func (r *CallRecord) Clone() *CallRecord {
	c := *r
	if r.Offer != nil {
		offer := *r.Offer
		c.Offer = &offer
	}
	if r.Answer != nil {
		answer := *r.Answer
		c.Answer = &answer
	}
	if r.ConnectedAt != nil {
		t := *r.ConnectedAt
		c.ConnectedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// CallUpdate is a partial write to a stored CallRecord. Zero-valued fields are
// left untouched. ExpectedStatus, when non-empty, must contain the stored status
// for the write to happen.
type CallUpdate struct {
	ExpectedStatus []CallStatus
	Status         CallStatus
	Answer         *SessionPayload
	ConnectedAt    *time.Time
	EndedAt        *time.Time
	EndedBy        UserID
}

// Apply validates the update against the record and mutates the record in place.
// Nothing is changed when an error is returned.
func (r *CallRecord) Apply(u CallUpdate) error {
	if len(u.ExpectedStatus) > 0 && !containsStatus(u.ExpectedStatus, r.Status) {
		return fmt.Errorf("%w: call %s is %s", ErrStatusConflict, r.ID, r.Status)
	}
	if u.Answer != nil && r.Answer != nil {
		return fmt.Errorf("%w: answer", ErrFieldAlreadySet)
	}
	if u.ConnectedAt != nil && r.ConnectedAt != nil {
		return fmt.Errorf("%w: connectedAt", ErrFieldAlreadySet)
	}
	if u.EndedAt != nil && r.EndedAt != nil {
		return fmt.Errorf("%w: endedAt", ErrFieldAlreadySet)
	}

	next := r.Status
	if u.Status != "" && u.Status != r.Status {
		if !CanTransition(r.Status, u.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, u.Status)
		}
		next = u.Status
	}

	hasAnswer := r.Answer != nil || u.Answer != nil
	hasEnd := r.EndedAt != nil || u.EndedAt != nil
	switch {
	case u.Answer != nil && next != CallStatusConnected:
		return fmt.Errorf("%w: answer requires connected status", ErrInvalidTransition)
	case next == CallStatusConnected && !hasAnswer:
		return fmt.Errorf("%w: connected status requires an answer", ErrInvalidTransition)
	case next.IsTerminal() != hasEnd:
		return fmt.Errorf("%w: endedAt must accompany a terminal status", ErrInvalidTransition)
	}

	r.Status = next
	if u.Answer != nil {
		answer := *u.Answer
		r.Answer = &answer
	}
	if u.ConnectedAt != nil {
		t := *u.ConnectedAt
		r.ConnectedAt = &t
	}
	if u.EndedAt != nil {
		t := *u.EndedAt
		r.EndedAt = &t
	}
	if u.EndedBy != "" && r.EndedBy == "" {
		r.EndedBy = u.EndedBy
	}
	return nil
}

func containsStatus(list []CallStatus, s CallStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
