package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chatcall/internal/core/domain"
	"chatcall/internal/core/ports"

	"github.com/pion/webrtc/v3"
)

type callRole int

const (
	roleCaller callRole = iota
	roleReceiver
)

// Reasons attached to terminal states.
const (
	ReasonHangup            = "hangup"
	ReasonRemoteHangup      = "remote_hangup"
	ReasonDeclined          = "declined"
	ReasonRingTimeout       = "ring_timeout"
	ReasonMediaAccessDenied = "media_access_denied"
	ReasonNoDeviceFound     = "no_device_found"
	ReasonTransportError    = "transport_error"
	ReasonNegotiationFailed = "negotiation_failed"
	ReasonShutdown          = "shutdown"
	ReasonAnsweredElsewhere = "answered_elsewhere"
)

// receiverRingGrace is how long past the caller's ring timeout a receiver
// keeps ringing before giving up on its own.
const receiverRingGrace = 5 * time.Second

// CallSession is one call attempt as seen by one endpoint. Every action and
// every transport or media callback for the attempt runs under mu.
type CallSession struct {
	ctrl *CallController
	role callRole

	mu           sync.Mutex
	id           domain.CallID
	record       *domain.CallRecord
	contact      domain.Contact
	machine      *CallMachine
	media        ports.MediaSession
	unsubCall    ports.Unsubscribe
	unsubCands   ports.Unsubscribe
	ringTimer    *time.Timer
	seenCands    map[string]struct{}
	connectedAt  time.Time
	micEnabled   bool
	videoEnabled bool
	tornDown     bool

	// Local candidates are gated separately so media callbacks never wait on mu.
	candMu     sync.Mutex
	gateOpen   bool
	gateClosed bool
	outbox     []domain.CandidatePayload
}

func newCallSession(ctrl *CallController, role callRole) *CallSession {
	return &CallSession{
		ctrl:         ctrl,
		role:         role,
		machine:      NewCallMachine(),
		seenCands:    make(map[string]struct{}),
		micEnabled:   true,
		videoEnabled: true,
	}
}

func (s *CallSession) ID() domain.CallID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *CallSession) State() domain.CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.State()
}

func (s *CallSession) View() ports.CallView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *CallSession) mediaEvents() ports.MediaEvents {
	return ports.MediaEvents{
		OnRemoteStream:          s.onRemoteStream,
		OnLocalCandidate:        s.onLocalCandidate,
		OnConnectionStateChange: s.onConnectionStateChange,
	}
}

// place runs the caller side up to Ringing: acquire media, create the offer,
// publish the record, subscribe and start the ring timer.
func (s *CallSession) place(ctx context.Context, receiver domain.UserID, callType domain.CallType) (domain.CallID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.ctrl
	media, err := c.media.NewMediaSession(s.mediaEvents())
	if err != nil {
		return "", s.abortLocked(ReasonNegotiationFailed, err)
	}
	s.media = media
	s.videoEnabled = callType.WantsVideo()

	if _, err := media.AcquireLocalMedia(ctx, callType.WantsVideo()); err != nil {
		return "", s.abortLocked(reasonFor(err), err)
	}
	offer, err := media.PlaceOffer()
	if err != nil {
		return "", s.abortLocked(ReasonNegotiationFailed, err)
	}

	rec, err := domain.NewCallRecord(c.self, receiver, callType, offer, c.now())
	if err != nil {
		return "", s.abortLocked(ReasonNegotiationFailed, err)
	}
	s.id = rec.ID
	s.record = rec
	s.contact = c.lookupContact(ctx, receiver)

	if _, err := c.transport.CreateCall(ctx, rec); err != nil {
		c.metrics.SignalingError("create_call")
		return "", s.abortLocked(ReasonTransportError, transportError(err))
	}
	c.register(s)

	if err := s.subscribeLocked(ctx); err != nil {
		c.metrics.SignalingError("subscribe")
		_ = s.writeTerminalLocked(ctx, domain.CallStatusEnded, ringingOnly)
		return "", s.abortLocked(ReasonTransportError, transportError(err))
	}
	s.openCandidateGate()

	s.machine.Transition(domain.CallStateRinging, "")
	s.armRingTimerLocked(c.config.RingTimeout)
	c.metrics.CallPlaced(callType)
	c.logger.Infow("call placed",
		"call_id", s.id,
		"receiver_id", receiver,
		"type", callType,
	)
	c.render(s.viewLocked())
	return s.id, nil
}

// ring registers an incoming call and presents it. No media is acquired.
func (s *CallSession) ring(ctx context.Context, rec *domain.CallRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.ctrl
	s.id = rec.ID
	s.record = rec
	s.videoEnabled = rec.Type.WantsVideo()
	s.contact = c.lookupContact(ctx, rec.CallerID)
	s.machine.Transition(domain.CallStateRinging, "")

	unsub, err := c.transport.SubscribeCall(ctx, rec.ID, s.onRecord)
	if err != nil {
		c.metrics.SignalingError("subscribe")
		c.logger.Warnw("failed to watch incoming call",
			"call_id", rec.ID,
			"error", err,
		)
		s.finishLocked(domain.CallStateMissed, ReasonTransportError)
		return
	}
	s.unsubCall = unsub

	deadline := rec.StartedAt.Add(c.config.RingTimeout + receiverRingGrace)
	s.armRingTimerLocked(deadline.Sub(c.now()))

	c.logger.Infow("incoming call",
		"call_id", rec.ID,
		"caller_id", rec.CallerID,
		"type", rec.Type,
	)
	if c.screen != nil {
		c.screen.ShowIncoming(s.viewLocked())
	}
}

func (s *CallSession) answer(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.ctrl
	if s.tornDown || s.role != roleReceiver || s.machine.State() != domain.CallStateRinging {
		return fmt.Errorf("%w: cannot answer call in state %s", domain.ErrInvalidState, s.machine.State())
	}

	media, err := c.media.NewMediaSession(s.mediaEvents())
	if err != nil {
		return err
	}
	if _, err := media.AcquireLocalMedia(ctx, s.record.Type.WantsVideo()); err != nil {
		// the call keeps ringing so the user can retry or decline
		media.Teardown()
		c.failed(s.id, err)
		return err
	}
	s.media = media
	s.openCandidateGate()

	unsub, err := c.transport.SubscribeCandidates(ctx, s.id, s.onCandidate)
	if err != nil {
		c.metrics.SignalingError("subscribe")
		s.dropMediaLocked()
		c.failed(s.id, transportError(err))
		return transportError(err)
	}
	s.unsubCands = unsub

	answer, err := media.AcceptOffer(*s.record.Offer)
	if err != nil {
		_ = s.writeTerminalLocked(ctx, domain.CallStatusEnded, ringingOnly)
		s.finishLocked(domain.CallStateEnded, ReasonNegotiationFailed)
		c.failed(s.id, err)
		return err
	}

	now := c.now()
	rec, err := c.transport.UpdateCall(ctx, s.id, domain.CallUpdate{
		ExpectedStatus: []domain.CallStatus{domain.CallStatusRinging},
		Status:         domain.CallStatusConnected,
		Answer:         &answer,
		ConnectedAt:    &now,
	})
	if err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			if !s.adoptStoredLocked(ctx) {
				s.finishLocked(domain.CallStateMissed, ReasonRemoteHangup)
			}
			return err
		}
		c.metrics.SignalingError("answer")
		s.dropMediaLocked()
		c.failed(s.id, transportError(err))
		return transportError(err)
	}

	s.record = rec
	s.enterConnectedLocked(now)
	return nil
}

func (s *CallSession) decline(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tornDown || s.role != roleReceiver || s.machine.State() != domain.CallStateRinging {
		return fmt.Errorf("%w: cannot decline call in state %s", domain.ErrInvalidState, s.machine.State())
	}
	return s.finishWithWriteLocked(ctx, domain.CallStatusRejected, domain.CallStateRejected, ReasonDeclined, ringingOnly)
}

// end hangs up. On a terminal call it does nothing.
func (s *CallSession) end(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tornDown || s.machine.State().IsTerminal() {
		return nil
	}
	if s.role == roleReceiver && s.machine.State() == domain.CallStateRinging {
		return s.finishWithWriteLocked(ctx, domain.CallStatusRejected, domain.CallStateRejected, ReasonDeclined, ringingOnly)
	}
	return s.finishWithWriteLocked(ctx, domain.CallStatusEnded, domain.CallStateEnded, ReasonHangup, live)
}

// shutdown releases the session when its controller stops. Calls this endpoint
// is part of are hung up; unanswered incoming calls are left ringing for
// other devices.
func (s *CallSession) shutdown(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tornDown {
		return
	}
	if s.role == roleReceiver && s.machine.State() == domain.CallStateRinging {
		s.teardownLocked()
		s.ctrl.unregister(s)
		return
	}
	if err := s.finishWithWriteLocked(ctx, domain.CallStatusEnded, domain.CallStateEnded, ReasonShutdown, live); err != nil {
		s.ctrl.logger.Warnw("failed to end call on shutdown",
			"call_id", s.id,
			"error", err,
		)
	}
}

func (s *CallSession) toggleMic(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tornDown || s.media == nil {
		return
	}
	s.micEnabled = enabled
	s.media.ToggleMic(enabled)
	s.ctrl.render(s.viewLocked())
}

func (s *CallSession) toggleVideo(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tornDown || s.media == nil || !s.record.Type.WantsVideo() {
		return
	}
	s.videoEnabled = enabled
	s.media.ToggleCamera(enabled)
	s.ctrl.render(s.viewLocked())
}

func (s *CallSession) onRecord(rec *domain.CallRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tornDown {
		s.ctrl.logger.Debugw("ignoring call update",
			"call_id", rec.ID,
			"status", rec.Status,
			"error", domain.ErrStaleSignal,
		)
		return
	}
	s.handleRecordLocked(rec)
}

// handleRecordLocked converges local state onto a stored record. Duplicate
// and self-echoed records fall through as no-ops.
func (s *CallSession) handleRecordLocked(rec *domain.CallRecord) {
	s.record = rec
	state := s.machine.State()

	switch {
	case rec.Status.IsTerminal():
		s.finishLocked(s.terminalStateFor(rec.Status), ReasonRemoteHangup)

	case rec.Status == domain.CallStatusConnected && s.role == roleCaller && state == domain.CallStateRinging:
		if rec.Answer == nil {
			return
		}
		s.media.ApplyAnswer(*rec.Answer)
		connectedAt := s.ctrl.now()
		if rec.ConnectedAt != nil {
			connectedAt = *rec.ConnectedAt
		}
		s.enterConnectedLocked(connectedAt)

	case rec.Status == domain.CallStatusConnected && s.role == roleReceiver && state == domain.CallStateRinging:
		s.finishLocked(domain.CallStateEnded, ReasonAnsweredElsewhere)
	}
}

// terminalStateFor maps a remote terminal status onto the local state.
func (s *CallSession) terminalStateFor(status domain.CallStatus) domain.CallState {
	switch {
	case status == domain.CallStatusRejected:
		return domain.CallStateRejected
	case s.machine.State() == domain.CallStateConnected:
		return domain.CallStateEnded
	case status == domain.CallStatusEnded:
		return domain.CallStateMissed
	}
	return domain.StateForStatus(status)
}

func (s *CallSession) onCandidate(msg domain.IceCandidateMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tornDown {
		s.ctrl.logger.Debugw("ignoring candidate",
			"call_id", s.id,
			"error", domain.ErrStaleSignal,
		)
		return
	}
	if msg.From == s.ctrl.self || s.media == nil {
		return
	}
	if err := msg.Candidate.Validate(); err != nil {
		s.ctrl.logger.Warnw("dropping malformed candidate",
			"call_id", s.id,
			"from", msg.From,
			"error", fmt.Errorf("%w: %v", domain.ErrMalformedCandidate, err),
		)
		return
	}

	key := string(msg.From) + "|" + msg.Seq
	if msg.Seq == "" {
		key = string(msg.From) + "|" + msg.Candidate.Key()
	}
	if _, dup := s.seenCands[key]; dup {
		return
	}
	s.seenCands[key] = struct{}{}
	s.media.AddRemoteCandidate(msg.Candidate)
}

func (s *CallSession) onLocalCandidate(c domain.CandidatePayload) {
	s.candMu.Lock()
	if s.gateClosed {
		s.candMu.Unlock()
		return
	}
	if !s.gateOpen {
		s.outbox = append(s.outbox, c)
		s.candMu.Unlock()
		return
	}
	id := s.id
	s.candMu.Unlock()

	s.publishCandidate(id, c)
}

// openCandidateGate is called once the record exists; candidates gathered
// before that are flushed in order.
func (s *CallSession) openCandidateGate() {
	s.candMu.Lock()
	if s.gateOpen || s.gateClosed {
		s.candMu.Unlock()
		return
	}
	s.gateOpen = true
	pending := s.outbox
	s.outbox = nil
	s.candMu.Unlock()

	for _, c := range pending {
		s.publishCandidate(s.id, c)
	}
}

func (s *CallSession) closeCandidateGate() {
	s.candMu.Lock()
	defer s.candMu.Unlock()
	s.gateClosed = true
	s.outbox = nil
}

func (s *CallSession) publishCandidate(id domain.CallID, c domain.CandidatePayload) {
	ctx, cancel := s.ctrl.opContext()
	defer cancel()

	err := s.ctrl.transport.AppendCandidate(ctx, id, domain.IceCandidateMessage{
		Candidate: c,
		From:      s.ctrl.self,
	})
	if err != nil {
		s.ctrl.metrics.SignalingError("append_candidate")
		s.ctrl.logger.Warnw("failed to publish candidate",
			"call_id", id,
			"error", err,
		)
	}
}

func (s *CallSession) onRemoteStream(ports.RemoteStream) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tornDown {
		return
	}
	s.ctrl.render(s.viewLocked())
}

func (s *CallSession) onConnectionStateChange(state webrtc.PeerConnectionState) {
	s.ctrl.logger.Debugw("media connection state",
		"call_id", s.ID(),
		"state", state.String(),
	)
}

func (s *CallSession) onRingTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tornDown || s.machine.State() != domain.CallStateRinging {
		return
	}

	ctx, cancel := s.ctrl.opContext()
	defer cancel()
	s.ctrl.logger.Infow("ring timeout", "call_id", s.id)
	if err := s.finishWithWriteLocked(ctx, domain.CallStatusMissed, domain.CallStateMissed, ReasonRingTimeout, ringingOnly); err != nil {
		s.ctrl.logger.Warnw("failed to record missed call",
			"call_id", s.id,
			"error", err,
		)
	}
}

var (
	ringingOnly = []domain.CallStatus{domain.CallStatusRinging}
	live        = []domain.CallStatus{domain.CallStatusRinging, domain.CallStatusConnected}
)

// finishWithWriteLocked performs the conditional terminal write and finishes
// locally. A lost race adopts whatever the stored record says instead, which
// may be a connected call when a ring timeout races an answer. A transport
// failure still finishes locally and is returned.
func (s *CallSession) finishWithWriteLocked(ctx context.Context, status domain.CallStatus, state domain.CallState, reason string, expected []domain.CallStatus) error {
	err := s.writeTerminalLocked(ctx, status, expected)
	switch {
	case err == nil:
		s.finishLocked(state, reason)
		return nil
	case errors.Is(err, domain.ErrStatusConflict):
		if !s.adoptStoredLocked(ctx) {
			s.finishLocked(state, reason)
		}
		return nil
	default:
		s.ctrl.metrics.SignalingError("update_call")
		s.finishLocked(state, reason)
		s.ctrl.failed(s.id, err)
		return err
	}
}

func (s *CallSession) writeTerminalLocked(ctx context.Context, status domain.CallStatus, expected []domain.CallStatus) error {
	now := s.ctrl.now()
	rec, err := s.ctrl.transport.UpdateCall(ctx, s.id, domain.CallUpdate{
		ExpectedStatus: expected,
		Status:         status,
		EndedAt:        &now,
		EndedBy:        s.ctrl.self,
	})
	if err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			return err
		}
		return transportError(err)
	}
	s.record = rec
	return nil
}

// adoptStoredLocked re-reads the record after a lost compare-and-swap and
// reports whether it could.
func (s *CallSession) adoptStoredLocked(ctx context.Context) bool {
	rec, err := s.ctrl.transport.GetCall(ctx, s.id)
	if err != nil {
		s.ctrl.logger.Warnw("failed to re-read call after conflict",
			"call_id", s.id,
			"error", err,
		)
		return false
	}
	s.handleRecordLocked(rec)
	return true
}

func (s *CallSession) subscribeLocked(ctx context.Context) error {
	c := s.ctrl
	unsubCall, err := c.transport.SubscribeCall(ctx, s.id, s.onRecord)
	if err != nil {
		return err
	}
	s.unsubCall = unsubCall

	unsubCands, err := c.transport.SubscribeCandidates(ctx, s.id, s.onCandidate)
	if err != nil {
		return err
	}
	s.unsubCands = unsubCands
	return nil
}

func (s *CallSession) enterConnectedLocked(at time.Time) {
	c := s.ctrl
	if !s.machine.Transition(domain.CallStateConnected, "") {
		return
	}
	s.stopRingTimerLocked()
	s.connectedAt = at

	setup := at.Sub(s.record.StartedAt)
	if setup < 0 {
		setup = 0
	}
	c.metrics.CallConnected(s.record.Type, setup)
	c.logger.Infow("call connected",
		"call_id", s.id,
		"setup", setup,
	)
	c.render(s.viewLocked())
}

// abortLocked ends a caller attempt that never reached Ringing.
func (s *CallSession) abortLocked(reason string, err error) error {
	s.ctrl.logger.Warnw("call setup failed",
		"reason", reason,
		"error", err,
	)
	s.finishLocked(domain.CallStateEnded, reason)
	s.ctrl.failed(s.id, err)
	return err
}

// finishLocked moves into a terminal state and releases everything.
func (s *CallSession) finishLocked(state domain.CallState, reason string) {
	if s.tornDown {
		return
	}
	c := s.ctrl
	wasConnected := s.machine.State() == domain.CallStateConnected
	if !s.machine.Transition(state, reason) && !s.machine.State().IsTerminal() {
		// Idle cannot reach Missed or Rejected directly
		s.machine.Transition(domain.CallStateEnded, reason)
	}
	s.teardownLocked()
	c.unregister(s)

	var duration time.Duration
	if wasConnected {
		duration = c.now().Sub(s.connectedAt)
	}
	c.metrics.CallFinished(s.machine.State(), wasConnected, duration)
	c.logger.Infow("call finished",
		"call_id", s.id,
		"state", s.machine.State(),
		"reason", s.machine.Reason(),
	)
	c.render(s.viewLocked())
}

// teardownLocked is idempotent.
func (s *CallSession) teardownLocked() {
	if s.tornDown {
		return
	}
	s.tornDown = true
	s.stopRingTimerLocked()
	s.closeCandidateGate()
	if s.unsubCall != nil {
		s.unsubCall()
	}
	if s.unsubCands != nil {
		s.unsubCands()
	}
	if s.media != nil {
		s.media.Teardown()
	}
}

// dropMediaLocked discards a half-built answer so the call can keep ringing.
func (s *CallSession) dropMediaLocked() {
	if s.unsubCands != nil {
		s.unsubCands()
		s.unsubCands = nil
	}
	if s.media != nil {
		s.media.Teardown()
		s.media = nil
	}
	s.candMu.Lock()
	s.gateOpen = false
	s.outbox = nil
	s.candMu.Unlock()
	s.seenCands = make(map[string]struct{})
}

func (s *CallSession) armRingTimerLocked(d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.ringTimer = time.AfterFunc(d, s.onRingTimeout)
}

func (s *CallSession) stopRingTimerLocked() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}

func (s *CallSession) viewLocked() ports.CallView {
	view := ports.CallView{
		CallID:       s.id,
		State:        s.machine.State(),
		Incoming:     s.role == roleReceiver,
		Contact:      s.contact,
		MicEnabled:   s.micEnabled,
		VideoEnabled: s.videoEnabled,
		Reason:       s.machine.Reason(),
	}
	if s.record != nil {
		view.Type = s.record.Type
	}
	if s.media != nil && !s.tornDown {
		view.LocalStream = s.media.LocalStream()
		view.RemoteStream = s.media.RemoteStream()
	}
	if s.machine.State() == domain.CallStateConnected {
		view.Elapsed = s.ctrl.now().Sub(s.connectedAt)
	}
	return view
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, domain.ErrMediaAccessDenied):
		return ReasonMediaAccessDenied
	case errors.Is(err, domain.ErrNoDeviceFound):
		return ReasonNoDeviceFound
	case errors.Is(err, domain.ErrTransport):
		return ReasonTransportError
	}
	return ReasonNegotiationFailed
}

// transportError tags err as a transport failure unless it already carries a
// more specific domain error.
func transportError(err error) error {
	for _, known := range []error{
		domain.ErrTransport,
		domain.ErrCallNotFound,
		domain.ErrCallExists,
		domain.ErrStatusConflict,
		domain.ErrFieldAlreadySet,
		domain.ErrInvalidTransition,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", domain.ErrTransport, err)
}
