package services

import (
	"context"
	"sync"
	"testing"

	"chatcall/internal/core/domain"
	"chatcall/internal/core/ports"
	"chatcall/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSDP = "v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

func testCandidate(n string) domain.CandidatePayload {
	return domain.CandidatePayload{
		Version:   domain.PayloadVersion,
		Candidate: "candidate:" + n + " 1 udp 2130706431 10.0.0.1 5000 typ host",
	}
}

type fakeMedia struct {
	events ports.MediaEvents
	// candidate emitted while creating the local description
	localCandidate string

	mu          sync.Mutex
	acquireErr  error
	acquired    bool
	answer      *domain.SessionPayload
	remoteCands []domain.CandidatePayload
	mic         bool
	camera      bool
	teardowns   int
}

func (m *fakeMedia) AcquireLocalMedia(ctx context.Context, wantsVideo bool) (ports.LocalStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acquireErr != nil {
		return nil, m.acquireErr
	}
	m.acquired = true
	m.mic = true
	m.camera = wantsVideo
	return nil, nil
}

func (m *fakeMedia) PlaceOffer() (domain.SessionPayload, error) {
	m.emitCandidate()
	return domain.NewSessionPayload(domain.SDPTypeOffer, testSDP), nil
}

func (m *fakeMedia) AcceptOffer(offer domain.SessionPayload) (domain.SessionPayload, error) {
	if err := offer.Validate(domain.SDPTypeOffer); err != nil {
		return domain.SessionPayload{}, err
	}
	m.emitCandidate()
	return domain.NewSessionPayload(domain.SDPTypeAnswer, testSDP), nil
}

func (m *fakeMedia) emitCandidate() {
	if m.localCandidate != "" && m.events.OnLocalCandidate != nil {
		m.events.OnLocalCandidate(testCandidate(m.localCandidate))
	}
}

func (m *fakeMedia) ApplyAnswer(answer domain.SessionPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.answer = &answer
}

func (m *fakeMedia) AddRemoteCandidate(c domain.CandidatePayload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remoteCands = append(m.remoteCands, c)
}

func (m *fakeMedia) ToggleMic(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mic = enabled
}

func (m *fakeMedia) ToggleCamera(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.camera = enabled
}

func (m *fakeMedia) LocalStream() ports.LocalStream   { return nil }
func (m *fakeMedia) RemoteStream() ports.RemoteStream { return nil }

func (m *fakeMedia) Teardown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardowns++
}

func (m *fakeMedia) appliedAnswer() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.answer != nil
}

func (m *fakeMedia) candidates() []domain.CandidatePayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.CandidatePayload(nil), m.remoteCands...)
}

func (m *fakeMedia) micEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mic
}

func (m *fakeMedia) teardownCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.teardowns
}

type fakeMediaFactory struct {
	mu         sync.Mutex
	acquireErr error
	candidate  string
	sessions   []*fakeMedia
}

func (f *fakeMediaFactory) NewMediaSession(events ports.MediaEvents) (ports.MediaSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := &fakeMedia{events: events, acquireErr: f.acquireErr, localCandidate: f.candidate}
	f.sessions = append(f.sessions, m)
	return m, nil
}

func (f *fakeMediaFactory) setAcquireErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquireErr = err
}

func (f *fakeMediaFactory) last() *fakeMedia {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return nil
	}
	return f.sessions[len(f.sessions)-1]
}

type fakeScreen struct {
	mu       sync.Mutex
	incoming []ports.CallView
	views    map[domain.CallID][]ports.CallView
	failures []error
}

func newFakeScreen() *fakeScreen {
	return &fakeScreen{views: make(map[domain.CallID][]ports.CallView)}
}

func (s *fakeScreen) ShowIncoming(view ports.CallView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incoming = append(s.incoming, view)
	s.views[view.CallID] = append(s.views[view.CallID], view)
}

func (s *fakeScreen) Render(view ports.CallView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.views[view.CallID] = append(s.views[view.CallID], view)
}

func (s *fakeScreen) Failed(id domain.CallID, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, err)
}

func (s *fakeScreen) lastIncoming() (ports.CallView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.incoming) == 0 {
		return ports.CallView{}, false
	}
	return s.incoming[len(s.incoming)-1], true
}

func (s *fakeScreen) incomingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.incoming)
}

func (s *fakeScreen) lastView(id domain.CallID) ports.CallView {
	s.mu.Lock()
	defer s.mu.Unlock()
	views := s.views[id]
	if len(views) == 0 {
		return ports.CallView{}
	}
	return views[len(views)-1]
}

func (s *fakeScreen) failureCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.failures)
}

type endpoint struct {
	ctrl    *CallController
	screen  *fakeScreen
	media   *fakeMediaFactory
	metrics *MetricsService
}

func newEndpoint(t *testing.T, tr ports.SignalingTransport, user domain.UserID, cfg CallControllerConfig) *endpoint {
	t.Helper()
	return newLoggedEndpoint(t, tr, user, cfg, zap.NewNop().Sugar())
}

func newLoggedEndpoint(t *testing.T, tr ports.SignalingTransport, user domain.UserID, cfg CallControllerConfig, logger *zap.SugaredLogger) *endpoint {
	t.Helper()
	e := &endpoint{
		screen:  newFakeScreen(),
		media:   &fakeMediaFactory{candidate: string(user)},
		metrics: NewMetricsService(nil),
	}
	contacts := memory.NewMemoryContactDirectory(
		domain.Contact{UserID: "alice", DisplayName: "Alice"},
		domain.Contact{UserID: "bob", DisplayName: "Bob"},
	)
	e.ctrl = NewCallController(user, tr, e.media, contacts, e.screen, e.metrics, logger, cfg)
	require.NoError(t, e.ctrl.Start(context.Background()))
	t.Cleanup(func() { e.ctrl.Stop(context.Background()) })
	return e
}

func (e *endpoint) waitIncoming(t *testing.T) domain.CallID {
	t.Helper()
	var view ports.CallView
	require.Eventually(t, func() bool {
		var ok bool
		view, ok = e.screen.lastIncoming()
		return ok
	}, waitFor, tick)
	return view.CallID
}

func (e *endpoint) waitState(t *testing.T, id domain.CallID, state domain.CallState) {
	t.Helper()
	assert.Eventually(t, func() bool {
		return e.screen.lastView(id).State == state
	}, waitFor, tick, "expected %s to reach %s", e.ctrl.Self(), state)
}

func (r *AutoResponder) hasPending(id domain.CallID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.timers[id]
	return ok
}
