package domain

import (
	"fmt"
	"strings"
)

// PayloadVersion is the schema version written into every signaling payload.
const PayloadVersion = 1

type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

// SessionPayload is a versioned session description as stored in a CallRecord.
type SessionPayload struct {
	Version int     `json:"version"`
	Type    SDPType `json:"type"`
	SDP     string  `json:"sdp"`
}

func NewSessionPayload(t SDPType, sdp string) SessionPayload {
	return SessionPayload{Version: PayloadVersion, Type: t, SDP: sdp}
}

// Validate checks schema version, description type and the mandatory SDP lines.
func (p SessionPayload) Validate(expected SDPType) error {
	if p.Version != PayloadVersion {
		return fmt.Errorf("unsupported payload version %d", p.Version)
	}
	if p.Type != expected {
		return fmt.Errorf("expected %s, got %q", expected, p.Type)
	}
	return validateSDP(p.SDP)
}

func validateSDP(sdp string) error {
	if strings.TrimSpace(sdp) == "" {
		return fmt.Errorf("empty sdp")
	}
	if !strings.HasPrefix(sdp, "v=") {
		return fmt.Errorf("sdp must start with v=")
	}
	for _, line := range []string{"\no=", "\ns=", "\nt="} {
		if !strings.Contains(sdp, line) {
			return fmt.Errorf("sdp missing %s line", strings.TrimPrefix(line, "\n"))
		}
	}
	return nil
}

// CandidatePayload is a versioned ICE candidate.
type CandidatePayload struct {
	Version          int     `json:"version"`
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Validate rejects unknown versions and candidate lines that do not carry the
// foundation, component, transport, priority, address, port and type fields.
func (c CandidatePayload) Validate() error {
	if c.Version != PayloadVersion {
		return fmt.Errorf("unsupported payload version %d", c.Version)
	}
	fields := strings.Fields(strings.TrimPrefix(c.Candidate, "candidate:"))
	if len(fields) < 8 || fields[6] != "typ" {
		return fmt.Errorf("invalid candidate line %q", c.Candidate)
	}
	return nil
}

// Key identifies a candidate independently of who delivered it or how often.
func (c CandidatePayload) Key() string {
	var b strings.Builder
	b.WriteString(strings.TrimPrefix(c.Candidate, "candidate:"))
	if c.SDPMid != nil {
		b.WriteString("|mid=")
		b.WriteString(*c.SDPMid)
	}
	if c.SDPMLineIndex != nil {
		fmt.Fprintf(&b, "|mline=%d", *c.SDPMLineIndex)
	}
	return b.String()
}

// IceCandidateMessage is one entry of a call's append-only candidate log.
type IceCandidateMessage struct {
	Candidate CandidatePayload `json:"candidate"`
	From      UserID           `json:"from"`
	// Seq is assigned by the transport and increases monotonically per call.
	Seq string `json:"seq,omitempty"`
}
