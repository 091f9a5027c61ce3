package sdp

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/avelar/sfu-signaling/internal/core"
)

var (
	candidateFoundation = regexp.MustCompile(`candidate:(\d+)`)
	offerCandidateLines = regexp.MustCompile(`a=candidate:(\d+)`)
)

// Negotiation wraps the offer/answer pair of one media leg. It is not
// threadsafe; the owning session serializes access on its own timeline.
type Negotiation struct {
	legType core.LegType
	hostID  string
	hostIP  string
	load    *HostLoad

	offer  *Wrapper
	answer *Wrapper

	needsRenegotiation bool
	accounted          bool
	hasAudio           bool
	hasVideo           bool
}

// NewNegotiation binds a negotiation to the engine host serving the
// leg. load may be nil when no balancer feedback is wanted.
func NewNegotiation(legType core.LegType, hostID, hostIP string, load *HostLoad) *Negotiation {
	return &Negotiation{legType: legType, hostID: hostID, hostIP: hostIP, load: load}
}

// SetOffer parses raw into the stored offer. Overwriting an existing
// offer flags the session for renegotiation; empty input is a no-op.
func (n *Negotiation) SetOffer(raw string) error {
	if raw == "" {
		return nil
	}
	if n.offer != nil {
		n.needsRenegotiation = true
	}
	w, err := Parse(raw)
	if err != nil {
		return err
	}
	n.offer = w
	return nil
}

// SetAnswer parses raw into the stored answer, recomputes the
// audio/video availability and accounts the leg on its host exactly
// once. Non-WebRTC legs first get the connection IP rewritten to the
// media host, they terminate on the engine rather than on a browser.
func (n *Negotiation) SetAnswer(raw string) error {
	if raw == "" {
		return nil
	}
	if n.legType != core.LegWebRTC && n.hostIP != "" {
		raw = ReplaceConnectionIP(raw, n.hostIP)
	}
	w, err := Parse(raw)
	if err != nil {
		return err
	}
	n.answer = w
	n.hasAudio = w.HasAvailableAudioCodec()
	n.hasVideo = w.HasAvailableVideoCodec()
	if n.load != nil && !n.accounted {
		n.load.AccountForAnswer(n.hostID, n.hasAudio, n.hasVideo)
		n.accounted = true
	}
	return nil
}

func (n *Negotiation) HasAudio() bool           { return n.hasAudio }
func (n *Negotiation) HasVideo() bool           { return n.hasVideo }
func (n *Negotiation) NeedsRenegotiation() bool { return n.needsRenegotiation }
func (n *Negotiation) Answer() string {
	if n.answer == nil {
		return ""
	}
	return n.answer.Raw()
}

// Release returns the leg's host-load accounting; called once on leg
// teardown.
func (n *Negotiation) Release() {
	if n.load != nil && n.accounted {
		n.load.ReleaseForAnswer(n.hostID, n.hasAudio, n.hasVideo)
		n.accounted = false
	}
}

// CandidateInOffer reports whether a candidate with the same foundation
// token already appears in the stored offer. False when no offer is
// stored.
func (n *Negotiation) CandidateInOffer(candidate string) bool {
	if n.offer == nil {
		return false
	}
	m := candidateFoundation.FindStringSubmatch(candidate)
	if m == nil {
		return false
	}
	for _, line := range offerCandidateLines.FindAllString(n.offer.Raw(), -1) {
		if strings.Contains(line, m[1]) {
			return true
		}
	}
	return false
}

// AddIceCandidate forwards candidate to the engine for leg, silently
// ignoring candidates already embedded in the offer. An engine failure
// is wrapped and surfaced to the caller, never swallowed.
func (n *Negotiation) AddIceCandidate(ctx context.Context, engine core.MediaEngine, leg core.LegID, candidate webrtc.ICECandidateInit) error {
	if n.CandidateInOffer(candidate.Candidate) {
		return nil
	}
	if err := engine.AddIceCandidate(ctx, leg, candidate); err != nil {
		return fmt.Errorf("add ice candidate to leg %s: %w", leg, err)
	}
	return nil
}
