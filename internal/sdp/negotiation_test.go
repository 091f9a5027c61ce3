package sdp

import (
	"context"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avelar/sfu-signaling/internal/core"
)

const audioOffer = "v=0\r\n" +
	"o=- 20518 0 IN IP4 203.0.113.1\r\n" +
	"s=-\r\n" +
	"c=IN IP4 203.0.113.1\r\n" +
	"t=0 0\r\n" +
	"m=audio 54400 UDP/TLS/RTP/SAVPF 111\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=candidate:1001 1 udp 2122260223 203.0.113.1 54400 typ host\r\n" +
	"a=candidate:2002 2 udp 2122260222 203.0.113.1 54401 typ host\r\n"

const audioOnlyAnswer = "v=0\r\n" +
	"o=- 20519 0 IN IP4 198.51.100.7\r\n" +
	"s=-\r\n" +
	"c=IN IP4 198.51.100.7\r\n" +
	"t=0 0\r\n" +
	"m=audio 49170 UDP/TLS/RTP/SAVPF 111\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n"

const audioVideoAnswer = audioOnlyAnswer +
	"m=video 51372 UDP/TLS/RTP/SAVPF 96\r\n" +
	"a=rtpmap:96 VP8/90000\r\n"

const rejectedVideoAnswer = audioOnlyAnswer +
	"m=video 0 UDP/TLS/RTP/SAVPF 96\r\n"

// addCandidateEngine counts AddIceCandidate calls; the rest of the
// engine surface is unused by negotiations.
type addCandidateEngine struct {
	calls []webrtc.ICECandidateInit
	err   error
}

func (e *addCandidateEngine) Join(context.Context, string, string) (core.UserHandle, error) {
	return "", nil
}
func (e *addCandidateEngine) Publish(context.Context, core.UserHandle, string, core.LegType, core.LegOptions) (core.LegAnswer, error) {
	return core.LegAnswer{}, nil
}
func (e *addCandidateEngine) Subscribe(context.Context, core.UserHandle, core.LegID, core.LegType, core.LegOptions) (core.LegAnswer, error) {
	return core.LegAnswer{}, nil
}
func (e *addCandidateEngine) Unsubscribe(context.Context, core.UserHandle, core.LegID) error {
	return nil
}
func (e *addCandidateEngine) Leave(context.Context, string, core.UserHandle) error { return nil }
func (e *addCandidateEngine) AddIceCandidate(_ context.Context, _ core.LegID, c webrtc.ICECandidateInit) error {
	e.calls = append(e.calls, c)
	return e.err
}
func (e *addCandidateEngine) OnLegEvent(core.LegID, core.EventHandler) {}
func (e *addCandidateEngine) OffLegEvent(core.LegID)                   {}

func newTestLoad() *HostLoad {
	return NewHostLoad(prometheus.NewRegistry())
}

func TestSetOfferEmptyIsNoOp(t *testing.T) {
	n := NewNegotiation(core.LegWebRTC, "h1", "", nil)
	require.NoError(t, n.SetOffer(""))
	assert.False(t, n.NeedsRenegotiation())
}

func TestSetOfferTwiceFlagsRenegotiation(t *testing.T) {
	n := NewNegotiation(core.LegWebRTC, "h1", "", nil)
	require.NoError(t, n.SetOffer(audioOffer))
	assert.False(t, n.NeedsRenegotiation())
	require.NoError(t, n.SetOffer(audioOffer))
	assert.True(t, n.NeedsRenegotiation())
}

func TestSetAnswerComputesAvailability(t *testing.T) {
	n := NewNegotiation(core.LegWebRTC, "h1", "", nil)
	require.NoError(t, n.SetOffer(audioOffer))
	require.NoError(t, n.SetAnswer(audioOnlyAnswer))

	assert.True(t, n.HasAudio())
	assert.False(t, n.HasVideo())
}

func TestSetAnswerRejectedVideoPortNotAvailable(t *testing.T) {
	n := NewNegotiation(core.LegWebRTC, "h1", "", nil)
	require.NoError(t, n.SetAnswer(rejectedVideoAnswer))

	assert.True(t, n.HasAudio())
	assert.False(t, n.HasVideo())
}

func TestSetAnswerAccountsHostLoadOnce(t *testing.T) {
	load := newTestLoad()
	n := NewNegotiation(core.LegWebRTC, "h1", "", load)
	require.NoError(t, n.SetOffer(audioOffer))
	require.NoError(t, n.SetAnswer(audioOnlyAnswer))

	audio, video := load.Streams("h1")
	assert.Equal(t, 1, audio)
	assert.Equal(t, 0, video)

	// Re-setting the answer must not double-account.
	require.NoError(t, n.SetAnswer(audioOnlyAnswer))
	audio, video = load.Streams("h1")
	assert.Equal(t, 1, audio)
	assert.Equal(t, 0, video)
}

func TestReleaseReturnsHostLoad(t *testing.T) {
	load := newTestLoad()
	n := NewNegotiation(core.LegWebRTC, "h1", "", load)
	require.NoError(t, n.SetAnswer(audioVideoAnswer))

	audio, video := load.Streams("h1")
	require.Equal(t, 1, audio)
	require.Equal(t, 1, video)

	n.Release()
	audio, video = load.Streams("h1")
	assert.Equal(t, 0, audio)
	assert.Equal(t, 0, video)

	// Release is idempotent.
	n.Release()
	audio, _ = load.Streams("h1")
	assert.Equal(t, 0, audio)
}

func TestSetAnswerRewritesConnectionIPForRTPLegs(t *testing.T) {
	n := NewNegotiation(core.LegRTP, "h1", "10.9.8.7", nil)
	require.NoError(t, n.SetAnswer(audioOnlyAnswer))
	assert.Contains(t, n.Answer(), "c=IN IP4 10.9.8.7")
	assert.NotContains(t, n.Answer(), "c=IN IP4 198.51.100.7")
}

func TestSetAnswerKeepsConnectionIPForWebRTCLegs(t *testing.T) {
	n := NewNegotiation(core.LegWebRTC, "h1", "10.9.8.7", nil)
	require.NoError(t, n.SetAnswer(audioOnlyAnswer))
	assert.Contains(t, n.Answer(), "c=IN IP4 198.51.100.7")
}

func TestCandidateInOffer(t *testing.T) {
	n := NewNegotiation(core.LegWebRTC, "h1", "", nil)
	require.NoError(t, n.SetOffer(audioOffer))

	assert.True(t, n.CandidateInOffer("candidate:1001 1 udp 2122260223 203.0.113.1 54400 typ host"))
	assert.True(t, n.CandidateInOffer("candidate:2002 2 udp 2122260222 203.0.113.1 54401 typ host"))
	assert.False(t, n.CandidateInOffer("candidate:3003 1 udp 2122260223 203.0.113.9 54400 typ host"))
}

func TestCandidateInOfferWithoutOffer(t *testing.T) {
	n := NewNegotiation(core.LegWebRTC, "h1", "", nil)
	assert.False(t, n.CandidateInOffer("candidate:1001 1 udp 2122260223 203.0.113.1 54400 typ host"))
}

func TestAddIceCandidateDeduplicates(t *testing.T) {
	engine := &addCandidateEngine{}
	n := NewNegotiation(core.LegWebRTC, "h1", "", nil)
	require.NoError(t, n.SetOffer(audioOffer))

	dup := webrtc.ICECandidateInit{Candidate: "candidate:1001 1 udp 2122260223 203.0.113.1 54400 typ host"}
	require.NoError(t, n.AddIceCandidate(context.Background(), engine, "leg-1", dup))
	require.NoError(t, n.AddIceCandidate(context.Background(), engine, "leg-1", dup))
	assert.Empty(t, engine.calls)

	fresh := webrtc.ICECandidateInit{Candidate: "candidate:3003 1 udp 2122260223 203.0.113.9 54400 typ host"}
	require.NoError(t, n.AddIceCandidate(context.Background(), engine, "leg-1", fresh))
	assert.Len(t, engine.calls, 1)
}

func TestAddIceCandidateWrapsEngineError(t *testing.T) {
	engine := &addCandidateEngine{err: assert.AnError}
	n := NewNegotiation(core.LegWebRTC, "h1", "", nil)

	err := n.AddIceCandidate(context.Background(), engine, "leg-1",
		webrtc.ICECandidateInit{Candidate: "candidate:42 1 udp 1 10.0.0.1 1 typ host"})
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse("not an sdp")
	assert.Error(t, err)
}
