package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/avelar/sfu-signaling/internal/config"
	"github.com/avelar/sfu-signaling/internal/core"
)

const testOffer = "v=0\r\n" +
	"o=- 20518 0 IN IP4 203.0.113.1\r\n" +
	"s=-\r\n" +
	"c=IN IP4 203.0.113.1\r\n" +
	"t=0 0\r\n" +
	"m=audio 54400 UDP/TLS/RTP/SAVPF 111\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=candidate:1001 1 udp 2122260223 203.0.113.1 54400 typ host\r\n"

const testAnswer = "v=0\r\n" +
	"o=- 20519 0 IN IP4 198.51.100.7\r\n" +
	"s=-\r\n" +
	"c=IN IP4 198.51.100.7\r\n" +
	"t=0 0\r\n" +
	"m=audio 49170 UDP/TLS/RTP/SAVPF 111\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n"

func testConfig() *config.Config {
	return &config.Config{
		AudioChannelOut:       "from-sfu-audio",
		ScreenshareChannelOut: "from-sfu-screenshare",
		MeetingChannel1x:      "to-meeting-events",
		MeetingChannel2x:      "to-meeting-events-2x",
		MessageVersion:        "2.x",
		MediaHostID:           "engine-1",
		WebRTCAdapter:         "Kurento",
		SourceAdapter:         "Freeswitch",
		MediaFlowTimeout:      time.Minute,
		ICEQueueLimit:         16,
	}
}

// fakeEngine is an in-process MediaEngine double: canned answers,
// injectable errors, call counters and an Emit hook to drive leg events.
type fakeEngine struct {
	mu sync.Mutex

	joinErr      error
	publishErr   error
	subscribeErr error
	leaveErr     error

	answer  string
	nextLeg int

	joins        int
	publishes    int
	subscribes   int
	unsubscribes int
	leaves       int

	subscribeOpts []core.LegOptions
	subscribeType []core.LegType
	candidates    map[core.LegID][]webrtc.ICECandidateInit
	handlers      map[core.LegID]core.EventHandler
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		answer:     testAnswer,
		candidates: make(map[core.LegID][]webrtc.ICECandidateInit),
		handlers:   make(map[core.LegID]core.EventHandler),
	}
}

func (e *fakeEngine) Join(context.Context, string, string) (core.UserHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.joinErr != nil {
		return "", e.joinErr
	}
	e.joins++
	return "handle-1", nil
}

func (e *fakeEngine) Publish(_ context.Context, _ core.UserHandle, _ string, _ core.LegType, _ core.LegOptions) (core.LegAnswer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.publishErr != nil {
		return core.LegAnswer{}, e.publishErr
	}
	e.publishes++
	return e.newLeg(), nil
}

func (e *fakeEngine) Subscribe(_ context.Context, _ core.UserHandle, _ core.LegID, leg core.LegType, opts core.LegOptions) (core.LegAnswer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.subscribeErr != nil {
		return core.LegAnswer{}, e.subscribeErr
	}
	e.subscribes++
	e.subscribeOpts = append(e.subscribeOpts, opts)
	e.subscribeType = append(e.subscribeType, leg)
	return e.newLeg(), nil
}

// newLeg must be called with e.mu held.
func (e *fakeEngine) newLeg() core.LegAnswer {
	e.nextLeg++
	return core.LegAnswer{LegID: core.LegID(fmt.Sprintf("leg-%d", e.nextLeg)), Answer: e.answer}
}

func (e *fakeEngine) Unsubscribe(context.Context, core.UserHandle, core.LegID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unsubscribes++
	return nil
}

func (e *fakeEngine) Leave(context.Context, string, core.UserHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.leaveErr != nil {
		return e.leaveErr
	}
	e.leaves++
	return nil
}

func (e *fakeEngine) AddIceCandidate(_ context.Context, leg core.LegID, c webrtc.ICECandidateInit) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.candidates[leg] = append(e.candidates[leg], c)
	return nil
}

func (e *fakeEngine) OnLegEvent(leg core.LegID, h core.EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[leg] = h
}

func (e *fakeEngine) OffLegEvent(leg core.LegID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, leg)
}

// Emit drives the handler registered for leg, like an engine
// notification would.
func (e *fakeEngine) Emit(leg core.LegID, ev core.MediaEvent) {
	e.mu.Lock()
	h := e.handlers[leg]
	e.mu.Unlock()
	if h != nil {
		ev.LegID = leg
		h(ev)
	}
}

func (e *fakeEngine) counts() (joins, subscribes, unsubscribes, leaves int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.joins, e.subscribes, e.unsubscribes, e.leaves
}

func (e *fakeEngine) candidatesFor(leg core.LegID) []webrtc.ICECandidateInit {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), e.candidates[leg]...)
}

func (e *fakeEngine) allCandidates() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, cs := range e.candidates {
		n += len(cs)
	}
	return n
}

func (e *fakeEngine) handlerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers)
}

type busMessage struct {
	channel string
	payload any
}

// fakeBus records every publish; Subscribe is a no-op.
type fakeBus struct {
	mu       sync.Mutex
	messages []busMessage
}

func (b *fakeBus) Publish(_ context.Context, channel string, v any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, busMessage{channel: channel, payload: v})
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string, func([]byte)) error { return nil }
func (b *fakeBus) Close() error                                          { return nil }

// ids lists the "id" field of every message published on channel, in
// order.
func (b *fakeBus) ids(channel string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, m := range b.messages {
		if m.channel != channel {
			continue
		}
		if msg, ok := m.payload.(map[string]any); ok {
			if id, ok := msg["id"].(string); ok {
				out = append(out, id)
			}
		}
	}
	return out
}

func (b *fakeBus) countID(channel, id string) int {
	n := 0
	for _, got := range b.ids(channel) {
		if got == id {
			n++
		}
	}
	return n
}

// headerNames lists the presence event names published on channel.
func (b *fakeBus) headerNames(channel string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, m := range b.messages {
		if m.channel != channel {
			continue
		}
		msg, ok := m.payload.(map[string]any)
		if !ok {
			continue
		}
		header, ok := msg["header"].(map[string]any)
		if !ok {
			continue
		}
		if name, ok := header["name"].(string); ok {
			out = append(out, name)
		}
	}
	return out
}

// lastOn returns the most recent message published on channel.
func (b *fakeBus) lastOn(channel string) (map[string]any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.messages) - 1; i >= 0; i-- {
		if b.messages[i].channel != channel {
			continue
		}
		if msg, ok := b.messages[i].payload.(map[string]any); ok {
			return msg, true
		}
	}
	return nil, false
}
