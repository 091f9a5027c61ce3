// Package app hosts the session state machines and the signaling
// routing layer between the message bus and the media engine.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/avelar/sfu-signaling/internal/config"
	"github.com/avelar/sfu-signaling/internal/core"
	"github.com/avelar/sfu-signaling/internal/domain"
	"github.com/avelar/sfu-signaling/internal/sdp"
)

// Status is the lifecycle state of a session's shared upstream leg.
type Status int

const (
	StatusStopped Status = iota
	StatusStarting
	StatusStarted
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "STARTING"
	case StatusStarted:
		return "STARTED"
	default:
		return "STOPPED"
	}
}

// StartCallback delivers the listener's SDP answer, or the failure that
// prevented the subscription.
type StartCallback func(answer string, err error)

// AudioSession fans one shared upstream audio source out to any number
// of WebRTC listeners. The upstream leg is created at most once per
// voice bridge; its teardown is reference counted on the listener legs.
type AudioSession struct {
	voiceBridge string
	engine      core.MediaEngine
	bus         core.Bus
	cfg         *config.Config
	load        *sdp.HostLoad

	users      *core.Directory
	candidates *core.CandidateQueue
	watchdog   *core.FlowWatchdog

	mu           sync.Mutex
	status       Status
	userHandle   core.UserHandle
	sourceLeg    core.LegID
	legs         map[core.ConnectionID]core.LegID
	negotiations map[core.ConnectionID]*sdp.Negotiation
	// pending holds the listeners that arrived while the source was not
	// started yet; drained exactly once when it is.
	pending []func(err error)
}

func NewAudioSession(voiceBridge string, engine core.MediaEngine, bus core.Bus, cfg *config.Config, load *sdp.HostLoad) *AudioSession {
	return &AudioSession{
		voiceBridge:  voiceBridge,
		engine:       engine,
		bus:          bus,
		cfg:          cfg,
		load:         load,
		users:        core.NewDirectory(),
		candidates:   core.NewCandidateQueue(cfg.ICEQueueLimit),
		watchdog:     core.NewFlowWatchdog(cfg.MediaFlowTimeout),
		legs:         make(map[core.ConnectionID]core.LegID),
		negotiations: make(map[core.ConnectionID]*sdp.Negotiation),
	}
}

func (s *AudioSession) VoiceBridge() string { return s.voiceBridge }

func (s *AudioSession) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *AudioSession) ListenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.legs)
}

// Upstart joins the voice bridge and publishes the shared upstream
// source leg. Concurrent calls observe the STARTING guard and return
// immediately; listeners queued meanwhile are resumed exactly once.
// A failure resets the session to STOPPED and fails the queued
// listeners.
func (s *AudioSession) Upstart(ctx context.Context, descriptor, name string) error {
	s.mu.Lock()
	if s.status != StatusStopped {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusStarting
	s.mu.Unlock()

	handle, err := s.engine.Join(ctx, s.voiceBridge, "SFU")
	if err != nil {
		return s.failUpstart(fmt.Errorf("join %s: %w", s.voiceBridge, err))
	}
	log.Info().Str("module", "app.audio").Str("bridge", s.voiceBridge).Str("handle", string(handle)).Msg("joined voice bridge")

	ret, err := s.engine.Publish(ctx, handle, s.voiceBridge, core.LegRTP, core.LegOptions{
		Descriptor: descriptor,
		Adapter:    s.cfg.SourceAdapter,
		Name:       name,
	})
	if err != nil {
		return s.failUpstart(fmt.Errorf("publish source for %s: %w", s.voiceBridge, err))
	}
	s.engine.OnLegEvent(ret.LegID, s.onSourceEvent)

	s.mu.Lock()
	s.userHandle = handle
	s.sourceLeg = ret.LegID
	s.status = StatusStarted
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	log.Info().Str("module", "app.audio").Str("bridge", s.voiceBridge).Str("source", string(ret.LegID)).Int("queued_listeners", len(pending)).Msg("source audio started")
	for _, resume := range pending {
		resume(nil)
	}
	return nil
}

func (s *AudioSession) failUpstart(err error) error {
	s.mu.Lock()
	s.status = StatusStopped
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	log.Error().Err(err).Str("module", "app.audio").Str("bridge", s.voiceBridge).Msg("error upstarting source audio")
	for _, resume := range pending {
		resume(err)
	}
	return err
}

// Start registers a listener. The user and its flow watchdog are set up
// immediately, independent of upstream readiness; the subscribe step is
// deferred until the source is started.
func (s *AudioSession) Start(ctx context.Context, conn core.ConnectionID, sdpOffer string, user *domain.User, cb StartCallback) {
	log.Info().Str("module", "app.audio").Str("bridge", s.voiceBridge).Str("connection", string(conn)).Str("user", string(user.ID)).Stringer("status", s.Status()).Msg("starting audio listener")

	s.users.Add(conn, user)
	s.watchdog.Arm(conn, s.onFlowTimeout)

	resume := func(err error) {
		if err != nil {
			cb("", err)
			return
		}
		answer, err := s.subscribe(ctx, conn, sdpOffer)
		cb(answer, err)
	}

	s.mu.Lock()
	if s.status != StatusStarted {
		s.pending = append(s.pending, resume)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	resume(nil)
}

func (s *AudioSession) subscribe(ctx context.Context, conn core.ConnectionID, offer string) (string, error) {
	neg := sdp.NewNegotiation(core.LegWebRTC, s.cfg.MediaHostID, s.cfg.MediaHostIP, s.load)
	if err := neg.SetOffer(offer); err != nil {
		return "", fmt.Errorf("offer for %s: %w", conn, err)
	}

	s.mu.Lock()
	handle, source := s.userHandle, s.sourceLeg
	s.mu.Unlock()

	ret, err := s.engine.Subscribe(ctx, handle, source, core.LegWebRTC, core.LegOptions{
		Descriptor: offer,
		Adapter:    s.cfg.WebRTCAdapter,
	})
	if err != nil {
		return "", fmt.Errorf("subscribe listener %s: %w", conn, err)
	}
	if err := neg.SetAnswer(ret.Answer); err != nil {
		log.Warn().Err(err).Str("module", "app.audio").Str("connection", string(conn)).Msg("engine answer did not parse, forwarding raw")
	}

	s.mu.Lock()
	s.legs[conn] = ret.LegID
	s.negotiations[conn] = neg
	s.mu.Unlock()

	s.engine.OnLegEvent(ret.LegID, func(ev core.MediaEvent) { s.onListenerEvent(conn, ev) })
	s.candidates.Flush(conn, func(c webrtc.ICECandidateInit) error {
		return neg.AddIceCandidate(ctx, s.engine, ret.LegID, c)
	})

	log.Info().Str("module", "app.audio").Str("bridge", s.voiceBridge).Str("connection", string(conn)).Str("leg", string(ret.LegID)).Msg("listener subscribed")
	if a := neg.Answer(); a != "" {
		return a, nil
	}
	return ret.Answer, nil
}

// OnIceCandidate forwards a browser candidate to the listener's leg,
// buffering it when the leg does not exist yet.
func (s *AudioSession) OnIceCandidate(ctx context.Context, conn core.ConnectionID, candidate webrtc.ICECandidateInit) error {
	s.mu.Lock()
	leg, ok := s.legs[conn]
	neg := s.negotiations[conn]
	s.mu.Unlock()
	if !ok {
		s.candidates.Enqueue(conn, candidate)
		return nil
	}
	s.candidates.Flush(conn, func(c webrtc.ICECandidateInit) error {
		return neg.AddIceCandidate(ctx, s.engine, leg, c)
	})
	return neg.AddIceCandidate(ctx, s.engine, leg, candidate)
}

// StopListener releases one listener. The last listener out also
// releases the shared upstream leg and resets the session to STOPPED.
// Local bookkeeping is cleaned up even when the engine call fails, so
// local and remote state cannot diverge into a permanent leak.
func (s *AudioSession) StopListener(ctx context.Context, conn core.ConnectionID) error {
	log.Info().Str("module", "app.audio").Str("bridge", s.voiceBridge).Str("connection", string(conn)).Msg("releasing listener")

	s.notifyUserDisconnected(ctx, conn)

	s.mu.Lock()
	leg, ok := s.legs[conn]
	neg := s.negotiations[conn]
	last := ok && len(s.legs) == 1
	delete(s.legs, conn)
	delete(s.negotiations, conn)
	handle := s.userHandle
	source := s.sourceLeg
	if last {
		s.status = StatusStopped
		s.userHandle = ""
		s.sourceLeg = ""
	}
	s.mu.Unlock()

	s.watchdog.Disarm(conn)
	s.candidates.Discard(conn)
	s.users.Remove(conn)

	if !ok {
		return nil
	}
	s.engine.OffLegEvent(leg)
	if neg != nil {
		neg.Release()
	}

	if last {
		s.engine.OffLegEvent(source)
		if err := s.engine.Leave(ctx, s.voiceBridge, handle); err != nil {
			log.Error().Err(err).Str("module", "app.audio").Str("bridge", s.voiceBridge).Msg("engine leave failed on last listener")
			return fmt.Errorf("leave %s: %w", s.voiceBridge, err)
		}
		log.Info().Str("module", "app.audio").Str("bridge", s.voiceBridge).Msg("last listener out, source audio released")
		return nil
	}
	if err := s.engine.Unsubscribe(ctx, handle, leg); err != nil {
		log.Error().Err(err).Str("module", "app.audio").Str("connection", string(conn)).Msg("engine unsubscribe failed")
		return fmt.Errorf("unsubscribe %s: %w", conn, err)
	}
	return nil
}

// Stop tears the whole session down: every listener leg, the upstream
// leg, all buffers and timers, notifying every still-connected user.
func (s *AudioSession) Stop(ctx context.Context) error {
	log.Info().Str("module", "app.audio").Str("bridge", s.voiceBridge).Msg("releasing session")

	s.mu.Lock()
	handle := s.userHandle
	source := s.sourceLeg
	legs := s.legs
	negs := s.negotiations
	s.legs = make(map[core.ConnectionID]core.LegID)
	s.negotiations = make(map[core.ConnectionID]*sdp.Negotiation)
	s.status = StatusStopped
	s.userHandle = ""
	s.sourceLeg = ""
	s.mu.Unlock()

	s.watchdog.StopAll()
	s.candidates.DiscardAll()
	for conn, leg := range legs {
		s.engine.OffLegEvent(leg)
		if neg := negs[conn]; neg != nil {
			neg.Release()
		}
	}
	if source != "" {
		s.engine.OffLegEvent(source)
	}
	for _, conn := range s.users.Connections() {
		s.notifyUserDisconnected(ctx, conn)
		s.users.Remove(conn)
	}

	if handle == "" {
		return nil
	}
	if err := s.engine.Leave(ctx, s.voiceBridge, handle); err != nil {
		log.Error().Err(err).Str("module", "app.audio").Str("bridge", s.voiceBridge).Msg("engine leave failed on stop")
		return fmt.Errorf("leave %s: %w", s.voiceBridge, err)
	}
	return nil
}

// SubscribeExternal creates an engine-originated RTP consumer of the
// shared source leg, e.g. for a recorder or transcoder.
func (s *AudioSession) SubscribeExternal(ctx context.Context, descriptor string) (core.LegAnswer, error) {
	s.mu.Lock()
	handle, source, status := s.userHandle, s.sourceLeg, s.status
	s.mu.Unlock()
	if status != StatusStarted {
		return core.LegAnswer{}, fmt.Errorf("source audio not started for %s", s.voiceBridge)
	}
	ret, err := s.engine.Subscribe(ctx, handle, source, core.LegRTP, core.LegOptions{
		Descriptor: descriptor,
		Adapter:    s.cfg.SourceAdapter,
	})
	if err != nil {
		return core.LegAnswer{}, fmt.Errorf("external subscribe for %s: %w", s.voiceBridge, err)
	}
	return ret, nil
}

func (s *AudioSession) onSourceEvent(ev core.MediaEvent) {
	switch ev.Kind {
	case core.EventMediaStateChanged:
	default:
		log.Warn().Str("module", "app.audio").Str("bridge", s.voiceBridge).Str("kind", string(ev.Kind)).Msg("unrecognized source event")
	}
}

func (s *AudioSession) onListenerEvent(conn core.ConnectionID, ev core.MediaEvent) {
	ctx := context.Background()
	switch ev.Kind {
	case core.EventICECandidate:
		if ev.Candidate == nil {
			return
		}
		log.Debug().Str("module", "app.audio").Str("connection", string(conn)).Msg("engine trickle candidate")
		s.publish(ctx, s.cfg.AudioChannelOut, iceCandidateMessage(conn, "audio", *ev.Candidate))
	case core.EventFlowInChanged:
		log.Info().Str("module", "app.audio").Str("connection", string(conn)).Str("state", ev.State).Str("type", ev.MediaType).Msg("flow-in state change")
		if ev.State == core.FlowStateFlowing {
			s.onMediaFlowing(ctx, conn)
		} else {
			s.watchdog.Arm(conn, s.onFlowTimeout)
		}
	case core.EventFlowOutChanged, core.EventMediaStateChanged:
		log.Debug().Str("module", "app.audio").Str("connection", string(conn)).Str("state", ev.State).Str("kind", string(ev.Kind)).Msg("media event")
	default:
		log.Warn().Str("module", "app.audio").Str("connection", string(conn)).Str("kind", string(ev.Kind)).Msg("unrecognized listener event")
	}
}

func (s *AudioSession) onMediaFlowing(ctx context.Context, conn core.ConnectionID) {
	log.Info().Str("module", "app.audio").Str("bridge", s.voiceBridge).Str("connection", string(conn)).Msg("media flowing for listener")
	s.watchdog.Disarm(conn)
	s.notifyUserConnected(ctx, conn)
	s.publish(ctx, s.cfg.AudioChannelOut, audioSuccessMessage(conn))
}

// onFlowTimeout is the watchdog expiry path: a listener whose media
// never started flowing is force-stopped and told so.
func (s *AudioSession) onFlowTimeout(conn core.ConnectionID) {
	ctx := context.Background()
	log.Warn().Str("module", "app.audio").Str("bridge", s.voiceBridge).Str("connection", string(conn)).Msg("media not flowing for listener, forcing stop")
	s.publish(ctx, s.cfg.AudioChannelOut, audioErrorMessage(conn))
	if err := s.StopListener(ctx, conn); err != nil {
		log.Error().Err(err).Str("module", "app.audio").Str("connection", string(conn)).Msg("forced stop failed")
	}
}

func (s *AudioSession) notifyUserConnected(ctx context.Context, conn core.ConnectionID) {
	user, ok := s.users.Get(conn)
	if !ok {
		return
	}
	s.publish(ctx, s.presenceChannel(), userConnectedToGlobalAudioMessage(s.cfg.MessageVersion, s.voiceBridge, user))
}

func (s *AudioSession) notifyUserDisconnected(ctx context.Context, conn core.ConnectionID) {
	user, ok := s.users.Get(conn)
	if !ok {
		return
	}
	log.Info().Str("module", "app.audio").Str("bridge", s.voiceBridge).Str("user", string(user.ID)).Str("connection", string(conn)).Msg("sending global audio disconnection")
	s.publish(ctx, s.presenceChannel(), userDisconnectedFromGlobalAudioMessage(s.cfg.MessageVersion, s.voiceBridge, user))
}

// presenceChannel picks the meeting channel generation by the
// negotiated protocol version.
func (s *AudioSession) presenceChannel() string {
	if s.cfg.MessageVersion == "1.x" {
		return s.cfg.MeetingChannel1x
	}
	return s.cfg.MeetingChannel2x
}

func (s *AudioSession) publish(ctx context.Context, channel string, msg any) {
	if err := s.bus.Publish(ctx, channel, msg); err != nil {
		log.Error().Err(err).Str("module", "app.audio").Str("channel", channel).Msg("bus publish failed")
	}
}
