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

// ScreenshareSession is a per-presenter session: the presenter's screen
// leg is the shared upstream source, viewers subscribe downstream. The
// presenter owns the session lifetime; losing the presenter tears the
// whole session down.
type ScreenshareSession struct {
	voiceBridge string
	meetingID   string
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
	presenter    core.ConnectionID
	presenterLeg core.LegID
	presenterNeg *sdp.Negotiation
	viewers      map[core.ConnectionID]core.LegID
	viewerNegs   map[core.ConnectionID]*sdp.Negotiation
}

func NewScreenshareSession(voiceBridge, meetingID string, engine core.MediaEngine, bus core.Bus, cfg *config.Config, load *sdp.HostLoad) *ScreenshareSession {
	return &ScreenshareSession{
		voiceBridge: voiceBridge,
		meetingID:   meetingID,
		engine:      engine,
		bus:         bus,
		cfg:         cfg,
		load:        load,
		users:       core.NewDirectory(),
		candidates:  core.NewCandidateQueue(cfg.ICEQueueLimit),
		watchdog:    core.NewFlowWatchdog(cfg.MediaFlowTimeout),
		viewers:     make(map[core.ConnectionID]core.LegID),
		viewerNegs:  make(map[core.ConnectionID]*sdp.Negotiation),
	}
}

func (s *ScreenshareSession) VoiceBridge() string { return s.voiceBridge }

func (s *ScreenshareSession) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *ScreenshareSession) ViewerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.viewers)
}

// Start publishes the presenter's screen leg and makes it the shared
// source. One presenter per session; a second start is rejected.
func (s *ScreenshareSession) Start(ctx context.Context, conn core.ConnectionID, sdpOffer string, user *domain.User) (string, error) {
	s.mu.Lock()
	if s.status != StatusStopped {
		s.mu.Unlock()
		return "", fmt.Errorf("screenshare already active for %s", s.voiceBridge)
	}
	s.status = StatusStarting
	s.mu.Unlock()

	log.Info().Str("module", "app.screenshare").Str("bridge", s.voiceBridge).Str("connection", string(conn)).Msg("starting presenter")
	s.users.Add(conn, user)
	s.watchdog.Arm(conn, s.onPresenterTimeout)

	fail := func(err error) (string, error) {
		s.mu.Lock()
		s.status = StatusStopped
		s.mu.Unlock()
		s.watchdog.Disarm(conn)
		s.users.Remove(conn)
		return "", err
	}

	handle, err := s.engine.Join(ctx, s.voiceBridge, "SFU")
	if err != nil {
		return fail(fmt.Errorf("join %s: %w", s.voiceBridge, err))
	}

	neg := sdp.NewNegotiation(core.LegWebRTC, s.cfg.MediaHostID, s.cfg.MediaHostIP, s.load)
	if err := neg.SetOffer(sdpOffer); err != nil {
		return fail(fmt.Errorf("presenter offer: %w", err))
	}
	ret, err := s.engine.Publish(ctx, handle, s.voiceBridge, core.LegWebRTC, core.LegOptions{
		Descriptor: sdpOffer,
		Adapter:    s.cfg.WebRTCAdapter,
		Name:       user.Name,
	})
	if err != nil {
		return fail(fmt.Errorf("publish presenter for %s: %w", s.voiceBridge, err))
	}
	if err := neg.SetAnswer(ret.Answer); err != nil {
		log.Warn().Err(err).Str("module", "app.screenshare").Str("connection", string(conn)).Msg("engine answer did not parse, forwarding raw")
	}

	s.mu.Lock()
	s.userHandle = handle
	s.presenter = conn
	s.presenterLeg = ret.LegID
	s.presenterNeg = neg
	s.status = StatusStarted
	s.mu.Unlock()

	s.engine.OnLegEvent(ret.LegID, func(ev core.MediaEvent) { s.onLegEvent(conn, ev, true) })
	s.candidates.Flush(conn, func(c webrtc.ICECandidateInit) error {
		return neg.AddIceCandidate(ctx, s.engine, ret.LegID, c)
	})

	log.Info().Str("module", "app.screenshare").Str("bridge", s.voiceBridge).Str("leg", string(ret.LegID)).Msg("presenter started")
	if a := neg.Answer(); a != "" {
		return a, nil
	}
	return ret.Answer, nil
}

// StartViewer subscribes one viewer to the presenter's leg.
func (s *ScreenshareSession) StartViewer(ctx context.Context, conn core.ConnectionID, sdpOffer string, user *domain.User) (string, error) {
	s.mu.Lock()
	if s.status != StatusStarted {
		s.mu.Unlock()
		return "", fmt.Errorf("no active presenter for %s", s.voiceBridge)
	}
	handle, source := s.userHandle, s.presenterLeg
	s.mu.Unlock()

	s.users.Add(conn, user)
	s.watchdog.Arm(conn, s.onViewerTimeout)

	neg := sdp.NewNegotiation(core.LegWebRTC, s.cfg.MediaHostID, s.cfg.MediaHostIP, s.load)
	if err := neg.SetOffer(sdpOffer); err != nil {
		return "", fmt.Errorf("viewer offer for %s: %w", conn, err)
	}
	ret, err := s.engine.Subscribe(ctx, handle, source, core.LegWebRTC, core.LegOptions{
		Descriptor: sdpOffer,
		Adapter:    s.cfg.WebRTCAdapter,
	})
	if err != nil {
		return "", fmt.Errorf("subscribe viewer %s: %w", conn, err)
	}
	if err := neg.SetAnswer(ret.Answer); err != nil {
		log.Warn().Err(err).Str("module", "app.screenshare").Str("connection", string(conn)).Msg("engine answer did not parse, forwarding raw")
	}

	s.mu.Lock()
	s.viewers[conn] = ret.LegID
	s.viewerNegs[conn] = neg
	s.mu.Unlock()

	s.engine.OnLegEvent(ret.LegID, func(ev core.MediaEvent) { s.onLegEvent(conn, ev, false) })
	s.candidates.Flush(conn, func(c webrtc.ICECandidateInit) error {
		return neg.AddIceCandidate(ctx, s.engine, ret.LegID, c)
	})

	log.Info().Str("module", "app.screenshare").Str("bridge", s.voiceBridge).Str("connection", string(conn)).Str("leg", string(ret.LegID)).Msg("viewer subscribed")
	if a := neg.Answer(); a != "" {
		return a, nil
	}
	return ret.Answer, nil
}

// OnIceCandidate routes a browser candidate to the presenter or viewer
// leg of conn, buffering it while neither exists.
func (s *ScreenshareSession) OnIceCandidate(ctx context.Context, conn core.ConnectionID, candidate webrtc.ICECandidateInit) error {
	s.mu.Lock()
	leg, neg := s.legFor(conn)
	s.mu.Unlock()
	if leg == "" {
		s.candidates.Enqueue(conn, candidate)
		return nil
	}
	s.candidates.Flush(conn, func(c webrtc.ICECandidateInit) error {
		return neg.AddIceCandidate(ctx, s.engine, leg, c)
	})
	return neg.AddIceCandidate(ctx, s.engine, leg, candidate)
}

// legFor must be called with s.mu held.
func (s *ScreenshareSession) legFor(conn core.ConnectionID) (core.LegID, *sdp.Negotiation) {
	if conn == s.presenter && s.presenterLeg != "" {
		return s.presenterLeg, s.presenterNeg
	}
	if leg, ok := s.viewers[conn]; ok {
		return leg, s.viewerNegs[conn]
	}
	return "", nil
}

// StopViewer releases a single viewer leg; the presenter and the other
// viewers are untouched. Local bookkeeping is cleaned up even when the
// engine call fails.
func (s *ScreenshareSession) StopViewer(ctx context.Context, conn core.ConnectionID) error {
	log.Info().Str("module", "app.screenshare").Str("bridge", s.voiceBridge).Str("connection", string(conn)).Msg("stopping viewer")

	s.mu.Lock()
	leg, ok := s.viewers[conn]
	neg := s.viewerNegs[conn]
	delete(s.viewers, conn)
	delete(s.viewerNegs, conn)
	handle := s.userHandle
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
	if err := s.engine.Unsubscribe(ctx, handle, leg); err != nil {
		log.Error().Err(err).Str("module", "app.screenshare").Str("connection", string(conn)).Msg("engine unsubscribe failed")
		return fmt.Errorf("unsubscribe viewer %s: %w", conn, err)
	}
	return nil
}

// Stop tears down the presenter and every viewer. Viewers are told the
// session closed.
func (s *ScreenshareSession) Stop(ctx context.Context) error {
	log.Info().Str("module", "app.screenshare").Str("bridge", s.voiceBridge).Msg("stopping presenter session")

	s.mu.Lock()
	handle := s.userHandle
	presenterLeg := s.presenterLeg
	presenterNeg := s.presenterNeg
	viewers := s.viewers
	viewerNegs := s.viewerNegs
	s.viewers = make(map[core.ConnectionID]core.LegID)
	s.viewerNegs = make(map[core.ConnectionID]*sdp.Negotiation)
	s.presenter = ""
	s.presenterLeg = ""
	s.presenterNeg = nil
	s.userHandle = ""
	s.status = StatusStopped
	s.mu.Unlock()

	s.watchdog.StopAll()
	s.candidates.DiscardAll()

	for conn, leg := range viewers {
		s.engine.OffLegEvent(leg)
		if neg := viewerNegs[conn]; neg != nil {
			neg.Release()
		}
		s.publish(ctx, s.cfg.ScreenshareChannelOut, closeMessage(conn, "screenshare"))
	}
	if presenterLeg != "" {
		s.engine.OffLegEvent(presenterLeg)
	}
	if presenterNeg != nil {
		presenterNeg.Release()
	}
	for _, conn := range s.users.Connections() {
		s.users.Remove(conn)
	}

	if handle == "" {
		return nil
	}
	if err := s.engine.Leave(ctx, s.voiceBridge, handle); err != nil {
		log.Error().Err(err).Str("module", "app.screenshare").Str("bridge", s.voiceBridge).Msg("engine leave failed on stop")
		return fmt.Errorf("leave %s: %w", s.voiceBridge, err)
	}
	return nil
}

// SubscribeExternal creates an engine-originated RTP consumer of the
// presenter leg, e.g. for the recorder; a short keyframe interval keeps
// seeks cheap.
func (s *ScreenshareSession) SubscribeExternal(ctx context.Context, descriptor string) (core.LegAnswer, error) {
	s.mu.Lock()
	handle, source, status := s.userHandle, s.presenterLeg, s.status
	s.mu.Unlock()
	if status != StatusStarted {
		return core.LegAnswer{}, fmt.Errorf("no active presenter for %s", s.voiceBridge)
	}
	ret, err := s.engine.Subscribe(ctx, handle, source, core.LegRTP, core.LegOptions{
		Descriptor:       descriptor,
		KeyframeInterval: 2,
	})
	if err != nil {
		return core.LegAnswer{}, fmt.Errorf("external subscribe for %s: %w", s.voiceBridge, err)
	}
	return ret, nil
}

func (s *ScreenshareSession) onLegEvent(conn core.ConnectionID, ev core.MediaEvent, presenter bool) {
	ctx := context.Background()
	switch ev.Kind {
	case core.EventICECandidate:
		if ev.Candidate == nil {
			return
		}
		s.publish(ctx, s.cfg.ScreenshareChannelOut, iceCandidateMessage(conn, "screenshare", *ev.Candidate))
	case core.EventFlowInChanged:
		log.Info().Str("module", "app.screenshare").Str("connection", string(conn)).Str("state", ev.State).Bool("presenter", presenter).Msg("flow-in state change")
		if ev.State == core.FlowStateFlowing {
			s.watchdog.Disarm(conn)
		} else if presenter {
			s.watchdog.Arm(conn, s.onPresenterTimeout)
		} else {
			s.watchdog.Arm(conn, s.onViewerTimeout)
		}
	case core.EventFlowOutChanged, core.EventMediaStateChanged:
		log.Debug().Str("module", "app.screenshare").Str("connection", string(conn)).Str("state", ev.State).Str("kind", string(ev.Kind)).Msg("media event")
	default:
		log.Warn().Str("module", "app.screenshare").Str("connection", string(conn)).Str("kind", string(ev.Kind)).Msg("unrecognized event")
	}
}

// onPresenterTimeout: a presenter that never flows kills the session.
func (s *ScreenshareSession) onPresenterTimeout(conn core.ConnectionID) {
	ctx := context.Background()
	log.Warn().Str("module", "app.screenshare").Str("bridge", s.voiceBridge).Str("connection", string(conn)).Msg("presenter media not flowing, stopping session")
	s.publish(ctx, s.cfg.ScreenshareChannelOut, screenshareErrorMessage(conn))
	if err := s.Stop(ctx); err != nil {
		log.Error().Err(err).Str("module", "app.screenshare").Str("bridge", s.voiceBridge).Msg("forced stop failed")
	}
}

func (s *ScreenshareSession) onViewerTimeout(conn core.ConnectionID) {
	ctx := context.Background()
	log.Warn().Str("module", "app.screenshare").Str("bridge", s.voiceBridge).Str("connection", string(conn)).Msg("viewer media not flowing, forcing stop")
	s.publish(ctx, s.cfg.ScreenshareChannelOut, screenshareErrorMessage(conn))
	if err := s.StopViewer(ctx, conn); err != nil {
		log.Error().Err(err).Str("module", "app.screenshare").Str("connection", string(conn)).Msg("forced viewer stop failed")
	}
}

func (s *ScreenshareSession) publish(ctx context.Context, channel string, msg any) {
	if err := s.bus.Publish(ctx, channel, msg); err != nil {
		log.Error().Err(err).Str("module", "app.screenshare").Str("channel", channel).Msg("bus publish failed")
	}
}
