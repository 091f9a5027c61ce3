package app

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/avelar/sfu-signaling/internal/config"
	"github.com/avelar/sfu-signaling/internal/core"
	"github.com/avelar/sfu-signaling/internal/domain"
	"github.com/avelar/sfu-signaling/internal/sdp"
)

var errNoPresenter = errors.New("no active presenter")

// RoomInfo is a read-only session snapshot for the ops surface.
type RoomInfo struct {
	VoiceBridge string `json:"voiceBridge"`
	Status      string `json:"status"`
	Listeners   int    `json:"listeners"`
}

type queuedCandidate struct {
	conn      core.ConnectionID
	candidate webrtc.ICECandidateInit
}

// pendingCandidates buffers candidates that arrive for a room with no
// session yet; distinct from the per-session queue, which buffers at
// the leg level.
type pendingCandidates struct {
	mu     sync.Mutex
	byRoom map[string][]queuedCandidate
}

func newPendingCandidates() *pendingCandidates {
	return &pendingCandidates{byRoom: make(map[string][]queuedCandidate)}
}

func (p *pendingCandidates) enqueue(room string, conn core.ConnectionID, c webrtc.ICECandidateInit) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byRoom[room] = append(p.byRoom[room], queuedCandidate{conn: conn, candidate: c})
}

func (p *pendingCandidates) drain(room string) []queuedCandidate {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.byRoom[room]
	delete(p.byRoom, room)
	return out
}

// AudioManager routes inbound audio signaling commands to the per-room
// audio session, creating sessions lazily on start.
type AudioManager struct {
	engine core.MediaEngine
	bus    core.Bus
	cfg    *config.Config
	load   *sdp.HostLoad

	mu       sync.Mutex
	sessions map[string]*AudioSession
	pending  *pendingCandidates
}

func NewAudioManager(engine core.MediaEngine, bus core.Bus, cfg *config.Config, load *sdp.HostLoad) *AudioManager {
	return &AudioManager{
		engine:   engine,
		bus:      bus,
		cfg:      cfg,
		load:     load,
		sessions: make(map[string]*AudioSession),
		pending:  newPendingCandidates(),
	}
}

// HandleMessage is the bus entry point: decode, then dispatch.
func (m *AudioManager) HandleMessage(ctx context.Context, data []byte) {
	cmd, err := ParseCommand(data)
	if err != nil {
		log.Error().Err(err).Str("module", "app.audiomanager").Msg("bad inbound message")
		return
	}
	m.Handle(ctx, cmd)
}

func (m *AudioManager) Handle(ctx context.Context, cmd Command) {
	log.Debug().Str("module", "app.audiomanager").Str("id", string(cmd.Kind)).Str("bridge", cmd.VoiceBridge).Str("connection", string(cmd.ConnectionID)).Msg("received command")

	switch cmd.Kind {
	case CmdStart:
		m.handleStart(ctx, cmd)
	case CmdStop:
		sess, ok := m.get(cmd.VoiceBridge)
		if !ok {
			log.Warn().Str("module", "app.audiomanager").Str("bridge", cmd.VoiceBridge).Msg("no session on stop")
			return
		}
		if err := sess.Stop(ctx); err != nil {
			log.Error().Err(err).Str("module", "app.audiomanager").Str("bridge", cmd.VoiceBridge).Msg("stop failed")
		}
		m.remove(cmd.VoiceBridge)
	case CmdOnIceCandidate:
		if cmd.Candidate == nil {
			log.Warn().Str("module", "app.audiomanager").Str("bridge", cmd.VoiceBridge).Msg("candidate command without candidate")
			return
		}
		sess, ok := m.get(cmd.VoiceBridge)
		if !ok {
			log.Info().Str("module", "app.audiomanager").Str("bridge", cmd.VoiceBridge).Msg("queueing candidate for later")
			m.pending.enqueue(cmd.VoiceBridge, cmd.ConnectionID, *cmd.Candidate)
			return
		}
		if err := sess.OnIceCandidate(ctx, cmd.ConnectionID, *cmd.Candidate); err != nil {
			log.Error().Err(err).Str("module", "app.audiomanager").Str("connection", string(cmd.ConnectionID)).Msg("candidate forward failed")
		}
	case CmdSubscribe:
		sess, ok := m.get(cmd.VoiceBridge)
		if !ok {
			log.Warn().Str("module", "app.audiomanager").Str("bridge", cmd.VoiceBridge).Msg("no session on subscribe")
			return
		}
		ret, err := sess.SubscribeExternal(ctx, cmd.SdpOffer)
		if err != nil {
			log.Error().Err(err).Str("module", "app.audiomanager").Str("bridge", cmd.VoiceBridge).Msg("external subscribe failed")
			return
		}
		m.publish(ctx, m.cfg.AudioChannelOut, subscribeResponseMessage("audio", cmd.VoiceBridge, cmd.MeetingID, ret))
	case CmdClose:
		sess, ok := m.get(cmd.VoiceBridge)
		if !ok {
			log.Warn().Str("module", "app.audiomanager").Str("bridge", cmd.VoiceBridge).Msg("no session on close")
			return
		}
		if err := sess.StopListener(ctx, cmd.ConnectionID); err != nil {
			log.Error().Err(err).Str("module", "app.audiomanager").Str("connection", string(cmd.ConnectionID)).Msg("close failed")
		}
		if sess.Status() == StatusStopped && sess.ListenerCount() == 0 {
			m.remove(cmd.VoiceBridge)
		}
	}
}

func (m *AudioManager) handleStart(ctx context.Context, cmd Command) {
	user, err := domain.NewUser(cmd.UserID, cmd.UserName)
	if err != nil {
		log.Error().Err(err).Str("module", "app.audiomanager").Str("connection", string(cmd.ConnectionID)).Msg("invalid user on start")
		m.publish(ctx, m.cfg.AudioChannelOut, startResponseMessage(cmd.ConnectionID, "audio", cmd.Role, "", err))
		return
	}

	sess := m.getOrCreate(cmd.VoiceBridge)
	conn := cmd.ConnectionID
	sess.Start(ctx, conn, cmd.SdpOffer, user, func(answer string, err error) {
		if err != nil {
			log.Error().Err(err).Str("module", "app.audiomanager").Str("connection", string(conn)).Msg("listener start failed")
		}
		m.publish(ctx, m.cfg.AudioChannelOut, startResponseMessage(conn, "audio", cmd.Role, answer, err))
	})

	// Replay candidates that arrived before the session existed.
	for _, q := range m.pending.drain(cmd.VoiceBridge) {
		if err := sess.OnIceCandidate(ctx, q.conn, q.candidate); err != nil {
			log.Error().Err(err).Str("module", "app.audiomanager").Str("connection", string(q.conn)).Msg("replayed candidate failed")
		}
	}

	if err := sess.Upstart(ctx, "", cmd.CallerName); err != nil {
		log.Error().Err(err).Str("module", "app.audiomanager").Str("bridge", cmd.VoiceBridge).Msg("source audio upstart failed")
	}
}

func (m *AudioManager) getOrCreate(voiceBridge string) *AudioSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[voiceBridge]
	if !ok {
		sess = NewAudioSession(voiceBridge, m.engine, m.bus, m.cfg, m.load)
		m.sessions[voiceBridge] = sess
		log.Info().Str("module", "app.audiomanager").Str("bridge", voiceBridge).Msg("created audio session")
	}
	return sess
}

func (m *AudioManager) get(voiceBridge string) (*AudioSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[voiceBridge]
	return sess, ok
}

func (m *AudioManager) remove(voiceBridge string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, voiceBridge)
}

func (m *AudioManager) Snapshot() []RoomInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RoomInfo, 0, len(m.sessions))
	for bridge, sess := range m.sessions {
		out = append(out, RoomInfo{VoiceBridge: bridge, Status: sess.Status().String(), Listeners: sess.ListenerCount()})
	}
	return out
}

func (m *AudioManager) publish(ctx context.Context, channel string, msg any) {
	if err := m.bus.Publish(ctx, channel, msg); err != nil {
		log.Error().Err(err).Str("module", "app.audiomanager").Str("channel", channel).Msg("bus publish failed")
	}
}

// ScreenshareManager routes inbound screen-share commands. Roles pick
// the path: send is the presenter, recv a viewer.
type ScreenshareManager struct {
	engine core.MediaEngine
	bus    core.Bus
	cfg    *config.Config
	load   *sdp.HostLoad

	mu       sync.Mutex
	sessions map[string]*ScreenshareSession
	pending  *pendingCandidates
}

func NewScreenshareManager(engine core.MediaEngine, bus core.Bus, cfg *config.Config, load *sdp.HostLoad) *ScreenshareManager {
	return &ScreenshareManager{
		engine:   engine,
		bus:      bus,
		cfg:      cfg,
		load:     load,
		sessions: make(map[string]*ScreenshareSession),
		pending:  newPendingCandidates(),
	}
}

func (m *ScreenshareManager) HandleMessage(ctx context.Context, data []byte) {
	cmd, err := ParseCommand(data)
	if err != nil {
		log.Error().Err(err).Str("module", "app.ssmanager").Msg("bad inbound message")
		return
	}
	m.Handle(ctx, cmd)
}

func (m *ScreenshareManager) Handle(ctx context.Context, cmd Command) {
	log.Debug().Str("module", "app.ssmanager").Str("id", string(cmd.Kind)).Str("bridge", cmd.VoiceBridge).Str("role", cmd.Role).Msg("received command")

	switch cmd.Kind {
	case CmdStart:
		m.handleStart(ctx, cmd)
	case CmdStop:
		sess, ok := m.get(cmd.VoiceBridge)
		if !ok {
			log.Warn().Str("module", "app.ssmanager").Str("bridge", cmd.VoiceBridge).Msg("no session on stop")
			return
		}
		if err := sess.Stop(ctx); err != nil {
			log.Error().Err(err).Str("module", "app.ssmanager").Str("bridge", cmd.VoiceBridge).Msg("stop failed")
		}
		m.remove(cmd.VoiceBridge)
	case CmdOnIceCandidate:
		if cmd.Candidate == nil {
			log.Warn().Str("module", "app.ssmanager").Str("bridge", cmd.VoiceBridge).Msg("candidate command without candidate")
			return
		}
		sess, ok := m.get(cmd.VoiceBridge)
		if !ok {
			log.Info().Str("module", "app.ssmanager").Str("bridge", cmd.VoiceBridge).Msg("queueing candidate for later")
			m.pending.enqueue(cmd.VoiceBridge, cmd.ConnectionID, *cmd.Candidate)
			return
		}
		if err := sess.OnIceCandidate(ctx, cmd.ConnectionID, *cmd.Candidate); err != nil {
			log.Error().Err(err).Str("module", "app.ssmanager").Str("connection", string(cmd.ConnectionID)).Msg("candidate forward failed")
		}
	case CmdSubscribe:
		sess, ok := m.get(cmd.VoiceBridge)
		if !ok {
			log.Warn().Str("module", "app.ssmanager").Str("bridge", cmd.VoiceBridge).Msg("no session on subscribe")
			return
		}
		ret, err := sess.SubscribeExternal(ctx, cmd.SdpOffer)
		if err != nil {
			log.Error().Err(err).Str("module", "app.ssmanager").Str("bridge", cmd.VoiceBridge).Msg("external subscribe failed")
			return
		}
		m.publish(ctx, m.cfg.ScreenshareChannelOut, subscribeResponseMessage("screenshare", cmd.VoiceBridge, cmd.MeetingID, ret))
	case CmdClose:
		m.handleClose(ctx, cmd)
	}
}

func (m *ScreenshareManager) handleStart(ctx context.Context, cmd Command) {
	user, err := domain.NewUser(cmd.UserID, cmd.UserName)
	if err != nil {
		// Screen-share signaling may omit user identity; mint one.
		user = domain.NewAnonymousUser(cmd.CallerName)
	}

	var answer string
	switch cmd.Role {
	case RoleRecv:
		sess, ok := m.get(cmd.VoiceBridge)
		if !ok {
			log.Warn().Str("module", "app.ssmanager").Str("bridge", cmd.VoiceBridge).Msg("viewer start with no presenter")
			m.publish(ctx, m.cfg.ScreenshareChannelOut, startResponseMessage(cmd.ConnectionID, "screenshare", cmd.Role, "", errNoPresenter))
			return
		}
		answer, err = sess.StartViewer(ctx, cmd.ConnectionID, cmd.SdpOffer, user)
	default:
		sess := m.getOrCreate(cmd.VoiceBridge, cmd.MeetingID)
		answer, err = sess.Start(ctx, cmd.ConnectionID, cmd.SdpOffer, user)
		if err == nil {
			for _, q := range m.pending.drain(cmd.VoiceBridge) {
				if cErr := sess.OnIceCandidate(ctx, q.conn, q.candidate); cErr != nil {
					log.Error().Err(cErr).Str("module", "app.ssmanager").Str("connection", string(q.conn)).Msg("replayed candidate failed")
				}
			}
		}
	}

	if err != nil {
		log.Error().Err(err).Str("module", "app.ssmanager").Str("bridge", cmd.VoiceBridge).Str("role", cmd.Role).Msg("start failed")
	} else {
		log.Info().Str("module", "app.ssmanager").Str("bridge", cmd.VoiceBridge).Str("connection", string(cmd.ConnectionID)).Str("role", cmd.Role).Msg("started")
	}
	m.publish(ctx, m.cfg.ScreenshareChannelOut, startResponseMessage(cmd.ConnectionID, "screenshare", cmd.Role, answer, err))
}

func (m *ScreenshareManager) handleClose(ctx context.Context, cmd Command) {
	sess, ok := m.get(cmd.VoiceBridge)
	if !ok {
		log.Warn().Str("module", "app.ssmanager").Str("bridge", cmd.VoiceBridge).Msg("no session on close")
		return
	}
	if cmd.Role == RoleRecv {
		if err := sess.StopViewer(ctx, cmd.ConnectionID); err != nil {
			log.Error().Err(err).Str("module", "app.ssmanager").Str("connection", string(cmd.ConnectionID)).Msg("viewer close failed")
		}
		return
	}
	if err := sess.Stop(ctx); err != nil {
		log.Error().Err(err).Str("module", "app.ssmanager").Str("bridge", cmd.VoiceBridge).Msg("presenter close failed")
	}
	m.remove(cmd.VoiceBridge)
	m.publish(ctx, m.cfg.ScreenshareChannelOut, closeMessage(cmd.ConnectionID, "screenshare"))
}

func (m *ScreenshareManager) getOrCreate(voiceBridge, meetingID string) *ScreenshareSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[voiceBridge]
	if !ok {
		sess = NewScreenshareSession(voiceBridge, meetingID, m.engine, m.bus, m.cfg, m.load)
		m.sessions[voiceBridge] = sess
		log.Info().Str("module", "app.ssmanager").Str("bridge", voiceBridge).Msg("created screenshare session")
	}
	return sess
}

func (m *ScreenshareManager) get(voiceBridge string) (*ScreenshareSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[voiceBridge]
	return sess, ok
}

func (m *ScreenshareManager) remove(voiceBridge string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, voiceBridge)
}

func (m *ScreenshareManager) Snapshot() []RoomInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RoomInfo, 0, len(m.sessions))
	for bridge, sess := range m.sessions {
		out = append(out, RoomInfo{VoiceBridge: bridge, Status: sess.Status().String(), Listeners: sess.ViewerCount()})
	}
	return out
}

func (m *ScreenshareManager) publish(ctx context.Context, channel string, msg any) {
	if err := m.bus.Publish(ctx, channel, msg); err != nil {
		log.Error().Err(err).Str("module", "app.ssmanager").Str("channel", channel).Msg("bus publish failed")
	}
}
