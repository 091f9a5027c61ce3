package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// ConnectionID identifies one browser signaling connection.
type ConnectionID string

// LegID identifies one media leg held by the engine.
type LegID string

// UserHandle is the engine-side identity returned by Join; all
// publish/subscribe calls for a room are made on behalf of it.
type UserHandle string

// LegType selects the engine element backing a leg.
type LegType string

const (
	LegWebRTC LegType = "WebRtcEndpoint"
	LegRTP    LegType = "RtpEndpoint"
)

// LegOptions carries the negotiation descriptor and engine-side knobs
// for a publish or subscribe call.
type LegOptions struct {
	Descriptor       string
	Adapter          string
	Name             string
	KeyframeInterval int
}

// LegAnswer is the engine's reply to publish/subscribe: the created leg
// and its SDP answer.
type LegAnswer struct {
	LegID  LegID
	Answer string
}

type EventKind string

const (
	EventICECandidate      EventKind = "OnIceCandidate"
	EventMediaStateChanged EventKind = "MediaStateChanged"
	EventFlowInChanged     EventKind = "MediaFlowInStateChange"
	EventFlowOutChanged    EventKind = "MediaFlowOutStateChange"
)

const FlowStateFlowing = "FLOWING"

// MediaEvent is one entry of the engine's per-leg event stream.
// Candidate is set only for EventICECandidate.
type MediaEvent struct {
	Kind      EventKind
	LegID     LegID
	State     string
	MediaType string
	Candidate *webrtc.ICECandidateInit
}

type EventHandler func(MediaEvent)

// MediaEngine is the remote media-processing engine. It is an external
// collaborator; this process only books sessions against it and never
// touches media samples.
type MediaEngine interface {
	Join(ctx context.Context, room, role string) (UserHandle, error)
	Publish(ctx context.Context, user UserHandle, room string, leg LegType, opts LegOptions) (LegAnswer, error)
	Subscribe(ctx context.Context, user UserHandle, source LegID, leg LegType, opts LegOptions) (LegAnswer, error)
	Unsubscribe(ctx context.Context, user UserHandle, leg LegID) error
	Leave(ctx context.Context, room string, user UserHandle) error
	AddIceCandidate(ctx context.Context, leg LegID, candidate webrtc.ICECandidateInit) error

	// OnLegEvent registers the single handler for a leg's event stream;
	// OffLegEvent drops it. Events for legs without a handler are discarded.
	OnLegEvent(leg LegID, h EventHandler)
	OffLegEvent(leg LegID)
}
