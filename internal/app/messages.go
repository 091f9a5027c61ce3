package app

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/avelar/sfu-signaling/internal/core"
	"github.com/avelar/sfu-signaling/internal/domain"
)

// CommandKind is the closed set of inbound signaling commands.
type CommandKind string

const (
	CmdStart          CommandKind = "start"
	CmdStop           CommandKind = "stop"
	CmdOnIceCandidate CommandKind = "onIceCandidate"
	CmdSubscribe      CommandKind = "subscribe"
	CmdClose          CommandKind = "close"
)

const (
	RoleSend = "send"
	RoleRecv = "recv"
)

// Command is one decoded inbound signaling message. Every handler
// switches exhaustively on Kind.
type Command struct {
	Kind         CommandKind
	VoiceBridge  string
	ConnectionID core.ConnectionID
	Role         string
	SdpOffer     string
	Candidate    *webrtc.ICECandidateInit
	CallerName   string
	UserID       string
	UserName     string
	MeetingID    string
}

type commandEnvelope struct {
	ID           string                   `json:"id"`
	VoiceBridge  string                   `json:"voiceBridge"`
	ConnectionID string                   `json:"connectionId"`
	Role         string                   `json:"role"`
	SdpOffer     string                   `json:"sdpOffer"`
	Candidate    *webrtc.ICECandidateInit `json:"candidate"`
	CallerName   string                   `json:"callerName"`
	UserID       string                   `json:"userId"`
	UserName     string                   `json:"userName"`
	MeetingID    string                   `json:"internalMeetingId"`
}

// ParseCommand decodes an inbound bus payload into the command union.
func ParseCommand(data []byte) (Command, error) {
	var env commandEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	kind := CommandKind(env.ID)
	switch kind {
	case CmdStart, CmdStop, CmdOnIceCandidate, CmdSubscribe, CmdClose:
	default:
		return Command{}, fmt.Errorf("unknown command id %q", env.ID)
	}
	name := env.CallerName
	if name == "" {
		name = "default"
	}
	return Command{
		Kind:         kind,
		VoiceBridge:  env.VoiceBridge,
		ConnectionID: core.ConnectionID(env.ConnectionID),
		Role:         env.Role,
		SdpOffer:     env.SdpOffer,
		Candidate:    env.Candidate,
		CallerName:   name,
		UserID:       env.UserID,
		UserName:     env.UserName,
		MeetingID:    env.MeetingID,
	}, nil
}

// Outbound message builders. All of them end up as JSON text on the bus.

func iceCandidateMessage(conn core.ConnectionID, mediaType string, candidate webrtc.ICECandidateInit) any {
	return map[string]any{
		"connectionId": string(conn),
		"id":           "iceCandidate",
		"type":         mediaType,
		"candidate":    candidate,
	}
}

func audioSuccessMessage(conn core.ConnectionID) any {
	return map[string]any{
		"connectionId": string(conn),
		"id":           "webRTCAudioSuccess",
		"success":      "MEDIA_FLOWING",
	}
}

func audioErrorMessage(conn core.ConnectionID) any {
	return map[string]any{
		"connectionId": string(conn),
		"id":           "webRTCAudioError",
		"error":        "MEDIA_SERVER_ERROR",
	}
}

func screenshareErrorMessage(conn core.ConnectionID) any {
	return map[string]any{
		"connectionId": string(conn),
		"id":           "webRTCScreenshareError",
		"error":        "MEDIA_SERVER_ERROR",
	}
}

func startResponseMessage(conn core.ConnectionID, mediaType, role string, answer string, err error) any {
	msg := map[string]any{
		"connectionId": string(conn),
		"type":         mediaType,
		"role":         role,
		"id":           "startResponse",
	}
	if err != nil {
		msg["response"] = "rejected"
		msg["message"] = err.Error()
	} else {
		msg["response"] = "accepted"
		msg["sdpAnswer"] = answer
	}
	return msg
}

func subscribeResponseMessage(mediaType, voiceBridge, meetingID string, ret core.LegAnswer) any {
	return map[string]any{
		"id":          "subscribe",
		"type":        mediaType,
		"role":        RoleRecv,
		"response":    "accepted",
		"meetingId":   meetingID,
		"voiceBridge": voiceBridge,
		"sessionId":   string(ret.LegID),
		"answer":      ret.Answer,
	}
}

func closeMessage(conn core.ConnectionID, mediaType string) any {
	return map[string]any{
		"connectionId": string(conn),
		"type":         mediaType,
		"id":           "close",
	}
}

// Presence notifications are versioned for two generations of meeting
// consumers; the channel is picked by the negotiated version tag.

func userConnectedToGlobalAudioMessage(version, voiceBridge string, user *domain.User) any {
	return presenceMessage("user_connected_to_global_audio", version, voiceBridge, user)
}

func userDisconnectedFromGlobalAudioMessage(version, voiceBridge string, user *domain.User) any {
	return presenceMessage("user_disconnected_from_global_audio", version, voiceBridge, user)
}

func presenceMessage(name, version, voiceBridge string, user *domain.User) any {
	return map[string]any{
		"header": map[string]any{
			"name":    name,
			"version": version,
		},
		"payload": map[string]any{
			"voiceConf": voiceBridge,
			"userId":    string(user.ID),
			"name":      user.Name,
		},
	}
}
