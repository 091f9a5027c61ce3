// Package engine implements the core.MediaEngine contract over a
// JSON-RPC websocket to the media-processing server. Media samples
// never touch this process; the RPC surface only books legs.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/jsonrpc2"
	wsstream "github.com/sourcegraph/jsonrpc2/websocket"

	"github.com/avelar/sfu-signaling/internal/core"
)

type Client struct {
	url  string
	conn *jsonrpc2.Conn

	mu       sync.RWMutex
	handlers map[core.LegID]core.EventHandler
}

// Dial connects to the engine's websocket endpoint, retrying with
// exponential backoff while the engine comes up.
func Dial(ctx context.Context, url string) (*Client, error) {
	c := &Client{
		url:      url,
		handlers: make(map[core.LegID]core.EventHandler),
	}

	var ws *websocket.Conn
	policy := backoff.WithContext(backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(30*time.Second)), ctx)
	err := backoff.Retry(func() error {
		var err error
		ws, _, err = websocket.DefaultDialer.DialContext(ctx, url, nil)
		return err
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("dial engine %s: %w", url, err)
	}

	c.conn = jsonrpc2.NewConn(ctx, wsstream.NewObjectStream(ws), jsonrpc2.HandlerWithError(c.handle))
	go func() {
		<-c.conn.DisconnectNotify()
		log.Warn().Str("module", "adapters.engine").Str("url", url).Msg("engine connection lost")
	}()
	log.Info().Str("module", "adapters.engine").Str("url", url).Msg("connected to media engine")
	return c, nil
}

type joinParams struct {
	Room string `json:"room"`
	Role string `json:"role"`
}

type joinResult struct {
	UserID string `json:"userId"`
}

type legParams struct {
	UserID           string `json:"userId"`
	Room             string `json:"room,omitempty"`
	Source           string `json:"source,omitempty"`
	Type             string `json:"type"`
	Descriptor       string `json:"descriptor,omitempty"`
	Adapter          string `json:"adapter,omitempty"`
	Name             string `json:"name,omitempty"`
	KeyframeInterval int    `json:"keyframeInterval,omitempty"`
}

type legResult struct {
	LegID  string `json:"legId"`
	Answer string `json:"answer"`
}

type unsubscribeParams struct {
	UserID string `json:"userId"`
	LegID  string `json:"legId"`
}

type leaveParams struct {
	Room   string `json:"room"`
	UserID string `json:"userId"`
}

type candidateParams struct {
	LegID     string                  `json:"legId"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// mediaEventNotification mirrors the engine's per-leg event stream.
type mediaEventNotification struct {
	LegID string `json:"legId"`
	Tag   string `json:"eventTag"`
	Event struct {
		State     string                   `json:"state"`
		Type      string                   `json:"type"`
		Candidate *webrtc.ICECandidateInit `json:"candidate"`
	} `json:"event"`
}

func (c *Client) Join(ctx context.Context, room, role string) (core.UserHandle, error) {
	var res joinResult
	if err := c.conn.Call(ctx, "join", joinParams{Room: room, Role: role}, &res); err != nil {
		return "", fmt.Errorf("engine join: %w", err)
	}
	return core.UserHandle(res.UserID), nil
}

func (c *Client) Publish(ctx context.Context, user core.UserHandle, room string, leg core.LegType, opts core.LegOptions) (core.LegAnswer, error) {
	params := legParams{
		UserID:     string(user),
		Room:       room,
		Type:       string(leg),
		Descriptor: opts.Descriptor,
		Adapter:    opts.Adapter,
		Name:       opts.Name,
	}
	var res legResult
	if err := c.conn.Call(ctx, "publish", params, &res); err != nil {
		return core.LegAnswer{}, fmt.Errorf("engine publish: %w", err)
	}
	return core.LegAnswer{LegID: core.LegID(res.LegID), Answer: res.Answer}, nil
}

func (c *Client) Subscribe(ctx context.Context, user core.UserHandle, source core.LegID, leg core.LegType, opts core.LegOptions) (core.LegAnswer, error) {
	params := legParams{
		UserID:           string(user),
		Source:           string(source),
		Type:             string(leg),
		Descriptor:       opts.Descriptor,
		Adapter:          opts.Adapter,
		KeyframeInterval: opts.KeyframeInterval,
	}
	var res legResult
	if err := c.conn.Call(ctx, "subscribe", params, &res); err != nil {
		return core.LegAnswer{}, fmt.Errorf("engine subscribe: %w", err)
	}
	return core.LegAnswer{LegID: core.LegID(res.LegID), Answer: res.Answer}, nil
}

func (c *Client) Unsubscribe(ctx context.Context, user core.UserHandle, leg core.LegID) error {
	if err := c.conn.Call(ctx, "unsubscribe", unsubscribeParams{UserID: string(user), LegID: string(leg)}, nil); err != nil {
		return fmt.Errorf("engine unsubscribe: %w", err)
	}
	return nil
}

func (c *Client) Leave(ctx context.Context, room string, user core.UserHandle) error {
	if err := c.conn.Call(ctx, "leave", leaveParams{Room: room, UserID: string(user)}, nil); err != nil {
		return fmt.Errorf("engine leave: %w", err)
	}
	return nil
}

func (c *Client) AddIceCandidate(ctx context.Context, leg core.LegID, candidate webrtc.ICECandidateInit) error {
	if err := c.conn.Call(ctx, "addIceCandidate", candidateParams{LegID: string(leg), Candidate: candidate}, nil); err != nil {
		return fmt.Errorf("engine addIceCandidate: %w", err)
	}
	return nil
}

func (c *Client) OnLegEvent(leg core.LegID, h core.EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[leg] = h
}

func (c *Client) OffLegEvent(leg core.LegID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, leg)
}

// handle receives engine notifications and fans mediaEvent out to the
// leg's registered handler. Events for unknown legs are dropped.
func (c *Client) handle(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	if req.Method != "mediaEvent" {
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: fmt.Sprintf("method %q not found", req.Method)}
	}
	if req.Params == nil {
		return nil, nil
	}
	var note mediaEventNotification
	if err := json.Unmarshal(*req.Params, &note); err != nil {
		log.Error().Err(err).Str("module", "adapters.engine").Msg("bad mediaEvent payload")
		return nil, nil
	}

	c.mu.RLock()
	h, ok := c.handlers[core.LegID(note.LegID)]
	c.mu.RUnlock()
	if !ok {
		log.Debug().Str("module", "adapters.engine").Str("leg", note.LegID).Str("tag", note.Tag).Msg("event for unknown leg dropped")
		return nil, nil
	}

	h(core.MediaEvent{
		Kind:      core.EventKind(note.Tag),
		LegID:     core.LegID(note.LegID),
		State:     note.Event.State,
		MediaType: note.Event.Type,
		Candidate: note.Event.Candidate,
	})
	return nil, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
