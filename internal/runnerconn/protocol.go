// Package runnerconn implements the single multiplexed tunnel connection
// between a runner process and the manager: a runner dials the manager once
// at startup and registers, then inbound actor traffic (one-shot HTTP
// requests and stateful WebSocket upgrades) is dispatched to it over that
// one connection rather than the manager dialing the runner directly. This
// mirrors the teacher's agent/server relationship (agent/internal/connection
// dials out, server/internal/agentmanager hands back job assignments) with
// the roles generalized from "jobs" to "actor traffic".
package runnerconn

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
)

// frameKind tags the payload carried by one tunnel frame.
type frameKind string

const (
	frameRegister    frameKind = "register"
	frameHTTPRequest frameKind = "http_request"
	frameHTTPResp    frameKind = "http_response"
	frameWSOpen      frameKind = "ws_open"
	frameWSOpenAck   frameKind = "ws_open_ack"
	frameWSData      frameKind = "ws_data"
	frameWSClose     frameKind = "ws_close"
)

// frame is the envelope for every message exchanged over the tunnel
// WebSocket. StreamID correlates request/response and open/data/close pairs
// for a single logical HTTP call or WebSocket session; it is meaningless for
// frameRegister. Frames are encoded as JSON text frames — the tunnel carries
// control-plane traffic, not actor payload bytes, so the CBOR wire.Payload
// codec does not apply here.
type frame struct {
	Kind     frameKind       `json:"kind"`
	StreamID uint64          `json:"stream_id,omitempty"`
	Body     json.RawMessage `json:"body,omitempty"`
}

// registerBody announces a runner and the actor names it can host.
type registerBody struct {
	RunnerID string   `json:"runner_id"`
	Names    []string `json:"names"`
}

// httpRequestBody carries a one-shot HTTP request destined for an actor
// hosted on this runner.
type httpRequestBody struct {
	ActorID string              `json:"actor_id"`
	Method  string              `json:"method"`
	Path    string              `json:"path"`
	Header  map[string][]string `json:"header"`
	Body    []byte              `json:"body"`
}

// httpResponseBody carries the runner's reply to an httpRequestBody.
type httpResponseBody struct {
	Status int                 `json:"status"`
	Header map[string][]string `json:"header"`
	Body   []byte              `json:"body"`
	Err    string              `json:"err,omitempty"`
}

// wsOpenBody requests a new WebSocket session against an actor.
type wsOpenBody struct {
	ActorID  string            `json:"actor_id"`
	Path     string            `json:"path"`
	Encoding string            `json:"encoding"`
	Params   map[string]string `json:"params"`
}

// wsOpenAckBody is the runner's reply to a wsOpenBody: either the session is
// live (Err empty) or it failed before producing any frames.
type wsOpenAckBody struct {
	Err string `json:"err,omitempty"`
}

// wsDataBody carries one WebSocket frame in either direction over the
// tunnel, tagged with its original message type (text/binary).
type wsDataBody struct {
	MessageType int    `json:"message_type"`
	Data        []byte `json:"data"`
}

// wsCloseBody ends a tunneled WebSocket session with a close code and
// reason, mirroring driver.Socket.CloseWithReason.
type wsCloseBody struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

func encodeFrame(kind frameKind, streamID uint64, body any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("runnerconn: encode %s body: %w", kind, err)
	}
	return json.Marshal(frame{Kind: kind, StreamID: streamID, Body: raw})
}

func decodeFrame(data []byte) (frame, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return frame{}, fmt.Errorf("runnerconn: decode frame: %w", err)
	}
	return f, nil
}

// tunnelWriter is the minimal write surface both client.go and server.go
// need to emit frames; satisfied by *websocket.Conn.
type tunnelWriter interface {
	WriteMessage(messageType int, data []byte) error
}

// streamIDSource hands out ascending stream ids, safe for concurrent use by
// the many goroutines that may open streams on one tunnel connection.
type streamIDSource struct {
	next atomic.Uint64
}

func (s *streamIDSource) next1() uint64 {
	return s.next.Add(1)
}
