// Package net carries the room transport's wire format and LAN discovery.
// One websocket multiplexes two streams: durable document deltas and
// ephemeral presence updates.
package net

import (
	"encoding/json"
	"fmt"

	"inkroom/internal/presence"
	"inkroom/internal/state"
)

// Envelope types.
const (
	TypeHello    = "hello"
	TypeWelcome  = "welcome"
	TypeDelta    = "delta"
	TypePresence = "presence"
	TypeLeave    = "leave"
	TypeRole     = "role"
	TypeError    = "error"
)

// Error codes carried by TypeError envelopes.
const (
	CodeUnauthorized = "unauthorized"
	CodeForbidden    = "forbidden"
	CodeBadRequest   = "bad_request"
)

// Envelope frames every message on the room connection.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Hello is the client's first message: its credential and a summary of the
// causal state it already knows, so the hub sends only what is missing.
type Hello struct {
	Token  string       `json:"token"`
	Vector state.Vector `json:"vector"`
}

// Welcome answers a Hello with the actor's identity and role, the hub's
// vector, and the deltas the client is missing.
type Welcome struct {
	ActorID     string       `json:"actorId"`
	DisplayName string       `json:"displayName"`
	Role        string       `json:"role"`
	Vector      state.Vector `json:"vector"`
	Missing     state.Delta  `json:"missing"`
}

// Leave announces a remote actor's departure on the presence stream.
type Leave struct {
	ActorID string `json:"actorId"`
}

// RoleChange pushes a re-checked role to a connected client.
type RoleChange struct {
	Role string `json:"role"`
}

// ErrorMsg reports a protocol or authorization failure.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Encode frames a payload into an envelope.
func Encode(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	return json.Marshal(Envelope{Type: msgType, Payload: raw})
}

// DecodeEnvelope parses a frame. The payload stays raw so each stream
// decodes (and drops) its own garbage.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("unparseable envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("envelope missing type")
	}
	return env, nil
}

// DecodePresence parses a presence payload.
func DecodePresence(payload json.RawMessage) (presence.Record, error) {
	var rec presence.Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return presence.Record{}, fmt.Errorf("unparseable presence: %w", err)
	}
	if rec.ActorID == "" {
		return presence.Record{}, fmt.Errorf("presence missing actor id")
	}
	return rec, nil
}
