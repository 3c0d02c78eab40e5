// Package protocol defines the control-plane message types exchanged between
// slipgate and its WebSocket clients.
//
// All messages are JSON-encoded with a "type" discriminator field. This
// package is intentionally free of external dependencies so that bots and
// other integrations can embed it directly.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownType reports a well-formed JSON message whose "type" field is not
// registered. Receivers use it to tell an unknown command apart from a frame
// that does not decode at all.
var ErrUnknownType = errors.New("unknown message type")

// Message is the interface implemented by all control-plane messages.
// Each message type corresponds to a JSON object with a "type" discriminator field.
type Message interface {
	// MessageType returns the wire-format type string (e.g. "queue", "searching").
	MessageType() string
}

// Ping and Pong are the plain-text keepalive frames. They are not JSON
// messages: a literal "ping" text frame is answered with a literal "pong"
// frame on the same connection, before any JSON decoding happens.
const (
	Ping = "ping"
	Pong = "pong"
)

// QueueCommand asks the server to verify that the player identified by
// UserCode is reachable. The requester is identified by DiscordID and the
// search is bounded by Timeout milliseconds of wall clock.
//
// Timeout and DiscordID are pointers so the server can distinguish a field
// that was omitted from one that was explicitly zero.
type QueueCommand struct {
	UserCode  string  `json:"userCode,omitempty"`
	Timeout   *int64  `json:"timeout,omitempty"`
	DiscordID *uint64 `json:"discordId,omitempty"`
}

func (QueueCommand) MessageType() string { return "queue" }

// NewQueueCommand builds a fully-populated QueueCommand.
func NewQueueCommand(userCode string, timeoutMs int64, discordID uint64) *QueueCommand {
	return &QueueCommand{
		UserCode:  userCode,
		Timeout:   &timeoutMs,
		DiscordID: &discordID,
	}
}

// StopListeningCommand tells the server to stop accepting new WebSocket
// connections. Sessions that are already established keep running.
type StopListeningCommand struct{}

func (StopListeningCommand) MessageType() string { return "stopListening" }

// SearchingEvent is broadcast when a job has been assigned to a bot and the
// matchmaking search has started.
type SearchingEvent struct {
	DiscordID uint64 `json:"discordId"`
	BotCode   string `json:"botCode"`
	UserCode  string `json:"userCode"`
}

func (SearchingEvent) MessageType() string { return "searching" }

// AuthenticatedEvent is broadcast when the target player was found and the
// direct peer handshake confirmed their network identity.
type AuthenticatedEvent struct {
	DiscordID uint64 `json:"discordId"`
	UserCode  string `json:"userCode"`
	UserName  string `json:"userName"`
	UserIP    string `json:"userIp"`
}

func (AuthenticatedEvent) MessageType() string { return "authenticated" }

// SlippiErrorEvent is broadcast when a job failed on a transport or protocol
// error while talking to the matchmaking service.
type SlippiErrorEvent struct {
	DiscordID uint64 `json:"discordId"`
	UserCode  string `json:"userCode"`
}

func (SlippiErrorEvent) MessageType() string { return "slippiErr" }

// TimeoutEvent is broadcast when a job's wall-clock budget expired before
// the target player was found.
type TimeoutEvent struct {
	DiscordID uint64 `json:"discordId"`
	UserCode  string `json:"userCode"`
}

func (TimeoutEvent) MessageType() string { return "timeout" }

// NoReadyClientEvent is broadcast when a queue request arrived while every
// bot in the pool was busy. No worker was assigned.
type NoReadyClientEvent struct {
	DiscordID uint64 `json:"discordId"`
	UserCode  string `json:"userCode"`
}

func (NoReadyClientEvent) MessageType() string { return "noReadyClient" }

// MissingArgReply is sent to a single connection whose queue command omitted
// a required field.
type MissingArgReply struct {
	What string `json:"what"`
}

func (MissingArgReply) MessageType() string { return "missingArg" }

// JSONErrReply is sent to a single connection whose frame was not valid JSON.
type JSONErrReply struct{}

func (JSONErrReply) MessageType() string { return "jsonErr" }

// UnknownCommandReply is sent to a single connection whose frame carried a
// type the server does not understand.
type UnknownCommandReply struct{}

func (UnknownCommandReply) MessageType() string { return "unknownCommand" }

// messageTypes maps wire-format type strings to factory functions
// that produce zero-value pointers of the corresponding message type.
var messageTypes = map[string]func() Message{
	"queue":          func() Message { return &QueueCommand{} },
	"stopListening":  func() Message { return &StopListeningCommand{} },
	"searching":      func() Message { return &SearchingEvent{} },
	"authenticated":  func() Message { return &AuthenticatedEvent{} },
	"slippiErr":      func() Message { return &SlippiErrorEvent{} },
	"timeout":        func() Message { return &TimeoutEvent{} },
	"noReadyClient":  func() Message { return &NoReadyClientEvent{} },
	"missingArg":     func() Message { return &MissingArgReply{} },
	"jsonErr":        func() Message { return &JSONErrReply{} },
	"unknownCommand": func() Message { return &UnknownCommandReply{} },
}

// Marshal serializes a Message to JSON, injecting the "type" discriminator field.
func Marshal(msg Message) ([]byte, error) {
	// First, marshal the message to get its fields as raw JSON.
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling message payload: %w", err)
	}

	// Decode into a generic map so we can inject the "type" field.
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("re-decoding message payload: %w", err)
	}

	typeBytes, err := json.Marshal(msg.MessageType())
	if err != nil {
		return nil, fmt.Errorf("marshaling message type: %w", err)
	}
	obj["type"] = typeBytes

	return json.Marshal(obj)
}

// Unmarshal deserializes a JSON message, using the "type" discriminator
// to decode into the correct concrete Message type.
func Unmarshal(data []byte) (Message, error) {
	// First pass: extract the type field.
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding message envelope: %w", err)
	}

	factory, ok := messageTypes[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	// Second pass: decode into the concrete type.
	msg := factory()
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decoding %q message: %w", env.Type, err)
	}

	return msg, nil
}
