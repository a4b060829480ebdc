// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package wire defines the message envelope exchanged between the bridge
// and its provider and client connections. Every websocket text frame
// carries exactly one JSON-encoded Message.
package wire

import (
	"encoding/json"

	"github.com/juju/errors"
)

// Kind identifies the top-level shape of a message. Dispatch is an
// exhaustive switch over these values; an unrecognised kind is answered
// with an out-of-band error envelope and the connection stays open.
type Kind string

const (
	// KindRegister announces a provider's domain and database list. The
	// bridge rebroadcasts it to every connected client.
	KindRegister Kind = "register"

	// KindUnregister is broadcast to clients when a provider's domain is
	// removed, which only happens when its connection goes away.
	KindUnregister Kind = "unregister"

	// KindRequest carries a command expecting exactly one response
	// correlated by RequestID.
	KindRequest Kind = "request"

	// KindResponse answers a request, reusing the request's RequestID.
	KindResponse Kind = "response"

	// KindStream carries one event of an open record stream, correlated
	// by StreamID.
	KindStream Kind = "stream"

	// KindError is an out-of-band informational error. It never
	// terminates the connection that receives it.
	KindError Kind = "error"
)

// Commands carried by KindRequest messages.
const (
	// CommandDatabases lists databases: all qualified names when the
	// domain param is empty, or one provider's list otherwise.
	CommandDatabases = "databases"

	// CommandObjectStores lists the object stores of one database.
	CommandObjectStores = "objectStores"

	// CommandAll opens a record stream over every record of one object
	// store. The response carries the server-issued stream id; the
	// records themselves arrive as KindStream events.
	CommandAll = "all"
)

// Event tags carried by KindStream messages.
const (
	// EventData carries one record in Params.
	EventData = "data"

	// EventEnd terminates a stream after its final record.
	EventEnd = "end"

	// EventError terminates a stream with the error in the Error field.
	EventError = "error"
)

// Error codes mirrored into the ErrorCode field so the far side can
// rehydrate a typed error.
const (
	CodeNotFound = "not found"
	CodeNotValid = "not valid"
)

// Message is the single envelope for all traffic. Fields are populated
// according to Kind; unused fields are omitted from the JSON encoding.
type Message struct {
	Kind Kind `json:"kind"`

	// RequestID correlates a response with its request. Requests that
	// expect no response (the forwarded "all" command) leave it zero.
	RequestID uint64 `json:"request-id,omitempty"`

	// StreamID correlates stream events with the "all" call that opened
	// the stream. Server-issued, never reused while the stream is live.
	StreamID uint64 `json:"stream-id,omitempty"`

	// Command names the operation for KindRequest messages.
	Command string `json:"command,omitempty"`

	// Params holds the request parameters, the response result, or the
	// record of an EventData stream event.
	Params json.RawMessage `json:"params,omitempty"`

	// Event tags KindStream messages: data, end or error.
	Event string `json:"event,omitempty"`

	// Error and ErrorCode describe a failure for error responses,
	// EventError stream events and KindError envelopes.
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error-code,omitempty"`
}

// RegisterParams is the payload of KindRegister, both on the provider's
// registration and on the broadcast to clients.
type RegisterParams struct {
	Domain    string   `json:"domain"`
	Databases []string `json:"databases"`
}

// UnregisterParams is the payload of the KindUnregister broadcast.
type UnregisterParams struct {
	Domain string `json:"domain"`
}

// DatabasesParams is the payload of a client's databases request.
type DatabasesParams struct {
	Domain string `json:"domain,omitempty"`
}

// DatabasesResult answers a databases request. Names are qualified when
// no domain was given, and the provider's local names otherwise.
type DatabasesResult struct {
	Databases []string `json:"databases"`
}

// ObjectStoresParams is the payload of a client's objectStores request.
// Name is a qualified database name.
type ObjectStoresParams struct {
	Name string `json:"name"`
}

// StoresRequest is the objectStores request the bridge forwards to a
// provider. Database is the provider-local name.
type StoresRequest struct {
	Database string `json:"database"`
}

// ObjectStoresResult answers an objectStores request on both legs.
type ObjectStoresResult struct {
	Stores []string `json:"stores"`
}

// AllParams is the payload of a client's all request. Name is a
// qualified database name.
type AllParams struct {
	Name    string                 `json:"name"`
	Store   string                 `json:"store"`
	Options map[string]interface{} `json:"options,omitempty"`
}

// AllResult answers an all request with the stream id that subsequent
// KindStream events will carry.
type AllResult struct {
	StreamID uint64 `json:"stream-id"`
}

// IterateRequest is the all command the bridge forwards to a provider.
// The provider answers with stream events rather than a response.
type IterateRequest struct {
	Database string                 `json:"database"`
	Store    string                 `json:"store"`
	StreamID uint64                 `json:"stream-id"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

var validEvents = map[string]bool{
	EventData:  true,
	EventEnd:   true,
	EventError: true,
}

// Validate checks the structural invariants of the envelope. It does not
// inspect Params, which is interpreted by the handler for the command.
func (m *Message) Validate() error {
	switch m.Kind {
	case KindRegister, KindUnregister, KindError:
	case KindRequest:
		if m.Command == "" {
			return errors.NotValidf("request without command")
		}
	case KindResponse:
		if m.RequestID == 0 {
			return errors.NotValidf("response without request id")
		}
	case KindStream:
		if m.StreamID == 0 {
			return errors.NotValidf("stream event without stream id")
		}
		if !validEvents[m.Event] {
			return errors.NotValidf("stream event %q", m.Event)
		}
	default:
		return errors.NotValidf("message kind %q", m.Kind)
	}
	return nil
}

// Terminal reports whether the message is a stream event after which no
// further events for its stream may be delivered.
func (m *Message) Terminal() bool {
	return m.Kind == KindStream && (m.Event == EventEnd || m.Event == EventError)
}

// NewRequest builds a request envelope, marshalling params. A nil params
// value produces a request with no payload.
func NewRequest(id uint64, command string, params interface{}) (*Message, error) {
	msg := &Message{
		Kind:      KindRequest,
		RequestID: id,
		Command:   command,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, errors.Annotatef(err, "marshalling %s params", command)
		}
		msg.Params = raw
	}
	return msg, nil
}

// NewResponse builds a successful response envelope for the given
// request id, marshalling the result.
func NewResponse(id uint64, result interface{}) (*Message, error) {
	msg := &Message{
		Kind:      KindResponse,
		RequestID: id,
	}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, errors.Annotate(err, "marshalling response")
		}
		msg.Params = raw
	}
	return msg, nil
}

// NewErrorResponse builds an error response for the given request id,
// deriving the wire code from the error's kind.
func NewErrorResponse(id uint64, err error) *Message {
	return &Message{
		Kind:      KindResponse,
		RequestID: id,
		Error:     err.Error(),
		ErrorCode: ErrorCode(err),
	}
}

// NewError builds an out-of-band error envelope.
func NewError(err error) *Message {
	return &Message{
		Kind:      KindError,
		Error:     err.Error(),
		ErrorCode: ErrorCode(err),
	}
}

// NewRegister builds a register envelope.
func NewRegister(domain string, databases []string) (*Message, error) {
	raw, err := json.Marshal(RegisterParams{Domain: domain, Databases: databases})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Message{Kind: KindRegister, Params: raw}, nil
}

// NewUnregister builds an unregister broadcast envelope.
func NewUnregister(domain string) (*Message, error) {
	raw, err := json.Marshal(UnregisterParams{Domain: domain})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Message{Kind: KindUnregister, Params: raw}, nil
}

// NewStreamData builds a data event carrying one record.
func NewStreamData(streamID uint64, record json.RawMessage) *Message {
	return &Message{
		Kind:     KindStream,
		StreamID: streamID,
		Event:    EventData,
		Params:   record,
	}
}

// NewStreamEnd builds the clean terminal event of a stream.
func NewStreamEnd(streamID uint64) *Message {
	return &Message{
		Kind:     KindStream,
		StreamID: streamID,
		Event:    EventEnd,
	}
}

// NewStreamError builds the failing terminal event of a stream.
func NewStreamError(streamID uint64, err error) *Message {
	return &Message{
		Kind:      KindStream,
		StreamID:  streamID,
		Event:     EventError,
		Error:     err.Error(),
		ErrorCode: ErrorCode(err),
	}
}

// ErrorCode maps an error's kind onto its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.IsNotFound(err):
		return CodeNotFound
	case errors.IsNotValid(err):
		return CodeNotValid
	}
	return ""
}

// RestoreError rebuilds a typed error from a message's error fields so
// callers can use the errors package predicates on relayed failures.
func RestoreError(msg *Message) error {
	if msg.Error == "" {
		return nil
	}
	switch msg.ErrorCode {
	case CodeNotFound:
		return errors.NewNotFound(nil, msg.Error)
	case CodeNotValid:
		return errors.NewNotValid(nil, msg.Error)
	}
	return errors.New(msg.Error)
}
