// Package daemon implements the wire protocol, session bookkeeping, and
// server loop the harness daemon speaks to clients over (spec §4.7/§6).
package daemon

import (
	"encoding/json"

	"harness/harnesserr"
)

// FrameType discriminates the three envelope shapes spec §6 defines.
type FrameType string

const (
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"
	FrameEvent    FrameType = "event"
)

// Request is a client-originated frame. Params is kept raw so each action
// can decode its own parameter shape.
type Request struct {
	ID     string          `json:"id"`
	Type   FrameType       `json:"type"`
	Action string          `json:"action"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers a Request with the same ID. Exactly one of Data/Error
// is set, per spec §6's "exactly one of data/error per response".
type Response struct {
	ID    string          `json:"id"`
	Type  FrameType       `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody is the wire form of a harnesserr.Error.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Event is a server-originated, unsolicited frame delivered between
// request/response pairs at any time (spec §6).
type Event struct {
	Type  FrameType       `json:"type"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewResponse builds a successful Response carrying data, marshaled to
// json.RawMessage. If data itself cannot be marshaled (a programmer error in
// an action handler), it returns a Malformed error Response instead.
func NewResponse(id string, data any) Response {
	raw, err := json.Marshal(data)
	if err != nil {
		return errorResponse(id, harnesserr.New(harnesserr.Malformed, "daemon: encode response: %s", err))
	}
	return Response{ID: id, Type: FrameResponse, Data: raw}
}

// NewErrorResponse builds a Response carrying the Kind/Message of err.
// Unrecognized error types are reported as Malformed so the wire contract
// never leaks an internal error's unstructured text as if it were a kind
// clients could branch on.
func NewErrorResponse(id string, err error) Response {
	return errorResponse(id, err)
}

func errorResponse(id string, err error) Response {
	kind := harnesserr.Of(err)
	if kind == "" {
		kind = harnesserr.Malformed
	}
	return Response{
		ID:   id,
		Type: FrameResponse,
		Error: &ErrorBody{
			Kind:    string(kind),
			Message: err.Error(),
		},
	}
}

// NewEvent builds an Event frame for name carrying data.
func NewEvent(name string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, harnesserr.Wrap(harnesserr.Malformed, err, "daemon: encode event %q", name)
	}
	return Event{Type: FrameEvent, Event: name, Data: raw}, nil
}
