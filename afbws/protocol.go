package afbws

import (
	"encoding/json"
	"fmt"
)

// Subprotocol is the websocket subprotocol name negotiated with the binder.
const Subprotocol = "x-afb-ws-json1"

// FrameType is the numeric discriminator at the start of every frame.
type FrameType int

const (
	FrameCall       FrameType = 2
	FrameReplyOK    FrameType = 3
	FrameReplyError FrameType = 4
	FrameEvent      FrameType = 5
)

// Frame is one decoded protocol frame. ID is set for call and reply frames;
// Name is the "api/verb" of a call or the "api/event" of an event push; Data
// is the remaining payload (call arguments, reply envelope, or event envelope).
type Frame struct {
	Type FrameType
	ID   string
	Name string
	Data json.RawMessage
}

const (
	// ReplyJType is the jtype marker of every reply envelope.
	ReplyJType = "afb-reply"
	// EventJType is the jtype marker of every event envelope.
	EventJType = "afb-event"
	// StatusSuccess is the request status of a successful reply.
	StatusSuccess = "success"
)

// ReplyEnvelope is the wire form of a reply payload.
type ReplyEnvelope struct {
	JType    string          `json:"jtype"`
	Request  ReplyRequest    `json:"request"`
	Response json.RawMessage `json:"response,omitempty"`
}

// ReplyRequest carries the status part of a reply envelope.
type ReplyRequest struct {
	Status string `json:"status"`
	Info   string `json:"info,omitempty"`
	Code   int    `json:"code,omitempty"`
}

// EventEnvelope is the wire form of an event payload.
type EventEnvelope struct {
	JType string          `json:"jtype"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Reply is the decoded outcome of a call. A verb that reports failure still
// produces a Reply (with OK false); only transport or protocol problems are
// reported as Go errors.
type Reply struct {
	// OK is true if the reply arrived as a RETOK frame, false for RETERR.
	OK bool
	// Status is "success" or an error token chosen by the binding, such as
	// "failed" or "unknown-api".
	Status string
	// Info is optional free-text detail supplied by the binding.
	Info string
	// Code is an optional numeric code supplied by the binding.
	Code int
	// Response is the response payload, if any.
	Response json.RawMessage
	// FullData is the whole reply envelope as received.
	FullData []byte
}

// String describes the reply status for log and failure messages.
func (r Reply) String() string {
	if r.Info != "" {
		return fmt.Sprintf("%s (%s)", r.Status, r.Info)
	}
	return r.Status
}

// Event is one event push received from the binder.
type Event struct {
	// Name is the full event name in "api/event" form.
	Name string
	// Data is the event payload, if any.
	Data json.RawMessage
	// FullData is the whole event envelope as received.
	FullData []byte
}

// ParseFrame decodes a single websocket text message into a Frame.
func ParseFrame(data []byte) (Frame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return Frame{}, fmt.Errorf("malformed frame: %w", err)
	}
	if len(parts) < 2 {
		return Frame{}, fmt.Errorf("malformed frame: got %d elements, want at least 2", len(parts))
	}
	var frameType int
	if err := json.Unmarshal(parts[0], &frameType); err != nil {
		return Frame{}, fmt.Errorf("malformed frame type: %w", err)
	}
	frame := Frame{Type: FrameType(frameType)}
	switch frame.Type {
	case FrameCall:
		if len(parts) < 3 {
			return Frame{}, fmt.Errorf("malformed call frame: got %d elements, want at least 3", len(parts))
		}
		if err := json.Unmarshal(parts[1], &frame.ID); err != nil {
			return Frame{}, fmt.Errorf("malformed call id: %w", err)
		}
		if err := json.Unmarshal(parts[2], &frame.Name); err != nil {
			return Frame{}, fmt.Errorf("malformed call name: %w", err)
		}
		if len(parts) > 3 {
			frame.Data = parts[3]
		}
	case FrameReplyOK, FrameReplyError:
		if err := json.Unmarshal(parts[1], &frame.ID); err != nil {
			return Frame{}, fmt.Errorf("malformed reply id: %w", err)
		}
		if len(parts) > 2 {
			frame.Data = parts[2]
		}
	case FrameEvent:
		if err := json.Unmarshal(parts[1], &frame.Name); err != nil {
			return Frame{}, fmt.Errorf("malformed event name: %w", err)
		}
		if len(parts) > 2 {
			frame.Data = parts[2]
		}
	default:
		return Frame{}, fmt.Errorf("unknown frame type %d", frameType)
	}
	return frame, nil
}

// Encode renders the frame as a websocket text message.
func (f Frame) Encode() ([]byte, error) {
	parts := make([]json.RawMessage, 0, 4)
	parts = append(parts, mustMarshal(int(f.Type)))
	switch f.Type {
	case FrameCall:
		parts = append(parts, mustMarshal(f.ID), mustMarshal(f.Name))
		if len(f.Data) > 0 {
			parts = append(parts, f.Data)
		}
	case FrameReplyOK, FrameReplyError:
		parts = append(parts, mustMarshal(f.ID))
		if len(f.Data) > 0 {
			parts = append(parts, f.Data)
		}
	case FrameEvent:
		parts = append(parts, mustMarshal(f.Name))
		if len(f.Data) > 0 {
			parts = append(parts, f.Data)
		}
	default:
		return nil, fmt.Errorf("unknown frame type %d", f.Type)
	}
	return json.Marshal(parts)
}

// parseReply interprets a reply frame's envelope.
func parseReply(frame Frame) (Reply, error) {
	reply := Reply{
		OK:       frame.Type == FrameReplyOK,
		FullData: frame.Data,
	}
	if len(frame.Data) == 0 {
		return reply, nil
	}
	var envelope ReplyEnvelope
	if err := json.Unmarshal(frame.Data, &envelope); err != nil {
		return reply, fmt.Errorf("malformed reply envelope: %w", err)
	}
	reply.Status = envelope.Request.Status
	reply.Info = envelope.Request.Info
	reply.Code = envelope.Request.Code
	reply.Response = envelope.Response
	return reply, nil
}

// parseEvent interprets an event frame's envelope. The envelope repeats the
// event name; the name on the frame itself is authoritative.
func parseEvent(frame Frame) Event {
	event := Event{
		Name:     frame.Name,
		FullData: frame.Data,
	}
	var envelope EventEnvelope
	if err := json.Unmarshal(frame.Data, &envelope); err == nil {
		event.Data = envelope.Data
	}
	return event
}

func mustMarshal(value interface{}) json.RawMessage {
	data, err := json.Marshal(value)
	if err != nil {
		panic(err) // strings and ints cannot fail to marshal
	}
	return data
}
