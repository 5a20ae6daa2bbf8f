// Package telephony speaks the Twilio Media Streams protocol.
//
// Inbound socket messages are decoded into one of a closed set of variants
// ([Connected], [Start], [Media], [Stop], [Mark]) so handlers can switch over
// them exhaustively. Outbound audio, marks and clear commands are written by
// [Writer], which stamps every media frame with the call's sequence number.
package telephony

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Event names used on the wire.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
	EventClear     = "clear"
)

// TrackInbound is the caller's audio track.
const TrackInbound = "inbound"

var (
	// ErrMalformed wraps messages that are not valid protocol JSON.
	ErrMalformed = errors.New("telephony: malformed message")

	// ErrUnknownEvent is returned for events this package does not model.
	ErrUnknownEvent = errors.New("telephony: unknown event")
)

// Inbound is a decoded inbound message: one of [Connected], [Start],
// [Media], [Stop] or [Mark].
type Inbound interface {
	inbound()
}

// Connected is the first message on a new socket.
type Connected struct {
	Protocol string
	Version  string
}

// MediaFormat describes the inbound audio.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// Start opens a stream.
type Start struct {
	StreamSID        string
	CallSID          string
	AccountSID       string
	Tracks           []string
	MediaFormat      MediaFormat
	CustomParameters map[string]string
}

// Media carries one chunk of caller audio. Payload is the decoded μ-law.
type Media struct {
	StreamSID string
	Track     string
	Chunk     string
	Timestamp string
	Payload   []byte
}

// Stop ends a stream.
type Stop struct {
	StreamSID string
	CallSID   string
}

// Mark echoes a mark we sent once the far end has played up to it.
type Mark struct {
	StreamSID string
	Name      string
}

func (Connected) inbound() {}
func (Start) inbound()     {}
func (Media) inbound()     {}
func (Stop) inbound()      {}
func (Mark) inbound()      {}

// envelope is the union of every message shape on the wire.
type envelope struct {
	Event          string `json:"event"`
	StreamSID      string `json:"streamSid,omitempty"`
	SequenceNumber any    `json:"sequenceNumber,omitempty"`

	Protocol string `json:"protocol,omitempty"`
	Version  string `json:"version,omitempty"`

	Start *wireStart `json:"start,omitempty"`
	Media *wireMedia `json:"media,omitempty"`
	Stop  *wireStop  `json:"stop,omitempty"`
	Mark  *wireMark  `json:"mark,omitempty"`
}

type wireStart struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	AccountSID       string            `json:"accountSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters"`
}

type wireMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type wireStop struct {
	AccountSID string `json:"accountSid,omitempty"`
	CallSID    string `json:"callSid,omitempty"`
}

type wireMark struct {
	Name string `json:"name"`
}

// ParseInbound decodes one socket message.
func ParseInbound(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	switch env.Event {
	case EventConnected:
		return Connected{Protocol: env.Protocol, Version: env.Version}, nil

	case EventStart:
		if env.Start == nil {
			return nil, fmt.Errorf("%w: start without body", ErrMalformed)
		}
		sid := env.Start.StreamSID
		if sid == "" {
			sid = env.StreamSID
		}
		if sid == "" {
			return nil, fmt.Errorf("%w: start without streamSid", ErrMalformed)
		}
		return Start{
			StreamSID:        sid,
			CallSID:          env.Start.CallSID,
			AccountSID:       env.Start.AccountSID,
			Tracks:           env.Start.Tracks,
			MediaFormat:      env.Start.MediaFormat,
			CustomParameters: env.Start.CustomParameters,
		}, nil

	case EventMedia:
		if env.Media == nil {
			return nil, fmt.Errorf("%w: media without body", ErrMalformed)
		}
		payload, err := base64.StdEncoding.DecodeString(env.Media.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: media payload: %w", ErrMalformed, err)
		}
		return Media{
			StreamSID: env.StreamSID,
			Track:     env.Media.Track,
			Chunk:     env.Media.Chunk,
			Timestamp: env.Media.Timestamp,
			Payload:   payload,
		}, nil

	case EventStop:
		m := Stop{StreamSID: env.StreamSID}
		if env.Stop != nil {
			m.CallSID = env.Stop.CallSID
		}
		return m, nil

	case EventMark:
		m := Mark{StreamSID: env.StreamSID}
		if env.Mark != nil {
			m.Name = env.Mark.Name
		}
		return m, nil

	case "":
		return nil, fmt.Errorf("%w: missing event", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
}

// outMedia is an outbound media message.
type outMedia struct {
	Event          string       `json:"event"`
	StreamSID      string       `json:"streamSid"`
	SequenceNumber int64        `json:"sequenceNumber"`
	Media          outMediaBody `json:"media"`
}

type outMediaBody struct {
	Payload string `json:"payload"`
}

// outMark is an outbound mark message.
type outMark struct {
	Event     string   `json:"event"`
	StreamSID string   `json:"streamSid"`
	Mark      wireMark `json:"mark"`
}

// outClear is an outbound clear message.
type outClear struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}
