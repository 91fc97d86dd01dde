package frametype

import (
	"fmt"
)

// Type is the kind of a frame, carried in the fixed header of every frame.
type Type uint8

const (
	// Reserved must never appear on the wire.
	Reserved Type = 0x00
	// Setup is sent by the client to initiate a connection.
	Setup Type = 0x01
	// Lease grants the peer the right to send requests.
	Lease Type = 0x02
	// Keepalive is a connection keepalive.
	Keepalive Type = 0x03
	// RequestResponse requests a single response.
	RequestResponse Type = 0x04
	// RequestFnf is a fire-and-forget request.
	RequestFnf Type = 0x05
	// RequestStream requests a finite stream of responses.
	RequestStream Type = 0x06
	// RequestChannel opens a bi-directional channel.
	RequestChannel Type = 0x07
	// RequestN grants additional credit on a stream.
	RequestN Type = 0x08
	// Cancel cancels an outstanding request.
	Cancel Type = 0x09
	// Payload carries data on an open stream.
	Payload Type = 0x0A
	// Error is a connection or stream error.
	Error Type = 0x0B
	// MetadataPush pushes connection-wide metadata.
	MetadataPush Type = 0x0C
	// Resume replaces SETUP when resuming a connection.
	Resume Type = 0x0D
	// ResumeOk is sent by the server in response to a successful resume.
	ResumeOk Type = 0x0E
	// Ext is used for protocol extensions.
	Ext Type = 0x3F
)

var _names = map[Type]string{
	Reserved:        "Reserved",
	Setup:           "Setup",
	Lease:           "Lease",
	Keepalive:       "Keepalive",
	RequestResponse: "RequestResponse",
	RequestFnf:      "RequestFnf",
	RequestStream:   "RequestStream",
	RequestChannel:  "RequestChannel",
	RequestN:        "RequestN",
	Cancel:          "Cancel",
	Payload:         "Payload",
	Error:           "Error",
	MetadataPush:    "MetadataPush",
	Resume:          "Resume",
	ResumeOk:        "ResumeOk",
	Ext:             "Ext",
}

// String implements fmt.Stringer
func (t Type) String() string {
	if name, ok := _names[t]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(0x%02X)", uint8(t))
}

// Known reports whether t is a defined frame type (including Reserved).
func (t Type) Known() bool {
	_, ok := _names[t]
	return ok
}

// IsConnection returns whether frames of type t always belong to the connection rather than a stream.
func (t Type) IsConnection() bool {
	switch t {
	case Setup, Lease, Keepalive, MetadataPush, Resume, ResumeOk:
		return true
	default:
		return false
	}
}

// IsRequest returns whether a frame of type t opens a new stream.
func (t Type) IsRequest() bool {
	switch t {
	case RequestResponse, RequestFnf, RequestStream, RequestChannel:
		return true
	default:
		return false
	}
}
