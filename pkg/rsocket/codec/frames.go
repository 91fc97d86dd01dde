package codec

import (
	"github.com/AutoMQ/rsmux/pkg/rsocket/codec/frametype"
)

// Version is the protocol version carried in SETUP frames, major in the high 16 bits.
const Version uint32 = 1<<16 | 0

// NewFrame wraps the given fields into the concrete frame type matching t.
// Unknown types are returned as *ExtFrame so that the IGNORE flag can be honored by the receiver.
func NewFrame(t frametype.Type, streamID uint32, flag Flags, param uint32, metadata, data []byte) Frame {
	b := baseFrame{
		Type:     t,
		Flag:     flag,
		StreamID: streamID,
		Param:    param,
		Metadata: metadata,
		Data:     data,
	}
	switch t {
	case frametype.Reserved:
		return &ReservedFrame{b}
	case frametype.Setup:
		return &SetupFrame{b}
	case frametype.Lease:
		return &LeaseFrame{b}
	case frametype.Keepalive:
		return &KeepaliveFrame{b}
	case frametype.RequestResponse:
		return &RequestResponseFrame{b}
	case frametype.RequestFnf:
		return &RequestFnfFrame{b}
	case frametype.RequestStream:
		return &RequestStreamFrame{b}
	case frametype.RequestChannel:
		return &RequestChannelFrame{b}
	case frametype.RequestN:
		return &RequestNFrame{b}
	case frametype.Cancel:
		return &CancelFrame{b}
	case frametype.Payload:
		return &PayloadFrame{b}
	case frametype.Error:
		return &ErrorFrame{b}
	case frametype.MetadataPush:
		return &MetadataPushFrame{b}
	case frametype.Resume:
		return &ResumeFrame{b}
	case frametype.ResumeOk:
		return &ResumeOkFrame{b}
	default:
		return &ExtFrame{b}
	}
}

func withMetadata(flag Flags, metadata []byte) Flags {
	if metadata != nil {
		return flag | FlagMetadata
	}
	return flag
}

// ReservedFrame is a frame with the reserved type. It is never valid on the wire.
type ReservedFrame struct {
	baseFrame
}

// SetupFrame is sent by the client to initiate the connection, it must be the first frame
type SetupFrame struct {
	baseFrame
}

// NewSetupFrame creates a SETUP frame
func NewSetupFrame(metadata, data []byte, lease bool) *SetupFrame {
	var flag Flags
	if lease {
		flag |= FlagLease
	}
	return &SetupFrame{baseFrame{
		Type:     frametype.Setup,
		Flag:     withMetadata(flag, metadata),
		Param:    Version,
		Metadata: metadata,
		Data:     data,
	}}
}

// Version returns the protocol version requested by the client
func (f *SetupFrame) Version() (major, minor uint16) {
	return uint16(f.Param >> 16), uint16(f.Param)
}

// LeaseFrame grants the peer the right to send a number of requests
type LeaseFrame struct {
	baseFrame
}

// NewLeaseFrame creates a LEASE frame
func NewLeaseFrame(requests uint32, metadata []byte) *LeaseFrame {
	return &LeaseFrame{baseFrame{
		Type:     frametype.Lease,
		Flag:     withMetadata(0, metadata),
		Param:    requests,
		Metadata: metadata,
	}}
}

// Requests returns the number of requests granted
func (f *LeaseFrame) Requests() uint32 {
	return f.Param
}

// KeepaliveFrame is used to determine whether an idle connection is still functional
type KeepaliveFrame struct {
	baseFrame
}

// NewKeepaliveFrame creates a KEEPALIVE frame
func NewKeepaliveFrame(lastPosition uint32, data []byte, respond bool) *KeepaliveFrame {
	var flag Flags
	if respond {
		flag |= FlagRespond
	}
	return &KeepaliveFrame{baseFrame{
		Type:  frametype.Keepalive,
		Flag:  flag,
		Param: lastPosition,
		Data:  data,
	}}
}

// Respond reports whether the sender expects a KEEPALIVE back
func (f *KeepaliveFrame) Respond() bool {
	return f.Flag.Has(FlagRespond)
}

// RequestResponseFrame requests a single response
type RequestResponseFrame struct {
	baseFrame
}

// NewRequestResponseFrame creates a REQUEST_RESPONSE frame
func NewRequestResponseFrame(streamID uint32, metadata, data []byte) *RequestResponseFrame {
	return &RequestResponseFrame{baseFrame{
		Type:     frametype.RequestResponse,
		Flag:     withMetadata(0, metadata),
		StreamID: streamID,
		Metadata: metadata,
		Data:     data,
	}}
}

// RequestFnfFrame is a single one-way message
type RequestFnfFrame struct {
	baseFrame
}

// NewRequestFnfFrame creates a REQUEST_FNF frame
func NewRequestFnfFrame(streamID uint32, metadata, data []byte) *RequestFnfFrame {
	return &RequestFnfFrame{baseFrame{
		Type:     frametype.RequestFnf,
		Flag:     withMetadata(0, metadata),
		StreamID: streamID,
		Metadata: metadata,
		Data:     data,
	}}
}

// RequestStreamFrame requests a completable stream
type RequestStreamFrame struct {
	baseFrame
}

// NewRequestStreamFrame creates a REQUEST_STREAM frame
func NewRequestStreamFrame(streamID uint32, initialN uint32, metadata, data []byte) *RequestStreamFrame {
	return &RequestStreamFrame{baseFrame{
		Type:     frametype.RequestStream,
		Flag:     withMetadata(0, metadata),
		StreamID: streamID,
		Param:    initialN,
		Metadata: metadata,
		Data:     data,
	}}
}

// InitialRequestN returns the initial credit granted to the responder
func (f *RequestStreamFrame) InitialRequestN() uint32 {
	return f.Param
}

// RequestChannelFrame requests a completable stream in both directions
type RequestChannelFrame struct {
	baseFrame
}

// NewRequestChannelFrame creates a REQUEST_CHANNEL frame
func NewRequestChannelFrame(streamID uint32, initialN uint32, metadata, data []byte, complete bool) *RequestChannelFrame {
	var flag Flags
	if complete {
		flag |= FlagComplete
	}
	return &RequestChannelFrame{baseFrame{
		Type:     frametype.RequestChannel,
		Flag:     withMetadata(flag, metadata),
		StreamID: streamID,
		Param:    initialN,
		Metadata: metadata,
		Data:     data,
	}}
}

// InitialRequestN returns the initial credit granted to the responder
func (f *RequestChannelFrame) InitialRequestN() uint32 {
	return f.Param
}

// RequestNFrame grants additional credit on a stream
type RequestNFrame struct {
	baseFrame
}

// NewRequestNFrame creates a REQUEST_N frame
func NewRequestNFrame(streamID uint32, n uint32) *RequestNFrame {
	return &RequestNFrame{baseFrame{
		Type:     frametype.RequestN,
		StreamID: streamID,
		Param:    n,
	}}
}

// N returns the credit granted
func (f *RequestNFrame) N() uint32 {
	return f.Param
}

// CancelFrame cancels an outstanding request
type CancelFrame struct {
	baseFrame
}

// NewCancelFrame creates a CANCEL frame
func NewCancelFrame(streamID uint32) *CancelFrame {
	return &CancelFrame{baseFrame{
		Type:     frametype.Cancel,
		StreamID: streamID,
	}}
}

// PayloadFrame carries a payload on an open stream
type PayloadFrame struct {
	baseFrame
}

// NewPayloadFrame creates a PAYLOAD frame with the given flags (usually FlagNext and/or FlagComplete)
func NewPayloadFrame(streamID uint32, metadata, data []byte, flags ...Flags) *PayloadFrame {
	var flag Flags
	for _, f := range flags {
		flag |= f
	}
	return &PayloadFrame{baseFrame{
		Type:     frametype.Payload,
		Flag:     withMetadata(flag, metadata),
		StreamID: streamID,
		Metadata: metadata,
		Data:     data,
	}}
}

// IsNext reports whether the frame carries a payload
func (f *PayloadFrame) IsNext() bool {
	return f.Flag.Has(FlagNext)
}

// IsComplete reports whether the frame completes the stream
func (f *PayloadFrame) IsComplete() bool {
	return f.Flag.Has(FlagComplete)
}

// ErrorFrame is a connection error (stream ID 0) or a stream error
type ErrorFrame struct {
	baseFrame
}

// NewErrorFrame creates an ERROR frame
func NewErrorFrame(streamID uint32, code ErrorCode, message string) *ErrorFrame {
	return &ErrorFrame{baseFrame{
		Type:     frametype.Error,
		StreamID: streamID,
		Param:    uint32(code),
		Data:     []byte(message),
	}}
}

// Code returns the error code
func (f *ErrorFrame) Code() ErrorCode {
	return ErrorCode(f.Param)
}

// Message returns the error message
func (f *ErrorFrame) Message() string {
	return string(f.Data)
}

// Err converts the frame into an *Error
func (f *ErrorFrame) Err() *Error {
	return &Error{Code: f.Code(), Message: f.Message()}
}

// MetadataPushFrame pushes connection-wide metadata
type MetadataPushFrame struct {
	baseFrame
}

// NewMetadataPushFrame creates a METADATA_PUSH frame
func NewMetadataPushFrame(metadata []byte) *MetadataPushFrame {
	return &MetadataPushFrame{baseFrame{
		Type:     frametype.MetadataPush,
		Flag:     FlagMetadata,
		Metadata: metadata,
	}}
}

// ResumeFrame replaces SETUP when resuming a connection
type ResumeFrame struct {
	baseFrame
}

// NewResumeFrame creates a RESUME frame carrying the resume token
func NewResumeFrame(token []byte) *ResumeFrame {
	return &ResumeFrame{baseFrame{
		Type:  frametype.Resume,
		Param: Version,
		Data:  token,
	}}
}

// ResumeOkFrame is sent in response to a successful RESUME
type ResumeOkFrame struct {
	baseFrame
}

// NewResumeOkFrame creates a RESUME_OK frame
func NewResumeOkFrame(lastPosition uint32) *ResumeOkFrame {
	return &ResumeOkFrame{baseFrame{
		Type:  frametype.ResumeOk,
		Param: lastPosition,
	}}
}

// ExtFrame is a protocol extension, or a frame of unknown type
type ExtFrame struct {
	baseFrame
}

// NewExtFrame creates an EXT frame
func NewExtFrame(streamID uint32, extendedType uint32, metadata, data []byte, ignore bool) *ExtFrame {
	var flag Flags
	if ignore {
		flag |= FlagIgnore
	}
	return &ExtFrame{baseFrame{
		Type:     frametype.Ext,
		Flag:     withMetadata(flag, metadata),
		StreamID: streamID,
		Param:    extendedType,
		Metadata: metadata,
		Data:     data,
	}}
}

// ExtendedType returns the extended type of the frame
func (f *ExtFrame) ExtendedType() uint32 {
	return f.Param
}

// CanIgnore reports whether the receiver may ignore the frame if it does not understand it
func (f *ExtFrame) CanIgnore() bool {
	return f.Flag.Has(FlagIgnore)
}
