package codec

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/bytedance/gopkg/lang/mcache"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/rsmux/pkg/rsocket/codec/frametype"
)

const (
	_fixedHeaderLen = 17
	_minFrameLen    = _fixedHeaderLen - 4 // fixed header - frame length
	_maxFrameLen    = 16 * 1024 * 1024
	_maxMetadataLen = 1<<24 - 1
)

var (
	// ErrFrameTooLarge is returned when an encoded frame would exceed the maximum frame length.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrMetadataTooLarge is returned when the metadata does not fit the 24-bit metadata length.
	ErrMetadataTooLarge = errors.New("metadata too large")
)

const (
	// FlagIgnore indicates that the frame can be ignored if it is not understood.
	FlagIgnore Flags = 0x1 << 7

	// FlagMetadata indicates that the frame carries metadata.
	FlagMetadata Flags = 0x1 << 6

	// FlagFollows indicates that more fragments follow this one.
	FlagFollows Flags = 0x1 << 5

	// FlagComplete indicates stream completion.
	// If set, the receiver is notified that no more payloads will be sent on the stream.
	FlagComplete Flags = 0x1 << 4

	// FlagNext indicates that the frame carries the next payload of the stream.
	FlagNext Flags = 0x1 << 3

	// FlagRespond asks the receiver of a KEEPALIVE frame to respond with a KEEPALIVE frame.
	FlagRespond Flags = 0x1 << 2

	// FlagLease indicates that the sender of a SETUP frame will honor LEASE frames.
	FlagLease Flags = 0x1 << 1
)

// Flags is a bitmask of frame flags.
type Flags uint8

// Has reports whether f contains all (0 or more) flags in v.
func (f Flags) Has(v Flags) bool {
	return (f & v) == v
}

// Frame is the base interface implemented by all frame types
type Frame interface {
	Base() baseFrame

	// Size returns the number of bytes that the Frame takes after encoding
	Size() int

	// Summarize returns all info of the frame, only for debug use
	Summarize() string

	// Info returns fixed header info of the frame
	Info() string

	// IsConnection returns whether the frame is scoped to the connection rather than a stream
	IsConnection() bool

	// IsRequest returns whether the frame opens a new stream
	IsRequest() bool
}

// baseFrame is the unit of transmission on a connection.
//
//	+-----------------------------------------------------------------------+
//	|                           Frame Length (32)                           |
//	+-----------------------------------------------------------------------+
//	|                         Stream Identifier (32)                        |
//	+-----------------+-----------------+-----------------------------------+
//	|  Frame Type (8) |    Flags (8)    |
//	+-----------------+-----------------+-----------------------------------+
//	|                            Parameter (32)                             |
//	+-----------------------------------------------------------------------+
//	|                  Metadata Length (24)                 |
//	+-------------------------------------------------------+---------------+
//	|                            Metadata (0...)                          ...
//	+-----------------------------------------------------------------------+
//	|                              Data (0...)                            ...
//	+-----------------------------------------------------------------------+
//
// Parameter is interpreted per frame type: the protocol version for SETUP,
// the granted requests for LEASE, the last received position for KEEPALIVE and
// RESUME_OK, the initial request N for REQUEST_STREAM and REQUEST_CHANNEL, N for
// REQUEST_N, the error code for ERROR and the extended type for EXT.
type baseFrame struct {
	Type     frametype.Type // Type determines the format and semantics of the frame
	Flag     Flags          // Flag is reserved for boolean flags specific to the frame type
	StreamID uint32         // StreamID identifies which stream the frame belongs to, 0 for the connection
	Param    uint32         // Param is the type-specific fixed field
	Metadata []byte         // nil for no metadata
	Data     []byte         // nil for no data
}

// Base implement the Frame interface
func (f baseFrame) Base() baseFrame {
	return f
}

func (f baseFrame) Size() int {
	return _fixedHeaderLen + len(f.Metadata) + len(f.Data)
}

func (f baseFrame) Summarize() string {
	var buf bytes.Buffer
	buf.WriteString(f.Info())
	_, _ = fmt.Fprintf(&buf, " metadata=%q", f.Metadata)
	data := f.Data
	const max = 256
	if len(data) > max {
		data = data[:max]
	}
	_, _ = fmt.Fprintf(&buf, " data=%q", data)
	if len(f.Data) > max {
		_, _ = fmt.Fprintf(&buf, " (%d bytes omitted)", len(f.Data)-max)
	}
	return buf.String()
}

func (f baseFrame) Info() string {
	var buf bytes.Buffer
	_, _ = fmt.Fprintf(&buf, "size=%d", f.Size())
	_, _ = fmt.Fprintf(&buf, " type=%s", f.Type.String())
	_, _ = fmt.Fprintf(&buf, " flag=%08b", f.Flag)
	_, _ = fmt.Fprintf(&buf, " streamID=%d", f.StreamID)
	_, _ = fmt.Fprintf(&buf, " param=%d", f.Param)
	return buf.String()
}

func (f baseFrame) IsConnection() bool {
	return f.StreamID == 0 || f.Type.IsConnection()
}

func (f baseFrame) IsRequest() bool {
	return f.Type.IsRequest()
}

// Framer reads and writes Frames
type Framer struct {
	r io.Reader
	// fixedBuf is used to cache the fixed length portion in the frame
	fixedBuf [_fixedHeaderLen]byte

	w    io.Writer
	wbuf []byte

	lg *zap.Logger
}

// NewFramer returns a Framer that writes frames to w and reads them from r
func NewFramer(w io.Writer, r io.Reader, logger *zap.Logger) *Framer {
	return &Framer{
		w:  w,
		r:  r,
		lg: logger,
	}
}

// ReadFrame reads a single frame.
// The returned free func, if not nil, must be called once the frame is no longer needed,
// after which the metadata and data of the frame must not be accessed.
func (fr *Framer) ReadFrame() (Frame, func(), error) {
	logger := fr.lg

	buf := fr.fixedBuf[:_fixedHeaderLen]
	_, err := io.ReadFull(fr.r, buf)
	if err != nil {
		if err != io.EOF {
			logger.Error("failed to read fixed header", zap.Error(err))
		}
		return nil, nil, errors.Wrap(err, "read fixed header")
	}
	headerBuf := bytes.NewBuffer(buf)

	frameLen := binary.BigEndian.Uint32(headerBuf.Next(4))
	if frameLen < _minFrameLen {
		logger.Error("illegal frame length, fewer than minimum", zap.Uint32("frame-length", frameLen), zap.Uint32("min-length", _minFrameLen))
		return nil, nil, errors.New("frame too small")
	}
	if frameLen > _maxFrameLen {
		logger.Error("illegal frame length, greater than maximum", zap.Uint32("frame-length", frameLen), zap.Uint32("max-length", _maxFrameLen))
		return nil, nil, ErrFrameTooLarge
	}

	streamID := binary.BigEndian.Uint32(headerBuf.Next(4))
	frameType := frametype.Type(headerBuf.Next(1)[0])
	flag := Flags(headerBuf.Next(1)[0])
	param := binary.BigEndian.Uint32(headerBuf.Next(4))
	metaLen := uint32(headerBuf.Next(1)[0])<<16 | uint32(binary.BigEndian.Uint16(headerBuf.Next(2)))
	if metaLen > frameLen-_minFrameLen {
		logger.Error("illegal metadata length, greater than frame", zap.Uint32("metadata-length", metaLen), zap.Uint32("frame-length", frameLen))
		return nil, nil, errors.New("metadata length out of range")
	}
	dataLen := frameLen - _minFrameLen - metaLen

	var free func()
	var tBuf []byte
	if metaLen+dataLen > 0 {
		tBuf = mcache.Malloc(int(metaLen + dataLen))
		free = func() { mcache.Free(tBuf) }
		_, err = io.ReadFull(fr.r, tBuf)
		if err != nil {
			logger.Error("failed to read metadata and data", zap.Error(err))
			free()
			return nil, nil, errors.Wrap(err, "read metadata and data")
		}
	}

	metadata := func() []byte {
		if metaLen == 0 {
			return nil
		}
		return tBuf[:metaLen]
	}()
	data := func() []byte {
		if dataLen == 0 {
			return nil
		}
		return tBuf[metaLen:]
	}()

	return NewFrame(frameType, streamID, flag, param, metadata, data), free, nil
}

// CheckSize reports whether f can be encoded, without encoding it.
// WriteFrame fails with the same error, before writing anything, for any f rejected here.
func CheckSize(f Frame) error {
	frame := f.Base()
	if len(frame.Metadata) > _maxMetadataLen {
		return ErrMetadataTooLarge
	}
	if f.Size()-4 > _maxFrameLen {
		return ErrFrameTooLarge
	}
	return nil
}

// WriteFrame writes a frame
//
// It will perform exactly one Write to the underlying Writer.
// It is the caller's responsibility not to violate the maximum frame size
// and to not call other Write methods concurrently.
func (fr *Framer) WriteFrame(f Frame) error {
	logger := fr.lg
	frame := f.Base()
	if len(frame.Metadata) > _maxMetadataLen {
		logger.Error("metadata too large", zap.Int("metadata-length", len(frame.Metadata)), zap.Int("max-length", _maxMetadataLen))
		return ErrMetadataTooLarge
	}
	fr.startWrite(frame)

	if frame.Metadata != nil {
		fr.wbuf = append(fr.wbuf, frame.Metadata...)
	}
	if frame.Data != nil {
		fr.wbuf = append(fr.wbuf, frame.Data...)
	}

	return fr.endWrite()
}

// Flush writes any buffered data to the underlying io.Writer.
func (fr *Framer) Flush() error {
	if bw, ok := fr.w.(*bufio.Writer); ok {
		return bw.Flush()
	}
	return nil
}

// Available returns how many bytes are unused in the buffer.
func (fr *Framer) Available() int {
	if bw, ok := fr.w.(*bufio.Writer); ok {
		return bw.Available()
	}
	return 0
}

// Write the fixed header
func (fr *Framer) startWrite(frame baseFrame) {
	fr.wbuf = fr.wbuf[:0]
	fr.wbuf = binary.BigEndian.AppendUint32(fr.wbuf, 0) // 4 bytes of frame length, will be filled in endWrite
	fr.wbuf = binary.BigEndian.AppendUint32(fr.wbuf, frame.StreamID)
	fr.wbuf = append(fr.wbuf, uint8(frame.Type), uint8(frame.Flag))
	fr.wbuf = binary.BigEndian.AppendUint32(fr.wbuf, frame.Param)
	metaLen := len(frame.Metadata)
	fr.wbuf = append(fr.wbuf, byte(metaLen>>16), byte(metaLen>>8), byte(metaLen))
}

func (fr *Framer) endWrite() error {
	logger := fr.lg
	// Now that we know the final size, fill in the frame length in
	// the space previously reserved for it. Abuse append.
	length := len(fr.wbuf) - 4 // sub frameLen width
	if length > _maxFrameLen {
		logger.Error("frame too large, greater than maximum", zap.Int("frame-length", length), zap.Uint32("max-length", _maxFrameLen))
		return ErrFrameTooLarge
	}
	_ = binary.BigEndian.AppendUint32(fr.wbuf[:0], uint32(length))

	_, err := fr.w.Write(fr.wbuf)
	if err != nil {
		logger.Error("failed to write frame", zap.Error(err))
		return errors.Wrap(err, "write frame")
	}
	return nil
}
