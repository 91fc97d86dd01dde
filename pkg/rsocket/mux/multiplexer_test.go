package mux

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/AutoMQ/rsmux/pkg/rsocket/codec"
	"github.com/AutoMQ/rsmux/pkg/rsocket/codec/frametype"
)

type mockSink struct {
	frames []codec.Frame
}

func (s *mockSink) Send(f codec.Frame) {
	s.frames = append(s.frames, f)
}

type mockStream struct {
	id     uint32
	frames []codec.Frame
	closes []error

	// requester side
	decline    bool
	onReady    func(s *mockStream, out Outbound)
	readyCalls int
	rejects    []error
}

func (s *mockStream) StreamID() uint32 {
	return s.id
}

func (s *mockStream) Handle(f codec.Frame) {
	s.frames = append(s.frames, f)
}

func (s *mockStream) Close(err error) {
	s.closes = append(s.closes, err)
}

func (s *mockStream) HandleReady(id uint32, out Outbound) bool {
	s.id = id
	s.readyCalls++
	if s.onReady != nil {
		s.onReady(s, out)
	}
	return !s.decline
}

func (s *mockStream) HandleReject(err error) {
	s.rejects = append(s.rejects, err)
}

type accepted struct {
	frame codec.Frame
	s     OutboundStream
}

func newTestMultiplexer(seed uint32) (*Multiplexer, *mockSink) {
	sink := &mockSink{}
	return New(sink, NewAllocator(seed), zap.NewNop()), sink
}

func TestMultiplexer_Scenario(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	m, _ := newTestMultiplexer(0)
	var acceptedFrames []accepted
	responders := make(map[uint32]*mockStream)
	m.HandleStream(func(f codec.Frame, s OutboundStream) bool {
		acceptedFrames = append(acceptedFrames, accepted{frame: f, s: s})
		st := &mockStream{id: f.Base().StreamID}
		responders[st.id] = st
		s.Add(st)
		return true
	})

	first, second := &mockStream{}, &mockStream{}
	m.CreateStream(first, frametype.RequestResponse)
	m.CreateStream(second, frametype.RequestStream)
	re.Equal(uint32(2), first.StreamID())
	re.Equal(uint32(4), second.StreamID())

	request := codec.NewRequestResponseFrame(6, nil, []byte("hello"))
	m.Handle(request)
	re.Len(acceptedFrames, 1)
	re.Equal(request, acceptedFrames[0].frame)
	re.Same(m, acceptedFrames[0].s)

	payload := codec.NewPayloadFrame(2, nil, []byte("world"), codec.FlagNext)
	m.Handle(payload)
	re.Equal([]codec.Frame{payload}, first.frames)
	re.Empty(second.frames)
	re.Empty(responders[6].frames)

	boom := errors.New("boom")
	m.Close(boom)
	for _, st := range []*mockStream{first, second, responders[6]} {
		re.Len(st.closes, 1)
		re.EqualError(st.closes[0], "closed, original cause: boom")
		re.ErrorIs(st.closes[0], ErrClosed)
		re.ErrorIs(st.closes[0], boom)
	}

	m.Close(nil)
	for _, st := range []*mockStream{first, second, responders[6]} {
		re.Len(st.closes, 1)
	}
	re.True(m.Closed())
	re.Zero(m.Len())
}

func TestMultiplexer_HandleRouting(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	m, _ := newTestMultiplexer(ServerSeed)
	var connFrames []codec.Frame
	m.HandleConnectionFrames(func(f codec.Frame) {
		connFrames = append(connFrames, f)
	})
	m.HandleStream(func(codec.Frame, OutboundStream) bool {
		re.Fail("unexpected new stream")
		return false
	})

	s3, s5 := &mockStream{id: 3}, &mockStream{id: 5}
	m.Add(s3)
	m.Add(s5)

	connFrameList := []codec.Frame{
		codec.NewSetupFrame(nil, nil, false),
		codec.NewKeepaliveFrame(0, nil, true),
		codec.NewLeaseFrame(10, nil),
		codec.NewErrorFrame(0, codec.ErrorCodeConnectionClose, "bye"),
		codec.NewMetadataPushFrame([]byte("md")),
		codec.NewResumeFrame([]byte("token")),
		codec.NewResumeOkFrame(1),
	}
	for _, f := range connFrameList {
		m.Handle(f)
	}
	re.Equal(connFrameList, connFrames)

	requestN := codec.NewRequestNFrame(3, 8)
	cancel := codec.NewCancelFrame(5)
	streamErr := codec.NewErrorFrame(3, codec.ErrorCodeApplicationError, "oops")
	m.Handle(requestN)
	m.Handle(cancel)
	m.Handle(streamErr)
	re.Equal([]codec.Frame{requestN, streamErr}, s3.frames)
	re.Equal([]codec.Frame{cancel}, s5.frames)

	// frames of unknown streams are dropped silently
	m.Handle(codec.NewPayloadFrame(7, nil, []byte("late"), codec.FlagNext))
	m.Remove(s5)
	m.Handle(codec.NewCancelFrame(5))
	re.Len(s5.frames, 1)
	re.Len(s3.frames, 2)
	re.Len(connFrames, len(connFrameList))
}

func TestMultiplexer_HandleDuplicateRequest(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	m, _ := newTestMultiplexer(ServerSeed)
	var violations []Violation
	m.HandleViolations(func(v Violation) {
		violations = append(violations, v)
	})
	acceptCalls := 0
	m.HandleStream(func(f codec.Frame, s OutboundStream) bool {
		acceptCalls++
		return true
	})

	existing := &mockStream{id: 6}
	m.Add(existing)

	dup := codec.NewRequestResponseFrame(6, nil, []byte("again"))
	m.Handle(dup)

	re.Zero(acceptCalls)
	got, ok := m.Get(6)
	re.True(ok)
	re.Same(existing, got)
	re.Empty(existing.frames)
	re.Equal([]Violation{{Kind: ViolationDuplicateStream, Frame: dup}}, violations)
}

func TestMultiplexer_HandleReservedFrame(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	obsZapCore, obsLogs := observer.New(zap.InfoLevel)
	m := New(&mockSink{}, NewAllocator(ServerSeed), zap.New(obsZapCore))
	var violations []Violation
	m.HandleViolations(func(v Violation) {
		violations = append(violations, v)
	})
	m.HandleConnectionFrames(func(codec.Frame) {
		re.Fail("unexpected connection frame")
	})
	s := &mockStream{id: 2}
	m.Add(s)

	reserved := codec.NewFrame(frametype.Reserved, 2, 0, 0, nil, nil)
	m.Handle(reserved)
	m.Handle(codec.NewFrame(frametype.Reserved, 0, 0, 0, nil, nil))

	re.Empty(s.frames)
	re.Len(violations, 2)
	re.Equal(ViolationReservedFrame, violations[0].Kind)
	re.Equal(reserved, violations[0].Frame)
	re.Equal("reserved-frame", violations[0].Kind.String())

	logs := obsLogs.FilterMessage("dropping frame with reserved type").All()
	re.Len(logs, 2)
	re.Equal(zapcore.WarnLevel, logs[0].Level)
}

func TestMultiplexer_HandleWithoutHandlers(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	m, _ := newTestMultiplexer(ServerSeed)
	re.NotPanics(func() {
		m.Handle(codec.NewSetupFrame(nil, nil, false))
		m.Handle(codec.NewRequestFnfFrame(1, nil, nil))
		m.Handle(codec.NewPayloadFrame(1, nil, nil, codec.FlagComplete))
	})
	re.Zero(m.Len())
}

func TestMultiplexer_CreateStreamDeclined(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	m, _ := newTestMultiplexer(ServerSeed)

	// a declining handler stays registered until it removes itself
	lazy := &mockStream{decline: true}
	m.CreateStream(lazy, frametype.RequestResponse)
	re.Equal(uint32(2), lazy.StreamID())
	re.Equal(1, m.Len())
	m.Remove(lazy)

	polite := &mockStream{decline: true, onReady: func(s *mockStream, _ Outbound) { m.Remove(s) }}
	m.CreateStream(polite, frametype.RequestResponse)
	re.Equal(uint32(2), polite.StreamID())
	re.Zero(m.Len())

	// the declined candidate is offered again
	ready := &mockStream{}
	m.CreateStream(ready, frametype.RequestResponse)
	re.Equal(uint32(2), ready.StreamID())
	re.Equal(1, m.Len())
	re.Empty(ready.rejects)
}

func TestMultiplexer_CreateStreamCollision(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	m, _ := newTestMultiplexer(ServerSeed)
	squatter := &mockStream{id: 2}
	m.Add(squatter)

	s := &mockStream{}
	m.CreateStream(s, frametype.RequestResponse)
	re.Zero(s.readyCalls)
	re.Len(s.rejects, 1)
	re.ErrorIs(s.rejects[0], ErrStreamIDInUse)

	got, ok := m.Get(2)
	re.True(ok)
	re.Same(squatter, got)
	re.Equal(1, m.Len())
}

func TestMultiplexer_CreateStreamInvalidType(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	m, _ := newTestMultiplexer(ServerSeed)
	s := &mockStream{}
	m.CreateStream(s, frametype.Payload)
	re.Zero(s.readyCalls)
	re.Len(s.rejects, 1)
	re.ErrorContains(s.rejects[0], "cannot open a stream")
	re.Zero(m.Len())
}

func TestMultiplexer_CreateStreamReadyOutbound(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	m, sink := newTestMultiplexer(ClientSeed)
	s := &mockStream{onReady: func(s *mockStream, out Outbound) {
		out.Send(codec.NewRequestResponseFrame(s.id, nil, []byte("ping")))
	}}
	m.CreateStream(s, frametype.RequestResponse)

	re.Equal(uint32(1), s.StreamID())
	re.Len(sink.frames, 1)
	re.Equal(uint32(1), sink.frames[0].Base().StreamID)
	re.Same(m, m.ConnectionOutbound())
}

func TestMultiplexer_CloseIdempotent(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	m, sink := newTestMultiplexer(ServerSeed)
	streams := []*mockStream{{id: 1}, {id: 3}, {id: 5}}
	for _, s := range streams {
		m.Add(s)
	}
	var causes []error
	m.OnClose(func(cause error) {
		causes = append(causes, cause)
	})

	re.NoError(m.Err())
	m.Close(nil)
	m.Close(errors.New("second"))
	m.Close(nil)

	for _, s := range streams {
		re.Len(s.closes, 1)
		re.EqualError(s.closes[0], "closed")
		re.ErrorIs(s.closes[0], ErrClosed)
	}
	re.Equal([]error{nil}, causes)
	re.EqualError(m.Err(), "closed")
	select {
	case <-m.Done():
	default:
		re.Fail("done channel not closed")
	}

	var lateCauses []error
	m.OnClose(func(cause error) {
		lateCauses = append(lateCauses, cause)
	})
	re.Equal([]error{nil}, lateCauses)

	m.Send(codec.NewCancelFrame(1))
	re.Empty(sink.frames)
}

func TestMultiplexer_AfterClose(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	m, _ := newTestMultiplexer(ServerSeed)
	accepted := 0
	m.HandleStream(func(codec.Frame, OutboundStream) bool {
		accepted++
		return true
	})
	m.HandleConnectionFrames(func(codec.Frame) {
		re.Fail("unexpected connection frame")
	})
	m.Close(errors.New("gone"))

	s := &mockStream{}
	m.CreateStream(s, frametype.RequestResponse)
	re.Zero(s.readyCalls)
	re.Equal([]error{ErrAlreadyClosed}, s.rejects)
	re.Zero(m.Len())

	late := &mockStream{id: 4}
	m.Add(late)
	re.Zero(m.Len())
	re.Len(late.closes, 1)
	re.EqualError(late.closes[0], "closed, original cause: gone")

	m.Handle(codec.NewRequestResponseFrame(8, nil, nil))
	m.Handle(codec.NewKeepaliveFrame(0, nil, true))
	re.Zero(accepted)
}

func TestMultiplexer_Uniqueness(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	m, _ := newTestMultiplexer(ClientSeed)
	seen := make(map[uint32]struct{})
	for i := 0; i < 100; i++ {
		s := &mockStream{}
		m.CreateStream(s, frametype.RequestFnf)
		re.Empty(s.rejects)
		_, dup := seen[s.id]
		re.False(dup)
		seen[s.id] = struct{}{}

		// peer-initiated streams use the other parity
		m.Add(&mockStream{id: uint32(2 * (i + 1))})
	}
	re.Equal(200, m.Len())
}

func TestMultiplexer_SendOversized(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	m, sink := newTestMultiplexer(ClientSeed)
	big := make([]byte, 17*1024*1024)

	// a request never reaches the peer, only the requester learns about it
	requester := &mockStream{onReady: func(s *mockStream, out Outbound) {
		out.Send(codec.NewRequestResponseFrame(s.id, nil, big))
	}}
	m.CreateStream(requester, frametype.RequestResponse)
	re.Len(requester.closes, 1)
	re.ErrorIs(requester.closes[0], codec.ErrFrameTooLarge)
	re.Zero(m.Len())
	re.Empty(sink.frames)

	// a response fails the stream on both sides
	responder := &mockStream{id: 2}
	m.Add(responder)
	m.Send(codec.NewPayloadFrame(2, make([]byte, 1<<24), nil, codec.FlagNext))
	re.Len(responder.closes, 1)
	re.ErrorIs(responder.closes[0], codec.ErrMetadataTooLarge)
	_, ok := m.Get(2)
	re.False(ok)
	re.Len(sink.frames, 1)
	re.Equal(frametype.Error, sink.frames[0].Base().Type)
	re.Equal(uint32(2), sink.frames[0].Base().StreamID)
	re.Equal(codec.ErrorCodeApplicationError, sink.frames[0].(*codec.ErrorFrame).Code())

	// connection frames are dropped
	m.Send(codec.NewMetadataPushFrame(big))
	re.Len(sink.frames, 1)

	// the multiplexer is still usable
	re.False(m.Closed())
	other := &mockStream{id: 4}
	m.Add(other)
	m.Send(codec.NewCancelFrame(4))
	re.Len(sink.frames, 2)
	re.Empty(other.closes)
}
