package mux

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	_reasonReserved      = "reserved"
	_reasonDuplicate     = "duplicate"
	_reasonUnknownStream = "unknown-stream"
	_reasonClosed        = "closed"
	_reasonNoHandler     = "no-handler"

	_sideRequester = "requester"
	_sideResponder = "responder"
)

var (
	droppedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rsmux",
		Subsystem: "mux",
		Name:      "dropped_frames_total",
		Help:      "Number of inbound frames dropped by the demultiplexer.",
	}, []string{"reason"})

	rejectedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rsmux",
		Subsystem: "mux",
		Name:      "rejected_frames_total",
		Help:      "Number of outbound frames rejected because they could not be encoded.",
	}, []string{"type"})

	createdStreams = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rsmux",
		Subsystem: "mux",
		Name:      "streams_created_total",
		Help:      "Number of streams registered in a multiplexer.",
	}, []string{"side"})
)
