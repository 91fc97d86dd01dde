// Copyright 2016 TiKV Project Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/AutoMQ/rsmux/pkg/rsocket/responder"
	"github.com/AutoMQ/rsmux/pkg/server/config"
	"github.com/AutoMQ/rsmux/pkg/server/handler"
	"github.com/AutoMQ/rsmux/pkg/util/logutil"
)

var _statsTickInterval = 10 * time.Second // interval of the connection stats loop

var activeConns = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "rsmux",
	Subsystem: "server",
	Name:      "active_connections",
	Help:      "Number of connections currently served.",
})

// Server serves RSocket connections with an echo handler
type Server struct {
	started atomic.Bool // server status, true for started

	cfg *config.Config // Server configuration

	ctx        context.Context    // main context
	loopCtx    context.Context    // loop context
	loopCancel context.CancelFunc // loop cancel
	loopWg     sync.WaitGroup     // loop wait group

	listener  net.Listener
	rsocket   *responder.Server
	serveDone chan struct{}

	metricsListener net.Listener
	metrics         *http.Server
	metricsDone     chan struct{}

	lg *zap.Logger // logger
}

// NewServer creates the UNINITIALIZED server with given configuration.
func NewServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Server, error) {
	s := &Server{
		cfg: cfg,
		ctx: ctx,
		lg:  logger,
	}
	return s, nil
}

// Start starts the server
func (s *Server) Start() error {
	if err := s.startServer(); err != nil {
		return errors.Wrap(err, "start server")
	}
	s.startLoop(s.ctx)

	return nil
}

func (s *Server) startServer() error {
	logger := s.lg

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.cfg.Addr)
	}
	s.listener = listener

	h := handler.Logger{LogAble: handler.NewEcho(logger)}
	s.rsocket = responder.NewServer(s.ctx, h, s.cfg.RSocket.ServerConfig(), logger)
	s.serveDone = make(chan struct{})
	go s.serve(listener)

	if err := s.startMetricsServer(); err != nil {
		s.stopRSocketServer()
		return err
	}

	if s.started.Swap(true) {
		logger.Warn("server already started")
	}
	return nil
}

func (s *Server) serve(listener net.Listener) {
	logger := s.lg.With(zap.String("listener-addr", listener.Addr().String()), zap.String("advertise-addr", s.cfg.AdvertiseAddr))
	defer close(s.serveDone)

	logger.Info("rsocket server started")
	if err := s.rsocket.Serve(listener); err != nil && err != responder.ErrServerClosed {
		logger.Error("rsocket server failed", zap.Error(err))
	}
}

// startMetricsServer serves the default prometheus registry on /metrics, if enabled.
func (s *Server) startMetricsServer() error {
	if s.cfg.MetricsAddr == "" {
		return nil
	}
	listener, err := net.Listen("tcp", s.cfg.MetricsAddr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", s.cfg.MetricsAddr)
	}
	s.metricsListener = listener

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	s.metrics = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          zap.NewStdLog(s.lg),
	}
	s.metricsDone = make(chan struct{})
	go func() {
		logger := s.lg.With(zap.String("metrics-addr", listener.Addr().String()))
		defer close(s.metricsDone)

		logger.Info("metrics server started")
		if err := s.metrics.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) startLoop(ctx context.Context) {
	s.loopCtx, s.loopCancel = context.WithCancel(ctx)
	loops := []func(){s.statsLoop}

	s.loopWg.Add(len(loops))
	for _, loop := range loops {
		go loop()
	}
}

// statsLoop publishes the number of served connections.
func (s *Server) statsLoop() {
	logger := s.lg
	defer logutil.LogPanic(logger)
	defer s.loopWg.Done()

	ticker := time.NewTicker(_statsTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n := s.rsocket.ConnCount()
			activeConns.Set(float64(n))
			logger.Debug("connection stats", zap.Int("active-conns", n))
		case <-s.loopCtx.Done():
			activeConns.Set(0)
			return
		}
	}
}

// Addr returns the address the server listens on. It can be used after Start.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// MetricsAddr returns the address metrics are served on, nil if disabled. It can be used after Start.
func (s *Server) MetricsAddr() net.Addr {
	if s.metricsListener == nil {
		return nil
	}
	return s.metricsListener.Addr()
}

// IsClosed checks whether server is closed or not.
func (s *Server) IsClosed() bool {
	return !s.started.Load()
}

// Close closes the server.
func (s *Server) Close() {
	if !s.started.Swap(false) {
		// server is already closed
		return
	}

	logger := s.lg
	logger.Info("closing server")

	s.stopServerLoop()
	s.stopMetricsServer()
	s.stopRSocketServer()

	logger.Info("server closed")
}

func (s *Server) stopServerLoop() {
	s.loopCancel()
	s.loopWg.Wait()
}

func (s *Server) stopMetricsServer() {
	if s.metrics == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RSocket.ShutdownTimeout)
	defer cancel()
	if err := s.metrics.Shutdown(ctx); err != nil {
		s.lg.Warn("metrics server did not shut down cleanly", zap.Error(err))
	}
	<-s.metricsDone
}

func (s *Server) stopRSocketServer() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RSocket.ShutdownTimeout)
	defer cancel()
	if err := s.rsocket.Shutdown(ctx); err != nil {
		s.lg.Warn("rsocket server did not shut down cleanly", zap.Error(err))
	}
	<-s.serveDone
}
