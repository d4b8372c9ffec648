// Package server hosts arbitrary protocols behind one TCP port. On every
// new connection a detection transducer decides which protocol (and which
// transport wrapper layers) are present, installs the matched protocol's
// pipeline, and routes decoded messages through the method registry and the
// protocol's queueing strategy.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/polyport/polyport/pkg/config"
	"github.com/polyport/polyport/pkg/dispatch"
	"github.com/polyport/polyport/pkg/logging"
	"github.com/polyport/polyport/pkg/message"
	"github.com/polyport/polyport/pkg/metrics"
	"github.com/polyport/polyport/pkg/protocol"
	"github.com/polyport/polyport/pkg/queueing"
	"github.com/polyport/polyport/pkg/sniff"
	"github.com/polyport/polyport/pkg/tlsutil"
)

// ObjectFactoryConstructor builds an object factory against the live
// server. A constructor that fails is logged and skipped; the server
// continues with the remaining factories.
type ObjectFactoryConstructor func(s *Server) (dispatch.ObjectFactory, error)

// Option customizes server construction.
type Option func(*Server)

// WithLogger sets the server logger. Defaults to a text logger derived
// from the configuration's logging section.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithStrategy sets the default queueing strategy for protocols that do
// not bring their own. Defaults to the direct (same-thread) strategy.
func WithStrategy(st queueing.Strategy) Option {
	return func(s *Server) { s.defaultStrategy = st }
}

// WithMetricsRegistry attaches an existing metrics registry instead of
// creating a private one.
func WithMetricsRegistry(reg *metrics.Registry) Option {
	return func(s *Server) { s.metricsReg = reg }
}

// Server is the single-port multi-protocol server.
type Server struct {
	cfg        *config.Server
	log        *slog.Logger
	registry   *dispatch.Registry
	metricsReg *metrics.Registry
	metrics    *metrics.Server
	tlsConfig  *tls.Config

	defaultStrategy queueing.Strategy

	mu         sync.Mutex
	protocols  map[string]protocol.Configuration
	factories  []sniff.Factory
	strategies map[string]queueing.Strategy
	objects    []dispatch.ObjectFactory

	ln     net.Listener
	done   chan struct{}
	conns  map[*serverConn]struct{}
	connWG sync.WaitGroup
}

// New constructs a server from an already-validated configuration.
func New(cfg *config.Server, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}

	s := &Server{
		cfg:        cfg,
		protocols:  make(map[string]protocol.Configuration),
		strategies: make(map[string]queueing.Strategy),
		conns:      make(map[*serverConn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.log == nil {
		s.log = logging.New(logging.Config{
			Level:  logging.ParseLevel(cfg.Logging.Level),
			Format: logging.ParseFormat(cfg.Logging.Format),
		})
	}
	if s.metricsReg == nil {
		s.metricsReg = metrics.NewRegistry()
	}
	s.metrics = metrics.NewServer(s.metricsReg)

	policy := dispatch.PolicyRegisterAll
	if cfg.Registration.Policy == "explicit-only" {
		policy = dispatch.PolicyExplicitOnly
	}
	s.registry = dispatch.NewRegistry(policy, s.log)

	if s.defaultStrategy == nil {
		s.defaultStrategy = queueing.NewDirect(s.log)
	}
	s.defaultStrategy = queueing.WithMetrics(s.defaultStrategy, s.metrics)

	if cfg.Detect.TLS {
		tlsConfig, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("tls configuration: %w", err)
		}
		s.tlsConfig = tlsConfig
	}

	return s, nil
}

// NewFromFile loads the configuration file and constructs a server.
// Configuration failures are fatal: there is no server to return.
func NewFromFile(path string, opts ...Option) (*Server, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("the server cannot be started, unable to load config (%s): %w", path, err)
	}
	return New(cfg, opts...)
}

// buildTLSConfig assembles the certificate for the TLS transport layer.
func buildTLSConfig(cfg *config.Server) (*tls.Config, error) {
	var cert tls.Certificate
	var err error
	if cfg.TLS.AutoGenerateCert {
		cert, err = tlsutil.SelfSigned(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to generate certificate: %w", err)
		}
	} else {
		cert, err = tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate: %w", err)
		}
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Config returns the server configuration.
func (s *Server) Config() *config.Server { return s.cfg }

// Registry returns the method registry.
func (s *Server) Registry() *dispatch.Registry { return s.registry }

// Metrics returns the server's metrics registry for exposition.
func (s *Server) Metrics() *metrics.Registry { return s.metricsReg }

// RegisterProtocol publishes a protocol configuration: its detector
// factory, its method processor and, if present, its queueing strategy are
// installed together.
func (s *Server) RegisterProtocol(pc protocol.Configuration) error {
	if pc == nil {
		return ErrNilProtocol
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.protocols[pc.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProtocol, pc.Name())
	}

	if err := s.registry.AddProcessor(pc.Processor()); err != nil {
		return err
	}
	s.protocols[pc.Name()] = pc
	s.factories = append(s.factories, pc.Detector())
	if st := pc.Strategy(); st != nil {
		s.strategies[pc.Name()] = queueing.WithMetrics(st, s.metrics)
	}
	return nil
}

// RegisterMethodProcessor adds a standalone method processor, consulted in
// registration order after any protocol processors registered earlier.
func (s *Server) RegisterMethodProcessor(p dispatch.Processor) error {
	return s.registry.AddProcessor(p)
}

// RegisterDetectorFactory adds a standalone detector factory. A factory
// registered this way must belong to a protocol configuration registered
// under the same name, otherwise a match closes the connection.
func (s *Server) RegisterDetectorFactory(f sniff.Factory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factories = append(s.factories, f)
}

// RegisterObjectFactory runs the constructor and registers the resulting
// object factory. A failing constructor is logged and skipped; the server
// continues with the remaining factories.
func (s *Server) RegisterObjectFactory(ctor ObjectFactoryConstructor) {
	factory, err := ctor(s)
	if err != nil {
		s.log.Warn("unable to create object factory, skipping", "error", err)
		return
	}
	s.mu.Lock()
	s.objects = append(s.objects, factory)
	s.mu.Unlock()
	if err := s.registry.AddFactory(factory); err != nil {
		s.log.Warn("unable to register object factory", "error", err)
	}
}

// RegisterMethods registers a handler source's declared methods. Safe to
// call before or after Start; a registration concurrent with dispatch is
// observed atomically by readers. The returned error is non-fatal (see
// dispatch.Registry.RegisterMethods); it is also logged here.
func (s *Server) RegisterMethods(src dispatch.Source) error {
	err := s.registry.RegisterMethods(src)
	if err != nil {
		s.log.Warn("method registration incomplete", "source", src.Name(), "error", err)
	}
	return err
}

// Start binds the configured port and begins accepting connections, with
// the transducer installed as the head pipeline stage for each one.
// Calling Start on a running server fails with ErrAlreadyStarted. A bind
// failure leaves the server non-started and retryable.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return ErrAlreadyStarted
	}

	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		s.log.Warn("error starting server", "addr", s.cfg.Addr(), "error", err)
		return fmt.Errorf("bind %s: %w", s.cfg.Addr(), err)
	}
	s.ln = ln
	s.done = make(chan struct{})

	s.connWG.Add(1)
	go s.acceptLoop(ln)

	s.log.Info("server listening", "addr", ln.Addr().String(),
		"detect_tls", s.cfg.Detect.TLS, "detect_gzip", s.cfg.Detect.Gzip)
	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Started reports whether the server is currently listening.
func (s *Server) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ln != nil
}

// Stop gracefully shuts the server down: the listener closes, in-flight
// connections finish their current work, and buffering strategies drain.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.ln == nil {
		s.mu.Unlock()
		return ErrNotStarted
	}
	ln := s.ln
	s.ln = nil
	close(s.done)
	s.mu.Unlock()

	err := ln.Close()

	// Interrupt connections still blocked in detection or a decode loop,
	// then wait for their goroutines to unwind.
	s.mu.Lock()
	for sc := range s.conns {
		_ = sc.Close()
	}
	s.mu.Unlock()
	s.connWG.Wait()

	s.closeStrategies()
	s.log.Info("server stopped")
	return err
}

// closeStrategies closes the default and per-protocol strategies that hold
// resources.
func (s *Server) closeStrategies() {
	s.mu.Lock()
	all := []queueing.Strategy{s.defaultStrategy}
	for _, st := range s.strategies {
		all = append(all, st)
	}
	s.mu.Unlock()

	for _, st := range all {
		if closer, ok := st.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				s.log.Warn("error closing queueing strategy", "error", err)
			}
		}
	}
}

// acceptLoop accepts connections until the listener closes.
func (s *Server) acceptLoop(ln net.Listener) {
	defer s.connWG.Done()
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}

		_ = s.metrics.ConnectionsAccepted.Inc()
		_ = s.metrics.ConnectionsActive.Inc()
		s.connWG.Add(1)
		go s.handleConn(nc)
	}
}

// handleConn drives one connection: detection, pipeline installation and
// the matched protocol's decode loop. Errors are isolated to this
// connection.
func (s *Server) handleConn(nc net.Conn) {
	defer s.connWG.Done()
	defer func() { _ = s.metrics.ConnectionsActive.Dec() }()

	sc := newServerConn(nc)
	s.mu.Lock()
	s.conns[sc] = struct{}{}
	s.mu.Unlock()

	log := s.log.With("conn", sc.ID(), "remote", nc.RemoteAddr().String())
	defer func() {
		_ = sc.Close()
		s.mu.Lock()
		delete(s.conns, sc)
		s.mu.Unlock()
	}()

	s.mu.Lock()
	factories := make([]sniff.Factory, len(s.factories))
	copy(factories, s.factories)
	s.mu.Unlock()

	transducer := sniff.NewTransducer(
		s.cfg.Detect.TLS, s.cfg.Detect.Gzip, s.tlsWrapper(nc), factories, log)

	m, err := transducer.Run(nc)
	if err != nil {
		if errors.Is(err, sniff.ErrNoProtocolMatch) {
			// Expected for unsolicited or garbage traffic.
			s.countRejected("no_match")
			log.Debug("no protocol matched, closing connection")
		} else {
			s.countRejected("error")
			log.Warn("protocol detection failed", "error", err)
		}
		return
	}

	pc := s.protocolFor(m.Factory.Name())
	if pc == nil {
		s.countRejected("unconfigured")
		log.Warn("detector matched but no protocol configuration registered",
			"protocol", m.Factory.Name())
		return
	}

	s.countDetection(m.Factory.Name())
	for _, layer := range m.Layers {
		s.countDetection(layer)
	}
	log.Debug("protocol matched", "protocol", pc.Name(), "layers", m.Layers)

	sc.setWriter(m.Writer)
	strategy := s.strategyFor(pc.Name())

	emit := func(msg *message.Decoded) {
		matched := s.registry.Resolve(msg)
		strategy.Enqueue(sc, msg, matched)
	}

	err = pc.Serve(sc, m.Reader, emit)
	_ = sc.Close()
	if cc, ok := strategy.(queueing.ConnectionCloser); ok {
		cc.ConnectionClosed(sc)
	}
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		log.Debug("connection ended", "error", err)
	}
}

// tlsWrapper returns the transducer's TLS upgrade hook, or nil when TLS
// detection is disabled.
func (s *Server) tlsWrapper(nc net.Conn) sniff.TLSWrapper {
	if s.tlsConfig == nil {
		return nil
	}
	return func(rw io.ReadWriter) (io.ReadWriter, error) {
		tc := tls.Server(&layerConn{rw: rw, nc: nc}, s.tlsConfig)
		if err := tc.HandshakeContext(context.Background()); err != nil {
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		return tc, nil
	}
}

// protocolFor returns the registered configuration for a detector name.
func (s *Server) protocolFor(name string) protocol.Configuration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocols[name]
}

// strategyFor returns the protocol's queueing strategy, falling back to
// the server default.
func (s *Server) strategyFor(name string) queueing.Strategy {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.strategies[name]; ok {
		return st
	}
	return s.defaultStrategy
}

func (s *Server) countRejected(reason string) {
	if vec, err := s.metrics.ConnectionsRejected.WithLabels(reason); err == nil {
		_ = vec.Inc()
	}
}

func (s *Server) countDetection(name string) {
	if vec, err := s.metrics.Detections.WithLabels(name); err == nil {
		_ = vec.Inc()
	}
}
