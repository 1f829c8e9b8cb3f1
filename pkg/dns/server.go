package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"

	"sinkhole-dns/pkg/config"
	"sinkhole-dns/pkg/logging"
	"sinkhole-dns/pkg/telemetry"
)

// Server runs one UDP and one TCP listener per configured address
type Server struct {
	cfg       *config.ServerConfig
	handler   *Handler
	logger    *logging.Logger
	metrics   *telemetry.Metrics
	listeners []*listener
	running   bool
	mu        sync.RWMutex
}

type listener struct {
	srv     *dns.Server
	addr    net.Addr
	started chan struct{}
}

// NewServer creates a new DNS server
func NewServer(cfg *config.ServerConfig, handler *Handler, logger *logging.Logger, metrics *telemetry.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		metrics: metrics,
	}
}

// acceptQuestion admits every message carrying one question. Opcode and QR
// checks are left to the handler so that those requests get a SERVFAIL.
func acceptQuestion(dh dns.Header) dns.MsgAcceptAction {
	if dh.Qdcount != 1 {
		return dns.MsgReject
	}
	return dns.MsgAccept
}

// Listen binds every configured address. Nothing is served until Serve.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running || len(s.listeners) > 0 {
		return fmt.Errorf("server already listening")
	}

	wrapped := &wrappedHandler{
		handler: s.handler,
		logger:  s.logger,
		metrics: s.metrics,
	}
	handler := dns.HandlerFunc(wrapped.serveDNS)

	for _, addr := range s.cfg.ListenAddresses {
		if s.cfg.UDPEnabled {
			pc, err := net.ListenPacket("udp", addr)
			if err != nil {
				s.closeListeners()
				return fmt.Errorf("UDP listen on %s failed: %w", addr, err)
			}
			s.listeners = append(s.listeners, newListener(&dns.Server{
				PacketConn:    pc,
				Net:           "udp",
				Handler:       handler,
				MsgAcceptFunc: acceptQuestion,
			}, pc.LocalAddr()))
		}
		if s.cfg.TCPEnabled {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				s.closeListeners()
				return fmt.Errorf("TCP listen on %s failed: %w", addr, err)
			}
			s.listeners = append(s.listeners, newListener(&dns.Server{
				Listener:      ln,
				Net:           "tcp",
				Handler:       handler,
				MsgAcceptFunc: acceptQuestion,
			}, ln.Addr()))
		}
	}
	return nil
}

func newListener(srv *dns.Server, addr net.Addr) *listener {
	l := &listener{srv: srv, addr: addr, started: make(chan struct{})}
	srv.NotifyStartedFunc = func() { close(l.started) }
	return l
}

func (l *listener) isStarted() bool {
	select {
	case <-l.started:
		return true
	default:
		return false
	}
}

func (l *listener) close() error {
	if l.srv.PacketConn != nil {
		return l.srv.PacketConn.Close()
	}
	return l.srv.Listener.Close()
}

// closeListeners releases sockets that were bound but never served
func (s *Server) closeListeners() {
	for _, l := range s.listeners {
		_ = l.close()
	}
	s.listeners = nil
}

// Addrs returns the bound addresses, UDP before TCP for each listen address
func (s *Server) Addrs() []net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, l := range s.listeners {
		addrs = append(addrs, l.addr)
	}
	return addrs
}

// Start binds and serves until ctx is cancelled or a listener fails
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve serves the bound listeners until ctx is cancelled or one of them fails
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	if len(s.listeners) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("server has no listeners")
	}
	s.running = true
	listeners := s.listeners
	s.mu.Unlock()

	errChan := make(chan error, len(listeners))
	for _, l := range listeners {
		go func() {
			s.logger.Info("Starting DNS listener", "net", l.srv.Net, "address", l.addr.String())
			if err := l.srv.ActivateAndServe(); err != nil {
				errChan <- fmt.Errorf("%s server on %s failed: %w", l.srv.Net, l.addr, err)
			}
		}()
	}

	s.logger.Info("DNS server started",
		"addresses", s.cfg.ListenAddresses,
		"udp", s.cfg.UDPEnabled,
		"tcp", s.cfg.TCPEnabled,
	)

	select {
	case <-ctx.Done():
		s.logger.Info("DNS server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	case err := <-errChan:
		s.logger.Error("DNS server error", "error", err)
		_ = s.Shutdown(context.Background())
		return err
	}
}

// Shutdown gracefully shuts down every listener
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		s.closeListeners()
		return nil
	}

	var errs []error
	for _, l := range s.listeners {
		if !l.isStarted() {
			_ = l.close()
			continue
		}
		if err := l.srv.ShutdownContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s shutdown on %s: %w", l.srv.Net, l.addr, err))
		}
	}
	s.listeners = nil
	s.running = false

	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.logger.Info("DNS server shut down successfully")
	return nil
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// wrappedHandler adds query logging and counters around Handler
type wrappedHandler struct {
	handler *Handler
	logger  *logging.Logger
	metrics *telemetry.Metrics
}

func (w *wrappedHandler) serveDNS(rw dns.ResponseWriter, r *dns.Msg) {
	startTime := time.Now()
	ctx := context.Background()

	var (
		domain string
		qtype  uint16
	)
	if len(r.Question) > 0 {
		domain = r.Question[0].Name
		qtype = r.Question[0].Qtype
	}

	w.metrics.RecordQuery(ctx, dnsTypeLabel(qtype))
	out := w.handler.ServeDNS(ctx, rw, r)

	w.logger.Debug("DNS query processed",
		"domain", domain,
		"type", dnsTypeLabel(qtype),
		"path", out.Path,
		"rcode", dns.RcodeToString[out.Rcode],
		"duration_ms", time.Since(startTime).Milliseconds(),
	)
}
