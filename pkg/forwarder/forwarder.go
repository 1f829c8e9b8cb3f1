// Package forwarder resolves queries that no matchclass claims by sending
// them to an upstream DNS server.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"

	"sinkhole-dns/pkg/config"
	"sinkhole-dns/pkg/logging"
)

// ErrResolve wraps every upstream failure
var ErrResolve = errors.New("upstream resolution failed")

// Forwarder sends each query to one upstream, chosen round-robin among the
// upstreams whose circuit is not open. A failed exchange is not retried.
type Forwarder struct {
	upstreams atomic.Pointer[[]string]
	index     atomic.Uint32
	timeout   time.Duration
	health    *UpstreamHealth
	logger    *logging.Logger

	udpPool sync.Pool
	tcp     *dns.Client
}

// NewForwarder creates a new DNS forwarder
func NewForwarder(cfg *config.ForwarderConfig, upstreams []string, logger *logging.Logger) *Forwarder {
	f := &Forwarder{
		timeout: cfg.Timeout,
		logger:  logger,
		tcp:     &dns.Client{Net: "tcp", Timeout: cfg.Timeout},
	}
	if f.timeout <= 0 {
		f.timeout = 2 * time.Second
		f.tcp.Timeout = f.timeout
	}

	f.udpPool.New = func() any {
		return &dns.Client{
			Net:     "udp",
			Timeout: f.timeout,
		}
	}

	normalized := NormalizeUpstreams(upstreams)
	f.upstreams.Store(&normalized)
	if cfg.CircuitBreaker.Enabled {
		f.health = NewUpstreamHealth(normalized, cfg.CircuitBreaker)
	}

	logger.Info("Forwarder initialized",
		"upstreams", normalized,
		"timeout", f.timeout,
		"circuit_breaker", cfg.CircuitBreaker.Enabled,
	)
	return f
}

// NormalizeUpstreams adds the default DNS port where it is missing
func NormalizeUpstreams(upstreams []string) []string {
	out := make([]string, 0, len(upstreams))
	for _, u := range upstreams {
		if _, _, err := net.SplitHostPort(u); err != nil {
			u = net.JoinHostPort(u, "53")
		}
		out = append(out, u)
	}
	return out
}

// SetUpstreams replaces the upstream list. Requests in flight keep the
// list they started with.
func (f *Forwarder) SetUpstreams(upstreams []string) {
	normalized := NormalizeUpstreams(upstreams)
	f.upstreams.Store(&normalized)
	if f.health != nil {
		f.health.Sync(normalized)
	}
	f.logger.Info("Upstreams updated", "upstreams", normalized)
}

// Upstreams returns the list of configured upstream servers
func (f *Forwarder) Upstreams() []string {
	return *f.upstreams.Load()
}

// Health returns circuit breaker states; nil when breakers are disabled
func (f *Forwarder) Health() map[string]CircuitState {
	if f.health == nil {
		return nil
	}
	return f.health.States()
}

// selectUpstream picks the next upstream whose circuit admits a request
func (f *Forwarder) selectUpstream() (string, *CircuitBreaker, error) {
	upstreams := *f.upstreams.Load()
	if len(upstreams) == 0 {
		return "", nil, fmt.Errorf("no upstream DNS servers configured")
	}

	start := f.index.Add(1)
	for i := range len(upstreams) {
		upstream := upstreams[(start+uint32(i))%uint32(len(upstreams))]
		if f.health == nil {
			return upstream, nil, nil
		}
		breaker := f.health.Breaker(upstream)
		if breaker == nil {
			return upstream, nil, nil
		}
		if breaker.Allow() == nil {
			return upstream, breaker, nil
		}
	}
	return "", nil, ErrNoHealthyUpstreams
}

// Resolve asks one upstream for q. It returns the upstream answers and
// response header. The request header contributes its RD and CD bits.
func (f *Forwarder) Resolve(ctx context.Context, q dns.Question, hdr dns.MsgHdr) ([]dns.RR, dns.MsgHdr, error) {
	upstream, breaker, err := f.selectUpstream()
	if err != nil {
		return nil, dns.MsgHdr{}, fmt.Errorf("%w: %v", ErrResolve, err)
	}

	req := new(dns.Msg)
	req.Id = dns.Id()
	req.Opcode = dns.OpcodeQuery
	req.RecursionDesired = hdr.RecursionDesired
	req.CheckingDisabled = hdr.CheckingDisabled
	req.Question = []dns.Question{q}

	resp, err := f.exchange(ctx, req, upstream)
	if breaker != nil {
		breaker.Done(err)
	}
	if err != nil {
		f.logger.Warn("Upstream query failed",
			"upstream", upstream,
			"domain", q.Name,
			"error", err,
		)
		return nil, dns.MsgHdr{}, fmt.Errorf("%w: %v", ErrResolve, err)
	}

	f.logger.Debug("Upstream query succeeded",
		"upstream", upstream,
		"domain", q.Name,
		"rcode", dns.RcodeToString[resp.Rcode],
		"answers", len(resp.Answer),
	)
	return resp.Answer, resp.MsgHdr, nil
}

// exchange performs one exchange over UDP, repeating it over TCP when the
// UDP answer is truncated.
func (f *Forwarder) exchange(ctx context.Context, req *dns.Msg, upstream string) (*dns.Msg, error) {
	client := f.udpPool.Get().(*dns.Client)
	resp, _, err := client.ExchangeContext(ctx, req, upstream)
	f.udpPool.Put(client)

	if err == nil && resp != nil && resp.Truncated {
		resp, _, err = f.tcp.ExchangeContext(ctx, req, upstream)
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("received nil response from %s", upstream)
	}
	if resp.Rcode == dns.RcodeServerFailure {
		return nil, fmt.Errorf("upstream %s returned SERVFAIL", upstream)
	}
	return resp, nil
}
