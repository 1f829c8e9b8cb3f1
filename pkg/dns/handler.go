// Package dns is the sinkhole request pipeline: it validates queries, probes
// the rule store for every suffix of the query name and either synthesizes a
// sinkhole answer or forwards the query upstream.
package dns

import (
	"context"
	"fmt"
	"time"

	"github.com/miekg/dns"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"sinkhole-dns/pkg/logging"
	"sinkhole-dns/pkg/probe"
	"sinkhole-dns/pkg/telemetry"
)

// Responder sends a reply to the client. dns.ResponseWriter satisfies it.
type Responder interface {
	WriteMsg(msg *dns.Msg) error
}

// RuleStore answers membership questions for one matchclass
type RuleStore interface {
	Exists(ctx context.Context, matchclass, domain string, ipv4 bool) (bool, error)
}

// Resolver answers queries no matchclass claims
type Resolver interface {
	Resolve(ctx context.Context, q dns.Question, hdr dns.MsgHdr) ([]dns.RR, dns.MsgHdr, error)
}

// StatsRecorder receives one observation per answered request
type StatsRecorder interface {
	Observe(path, matchclass, qtype string)
}

// Context is the state shared by every request. It is built once at startup
// and never mutated afterwards.
type Context struct {
	Matchclasses []string
	Store        RuleStore
	Resolver     Resolver
	Synthesizer  *Synthesizer
	Parallel     bool // query all matchclasses of a probe level concurrently
}

// Path is the way a request was answered
type Path string

const (
	PathSinkhole Path = "sinkhole"
	PathForward  Path = "forward"
	PathDegraded Path = "degraded"
	PathServfail Path = "servfail"
)

// Outcome describes how one request was handled
type Outcome struct {
	Path       Path
	Rcode      int
	Matchclass string      // set on the sinkhole path
	Probe      probe.Probe // the probe that matched
	Answers    int
	Err        error
}

// Handler dispatches validated queries to the sinkhole or the resolver
type Handler struct {
	shared  *Context
	logger  *logging.Logger
	metrics *telemetry.Metrics
	stats   StatsRecorder
	tracer  trace.Tracer
}

// NewHandler creates a handler over a copy of shared
func NewHandler(shared Context, logger *logging.Logger) *Handler {
	if shared.Synthesizer == nil {
		shared.Synthesizer = NewSynthesizer("")
	}
	shared.Matchclasses = append([]string(nil), shared.Matchclasses...)
	if logger == nil {
		logger = logging.NewDefault()
	}
	return &Handler{
		shared: &shared,
		logger: logger,
		tracer: tracenoop.NewTracerProvider().Tracer("sinkhole-dns/dns"),
	}
}

// SetMetrics sets the metrics collector
func (h *Handler) SetMetrics(m *telemetry.Metrics) {
	h.metrics = m
}

// SetStats sets the statistics recorder
func (h *Handler) SetStats(s StatsRecorder) {
	h.stats = s
}

// SetTracerProvider sets the provider request spans are created from
func (h *Handler) SetTracerProvider(tp trace.TracerProvider) {
	h.tracer = tp.Tracer("sinkhole-dns/dns")
}

// ServeDNS handles a message received by a miekg/dns server
func (h *Handler) ServeDNS(ctx context.Context, w dns.ResponseWriter, r *dns.Msg) Outcome {
	return h.Handle(ctx, RequestFrom(w, r), w)
}

// Handle answers req through w. Exactly one reply is written, a SERVFAIL
// when validation, the store or synthesis fails.
func (h *Handler) Handle(ctx context.Context, req *Request, w Responder) Outcome {
	start := time.Now()
	ctx, span := h.tracer.Start(ctx, "dns.handle",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("client", req.Client())),
	)
	defer span.End()

	resp, out := h.dispatch(ctx, req)
	qtype := ""
	if len(req.Msg.Question) > 0 {
		qtype = dnsTypeLabel(req.Msg.Question[0].Qtype)
		span.SetAttributes(
			attribute.String("dns.question", req.Msg.Question[0].Name),
			attribute.String("dns.type", qtype),
		)
	}

	if out.Path == PathServfail {
		h.logger.ErrorContext(ctx, "Answering SERVFAIL",
			"client", req.Client(),
			"question", questionLabel(req),
			"error", out.Err,
		)
	}

	if err := w.WriteMsg(resp); err != nil {
		out.Err = fmt.Errorf("%w: %v", ErrIO, err)
		h.metrics.RecordSendFailure(ctx)
		h.logger.ErrorContext(ctx, "Failed to send response",
			"client", req.Client(),
			"question", questionLabel(req),
			"path", out.Path,
			"error", err,
		)
	}

	span.SetAttributes(
		attribute.String("dns.path", string(out.Path)),
		attribute.String("dns.rcode", dns.RcodeToString[out.Rcode]),
	)
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Err.Error())
	}

	h.metrics.RecordOutcome(ctx, string(out.Path), out.Matchclass, float64(time.Since(start).Microseconds())/1000)
	if h.stats != nil {
		h.stats.Observe(string(out.Path), out.Matchclass, qtype)
	}
	return out
}

// dispatch builds the reply for req without sending it
func (h *Handler) dispatch(ctx context.Context, req *Request) (*dns.Msg, Outcome) {
	if err := req.Validate(); err != nil {
		return h.servfail(req, err)
	}

	name := req.Name()
	qtype := req.Qtype()

	matchclass, hit, err := h.match(ctx, name, req.IsIPv4())
	if err != nil {
		return h.servfail(req, err)
	}

	if matchclass != "" {
		rr, err := h.shared.Synthesizer.Synthesize(req.Question().Name, qtype)
		if err != nil {
			return h.servfail(req, err)
		}
		msg := newReply(req)
		msg.Answer = append(msg.Answer, rr)
		h.logger.Debug("Query sinkholed",
			"domain", name,
			"type", dnsTypeLabel(qtype),
			"matchclass", matchclass,
			"probe", hit.Domain,
			"client", req.Client(),
		)
		return msg, Outcome{
			Path:       PathSinkhole,
			Rcode:      dns.RcodeSuccess,
			Matchclass: matchclass,
			Probe:      hit,
			Answers:    1,
		}
	}

	msg := newReply(req)
	answers, hdr, err := h.shared.Resolver.Resolve(ctx, req.Question(), msg.MsgHdr)
	if err != nil {
		h.logger.WarnContext(ctx, "Upstream resolution failed, answering empty",
			"domain", name,
			"type", dnsTypeLabel(qtype),
			"error", err,
		)
		return msg, Outcome{Path: PathDegraded, Rcode: msg.Rcode, Err: err}
	}

	msg.Rcode = hdr.Rcode
	msg.Answer = answers
	return msg, Outcome{Path: PathForward, Rcode: msg.Rcode, Answers: len(answers)}
}

// match walks the probes of name in priority order and returns the first
// matchclass claiming one of them. A store error stops the walk.
func (h *Handler) match(ctx context.Context, name string, ipv4 bool) (string, probe.Probe, error) {
	for p := range probe.Candidates(name) {
		var (
			matchclass string
			err        error
		)
		if h.shared.Parallel && len(h.shared.Matchclasses) > 1 {
			matchclass, err = h.lookupParallel(ctx, p.Domain, ipv4)
		} else {
			matchclass, err = h.lookupSequential(ctx, p.Domain, ipv4)
		}
		if err != nil {
			return "", p, err
		}
		if matchclass != "" {
			return matchclass, p, nil
		}
	}
	return "", probe.Probe{}, nil
}

func (h *Handler) lookupSequential(ctx context.Context, domain string, ipv4 bool) (string, error) {
	for _, mc := range h.shared.Matchclasses {
		found, err := h.exists(ctx, mc, domain, ipv4)
		if err != nil {
			return "", err
		}
		if found {
			return mc, nil
		}
	}
	return "", nil
}

type lookupResult struct {
	found bool
	err   error
}

// lookupParallel queries every matchclass at once and resolves the result in
// matchclass order, so it reports what lookupSequential would have.
func (h *Handler) lookupParallel(ctx context.Context, domain string, ipv4 bool) (string, error) {
	results := make([]lookupResult, len(h.shared.Matchclasses))

	var g errgroup.Group
	for i, mc := range h.shared.Matchclasses {
		g.Go(func() error {
			found, err := h.exists(ctx, mc, domain, ipv4)
			results[i] = lookupResult{found: found, err: err}
			return nil
		})
	}
	_ = g.Wait()

	for i, res := range results {
		if res.err != nil {
			return "", res.err
		}
		if res.found {
			return h.shared.Matchclasses[i], nil
		}
	}
	return "", nil
}

func (h *Handler) exists(ctx context.Context, matchclass, domain string, ipv4 bool) (bool, error) {
	found, err := h.shared.Store.Exists(ctx, matchclass, domain, ipv4)
	h.metrics.RecordLookup(ctx, matchclass, err)
	if err != nil {
		return false, fmt.Errorf("%w: %s %s: %w", ErrStore, matchclass, domain, err)
	}
	return found, nil
}

func (h *Handler) servfail(req *Request, err error) (*dns.Msg, Outcome) {
	msg := newReply(req)
	msg.Rcode = dns.RcodeServerFailure
	return msg, Outcome{Path: PathServfail, Rcode: dns.RcodeServerFailure, Err: err}
}

// newReply returns the normalized reply header for req: same ID, opcode,
// question and RD bit, not authoritative, recursion available.
func newReply(req *Request) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetReply(req.Msg)
	msg.Authoritative = false
	msg.RecursionAvailable = true
	HandleEDNS0(req.Msg, msg)
	return msg
}

func questionLabel(req *Request) string {
	if len(req.Msg.Question) == 0 {
		return ""
	}
	q := req.Msg.Question[0]
	return q.Name + " " + dnsTypeLabel(q.Qtype)
}
