package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all application metrics
type Metrics struct {
	// DNS query metrics
	DNSQueriesTotal     metric.Int64Counter
	DNSQueriesByType    metric.Int64Counter
	DNSQueryDuration    metric.Float64Histogram
	DNSSinkholedQueries metric.Int64Counter
	DNSForwardedQueries metric.Int64Counter
	DNSDegradedQueries  metric.Int64Counter
	DNSServfailQueries  metric.Int64Counter
	DNSSendFailures     metric.Int64Counter

	// Rule store metrics
	StoreLookups  metric.Int64Counter
	StoreFailures metric.Int64Counter

	// Statistics flush metrics
	StatsFlushFailures metric.Int64Counter
}

type instrument struct {
	name string
	desc string
	dst  *metric.Int64Counter
}

// InitMetrics initializes and returns all application metrics
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter("sinkhole-dns")
	m := &Metrics{}

	counters := []instrument{
		{"dns.queries.total", "Total number of DNS queries received", &m.DNSQueriesTotal},
		{"dns.queries.by_type", "DNS queries by query type", &m.DNSQueriesByType},
		{"dns.queries.sinkholed", "Queries answered with a sinkhole record", &m.DNSSinkholedQueries},
		{"dns.queries.forwarded", "Queries answered from an upstream resolver", &m.DNSForwardedQueries},
		{"dns.queries.degraded", "Queries answered empty after an upstream failure", &m.DNSDegradedQueries},
		{"dns.queries.servfail", "Queries answered with SERVFAIL", &m.DNSServfailQueries},
		{"dns.responses.send_failures", "Responses that could not be written", &m.DNSSendFailures},
		{"store.lookups", "Rule store existence lookups", &m.StoreLookups},
		{"store.failures", "Rule store lookups that failed", &m.StoreFailures},
		{"stats.flush.failures", "Statistics flushes that failed", &m.StatsFlushFailures},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = counter
	}

	queryDuration, err := meter.Float64Histogram(
		"dns.query.duration",
		metric.WithDescription("DNS query processing duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create query duration histogram: %w", err)
	}
	m.DNSQueryDuration = queryDuration

	return m, nil
}

// RecordQuery counts one received query of qtype.
func (m *Metrics) RecordQuery(ctx context.Context, qtype string) {
	if m == nil {
		return
	}
	m.DNSQueriesTotal.Add(ctx, 1)
	m.DNSQueriesByType.Add(ctx, 1, metric.WithAttributes(attribute.String("type", qtype)))
}

// RecordOutcome counts the path a query took and its duration.
func (m *Metrics) RecordOutcome(ctx context.Context, path, matchclass string, durationMs float64) {
	if m == nil {
		return
	}
	m.DNSQueryDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("path", path)))
	switch path {
	case "sinkhole":
		m.DNSSinkholedQueries.Add(ctx, 1, metric.WithAttributes(attribute.String("matchclass", matchclass)))
	case "forward":
		m.DNSForwardedQueries.Add(ctx, 1)
	case "degraded":
		m.DNSDegradedQueries.Add(ctx, 1)
	case "servfail":
		m.DNSServfailQueries.Add(ctx, 1)
	}
}

// RecordSendFailure counts one response that could not be written.
func (m *Metrics) RecordSendFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.DNSSendFailures.Add(ctx, 1)
}

// RecordLookup counts one store lookup against matchclass.
func (m *Metrics) RecordLookup(ctx context.Context, matchclass string, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("matchclass", matchclass))
	m.StoreLookups.Add(ctx, 1, attrs)
	if err != nil {
		m.StoreFailures.Add(ctx, 1, attrs)
	}
}

// AddFlushFailure counts one failed statistics flush.
func (m *Metrics) AddFlushFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.StatsFlushFailures.Add(ctx, 1)
}
