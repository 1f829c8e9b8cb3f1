package dns

import (
	"fmt"
	"net"

	"github.com/miekg/dns"
)

// SinkholeTTL is the TTL of every synthesized record
const SinkholeTTL = 60

// Sinkhole answer data
var (
	sinkholeIPv4 = net.IPv4(127, 0, 0, 1).To4()
	sinkholeIPv6 = net.IPv6loopback
)

const (
	sinkholeTXT     = "127.0.0.1"
	sinkholeSRVPort = 1053
)

// Synthesizer builds the fixed answer returned for blocked names
type Synthesizer struct {
	srvTarget string
}

// NewSynthesizer returns a synthesizer whose SRV answers point at srvTarget
func NewSynthesizer(srvTarget string) *Synthesizer {
	if srvTarget == "" {
		srvTarget = "localhost."
	}
	return &Synthesizer{srvTarget: dns.Fqdn(srvTarget)}
}

// Synthesize returns the sinkhole record of type qtype owned by name.
// Types without a sinkhole mapping fail with ErrUnsupportedType.
func (s *Synthesizer) Synthesize(name string, qtype uint16) (dns.RR, error) {
	hdr := dns.RR_Header{
		Name:   name,
		Rrtype: qtype,
		Class:  dns.ClassINET,
		Ttl:    SinkholeTTL,
	}

	switch qtype {
	case dns.TypeA:
		return &dns.A{Hdr: hdr, A: sinkholeIPv4}, nil
	case dns.TypeAAAA:
		return &dns.AAAA{Hdr: hdr, AAAA: sinkholeIPv6}, nil
	case dns.TypeTXT:
		return &dns.TXT{Hdr: hdr, Txt: []string{sinkholeTXT}}, nil
	case dns.TypeSRV:
		return &dns.SRV{
			Hdr:      hdr,
			Priority: 0,
			Weight:   0,
			Port:     sinkholeSRVPort,
			Target:   s.srvTarget,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, dnsTypeLabel(qtype))
	}
}
