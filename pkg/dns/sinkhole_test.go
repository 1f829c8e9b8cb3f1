package dns

import (
	"errors"
	"testing"

	"github.com/miekg/dns"
)

func TestSynthesize(t *testing.T) {
	s := NewSynthesizer("sink.example")

	tests := []struct {
		qtype uint16
		want  string
	}{
		{dns.TypeA, "example.com.\t60\tIN\tA\t127.0.0.1"},
		{dns.TypeAAAA, "example.com.\t60\tIN\tAAAA\t::1"},
		{dns.TypeTXT, "example.com.\t60\tIN\tTXT\t\"127.0.0.1\""},
		{dns.TypeSRV, "example.com.\t60\tIN\tSRV\t0 0 1053 sink.example."},
	}

	for _, tt := range tests {
		t.Run(dns.TypeToString[tt.qtype], func(t *testing.T) {
			rr, err := s.Synthesize("example.com.", tt.qtype)
			if err != nil {
				t.Fatalf("Synthesize failed: %v", err)
			}
			if rr.Header().Rrtype != tt.qtype {
				t.Errorf("record type = %d, want %d", rr.Header().Rrtype, tt.qtype)
			}
			if got := rr.String(); got != tt.want {
				t.Errorf("record = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSynthesize_Unsupported(t *testing.T) {
	s := NewSynthesizer("")

	for _, qtype := range []uint16{dns.TypeMX, dns.TypeCNAME, dns.TypeNS, dns.TypeHTTPS, dns.TypePTR} {
		rr, err := s.Synthesize("example.com.", qtype)
		if !errors.Is(err, ErrUnsupportedType) {
			t.Errorf("%s: error = %v, want ErrUnsupportedType", dnsTypeLabel(qtype), err)
		}
		if rr != nil {
			t.Errorf("%s: got record %v", dnsTypeLabel(qtype), rr)
		}
	}
}

func TestNewSynthesizer_DefaultTarget(t *testing.T) {
	rr, err := NewSynthesizer("").Synthesize("x.", dns.TypeSRV)
	if err != nil {
		t.Fatal(err)
	}
	if target := rr.(*dns.SRV).Target; target != "localhost." {
		t.Errorf("target = %q, want localhost.", target)
	}
}
