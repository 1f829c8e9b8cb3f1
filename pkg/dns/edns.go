package dns

import (
	"github.com/miekg/dns"
)

// EDNS0 buffer bounds advertised in replies (RFC 6891)
const (
	DefaultEDNSBufferSize = 4096
	MaxEDNSBufferSize     = 4096
	MinEDNSBufferSize     = 512
)

// EDNSInfo is the EDNS0 state of a request
type EDNSInfo struct {
	Present    bool
	Version    uint8
	BufferSize uint16
	DO         bool // DNSSEC OK
}

// GetEDNSInfo reads the OPT record of req, if any
func GetEDNSInfo(req *dns.Msg) EDNSInfo {
	if req == nil {
		return EDNSInfo{}
	}
	opt := req.IsEdns0()
	if opt == nil {
		return EDNSInfo{}
	}
	return EDNSInfo{
		Present:    true,
		Version:    opt.Version(),
		BufferSize: opt.UDPSize(),
		DO:         opt.Do(),
	}
}

// SetEDNS0 adds an OPT record to resp when the request carried one.
// A response that already has an OPT record is left alone.
func SetEDNS0(resp *dns.Msg, info EDNSInfo) {
	if resp == nil || !info.Present || resp.IsEdns0() != nil {
		return
	}

	// The OPT class holds the UDP payload size, so it is set via SetUDPSize
	opt := &dns.OPT{
		Hdr: dns.RR_Header{
			Name:   ".",
			Rrtype: dns.TypeOPT,
		},
	}
	opt.SetUDPSize(negotiateBufferSize(info.BufferSize))
	if info.DO {
		opt.SetDo()
	}
	resp.Extra = append(resp.Extra, opt)
}

// negotiateBufferSize clamps the requested size to [Min, Max]
func negotiateBufferSize(requested uint16) uint16 {
	switch {
	case requested == 0:
		return DefaultEDNSBufferSize
	case requested < MinEDNSBufferSize:
		return MinEDNSBufferSize
	case requested > MaxEDNSBufferSize:
		return MaxEDNSBufferSize
	default:
		return requested
	}
}

// HandleEDNS0 mirrors the EDNS0 state of req onto resp
func HandleEDNS0(req, resp *dns.Msg) {
	SetEDNS0(resp, GetEDNSInfo(req))
}
