package dns

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

// Request is a decoded query together with the address it came from.
// It is read-only once built.
type Request struct {
	Msg    *dns.Msg
	Source netip.Addr
}

// NewRequest wraps msg received from source
func NewRequest(msg *dns.Msg, source netip.Addr) *Request {
	return &Request{Msg: msg, Source: source}
}

// RequestFrom builds a Request from what a miekg/dns server hands to its handler
func RequestFrom(w dns.ResponseWriter, msg *dns.Msg) *Request {
	return NewRequest(msg, remoteAddr(w))
}

// remoteAddr extracts the client address from the ResponseWriter. UDP and
// TCP writers return *net.UDPAddr and *net.TCPAddr respectively.
func remoteAddr(w dns.ResponseWriter) netip.Addr {
	switch addr := w.RemoteAddr().(type) {
	case *net.UDPAddr:
		return addr.AddrPort().Addr()
	case *net.TCPAddr:
		return addr.AddrPort().Addr()
	case nil:
		return netip.Addr{}
	default:
		if ap, err := netip.ParseAddrPort(addr.String()); err == nil {
			return ap.Addr()
		}
		ip, _ := netip.ParseAddr(addr.String())
		return ip
	}
}

// Validate checks that the request is a standard query with one question
func (r *Request) Validate() error {
	if r.Msg.Opcode != dns.OpcodeQuery {
		return fmt.Errorf("%w: %s", ErrInvalidOpCode, opcodeLabel(r.Msg.Opcode))
	}
	if r.Msg.Response {
		return ErrInvalidMessageType
	}
	if len(r.Msg.Question) != 1 {
		return fmt.Errorf("%w: got %d", ErrNoQuestion, len(r.Msg.Question))
	}
	return nil
}

// Question returns the first question. Callers must Validate first.
func (r *Request) Question() dns.Question {
	return r.Msg.Question[0]
}

// Name returns the lower-cased, fully-qualified query name
func (r *Request) Name() string {
	return strings.ToLower(dns.Fqdn(r.Question().Name))
}

// Qtype returns the requested record type
func (r *Request) Qtype() uint16 {
	return r.Question().Qtype
}

// Opcode returns the message opcode
func (r *Request) Opcode() int {
	return r.Msg.Opcode
}

// IsResponse reports whether the QR bit is set
func (r *Request) IsResponse() bool {
	return r.Msg.Response
}

// IsIPv4 reports whether the client connected over IPv4. IPv4-mapped IPv6
// sources count as IPv4.
func (r *Request) IsIPv4() bool {
	return r.Source.Unmap().Is4()
}

// Client returns the client address as text, or "unknown"
func (r *Request) Client() string {
	if !r.Source.IsValid() {
		return "unknown"
	}
	return r.Source.Unmap().String()
}

func dnsTypeLabel(qtype uint16) string {
	if label := dns.TypeToString[qtype]; label != "" {
		return label
	}
	return "TYPE" + strconv.FormatUint(uint64(qtype), 10)
}

func opcodeLabel(opcode int) string {
	if label := dns.OpcodeToString[opcode]; label != "" {
		return label
	}
	return "OPCODE" + strconv.Itoa(opcode)
}
