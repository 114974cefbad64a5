package session

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// AddrType identifies the destination-header address encoding (spec §6.2).
type AddrType byte

const (
	AddrIPv4   AddrType = 1
	AddrDomain AddrType = 3
	AddrIPv6   AddrType = 4
)

// UDPOverTCPHost is the magic destination host that switches a stream into
// UDP-over-TCP tunneling mode (spec §6.2). The core never inspects this
// value itself -- it is exported purely so the client adapter and the
// server dialer agree on the literal without duplicating it.
const UDPOverTCPHost = "sp.v2.udp-over-tcp.arpa"

// UDPOverTCPPort is the fixed port paired with UDPOverTCPHost.
const UDPOverTCPPort = 443

// Addr is a parsed destination header: address type, host and port. Host
// holds the raw address bytes as a string: 4 bytes for AddrIPv4, 16 bytes
// for AddrIPv6, or the domain name for AddrDomain. The core forwards the raw header
// bytes opaquely; EncodeAddr/DecodeAddr are offered purely as a convenience
// for the external inbound/outbound adapters named in spec §6.2/§6.3, which
// are the only callers expected to use them.
type Addr struct {
	Type AddrType
	Host string
	Port uint16
}

// EncodeAddr renders a destination header: 1 byte type, the address (4, 16,
// or 1+len(host) bytes), then 2 bytes big-endian port.
func EncodeAddr(a Addr) ([]byte, error) {
	switch a.Type {
	case AddrIPv4:
		if len(a.Host) != 4 {
			return nil, errors.New("anytls: AddrIPv4 requires a 4-byte host")
		}
		buf := make([]byte, 1+4+2)
		buf[0] = byte(AddrIPv4)
		copy(buf[1:5], a.Host)
		binary.BigEndian.PutUint16(buf[5:7], a.Port)
		return buf, nil
	case AddrIPv6:
		if len(a.Host) != 16 {
			return nil, errors.New("anytls: AddrIPv6 requires a 16-byte host")
		}
		buf := make([]byte, 1+16+2)
		buf[0] = byte(AddrIPv6)
		copy(buf[1:17], a.Host)
		binary.BigEndian.PutUint16(buf[17:19], a.Port)
		return buf, nil
	case AddrDomain:
		if len(a.Host) > 255 {
			return nil, errors.New("anytls: domain host too long")
		}
		buf := make([]byte, 1+1+len(a.Host)+2)
		buf[0] = byte(AddrDomain)
		buf[1] = byte(len(a.Host))
		copy(buf[2:2+len(a.Host)], a.Host)
		binary.BigEndian.PutUint16(buf[2+len(a.Host):], a.Port)
		return buf, nil
	default:
		return nil, errors.Errorf("anytls: unknown address type %d", a.Type)
	}
}

// DecodeAddr parses a destination header off the front of b, returning the
// parsed Addr and the number of bytes consumed.
func DecodeAddr(b []byte) (Addr, int, error) {
	if len(b) < 1 {
		return Addr{}, 0, errors.New("anytls: short address header")
	}
	switch AddrType(b[0]) {
	case AddrIPv4:
		if len(b) < 1+4+2 {
			return Addr{}, 0, errors.New("anytls: short ipv4 address header")
		}
		host := string(b[1:5])
		port := binary.BigEndian.Uint16(b[5:7])
		return Addr{Type: AddrIPv4, Host: host, Port: port}, 7, nil
	case AddrIPv6:
		if len(b) < 1+16+2 {
			return Addr{}, 0, errors.New("anytls: short ipv6 address header")
		}
		host := string(b[1:17])
		port := binary.BigEndian.Uint16(b[17:19])
		return Addr{Type: AddrIPv6, Host: host, Port: port}, 19, nil
	case AddrDomain:
		if len(b) < 2 {
			return Addr{}, 0, errors.New("anytls: short domain address header")
		}
		n := int(b[1])
		if len(b) < 2+n+2 {
			return Addr{}, 0, errors.New("anytls: short domain address header")
		}
		host := string(b[2 : 2+n])
		port := binary.BigEndian.Uint16(b[2+n : 2+n+2])
		return Addr{Type: AddrDomain, Host: host, Port: port}, 2 + n + 2, nil
	default:
		return Addr{}, 0, errors.Errorf("anytls: unknown address type %d", b[0])
	}
}
