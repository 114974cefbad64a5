package session

import (
	"net"
	"time"
)

// Conn is the subset of net.Conn the core requires from the pre-authenticated
// TLS pipe handed to it: the handshake, ALPN/SNI selection, certificate
// validation, and resumption all happen before a Conn reaches this package
// and remain none of its concern (spec §6.1).
type Conn interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
	SetDeadline(t time.Time) error
}

// verify *net.TCPConn and the net.Conn interface itself satisfy Conn without
// any adapter, so embedders can hand a real connection straight through.
var _ Conn = (net.Conn)(nil)
