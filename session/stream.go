package session

import (
	"sync"
	"sync/atomic"
)

// streamWriter is the narrow outbound-only surface a Stream needs from its
// owning Session. Deliberately not *Session: per the spec's design notes,
// Streams must not hold a back-reference to their Session, breaking the
// cyclic Session<->Stream reference the source carried. A Stream instead
// holds a clone of this interface, satisfied by *Session, so Streams can
// predecease or outlive the Session cleanly.
type streamWriter interface {
	writeData(id uint32, b []byte) error
	writeFIN(id uint32) error
}

// Stream is one logical, bidirectional byte channel multiplexed onto a
// Session. Use Session.OpenStream (client) to create one, or the
// OnNewStream callback (server) to receive one.
type Stream struct {
	id     uint32
	reader *streamReader
	out    streamWriter

	onTerminalClose func(id uint32)

	readMu sync.Mutex // guards Read; the StreamReader itself is the &mut-like resource

	synAckCh chan error // buffered 1; fired at most once

	finSentOnce sync.Once
	finSent     atomic.Bool
	finRecv     atomic.Bool

	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
}

func newStream(id uint32, out streamWriter, aborts <-chan struct{}, onTerminalClose func(uint32)) *Stream {
	return &Stream{
		id:              id,
		reader:          newStreamReader(aborts),
		out:             out,
		onTerminalClose: onTerminalClose,
		synAckCh:        make(chan error, 1),
	}
}

// ID returns the stream's session-unique identifier.
func (s *Stream) ID() uint32 { return s.id }

// Closed reports whether CloseWithError has already run.
func (s *Stream) Closed() bool { return s.closed.Load() }

// Read implements io.Reader, delegating to the owned StreamReader under a
// stream-private lock (spec §4.E: the read path's exclusivity guard belongs
// to the Stream, never the Session).
func (s *Stream) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	return s.reader.Read(p)
}

// ReadFull reads exactly len(p) bytes or fails with io.ErrUnexpectedEOF.
func (s *Stream) ReadFull(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	return s.reader.ReadFull(p)
}

// Write implements io.Writer. It copies p (callers may reuse their buffer
// immediately after Write returns, per the io.Writer contract) and hands the
// copy to the Session's outbound path; send_data is the lock-free primitive
// used here and by external forwarders that hold a *Stream directly.
func (s *Stream) Write(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrSessionClosed
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	if err := s.SendData(cp); err != nil {
		return 0, err
	}
	return len(p), nil
}

// SendData is the lock-free write primitive: it does not copy (the caller
// must not mutate b after the call) and returns as soon as the outbound
// queue has accepted the chunk, not once it has reached the wire.
func (s *Stream) SendData(b []byte) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	return s.out.writeData(s.id, b)
}

// Close sends FIN to the peer (idempotent) and then closes the stream
// locally via CloseWithError(nil): reads return EOF once drained, further
// writes fail, and the stream is dropped from the Session's registry.
func (s *Stream) Close() error {
	s.sendFIN()
	return s.CloseWithError(nil)
}

func (s *Stream) sendFIN() {
	s.finSentOnce.Do(func() {
		s.finSent.Store(true)
		_ = s.out.writeFIN(s.id)
	})
}

// localFINSent reports whether this side has already sent FIN.
func (s *Stream) localFINSent() bool { return s.finSent.Load() }

// CloseWithError tears the stream down locally: it records the first error
// given (subsequent calls are ignored), propagates EOF to the reader, and
// asks the Session to drop this stream's registry entry. Safe to call
// multiple times and from multiple goroutines; only the first call's error
// sticks.
func (s *Stream) CloseWithError(err error) error {
	s.closeOnce.Do(func() {
		s.closeErr = err
		s.closed.Store(true)
		s.reader.closeEOF()
		if s.onTerminalClose != nil {
			s.onTerminalClose(s.id)
		}
	})
	return s.closeErr
}

// pushData delivers an inbound PUSH payload to the reader. Called only by
// the owning Session's receive loop.
func (s *Stream) pushData(b []byte) { s.reader.push(b) }

// markFINReceived records that the peer has half-closed its side.
func (s *Stream) markFINReceived() { s.finRecv.Store(true) }

// finReceived reports whether the peer's FIN has been observed.
func (s *Stream) finReceived() bool { return s.finRecv.Load() }

// notifySynAck fires the one-shot SYN_ACK waiter. A late arrival (no pending
// waiter, buffer already drained by a prior deliver-or-timeout) is dropped
// silently, per spec.
func (s *Stream) notifySynAck(err error) {
	select {
	case s.synAckCh <- err:
	default:
	}
}
