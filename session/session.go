// Package session implements the AnyTLS multiplexing engine: the Session
// frame demultiplexer/writer serializer, the Stream duplex handle, the
// authenticator, and liveness arbitration that together ride on top of one
// authenticated TLS pipe (spec §4.C-F, §4.H).
package session

import (
	"bufio"
	"context"
	"crypto/rand"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jxo-me/anytls/frame"
	"github.com/jxo-me/anytls/metrics"
	"github.com/jxo-me/anytls/padding"
)

var defaultProcessPolicy atomic.Pointer[padding.Policy]

func init() {
	p, err := padding.Parse(padding.DefaultSchemeText)
	if err != nil {
		panic("anytls: default padding scheme fails to parse: " + err.Error())
	}
	defaultProcessPolicy.Store(p)
}

// DefaultPolicy returns the current process-wide default padding policy.
// New Sessions adopt this unless Config.Policy overrides it; it is itself
// replaced whenever any client Session receives UPDATE_PADDING_SCHEME,
// purely as a convenience seed for Sessions created afterward -- it is
// never mutated remotely for an existing Session (spec §9).
func DefaultPolicy() *padding.Policy { return defaultProcessPolicy.Load() }

type dataMsg struct {
	id      uint32
	payload []byte
}

// Session is a multiplexed connection carrying any number of Streams over
// one TLS pipe. Create one with NewClient or NewServer.
type Session struct {
	conn   Conn
	client bool
	cfg    Config

	bw  *bufio.Writer
	dec *frame.Decoder

	mu      sync.RWMutex
	streams map[uint32]*Stream

	nextStreamID atomic.Uint32

	outboundData chan dataMsg
	outboundCtrl chan frame.Frame

	policy      atomic.Pointer[padding.Policy]
	peerVersion atomic.Uint32
	packetIndex atomic.Int64

	heartbeatAck chan struct{}

	closeOnce   sync.Once
	closeNotify chan struct{}
	closed      atomic.Bool

	wg sync.WaitGroup

	log *zap.Logger
	met *metrics.Session
}

func newSession(conn Conn, client bool, cfg Config, reader io.Reader) *Session {
	s := &Session{
		conn:         conn,
		client:       client,
		cfg:          cfg,
		bw:           bufio.NewWriterSize(conn, frame.HeaderSize+frame.MaxPayloadLen),
		dec:          frame.NewDecoder(reader),
		streams:      make(map[uint32]*Stream),
		outboundData: make(chan dataMsg, cfg.OutboundBufferSize),
		outboundCtrl: make(chan frame.Frame, cfg.OutboundBufferSize),
		heartbeatAck: make(chan struct{}, 1),
		closeNotify:  make(chan struct{}),
		log:          cfg.Logger,
		met:          cfg.Metrics,
	}
	s.policy.Store(cfg.Policy)
	s.peerVersion.Store(1)
	return s
}

func (s *Session) start() {
	s.wg.Add(2)
	go s.recvLoop()
	go s.writeLoop()
	if s.client && s.cfg.HeartbeatInterval > 0 {
		s.wg.Add(1)
		go s.heartbeatLoop()
	}
}

// NewClient performs the client-side auth prelude (spec §4.C), sends the
// initial SETTINGS frame, and starts the Session's background tasks.
func NewClient(conn Conn, password string, cfg Config) (*Session, error) {
	cfg.fillDefaults()
	if err := AuthenticateClient(conn, password, cfg.Policy); err != nil {
		conn.Close()
		return nil, err
	}
	s := newSession(conn, true, cfg, conn)
	s.start()
	if err := s.sendInitialSettings(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// NewServer verifies the client's auth prelude (spec §4.C) and starts the
// Session's background tasks. On authentication failure the connection is
// closed before any frame is sent or received.
func NewServer(conn Conn, expectedPassword string, cfg Config) (*Session, error) {
	cfg.fillDefaults()
	br, err := AuthenticateServer(conn, expectedPassword)
	if err != nil {
		conn.Close()
		return nil, err
	}
	s := newSession(conn, false, cfg, br)
	s.start()
	return s, nil
}

func (s *Session) sendInitialSettings() error {
	fields := map[string]string{
		"v":           strconv.Itoa(ProtocolVersion),
		"client":      s.cfg.ClientName,
		"padding-md5": s.policy.Load().Hex(),
	}
	return s.writeCtrl(frame.Frame{Cmd: frame.CmdSettings, Payload: encodeSettings(fields)})
}

// IsClosed reports whether Close has run.
func (s *Session) IsClosed() bool { return s.closed.Load() }

// NumStreams returns the number of currently registered streams.
func (s *Session) NumStreams() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.streams)
}

// ActivePolicy returns this Session's current padding policy.
func (s *Session) ActivePolicy() *padding.Policy { return s.policy.Load() }

// PeerVersion returns the negotiated protocol version (min(local, peer)),
// defaulting to 1 until a SETTINGS/SERVER_SETTINGS exchange completes.
func (s *Session) PeerVersion() byte { return byte(s.peerVersion.Load()) }

// Stats returns a read-only metrics snapshot, for embedders that want a
// status page without binding to Prometheus directly. Only ActiveStreams is
// filled in; the byte counters of the returned Stats are always zero.
func (s *Session) Stats() metrics.Stats {
	return metrics.Stats{ActiveStreams: s.NumStreams()}
}

// OpenStream allocates the next stream id, registers it, and sends SYN.
// Registration happens before SYN is flushed, so a fast-arriving SYN_ACK can
// never race ahead of the registry entry it targets (spec §3 invariant,
// §8 testable property). Call Stream.WaitSynAck to await the peer's
// confirmation.
func (s *Session) OpenStream() (*Stream, error) {
	if !s.client {
		return nil, ErrProtocol("server may not open streams")
	}
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}

	id := s.nextStreamID.Add(1)
	st := newStream(id, s, s.closeNotify, s.streamClosed)

	s.mu.Lock()
	s.streams[id] = st
	s.mu.Unlock()
	s.met.StreamOpened()

	if err := s.writeCtrl(frame.Frame{Cmd: frame.CmdSYN, StreamID: id}); err != nil {
		s.streamClosed(id)
		return nil, err
	}
	return st, nil
}

// SendSynAck replies to a pending SYN with success (err == nil) or a
// RemoteError-carrying failure (spec §6.3). The external dial callback must
// call this exactly once per accepted stream. Returns ErrStreamNotFound if
// id is not (or is no longer) a registered stream -- e.g. the peer already
// sent FIN and the stream was torn down before the dial callback returned.
func (s *Session) SendSynAck(id uint32, callErr error) error {
	s.mu.RLock()
	_, ok := s.streams[id]
	s.mu.RUnlock()
	if !ok {
		return ErrStreamNotFound
	}

	var payload []byte
	if callErr != nil {
		payload = []byte(callErr.Error())
	}
	return s.writeCtrl(frame.Frame{Cmd: frame.CmdSynAck, StreamID: id, Payload: payload})
}

// Close idempotently tears the Session down: the Conn's deadline (read and
// write) is forced into the past so recvLoop's blocked Decode unblocks
// immediately, every registered Stream is closed with ErrSessionClosed,
// background tasks are given Config.CloseGracePeriod to notice closeNotify
// and exit on their own, then the underlying Conn is force-closed.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.closeNotify)

		// recvLoop has no select against closeNotify -- it blocks in
		// s.dec.Decode() until the Conn itself unblocks it. Forcing the
		// deadline into the past here, rather than relying on the grace
		// timeout below, is what makes the common (peer still alive, or
		// already gone) case return promptly instead of always paying the
		// full CloseGracePeriod.
		_ = s.conn.SetDeadline(time.Now())

		s.mu.Lock()
		toClose := make([]*Stream, 0, len(s.streams))
		for _, st := range s.streams {
			toClose = append(toClose, st)
		}
		s.streams = make(map[uint32]*Stream)
		s.mu.Unlock()

		for _, st := range toClose {
			st.CloseWithError(ErrSessionClosed)
			s.met.StreamClosed()
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(s.cfg.CloseGracePeriod):
		}
		s.conn.Close()
	})
	return nil
}

// streamClosed removes id from the registry. Called by a Stream's
// onTerminalClose hook; safe to call more than once or after Close has
// already cleared the registry.
func (s *Session) streamClosed(id uint32) {
	s.mu.Lock()
	if _, ok := s.streams[id]; ok {
		delete(s.streams, id)
		s.mu.Unlock()
		s.met.StreamClosed()
		return
	}
	s.mu.Unlock()
}

func (s *Session) closeAllStreamsWithError(err error) {
	s.mu.RLock()
	streams := make([]*Stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.RUnlock()
	for _, st := range streams {
		st.CloseWithError(err)
	}
}

// writeData implements streamWriter for Stream's write path: a lock-free
// enqueue onto the outbound-data channel, or ErrSessionClosed if the
// Session has (or is) closing.
func (s *Session) writeData(id uint32, b []byte) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	select {
	case s.outboundData <- dataMsg{id: id, payload: b}:
		return nil
	case <-s.closeNotify:
		return ErrSessionClosed
	}
}

// writeFIN implements streamWriter: enqueues a FIN control frame.
func (s *Session) writeFIN(id uint32) error {
	return s.writeCtrl(frame.Frame{Cmd: frame.CmdFIN, StreamID: id})
}

func (s *Session) writeCtrl(f frame.Frame) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	select {
	case s.outboundCtrl <- f:
		return nil
	case <-s.closeNotify:
		return ErrSessionClosed
	}
}

// fatal marks a Session-ending error and schedules Close asynchronously, so
// the reporting goroutine (recvLoop or writeLoop) can return immediately
// without deadlocking on Close's own wg.Wait.
func (s *Session) fatal(err error) {
	s.log.Error("anytls: fatal session error", zap.Error(err))
	go s.Close()
}

// recvLoop is one of the Session's long-lived tasks: it decodes frames off
// the TLS pipe and dispatches them via handleFrame until a decode error or
// Close occurs.
func (s *Session) recvLoop() {
	defer s.wg.Done()
	for {
		f, err := s.dec.Decode()
		if err != nil {
			if !s.closed.Load() {
				s.fatal(err)
			}
			return
		}
		s.handleFrame(f)
	}
}

// writeLoop is the Session's writer task: the sole goroutine permitted to
// write to the underlying Conn (spec §5 invariant 1). Control frames are
// preferred over data frames via the nested-select priority idiom.
func (s *Session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.closeNotify:
			return
		case f := <-s.outboundCtrl:
			if s.flushControl(f) != nil {
				return
			}
			continue
		default:
		}

		select {
		case <-s.closeNotify:
			return
		case f := <-s.outboundCtrl:
			if s.flushControl(f) != nil {
				return
			}
		case d := <-s.outboundData:
			if s.flushData(d) != nil {
				return
			}
		}
	}
}

func (s *Session) flushControl(f frame.Frame) error {
	if err := frame.Encode(s.bw, f); err != nil {
		s.fatal(err)
		return err
	}
	if err := s.bw.Flush(); err != nil {
		s.fatal(err)
		return err
	}
	s.met.ObserveFrameOut(f.Cmd.String(), len(f.Payload))
	return nil
}

// flushData applies the active padding policy to one outbound Write's
// payload, emitting PUSH/WASTE frames per spec §4.B/§4.F, then flushes the
// TLS writer exactly once for this input.
func (s *Session) flushData(d dataMsg) error {
	idx := int(s.packetIndex.Add(1) - 1)
	policy := s.policy.Load() // snapshot before any write: never hold the policy lock across TLS I/O
	sizes := policy.GenerateSizes(idx, len(d.payload))

	offset := 0
	for _, e := range sizes {
		switch e.Kind {
		case padding.Data:
			chunk := d.payload[offset : offset+e.Size]
			offset += e.Size
			f := frame.Frame{Cmd: frame.CmdPush, StreamID: d.id, Payload: chunk}
			if err := frame.Encode(s.bw, f); err != nil {
				s.fatal(err)
				return err
			}
			s.met.ObserveFrameOut("PUSH", e.Size)
		case padding.Waste:
			filler := make([]byte, e.Size)
			if e.Size > 0 {
				_, _ = rand.Read(filler)
			}
			f := frame.Frame{Cmd: frame.CmdWaste, StreamID: 0, Payload: filler}
			if err := frame.Encode(s.bw, f); err != nil {
				s.fatal(err)
				return err
			}
			s.met.ObserveWaste(e.Size)
		}
	}

	if err := s.bw.Flush(); err != nil {
		s.fatal(err)
		return err
	}
	return nil
}

// handleFrame is the Session's control-plane FSM: the single dispatch point
// for every decoded frame (spec §4.F).
func (s *Session) handleFrame(f frame.Frame) {
	if f.Cmd == frame.CmdWaste {
		// WASTE advances only the inbound byte counter, never a frame-count
		// metric -- it carries no protocol-visible event.
		s.met.BytesInOnly(len(f.Payload))
	} else {
		s.met.ObserveFrameIn(f.Cmd.String(), len(f.Payload))
	}

	if !f.Cmd.Known() {
		s.log.Debug("anytls: ignoring unknown command", zap.Int("cmd", int(f.Cmd)))
		return
	}

	switch f.Cmd {
	case frame.CmdSYN:
		s.handleSYN(f)
	case frame.CmdSynAck:
		s.handleSynAck(f)
	case frame.CmdPush:
		s.handlePush(f)
	case frame.CmdFIN:
		s.handleFIN(f)
	case frame.CmdSettings:
		s.handleSettings(f)
	case frame.CmdServerSettings:
		s.handleServerSettings(f)
	case frame.CmdUpdatePaddingScheme:
		s.handleUpdatePaddingScheme(f)
	case frame.CmdAlert:
		s.handleAlert(f)
	case frame.CmdHeartRequest:
		_ = s.writeCtrl(frame.Frame{Cmd: frame.CmdHeartResponse})
	case frame.CmdHeartResponse:
		select {
		case s.heartbeatAck <- struct{}{}:
		default:
		}
	case frame.CmdWaste:
		// discarded; the inbound byte counter was already advanced above.
	}
}

func (s *Session) handleSYN(f frame.Frame) {
	if s.client {
		s.fatal(ErrProtocol("client received SYN"))
		return
	}
	s.mu.Lock()
	if _, exists := s.streams[f.StreamID]; exists {
		s.mu.Unlock()
		return
	}
	st := newStream(f.StreamID, s, s.closeNotify, s.streamClosed)
	s.streams[f.StreamID] = st
	s.mu.Unlock()
	s.met.StreamOpened()

	if s.cfg.OnNewStream != nil {
		go s.cfg.OnNewStream(st)
	}
}

func (s *Session) handleSynAck(f frame.Frame) {
	s.mu.RLock()
	st, ok := s.streams[f.StreamID]
	s.mu.RUnlock()
	if !ok {
		return // unknown id, or a late SYN_ACK with no pending waiter: drop silently
	}
	if len(f.Payload) == 0 {
		st.notifySynAck(nil)
	} else {
		st.notifySynAck(&RemoteError{Reason: string(f.Payload)})
	}
}

func (s *Session) handlePush(f frame.Frame) {
	s.mu.RLock()
	st, ok := s.streams[f.StreamID]
	s.mu.RUnlock()
	if !ok {
		return // data for an unknown/closed stream is discarded, never buffered
	}
	st.pushData(f.Payload)
}

func (s *Session) handleFIN(f frame.Frame) {
	s.mu.RLock()
	st, ok := s.streams[f.StreamID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	st.markFINReceived()
	st.reader.closeEOF()
	if st.localFINSent() {
		// Both directions have now FIN'd: fully closed, not merely
		// half-closed. Finalize and drop the registry entry.
		st.CloseWithError(nil)
	}
}

func (s *Session) handleSettings(f frame.Frame) {
	if s.client {
		return
	}
	fields, err := decodeSettings(f.Payload)
	if err != nil {
		s.fatal(err)
		return
	}

	peerV := byte(atoiOr(fields["v"], 1))
	negotiated := peerV
	if negotiated > ProtocolVersion {
		negotiated = ProtocolVersion
	}
	s.peerVersion.Store(uint32(negotiated))

	active := s.policy.Load()
	if peerMD5 := fields["padding-md5"]; peerMD5 != "" && peerMD5 != active.Hex() {
		_ = s.writeCtrl(frame.Frame{Cmd: frame.CmdUpdatePaddingScheme, Payload: []byte(active.Text())})
	}

	if negotiated >= 2 {
		resp := encodeSettings(map[string]string{"v": strconv.Itoa(ProtocolVersion)})
		_ = s.writeCtrl(frame.Frame{Cmd: frame.CmdServerSettings, Payload: resp})
	}
}

func (s *Session) handleServerSettings(f frame.Frame) {
	if !s.client {
		return
	}
	fields, err := decodeSettings(f.Payload)
	if err != nil {
		s.fatal(err)
		return
	}
	v := byte(atoiOr(fields["v"], 1))
	if v > ProtocolVersion {
		v = ProtocolVersion
	}
	s.peerVersion.Store(uint32(v))

	if s.cfg.OnServerSettings != nil {
		s.cfg.OnServerSettings(fields)
	}
}

func (s *Session) handleUpdatePaddingScheme(f frame.Frame) {
	if !s.client {
		return
	}
	newPolicy, err := padding.Parse(string(f.Payload))
	if err != nil {
		s.fatal(err)
		return
	}
	s.policy.Store(newPolicy)
	defaultProcessPolicy.Store(newPolicy)
}

func (s *Session) handleAlert(f frame.Frame) {
	reason := string(f.Payload)
	s.log.Error("anytls: received ALERT", zap.String("reason", reason))
	s.closeAllStreamsWithError(&RemoteError{Reason: reason})
	go s.Close()
}

// WaitSynAck blocks until ctx is done or the Stream's SYN_ACK arrives. On
// timeout it closes the Stream with ErrSynAckTimeout and returns that
// error; the Session and its other Streams are unaffected (spec §4.H).
func (s *Stream) WaitSynAck(ctx context.Context) error {
	select {
	case err := <-s.synAckCh:
		if err != nil {
			s.CloseWithError(err)
			return err
		}
		return nil
	case <-ctx.Done():
		s.CloseWithError(ErrSynAckTimeout)
		return ErrSynAckTimeout
	}
}
