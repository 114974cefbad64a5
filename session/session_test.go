package session_test

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jxo-me/anytls/padding"
	"github.com/jxo-me/anytls/session"
)

type pipePair struct {
	client *session.Session
	server *session.Session
}

func newPair(t *testing.T, clientCfg, serverCfg session.Config) pipePair {
	t.Helper()
	c1, c2 := net.Pipe()

	type result struct {
		sess *session.Session
		err  error
	}
	serverCh := make(chan result, 1)
	go func() {
		s, err := session.NewServer(c2, "correct horse battery staple", serverCfg)
		serverCh <- result{s, err}
	}()

	cli, err := session.NewClient(c1, "correct horse battery staple", clientCfg)
	require.NoError(t, err)

	r := <-serverCh
	require.NoError(t, r.err)
	return pipePair{client: cli, server: r.sess}
}

// Scenario 1 (spec §8): authenticate, open one stream, echo one message.
func TestAuthAndSingleEcho(t *testing.T) {
	var accepted *session.Stream
	acceptedCh := make(chan *session.Stream, 1)

	serverCfg := session.DefaultConfig()
	serverCfg.OnNewStream = func(s *session.Stream) {
		acceptedCh <- s
	}
	clientCfg := session.DefaultConfig()

	pair := newPair(t, clientCfg, serverCfg)
	defer pair.client.Close()
	defer pair.server.Close()

	cs, err := pair.client.OpenStream()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	accepted = <-acceptedCh
	require.NoError(t, pair.server.SendSynAck(accepted.ID(), nil))
	require.NoError(t, cs.WaitSynAck(ctx))

	msg := []byte("hello anytls")
	_, err = cs.Write(msg)
	require.NoError(t, err)

	got := make([]byte, len(msg))
	_, err = accepted.ReadFull(got)
	require.NoError(t, err)
	require.Equal(t, msg, got)

	reply := []byte("echo: hello anytls")
	_, err = accepted.Write(reply)
	require.NoError(t, err)

	gotReply := make([]byte, len(reply))
	_, err = cs.ReadFull(gotReply)
	require.NoError(t, err)
	require.Equal(t, reply, gotReply)
}

// SendSynAck on an id that was never registered (or was already torn down)
// must report ErrStreamNotFound rather than silently writing a frame for a
// nonexistent stream (spec §7's StreamNotFound error kind).
func TestSendSynAckUnknownStreamIsNotFound(t *testing.T) {
	pair := newPair(t, session.DefaultConfig(), session.DefaultConfig())
	defer pair.client.Close()
	defer pair.server.Close()

	err := pair.server.SendSynAck(999, nil)
	require.ErrorIs(t, err, session.ErrStreamNotFound)
}

// Scenario 2 (spec §8): many concurrent streams, each must preserve its own
// write ordering even though all of them share one underlying writer.
func TestConcurrentStreamsPreserveOrder(t *testing.T) {
	const numStreams = 20
	const numWrites = 1000 // trimmed from the spec's 10,000 to keep this fast

	var acceptedMu sync.Mutex
	accepted := make(map[uint32]*session.Stream)
	acceptedCh := make(chan *session.Stream, numStreams)

	serverCfg := session.DefaultConfig()
	serverCfg.OnNewStream = func(s *session.Stream) {
		acceptedMu.Lock()
		accepted[s.ID()] = s
		acceptedMu.Unlock()
		acceptedCh <- s
	}
	clientCfg := session.DefaultConfig()

	pair := newPair(t, clientCfg, serverCfg)
	defer pair.client.Close()
	defer pair.server.Close()

	clientStreams := make([]*session.Stream, numStreams)
	for i := 0; i < numStreams; i++ {
		cs, err := pair.client.OpenStream()
		require.NoError(t, err)
		clientStreams[i] = cs
	}

	serverStreams := make([]*session.Stream, numStreams)
	for i := 0; i < numStreams; i++ {
		st := <-acceptedCh
		require.NoError(t, pair.server.SendSynAck(st.ID(), nil))
		serverStreams[i] = st
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, cs := range clientStreams {
		require.NoError(t, cs.WaitSynAck(ctx))
	}

	var wg sync.WaitGroup
	for i := 0; i < numStreams; i++ {
		wg.Add(1)
		go func(cs *session.Stream) {
			defer wg.Done()
			buf := make([]byte, 8)
			for seq := 0; seq < numWrites; seq++ {
				binary.LittleEndian.PutUint64(buf, uint64(seq))
				_, err := cs.Write(buf)
				if err != nil {
					return
				}
			}
		}(clientStreams[i])
	}

	readers := make([]error, numStreams)
	var rwg sync.WaitGroup
	for i := 0; i < numStreams; i++ {
		rwg.Add(1)
		go func(idx int, st *session.Stream) {
			defer rwg.Done()
			buf := make([]byte, 8)
			for seq := 0; seq < numWrites; seq++ {
				if _, err := st.ReadFull(buf); err != nil {
					readers[idx] = err
					return
				}
				got := binary.LittleEndian.Uint64(buf)
				if got != uint64(seq) {
					readers[idx] = io.ErrUnexpectedEOF
					return
				}
			}
		}(i, serverStreams[i])
	}

	wg.Wait()
	rwg.Wait()
	for _, err := range readers {
		require.NoError(t, err)
	}
}

// Scenario 3 (spec §8): padding scheme negotiation via SETTINGS exchange.
func TestPaddingSchemeNegotiation(t *testing.T) {
	altText := "stop=3\n0=30-30\n1=30-30\n2=30-30,c\n"
	altPolicy, err := padding.Parse(altText)
	require.NoError(t, err)

	clientCfg := session.DefaultConfig()
	clientCfg.Policy = altPolicy
	serverCfg := session.DefaultConfig() // stock default scheme

	pair := newPair(t, clientCfg, serverCfg)
	defer pair.client.Close()
	defer pair.server.Close()

	require.Eventually(t, func() bool {
		return pair.client.ActivePolicy().MD5() == pair.server.ActivePolicy().MD5()
	}, time.Second, 5*time.Millisecond)
}

// Scenario 4 (spec §8): SYN_ACK carrying an error reason surfaces as a
// RemoteError to the opener and tears the stream down; the Session itself
// stays healthy.
func TestSynAckErrorPropagation(t *testing.T) {
	acceptedCh := make(chan *session.Stream, 1)
	serverCfg := session.DefaultConfig()
	serverCfg.OnNewStream = func(s *session.Stream) {
		acceptedCh <- s
	}
	clientCfg := session.DefaultConfig()

	pair := newPair(t, clientCfg, serverCfg)
	defer pair.client.Close()
	defer pair.server.Close()

	cs, err := pair.client.OpenStream()
	require.NoError(t, err)

	accepted := <-acceptedCh
	require.NoError(t, pair.server.SendSynAck(accepted.ID(), errConnectFailed))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err = cs.WaitSynAck(ctx)
	require.Error(t, err)

	re, ok := session.IsRemoteError(err)
	require.True(t, ok)
	require.Equal(t, errConnectFailed.Error(), re.Reason)

	require.True(t, cs.Closed())
	require.False(t, pair.client.IsClosed())
}

var errConnectFailed = errSentinel("connect: connection refused")

type errSentinel string

func (e errSentinel) Error() string { return string(e) }

// Scenario 5 (spec §8): a client heartbeat that never receives a response
// closes the Session after HeartbeatTimeout.
func TestHeartbeatTimeoutClosesSession(t *testing.T) {
	c1, c2 := net.Pipe()

	clientCfg := session.DefaultConfig()
	clientCfg.HeartbeatInterval = 20 * time.Millisecond
	clientCfg.HeartbeatTimeout = 40 * time.Millisecond

	// The server side authenticates and then reads and discards every frame
	// without answering, so HEART_REQUEST goes unanswered while the pipe
	// stays open and only the client's heartbeat deadline can close it.
	serverCh := make(chan error, 1)
	go func() {
		br, err := session.AuthenticateServer(c2, "pw")
		serverCh <- err
		if err == nil {
			_, _ = io.Copy(io.Discard, br)
		}
	}()

	cli, err := session.NewClient(c1, "pw", clientCfg)
	require.NoError(t, err)
	require.NoError(t, <-serverCh)

	require.Eventually(t, func() bool {
		return cli.IsClosed()
	}, 2*time.Second, 10*time.Millisecond)
}
