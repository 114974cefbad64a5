package session

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeWriter is a streamWriter stub for unit-testing Stream in isolation,
// without a live Session/Conn pair.
type fakeWriter struct {
	data [][]byte
	fins []uint32
}

func (f *fakeWriter) writeData(id uint32, b []byte) error {
	f.data = append(f.data, b)
	return nil
}

func (f *fakeWriter) writeFIN(id uint32) error {
	f.fins = append(f.fins, id)
	return nil
}

func TestStreamZeroLengthPushIsLegalNonEOFRead(t *testing.T) {
	aborts := make(chan struct{})
	st := newStream(1, &fakeWriter{}, aborts, func(uint32) {})

	st.pushData([]byte{})
	st.pushData([]byte("ok"))

	buf := make([]byte, 4)
	n, err := st.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	n, err = st.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, "ok", string(buf[:n]))
}

func TestStreamCloseIsIdempotentAndSendsFINOnce(t *testing.T) {
	fw := &fakeWriter{}
	aborts := make(chan struct{})
	var closedID uint32
	var closedCount int
	st := newStream(7, fw, aborts, func(id uint32) {
		closedID = id
		closedCount++
	})

	require.NoError(t, st.Close())
	require.NoError(t, st.Close())

	require.Equal(t, []uint32{7}, fw.fins)
	require.Equal(t, uint32(7), closedID)
	require.Equal(t, 1, closedCount)
	require.True(t, st.Closed())
}

func TestStreamReadAfterCloseEOFsOnceDrained(t *testing.T) {
	aborts := make(chan struct{})
	st := newStream(2, &fakeWriter{}, aborts, func(uint32) {})

	st.pushData([]byte("x"))
	st.CloseWithError(nil)

	buf := make([]byte, 1)
	n, err := st.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = st.Read(buf)
	require.ErrorIs(t, err, io.EOF)
}

func TestStreamWriteAfterCloseFails(t *testing.T) {
	aborts := make(chan struct{})
	st := newStream(3, &fakeWriter{}, aborts, func(uint32) {})
	st.CloseWithError(nil)

	_, err := st.Write([]byte("nope"))
	require.ErrorIs(t, err, ErrSessionClosed)
}

func TestStreamAbortUnblocksRead(t *testing.T) {
	aborts := make(chan struct{})
	st := newStream(4, &fakeWriter{}, aborts, func(uint32) {})

	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 1)
		_, err := st.Read(buf)
		done <- err
	}()

	close(aborts)

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrSessionClosed)
	case <-time.After(time.Second):
		t.Fatal("Read did not unblock on abort")
	}
}

func TestWaitSynAckTimeoutClosesStreamOnly(t *testing.T) {
	aborts := make(chan struct{})
	st := newStream(5, &fakeWriter{}, aborts, func(uint32) {})

	ctx, cancel := context.WithTimeout(context.Background(), -time.Millisecond)
	defer cancel()

	err := st.WaitSynAck(ctx)
	require.ErrorIs(t, err, ErrSynAckTimeout)
	require.True(t, st.Closed())
}
