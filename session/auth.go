package session

import (
	"bufio"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/jxo-me/anytls/frame"
	"github.com/jxo-me/anytls/padding"
)

// maxAuthPaddingScan bounds how many bytes of the auth prelude's padding
// slot the server will discard while hunting for the first frame header,
// per spec §4.C / §9 (open question resolved: cap enforced).
const maxAuthPaddingScan = 1024

// AuthenticateClient writes the client's auth prelude: SHA-256(password)
// followed by a random padding slice whose length is sampled from the
// active policy's row 0 (spec §4.C). Performed as a single Write so it
// lands in one TLS record.
func AuthenticateClient(w io.Writer, password string, policy *padding.Policy) error {
	digest := sha256.Sum256([]byte(password))
	padLen := policy.Padding0Len()

	buf := make([]byte, len(digest)+padLen)
	copy(buf, digest[:])
	if padLen > 0 {
		if _, err := rand.Read(buf[len(digest):]); err != nil {
			return errors.Wrap(err, "anytls: auth padding rand")
		}
	}
	if _, err := w.Write(buf); err != nil {
		return errors.Wrap(err, "anytls: auth prelude write")
	}
	return nil
}

// AuthenticateServer reads the client's auth prelude off r, comparing the
// digest in constant time against SHA-256(expectedPassword). On success it
// discards the padding slot -- by locating the first byte offset at which a
// well-formed SETTINGS frame header parses, scanning at most
// maxAuthPaddingScan bytes -- and returns a *bufio.Reader positioned exactly
// at that frame, ready to hand to frame.NewDecoder. On mismatch it returns
// ErrAuthenticationFailed and the caller must close the connection without
// sending or reading any further frames.
func AuthenticateServer(r io.Reader, expectedPassword string) (*bufio.Reader, error) {
	br := bufio.NewReaderSize(r, maxAuthPaddingScan+frame.HeaderSize+4096)

	var digest [32]byte
	if _, err := io.ReadFull(br, digest[:]); err != nil {
		return nil, errors.Wrap(err, "anytls: auth prelude read")
	}
	expected := sha256.Sum256([]byte(expectedPassword))
	if subtle.ConstantTimeCompare(digest[:], expected[:]) != 1 {
		return nil, ErrAuthenticationFailed
	}

	if err := discardAuthPadding(br); err != nil {
		return nil, err
	}
	return br, nil
}

// discardAuthPadding skips bytes until the client's first frame -- always a
// SETTINGS control frame, sent immediately after the auth prelude -- parses
// at the current offset, or the scan cap is exceeded.
func discardAuthPadding(br *bufio.Reader) error {
	for skip := 0; skip <= maxAuthPaddingScan; skip++ {
		hdr, err := br.Peek(skip + frame.HeaderSize)
		if err != nil {
			return errors.Wrap(ErrAuthenticationFailed, "anytls: auth padding scan exhausted input")
		}
		h := hdr[skip:]
		cmd := frame.Command(h[0])
		streamID := binary.BigEndian.Uint32(h[1:5])
		length := binary.BigEndian.Uint16(h[5:7])
		if cmd == frame.CmdSettings && streamID == 0 && length <= frame.MaxPayloadLen {
			if _, err := br.Discard(skip); err != nil {
				return errors.Wrap(err, "anytls: auth padding discard")
			}
			return nil
		}
	}
	return errors.Wrap(ErrAuthenticationFailed, "anytls: auth padding scan cap exceeded")
}
