// Package padding implements the AnyTLS padding policy: a declarative,
// per-packet-index set of size rules used to mask TLS record boundaries,
// identified by the MD5 of its canonical textual form.
package padding

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrInvalidPadding is returned by Parse when the canonical text is
// malformed.
var ErrInvalidPadding = errors.New("anytls/padding: invalid padding scheme")

// Kind distinguishes a real data chunk from an obfuscating filler chunk in
// the output of GenerateSizes.
type Kind int

const (
	Data Kind = iota
	Waste
)

// SizeEntry is one element of GenerateSizes' output.
type SizeEntry struct {
	Kind Kind
	Size int
}

// entryKind distinguishes the two kinds of row tokens in the canonical text.
type entryKind int

const (
	entryRange entryKind = iota
	entryCheck
)

type rowEntry struct {
	kind     entryKind
	min, max int // only meaningful for entryRange
}

func (e rowEntry) sample() int {
	if e.min == e.max {
		return e.min
	}
	return e.min + rand.Intn(e.max-e.min+1)
}

// Policy is a parsed padding scheme. The zero value is not usable; build one
// with Parse.
type Policy struct {
	raw  string // exact canonical text this policy was parsed from
	stop int
	rows map[int][]rowEntry
	md5  [16]byte
}

// DefaultSchemeText is the stock padding scheme quoted in the protocol spec;
// new Sessions start with Parse(DefaultSchemeText) unless overridden.
const DefaultSchemeText = `stop=8
0=30-30
1=100-400
2=400-500,c,500-1000,c,500-1000
3=9-9,500-1000
4=500-1000
5=500-1000
6=500-1000
7=500-1000`

// Parse builds a Policy from its canonical textual form. Trailing whitespace
// is trimmed before both parsing and MD5 identity are computed, so that a
// scheme transmitted with or without a trailing newline hashes identically.
func Parse(text string) (*Policy, error) {
	trimmed := strings.TrimRight(text, " \t\r\n")

	p := &Policy{
		raw:  trimmed,
		rows: make(map[int][]rowEntry),
		md5:  md5.Sum([]byte(trimmed)),
		stop: -1,
	}

	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			return nil, errors.Wrapf(ErrInvalidPadding, "missing '=' in line %q", line)
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)

		if key == "stop" {
			n, err := strconv.Atoi(val)
			if err != nil || n < 0 {
				return nil, errors.Wrapf(ErrInvalidPadding, "bad stop value %q", val)
			}
			p.stop = n
			continue
		}

		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 {
			return nil, errors.Wrapf(ErrInvalidPadding, "bad row index %q", key)
		}
		entries, err := parseRow(val)
		if err != nil {
			return nil, err
		}
		p.rows[idx] = entries
	}

	if p.stop < 0 {
		return nil, errors.Wrap(ErrInvalidPadding, "missing stop= line")
	}
	return p, nil
}

func parseRow(val string) ([]rowEntry, error) {
	if val == "" {
		return nil, nil
	}
	var entries []rowEntry
	for _, tok := range strings.Split(val, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "c" {
			entries = append(entries, rowEntry{kind: entryCheck})
			continue
		}
		minS, maxS, ok := strings.Cut(tok, "-")
		if !ok {
			return nil, errors.Wrapf(ErrInvalidPadding, "bad row entry %q", tok)
		}
		min, err1 := strconv.Atoi(minS)
		max, err2 := strconv.Atoi(maxS)
		if err1 != nil || err2 != nil || min <= 0 || max < min {
			return nil, errors.Wrapf(ErrInvalidPadding, "bad range entry %q", tok)
		}
		entries = append(entries, rowEntry{kind: entryRange, min: min, max: max})
	}
	return entries, nil
}

// MD5 returns the 16-byte MD5 digest of the policy's canonical text.
func (p *Policy) MD5() [16]byte { return p.md5 }

// Hex returns the lower-hex rendering of MD5, the policy's wire identity.
func (p *Policy) Hex() string { return hex.EncodeToString(p.md5[:]) }

// Text returns the exact canonical text (post trailing-whitespace trim) the
// policy was parsed from, suitable for retransmission in
// UPDATE_PADDING_SCHEME.
func (p *Policy) Text() string { return p.raw }

// Stop returns the packet index at and after which padding is disabled.
func (p *Policy) Stop() int { return p.stop }

// GenerateSizes implements the per-flush sizing algorithm of the spec: given
// the Session-scoped flush counter packetIndex and the number of real bytes
// to be sent (sourceRemaining), it returns the ordered sequence of Data and
// Waste chunks that should be framed on the wire.
func (p *Policy) GenerateSizes(packetIndex int, sourceRemaining int) []SizeEntry {
	if packetIndex >= p.stop {
		return []SizeEntry{{Kind: Data, Size: sourceRemaining}}
	}

	row := p.rows[packetIndex]
	remaining := sourceRemaining
	var out []SizeEntry

	i := 0
	for i < len(row) {
		e := row[i]
		if e.kind == entryCheck {
			if remaining == 0 {
				break
			}
			i++
			continue
		}
		sampled := e.sample()
		if sampled > remaining {
			break
		}
		out = append(out, SizeEntry{Kind: Data, Size: sampled})
		remaining -= sampled
		i++
	}

	// Waste absorbs the sizes of the row entries left unwalked, so the
	// wire's record-size shape still matches what the row prescribes even
	// though no real bytes fill those slots.
	wasteSize := 0
	for _, e := range row[i:] {
		if e.kind == entryRange {
			wasteSize += e.sample()
		}
	}
	out = append(out, SizeEntry{Kind: Waste, Size: wasteSize})

	if remaining > 0 {
		out = append(out, SizeEntry{Kind: Data, Size: remaining})
	}
	return out
}

// Padding0Len samples the length of the authenticator's padding slot from
// row 0 of the policy, per the spec's auth-prelude definition.
func (p *Policy) Padding0Len() int {
	row := p.rows[0]
	total := 0
	for _, e := range row {
		if e.kind == entryRange {
			total += e.sample()
		}
	}
	return total
}

func (p *Policy) String() string {
	return fmt.Sprintf("padding.Policy{md5=%s, stop=%d, rows=%d}", p.Hex(), p.stop, len(p.rows))
}
