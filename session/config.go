package session

import (
	"time"

	"go.uber.org/zap"

	"github.com/jxo-me/anytls/metrics"
	"github.com/jxo-me/anytls/padding"
)

// ProtocolVersion is the highest protocol version this implementation
// negotiates. Negotiated peer_version is min(local, peer).
const ProtocolVersion = 2

// OnNewStream is invoked by a server Session for every accepted SYN. The
// callback owns dialing the destination (parsed from the stream's first
// bytes, per spec §6.2/§6.3) and must eventually call Session.SendSynAck.
// It always runs on its own goroutine so the receive loop never suspends on
// upstream I/O.
type OnNewStream func(s *Stream)

// Config configures a Session. The zero value is not valid; start from
// DefaultConfig.
type Config struct {
	// Logger receives structured Session/Stream lifecycle events. A nil
	// Logger is replaced with zap.NewNop() so callers pay nothing unless
	// they opt in.
	Logger *zap.Logger

	// Metrics receives Prometheus observations. Nil disables instrumentation
	// (every method on a nil *metrics.Session is a no-op).
	Metrics *metrics.Session

	// Policy is the initial active padding policy. Defaults to the current
	// process-wide default (padding.DefaultSchemeText) if nil.
	Policy *padding.Policy

	// ClientName is advertised in the client's SETTINGS frame.
	ClientName string

	// HeartbeatInterval, when > 0, starts the client's active liveness
	// task: a HEART_REQUEST is sent on this cadence.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout bounds how long the client waits for a
	// HEART_RESPONSE before closing the Session.
	HeartbeatTimeout time.Duration

	// CloseGracePeriod bounds how long Close waits for in-flight tasks to
	// finish TLS shutdown before force-cancellation (spec §4.F, §9 open
	// question: resolved to 1s default, overridable for tests).
	CloseGracePeriod time.Duration

	// OutboundBufferSize bounds the outbound data/control queues. The spec
	// describes these as unbounded MPSC channels for "synchronous" send
	// semantics; a generous finite buffer gives the same feel to callers
	// without unbounded memory growth (spec §9 open question, resolved
	// here; see DESIGN.md).
	OutboundBufferSize int

	// OnNewStream is required on server Sessions; ignored on client
	// Sessions (which never receive SYN).
	OnNewStream OnNewStream

	// OnServerSettings is invoked on the client when SERVER_SETTINGS
	// arrives, with the parsed advisory fields (idle-session-*,
	// min-idle-session) for pool tuning (spec §4.F SERVER_SETTINGS bullet).
	OnServerSettings func(fields map[string]string)
}

// DefaultConfig returns sane defaults: the stock padding scheme, the active
// heartbeat disabled (callers opt in by setting HeartbeatInterval), a 1s
// close grace period, and a 64-item outbound buffer.
func DefaultConfig() Config {
	policy, err := padding.Parse(padding.DefaultSchemeText)
	if err != nil {
		// DefaultSchemeText is a compile-time constant validated by this
		// package's own tests; a parse failure here means the constant
		// itself is broken.
		panic("anytls: default padding scheme fails to parse: " + err.Error())
	}
	return Config{
		Logger:             zap.NewNop(),
		Policy:             policy,
		ClientName:         "anytls-go",
		CloseGracePeriod:   time.Second,
		OutboundBufferSize: 64,
	}
}

func (c *Config) fillDefaults() {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Policy == nil {
		c.Policy = defaultProcessPolicy.Load()
	}
	if c.CloseGracePeriod <= 0 {
		c.CloseGracePeriod = time.Second
	}
	if c.OutboundBufferSize <= 0 {
		c.OutboundBufferSize = 64
	}
	if c.ClientName == "" {
		c.ClientName = "anytls-go"
	}
	if c.HeartbeatInterval > 0 && c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = c.HeartbeatInterval * 2
	}
}
