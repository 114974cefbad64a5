package session

import (
	"time"

	"go.uber.org/zap"

	"github.com/jxo-me/anytls/frame"
)

// heartbeatLoop is the client's optional active-liveness task (spec §4.H).
// Passive liveness -- answering HEART_REQUEST with HEART_RESPONSE -- is
// always on and lives in handleFrame; this loop is the side that initiates
// requests and enforces a response deadline.
func (s *Session) heartbeatLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closeNotify:
			return
		case <-ticker.C:
			if err := s.writeCtrl(frame.Frame{Cmd: frame.CmdHeartRequest}); err != nil {
				return
			}
			select {
			case <-s.heartbeatAck:
			case <-time.After(s.cfg.HeartbeatTimeout):
				s.log.Error("anytls: heartbeat timeout, closing session",
					zap.Duration("timeout", s.cfg.HeartbeatTimeout))
				go s.Close()
				return
			case <-s.closeNotify:
				return
			}
		}
	}
}
