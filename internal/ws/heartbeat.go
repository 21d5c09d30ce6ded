package ws

import (
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // max time to wait for activity after ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// startHeartbeat begins a background goroutine that periodically sends
// WebSocket ping frames to all connections and closes those that have gone
// stale (no frame read within Interval + Timeout). The goroutine exits when
// the server's done channel is closed.
func (s *Server) startHeartbeat(config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.checkConnections(config)
			}
		}
	}()
}

// checkConnections closes connections with no read activity within
// Interval + Timeout and pings the rest. Browsers answer the ping with a
// pong automatically. Closing the socket ends the read loop, which
// unregisters the connection.
func (s *Server) checkConnections(config HeartbeatConfig) {
	deadline := config.Interval + config.Timeout
	now := time.Now()

	for _, c := range s.conns.All() {
		idle := now.Sub(c.LastActivity())
		if idle > deadline {
			s.log.Info().Str("conn_id", c.ID).Dur("idle", idle.Round(time.Second)).Msg("heartbeat timeout")
			_ = c.Close()
			continue
		}

		if err := c.WritePing(); err != nil {
			s.log.Debug().Err(err).Str("conn_id", c.ID).Msg("heartbeat ping failed")
			_ = c.Close()
		}
	}
}
