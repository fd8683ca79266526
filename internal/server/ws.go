package server

import (
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// metricsStreamInterval is how often a snapshot is pushed to each client.
const metricsStreamInterval = 2 * time.Second

// handleMetricsStream upgrades to a websocket and pushes collector
// snapshots until the client disconnects.
func (s *Server) handleMetricsStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	ticker := time.NewTicker(metricsStreamInterval)
	defer ticker.Stop()

	// Push an immediate snapshot so clients see data before the first tick.
	if err := wsjson.Write(ctx, conn, s.cfg.Collector.Snapshot()); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := wsjson.Write(ctx, conn, s.cfg.Collector.Snapshot()); err != nil {
				s.log.Debug().Err(err).Msg("Metrics stream client disconnected")
				return
			}
		}
	}
}
