package proxy

import (
	"context"
	"fmt"
	"time"

	"github.com/dcrodman/seatkeeper/internal/core/metrics"
	"github.com/dcrodman/seatkeeper/internal/protocol"
)

// RespondToKeepAlives holds a game-state backend connection that has no player
// behind it. Every KeepAlive is answered with the same id; every other packet
// is dropped. It returns the error that ended the connection, which is closed
// on return. Cancelling ctx closes the connection.
func RespondToKeepAlives(ctx context.Context, conn *protocol.Conn, idleTimeout time.Duration) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	for {
		if idleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
		}
		pkt, err := conn.Read()
		if err != nil {
			return fmt.Errorf("reading from held session: %w", err)
		}

		ka, ok := pkt.(*protocol.KeepAlive)
		if !ok {
			continue
		}
		if err := conn.Write(&protocol.ServerboundKeepAlive{KeepAliveID: ka.KeepAliveID}); err != nil {
			return fmt.Errorf("answering keep-alive: %w", err)
		}
		metrics.KeepAlivesAnswered.Inc()
	}
}
