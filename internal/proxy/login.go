package proxy

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/seatkeeper/internal/core/metrics"
	"github.com/dcrodman/seatkeeper/internal/protocol"
	"github.com/dcrodman/seatkeeper/internal/relay"
)

const kickReason = "You are not allowed to join this server."

// handleLogin lets the configured player through to the backend and relays
// until either side hangs up. The name comparison is the only check made on
// the client; nothing proves the client owns that name.
func (h *Handler) handleLogin(ctx context.Context, c *protocol.Conn, entry *logrus.Entry) error {
	raw, err := c.ReadRaw()
	if err != nil {
		return fmt.Errorf("reading hello: %w", err)
	}
	pkt, err := protocol.Decode(protocol.StateLogin, protocol.Serverbound, raw)
	if err != nil {
		return fmt.Errorf("reading hello: %w", err)
	}
	hello, ok := pkt.(*protocol.LoginHello)
	if !ok {
		return violation("LoginHello", pkt)
	}
	entry = entry.WithField("player", hello.Username)

	if hello.Username != h.Config.Player {
		metrics.LoginsRejected.Inc()
		entry.Warnf("kicking player: %v", ErrAuthorizationRejected)
		return c.Write(&protocol.LoginDisconnect{Reason: protocol.Text(kickReason)})
	}

	backend, err := h.Joiner.Solicit(ctx, h.Config.BackendAddress)
	if err != nil {
		return fmt.Errorf("connecting to backend: %w", err)
	}
	// The backend sees the client's own hello, byte for byte.
	if err := backend.WriteRaw(raw); err != nil {
		_ = backend.Close()
		return fmt.Errorf("forwarding hello: %w", err)
	}

	entry.Info("relaying traffic")
	outcome := relay.Run(c.Stream(), backend.Stream(), h.Config.IdleTimeout)
	entry.WithField("outcome", outcome.String()).Info("relay ended")

	if outcome != relay.ClientDisconnected || h.Handoff == nil {
		return nil
	}
	if ctx.Err() != nil {
		entry.Info("shutting down, not holding the slot")
		return nil
	}
	h.Handoff.HandOff(ctx)
	return nil
}
