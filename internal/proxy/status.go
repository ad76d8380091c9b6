package proxy

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/seatkeeper/internal/protocol"
)

// handleStatus answers a server list ping with the configured description and
// echoes the client's ping. The backend is never contacted.
func (h *Handler) handleStatus(c *protocol.Conn, entry *logrus.Entry) error {
	entry.Debug("handling status request")

	pkt, err := c.Read()
	if err != nil {
		return fmt.Errorf("reading status request: %w", err)
	}
	if _, ok := pkt.(*protocol.StatusRequest); !ok {
		return violation("StatusRequest", pkt)
	}

	doc, err := json.Marshal(h.serverStatus())
	if err != nil {
		return fmt.Errorf("encoding status: %w", err)
	}
	if err := c.Write(&protocol.StatusResponse{JSON: string(doc)}); err != nil {
		return fmt.Errorf("writing status response: %w", err)
	}

	pkt, err = c.Read()
	if err != nil {
		return fmt.Errorf("reading ping request: %w", err)
	}
	ping, ok := pkt.(*protocol.PingRequest)
	if !ok {
		return violation("PingRequest", pkt)
	}
	if err := c.Write(&protocol.PongResponse{Time: ping.Time}); err != nil {
		return fmt.Errorf("writing pong response: %w", err)
	}
	return nil
}

func (h *Handler) serverStatus() protocol.ServerStatus {
	return protocol.ServerStatus{
		Version: protocol.StatusVersion{
			Name:     h.Config.Status.VersionName,
			Protocol: protocol.Version,
		},
		Players: protocol.StatusPlayers{
			Max:    h.Config.Status.MaxPlayers,
			Online: h.Config.Status.OnlinePlayers,
			Sample: []protocol.StatusSample{},
		},
		Description: protocol.TextComponent{Text: h.Config.MOTD},
	}
}
