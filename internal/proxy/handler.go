// Package proxy accepts game clients, answers server list pings, lets the one
// permitted player through to the backend and keeps the backend slot occupied
// once that player leaves.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/seatkeeper/internal/auth"
	"github.com/dcrodman/seatkeeper/internal/core"
	"github.com/dcrodman/seatkeeper/internal/core/metrics"
	"github.com/dcrodman/seatkeeper/internal/protocol"
)

var (
	// ErrProtocolViolation is returned when a client sends a packet that has no
	// place at that point of the conversation.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrUnsupportedIntention is returned for handshakes that are neither a
	// status query nor a login.
	ErrUnsupportedIntention = errors.New("unsupported intention")
	// ErrAuthorizationRejected marks a login from a player other than the
	// configured one. It is logged, never returned.
	ErrAuthorizationRejected = errors.New("player is not allowed through")
)

// Joiner opens connections to the backend.
type Joiner interface {
	Solicit(ctx context.Context, addr string) (*protocol.Conn, error)
	Complete(ctx context.Context, addr string, cred *auth.Credential) (*protocol.Conn, *protocol.GameProfile, error)
}

// Identities resolves account references into usable credentials.
type Identities interface {
	Authenticate(ctx context.Context, reference string) (*auth.Credential, error)
}

// Handoff takes over the backend slot after the permitted player disconnects.
type Handoff interface {
	HandOff(ctx context.Context)
}

// Handler runs the per-connection state machine for one accepted client.
type Handler struct {
	Config  *core.Config
	Joiner  Joiner
	Handoff Handoff
}

// Handle reads the client's handshake and routes the connection to the status
// or login flow. It returns once the client is done with the relay.
func (h *Handler) Handle(ctx context.Context, c *protocol.Conn, entry *logrus.Entry) error {
	pkt, err := c.Read()
	if err != nil {
		return fmt.Errorf("reading handshake: %w", err)
	}
	hs, ok := pkt.(*protocol.Handshake)
	if !ok {
		return violation("Handshake", pkt)
	}
	entry.Debugf("handshake: protocol %d, address %s:%d, intention %s",
		hs.ProtocolVersion, hs.ServerAddress, hs.ServerPort, hs.Intention)

	switch hs.Intention {
	case protocol.IntentionStatus:
		metrics.Handshakes.WithLabelValues("status").Inc()
		c.SetState(protocol.StateStatus)
		return h.handleStatus(c, entry)
	case protocol.IntentionLogin:
		metrics.Handshakes.WithLabelValues("login").Inc()
		c.SetState(protocol.StateLogin)
		return h.handleLogin(ctx, c, entry)
	default:
		metrics.Handshakes.WithLabelValues("other").Inc()
		return fmt.Errorf("%w: %s", ErrUnsupportedIntention, hs.Intention)
	}
}

func violation(expected string, got protocol.Packet) error {
	return fmt.Errorf("%w: expected %s, got %s", ErrProtocolViolation, expected, protocol.Kind(got))
}

// errorType buckets a connection failure for the errors metric.
func errorType(err error) string {
	switch {
	case errors.Is(err, ErrProtocolViolation):
		return "protocol_violation"
	case errors.Is(err, ErrUnsupportedIntention):
		return "unsupported_intention"
	case errors.Is(err, protocol.ErrFrameTooLarge),
		errors.Is(err, protocol.ErrEmptyFrame),
		errors.Is(err, protocol.ErrBadCompression),
		errors.Is(err, protocol.ErrVarIntTooBig),
		errors.Is(err, protocol.ErrStringTooLong):
		return "codec"
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return "eof"
	}
	return "transport"
}
