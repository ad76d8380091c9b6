// Package join opens connections to the backend game server, either as a bare
// login-phase connection for a forwarded client or as a fully logged in
// session for one of the configured accounts.
package join

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/google/uuid"

	"github.com/dcrodman/seatkeeper/internal/auth"
	"github.com/dcrodman/seatkeeper/internal/protocol"
)

// ErrInvalidAccount is returned when a credential lacks a name, profile id or token.
var ErrInvalidAccount = errors.New("account is missing a username, profile id or access token")

// DisconnectedError is returned when the backend kicks the session during login.
type DisconnectedError struct {
	Reason string
}

func (e *DisconnectedError) Error() string {
	return fmt.Sprintf("disconnected by backend: %s", e.Reason)
}

// UnexpectedPacketError is returned when the backend sends a packet that has
// no place in the login sequence.
type UnexpectedPacketError struct {
	Kind string
}

func (e *UnexpectedPacketError) Error() string {
	return fmt.Sprintf("unexpected %s packet during login", e.Kind)
}

// SessionServer registers a pending login before the encryption response is sent.
type SessionServer interface {
	Join(ctx context.Context, accessToken string, profileID uuid.UUID, serverHash string) error
}

// Joiner dials the backend. Tracer, when set, is installed on every connection
// it opens.
type Joiner struct {
	Sessions SessionServer
	Tracer   func() protocol.Tracer
}

// Solicit connects to addr and announces a login, leaving the connection in
// the login state ready for a hello packet.
func (j *Joiner) Solicit(ctx context.Context, addr string) (*protocol.Conn, error) {
	return j.dial(ctx, addr)
}

// Complete logs cred in to the backend at addr and returns the game-state
// connection along with the profile the backend accepted. The caller owns the
// returned connection. Cancelling ctx abandons a login in progress.
func (j *Joiner) Complete(ctx context.Context, addr string, cred *auth.Credential) (*protocol.Conn, *protocol.GameProfile, error) {
	if cred == nil || cred.Username == "" || cred.ProfileID == uuid.Nil || cred.AccessToken == "" {
		return nil, nil, ErrInvalidAccount
	}

	conn, err := j.dial(ctx, addr)
	if err != nil {
		return nil, nil, err
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	profile, err := j.login(ctx, conn, cred)
	if !stop() {
		// The connection was closed underneath the login.
		return nil, nil, ctx.Err()
	}
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, profile, nil
}

func (j *Joiner) dial(ctx context.Context, addr string) (*protocol.Conn, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid backend address %q: %w", addr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid backend port %q: %w", portStr, err)
	}

	conn, err := protocol.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	if j.Tracer != nil {
		conn.Tracer = j.Tracer()
	}

	if err := conn.Write(&protocol.Handshake{
		ProtocolVersion: protocol.Version,
		ServerAddress:   host,
		ServerPort:      uint16(port),
		Intention:       protocol.IntentionLogin,
	}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	conn.SetState(protocol.StateLogin)
	return conn, nil
}

func (j *Joiner) login(ctx context.Context, conn *protocol.Conn, cred *auth.Credential) (*protocol.GameProfile, error) {
	profileID := cred.ProfileID
	if err := conn.Write(&protocol.LoginHello{Username: cred.Username, ProfileID: &profileID}); err != nil {
		return nil, err
	}

	for {
		pkt, err := conn.Read()
		if err != nil {
			return nil, err
		}

		switch p := pkt.(type) {
		case *protocol.EncryptionRequest:
			if err := j.encrypt(ctx, conn, cred, p); err != nil {
				return nil, err
			}
		case *protocol.LoginCompression:
			conn.SetCompressionThreshold(int(p.Threshold))
		case *protocol.GameProfile:
			conn.SetState(protocol.StateGame)
			return p, nil
		case *protocol.LoginDisconnect:
			return nil, &DisconnectedError{Reason: protocol.PlainText(p.Reason)}
		default:
			return nil, &UnexpectedPacketError{Kind: protocol.Kind(pkt)}
		}
	}
}

// encrypt answers the key exchange: the shared secret is announced to the
// session server, sent to the backend under its public key and then installed
// on the connection.
func (j *Joiner) encrypt(ctx context.Context, conn *protocol.Conn, cred *auth.Credential, req *protocol.EncryptionRequest) error {
	secret := make([]byte, 16)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generating shared secret: %w", err)
	}

	parsed, err := x509.ParsePKIXPublicKey(req.PublicKey)
	if err != nil {
		return fmt.Errorf("parsing backend public key: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("backend public key is %T, not RSA", parsed)
	}

	hash := auth.ServerHash(req.ServerID, secret, req.PublicKey)
	if err := j.Sessions.Join(ctx, cred.AccessToken, cred.ProfileID, hash); err != nil {
		return fmt.Errorf("session join for %s: %w", cred.Username, err)
	}

	encSecret, err := rsa.EncryptPKCS1v15(rand.Reader, pub, secret)
	if err != nil {
		return fmt.Errorf("encrypting shared secret: %w", err)
	}
	encToken, err := rsa.EncryptPKCS1v15(rand.Reader, pub, req.VerifyToken)
	if err != nil {
		return fmt.Errorf("encrypting verify token: %w", err)
	}
	if err := conn.Write(&protocol.EncryptionResponse{SharedSecret: encSecret, VerifyToken: encToken}); err != nil {
		return err
	}
	return conn.EnableEncryption(secret)
}
