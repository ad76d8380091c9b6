package join

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/dcrodman/seatkeeper/internal/auth"
	"github.com/dcrodman/seatkeeper/internal/protocol"
)

var testCredential = &auth.Credential{
	Reference:   "alt@example.com",
	Username:    "Alt",
	ProfileID:   uuid.MustParse("069a79f4-44e9-4726-a5be-fca90e38aaf5"),
	AccessToken: "access",
}

type fakeSessions struct {
	mu     sync.Mutex
	hashes []string
	err    error
}

func (f *fakeSessions) Join(_ context.Context, accessToken string, profileID uuid.UUID, serverHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hashes = append(f.hashes, serverHash)
	return f.err
}

// startBackend runs script against the first connection made to a loopback
// listener and reports its error on the returned channel.
func startBackend(t *testing.T, script func(c *protocol.Conn) error) (string, <-chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("error listening: %s", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	done := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		c := protocol.NewConn(conn, protocol.Serverbound)
		defer c.Close()
		done <- script(c)
	}()
	return ln.Addr().String(), done
}

// readLoginStart consumes the handshake and hello every login begins with.
func readLoginStart(c *protocol.Conn) (*protocol.LoginHello, error) {
	pkt, err := c.Read()
	if err != nil {
		return nil, err
	}
	hs, ok := pkt.(*protocol.Handshake)
	if !ok || hs.Intention != protocol.IntentionLogin || hs.ProtocolVersion != protocol.Version {
		return nil, fmt.Errorf("unexpected handshake %+v", pkt)
	}
	c.SetState(protocol.StateLogin)

	pkt, err = c.Read()
	if err != nil {
		return nil, err
	}
	hello, ok := pkt.(*protocol.LoginHello)
	if !ok {
		return nil, fmt.Errorf("expected hello, got %s", protocol.Kind(pkt))
	}
	return hello, nil
}

func TestJoiner_Complete(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("error generating key: %s", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("error marshaling key: %s", err)
	}
	verifyToken := []byte{1, 2, 3, 4}
	signature := "c2lnbmF0dXJl"
	wantProfile := &protocol.GameProfile{
		UUID: testCredential.ProfileID,
		Name: "Alt",
		Properties: []protocol.ProfileProperty{
			{Name: "textures", Value: "e30=", Signature: &signature},
		},
	}

	var wantHash string
	addr, done := startBackend(t, func(c *protocol.Conn) error {
		hello, err := readLoginStart(c)
		if err != nil {
			return err
		}
		if hello.Username != "Alt" || hello.ProfileID == nil || *hello.ProfileID != testCredential.ProfileID {
			return fmt.Errorf("unexpected hello %+v", hello)
		}

		if err := c.Write(&protocol.EncryptionRequest{PublicKey: pubDER, VerifyToken: verifyToken}); err != nil {
			return err
		}
		pkt, err := c.Read()
		if err != nil {
			return err
		}
		resp, ok := pkt.(*protocol.EncryptionResponse)
		if !ok {
			return fmt.Errorf("expected encryption response, got %s", protocol.Kind(pkt))
		}
		secret, err := rsa.DecryptPKCS1v15(nil, key, resp.SharedSecret)
		if err != nil {
			return err
		}
		token, err := rsa.DecryptPKCS1v15(nil, key, resp.VerifyToken)
		if err != nil {
			return err
		}
		if !bytes.Equal(token, verifyToken) {
			return fmt.Errorf("verify token mismatch: %x", token)
		}
		wantHash = auth.ServerHash("", secret, pubDER)
		if err := c.EnableEncryption(secret); err != nil {
			return err
		}

		if err := c.Write(&protocol.LoginCompression{Threshold: 64}); err != nil {
			return err
		}
		c.SetCompressionThreshold(64)
		if err := c.Write(wantProfile); err != nil {
			return err
		}
		c.SetState(protocol.StateGame)

		// A keep-alive proves both sides agree on encryption and compression.
		return c.Write(&protocol.KeepAlive{KeepAliveID: 7})
	})

	sessions := &fakeSessions{}
	j := &Joiner{Sessions: sessions}

	conn, profile, err := j.Complete(context.Background(), addr, testCredential)
	if err != nil {
		t.Fatalf("Complete() returned an unexpected error: %s", err)
	}
	defer conn.Close()

	if diff := cmp.Diff(wantProfile, profile); diff != "" {
		t.Errorf("Complete() profile mismatch (-want +got):\n%s", diff)
	}
	if conn.State() != protocol.StateGame {
		t.Errorf("expected game state, got %s", conn.State())
	}
	if conn.CompressionThreshold() != 64 {
		t.Errorf("expected compression threshold 64, got %d", conn.CompressionThreshold())
	}

	pkt, err := conn.Read()
	if err != nil {
		t.Fatalf("reading keep-alive: %s", err)
	}
	if diff := cmp.Diff(&protocol.KeepAlive{KeepAliveID: 7}, pkt); diff != "" {
		t.Errorf("unexpected packet after login (-want +got):\n%s", diff)
	}
	if err := <-done; err != nil {
		t.Fatalf("backend failed: %s", err)
	}

	if diff := cmp.Diff([]string{wantHash}, sessions.hashes); diff != "" {
		t.Errorf("session join hashes mismatch (-want +got):\n%s", diff)
	}
}

func TestJoiner_CompleteFailures(t *testing.T) {
	tests := map[string]struct {
		reply   protocol.Packet
		wantErr error
	}{
		"disconnected": {
			reply:   &protocol.LoginDisconnect{Reason: `{"text":"You are ","extra":[{"text":"banned"}]}`},
			wantErr: &DisconnectedError{Reason: "You are banned"},
		},
		"unexpected_packet": {
			reply:   &protocol.Unknown{PacketID: 0x04, Data: []byte{0}},
			wantErr: &UnexpectedPacketError{Kind: "unknown(0x04)"},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			addr, done := startBackend(t, func(c *protocol.Conn) error {
				if _, err := readLoginStart(c); err != nil {
					return err
				}
				return c.Write(tt.reply)
			})

			j := &Joiner{Sessions: &fakeSessions{}}
			_, _, err := j.Complete(context.Background(), addr, testCredential)
			if err == nil {
				t.Fatal("Complete() expected an error")
			}
			if diff := cmp.Diff(tt.wantErr.Error(), err.Error()); diff != "" {
				t.Errorf("Complete() error mismatch (-want +got):\n%s", diff)
			}
			if err := <-done; err != nil {
				t.Fatalf("backend failed: %s", err)
			}
		})
	}
}

func TestJoiner_CompleteDisconnectedIsTyped(t *testing.T) {
	addr, _ := startBackend(t, func(c *protocol.Conn) error {
		if _, err := readLoginStart(c); err != nil {
			return err
		}
		return c.Write(&protocol.LoginDisconnect{Reason: protocol.Text("full")})
	})

	j := &Joiner{Sessions: &fakeSessions{}}
	_, _, err := j.Complete(context.Background(), addr, testCredential)

	var disconnected *DisconnectedError
	if !errors.As(err, &disconnected) || disconnected.Reason != "full" {
		t.Fatalf("Complete() want DisconnectedError{full}, got %v", err)
	}
}

func TestJoiner_CompleteNoProperties(t *testing.T) {
	addr, done := startBackend(t, func(c *protocol.Conn) error {
		if _, err := readLoginStart(c); err != nil {
			return err
		}
		return c.Write(&protocol.GameProfile{UUID: testCredential.ProfileID, Name: "Alt"})
	})

	j := &Joiner{Sessions: &fakeSessions{}}
	conn, profile, err := j.Complete(context.Background(), addr, testCredential)
	if err != nil {
		t.Fatalf("Complete() returned an unexpected error: %s", err)
	}
	defer conn.Close()

	want := &protocol.GameProfile{UUID: testCredential.ProfileID, Name: "Alt", Properties: []protocol.ProfileProperty{}}
	if diff := cmp.Diff(want, profile); diff != "" {
		t.Errorf("Complete() profile mismatch (-want +got):\n%s", diff)
	}
	if err := <-done; err != nil {
		t.Fatalf("backend failed: %s", err)
	}
}

// A backend that stops answering mid-login is abandoned once ctx is cancelled.
func TestJoiner_CompleteCancelled(t *testing.T) {
	stalled := make(chan struct{})
	addr, _ := startBackend(t, func(c *protocol.Conn) error {
		if _, err := readLoginStart(c); err != nil {
			return err
		}
		<-stalled
		return nil
	})
	defer close(stalled)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, _, err := (&Joiner{Sessions: &fakeSessions{}}).Complete(ctx, addr, testCredential)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Complete() want err = %v, got = %v", context.Canceled, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Complete() did not return after cancellation")
	}
}

func TestJoiner_CompleteInvalidAccount(t *testing.T) {
	j := &Joiner{Sessions: &fakeSessions{}}

	for name, cred := range map[string]*auth.Credential{
		"nil":        nil,
		"no_profile": {Username: "Alt", AccessToken: "access"},
		"no_token":   {Username: "Alt", ProfileID: testCredential.ProfileID},
	} {
		t.Run(name, func(t *testing.T) {
			// The address is never dialed for an invalid account.
			if _, _, err := j.Complete(context.Background(), "127.0.0.1:1", cred); !errors.Is(err, ErrInvalidAccount) {
				t.Fatalf("Complete() want err = %v, got = %v", ErrInvalidAccount, err)
			}
		})
	}
}

func TestJoiner_Solicit(t *testing.T) {
	addr, done := startBackend(t, func(c *protocol.Conn) error {
		hello, err := readLoginStart(c)
		if err != nil {
			return err
		}
		if hello.Username != "Player" {
			return fmt.Errorf("unexpected hello %+v", hello)
		}
		return nil
	})

	j := &Joiner{}
	conn, err := j.Solicit(context.Background(), addr)
	if err != nil {
		t.Fatalf("Solicit() returned an unexpected error: %s", err)
	}
	defer conn.Close()

	if conn.State() != protocol.StateLogin {
		t.Errorf("expected login state, got %s", conn.State())
	}
	if err := conn.Write(&protocol.LoginHello{Username: "Player"}); err != nil {
		t.Fatalf("writing hello: %s", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("backend failed: %s", err)
	}
}
