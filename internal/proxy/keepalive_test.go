package proxy

import (
	"context"
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/dcrodman/seatkeeper/internal/auth"
	"github.com/dcrodman/seatkeeper/internal/protocol"
)

// gamePipe returns a held-session connection and the backend's end of it,
// both already in the game state.
func gamePipe(t *testing.T) (held, backend *protocol.Conn) {
	t.Helper()
	local, peer := net.Pipe()
	t.Cleanup(func() { _ = peer.Close() })

	held = protocol.NewConn(local, protocol.Clientbound)
	held.SetState(protocol.StateGame)
	backend = protocol.NewConn(peer, protocol.Serverbound)
	backend.SetState(protocol.StateGame)
	return held, backend
}

// expectKeepAliveEcho sends noise followed by KeepAlive{42} and checks that
// the only reply is ServerboundKeepAlive{42}.
func expectKeepAliveEcho(t *testing.T, backend *protocol.Conn) {
	t.Helper()
	if err := backend.WriteRaw(&protocol.RawPacket{ID: 0x4f, Data: []byte{1, 2, 3}}); err != nil {
		t.Fatalf("writing noise: %s", err)
	}
	if err := backend.Write(&protocol.KeepAlive{KeepAliveID: 42}); err != nil {
		t.Fatalf("writing keep-alive: %s", err)
	}

	pkt, err := backend.Read()
	if err != nil {
		t.Fatalf("reading reply: %s", err)
	}
	if diff := cmp.Diff(&protocol.ServerboundKeepAlive{KeepAliveID: 42}, pkt); diff != "" {
		t.Errorf("reply mismatch (-want +got):\n%s", diff)
	}

	_ = backend.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if pkt, err := backend.Read(); !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Errorf("expected no further packets, got %v (err = %v)", pkt, err)
	}
	_ = backend.SetReadDeadline(time.Time{})
}

func TestRespondToKeepAlives(t *testing.T) {
	held, backend := gamePipe(t)

	done := make(chan error, 1)
	go func() { done <- RespondToKeepAlives(context.Background(), held, 0) }()

	expectKeepAliveEcho(t, backend)

	// The responder ends, without rejoining, once the backend goes away.
	_ = backend.Close()
	select {
	case err := <-done:
		if err == nil {
			t.Error("expected the read failure to be returned")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("responder did not stop after the backend closed")
	}
}

func TestRespondToKeepAlives_IdleTimeout(t *testing.T) {
	held, _ := gamePipe(t)

	err := RespondToKeepAlives(context.Background(), held, 50*time.Millisecond)
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("RespondToKeepAlives() want deadline error, got %v", err)
	}
}

func TestRespondToKeepAlives_Cancelled(t *testing.T) {
	held, _ := gamePipe(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- RespondToKeepAlives(ctx, held, 0) }()
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected an error after cancellation")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("responder ignored cancellation")
	}
}

type fakeIdentities struct {
	refs []string
	err  error
}

func (f *fakeIdentities) Authenticate(ctx context.Context, reference string) (*auth.Credential, error) {
	f.refs = append(f.refs, reference)
	if f.err != nil {
		return nil, f.err
	}
	return &auth.Credential{
		Reference:   reference,
		Username:    "Alt",
		ProfileID:   uuid.MustParse("069a79f4-44e9-4726-a5be-fca90e38aaf5"),
		AccessToken: "access",
	}, nil
}

func TestCoordinator_HandOff(t *testing.T) {
	cfg := testConfig()
	cfg.SecondaryAccount = "alt@example.com"
	logger, _ := test.NewNullLogger()
	joiner := newFakeJoiner()
	identities := &fakeIdentities{}
	held := make(chan error, 1)

	co := &Coordinator{Config: cfg, Logger: logger, Identities: identities, Joiner: joiner, held: held}

	// Cancelling the caller's context must not stop the held session.
	ctx, cancel := context.WithCancel(context.Background())
	co.HandOff(ctx)
	cancel()

	if diff := cmp.Diff([]string{"alt@example.com"}, identities.refs); diff != "" {
		t.Errorf("authenticated accounts mismatch (-want +got):\n%s", diff)
	}
	if n := joiner.completes; n != 1 {
		t.Fatalf("expected one Complete call, got %d", n)
	}

	peer := <-joiner.peers
	backend := protocol.NewConn(peer, protocol.Serverbound)
	backend.SetState(protocol.StateGame)
	expectKeepAliveEcho(t, backend)

	_ = peer.Close()
	select {
	case <-held:
	case <-time.After(5 * time.Second):
		t.Fatal("held session did not end after the backend closed")
	}
}

func TestCoordinator_HandOffFailures(t *testing.T) {
	tests := map[string]struct {
		identities    *fakeIdentities
		completeErr   error
		wantCompletes int32
	}{
		"credential_failure": {
			identities: &fakeIdentities{err: auth.ErrCredentialExpired},
		},
		"join_failure": {
			identities:    &fakeIdentities{},
			completeErr:   errors.New("connection refused"),
			wantCompletes: 1,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			// No secondary account: the primary one is used.
			cfg := testConfig()
			logger, hook := test.NewNullLogger()
			joiner := newFakeJoiner()
			joiner.completeErr = tt.completeErr

			co := &Coordinator{Config: cfg, Logger: logger, Identities: tt.identities, Joiner: joiner}
			co.HandOff(context.Background())

			if diff := cmp.Diff([]string{"main@example.com"}, tt.identities.refs); diff != "" {
				t.Errorf("authenticated accounts mismatch (-want +got):\n%s", diff)
			}
			if joiner.completes != tt.wantCompletes {
				t.Errorf("expected %d Complete calls, got %d", tt.wantCompletes, joiner.completes)
			}
			if hook.LastEntry() == nil {
				t.Error("expected the failure to be logged")
			}
			if len(joiner.peers) != 0 {
				t.Error("no backend session should be held")
			}
		})
	}
}
