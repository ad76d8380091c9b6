package auth

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrSessionRejected is returned when the session server refuses a join.
var ErrSessionRejected = errors.New("session server rejected join")

// SessionClient registers a pending login with the session server so that an
// online-mode backend accepts the encryption handshake.
type SessionClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewSessionClient(baseURL string) *SessionClient {
	return &SessionClient{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type joinRequest struct {
	AccessToken     string `json:"accessToken"`
	SelectedProfile string `json:"selectedProfile"`
	ServerID        string `json:"serverId"`
}

// Join announces that profileID is about to log in to the server identified by serverHash.
func (s *SessionClient) Join(ctx context.Context, accessToken string, profileID uuid.UUID, serverHash string) error {
	body, err := json.Marshal(joinRequest{
		AccessToken:     accessToken,
		SelectedProfile: hex.EncodeToString(profileID[:]),
		ServerID:        serverHash,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+"/session/minecraft/join", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("contacting session server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusOK {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("%w: %s: %s", ErrSessionRejected, resp.Status, bytes.TrimSpace(msg))
}

// ServerHash computes the session server id for a login: the SHA-1 of the
// server id, shared secret and public key, rendered as a signed hex number.
func ServerHash(serverID string, sharedSecret, publicKey []byte) string {
	h := sha1.New()
	h.Write([]byte(serverID))
	h.Write(sharedSecret)
	h.Write(publicKey)
	digest := h.Sum(nil)

	n := new(big.Int).SetBytes(digest)
	if digest[0]&0x80 != 0 {
		n.Sub(n, new(big.Int).Lsh(big.NewInt(1), uint(len(digest)*8)))
	}
	return n.Text(16)
}
