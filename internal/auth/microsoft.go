package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

// ErrNoGameProfile is returned when the Microsoft account doesn't own the game.
var ErrNoGameProfile = errors.New("account has no game profile")

const (
	xboxAuthURL         = "https://user.auth.xboxlive.com/user/authenticate"
	xstsAuthURL         = "https://xsts.auth.xboxlive.com/xsts/authorize"
	minecraftLoginURL   = "https://api.minecraftservices.com/authentication/login_with_xbox"
	minecraftProfileURL = "https://api.minecraftservices.com/minecraft/profile"
)

// MicrosoftRefresher turns a Microsoft refresh token into a game access token
// by walking the Xbox Live authentication chain.
type MicrosoftRefresher struct {
	OAuth      *oauth2.Config
	HTTPClient *http.Client

	XboxAuthURL         string
	XSTSAuthURL         string
	MinecraftLoginURL   string
	MinecraftProfileURL string
}

func NewMicrosoftRefresher(clientID string) *MicrosoftRefresher {
	// Azure AD v2 tokens carry the XboxLive.signin scope and are presented to
	// Xbox Live with the "d=" ticket prefix.
	endpoint := microsoft.AzureADEndpoint("consumers")
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	return &MicrosoftRefresher{
		OAuth: &oauth2.Config{
			ClientID: clientID,
			Endpoint: endpoint,
			Scopes:   []string{"XboxLive.signin", "offline_access"},
		},
		HTTPClient:          &http.Client{Timeout: 15 * time.Second},
		XboxAuthURL:         xboxAuthURL,
		XSTSAuthURL:         xstsAuthURL,
		MinecraftLoginURL:   minecraftLoginURL,
		MinecraftProfileURL: minecraftProfileURL,
	}
}

type xboxAuthRequest struct {
	Properties   map[string]interface{} `json:"Properties"`
	RelyingParty string                 `json:"RelyingParty"`
	TokenType    string                 `json:"TokenType"`
}

type xboxAuthResponse struct {
	Token         string `json:"Token"`
	DisplayClaims struct {
		Xui []struct {
			Uhs string `json:"uhs"`
		} `json:"xui"`
	} `json:"DisplayClaims"`
}

func (r xboxAuthResponse) userHash() (string, error) {
	if len(r.DisplayClaims.Xui) == 0 || r.DisplayClaims.Xui[0].Uhs == "" {
		return "", errors.New("xbox response is missing the user hash")
	}
	return r.DisplayClaims.Xui[0].Uhs, nil
}

type minecraftLoginResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

type minecraftProfileResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (m *MicrosoftRefresher) Refresh(ctx context.Context, refreshToken string) (*RefreshedToken, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.HTTPClient)
	msToken, err := m.OAuth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("refreshing microsoft token: %w", err)
	}

	var xbl xboxAuthResponse
	if err := m.postJSON(ctx, m.XboxAuthURL, xboxAuthRequest{
		Properties: map[string]interface{}{
			"AuthMethod": "RPS",
			"SiteName":   "user.auth.xboxlive.com",
			"RpsTicket":  "d=" + msToken.AccessToken,
		},
		RelyingParty: "http://auth.xboxlive.com",
		TokenType:    "JWT",
	}, &xbl); err != nil {
		return nil, fmt.Errorf("xbox live authentication: %w", err)
	}

	var xsts xboxAuthResponse
	if err := m.postJSON(ctx, m.XSTSAuthURL, xboxAuthRequest{
		Properties: map[string]interface{}{
			"SandboxId":  "RETAIL",
			"UserTokens": []string{xbl.Token},
		},
		RelyingParty: "rp://api.minecraftservices.com/",
		TokenType:    "JWT",
	}, &xsts); err != nil {
		return nil, fmt.Errorf("xsts authorization: %w", err)
	}
	uhs, err := xsts.userHash()
	if err != nil {
		return nil, err
	}

	var login minecraftLoginResponse
	if err := m.postJSON(ctx, m.MinecraftLoginURL, map[string]string{
		"identityToken": fmt.Sprintf("XBL3.0 x=%s;%s", uhs, xsts.Token),
	}, &login); err != nil {
		return nil, fmt.Errorf("game services login: %w", err)
	}

	profile, err := m.fetchProfile(ctx, login.AccessToken)
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(profile.ID)
	if err != nil {
		return nil, fmt.Errorf("parsing profile id %q: %w", profile.ID, err)
	}

	return &RefreshedToken{
		AccessToken:  login.AccessToken,
		RefreshToken: msToken.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(login.ExpiresIn) * time.Second),
		Username:     profile.Name,
		ProfileID:    id,
	}, nil
}

func (m *MicrosoftRefresher) fetchProfile(ctx context.Context, accessToken string) (*minecraftProfileResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.MinecraftProfileURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := m.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching game profile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNoGameProfile
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching game profile: unexpected status %s", resp.Status)
	}

	var profile minecraftProfileResponse
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("decoding game profile: %w", err)
	}
	return &profile, nil
}

func (m *MicrosoftRefresher) postJSON(ctx context.Context, url string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := m.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %s: %s", resp.Status, bytes.TrimSpace(msg))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
