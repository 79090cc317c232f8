package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/makotoclub/backend/internal/config"
)

const (
	// ProviderLine identifies the LINE Login flow.
	ProviderLine = "line"
	// ProviderTwitter identifies the X (Twitter) OAuth2 flow.
	ProviderTwitter = "twitter"
)

// ErrUnknownProvider indicates a login request for a provider that is not configured.
var ErrUnknownProvider = errors.New("auth: unknown login provider")

// Provider describes one identity provider of the generic handshake.
// MessageType tags the result envelope; FragmentPrefix names the URL
// fragment used by the redirect delivery.
type Provider struct {
	Name           string
	MessageType    string
	FragmentPrefix string
	ClientID       string
	ClientSecret   string
	AuthorizeURL   string
	TokenURL       string
	ProfileURL     string
	RedirectURL    string
	Scopes         []string

	decodeProfile func([]byte) (Profile, error)
}

// NewProviders builds the provider registry from configuration.
// Only providers with credentials are registered.
func NewProviders(line, twitter config.ProviderConfig) map[string]Provider {
	providers := make(map[string]Provider, 2)
	if line.Enabled() {
		providers[ProviderLine] = Provider{
			Name:           ProviderLine,
			MessageType:    "line-login-result",
			FragmentPrefix: "line-login",
			ClientID:       line.ClientID,
			ClientSecret:   line.ClientSecret,
			AuthorizeURL:   line.AuthorizeURL,
			TokenURL:       line.TokenURL,
			ProfileURL:     line.ProfileURL,
			RedirectURL:    line.RedirectURL,
			Scopes:         []string{"profile", "openid"},
			decodeProfile:  decodeLineProfile,
		}
	}
	if twitter.Enabled() {
		providers[ProviderTwitter] = Provider{
			Name:           ProviderTwitter,
			MessageType:    "oauth-login-result",
			FragmentPrefix: "oauth-login",
			ClientID:       twitter.ClientID,
			ClientSecret:   twitter.ClientSecret,
			AuthorizeURL:   twitter.AuthorizeURL,
			TokenURL:       twitter.TokenURL,
			ProfileURL:     twitter.ProfileURL,
			RedirectURL:    twitter.RedirectURL,
			Scopes:         []string{"users.read", "tweet.read"},
			decodeProfile:  decodeTwitterProfile,
		}
	}
	return providers
}

// BuildAuthorizeURL produces the provider authorization URL for one handshake attempt.
func (p Provider) BuildAuthorizeURL(state string) string {
	params := url.Values{
		"response_type": {"code"},
		"client_id":     {p.ClientID},
		"redirect_uri":  {p.RedirectURL},
		"state":         {state},
		"scope":         {strings.Join(p.Scopes, " ")},
	}
	return p.AuthorizeURL + "?" + params.Encode()
}

type providerTokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// ExchangeCode trades the authorization code for a provider access token
// and fetches the user profile with it.
func (p Provider) ExchangeCode(ctx context.Context, client *http.Client, code string) (Profile, error) {
	token, err := p.exchangeToken(ctx, client, code)
	if err != nil {
		return Profile{}, fmt.Errorf("auth: token exchange failed: %w", err)
	}
	profile, err := p.fetchProfile(ctx, client, token.AccessToken)
	if err != nil {
		return Profile{}, fmt.Errorf("auth: profile fetch failed: %w", err)
	}
	return profile, nil
}

func (p Provider) exchangeToken(ctx context.Context, client *http.Client, code string) (providerTokenResponse, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {p.RedirectURL},
		"client_id":     {p.ClientID},
		"client_secret": {p.ClientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return providerTokenResponse{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return providerTokenResponse{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return providerTokenResponse{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return providerTokenResponse{}, fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var token providerTokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return providerTokenResponse{}, err
	}
	if token.AccessToken == "" {
		return providerTokenResponse{}, errors.New("token endpoint returned no access token")
	}
	return token, nil
}

func (p Provider) fetchProfile(ctx context.Context, client *http.Client, accessToken string) (Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.ProfileURL, nil)
	if err != nil {
		return Profile{}, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := client.Do(req)
	if err != nil {
		return Profile{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Profile{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Profile{}, fmt.Errorf("profile endpoint returned status %d", resp.StatusCode)
	}
	return p.decodeProfile(body)
}

func decodeLineProfile(body []byte) (Profile, error) {
	var payload struct {
		UserID      string `json:"userId"`
		DisplayName string `json:"displayName"`
		PictureURL  string `json:"pictureUrl"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Profile{}, err
	}
	if payload.UserID == "" {
		return Profile{}, ErrInvalidIdentity
	}
	return Profile{
		UserID:      payload.UserID,
		DisplayName: payload.DisplayName,
		AvatarURL:   payload.PictureURL,
	}, nil
}

func decodeTwitterProfile(body []byte) (Profile, error) {
	var payload struct {
		Data struct {
			ID              string `json:"id"`
			Name            string `json:"name"`
			Username        string `json:"username"`
			ProfileImageURL string `json:"profile_image_url"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return Profile{}, err
	}
	if payload.Data.ID == "" {
		return Profile{}, ErrInvalidIdentity
	}
	return Profile{
		UserID:      payload.Data.ID,
		DisplayName: payload.Data.Name,
		Handle:      payload.Data.Username,
		AvatarURL:   payload.Data.ProfileImageURL,
	}, nil
}
