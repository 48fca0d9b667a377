// Package spotify talks to the Spotify accounts service (authorize, code exchange,
// refresh) and the single web API call needed while linking: the current user's profile.
package spotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/spotlink/telemetry"
)

const (
	DefaultAuthURL  = "https://accounts.spotify.com/authorize"
	DefaultTokenURL = "https://accounts.spotify.com/api/token"
	DefaultAPIURL   = "https://api.spotify.com/v1"

	// defaultExpiresIn applies when the token response omits expires_in.
	defaultExpiresIn = time.Hour
)

type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string

	// Endpoint overrides, for tests. Empty means the public Spotify endpoints.
	AuthURL  string
	TokenURL string
	APIURL   string

	HTTPClient *http.Client
}

// Token is the provider's answer to a code exchange or refresh.
// RefreshToken is empty when a refresh did not rotate it.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
}

// Profile is the subset of GET /v1/me used to label a linked account.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

type Client struct {
	oauth  *oauth2.Config
	apiURL string
	http   *http.Client
}

func New(cfg Config) *Client {
	authURL, tokenURL, apiURL := cfg.AuthURL, cfg.TokenURL, cfg.APIURL
	if authURL == "" {
		authURL = DefaultAuthURL
	}
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   authURL,
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		apiURL: strings.TrimRight(apiURL, "/"),
		http:   hc,
	}
}

// ParseScopes splits a space- or comma-separated scope list.
func ParseScopes(s string) []string {
	return strings.Fields(strings.ReplaceAll(s, ",", " "))
}

// AuthorizeURL returns the consent URL carrying state. show_dialog forces the consent
// screen so a user can pick a different account when relinking.
func (c *Client) AuthorizeURL(state string) string {
	return c.oauth.AuthCodeURL(state, oauth2.SetAuthURLParam("show_dialog", "true"))
}

// RedirectURI is the callback URL registered with the provider.
func (c *Client) RedirectURI() string { return c.oauth.RedirectURL }

func (c *Client) withHTTP(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.http)
}

// Exchange trades an authorization code for tokens. It makes exactly one request.
func (c *Client) Exchange(ctx context.Context, code string) (*Token, error) {
	ctx, span := telemetry.StartSpan(ctx, "spotify.exchange")
	tok, err := c.oauth.Exchange(c.withHTTP(ctx), code)
	telemetry.EndSpan(span, err)
	if err != nil {
		return nil, fmt.Errorf("spotify auth code exchange failed: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, errors.New("spotify auth code exchange failed: empty access_token")
	}
	return fromOAuth(tok, ""), nil
}

// Refresh exchanges a refresh token for a new access token. It makes exactly one request;
// retry policy belongs to the caller.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	if refreshToken == "" {
		return nil, errors.New("spotify refresh failed: no refresh token")
	}
	ctx, span := telemetry.StartSpan(ctx, "spotify.refresh")
	// a token without an access token is never valid, so the source always refreshes
	src := c.oauth.TokenSource(c.withHTTP(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	telemetry.EndSpan(span, err)
	if err != nil {
		return nil, fmt.Errorf("spotify refresh failed: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, errors.New("spotify refresh failed: empty access_token")
	}
	return fromOAuth(tok, refreshToken), nil
}

// fromOAuth converts an oauth2 token. x/oauth2 copies the old refresh token into the
// result when the response carried none; that case is reported as no rotation.
func fromOAuth(tok *oauth2.Token, previousRefresh string) *Token {
	t := &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if previousRefresh != "" && t.RefreshToken == previousRefresh {
		t.RefreshToken = ""
	}
	if t.ExpiresAt.IsZero() {
		t.ExpiresAt = time.Now().Add(defaultExpiresIn)
	}
	if s, ok := tok.Extra("scope").(string); ok {
		t.Scope = s
	}
	return t
}

// FetchProfile returns the profile of the account behind accessToken.
func (c *Client) FetchProfile(ctx context.Context, accessToken string) (*Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"/me", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("spotify profile request failed: %s: %s", resp.Status, string(b))
	}
	var p Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode spotify profile: %w", err)
	}
	return &p, nil
}

// IsTransient reports whether a failed token request is worth repeating: network
// errors, timeouts, 429 and 5xx. Rejections such as invalid_grant are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response == nil {
			return true
		}
		code := re.Response.StatusCode
		return code == http.StatusTooManyRequests || code >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var ne net.Error
	return errors.As(err, &ne)
}
