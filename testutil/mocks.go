package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

// MockServer is an httptest server dispatching on URL path. Unknown paths get 404.
type MockServer struct {
	*httptest.Server

	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc
}

// NewMockServer creates a mock server that is closed when the test ends.
func NewMockServer(t *testing.T) *MockServer {
	t.Helper()
	m := &MockServer{handlers: make(map[string]http.HandlerFunc)}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.RLock()
		handler, ok := m.handlers[r.URL.Path]
		m.mu.RUnlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Handle registers (or replaces) the handler for path.
func (m *MockServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	m.handlers[path] = h
	m.mu.Unlock()
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// Spotify paths served by MockSpotify.
const (
	SpotifyTokenPath   = "/api/token"
	SpotifyProfilePath = "/v1/me"
)

// MockSpotify fakes the Spotify accounts and web API endpoints used for linking and refresh.
type MockSpotify struct {
	*MockServer

	// request counters, by endpoint and grant type
	CodeExchanges atomic.Int64
	Refreshes     atomic.Int64
	ProfileCalls  atomic.Int64
}

// NewMockSpotify serves /api/token and /v1/me with successful defaults.
func NewMockSpotify(t *testing.T) *MockSpotify {
	t.Helper()
	m := &MockSpotify{MockServer: NewMockServer(t)}
	m.MockToken(func(grantType string, form map[string]string) (int, any) {
		switch grantType {
		case "authorization_code":
			return http.StatusOK, TokenResponse("access-"+form["code"], "refresh-"+form["code"], 3600)
		case "refresh_token":
			return http.StatusOK, TokenResponse("refreshed-access", "", 3600)
		}
		return http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"}
	})
	m.MockProfile("spotify-user", "Listener")
	return m
}

// AuthURL is the authorize endpoint on the mock host (never served; only used to build URLs).
func (m *MockSpotify) AuthURL() string { return m.URL + "/authorize" }

// TokenURL is the mock token endpoint.
func (m *MockSpotify) TokenURL() string { return m.URL + SpotifyTokenPath }

// APIURL is the mock web API base (without trailing /me).
func (m *MockSpotify) APIURL() string { return m.URL + "/v1" }

// MockToken installs fn as the token endpoint. fn receives the grant type and the
// posted form and returns the status and JSON body.
func (m *MockSpotify) MockToken(fn func(grantType string, form map[string]string) (int, any)) {
	m.Handle(SpotifyTokenPath, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
			return
		}
		form := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		if id, _, ok := r.BasicAuth(); ok {
			form["client_id"] = id
		}
		grant := form["grant_type"]
		switch grant {
		case "authorization_code":
			m.CodeExchanges.Add(1)
		case "refresh_token":
			m.Refreshes.Add(1)
		}
		status, body := fn(grant, form)
		WriteJSON(w, status, body)
	})
}

// MockProfile serves /v1/me with the given id and display name.
func (m *MockSpotify) MockProfile(id, displayName string) {
	m.Handle(SpotifyProfilePath, func(w http.ResponseWriter, r *http.Request) {
		m.ProfileCalls.Add(1)
		if r.Header.Get("Authorization") == "" {
			WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]any{"status": 401, "message": "No token provided"}})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"id": id, "display_name": displayName})
	})
}

// TokenResponse builds a Spotify token endpoint body. An empty refresh token is omitted,
// which is how Spotify signals that the refresh token was not rotated.
func TokenResponse(access, refresh string, expiresIn int) map[string]any {
	body := map[string]any{
		"access_token": access,
		"token_type":   "Bearer",
		"expires_in":   expiresIn,
		"scope":        "user-read-currently-playing",
	}
	if refresh != "" {
		body["refresh_token"] = refresh
	}
	return body
}

// MockTelegram fakes the Bot API methods used for webhook registration.
type MockTelegram struct {
	*MockServer

	mu       sync.Mutex
	Calls    []string
	Webhook  map[string]any
	Token    string
	FailWith string // when set, every method returns ok=false with this description
}

// NewMockTelegram serves /bot<token>/{setWebhook,deleteWebhook,getWebhookInfo,getMe}.
func NewMockTelegram(t *testing.T, token string) *MockTelegram {
	t.Helper()
	m := &MockTelegram{MockServer: NewMockServer(t), Token: token, Webhook: map[string]any{}}
	prefix := "/bot" + token + "/"
	method := func(name string, fn func(r *http.Request) any) {
		m.Handle(prefix+name, func(w http.ResponseWriter, r *http.Request) {
			m.mu.Lock()
			m.Calls = append(m.Calls, name)
			fail := m.FailWith
			m.mu.Unlock()
			if fail != "" {
				WriteJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error_code": 400, "description": fail})
				return
			}
			WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "result": fn(r)})
		})
	}
	method("setWebhook", func(r *http.Request) any {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		m.mu.Lock()
		m.Webhook = body
		m.mu.Unlock()
		return true
	})
	method("deleteWebhook", func(r *http.Request) any {
		m.mu.Lock()
		m.Webhook = map[string]any{}
		m.mu.Unlock()
		return true
	})
	method("getWebhookInfo", func(r *http.Request) any {
		m.mu.Lock()
		defer m.mu.Unlock()
		url, _ := m.Webhook["url"].(string)
		return map[string]any{"url": url, "has_custom_certificate": false, "pending_update_count": 0}
	})
	method("getMe", func(r *http.Request) any {
		return map[string]any{"id": 1, "is_bot": true, "first_name": "spotlink", "username": "spotlink_bot"}
	})
	return m
}

// CallNames returns a copy of the Bot API methods called so far, in order.
func (m *MockTelegram) CallNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Calls...)
}

// WebhookField returns a field of the last setWebhook request.
func (m *MockTelegram) WebhookField(key string) any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Webhook[key]
}

// SetFailure makes every subsequent call fail with description (empty restores success).
func (m *MockTelegram) SetFailure(description string) {
	m.mu.Lock()
	m.FailWith = description
	m.mu.Unlock()
}
