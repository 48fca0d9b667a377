package server

import (
	"errors"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/onnwee/spotlink/link"
	"github.com/onnwee/spotlink/telemetry"
)

var resultPage = template.Must(template.New("result").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8">
<title>{{.Title}}</title>
<style>
body { font-family: Arial, sans-serif; text-align: center; padding: 50px; background: {{.Background}}; color: white; }
h1 { font-size: 40px; margin-bottom: 20px; }
p { font-size: 20px; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<p>{{.Message}}</p>
{{if .Hint}}<p>{{.Hint}}</p>{{end}}
</body>
</html>
`))

type pageData struct {
	Title      string
	Message    string
	Hint       string
	Background template.CSS
}

func renderPage(w http.ResponseWriter, status int, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := resultPage.Execute(w, data); err != nil {
		slog.Warn("failed to render page", slog.Any("err", err))
	}
}

// HandleAuthStart redirects a chat user to the Spotify consent screen.
func (h *Handlers) HandleAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.deps.Builder == nil {
		http.Error(w, "spotify oauth not configured (need SPOTIFY_CLIENT_ID + SPOTIFY_CLIENT_SECRET)", http.StatusServiceUnavailable)
		return
	}
	owner, ok := parseUserID(r, "user_id")
	if !ok {
		http.Error(w, "missing or invalid user_id", http.StatusBadRequest)
		return
	}
	authURL, err := h.deps.Builder.Build(r.Context(), owner)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("build authorize url failed",
			slog.Int64("owner_user_id", owner), slog.Any("err", err), slog.String("component", "http"))
		http.Error(w, "could not start authorization", http.StatusServiceUnavailable)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleCallback completes linking and shows the user a result page.
func (h *Handlers) HandleCallback(w http.ResponseWriter, r *http.Request) {
	if h.deps.Callback == nil {
		http.Error(w, "spotify oauth not configured", http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	res, err := h.deps.Callback.Handle(r.Context(), link.CallbackRequest{
		Code:  q.Get("code"),
		State: q.Get("state"),
		Error: q.Get("error"),
	})
	if err != nil {
		status, page := callbackFailure(err)
		renderPage(w, status, page)
		return
	}
	msg := "Your Spotify account is now linked."
	if name := res.Account.ExternalDisplayName; name != "" {
		msg = "Your Spotify account " + name + " is now linked."
	}
	renderPage(w, http.StatusOK, pageData{
		Title:      "Connected!",
		Message:    msg,
		Hint:       "You can close this window and return to Telegram.",
		Background: "#1DB954",
	})
}

// callbackFailure maps a callback error to a status and page. Details stay in the logs.
func callbackFailure(err error) (int, pageData) {
	page := pageData{Title: "Authorization failed", Background: "#C0392B",
		Hint: "Request a new link from the bot and try again."}
	switch {
	case errors.Is(err, link.ErrProviderDenied):
		page.Message = "Access to Spotify was not granted."
		return http.StatusBadRequest, page
	case errors.Is(err, link.ErrInvalidRequest):
		page.Message = "The authorization response was incomplete."
		return http.StatusBadRequest, page
	case errors.Is(err, link.ErrInvalidOrExpiredState):
		page.Message = "This authorization link is invalid or has expired."
		return http.StatusBadRequest, page
	case errors.Is(err, link.ErrExchangeFailure):
		page.Message = "Spotify did not accept the authorization."
		return http.StatusBadGateway, page
	}
	page.Message = "Something went wrong while saving your account."
	return http.StatusInternalServerError, page
}
