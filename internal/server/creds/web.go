package creds

import (
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dotbot-sh/dotbot/internal/observability"
	"github.com/dotbot-sh/dotbot/internal/ratelimit"
	"github.com/dotbot-sh/dotbot/pkg/wire"
)

const (
	// submitLimit caps failed entry attempts per source IP.
	submitLimit  = 5
	submitWindow = 15 * time.Minute

	sessionCookieName = "dotbot_session"
	sessionCookieTTL  = 24 * time.Hour
)

// DeliverFunc sends a credential_stored payload to the device that requested
// the entry session. The gateway wires this to the device's outbound queue.
type DeliverFunc func(deviceID string, stored wire.CredentialStored) error

// Web serves the credential entry pages: the one-time entry form, the submit
// endpoint, and a minimal cookie-auth landing page.
type Web struct {
	sessions  *SessionStore
	cipher    *Cipher
	deliver   DeliverFunc
	limiter   *ratelimit.Window
	logger    *observability.Logger
	publicURL string
	jwtSecret []byte
}

// NewWeb builds the credential web surface. publicURL is the externally
// reachable base URL used when minting entry links.
func NewWeb(sessions *SessionStore, cipher *Cipher, deliver DeliverFunc, logger *observability.Logger, publicURL, cookieSecret string) *Web {
	return &Web{
		sessions:  sessions,
		cipher:    cipher,
		deliver:   deliver,
		limiter:   ratelimit.NewWindow(submitLimit, submitWindow),
		logger:    logger,
		publicURL: strings.TrimSuffix(publicURL, "/"),
		jwtSecret: []byte(cookieSecret),
	}
}

// Register mounts the credential routes on mux.
func (w *Web) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /credentials/enter/{token}", w.handleEnter)
	mux.HandleFunc("POST /credentials/submit", w.handleSubmit)
	mux.HandleFunc("GET /credentials/session", w.handleSession)
}

// EntryURL returns the browser-facing URL for an entry session token.
func (w *Web) EntryURL(token string) string {
	return w.publicURL + "/credentials/enter/" + token
}

func (w *Web) handleEnter(rw http.ResponseWriter, r *http.Request) {
	setStrictHeaders(rw)

	token := r.PathValue("token")
	session, err := w.sessions.Peek(token)
	if err != nil {
		renderPage(rw, http.StatusGone, expiredTmpl, nil)
		return
	}

	renderPage(rw, http.StatusOK, entryTmpl, map[string]any{
		"Token":  session.Token,
		"Title":  orDefault(session.Title, "Enter credential"),
		"Prompt": session.Prompt,
		"Key":    session.KeyName,
		"Domain": session.AllowedDomain,
	})
}

func (w *Web) handleSubmit(rw http.ResponseWriter, r *http.Request) {
	setStrictHeaders(rw)
	ctx := r.Context()

	ip := clientIP(r)
	if !w.limiter.Allow(ip) {
		w.logger.Warn(ctx, "credential submit rate limited", "ip", ip)
		renderPage(rw, http.StatusTooManyRequests, errorTmpl, map[string]any{
			"Message": "Too many attempts. Try again later.",
		})
		return
	}

	if err := r.ParseForm(); err != nil {
		w.limiter.Record(ip)
		renderPage(rw, http.StatusBadRequest, errorTmpl, map[string]any{
			"Message": "Malformed submission.",
		})
		return
	}

	token := r.PostFormValue("token")
	value := r.PostFormValue("value")
	if token == "" || strings.TrimSpace(value) == "" {
		w.limiter.Record(ip)
		renderPage(rw, http.StatusBadRequest, errorTmpl, map[string]any{
			"Message": "A credential value is required.",
		})
		return
	}

	// Single shot: the second POST with the same token lands here.
	session, err := w.sessions.Consume(token)
	if err != nil {
		w.limiter.Record(ip)
		renderPage(rw, http.StatusGone, expiredTmpl, nil)
		return
	}

	blob, err := w.cipher.Encrypt(value, session.UserID, session.AllowedDomain)
	if err != nil {
		w.logger.Error(ctx, "credential encryption failed", "key", session.KeyName, "error", err)
		renderPage(rw, http.StatusInternalServerError, errorTmpl, map[string]any{
			"Message": "Could not store the credential. Ask your agent to request it again.",
		})
		return
	}

	if err := w.deliver(session.DeviceID, wire.CredentialStored{
		KeyName:       session.KeyName,
		EncryptedBlob: blob,
	}); err != nil {
		w.logger.Error(ctx, "credential delivery failed", "key", session.KeyName, "device", session.DeviceID, "error", err)
		renderPage(rw, http.StatusInternalServerError, errorTmpl, map[string]any{
			"Message": "Your device is not connected. Ask your agent to request the credential again.",
		})
		return
	}

	w.logger.Info(ctx, "credential stored", "key", session.KeyName, "domain", session.AllowedDomain, "device", session.DeviceID)

	if cookie, err := w.signSessionCookie(session.UserID, session.DeviceID); err == nil {
		http.SetCookie(rw, cookie)
	}

	renderPage(rw, http.StatusOK, successTmpl, map[string]any{
		"Key":    session.KeyName,
		"Domain": session.AllowedDomain,
	})
}

func (w *Web) handleSession(rw http.ResponseWriter, r *http.Request) {
	setStrictHeaders(rw)

	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		renderPage(rw, http.StatusUnauthorized, errorTmpl, map[string]any{
			"Message": "No active session.",
		})
		return
	}

	claims, err := w.validateSessionCookie(cookie.Value)
	if err != nil {
		renderPage(rw, http.StatusUnauthorized, errorTmpl, map[string]any{
			"Message": "Session expired. Submit a credential to start a new one.",
		})
		return
	}

	renderPage(rw, http.StatusOK, landingTmpl, map[string]any{
		"User":   claims.Subject,
		"Device": claims.Device,
	})
}

type sessionClaims struct {
	Device string `json:"device,omitempty"`
	jwt.RegisteredClaims
}

func (w *Web) signSessionCookie(userID, deviceID string) (*http.Cookie, error) {
	if len(w.jwtSecret) == 0 {
		return nil, errors.New("cookie secret not configured")
	}
	now := time.Now()
	claims := sessionClaims{
		Device: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(sessionCookieTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(w.jwtSecret)
	if err != nil {
		return nil, err
	}
	return &http.Cookie{
		Name:     sessionCookieName,
		Value:    signed,
		Path:     "/credentials",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(sessionCookieTTL.Seconds()),
	}, nil
}

func (w *Web) validateSessionCookie(token string) (*sessionClaims, error) {
	if len(w.jwtSecret) == 0 {
		return nil, errors.New("cookie secret not configured")
	}
	parsed, err := jwt.ParseWithClaims(token, &sessionClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return w.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*sessionClaims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, errors.New("invalid session cookie")
	}
	return claims, nil
}

// setStrictHeaders applies the locked-down header set every credential page
// carries. The styling CDN is the only permitted cross-origin resource.
func setStrictHeaders(rw http.ResponseWriter) {
	h := rw.Header()
	h.Set("Content-Security-Policy", "default-src 'none'; style-src https://cdn.simplecss.org; form-action 'self'; frame-ancestors 'none'; base-uri 'none'")
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Referrer-Policy", "no-referrer")
	h.Set("Cache-Control", "no-store")
}

func renderPage(rw http.ResponseWriter, status int, tmpl *template.Template, data map[string]any) {
	rw.Header().Set("Content-Type", "text/html; charset=utf-8")
	rw.WriteHeader(status)
	_ = tmpl.Execute(rw, data)
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the
// connection's remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

const pageHead = `<!doctype html><html lang="en"><head><meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<link rel="stylesheet" href="https://cdn.simplecss.org/simple.min.css">
<title>dotbot</title></head><body><main>`

const pageFoot = `</main></body></html>`

var entryTmpl = template.Must(template.New("entry").Parse(pageHead + `
<h1>{{.Title}}</h1>
<p>{{.Prompt}}</p>
<form method="post" action="/credentials/submit">
<input type="hidden" name="token" value="{{.Token}}">
<label for="value">Value for <strong>{{.Key}}</strong> (used only with <strong>{{.Domain}}</strong>)</label>
<input type="password" id="value" name="value" autocomplete="off" autofocus required>
<button type="submit">Save credential</button>
</form>
<p><small>This link works once and expires after 15 minutes. The value is encrypted before it reaches your device.</small></p>
` + pageFoot))

var successTmpl = template.Must(template.New("success").Parse(pageHead + `
<h1>Credential saved</h1>
<p><strong>{{.Key}}</strong> is stored and locked to <strong>{{.Domain}}</strong>. You can close this tab.</p>
` + pageFoot))

var expiredTmpl = template.Must(template.New("expired").Parse(pageHead + `
<h1>Link expired</h1>
<p>This credential link has already been used or has expired. Ask your agent to request the credential again.</p>
` + pageFoot))

var errorTmpl = template.Must(template.New("error").Parse(pageHead + `
<h1>Something went wrong</h1>
<p>{{.Message}}</p>
` + pageFoot))

var landingTmpl = template.Must(template.New("landing").Parse(pageHead + `
<h1>dotbot</h1>
<p>Signed in as <strong>{{.User}}</strong>{{if .Device}} on device <strong>{{.Device}}</strong>{{end}}.</p>
<p>Credentials submitted from this browser are delivered to your connected device.</p>
` + pageFoot))
