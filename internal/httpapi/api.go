// Package httpapi is the HTTP surface of the account service.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"stepline.social/internal/account"
	"stepline.social/internal/obs"
)

// Pinger reports backing-store health for the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RateBudget is a fixed-window request allowance for one endpoint.
type RateBudget struct {
	Limit  int
	Window time.Duration
}

// RateLimits carries the per-endpoint abuse budgets.
type RateLimits struct {
	Login         RateBudget
	RegisterStart RateBudget
	Verify        RateBudget
	Forgot        RateBudget
	Reset         RateBudget
}

// CookiePolicy shapes the refresh token cookie.
type CookiePolicy struct {
	Name     string
	Domain   string
	Path     string
	Secure   bool
	SameSite http.SameSite
}

// Options configures the API beyond its collaborators.
type Options struct {
	Version        string
	Cookie         CookiePolicy
	Limits         RateLimits
	AllowedOrigins []string
	MaxBodyBytes   int64
}

// API is the HTTP layer over the account service.
type API struct {
	mux     *http.ServeMux
	svc     *account.Service
	tokens  *account.TokenIssuer
	probe   Pinger
	cookie  CookiePolicy
	origins []string
	maxBody int64
	version string
}

// New wires every route. probe may be nil when no external store backs the
// service.
func New(svc *account.Service, tokens *account.TokenIssuer, probe Pinger, opts Options) *API {
	if opts.Cookie.Name == "" {
		opts.Cookie.Name = "refresh"
	}
	if opts.Cookie.Path == "" {
		opts.Cookie.Path = "/auth"
	}
	if opts.Cookie.SameSite == 0 {
		opts.Cookie.SameSite = http.SameSiteLaxMode
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 5 << 20
	}
	a := &API{
		mux:     http.NewServeMux(),
		svc:     svc,
		tokens:  tokens,
		probe:   probe,
		cookie:  opts.Cookie,
		origins: opts.AllowedOrigins,
		maxBody: opts.MaxBodyBytes,
		version: opts.Version,
	}

	limited := func(h http.HandlerFunc, b RateBudget) http.Handler {
		if b.Limit <= 0 || b.Window <= 0 {
			return h
		}
		return RateLimit(h, b.Limit, b.Window)
	}

	a.mux.Handle("/auth/register-start", limited(a.RegisterStart, opts.Limits.RegisterStart))
	a.mux.Handle("/auth/register-verify", limited(a.RegisterVerify, opts.Limits.Verify))
	a.mux.Handle("/auth/login", limited(a.Login, opts.Limits.Login))
	a.mux.HandleFunc("/auth/refresh", a.Refresh)
	a.mux.HandleFunc("/auth/logout", a.Logout)
	a.mux.Handle("/auth/forgot", limited(a.ForgotPassword, opts.Limits.Forgot))
	a.mux.Handle("/auth/reset", limited(a.ResetPassword, opts.Limits.Reset))

	a.mux.Handle("/auth/me", a.requireUser(a.Me))
	a.mux.Handle("/auth/sessions", a.requireUser(a.Sessions))
	a.mux.Handle("/auth/logout-all", a.requireUser(a.LogoutAll))

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the full middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, a.maxBody)
	h = SecurityHeaders(h)
	h = CORS(h, a.origins)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "stepline-auth",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.probe != nil {
		if err := a.probe.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "stepline-auth",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
