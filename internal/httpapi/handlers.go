// Package httpapi exposes the authentication engine over HTTP and a gRPC health service.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"lostfound.org/authcore/internal/auth"
	"lostfound.org/authcore/internal/obs"
)

// Authenticator is the slice of auth.Service the HTTP layer drives.
type Authenticator interface {
	Authenticate(ctx context.Context, req auth.LoginRequest) (*auth.LoginResult, error)
	Refresh(ctx context.Context, refreshToken string) (auth.TokenPair, error)
	Logout(ctx context.Context, refreshToken string) error
	LogoutAll(ctx context.Context, userID string) error
	AuthenticateToken(ctx context.Context, token string) (auth.Principal, error)
	RegisterExternal(ctx context.Context, req auth.RegisterRequest) error
	RequestPasswordReset(ctx context.Context, email string) error
	ConfirmPasswordReset(ctx context.Context, token, newPassword string) error
	DirectoryHealth(ctx context.Context) auth.DirectoryHealth
	SyncDirectory(ctx context.Context) (auth.SyncReport, error)
}

var _ Authenticator = (*auth.Service)(nil)

// Pinger reports store connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks the credential store.
type ReadyProbe struct {
	Store Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	return rp.Store.Ping(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	auth       Authenticator
	readyProbe readinessChecker
	version    string
	logger     *slog.Logger
	ratePerSec float64
	rateBurst  int
	proxies    []netip.Prefix
}

// Option configures API.
type Option func(*API)

// WithVersion sets the version reported by /healthz.
func WithVersion(v string) Option {
	return func(a *API) { a.version = v }
}

// WithRateLimit configures the per-client token bucket in front of every route.
// A non-positive rate disables it.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		a.ratePerSec = perSecond
		a.rateBurst = burst
	}
}

// WithTrustedProxies lists the peers whose X-Forwarded-For header names the client.
// Requests from any other peer are attributed to the socket address.
func WithTrustedProxies(prefixes ...netip.Prefix) Option {
	return func(a *API) { a.proxies = append(a.proxies, prefixes...) }
}

// WithLogger overrides the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.logger = l
		}
	}
}

// New builds the API and registers its routes.
func New(svc Authenticator, rp readinessChecker, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		auth:       svc,
		readyProbe: rp,
		version:    "dev",
		logger:     obs.Logger(),
		ratePerSec: 10,
		rateBurst:  20,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.readyProbe == nil {
		a.readyProbe = ReadyProbe{}
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/refresh", a.handleRefresh)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.Handle("/v1/auth/logout-all", a.withAuth(http.HandlerFunc(a.handleLogoutAll)))
	a.mux.HandleFunc("/v1/auth/register", a.handleRegister)
	a.mux.HandleFunc("/v1/auth/password-reset", a.handlePasswordReset)
	a.mux.HandleFunc("/v1/auth/password-reset/confirm", a.handlePasswordResetConfirm)
	a.mux.Handle("/v1/auth/me", a.withAuth(http.HandlerFunc(a.handleMe)))

	admin := RequirePermission(auth.PermManageUsers)
	a.mux.Handle("/v1/admin/directory/health", a.withAuth(admin(http.HandlerFunc(a.handleDirectoryHealth))))
	a.mux.Handle("/v1/admin/directory/sync", a.withAuth(admin(http.HandlerFunc(a.handleDirectorySync))))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler returns the fully wrapped handler.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	if a.ratePerSec > 0 {
		h = RateLimit(h, a.rateBurst, a.ratePerSec)
	}
	h = SecurityHeaders(h)
	h = a.logging(h)
	h = RequestID(h)
	h = ClientIP(h, a.proxies...)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "lostfound-auth",
		"version": a.version,
	})
}

// Ready reports store readiness and the directory status. A directory outage
// only degrades internal sign-in, so it does not fail readiness.
func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := a.readyProbe.Check(ctx); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)

	body := map[string]any{"status": "ready"}
	if a.auth != nil {
		health := a.auth.DirectoryHealth(ctx)
		body["directory"] = health
		if health.Status == auth.DirectoryStatusUnavailable {
			body["status"] = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
