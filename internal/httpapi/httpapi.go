package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"kasirsync/internal/domain"
	"kasirsync/internal/ledger"
	"kasirsync/internal/logging"
)

type API struct {
	ledger        *ledger.Service
	auth          *DeviceAuth
	allowedOrigin string
	syncLimit     *stdlib.Middleware
	tokenLimit    *stdlib.Middleware
	log           *logrus.Entry
}

type Options struct {
	AllowedOrigin string
	// SyncRate is a limiter rate such as "600-M", applied per client address
	// to the sync and stock endpoints.
	SyncRate string
	// TokenRate limits device-token requests per client address.
	TokenRate string
	// LimitStore shares counters between server instances. Nil keeps them in
	// memory.
	LimitStore limiter.Store
	Log        *logrus.Entry
}

func New(led *ledger.Service, auth *DeviceAuth, opts Options) (*API, error) {
	if opts.SyncRate == "" {
		opts.SyncRate = "600-M"
	}
	if opts.TokenRate == "" {
		opts.TokenRate = "10-M"
	}
	if opts.LimitStore == nil {
		opts.LimitStore = memory.NewStore()
	}
	if opts.Log == nil {
		opts.Log = logging.Discard()
	}
	syncRate, err := limiter.NewRateFromFormatted(opts.SyncRate)
	if err != nil {
		return nil, fmt.Errorf("sync rate %q: %w", opts.SyncRate, err)
	}
	tokenRate, err := limiter.NewRateFromFormatted(opts.TokenRate)
	if err != nil {
		return nil, fmt.Errorf("token rate %q: %w", opts.TokenRate, err)
	}

	return &API{
		ledger:        led,
		auth:          auth,
		allowedOrigin: opts.AllowedOrigin,
		syncLimit:     newLimitMiddleware(opts.LimitStore, syncRate),
		tokenLimit:    newLimitMiddleware(opts.LimitStore, tokenRate),
		log:           opts.Log.WithField("module", "httpapi"),
	}, nil
}

func newLimitMiddleware(store limiter.Store, rate limiter.Rate) *stdlib.Middleware {
	return stdlib.NewMiddleware(limiter.New(store, rate),
		stdlib.WithLimitReachedHandler(func(w http.ResponseWriter, r *http.Request) {
			if reset, err := strconv.ParseInt(w.Header().Get("X-RateLimit-Reset"), 10, 64); err == nil {
				if wait := time.Until(time.Unix(reset, 0)); wait > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
				}
			}
			writeError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
		}),
	)
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.Handle("/api/v1/auth/device-token", a.tokenLimit.Handler(http.HandlerFunc(a.handleDeviceToken)))
	mux.Handle("/api/v1/sync/actions", a.syncLimit.Handler(a.requireDevice(a.handleSyncAction)))
	mux.Handle("/api/v1/stock", a.syncLimit.Handler(a.requireDevice(a.handleStock)))

	return a.withMiddleware(mux)
}

type deviceKey struct{}

func withDevice(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, deviceKey{}, deviceID)
}

func deviceFrom(ctx context.Context) string {
	id, _ := ctx.Value(deviceKey{}).(string)
	return id
}

func (a *API) requireDevice(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		deviceID, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		next(w, r.WithContext(withDevice(r.Context(), deviceID)))
	}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

type deviceTokenRequest struct {
	DeviceID string `json:"device_id"`
	Secret   string `json:"secret"`
}

func (a *API) handleDeviceToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req deviceTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.auth.Issue(req.DeviceID, req.Secret)
	if err != nil {
		a.log.WithField("device_id", req.DeviceID).Warn("[audit] device token refused")
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleSyncAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var action domain.OfflineAction
	if err := decodeJSON(r, &action); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	deviceID := deviceFrom(r.Context())
	if action.DeviceID != deviceID {
		writeError(w, http.StatusForbidden, fmt.Errorf("token for %s cannot submit actions of %s", deviceID, action.DeviceID))
		return
	}
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" && key != action.IdempotencyKey {
		writeError(w, http.StatusBadRequest, errors.New("idempotency key header does not match the action"))
		return
	}

	ack, err := a.ledger.Submit(r.Context(), action)
	if err == nil {
		writeJSON(w, http.StatusOK, ack)
		return
	}

	var se *domain.SyncError
	switch {
	case errors.As(err, &se) && se.Kind == domain.SyncConflict:
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":    se.Message,
			"conflict": se.Conflict,
		})
	case errors.Is(err, ledger.ErrOutOfOrder):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooEarly, err)
	case errors.Is(err, ledger.ErrInvalidAction):
		writeError(w, http.StatusUnprocessableEntity, err)
	default:
		logging.LogError(a.log, "httpapi", "handleSyncAction", "submit failed", action.IdempotencyKey, err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (a *API) handleStock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	location := strings.TrimSpace(r.URL.Query().Get("location_id"))
	if location == "" {
		writeError(w, http.StatusBadRequest, errors.New("location_id is required"))
		return
	}
	var skus []string
	for _, sku := range strings.Split(r.URL.Query().Get("sku"), ",") {
		if sku = strings.ToUpper(strings.TrimSpace(sku)); sku != "" {
			skus = append(skus, sku)
		}
	}
	if len(skus) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("at least one sku is required"))
		return
	}
	levels, err := a.ledger.Stock(r.Context(), location, skus)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"location_id": location,
		"levels":      levels,
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		a.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(startedAt).String(),
		}).Info("request")
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies stay generic; the cause is logged by the caller.
	msg := err.Error()
	if status >= 500 {
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
