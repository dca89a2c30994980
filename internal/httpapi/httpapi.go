package httpapi

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"recobox/backend/internal/aggregator"
	"recobox/backend/internal/domain"
	"recobox/backend/internal/ingest"
	"recobox/backend/internal/logging"
	"recobox/backend/internal/metrics"
	"recobox/backend/internal/service"
	"recobox/backend/internal/store"
	"recobox/backend/internal/validation"
)

const (
	maxJSONBytes     = 1 << 20
	maxRequestIDSize = 64
)

type Config struct {
	AllowedOrigin  string
	MaxUploadBytes int64
	// TokenRequests per TokenWindow are allowed per client IP on the token
	// endpoint.
	TokenRequests int
	TokenWindow   time.Duration
	// OperatorTenants may reclassify categories, which are shared by every
	// tenant.
	OperatorTenants []string
}

type API struct {
	service *service.Service
	auth    *AuthManager
	cfg     Config
}

func New(svc *service.Service, auth *AuthManager, cfg Config) *API {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 64 << 20
	}
	if cfg.TokenRequests < 1 {
		cfg.TokenRequests = 5
	}
	if cfg.TokenWindow <= 0 {
		cfg.TokenWindow = time.Minute
	}
	return &API{service: svc, auth: auth, cfg: cfg}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID, securityHeaders, a.corsHandler(), observe)

	r.Get("/healthz", a.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.With(httprate.LimitByIP(a.cfg.TokenRequests, a.cfg.TokenWindow)).Post("/auth/token", a.handleToken)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth)
			r.Post("/recommendations", a.handleRecommendation)
			r.Post("/categories/reclassify", a.handleReclassify)

			r.Route("/tenants/{tenantID}/locations/{locationID}", func(r chi.Router) {
				r.Post("/transactions", a.handleIngest)
				r.Delete("/transactions", a.handleReset)
				r.Get("/stores/{storeID}/curated/{kind}", a.handleCuratedGet)
				r.Put("/stores/{storeID}/curated/{kind}", a.handleCuratedPut)
				r.Delete("/stores/{storeID}/curated/{kind}", a.handleCuratedDelete)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, errors.New("not found"))
	})
	r.MethodNotAllowed(writeMethodNotAllowed)
	return r
}

func (a *API) corsHandler() func(http.Handler) http.Handler {
	var origins []string
	if a.cfg.AllowedOrigin != "" {
		origins = []string{a.cfg.AllowedOrigin}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	})
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" || len(id) > maxRequestIDSize {
			id = logging.GenerateRequestID()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logging.ContextWithRequestID(r.Context(), id)))
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		next.ServeHTTP(w, r)
	})
}

func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startedAt := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(startedAt)
		metrics.ObserveHTTP(r.Method, route, status, elapsed)
		logging.Ctx(r.Context()).Info().
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", elapsed).
			Msg("request")
	})
}

func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, r, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		tenantID, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err)
			return
		}

		ctx := service.WithTenant(r.Context(), tenantID)
		ctx = logging.ContextWithTenantID(ctx, tenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	var req domain.TokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.IssueToken(r.Context(), req)
	if errors.Is(err, ErrInvalidCredentials) {
		writeError(w, r, http.StatusUnauthorized, err)
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleRecommendation(w http.ResponseWriter, r *http.Request) {
	var req domain.RecommendationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if req.TenantID == "" {
		req.TenantID, _ = service.TenantFromContext(r.Context())
	}

	resp, err := a.service.Recommend(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleIngest(w http.ResponseWriter, r *http.Request) {
	replace, err := parseBool(r.URL.Query().Get("replace"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, fmt.Errorf("replace: %w", err))
		return
	}
	req := domain.IngestRequest{
		TenantID:   chi.URLParam(r, "tenantID"),
		LocationID: chi.URLParam(r, "locationID"),
		Replace:    replace,
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.cfg.MaxUploadBytes)
	src, cleanup, err := uploadSource(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, errors.New("transaction file too large"))
			return
		}
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	defer cleanup()

	result, err := a.service.Ingest(r.Context(), req, src)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleReset(w http.ResponseWriter, r *http.Request) {
	err := a.service.ResetScope(r.Context(), chi.URLParam(r, "tenantID"), chi.URLParam(r, "locationID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type curatedBody struct {
	SKUs []string `json:"skus"`
}

func curatedScope(r *http.Request) (domain.Scope, domain.CuratedKind) {
	return domain.Scope{
		TenantID:   chi.URLParam(r, "tenantID"),
		LocationID: chi.URLParam(r, "locationID"),
		StoreID:    chi.URLParam(r, "storeID"),
	}, domain.CuratedKind(strings.ToLower(chi.URLParam(r, "kind")))
}

func (a *API) handleCuratedGet(w http.ResponseWriter, r *http.Request) {
	scope, kind := curatedScope(r)
	items, err := a.service.Curated(r.Context(), scope, kind)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"kind": kind, "items": items})
}

func (a *API) handleCuratedPut(w http.ResponseWriter, r *http.Request) {
	var body curatedBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	scope, kind := curatedScope(r)

	result, err := a.service.SetCurated(r.Context(), domain.CuratedUploadRequest{Scope: scope, Kind: kind, SKUs: body.SKUs})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleCuratedDelete(w http.ResponseWriter, r *http.Request) {
	scope, kind := curatedScope(r)
	if err := a.service.ResetCurated(r.Context(), scope, kind); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleReclassify(w http.ResponseWriter, r *http.Request) {
	if !a.isOperator(r) {
		writeError(w, r, http.StatusForbidden, errors.New("reclassification is limited to operator tenants"))
		return
	}
	var req domain.ReclassifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	result, err := a.service.Reclassify(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) isOperator(r *http.Request) bool {
	tenantID, ok := service.TenantFromContext(r.Context())
	return ok && slices.Contains(a.cfg.OperatorTenants, tenantID)
}

// uploadSource returns the transaction file as a seekable reader. Multipart
// uploads are read from the "file" part; any other body is spooled to a
// temporary file. The cleanup func must always be called.
func uploadSource(r *http.Request) (io.ReadSeeker, func(), error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		file, _, err := r.FormFile("file")
		if err != nil {
			return nil, func() {}, fmt.Errorf("read multipart file: %w", err)
		}
		return file, func() {
			_ = file.Close()
			if r.MultipartForm != nil {
				_ = r.MultipartForm.RemoveAll()
			}
		}, nil
	}

	tmp, err := os.CreateTemp("", "recobox-upload-*.csv")
	if err != nil {
		return nil, func() {}, err
	}
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}
	if _, err := io.Copy(tmp, r.Body); err != nil {
		cleanup()
		return nil, func() {}, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, func() {}, err
	}
	return tmp, cleanup, nil
}

func parseBool(raw string) (bool, error) {
	if strings.TrimSpace(raw) == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}

// statusFor maps service and domain errors onto HTTP status codes.
func statusFor(err error) int {
	var verr *validation.Error
	switch {
	case errors.Is(err, service.ErrInvalidRequest), errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrForbiddenTenant):
		return http.StatusForbidden
	case errors.Is(err, store.ErrUnknownScope):
		return http.StatusNotFound
	case errors.Is(err, ingest.ErrOutOfScope), errors.Is(err, ingest.ErrMissingColumns), errors.Is(err, aggregator.ErrNoData):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, statusFor(err), err)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func writeMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	// 5xx bodies stay generic; the cause is only logged.
	msg := err.Error()
	if status >= 500 {
		logging.Ctx(r.Context()).Error().Err(err).Int("status", status).Msg("request failed")
		msg = http.StatusText(status)
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
