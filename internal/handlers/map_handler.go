package handlers

import (
	"context"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/koios/mapgen/internal/config"
	"github.com/koios/mapgen/internal/metrics"
	"github.com/koios/mapgen/internal/middleware"
	"github.com/koios/mapgen/internal/ratelimit"
	"github.com/koios/mapgen/internal/renderer"
	"github.com/koios/mapgen/internal/storage"
	"github.com/koios/mapgen/pkg/models"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Stage is a step of the generation pipeline
type Stage string

const (
	StageRateChecking Stage = "rate_checking"
	StageValidating   Stage = "validating"
	StagePreparing    Stage = "preparing"
	StageInvoking     Stage = "invoking"
	StageConfirming   Stage = "confirming"
	StageResponding   Stage = "responding"
)

// ErrRateLimited is returned when a client exceeded its request budget
var ErrRateLimited = errors.New("rate limit exceeded")

// maxBodyBytes bounds the generation request body
const maxBodyBytes = 64 << 10

// HealthChecker reports whether a backing service is reachable
type HealthChecker interface {
	IsHealthy(ctx context.Context) bool
}

// MapHandler serves map generation and the routes around it
type MapHandler struct {
	limiter   ratelimit.Limiter
	validator *Validator
	store     *storage.Store
	renderer  renderer.Renderer
	styles    *models.StyleCatalogue
	redis     HealthChecker
	cfg       *config.Config
	logger    *zap.Logger
}

// NewMapHandler creates a new map handler
func NewMapHandler(
	cfg *config.Config,
	limiter ratelimit.Limiter,
	validator *Validator,
	store *storage.Store,
	r renderer.Renderer,
	styles *models.StyleCatalogue,
	logger *zap.Logger,
) *MapHandler {
	return &MapHandler{
		limiter:   limiter,
		validator: validator,
		store:     store,
		renderer:  r,
		styles:    styles,
		cfg:       cfg,
		logger:    logger,
	}
}

// SetHealthChecker adds a backend whose reachability is reported by /health
func (h *MapHandler) SetHealthChecker(hc HealthChecker) {
	h.redis = hc
}

// RegisterRoutes registers the service routes
func (h *MapHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /generate-map", h.handleGenerateMap)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /map-styles", h.handleMapStyles)
	mux.HandleFunc("GET "+h.cfg.Storage.URLPrefix+"/{name}", h.handleArtifact)
	mux.Handle("GET /metrics", promhttp.Handler())
}

// handleGenerateMap handles POST /generate-map. Stages run strictly in order
// and the first failure ends the request.
func (h *MapHandler) handleGenerateMap(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientID := h.clientID(r)
	logger := h.logger.With(
		zap.String("request_id", middleware.GetRequestID(ctx)),
		zap.String("client", clientID))

	// RateChecking
	stage := StageRateChecking
	allowed, err := h.limiter.Allow(ctx, clientID)
	if err != nil {
		h.fail(w, logger, stage, http.StatusInternalServerError, "Rate limit check failed", err)
		return
	}
	h.setRateLimitHeaders(ctx, w, clientID)
	if !allowed {
		metrics.RateLimitRejections.Inc()
		w.Header().Set("Retry-After", strconv.Itoa(int(h.limiter.Window().Seconds())))
		h.fail(w, logger, stage, http.StatusTooManyRequests, "Too many requests", ErrRateLimited)
		return
	}

	// Validating
	stage = StageValidating
	var payload map[string]interface{}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&payload); err != nil {
		h.fail(w, logger, stage, http.StatusBadRequest, "Invalid JSON body", err)
		return
	}
	req, err := h.validator.Validate(payload)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			h.fail(w, logger, stage, http.StatusInternalServerError, verr.Message, err)
		} else {
			h.fail(w, logger, stage, http.StatusInternalServerError, "Invalid request", err)
		}
		return
	}

	if style, ok := h.styles.Get(req.MapType); ok && style.Advisory {
		logger.Warn("Requested map type has no renderer-defined style", zap.String("map_type", req.MapType))
	}

	// Preparing
	stage = StagePreparing
	if err := h.store.EnsureDirectory(); err != nil {
		h.fail(w, logger, stage, http.StatusInternalServerError, "Map storage unavailable", err)
		return
	}
	h.evict(logger)
	artifact := h.store.AllocateName()
	logger = logger.With(zap.String("artifact", artifact.Name))

	// Invoking. Waiting for a free renderer must leave time for a full
	// render inside the write deadline.
	stage = StageInvoking
	renderCtx := ctx
	if budget := h.cfg.RenderQueueBudget(); budget > 0 {
		var cancel context.CancelFunc
		renderCtx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}
	if err := h.renderer.Render(renderCtx, req, artifact.Path); err != nil {
		h.discard(logger, artifact)
		h.fail(w, logger, stage, http.StatusInternalServerError, h.renderFailureMessage(err), err)
		return
	}

	// Confirming
	stage = StageConfirming
	if !h.store.Exists(artifact.Path) {
		h.discard(logger, artifact)
		h.fail(w, logger, stage, http.StatusInternalServerError, "Map file was not generated", storage.ErrOutputMissing)
		return
	}

	// Responding
	stage = StageResponding
	metrics.RecordGeneration(string(stage), true)
	logger.Info("Map generated",
		zap.String("map_type", req.MapType),
		zap.Float64("scale", req.Scale),
		zap.String("url", artifact.URL))

	h.writeJSON(w, http.StatusOK, models.GenerateMapResponse{
		Success: true,
		MapURL:  artifact.URL,
	})
}

// fail ends the request in the Errored state
func (h *MapHandler) fail(w http.ResponseWriter, logger *zap.Logger, stage Stage, status int, message string, err error) {
	metrics.RecordGeneration(string(stage), false)

	fields := []zap.Field{
		zap.String("stage", string(stage)),
		zap.Int("status", status),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError && stage != StageValidating {
		logger.Error("Map generation failed", fields...)
	} else {
		logger.Info("Map generation rejected", fields...)
	}

	h.writeJSON(w, status, models.GenerateMapResponse{
		Success: false,
		Error:   message,
	})
}

// evict removes stale artifacts. Failures are logged and never block the request.
func (h *MapHandler) evict(logger *zap.Logger) {
	report, err := h.store.EvictStale(h.cfg.Storage.MaxAge)
	metrics.ArtifactsEvicted.Add(float64(report.Removed))
	if report.Failed > 0 {
		metrics.EvictionFailures.Add(float64(report.Failed))
	}
	if err != nil {
		metrics.EvictionFailures.Inc()
		logger.Warn("Failed to evict stale maps", zap.Error(err))
		return
	}
	if report.Removed > 0 || report.Failed > 0 {
		logger.Debug("Evicted stale maps",
			zap.Int("scanned", report.Scanned),
			zap.Int("removed", report.Removed),
			zap.Int("vanished", report.Vanished),
			zap.Int("failed", report.Failed))
	}
}

func (h *MapHandler) discard(logger *zap.Logger, artifact storage.Artifact) {
	if err := h.store.Discard(artifact.Path); err != nil {
		logger.Warn("Failed to remove partial map", zap.Error(err))
	}
}

func (h *MapHandler) renderFailureMessage(err error) string {
	const message = "Map generation failed"
	if !h.cfg.Renderer.ExposeErrors {
		return message
	}
	var renderErr *renderer.RenderError
	if errors.As(err, &renderErr) && renderErr.Detail != "" {
		return message + ": " + renderErr.Detail
	}
	return message + ": " + err.Error()
}

// clientID identifies the caller for rate limiting
func (h *MapHandler) clientID(r *http.Request) string {
	if h.cfg.Server.TrustProxy {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			first, _, _ := strings.Cut(forwarded, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *MapHandler) setRateLimitHeaders(ctx context.Context, w http.ResponseWriter, clientID string) {
	remaining, err := h.limiter.Remaining(ctx, clientID)
	if err != nil {
		h.logger.Debug("Failed to read remaining rate limit", zap.Error(err))
		remaining = 0
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.limiter.Limit()))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
}

// handleHealth handles GET /health
func (h *MapHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	response := map[string]interface{}{
		"status":  "healthy",
		"service": "mapgen",
		"version": "1.0.0",
	}

	if h.redis != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if h.redis.IsHealthy(ctx) {
			response["redis"] = "up"
		} else {
			response["redis"] = "down"
			response["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}
	}

	h.writeJSON(w, status, response)
}

// handleMapStyles handles GET /map-styles
func (h *MapHandler) handleMapStyles(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"styles": h.styles.List(),
	})
}

// handleArtifact serves a generated map. Only names the store allocates are served.
func (h *MapHandler) handleArtifact(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !storage.IsArtifactName(name) {
		http.NotFound(w, r)
		return
	}

	path := filepath.Join(h.store.Dir(), name)
	if !h.store.Exists(path) {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(int(h.cfg.Storage.MaxAge.Seconds())))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	http.ServeFile(w, r, path)
}

func (h *MapHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}
