package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/thedreamerscave/clubsync/internal/syncengine"
)

type SyncService interface {
	OnEntityChanged(ctx context.Context, ref syncengine.EntityRef) ([]syncengine.SyncState, error)
	TriggerManualSync(ctx context.Context, ref syncengine.EntityRef, target syncengine.SyncTarget) ([]syncengine.SyncState, error)
	GetSyncStatus(ctx context.Context, ref syncengine.EntityRef) ([]syncengine.SyncState, error)
	ListFailed(ctx context.Context, limit int) ([]syncengine.SyncState, error)
	HealthCheck(ctx context.Context) []syncengine.TargetHealth
}

type WebhookService interface {
	Ingest(ctx context.Context, req syncengine.WebhookRequest) (syncengine.WebhookResult, error)
}

type NotificationService interface {
	List(ctx context.Context, filter syncengine.NotificationFilter) ([]syncengine.Notification, error)
	Cancel(ctx context.Context, id string) (syncengine.Notification, error)
	Retry(ctx context.Context, id string) (syncengine.Notification, error)
}

type LogService interface {
	List(ctx context.Context, filter syncengine.LogFilter) ([]syncengine.IntegrationLogEntry, error)
	Subscribe(buffer int) (<-chan syncengine.IntegrationLogEntry, func())
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Services are the engine components the API exposes. Nil members turn
// their routes into 503s.
type Services struct {
	Sync          SyncService
	Webhooks      WebhookService
	Notifications NotificationService
	Log           LogService
	Store         Pinger
	Metrics       http.Handler
}

type ServerConfig struct {
	JWTSecret          string
	InternalHMACSecret string
	InternalMaxSkew    time.Duration
	RateLimitMax       int
	RateLimitWindow    time.Duration
	MaxBodyBytes       int64
	Logger             logrus.FieldLogger
}

type Server struct {
	svc                Services
	cfg                ServerConfig
	logger             logrus.FieldLogger
	rateLimiter        *rateLimiter
	internalReplayMu   sync.Mutex
	internalReplaySeen map[string]time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(svc Services, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.InternalHMACSecret == "" {
		cfg.InternalHMACSecret = "dev-internal-secret"
	}
	if cfg.InternalMaxSkew == 0 {
		cfg.InternalMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		svc:                svc,
		cfg:                cfg,
		logger:             logger.WithField("component", "httpapi"),
		rateLimiter:        limiter,
		internalReplaySeen: map[string]time.Time{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	case r.URL.Path == "/health/full" && r.Method == http.MethodGet:
		s.handleHealthFull(w, r)
		return
	case r.URL.Path == "/metrics" && r.Method == http.MethodGet:
		if s.svc.Metrics == nil {
			writeError(w, http.StatusNotFound, "not_found", "metrics disabled", getCorrelationID(r))
			return
		}
		s.svc.Metrics.ServeHTTP(w, r)
		return
	case r.URL.Path == "/v1/internal/entity-changes" && r.Method == http.MethodPost:
		s.handleInternalEntityChange(w, r)
		return
	case r.URL.Path == "/v1/admin/stream" && r.Method == http.MethodGet:
		s.handleAdminStream(w, r)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) == 3 && parts[0] == "v1" && parts[1] == "webhooks" && r.Method == http.MethodPost {
		s.handleWebhook(w, r, parts[2])
		return
	}
	if len(parts) < 3 || parts[0] != "v1" || parts[1] != "admin" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 4 && parts[2] == "sync" && parts[3] == "failed" && r.Method == http.MethodGet:
		requiredScope = scopeSyncRead
		route = "sync_failed"
	case len(parts) == 5 && parts[2] == "sync" && r.Method == http.MethodGet:
		requiredScope = scopeSyncRead
		route = "sync_status"
	case len(parts) == 6 && parts[2] == "sync" && parts[5] == "trigger" && r.Method == http.MethodPost:
		requiredScope = scopeSyncTrigger
		route = "sync_trigger"
	case len(parts) == 3 && parts[2] == "log" && r.Method == http.MethodGet:
		requiredScope = scopeSyncRead
		route = "log"
	case len(parts) == 3 && parts[2] == "notifications" && r.Method == http.MethodGet:
		requiredScope = scopeSyncRead
		route = "notifications"
	case len(parts) == 5 && parts[2] == "notifications" && parts[4] == "cancel" && r.Method == http.MethodPost:
		requiredScope = scopeNotificationsWrite
		route = "notification_cancel"
	case len(parts) == 5 && parts[2] == "notifications" && parts[4] == "retry" && r.Method == http.MethodPost:
		requiredScope = scopeNotificationsWrite
		route = "notification_retry"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope)
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(claims.Subject, time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch route {
	case "sync_failed":
		s.handleSyncFailed(w, r, correlationID)
	case "sync_status":
		s.handleSyncStatus(w, r, parts[3], parts[4], correlationID)
	case "sync_trigger":
		s.handleSyncTrigger(w, r, parts[3], parts[4], correlationID)
	case "log":
		s.handleLog(w, r, correlationID)
	case "notifications":
		s.handleNotifications(w, r, correlationID)
	case "notification_cancel":
		s.handleNotificationAction(w, r, parts[3], "cancel", correlationID)
	case "notification_retry":
		s.handleNotificationAction(w, r, parts[3], "retry", correlationID)
	}
}

func (s *Server) handleHealthFull(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	components := map[string]any{}
	status, code := "ok", http.StatusOK
	if s.svc.Store != nil {
		if err := s.svc.Store.Ping(ctx); err != nil {
			components["store"] = map[string]any{"healthy": false, "error": err.Error()}
			status, code = "unavailable", http.StatusServiceUnavailable
		} else {
			components["store"] = map[string]any{"healthy": true}
		}
	}
	if s.svc.Sync != nil {
		targets := s.svc.Sync.HealthCheck(ctx)
		for _, target := range targets {
			if !target.Healthy && code == http.StatusOK {
				status = "degraded"
			}
		}
		components["targets"] = targets
	}
	writeJSON(w, code, map[string]any{"status": status, "components": components})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request, provider string) {
	correlationID := getCorrelationID(r)
	if s.svc.Webhooks == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "webhook ingestion disabled", correlationID)
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	result, err := s.svc.Webhooks.Ingest(r.Context(), syncengine.WebhookRequest{
		Provider: provider,
		Header:   r.Header,
		Body:     body,
	})
	if err != nil {
		switch {
		case errors.Is(err, syncengine.ErrSignatureInvalid):
			writeError(w, http.StatusUnauthorized, "invalid_signature", "webhook signature invalid", correlationID)
		case errors.Is(err, syncengine.ErrPayloadInvalid):
			writeError(w, http.StatusBadRequest, "invalid_payload", err.Error(), correlationID)
		case errors.Is(err, syncengine.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", "unknown webhook provider", correlationID)
		default:
			s.logger.WithError(err).WithField("provider", provider).Error("webhook ingestion failed")
			writeError(w, http.StatusInternalServerError, "internal_error", "webhook ingestion failed", correlationID)
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type entityChangeRequest struct {
	Entity string                `json:"entity"`
	Kind   syncengine.EntityKind `json:"kind"`
	ID     string                `json:"id"`
}

func (r entityChangeRequest) ref() (syncengine.EntityRef, error) {
	if strings.TrimSpace(r.Entity) != "" {
		return syncengine.ParseEntityRef(r.Entity)
	}
	ref := syncengine.EntityRef{Kind: r.Kind, ID: strings.TrimSpace(r.ID)}
	if !ref.Valid() {
		return syncengine.EntityRef{}, syncengine.ErrInvalidInput
	}
	return ref, nil
}

func (s *Server) handleInternalEntityChange(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	now := time.Now().UTC()
	if authErr := verifyInternalHMAC(
		s.cfg.InternalHMACSecret,
		r.Header.Get("X-Clubsync-Timestamp"),
		r.Header.Get("X-Clubsync-Signature"),
		body,
		now,
		s.cfg.InternalMaxSkew,
	); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.markInternalReplaySeen(r.Header.Get("X-Clubsync-Timestamp"), r.Header.Get("X-Clubsync-Signature"), now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "internal request replay detected", correlationID)
		return
	}
	if s.svc.Sync == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "sync disabled", correlationID)
		return
	}

	var req entityChangeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	ref, err := req.ref()
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid entity reference", correlationID)
		return
	}
	states, err := s.svc.Sync.OnEntityChanged(r.Context(), ref)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"entity":        ref.String(),
		"states":        states,
		"correlationId": correlationID,
	})
}

func (s *Server) handleSyncFailed(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.svc.Sync == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "sync disabled", correlationID)
		return
	}
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	states, err := s.svc.Sync.ListFailed(r.Context(), limit)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": states})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request, kind, id, correlationID string) {
	if s.svc.Sync == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "sync disabled", correlationID)
		return
	}
	ref := syncengine.EntityRef{Kind: syncengine.EntityKind(kind), ID: id}
	if !ref.Valid() {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid entity reference", correlationID)
		return
	}
	states, err := s.svc.Sync.GetSyncStatus(r.Context(), ref)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entity": ref.String(), "states": states})
}

func (s *Server) handleSyncTrigger(w http.ResponseWriter, r *http.Request, kind, id, correlationID string) {
	if s.svc.Sync == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "sync disabled", correlationID)
		return
	}
	ref := syncengine.EntityRef{Kind: syncengine.EntityKind(kind), ID: id}
	if !ref.Valid() {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid entity reference", correlationID)
		return
	}
	var target syncengine.SyncTarget
	if raw := strings.TrimSpace(r.URL.Query().Get("target")); raw != "" {
		parsed, err := syncengine.ParseSyncTarget(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
			return
		}
		target = parsed
	}
	states, err := s.svc.Sync.TriggerManualSync(r.Context(), ref, target)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"entity":        ref.String(),
		"states":        states,
		"correlationId": correlationID,
	})
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.svc.Log == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "integration log disabled", correlationID)
		return
	}
	filter, err := logFilterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	entries, err := s.svc.Log.List(r.Context(), filter)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func logFilterFromQuery(r *http.Request) (syncengine.LogFilter, error) {
	query := r.URL.Query()
	filter := syncengine.LogFilter{
		Action: syncengine.LogAction(strings.TrimSpace(query.Get("action"))),
		Status: syncengine.LogStatus(strings.TrimSpace(query.Get("status"))),
		Limit:  parseBoundedInt(query.Get("limit"), 100, 1, 1000),
	}
	if raw := strings.TrimSpace(query.Get("entity")); raw != "" {
		ref, err := syncengine.ParseEntityRef(raw)
		if err != nil {
			return syncengine.LogFilter{}, err
		}
		filter.Entity = &ref
	}
	if raw := strings.TrimSpace(query.Get("target")); raw != "" {
		target, err := syncengine.ParseSyncTarget(raw)
		if err != nil {
			return syncengine.LogFilter{}, err
		}
		filter.Target = target
	}
	return filter, nil
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.svc.Notifications == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "notifications disabled", correlationID)
		return
	}
	status := syncengine.NotificationStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	switch status {
	case "", syncengine.NotificationPending, syncengine.NotificationSending, syncengine.NotificationSent,
		syncengine.NotificationFailed, syncengine.NotificationCancelled:
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "unknown notification status", correlationID)
		return
	}
	items, err := s.svc.Notifications.List(r.Context(), syncengine.NotificationFilter{
		Status: status,
		Limit:  parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000),
	})
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleNotificationAction(w http.ResponseWriter, r *http.Request, id, action, correlationID string) {
	if s.svc.Notifications == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "notifications disabled", correlationID)
		return
	}
	var (
		n   syncengine.Notification
		err error
	)
	if action == "cancel" {
		n, err = s.svc.Notifications.Cancel(r.Context(), id)
	} else {
		n, err = s.svc.Notifications.Retry(r.Context(), id)
	}
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, syncengine.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, syncengine.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, syncengine.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error(), correlationID)
	case errors.Is(err, syncengine.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "queue_full", err.Error(), correlationID)
	default:
		s.logger.WithError(err).WithField("correlation_id", correlationID).Error("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func (s *Server) markInternalReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	window := s.cfg.InternalMaxSkew
	if window <= 0 {
		window = 5 * time.Minute
	}
	s.internalReplayMu.Lock()
	defer s.internalReplayMu.Unlock()
	for replayKey, expiresAt := range s.internalReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.internalReplaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.internalReplaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.internalReplaySeen[key] = now.Add(window)
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
