package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atvirokodosprendimai/benesync/internal/core/domain"
	"github.com/atvirokodosprendimai/benesync/internal/core/ports"
	"github.com/atvirokodosprendimai/benesync/internal/core/usecase"
)

type ctxKey string

const (
	timeFormat             = "2006-01-02T15:04:05.999999999Z07:00"
	apiActorCtxKey  ctxKey = "api_actor"
	maxJSONBodySize        = 1 << 20
)

type Handler struct {
	engine       *usecase.Engine
	internalSync *usecase.InternalSyncService
	externalSync *usecase.ExternalSyncService
	authService  *usecase.AuthService
	configs      ports.SyncConfigRepository
	entities     ports.EntityStore
	events       ports.EventStore
	metrics      http.Handler
}

func NewHandler(
	engine *usecase.Engine,
	internalSync *usecase.InternalSyncService,
	externalSync *usecase.ExternalSyncService,
	authService *usecase.AuthService,
	configs ports.SyncConfigRepository,
	entities ports.EntityStore,
	events ports.EventStore,
	metrics http.Handler,
) *Handler {
	return &Handler{
		engine:       engine,
		internalSync: internalSync,
		externalSync: externalSync,
		authService:  authService,
		configs:      configs,
		entities:     entities,
		events:       events,
		metrics:      metrics,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", h.healthz)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Group(func(pr chi.Router) {
		pr.Use(h.requireAPIKey)
		pr.Post("/v1/events", h.submitEvent)
		pr.Get("/v1/entities/{guid}", h.getEntity)

		pr.Get("/v1/potential-duplicates", h.listDuplicates)
		pr.Post("/v1/potential-duplicates/resolve", h.resolveDuplicate)

		pr.Get("/v1/sync/pull", h.syncPull)
		pr.Post("/v1/sync/push", h.syncPush)
		pr.Get("/v1/sync/audit", h.auditPull)
		pr.Post("/v1/sync/audit", h.auditPush)
		pr.Post("/v1/sync/external/{configID}", h.externalSyncRun)

		pr.Get("/v1/integrity/digest", h.integrityDigest)
		pr.Get("/v1/integrity/proof", h.integrityProof)
	})

	return r
}

type eventRequest struct {
	Guid       string         `json:"guid"`
	EntityGuid string         `json:"entityGuid"`
	Type       string         `json:"type"`
	Data       map[string]any `json:"data"`
	Timestamp  string         `json:"timestamp"`
	UserID     string         `json:"userId"`
	SyncLevel  int            `json:"syncLevel"`
}

type pullResponse struct {
	Events     []domain.Event `json:"events"`
	NextCursor string         `json:"nextCursor"`
	Error      string         `json:"error,omitempty"`
}

type pushRequest struct {
	Events   []eventRequest `json:"events"`
	ConfigID string         `json:"configId"`
}

type resolveRequest struct {
	EntityGuid    string `json:"entityGuid"`
	DuplicateGuid string `json:"duplicateGuid"`
	ShouldDelete  bool   `json:"shouldDelete"`
}

type auditPushRequest struct {
	Entries []domain.AuditLogEntry `json:"entries"`
}

func (h *Handler) submitEvent(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeEventRequest(w, r)
	if !ok {
		return
	}

	ev, err := toDomainEvent(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if ev.UserID == "" {
		ev.UserID = actorFromContext(r.Context())
	}

	entity, err := h.engine.Submit(r.Context(), ev)
	if err != nil {
		handleDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "entity": entity})
}

func (h *Handler) getEntity(w http.ResponseWriter, r *http.Request) {
	guid := chi.URLParam(r, "guid")

	pair, err := h.entities.Get(r.Context(), guid)
	if err != nil {
		handleDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, pair.Current())
}

func (h *Handler) listDuplicates(w http.ResponseWriter, r *http.Request) {
	pairs, err := h.entities.ListDuplicates(r.Context())
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"duplicates": pairs})
}

// resolveDuplicate routes through the engine as a resolve-duplicate event
// so the decision is logged, audited and replayable like any other
// mutation.
func (h *Handler) resolveDuplicate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	var req resolveRequest
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := ensureEOF(decoder); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	entity, err := h.engine.Submit(r.Context(), domain.Event{
		EntityGuid: req.EntityGuid,
		Type:       domain.EventResolveDuplicate,
		Data: map[string]any{
			"duplicateGuid": req.DuplicateGuid,
			"shouldDelete":  req.ShouldDelete,
		},
		UserID: actorFromContext(r.Context()),
	})
	if err != nil {
		handleDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "entity": entity})
}

// syncPull serves one page of the event log. A refusal caused by
// unresolved duplicates is not an HTTP failure: clients get an empty page
// with the error field set so they surface it to the reviewing user.
// The cursor arrives as either cursor or since; since also accepts a bare
// RFC3339 timestamp. A configId selects the page-size override when no
// explicit pageSize is given.
func (h *Handler) syncPull(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("cursor")
	if raw == "" {
		raw = r.URL.Query().Get("since")
	}
	cursor, err := domain.ParseCursor(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pageSize, ok := parsePageSize(w, r)
	if !ok {
		return
	}
	if pageSize == 0 {
		if configID := r.URL.Query().Get("configId"); configID != "" {
			cfg, err := h.configs.Get(r.Context(), configID)
			if err != nil {
				handleDomainError(w, err)
				return
			}
			pageSize = cfg.EffectivePageSize()
		}
	}

	page, err := h.internalSync.PullEvents(r.Context(), cursor, pageSize)
	if err != nil {
		if errors.Is(err, domain.ErrDuplicatesOutstanding) {
			writeJSON(w, http.StatusOK, pullResponse{Events: []domain.Event{}, Error: err.Error()})
			return
		}
		handleDomainError(w, err)
		return
	}

	resp := pullResponse{Events: page.Events, NextCursor: page.NextCursor.String()}
	if resp.Events == nil {
		resp.Events = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) syncPush(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
	decoder := json.NewDecoder(r.Body)
	var req pushRequest
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := ensureEOF(decoder); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	events := make([]domain.Event, 0, len(req.Events))
	for _, raw := range req.Events {
		ev, err := toDomainEvent(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		events = append(events, ev)
	}

	outcome := h.internalSync.PushEvents(r.Context(), events)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"applied": outcome.Applied,
		"failed":  outcome.Failed,
	})
}

func (h *Handler) auditPull(w http.ResponseWriter, r *http.Request) {
	since := time.Time{}
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = parsed
	}

	entries, err := h.internalSync.AuditSince(r.Context(), since)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []domain.AuditLogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) auditPush(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
	decoder := json.NewDecoder(r.Body)
	var req auditPushRequest
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := ensureEOF(decoder); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	if err := h.internalSync.AcceptAudit(r.Context(), req.Entries); err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "accepted": len(req.Entries)})
}

func (h *Handler) externalSyncRun(w http.ResponseWriter, r *http.Request) {
	configID := chi.URLParam(r, "configID")

	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
	var creds domain.Credentials
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&creds); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	report, err := h.externalSync.Sync(r.Context(), configID, creds)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "report": report})
}

func (h *Handler) integrityDigest(w http.ResponseWriter, r *http.Request) {
	digest, err := h.events.CurrentDigest(r.Context())
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"digest": digest})
}

func (h *Handler) integrityProof(w http.ResponseWriter, r *http.Request) {
	eventGuid := strings.TrimSpace(r.URL.Query().Get("event"))
	if eventGuid == "" {
		writeError(w, http.StatusBadRequest, "event query parameter is required")
		return
	}

	proof, err := h.events.Proof(r.Context(), eventGuid)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	digest, err := h.events.CurrentDigest(r.Context())
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"event": eventGuid, "digest": digest, "proof": proof})
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(r.Header.Get("X-API-Key"))
		if token == "" {
			auth := strings.TrimSpace(r.Header.Get("Authorization"))
			if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
				token = strings.TrimSpace(auth[7:])
			}
		}

		apiKey, err := h.authService.Authenticate(r.Context(), token)
		if err != nil {
			if errors.Is(err, domain.ErrUnauthorized) {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		ctx := context.WithValue(r.Context(), apiActorCtxKey, apiKey.Name)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func decodeEventRequest(w http.ResponseWriter, r *http.Request) (eventRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	var req eventRequest
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return eventRequest{}, false
	}
	if err := ensureEOF(decoder); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return eventRequest{}, false
	}
	return req, true
}

func toDomainEvent(req eventRequest) (domain.Event, error) {
	ev := domain.Event{
		Guid:       req.Guid,
		EntityGuid: req.EntityGuid,
		Type:       req.Type,
		Data:       req.Data,
		UserID:     req.UserID,
		SyncLevel:  domain.SyncLevel(req.SyncLevel),
	}
	if req.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, req.Timestamp)
		if err != nil {
			return domain.Event{}, errors.New("timestamp must be RFC3339")
		}
		ev.Timestamp = ts.UTC()
	}
	return ev, nil
}

func parsePageSize(w http.ResponseWriter, r *http.Request) (int, bool) {
	pageSize := 0
	if raw := r.URL.Query().Get("pageSize"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "pageSize must be integer")
			return 0, false
		}
		pageSize = parsed
	}
	return pageSize, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		log.Printf("encode json response: %v", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(data, '\n')); err != nil {
		log.Printf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

func handleDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrNotGroup),
		errors.Is(err, domain.ErrMissingMember),
		errors.Is(err, domain.ErrUnsupportedEventType):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrDuplicatesOutstanding):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	default:
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func ensureEOF(decoder *json.Decoder) error {
	var extra json.RawMessage
	if err := decoder.Decode(&extra); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	return errors.New("extra json tokens")
}

func actorFromContext(ctx context.Context) string {
	actor, _ := ctx.Value(apiActorCtxKey).(string)
	if actor == "" {
		return "api"
	}
	return actor
}
