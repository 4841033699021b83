package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	httpSwagger "github.com/swaggo/http-swagger"

	_ "school-messaging/internal/api/docs"
	"school-messaging/internal/auth"
	"school-messaging/internal/dispatch"
	"school-messaging/internal/manager"
	"school-messaging/internal/metrics"
	"school-messaging/internal/model"
	"school-messaging/internal/session"
)

const (
	maxBroadcastRecipients = 5000
	maxOutboundWorkers     = 64
)

func (a *API) Router() http.Handler {
	a.Routers.Use(middleware.RequestID)
	a.Routers.Use(middleware.Recoverer)
	a.Routers.Use(requestLogger)

	// Public
	a.Routers.Get("/healthz", a.Health)
	a.Routers.Handle("/metrics", metrics.Handler())
	a.Routers.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))

	// Secured
	a.Routers.Group(func(r chi.Router) {
		r.Use(a.Auth.Middleware)

		r.Post("/session", a.InitSession)
		r.Get("/session", a.GetSession)
		r.Get("/session/qr", a.SessionQR)
		r.Delete("/session", a.TeardownSession)

		r.Post("/messages", a.SendMessage)
		r.Get("/messages", a.ListMessages)
		r.Post("/broadcasts", a.CreateBroadcast)
		r.Put("/broadcasts/concurrency", a.UpdateConcurrency)
		r.Get("/quota", a.GetQuota)
	})

	return a.Routers
}

type SendRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

type BroadcastRequest struct {
	Recipients []string `json:"recipients"`
	Body       string   `json:"body"`
	Queued     bool     `json:"queued"`
}

type QueuedBroadcast struct {
	BroadcastID string `json:"broadcast_id"`
	Queued      int    `json:"queued"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// ResultStatus maps a classified send outcome to an HTTP status.
func ResultStatus(res dispatch.Result) int {
	switch res.Code {
	case dispatch.CodeOK:
		return http.StatusOK
	case dispatch.CodeNotReady, dispatch.CodeNotConnected:
		return http.StatusConflict
	case dispatch.CodeQuotaExceeded:
		return http.StatusTooManyRequests
	case dispatch.CodeInvalidRecipient:
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// @Summary Start a messaging session
// @Description Fire-and-observe: returns 202 once accepted; poll GET /session for progress.
// @Tags Session
// @Security ApiKeyAuth
// @Produce json
// @Param wait query bool false "Wait for the attempt to settle"
// @Success 202 {object} model.TenantSession
// @Success 200 {object} model.TenantSession
// @Failure 403 {object} errorResponse
// @Router /session [post]
func (a *API) InitSession(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.GetTenantID(r)
	entry := log.WithField("tenant", tenantID)

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		s, err := a.Sessions.InitializeAndWait(r.Context(), tenantID)
		if err != nil {
			a.initError(w, tenantID, err)
			return
		}
		writeJSON(w, http.StatusOK, s)
		return
	}

	if err := a.Sessions.Initialize(r.Context(), tenantID); err != nil {
		a.initError(w, tenantID, err)
		return
	}
	s, err := a.Sessions.Status(r.Context(), tenantID)
	if err != nil {
		entry.WithError(err).Error("failed to read session after initialize")
		writeError(w, http.StatusInternalServerError, "session status unavailable")
		return
	}
	entry.Info("API: session initialize accepted")
	writeJSON(w, http.StatusAccepted, s)
}

func (a *API) initError(w http.ResponseWriter, tenantID string, err error) {
	entry := log.WithField("tenant", tenantID).WithError(err)
	switch {
	case errors.Is(err, session.ErrNotApproved):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, session.ErrClientStart):
		entry.Warn("API: connection client failed to start")
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		entry.Error("API: session initialize failed")
		writeError(w, http.StatusInternalServerError, "failed to initialize session")
	}
}

// @Summary Current messaging session
// @Tags Session
// @Security ApiKeyAuth
// @Produce json
// @Success 200 {object} model.TenantSession
// @Router /session [get]
func (a *API) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := a.Sessions.Status(r.Context(), auth.GetTenantID(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "session status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// @Summary Pairing page
// @Tags Session
// @Security ApiKeyAuth
// @Produce html
// @Success 200 {string} string
// @Router /session/qr [get]
func (a *API) SessionQR(w http.ResponseWriter, r *http.Request) {
	s, err := a.Sessions.Status(r.Context(), auth.GetTenantID(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "session status unavailable")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := renderPairingPage(w, s); err != nil {
		log.WithError(err).Warn("failed to render pairing page")
	}
}

// @Summary Tear down the messaging session
// @Description Also stops the tenant's outbound queue; queued broadcasts not yet sent are dropped.
// @Tags Session
// @Security ApiKeyAuth
// @Success 204
// @Router /session [delete]
func (a *API) TeardownSession(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.GetTenantID(r)
	if err := a.Sessions.Teardown(r.Context(), tenantID); err != nil {
		log.WithError(err).WithField("tenant", tenantID).Error("API: teardown failed")
		writeError(w, http.StatusInternalServerError, "failed to tear down session")
		return
	}
	if a.Queue != nil {
		if err := a.Queue.RemoveTenant(tenantID); err != nil {
			log.WithError(err).WithField("tenant", tenantID).Warn("API: failed to remove outbound pipeline")
		}
	}
	log.WithField("tenant", tenantID).Info("API: session torn down")
	w.WriteHeader(http.StatusNoContent)
}

// @Summary Send one message
// @Tags Messages
// @Security ApiKeyAuth
// @Accept json
// @Produce json
// @Param body body SendRequest true "Recipient and body"
// @Success 200 {object} dispatch.Result
// @Failure 409 {object} dispatch.Result
// @Failure 429 {object} dispatch.Result
// @Router /messages [post]
func (a *API) SendMessage(w http.ResponseWriter, r *http.Request) {
	var body SendRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}
	if body.To == "" || body.Body == "" {
		writeError(w, http.StatusBadRequest, "to and body are required")
		return
	}

	res := a.Messenger.Send(r.Context(), auth.GetTenantID(r), body.To, body.Body)
	writeJSON(w, ResultStatus(res), res)
}

// @Summary List journaled messages
// @Tags Messages
// @Security ApiKeyAuth
// @Produce json
// @Param cursor query string false "Pagination cursor"
// @Success 200 {object} map[string]interface{}
// @Router /messages [get]
func (a *API) ListMessages(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.GetTenantID(r)
	cursorStr := r.URL.Query().Get("cursor")

	messages, nextCursor, err := a.Messages.ListMessagesPaginated(r.Context(), tenantID, cursorStr, a.PageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if messages == nil {
		messages = []model.Message{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":        messages,
		"next_cursor": nextCursor,
	})
}

// @Summary Broadcast a message
// @Description Sends directly, or with queued=true publishes one job per recipient.
// @Tags Messages
// @Security ApiKeyAuth
// @Accept json
// @Produce json
// @Param body body BroadcastRequest true "Recipients and body"
// @Success 200 {object} dispatch.BroadcastReport
// @Success 202 {object} QueuedBroadcast
// @Failure 429 {object} dispatch.BroadcastReport
// @Failure 503 {object} dispatch.BroadcastReport
// @Router /broadcasts [post]
func (a *API) CreateBroadcast(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.GetTenantID(r)
	var body BroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}
	if body.Body == "" || len(body.Recipients) == 0 {
		writeError(w, http.StatusBadRequest, "recipients and body are required")
		return
	}
	if len(body.Recipients) > maxBroadcastRecipients {
		writeError(w, http.StatusBadRequest, "too many recipients")
		return
	}

	if body.Queued {
		if a.Queue == nil {
			writeError(w, http.StatusServiceUnavailable, "queued broadcasts are disabled")
			return
		}
		id, n, err := a.Queue.Enqueue(r.Context(), tenantID, body.Recipients, body.Body)
		if err != nil {
			log.WithError(err).WithField("tenant", tenantID).Error("API: failed to queue broadcast")
			writeError(w, http.StatusInternalServerError, "failed to queue broadcast")
			return
		}
		writeJSON(w, http.StatusAccepted, QueuedBroadcast{BroadcastID: id.String(), Queued: n})
		return
	}

	report := a.Messenger.Broadcast(r.Context(), tenantID, body.Recipients, body.Body)
	writeJSON(w, BroadcastStatus(report), report)
}

// BroadcastStatus maps a direct broadcast report to an HTTP status.
func BroadcastStatus(report dispatch.BroadcastReport) int {
	switch {
	case report.Unavailable:
		return http.StatusServiceUnavailable
	case report.Denied:
		return http.StatusTooManyRequests
	default:
		return http.StatusOK
	}
}

type ConcurrencyConfig struct {
	Workers int `json:"workers"`
}

// @Summary Update outbound worker concurrency
// @Description Resizes the worker pool that drains the tenant's queued broadcasts.
// @Tags Messages
// @Security ApiKeyAuth
// @Accept json
// @Param body body ConcurrencyConfig true "Worker count"
// @Success 204
// @Failure 404 {object} errorResponse
// @Router /broadcasts/concurrency [put]
func (a *API) UpdateConcurrency(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.GetTenantID(r)
	if a.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, "queued broadcasts are disabled")
		return
	}

	var body ConcurrencyConfig
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}
	if body.Workers < 1 || body.Workers > maxOutboundWorkers {
		writeError(w, http.StatusBadRequest, "workers must be between 1 and "+strconv.Itoa(maxOutboundWorkers))
		return
	}

	err := a.Queue.SetWorkerCount(tenantID, body.Workers)
	switch {
	case errors.Is(err, manager.ErrUnknownTenant):
		writeError(w, http.StatusNotFound, "no outbound pipeline for tenant")
		return
	case err != nil:
		log.WithError(err).WithField("tenant", tenantID).Error("API: failed to resize outbound workers")
		writeError(w, http.StatusInternalServerError, "failed to update concurrency")
		return
	}
	log.WithFields(log.Fields{"tenant": tenantID, "workers": body.Workers}).Info("API: outbound concurrency updated")
	w.WriteHeader(http.StatusNoContent)
}

// @Summary Monthly messaging quota
// @Tags Messages
// @Security ApiKeyAuth
// @Produce json
// @Success 200 {object} model.QuotaUsage
// @Router /quota [get]
func (a *API) GetQuota(w http.ResponseWriter, r *http.Request) {
	q, err := a.Quota.QuotaUsage(r.Context(), auth.GetTenantID(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "quota unavailable")
		return
	}
	writeJSON(w, http.StatusOK, q)
}
