// Package handlers exposes the agent's small operational HTTP surface:
// health, stats, inbound message ingestion, report requests and the
// manual broadcast-slot trigger.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/iago/wa-marketing-back/internal/broadcast"
	"github.com/iago/wa-marketing-back/internal/cache"
	"github.com/iago/wa-marketing-back/internal/http/middleware"
	"github.com/iago/wa-marketing-back/internal/service"
	"github.com/iago/wa-marketing-back/internal/tracker"
	"github.com/iago/wa-marketing-back/internal/worker"
)

var errInvalidPayload = errors.New("invalid payload")

type API struct {
	replies     *service.ReplyService
	reports     *service.ReportService
	broadcaster *broadcast.Broadcaster
	groupCache  *cache.GroupCache
	adTracker   *tracker.Tracker
	worker      *worker.Worker
}

func NewAPI(
	replies *service.ReplyService,
	reports *service.ReportService,
	broadcaster *broadcast.Broadcaster,
	groupCache *cache.GroupCache,
	adTracker *tracker.Tracker,
	backgroundWorker *worker.Worker,
) *API {
	return &API{
		replies:     replies,
		reports:     reports,
		broadcaster: broadcaster,
		groupCache:  groupCache,
		adTracker:   adTracker,
		worker:      backgroundWorker,
	}
}

func (api *API) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type inboundRequest struct {
	Key  string `json:"key"`
	Text string `json:"text"`
}

// Inbound feeds one raw chat message into the reply pipeline. The reply
// happens asynchronously; the endpoint only acknowledges buffering.
func (api *API) Inbound(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var request inboundRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_payload", "invalid payload")
		return
	}
	if strings.TrimSpace(request.Key) == "" || strings.TrimSpace(request.Text) == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_payload", "key and text are required")
		return
	}

	api.replies.HandleInbound(request.Key, request.Text)
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "buffered"})
}

type reportRequest struct {
	ContactID      string `json:"contact_id"`
	ConversationID string `json:"conversation_id"`
}

func (api *API) Reports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var request reportRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_payload", "invalid payload")
		return
	}

	job, err := api.reports.RequestReport(r.Context(), request.ContactID, request.ConversationID)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_payload", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id": job.ID,
		"status": string(job.Status),
	})
}

type broadcastRequest struct {
	Text               string `json:"text"`
	DeleteAfterMinutes int    `json:"delete_after_minutes"`
}

// Broadcast triggers one ad slot synchronously. The cron wiring that
// normally drives slots lives outside this service.
func (api *API) Broadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var request broadcastRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_payload", "invalid payload")
		return
	}

	report, err := api.broadcaster.RunSlot(r.Context(), broadcast.Campaign{
		Text:               request.Text,
		DeleteAfterMinutes: request.DeleteAfterMinutes,
	})
	if err != nil {
		writeError(w, r, http.StatusBadGateway, "broadcast_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"groups":  report.Groups,
		"sent":    report.Sent,
		"skipped": report.Skipped,
		"failed":  report.Failed,
	})
}

func (api *API) Stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	messageCounts, err := api.replies.Queue().Stats(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "stats_failed", err.Error())
		return
	}
	reportCounts, err := api.reports.Queue().Stats(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "stats_failed", err.Error())
		return
	}

	cacheEntries, storeAvailable := api.groupCache.Stats()
	messageErrors, reportErrors, cleanupErrors := api.worker.ErrorCounts()

	writeJSON(w, http.StatusOK, map[string]any{
		"queues": map[string]any{
			"message": messageCounts,
			"report":  reportCounts,
		},
		"cache": map[string]any{
			"entries":         cacheEntries,
			"store_available": storeAvailable,
		},
		"buffer": map[string]any{
			"active_keys": api.replies.Buffer().ActiveKeys(),
		},
		"tracker": map[string]any{
			"pending_ads": api.adTracker.Pending(),
		},
		"worker": map[string]any{
			"running": api.worker.Running(),
			"tick_errors": map[string]int64{
				"message": messageErrors,
				"report":  reportErrors,
				"cleanup": cleanupErrors,
			},
		},
	})
}

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	payload := errorPayload{RequestID: middleware.GetRequestID(r.Context())}
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, statusCode, payload)
}

func decodeJSON(r *http.Request, value any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(value); err != nil {
		return errInvalidPayload
	}
	return nil
}
