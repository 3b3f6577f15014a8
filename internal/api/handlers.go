// internal/api/handlers.go
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/VillagerBridge/internal/remote"
	"github.com/Corphon/VillagerBridge/internal/services"
	"github.com/Corphon/VillagerBridge/internal/storage"
	"github.com/Corphon/VillagerBridge/internal/utils"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500
)

// ScriptHistory lists stored versions of a group's script
type ScriptHistory interface {
	History(ctx context.Context, groupKey string, limit int) ([]storage.ScriptVersionRow, error)
}

// Handler serves the conversation and script endpoints
type Handler struct {
	coordinator *services.GroupCoordinator
	cache       *services.ScriptCache
	authority   remote.Authority
	history     ScriptHistory
	hub         *DisplayHub
	metrics     *utils.MetricsCollector
	rh          *ResponseHelper
	logger      *utils.Logger
	version     string
	startedAt   time.Time
}

// StartConversationRequest is the body of POST /api/conversations
type StartConversationRequest struct {
	GroupKey       string   `json:"groupKey"`
	ParticipantIDs []string `json:"participantIds"`
	Location       string   `json:"location"`
	ContextHint    string   `json:"contextHint"`
	ForceNew       bool     `json:"forceNew"`
}

// NewHandler builds a Handler from the router dependencies
func NewHandler(deps RouterDeps) *Handler {
	metrics := deps.Metrics
	if metrics == nil {
		metrics = utils.GetMetricsCollector()
	}
	return &Handler{
		coordinator: deps.Coordinator,
		cache:       deps.Cache,
		authority:   deps.Authority,
		history:     deps.History,
		hub:         deps.Hub,
		metrics:     metrics,
		rh:          NewResponseHelper(),
		logger:      utils.GetLogger(),
		version:     deps.Version,
		startedAt:   time.Now(),
	}
}

// StartConversation handles POST /api/conversations.
// 201 when a player started, 200 when one already runs or is starting,
// 502 when no script could be obtained.
func (h *Handler) StartConversation(c *gin.Context) {
	var req StartConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.rh.BadRequest(c, "invalid request body", err.Error())
		return
	}

	server, _ := GetServerFromContext(c)
	result, err := h.coordinator.StartConversation(c.Request.Context(), services.StartRequest{
		GroupKey:       req.GroupKey,
		ParticipantIDs: req.ParticipantIDs,
		Location:       req.Location,
		ContextHint:    req.ContextHint,
		ForceNew:       req.ForceNew,
	})
	if err != nil {
		h.rh.Error(c, http.StatusBadRequest, ErrorGroupRequired, err.Error())
		return
	}

	h.logger.Debug("start requested", map[string]interface{}{
		"group_key": result.GroupKey,
		"outcome":   string(result.Outcome),
		"server_id": server,
	})

	switch result.Outcome {
	case services.OutcomeStarted:
		h.rh.Created(c, result, "conversation started")
	case services.OutcomeFailed:
		h.rh.Error(c, http.StatusBadGateway, ErrorScriptUnavailable, "no script available for group", result.Reason)
	default:
		h.rh.Success(c, result)
	}
}

// StopConversation handles DELETE /api/conversations/:groupKey. Stopping an
// inactive group is not an error.
func (h *Handler) StopConversation(c *gin.Context) {
	key := c.Param("groupKey")
	stopped := h.coordinator.StopConversation(key)
	h.rh.Success(c, gin.H{"groupKey": key, "stopped": stopped})
}

// ListConversations handles GET /api/conversations
func (h *Handler) ListConversations(c *gin.Context) {
	groups := h.coordinator.ActiveGroups()
	h.rh.Success(c, gin.H{"count": len(groups), "groups": groups})
}

// GetScript handles GET /api/scripts/:groupKey
func (h *Handler) GetScript(c *gin.Context) {
	script, ok := h.cache.Get(c.Param("groupKey"))
	if !ok {
		h.rh.NotFound(c, "script")
		return
	}
	h.rh.Success(c, script)
}

// ScriptHistory handles GET /api/scripts/:groupKey/history?limit=N
func (h *Handler) ScriptHistory(c *gin.Context) {
	if h.history == nil {
		h.rh.Error(c, http.StatusServiceUnavailable, ErrorIndexDisabled, "script index is disabled")
		return
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			h.rh.Error(c, http.StatusBadRequest, ErrorInvalidLimit, "limit must be between 1 and "+strconv.Itoa(maxHistoryLimit))
			return
		}
		limit = n
	}

	rows, err := h.history.History(c.Request.Context(), c.Param("groupKey"), limit)
	if err != nil {
		h.rh.FromError(c, err)
		return
	}
	if rows == nil {
		rows = []storage.ScriptVersionRow{}
	}
	h.rh.Success(c, gin.H{"groupKey": c.Param("groupKey"), "versions": rows})
}

// RefreshScripts handles POST /api/scripts/refresh
func (h *Handler) RefreshScripts(c *gin.Context) {
	report := h.cache.RefreshAll(c.Request.Context(), h.authority)
	h.rh.Success(c, report)
}

// GetMetrics handles GET /api/metrics
func (h *Handler) GetMetrics(c *gin.Context) {
	data := h.metrics.GetMetrics()
	data["cache"] = h.cache.Stats()
	data["active_conversations"] = h.coordinator.ActiveCount()
	if h.hub != nil {
		data["display"] = h.hub.GetStatus()
	}
	h.rh.Success(c, data)
}

// Health handles GET /api/health
func (h *Handler) Health(c *gin.Context) {
	h.rh.Success(c, gin.H{
		"status":               "ok",
		"version":              h.version,
		"uptime_seconds":       int64(time.Since(h.startedAt).Seconds()),
		"active_conversations": h.coordinator.ActiveCount(),
		"cache":                h.cache.Stats(),
	})
}

// DisplayStatus handles GET /api/ws/status
func (h *Handler) DisplayStatus(c *gin.Context) {
	if h.hub == nil {
		h.rh.Error(c, http.StatusServiceUnavailable, ErrorServiceUnavailable, "display hub is disabled")
		return
	}
	h.rh.Success(c, h.hub.GetStatus())
}
