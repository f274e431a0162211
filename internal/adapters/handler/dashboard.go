package handler

import (
	"log/slog"
	"math"
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"channelhub/internal/core/ports"
)

// DashboardHandler serves the inbox read APIs and operational endpoints.
type DashboardHandler struct {
	conversations ports.ConversationRepository
	messages      ports.MessageRepository
	analytics     ports.AnalyticsRepository

	version   string
	startTime time.Time
}

// NewDashboardHandler creates a new dashboard handler instance.
func NewDashboardHandler(
	conversations ports.ConversationRepository,
	messages ports.MessageRepository,
	analytics ports.AnalyticsRepository,
	version string,
) *DashboardHandler {
	return &DashboardHandler{
		conversations: conversations,
		messages:      messages,
		analytics:     analytics,
		version:       version,
		startTime:     time.Now(),
	}
}

// ============================================================================
// Inbox read APIs
// ============================================================================

// HandleConversations returns the caller's conversations.
// GET /api/conversations
func (h *DashboardHandler) HandleConversations(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, err := identity(r)
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	convs, err := h.conversations.ListConversations(r.Context(), tenantID, userID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteSuccess(w, convs)
}

// HandleConversationMessages returns one conversation's messages.
// GET /api/conversations/{id}/messages
func (h *DashboardHandler) HandleConversationMessages(w http.ResponseWriter, r *http.Request) {
	tenantID, _, err := identity(r)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	conversationID, err := pathID(r, "id")
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	// Visibility check first so a foreign id reads as missing.
	if _, err := h.conversations.GetConversation(r.Context(), tenantID, conversationID); err != nil {
		WriteDomainError(w, err)
		return
	}
	msgs, err := h.messages.ListByConversation(r.Context(), tenantID, conversationID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteSuccess(w, msgs)
}

// HandleMarkRead flips a conversation to read.
// POST /api/conversations/{id}/read
func (h *DashboardHandler) HandleMarkRead(w http.ResponseWriter, r *http.Request) {
	tenantID, _, err := identity(r)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	conversationID, err := pathID(r, "id")
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	if err := h.conversations.MarkRead(r.Context(), tenantID, conversationID); err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteSuccess(w, map[string]any{"conversation_id": conversationID, "status": "read"})
}

// HandleAnalytics returns the caller's usage counters.
// GET /api/analytics
func (h *DashboardHandler) HandleAnalytics(w http.ResponseWriter, r *http.Request) {
	tenantID, userID, err := identity(r)
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	counters, err := h.analytics.GetAnalytics(r.Context(), tenantID, userID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteSuccess(w, counters)
}

// ============================================================================
// System Health & Metrics
// ============================================================================

// SystemMetricsResponse represents system health data.
type SystemMetricsResponse struct {
	CPUPercent      float64 `json:"cpu_percent"`
	RAMUsedGB       float64 `json:"ram_used_gb"`
	RAMTotalGB      float64 `json:"ram_total_gb"`
	RAMPercent      float64 `json:"ram_percent"`
	DiskUsedGB      float64 `json:"disk_used_gb"`
	DiskTotalGB     float64 `json:"disk_total_gb"`
	DiskPercent     float64 `json:"disk_percent"`
	GoroutinesCount int     `json:"goroutines_count"`
}

// HandleSystemMetrics returns current system health metrics.
// GET /api/system/metrics
func (h *DashboardHandler) HandleSystemMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var response SystemMetricsResponse

	// CPU usage averaged over 1 second
	if cpuPercents, err := cpu.PercentWithContext(ctx, time.Second, false); err == nil && len(cpuPercents) > 0 {
		response.CPUPercent = roundTo2Decimals(cpuPercents[0])
	}

	if memStat, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		response.RAMUsedGB = roundTo2Decimals(float64(memStat.Used) / 1024 / 1024 / 1024)
		response.RAMTotalGB = roundTo2Decimals(float64(memStat.Total) / 1024 / 1024 / 1024)
		response.RAMPercent = roundTo2Decimals(memStat.UsedPercent)
	}

	if diskStat, err := disk.UsageWithContext(ctx, "."); err == nil {
		response.DiskUsedGB = roundTo2Decimals(float64(diskStat.Used) / 1024 / 1024 / 1024)
		response.DiskTotalGB = roundTo2Decimals(float64(diskStat.Total) / 1024 / 1024 / 1024)
		response.DiskPercent = roundTo2Decimals(diskStat.UsedPercent)
	}

	response.GoroutinesCount = runtime.NumGoroutine()

	slog.Debug("System metrics retrieved",
		"cpu_percent", response.CPUPercent,
		"ram_percent", response.RAMPercent,
		"disk_percent", response.DiskPercent,
	)
	WriteSuccess(w, response)
}

// HandleStatus returns uptime and version.
// GET /api/status
func (h *DashboardHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, map[string]any{
		"version":        h.version,
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
	})
}

func roundTo2Decimals(v float64) float64 {
	return math.Round(v*100) / 100
}
