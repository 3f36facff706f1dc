package audithttp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/meridian-erp/meridian-erp/internal/audit"
	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
)

const (
	defaultDateRange  = 7 * 24 * time.Hour
	maxDateRangeHours = 24 * 90
)

// TimelineService defines the business contract for timeline data.
type TimelineService interface {
	Timeline(ctx context.Context, filters audit.Filters) (audit.Result, error)
	Export(ctx context.Context, filters audit.Filters) ([]audit.Entry, error)
}

// Handler serves the audit timeline API.
type Handler struct {
	logger  *slog.Logger
	service TimelineService
	now     func() time.Time
}

// NewHandler constructs the audit handler.
func NewHandler(logger *slog.Logger, service TimelineService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, now: time.Now}
}

type entryResponse struct {
	ID       int64          `json:"id"`
	At       time.Time      `json:"at"`
	ActorID  int64          `json:"actor_id"`
	Action   string         `json:"action"`
	Entity   string         `json:"entity"`
	EntityID string         `json:"entity_id"`
	Before   map[string]any `json:"before,omitempty"`
	After    map[string]any `json:"after,omitempty"`
}

type timelineResponse struct {
	Rows   []entryResponse `json:"rows"`
	Paging pagingResponse  `json:"paging"`
}

type pagingResponse struct {
	Page     int  `json:"page"`
	PageSize int  `json:"page_size"`
	HasNext  bool `json:"has_next"`
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	filters, err := h.parseFilters(r)
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	result, err := h.service.Timeline(r.Context(), filters)
	if err != nil {
		h.logger.Error("audit: load timeline", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	rows := make([]entryResponse, 0, len(result.Rows))
	for _, e := range result.Rows {
		rows = append(rows, entryResponse{
			ID:       e.ID,
			At:       e.At,
			ActorID:  e.ActorID,
			Action:   e.Action,
			Entity:   e.Entity,
			EntityID: e.EntityID,
			Before:   e.Before,
			After:    e.After,
		})
	}
	httpx.JSON(w, http.StatusOK, timelineResponse{
		Rows: rows,
		Paging: pagingResponse{
			Page:     result.Paging.Page,
			PageSize: result.Paging.PageSize,
			HasNext:  result.Paging.HasNext,
		},
	})
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	filters, err := h.parseFilters(r)
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	entries, err := h.service.Export(r.Context(), filters)
	if err != nil {
		h.logger.Error("audit: export timeline", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	payload, err := audit.WriteCSV(entries)
	if err != nil {
		h.logger.Error("audit: render csv", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	filename := "audit-" + h.now().UTC().Format("20060102-150405") + ".csv"
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

// parseFilters reads query parameters, defaulting to the last 7 days and
// capping the window at 90 days.
func (h *Handler) parseFilters(r *http.Request) (audit.Filters, error) {
	q := r.URL.Query()
	now := h.now().UTC()

	filters := audit.Filters{
		To:     now,
		From:   now.Add(-defaultDateRange),
		Entity: strings.TrimSpace(q.Get("entity")),
		Action: strings.TrimSpace(q.Get("action")),
	}
	if raw := strings.TrimSpace(q.Get("from")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return audit.Filters{}, fmt.Errorf("invalid from timestamp %q", raw)
		}
		filters.From = t
	}
	if raw := strings.TrimSpace(q.Get("to")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return audit.Filters{}, fmt.Errorf("invalid to timestamp %q", raw)
		}
		filters.To = t
	}
	if filters.To.Before(filters.From) {
		return audit.Filters{}, fmt.Errorf("to precedes from")
	}
	if filters.To.Sub(filters.From) > maxDateRangeHours*time.Hour {
		return audit.Filters{}, fmt.Errorf("date range exceeds %d days", maxDateRangeHours/24)
	}
	if raw := strings.TrimSpace(q.Get("actor_id")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return audit.Filters{}, fmt.Errorf("invalid actor_id %q", raw)
		}
		filters.ActorID = id
	}
	if raw := strings.TrimSpace(q.Get("page")); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil || page < 1 {
			return audit.Filters{}, fmt.Errorf("invalid page %q", raw)
		}
		filters.Page = page
	}
	if raw := strings.TrimSpace(q.Get("page_size")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size < 1 {
			return audit.Filters{}, fmt.Errorf("invalid page_size %q", raw)
		}
		filters.PageSize = size
	}
	return filters, nil
}
