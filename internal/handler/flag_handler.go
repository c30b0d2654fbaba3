package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/gymflag/internal/middleware"
	"github.com/hitoshi/gymflag/internal/model"
)

// maxRetentionDays は?days=で指定できる保持日数の上限。
const maxRetentionDays = 365

// FlagLister は報告対象フラグの取得インターフェース。
type FlagLister interface {
	ListActive(ctx context.Context, now time.Time, retentionDays int) ([]model.Flag, error)
}

// FlagHandler はフラグ報告のHTTPハンドラー。
type FlagHandler struct {
	flags         FlagLister
	retentionDays int
	now           func() time.Time
	logger        *slog.Logger
}

// NewFlagHandler はFlagHandlerを生成する。nowがnilの場合はtime.Nowを使う。
func NewFlagHandler(flags FlagLister, retentionDays int, now func() time.Time, logger *slog.Logger) *FlagHandler {
	if now == nil {
		now = time.Now
	}
	return &FlagHandler{
		flags:         flags,
		retentionDays: retentionDays,
		now:           now,
		logger:        logger,
	}
}

// --- レスポンス型 ---

type flagResponse struct {
	CustomerID    string         `json:"customer_id"`
	FlagType      string         `json:"flag_type"`
	TriggeredDate string         `json:"triggered_date"`
	Priority      model.Priority `json:"priority"`
	FlagData      map[string]any `json:"flag_data"`
}

type activeFlagsResponse struct {
	AsOf          string         `json:"as_of"`
	RetentionDays int            `json:"retention_days"`
	Count         int            `json:"count"`
	ByFlagType    map[string]int `json:"by_flag_type"`
	Flags         []flagResponse `json:"flags"`
}

// ListActive は保持期間内に発火したフラグを優先度順に返す。
// GET /api/flags/active?flag_type=xxx&priority=high|medium|low&days=N
func (h *FlagHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	days := h.retentionDays
	if v := q.Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxRetentionDays {
			middleware.WriteBadRequest(w, "days must be an integer between 1 and 365")
			return
		}
		days = n
	}

	priority := model.Priority(q.Get("priority"))
	switch priority {
	case "", model.PriorityHigh, model.PriorityMedium, model.PriorityLow:
	default:
		middleware.WriteBadRequest(w, "priority must be one of high, medium, low")
		return
	}
	flagType := q.Get("flag_type")

	now := h.now().UTC()
	flags, err := h.flags.ListActive(r.Context(), now, days)
	if err != nil {
		h.logger.Error("フラグの取得に失敗しました", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	resp := activeFlagsResponse{
		AsOf:          now.Format(model.DateLayout),
		RetentionDays: days,
		ByFlagType:    make(map[string]int),
		Flags:         make([]flagResponse, 0, len(flags)),
	}
	for _, f := range flags {
		if flagType != "" && f.FlagType != flagType {
			continue
		}
		if priority != "" && f.Priority != priority {
			continue
		}
		data := f.Data
		if data == nil {
			data = map[string]any{}
		}
		resp.Flags = append(resp.Flags, flagResponse{
			CustomerID:    f.CustomerID,
			FlagType:      f.FlagType,
			TriggeredDate: f.TriggeredDate(),
			Priority:      f.Priority,
			FlagData:      data,
		})
		resp.ByFlagType[f.FlagType]++
	}
	resp.Count = len(resp.Flags)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
