package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/gymflag/internal/middleware"
	"github.com/hitoshi/gymflag/internal/model"
)

var experimentIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// ExperimentStatsProvider は実験集計の取得インターフェース。experiment.Trackerが満たす。
type ExperimentStatsProvider interface {
	Stats(ctx context.Context, experimentID string) (model.ExperimentStats, error)
}

// ExperimentHandler は実験集計のHTTPハンドラー。
type ExperimentHandler struct {
	stats  ExperimentStatsProvider
	logger *slog.Logger
}

// NewExperimentHandler はExperimentHandlerを生成する。
func NewExperimentHandler(stats ExperimentStatsProvider, logger *slog.Logger) *ExperimentHandler {
	return &ExperimentHandler{stats: stats, logger: logger}
}

type experimentStatsResponse struct {
	ExperimentID string              `json:"experiment_id"`
	Total        int                 `json:"total"`
	ByGroup      map[model.Group]int `json:"by_group"`
	ByEntryFlag  map[string]int      `json:"by_entry_flag"`
}

// GetStats は実験の参加数をグループ別・きっかけフラグ別に返す。
// 参加者がいない実験も0件として200を返す。
// GET /api/experiments/{id}/stats
func (h *ExperimentHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !experimentIDPattern.MatchString(id) {
		middleware.WriteBadRequest(w, "experiment id is invalid")
		return
	}

	stats, err := h.stats.Stats(r.Context(), id)
	if err != nil {
		h.logger.Error("実験集計の取得に失敗しました",
			slog.String("experiment_id", id),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	resp := experimentStatsResponse{
		ExperimentID: stats.ExperimentID,
		Total:        stats.Total,
		ByGroup:      stats.ByGroup,
		ByEntryFlag:  stats.ByEntryFlag,
	}
	if resp.ByGroup == nil {
		resp.ByGroup = map[model.Group]int{}
	}
	if resp.ByEntryFlag == nil {
		resp.ByEntryFlag = map[string]int{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
