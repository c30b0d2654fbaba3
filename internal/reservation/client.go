// Package reservation はパーティー予約APIのクライアントと、
// バッチ開始時に取得した予約の読み取り専用索引を提供する。
package reservation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/gymflag/internal/metrics"
	"github.com/hitoshi/gymflag/internal/model"
)

const (
	// maxResponseSize はレスポンスボディの上限（1MB）。
	maxResponseSize = 1 << 20
	userAgent       = "gymflag/1.0 reservation-sync"
)

// partiesResponse は予約APIのレスポンス。
type partiesResponse struct {
	Parties []model.Reservation `json:"parties"`
}

// Client は予約APIのクライアント。
// 日付を指定してその日に開催されるパーティーと招待者の一覧を取得する。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	endpoint   string
	limiter    *rate.Limiter
	metrics    metrics.MetricsCollector
}

// NewClient はClientを生成する。intervalはAPI呼び出しの最低間隔。
func NewClient(endpoint string, httpClient *http.Client, logger *slog.Logger, interval time.Duration, mc metrics.MetricsCollector) *Client {
	if mc == nil {
		mc = metrics.NopCollector{}
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		endpoint:   endpoint,
		limiter:    rate.NewLimiter(limit, 1),
		metrics:    mc,
	}
}

// PartiesOn は指定日に開催されるパーティーを取得する。
func (c *Client) PartiesOn(ctx context.Context, date time.Time) ([]model.Reservation, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("予約APIの呼び出し待機が中断されました: %w", err)
	}

	reqURL, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("エンドポイントURLのパースに失敗しました: %w", err)
	}
	q := reqURL.Query()
	q.Set("date", date.UTC().Format(model.DateLayout))
	reqURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("予約APIの呼び出しに失敗しました",
			slog.String("date", date.UTC().Format(model.DateLayout)),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	defer resp.Body.Close()

	c.metrics.RecordReservationStatus(resp.StatusCode)

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("予約APIがエラーステータスを返しました",
			slog.Int("http_status", resp.StatusCode),
			slog.String("date", date.UTC().Format(model.DateLayout)),
		)
		return nil, fmt.Errorf("予約APIがステータス %d を返しました", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	var result partiesResponse
	if err := json.Unmarshal(body, &result); err != nil {
		c.logger.Error("予約APIのレスポンスのパースに失敗しました",
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}

	return result.Parties, nil
}
