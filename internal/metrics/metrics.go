// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// バッチジョブと予約APIクライアントから利用する。
type MetricsCollector interface {
	RecordSourceStats(source string, processed, matched, unmatched, malformed int)
	RecordFlagsEmitted(byFlagType map[string]int)
	RecordExperimentEntries(recorded, alreadyPresent int)
	RecordDependencyUnavailable(count int)
	RecordCustomersSkipped(count int)
	RecordPersistenceFailure(ledger string)
	RecordReservationStatus(statusCode int)
	RecordBatchDuration(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	records           *prometheus.CounterVec
	flagsEmitted      *prometheus.CounterVec
	experimentEntries *prometheus.CounterVec
	unavailable       prometheus.Counter
	skipped           prometheus.Counter
	persistFail       *prometheus.CounterVec
	reservationStatus *prometheus.CounterVec
	batchDuration     prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gymflag_source_records_total",
			Help: "ソース別・結果別の処理レコード数",
		}, []string{"source", "result"}),
		flagsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gymflag_flags_emitted_total",
			Help: "フラグ種別ごとの発火数",
		}, []string{"flag_type"}),
		experimentEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gymflag_experiment_entries_total",
			Help: "実験参加の記録結果ごとの件数",
		}, []string{"result"}),
		unavailable: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gymflag_rule_dependency_unavailable_total",
			Help: "外部参照が利用できず判定できなかったルール評価の数",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gymflag_customers_skipped_total",
			Help: "期限切れで評価をスキップした顧客数",
		}),
		persistFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gymflag_persistence_failures_total",
			Help: "台帳ごとの書き込み失敗数",
		}, []string{"ledger"}),
		reservationStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gymflag_reservation_api_status_total",
			Help: "予約APIのHTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gymflag_batch_duration_seconds",
			Help:    "バッチ1回の所要時間（秒）",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
	}

	reg.MustRegister(
		c.records,
		c.flagsEmitted,
		c.experimentEntries,
		c.unavailable,
		c.skipped,
		c.persistFail,
		c.reservationStatus,
		c.batchDuration,
	)

	return c
}

// RecordSourceStats はソース1件分の処理結果を記録する。
func (c *Collector) RecordSourceStats(source string, processed, matched, unmatched, malformed int) {
	c.records.WithLabelValues(source, "processed").Add(float64(processed))
	c.records.WithLabelValues(source, "matched").Add(float64(matched))
	c.records.WithLabelValues(source, "unmatched").Add(float64(unmatched))
	c.records.WithLabelValues(source, "malformed").Add(float64(malformed))
}

// RecordFlagsEmitted はフラグ種別ごとの発火数を記録する。
func (c *Collector) RecordFlagsEmitted(byFlagType map[string]int) {
	for flagType, n := range byFlagType {
		c.flagsEmitted.WithLabelValues(flagType).Add(float64(n))
	}
}

// RecordExperimentEntries は実験参加の記録結果を記録する。
func (c *Collector) RecordExperimentEntries(recorded, alreadyPresent int) {
	c.experimentEntries.WithLabelValues("recorded").Add(float64(recorded))
	c.experimentEntries.WithLabelValues("already_present").Add(float64(alreadyPresent))
}

// RecordDependencyUnavailable は判定できなかったルール評価の数を記録する。
func (c *Collector) RecordDependencyUnavailable(count int) {
	c.unavailable.Add(float64(count))
}

// RecordCustomersSkipped はスキップした顧客数を記録する。
func (c *Collector) RecordCustomersSkipped(count int) {
	c.skipped.Add(float64(count))
}

// RecordPersistenceFailure は台帳の書き込み失敗を記録する。
func (c *Collector) RecordPersistenceFailure(ledger string) {
	c.persistFail.WithLabelValues(ledger).Inc()
}

// RecordReservationStatus は予約APIのHTTPステータスコードを記録する。
func (c *Collector) RecordReservationStatus(statusCode int) {
	c.reservationStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordBatchDuration はバッチの所要時間を記録する。
func (c *Collector) RecordBatchDuration(duration time.Duration) {
	c.batchDuration.Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントだけを提供するHTTPハンドラーを返す。
// workerモードで使う。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// NopCollector は何も記録しないMetricsCollector。
type NopCollector struct{}

func (NopCollector) RecordSourceStats(string, int, int, int, int) {}
func (NopCollector) RecordFlagsEmitted(map[string]int)            {}
func (NopCollector) RecordExperimentEntries(int, int)             {}
func (NopCollector) RecordDependencyUnavailable(int)              {}
func (NopCollector) RecordCustomersSkipped(int)                   {}
func (NopCollector) RecordPersistenceFailure(string)              {}
func (NopCollector) RecordReservationStatus(int)                  {}
func (NopCollector) RecordBatchDuration(time.Duration)            {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = NopCollector{}
)
