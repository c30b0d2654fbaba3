// Package flagging はフラグ生成の日次バッチジョブを提供する。
// 入力の読み込み、タイムライン構築、ルール評価、台帳への書き込みを1サイクルとして実行する。
package flagging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/gymflag/internal/abtest"
	"github.com/hitoshi/gymflag/internal/experiment"
	"github.com/hitoshi/gymflag/internal/flag"
	"github.com/hitoshi/gymflag/internal/identity"
	"github.com/hitoshi/gymflag/internal/metrics"
	"github.com/hitoshi/gymflag/internal/model"
	"github.com/hitoshi/gymflag/internal/repository"
	"github.com/hitoshi/gymflag/internal/reservation"
	"github.com/hitoshi/gymflag/internal/source"
	"github.com/hitoshi/gymflag/internal/timeline"
)

// RosterSource は顧客名簿のソース名。正規顧客IDの導出に使う。
const RosterSource = "capitan"

// 台帳名
const (
	LedgerCustomers         = "customers"
	LedgerIdentifiers       = "customer_identifiers"
	LedgerEvents            = "events"
	LedgerFlags             = "flags"
	LedgerExperimentEntries = "experiment_entries"
)

// BatchLoader はバッチ入力の読み込みインターフェース。
type BatchLoader interface {
	Load(ctx context.Context) (*source.Batch, error)
}

// Config はジョブの設定。
type Config struct {
	Windows        flag.Windows
	ExperimentID   string
	Overrides      map[string]model.Group
	MaxConcurrency int
	// Deadline はルール評価の打ち切り時間。0以下の場合は打ち切らない。
	Deadline    time.Duration
	MaxAttempts int
	Backoff     time.Duration
}

// Deps はジョブが利用する依存。Reservationsがnilの場合、予約ファイルがなければ
// パーティー系ルールは登録しない。
type Deps struct {
	Loader       BatchLoader
	Customers    repository.CustomerRepository
	Events       repository.EventRepository
	Flags        repository.FlagRepository
	Experiments  experiment.Ledger
	Reservations reservation.Fetcher
	Metrics      metrics.MetricsCollector
	Logger       *slog.Logger
}

// Summary は1サイクルの結果。
type Summary struct {
	RunAt           time.Time
	Customers       int
	RosterMalformed int
	Sources         []timeline.SourceStats
	HistoryFlags    int

	Processed   int
	Skipped     int
	Flagged     int
	Flags       int
	ActiveFlags int
	ByFlagType  map[string]int
	Unavailable int
	RuleErrors  int

	Experiment          experiment.RecordSummary
	PersistenceFailures []string

	DeadlineExceeded bool
	Duration         time.Duration
}

// Matched は全ソースの帰属成功件数を返す。
func (s *Summary) Matched() int {
	n := 0
	for _, st := range s.Sources {
		n += st.Matched
	}
	return n
}

// Unmatched は全ソースの帰属不可件数を返す。
func (s *Summary) Unmatched() int {
	n := 0
	for _, st := range s.Sources {
		n += st.Unmatched
	}
	return n
}

// Malformed は不正な行の件数を返す。名簿の不正な行を含む。
func (s *Summary) Malformed() int {
	n := s.RosterMalformed
	for _, st := range s.Sources {
		n += st.Malformed
	}
	return n
}

// Job はフラグ生成バッチ。
type Job struct {
	loader       BatchLoader
	customers    repository.CustomerRepository
	events       repository.EventRepository
	flags        repository.FlagRepository
	reservations reservation.Fetcher
	tracker      *experiment.Tracker
	metrics      metrics.MetricsCollector
	logger       *slog.Logger
	retry        *retrier
	cfg          Config
	now          func() time.Time
}

// NewJob はJobを生成する。
func NewJob(deps Deps, cfg Config) *Job {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NopCollector{}
	}
	if cfg.ExperimentID == "" {
		cfg.ExperimentID = flag.DefaultExperimentID
	}
	if cfg.Windows == (flag.Windows{}) {
		cfg.Windows = flag.DefaultWindows()
	}
	r := &retrier{
		attempts: cfg.MaxAttempts,
		backoff:  cfg.Backoff,
		sleep:    sleepContext,
		logger:   deps.Logger,
	}
	return &Job{
		loader:       deps.Loader,
		customers:    deps.Customers,
		events:       deps.Events,
		flags:        deps.Flags,
		reservations: deps.Reservations,
		tracker:      experiment.NewTracker(&retryLedger{next: deps.Experiments, r: r}, deps.Logger),
		metrics:      deps.Metrics,
		logger:       deps.Logger,
		retry:        r,
		cfg:          cfg,
		now:          time.Now,
	}
}

// Start は指定間隔のティッカーでジョブを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *Job) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("フラグ生成ジョブを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", j.cfg.MaxConcurrency),
	)

	// 起動直後に1回実行
	j.runAndLog(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("フラグ生成ジョブを停止しました")
			return
		case <-ticker.C:
			j.runAndLog(ctx)
		}
	}
}

func (j *Job) runAndLog(ctx context.Context) {
	if _, err := j.RunOnce(ctx); err != nil {
		j.logger.Error("フラグ生成サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// historyDays は評価に必要な過去フラグの日数を返す。
func historyDays(w flag.Windows) int {
	days := w.Cooldown
	for _, d := range []int{w.QuietPeriod, w.Retention, w.MembershipLookback} {
		if d > days {
			days = d
		}
	}
	return days + 1
}

// RunOnce は1サイクルを実行する。
// 入力の読み込みまたは過去フラグの取得に失敗した場合は評価せずにエラーを返す。
// 台帳への書き込み失敗は他の台帳への書き込みを妨げず、まとめてエラーとして返す。
func (j *Job) RunOnce(ctx context.Context) (*Summary, error) {
	start := time.Now()
	now := j.now().UTC()
	w := j.cfg.Windows

	batch, err := j.loader.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load inputs: %w", err)
	}

	sum := &Summary{RunAt: now}

	store := identity.NewStore()
	for _, rec := range batch.Customers {
		if _, _, err := store.Register(RosterSource, rec); err != nil {
			sum.RosterMalformed++
			j.logger.Debug("名簿の行をスキップしました", slog.String("error", err.Error()))
		}
	}
	sum.Customers = store.Len()
	j.metrics.RecordSourceStats(RosterSource, len(batch.Customers), len(batch.Customers)-sum.RosterMalformed, 0, sum.RosterMalformed)

	// メンバーシップ番号の索引を決済より先に構築する
	builder := timeline.NewBuilder(identity.NewResolver(store, identity.NewMembershipIndex()), j.logger)
	sum.Sources = append(sum.Sources,
		builder.AddMemberships(batch.Memberships),
		builder.AddPayments(batch.Payments),
		builder.AddCheckins(batch.Checkins),
		builder.AddTransfers(batch.Transfers),
		builder.AddCampaignSends(batch.CampaignSends),
		builder.AddStorefrontOrders(batch.StorefrontOrders),
	)

	history, err := j.flags.ListSince(ctx, now.AddDate(0, 0, -historyDays(w)))
	if err != nil {
		j.metrics.RecordPersistenceFailure(LedgerFlags)
		return nil, fmt.Errorf("failed to load flag history: %w", err)
	}
	historyEvents := make([]model.Event, 0, len(history))
	for _, f := range history {
		historyEvents = append(historyEvents, f.Event())
	}
	sum.HistoryFlags = len(history)
	builder.MergeHistory(historyEvents)

	for _, st := range sum.Sources {
		j.metrics.RecordSourceStats(st.Source, st.Processed, st.Matched, st.Unmatched, st.Malformed)
	}

	lookup := j.reservationLookup(ctx, batch, now)
	engine := flag.NewEngine(
		flag.DefaultRules(w, j.cfg.ExperimentID, lookup),
		abtest.NewAssigner(j.cfg.Overrides),
		j.logger,
		flag.EngineConfig{Windows: w, MaxConcurrency: j.cfg.MaxConcurrency},
	)

	evalCtx := ctx
	if j.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		evalCtx, cancel = context.WithTimeout(ctx, j.cfg.Deadline)
		defer cancel()
	}
	// イベントのない顧客もパーティー系ルールの対象になるため評価に含める
	timelines := builder.Timelines()
	for _, c := range store.Customers() {
		if _, ok := timelines[c.ID]; !ok {
			timelines[c.ID] = nil
		}
	}
	result := engine.Run(evalCtx, flag.Batch{
		Timelines: timelines,
		Contacts:  store,
		Now:       now,
	})

	sum.Processed = result.Processed
	sum.Skipped = result.Skipped
	sum.Flagged = result.Flagged
	sum.Flags = len(result.Flags)
	sum.ActiveFlags = len(result.Active)
	sum.ByFlagType = result.ByFlagType
	sum.Unavailable = result.Unavailable
	sum.RuleErrors = result.Errors
	sum.DeadlineExceeded = result.DeadlineExceeded

	errs := j.persist(ctx, sum, store, builder, result)

	j.metrics.RecordFlagsEmitted(result.ByFlagType)
	j.metrics.RecordExperimentEntries(sum.Experiment.Recorded, sum.Experiment.AlreadyPresent)
	j.metrics.RecordDependencyUnavailable(result.Unavailable)
	j.metrics.RecordCustomersSkipped(result.Skipped)

	sum.Duration = time.Since(start)
	j.metrics.RecordBatchDuration(sum.Duration)

	j.logger.Info("フラグ生成サイクルが完了しました",
		slog.String("run_date", now.Format(model.DateLayout)),
		slog.Int("customers", sum.Customers),
		slog.Int("processed", sum.Processed),
		slog.Int("skipped", sum.Skipped),
		slog.Int("matched", sum.Matched()),
		slog.Int("unmatched", sum.Unmatched()),
		slog.Int("malformed", sum.Malformed()),
		slog.Int("flagged", sum.Flagged),
		slog.Int("flags", sum.Flags),
		slog.Any("by_flag_type", sum.ByFlagType),
		slog.Int("experiment_recorded", sum.Experiment.Recorded),
		slog.Int("experiment_already_present", sum.Experiment.AlreadyPresent),
		slog.Int("errors", sum.RuleErrors+len(sum.PersistenceFailures)),
		slog.Float64("duration_ms", float64(sum.Duration.Milliseconds())),
	)

	return sum, errors.Join(errs...)
}

// reservationLookup は予約ファイルがあればそれを、なければ予約APIから
// 主催者・参加者の対象日の予約を先読みした索引を返す。どちらもなければnilを返す。
func (j *Job) reservationLookup(ctx context.Context, batch *source.Batch, now time.Time) flag.ReservationLookup {
	if batch.HasReservations {
		return reservation.NewIndex(batch.Reservations)
	}
	if j.reservations == nil {
		j.logger.Info("予約データがないためパーティー系ルールを登録しません")
		return nil
	}
	dates := []time.Time{
		now.AddDate(0, 0, j.cfg.Windows.HostDaysOut),
		now.AddDate(0, 0, j.cfg.Windows.AttendeeDaysOut),
	}
	return reservation.Prefetch(ctx, j.reservations, dates, j.logger)
}

// persist は各台帳へ順に書き込む。1つの台帳の失敗は他の台帳の書き込みを妨げない。
// ただし正規顧客の書き込みに失敗した場合、外部キーを持つ識別子は書き込まない。
func (j *Job) persist(ctx context.Context, sum *Summary, store *identity.Store, builder *timeline.Builder, result flag.BatchResult) []error {
	var errs []error
	fail := func(ledger string, err error) {
		j.metrics.RecordPersistenceFailure(ledger)
		sum.PersistenceFailures = append(sum.PersistenceFailures, ledger)
		errs = append(errs, err)
		j.logger.Error("台帳への書き込みに失敗しました",
			slog.String("ledger", ledger),
			slog.String("error", err.Error()),
		)
	}

	err := j.retry.do(ctx, LedgerCustomers, func(ctx context.Context) error {
		_, err := j.customers.SaveCustomers(ctx, store.Customers())
		return err
	})
	if err != nil {
		fail(LedgerCustomers, err)
		fail(LedgerIdentifiers, model.NewPersistenceError(LedgerIdentifiers, "skipped because customers were not saved", err))
	} else if err := j.retry.do(ctx, LedgerIdentifiers, func(ctx context.Context) error {
		_, err := j.customers.AppendIdentifiers(ctx, store.Identifiers())
		return err
	}); err != nil {
		fail(LedgerIdentifiers, err)
	}

	events := append(builder.Events(), result.Events...)
	if err := j.retry.do(ctx, LedgerEvents, func(ctx context.Context) error {
		return j.events.ReplaceAll(ctx, events)
	}); err != nil {
		fail(LedgerEvents, err)
	}

	if len(result.Flags) > 0 {
		if err := j.retry.do(ctx, LedgerFlags, func(ctx context.Context) error {
			_, err := j.flags.Append(ctx, result.Flags)
			return err
		}); err != nil {
			fail(LedgerFlags, err)
		}
	}

	exp, err := j.tracker.RecordAll(ctx, result.ExperimentCandidates())
	sum.Experiment = exp
	if err != nil {
		fail(LedgerExperimentEntries, err)
	}

	return errs
}
