package flag

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/gymflag/internal/abtest"
	"github.com/hitoshi/gymflag/internal/model"
)

// ContactSource は評価に使う連絡先の読み取り専用参照。
type ContactSource interface {
	Contact(customerID string) (model.Contact, bool)
}

// EngineConfig はEngineの設定。
type EngineConfig struct {
	Windows        Windows
	MaxConcurrency int
}

// Engine は顧客ごとにルールを優先度順に評価し、フラグを確定する。
// 顧客同士は独立しており、semaphoreパターンで並列に評価する。
// 評価中に共有する可変状態はなく、結果は全顧客の評価後にまとめる。
type Engine struct {
	rules          []Rule
	assigner       *abtest.Assigner
	logger         *slog.Logger
	windows        Windows
	maxConcurrency int
}

// NewEngine はEngineを生成する。ルールは優先度（high, medium, low）順に並べ替える。
// MaxConcurrencyが0以下の場合はデフォルト値8を使用する。
func NewEngine(rules []Rule, assigner *abtest.Assigner, logger *slog.Logger, cfg EngineConfig) *Engine {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Info().Priority.Rank() < sorted[j].Info().Priority.Rank()
	})
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	if assigner == nil {
		assigner = abtest.NewAssigner(nil)
	}
	return &Engine{
		rules:          sorted,
		assigner:       assigner,
		logger:         logger,
		windows:        cfg.Windows,
		maxConcurrency: cfg.MaxConcurrency,
	}
}

// Rules は評価順のルールを返す。
func (e *Engine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// CustomerResult は1顧客分の評価結果。
type CustomerResult struct {
	CustomerID  string
	PlatformID  string
	Group       model.Group
	Flags       []model.Flag
	Unavailable []string
	Errors      []error
}

// EvaluateCustomer は1顧客の全ルールを優先度順に評価する。
// 発火したフラグはflag_setイベントとしてタイムラインに追加され、後続のルールから見える。
// ルール単位の失敗はその顧客の他のルールに影響しない。
func (e *Engine) EvaluateCustomer(customerID string, events []model.Event, contact model.Contact, now time.Time) CustomerResult {
	timeline := make([]model.Event, len(events), len(events)+len(e.rules))
	copy(timeline, events)
	model.SortEvents(timeline)

	var maxSeq int64
	for _, ev := range timeline {
		if ev.Seq > maxSeq {
			maxSeq = ev.Seq
		}
	}

	group := e.assigner.Assign(customerID, contact)
	res := CustomerResult{CustomerID: customerID, PlatformID: contact.PlatformID, Group: group}

	for _, rule := range e.rules {
		info := rule.Info()
		r := e.evaluateRule(rule, EvalContext{
			CustomerID: customerID,
			Events:     timeline,
			Now:        now,
			Contact:    contact,
			Group:      group,
		})

		switch r.Outcome {
		case Fired:
			f := r.Flag
			f.CustomerID = customerID
			f.FlagType = info.FlagType
			f.Priority = info.Priority
			f.TriggeredAt = now
			if flaggedWithin(past(timeline, now), f.FlagType, now, 1) {
				continue
			}
			res.Flags = append(res.Flags, f)

			maxSeq++
			ev := f.Event()
			ev.Seq = maxSeq
			timeline = append(timeline, ev)
			model.SortEvents(timeline)
		case Unavailable:
			res.Unavailable = append(res.Unavailable, info.FlagType)
			if r.Err != nil {
				e.logger.Warn("外部参照が利用できないためルールをスキップしました",
					slog.String("customer_id", customerID),
					slog.String("flag_type", info.FlagType),
					slog.String("error", r.Err.Error()),
				)
			}
		default:
			if r.Err != nil {
				res.Errors = append(res.Errors, r.Err)
			}
		}
	}

	return res
}

// evaluateRule はルールのpanicを回収し、その顧客・そのルールの失敗として扱う。
func (e *Engine) evaluateRule(rule Rule, ec EvalContext) (r Result) {
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("rule %s panicked: %v", rule.Info().FlagType, rec)
			e.logger.Error("ルール評価中にpanicが発生しました",
				slog.String("customer_id", ec.CustomerID),
				slog.String("flag_type", rule.Info().FlagType),
				slog.Any("panic", rec),
			)
			r = Result{Outcome: NotFired, Reason: "panic", Err: err}
		}
	}()
	return rule.Evaluate(ec)
}

// Batch は1回のバッチ評価の入力。TimelinesとContactsはバッチ開始時に構築した読み取り専用データ。
type Batch struct {
	Timelines map[string][]model.Event
	Contacts  ContactSource
	Now       time.Time
}

// BatchResult はバッチ評価の結果。
type BatchResult struct {
	// Flags は今回発火したフラグ（優先度、発火日時順）。
	Flags []model.Flag
	// Active は保持期間内の報告対象フラグ（過去の実行分を含む）。
	Active []model.Flag
	// Events は今回発火したフラグのflag_setイベント。
	Events []model.Event

	Total       int
	Processed   int
	Skipped     int
	Flagged     int
	Unavailable int
	Errors      int
	ByFlagType  map[string]int
	Groups      map[string]model.Group
	PlatformIDs map[string]string

	DeadlineExceeded bool
	Duration         time.Duration
}

// Run は全顧客を並列に評価する。
// ctxの期限を過ぎた場合は残りの顧客をスキップし、処理済みの件数を報告する。
func (e *Engine) Run(ctx context.Context, batch Batch) BatchResult {
	start := time.Now()

	ids := make([]string, 0, len(batch.Timelines))
	for id := range batch.Timelines {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	result := BatchResult{
		Total:       len(ids),
		ByFlagType:  make(map[string]int),
		Groups:      make(map[string]model.Group, len(ids)),
		PlatformIDs: make(map[string]string, len(ids)),
	}

	e.logger.Info("フラグ評価を開始します",
		slog.Int("customer_count", len(ids)),
		slog.Int("rule_count", len(e.rules)),
		slog.Int("max_concurrency", e.maxConcurrency),
	)

	results := make([]*CustomerResult, len(ids))
	sem := make(chan struct{}, e.maxConcurrency)
	var wg sync.WaitGroup

launch:
	for i, id := range ids {
		if ctx.Err() != nil {
			result.DeadlineExceeded = true
			break
		}
		select {
		case <-ctx.Done():
			result.DeadlineExceeded = true
			break launch
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			defer func() { <-sem }()

			var contact model.Contact
			if batch.Contacts != nil {
				contact, _ = batch.Contacts.Contact(id)
			}
			r := e.EvaluateCustomer(id, batch.Timelines[id], contact, batch.Now)
			results[i] = &r
		}(i, id)
	}

	wg.Wait()

	for i, r := range results {
		if r == nil {
			result.Skipped++
			continue
		}
		result.Processed++
		result.Groups[ids[i]] = r.Group
		if r.PlatformID != "" {
			result.PlatformIDs[ids[i]] = r.PlatformID
		}
		result.Unavailable += len(r.Unavailable)
		result.Errors += len(r.Errors)
		if len(r.Flags) > 0 {
			result.Flagged++
		}
		for _, f := range r.Flags {
			result.Flags = append(result.Flags, f)
			result.Events = append(result.Events, f.Event())
			result.ByFlagType[f.FlagType]++
		}
	}
	model.SortFlags(result.Flags)

	var all []model.Flag
	for _, id := range ids {
		for _, ev := range batch.Timelines[id] {
			if f, ok := FlagFromEvent(ev); ok {
				all = append(all, f)
			}
		}
	}
	all = append(all, result.Flags...)
	result.Active = FilterActive(all, batch.Now, e.windows.Retention)
	model.SortFlags(result.Active)

	result.Duration = time.Since(start)

	attrs := []any{
		slog.Int("customer_count", result.Total),
		slog.Int("processed", result.Processed),
		slog.Int("skipped", result.Skipped),
		slog.Int("flagged", result.Flagged),
		slog.Int("flags", len(result.Flags)),
		slog.Int("active_flags", len(result.Active)),
		slog.Int("dependency_unavailable", result.Unavailable),
		slog.Int("errors", result.Errors),
		slog.Float64("duration_ms", float64(result.Duration.Milliseconds())),
	}
	if result.DeadlineExceeded {
		e.logger.Warn("期限に達したため残りの顧客をスキップしました", attrs...)
	} else {
		e.logger.Info("フラグ評価が完了しました", attrs...)
	}

	return result
}

// ExperimentCandidates は実験IDとグループを持つフラグから実験参加の候補を作る。
func (r BatchResult) ExperimentCandidates() []model.ExperimentEntry {
	var out []model.ExperimentEntry
	for _, f := range r.Flags {
		id, group, ok := f.ExperimentTag()
		if !ok {
			continue
		}
		out = append(out, model.ExperimentEntry{
			CustomerID:   f.CustomerID,
			PlatformID:   r.PlatformIDs[f.CustomerID],
			ExperimentID: id,
			Group:        group,
			EntryFlag:    f.FlagType,
			EntryDate:    f.TriggeredAt,
		})
	}
	return out
}
