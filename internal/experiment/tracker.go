// Package experiment は実験参加の記録と集計を提供する。
package experiment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/gymflag/internal/model"
)

// RecordResult はRecordEntryの結果。
type RecordResult int

const (
	// Recorded は新たに記録したことを示す。
	Recorded RecordResult = iota
	// AlreadyPresent は既に記録済みで何もしなかったことを示す。
	AlreadyPresent
)

// String はログ用の表記を返す。
func (r RecordResult) String() string {
	if r == AlreadyPresent {
		return "already_present"
	}
	return "recorded"
}

// Tracker は実験参加を(顧客ID, 実験ID)ごとに高々1件だけ記録する。
// 同じペアへの書き込みは直列化し、確認と追記を不可分に行う。
type Tracker struct {
	ledger Ledger
	logger *slog.Logger

	mu    sync.Mutex
	locks map[entryKey]*keyLock
}

// keyLock はペアごとのロック。待機者がいなくなった時点でmapから取り除く。
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewTracker はTrackerを生成する。
func NewTracker(ledger Ledger, logger *slog.Logger) *Tracker {
	return &Tracker{
		ledger: ledger,
		logger: logger,
		locks:  make(map[entryKey]*keyLock),
	}
}

func (t *Tracker) acquire(k entryKey) *keyLock {
	t.mu.Lock()
	l, ok := t.locks[k]
	if !ok {
		l = &keyLock{}
		t.locks[k] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()
	return l
}

func (t *Tracker) release(k entryKey, l *keyLock) {
	l.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(t.locks, k)
	}
}

func (t *Tracker) lockCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}

// RecordEntry は実験参加を記録する。2回目以降の呼び出しはエラーにせずAlreadyPresentを返す。
func (t *Tracker) RecordEntry(ctx context.Context, customerID, experimentID string, group model.Group, entryFlag string, entryDate time.Time) (RecordResult, error) {
	if customerID == "" || experimentID == "" {
		return Recorded, model.NewMalformedRecordError("experiment", "customer_id and experiment_id are required")
	}
	if !group.Valid() {
		return Recorded, model.NewMalformedRecordError("experiment", fmt.Sprintf("invalid group %q", group))
	}

	k := entryKey{customerID: customerID, experimentID: experimentID}
	l := t.acquire(k)
	defer t.release(k, l)

	added, err := t.ledger.Append(ctx, model.ExperimentEntry{
		CustomerID:   customerID,
		ExperimentID: experimentID,
		Group:        group,
		EntryFlag:    entryFlag,
		EntryDate:    entryDate,
	})
	if err != nil {
		return Recorded, model.NewPersistenceError("experiment", "実験参加の記録に失敗しました", err)
	}
	if !added {
		return AlreadyPresent, nil
	}
	return Recorded, nil
}

// RecordSummary はRecordAllの集計。
type RecordSummary struct {
	Recorded       int
	AlreadyPresent int
	Failed         int
}

// RecordAll は候補をまとめて記録する。1件の失敗は他の候補の記録を妨げない。
func (t *Tracker) RecordAll(ctx context.Context, entries []model.ExperimentEntry) (RecordSummary, error) {
	start := time.Now()
	var summary RecordSummary
	var errs []error

	for _, e := range entries {
		res, err := t.RecordEntry(ctx, e.CustomerID, e.ExperimentID, e.Group, e.EntryFlag, e.EntryDate)
		if err != nil {
			summary.Failed++
			errs = append(errs, err)
			t.logger.Error("実験参加の記録に失敗しました",
				slog.String("customer_id", e.CustomerID),
				slog.String("experiment_id", e.ExperimentID),
				slog.String("error", err.Error()),
			)
			continue
		}
		switch res {
		case Recorded:
			summary.Recorded++
		case AlreadyPresent:
			summary.AlreadyPresent++
		}
	}

	t.logger.Info("実験参加の記録が完了しました",
		slog.Int("recorded", summary.Recorded),
		slog.Int("already_present", summary.AlreadyPresent),
		slog.Int("failed", summary.Failed),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return summary, errors.Join(errs...)
}

// Stats は実験の集計値を返す。
func (t *Tracker) Stats(ctx context.Context, experimentID string) (model.ExperimentStats, error) {
	entries, err := t.ledger.ListByExperiment(ctx, experimentID)
	if err != nil {
		return model.ExperimentStats{}, fmt.Errorf("実験参加の取得に失敗しました: %w", err)
	}
	stats := model.ExperimentStats{
		ExperimentID: experimentID,
		Total:        len(entries),
		ByGroup:      map[model.Group]int{model.GroupA: 0, model.GroupB: 0},
		ByEntryFlag:  make(map[string]int),
	}
	for _, e := range entries {
		stats.ByGroup[e.Group]++
		stats.ByEntryFlag[e.EntryFlag]++
	}
	return stats, nil
}

// EntriesByGroup はグループごとの参加数を返す。
func (t *Tracker) EntriesByGroup(ctx context.Context, experimentID string) (map[model.Group]int, error) {
	stats, err := t.Stats(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	return stats.ByGroup, nil
}

// EntriesByFlag は参加のきっかけとなったフラグ種別ごとの参加数を返す。
func (t *Tracker) EntriesByFlag(ctx context.Context, experimentID string) (map[string]int, error) {
	stats, err := t.Stats(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	return stats.ByEntryFlag, nil
}

// Total は参加数を返す。
func (t *Tracker) Total(ctx context.Context, experimentID string) (int, error) {
	stats, err := t.Stats(ctx, experimentID)
	if err != nil {
		return 0, err
	}
	return stats.Total, nil
}
