package experiment

import (
	"context"
	"sort"
	"sync"

	"github.com/hitoshi/gymflag/internal/model"
)

// Ledger は実験参加記録の追記専用台帳。
type Ledger interface {
	// Append はエントリを追加する。同じ(顧客ID, 実験ID)が既に存在する場合は追加せずfalseを返す。
	Append(ctx context.Context, entry model.ExperimentEntry) (bool, error)
	// ListByExperiment は指定実験の全エントリを返す。
	ListByExperiment(ctx context.Context, experimentID string) ([]model.ExperimentEntry, error)
}

type entryKey struct {
	customerID   string
	experimentID string
}

// MemoryLedger はプロセス内のLedger実装。DBを使わない実行やテストで使う。
type MemoryLedger struct {
	mu      sync.Mutex
	entries []model.ExperimentEntry
	index   map[entryKey]struct{}
}

// NewMemoryLedger はMemoryLedgerを生成する。
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{index: make(map[entryKey]struct{})}
}

// Append はLedger.Appendを実装する。
func (l *MemoryLedger) Append(_ context.Context, entry model.ExperimentEntry) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := entryKey{customerID: entry.CustomerID, experimentID: entry.ExperimentID}
	if _, ok := l.index[k]; ok {
		return false, nil
	}
	l.index[k] = struct{}{}
	l.entries = append(l.entries, entry)
	return true, nil
}

// ListByExperiment はLedger.ListByExperimentを実装する。
func (l *MemoryLedger) ListByExperiment(_ context.Context, experimentID string) ([]model.ExperimentEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []model.ExperimentEntry
	for _, e := range l.entries {
		if e.ExperimentID == experimentID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].EntryDate.Equal(out[j].EntryDate) {
			return out[i].EntryDate.Before(out[j].EntryDate)
		}
		return out[i].CustomerID < out[j].CustomerID
	})
	return out, nil
}
