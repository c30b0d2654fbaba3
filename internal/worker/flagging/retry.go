package flagging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/gymflag/internal/experiment"
	"github.com/hitoshi/gymflag/internal/model"
)

const (
	// defaultBackoff は台帳書き込みリトライの初回遅延。
	defaultBackoff = time.Second
	// maxBackoff はリトライ遅延の上限。
	maxBackoff = 30 * time.Second
)

// CalculateBackoff は失敗回数に基づいて指数バックオフ遅延を計算する。
// base から2倍ずつ増加し、最大30秒。
func CalculateBackoff(base time.Duration, failures int) time.Duration {
	if base <= 0 {
		base = defaultBackoff
	}
	delay := base
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}

// sleepContext はdだけ待機する。待機中にctxが終了した場合はctxのエラーを返す。
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// retrier は台帳書き込みを最大attempts回まで試行する。
type retrier struct {
	attempts int
	backoff  time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *slog.Logger
}

// do はfnを成功するまで繰り返す。最後の失敗はpersistence_failureとして返す。
func (r *retrier) do(ctx context.Context, ledger string, fn func(ctx context.Context) error) error {
	attempts := r.attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			delay := CalculateBackoff(r.backoff, i-1)
			r.logger.Warn("台帳への書き込みをリトライします",
				slog.String("ledger", ledger),
				slog.Int("attempt", i+1),
				slog.Duration("delay", delay),
				slog.String("error", lastErr.Error()),
			)
			if err := r.sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
	}
	return model.NewPersistenceError(ledger, fmt.Sprintf("failed after %d attempts", attempts), lastErr)
}

// retryLedger は実験参加台帳への追記をリトライ付きで行う。
type retryLedger struct {
	next experiment.Ledger
	r    *retrier
}

var _ experiment.Ledger = (*retryLedger)(nil)

// Append はエントリを追記する。失敗時はバックオフを挟んで再試行する。
func (l *retryLedger) Append(ctx context.Context, entry model.ExperimentEntry) (bool, error) {
	var added bool
	err := l.r.do(ctx, LedgerExperimentEntries, func(ctx context.Context) error {
		var err error
		added, err = l.next.Append(ctx, entry)
		return err
	})
	return added, err
}

// ListByExperiment は指定実験のエントリを返す。
func (l *retryLedger) ListByExperiment(ctx context.Context, experimentID string) ([]model.ExperimentEntry, error) {
	return l.next.ListByExperiment(ctx, experimentID)
}
