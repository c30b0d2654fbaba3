package reservation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/gymflag/internal/identity"
	"github.com/hitoshi/gymflag/internal/model"
)

// ErrNotFetched は取得していない日付を参照したことを示す。
var ErrNotFetched = errors.New("reservations for date were not fetched")

// Fetcher は日付ごとの予約取得のインターフェース。
type Fetcher interface {
	PartiesOn(ctx context.Context, date time.Time) ([]model.Reservation, error)
}

// Index は開催日ごとの予約の読み取り専用索引。
// バッチ開始時に構築し、評価中は複数のゴルーチンから参照される。
// flag.ReservationLookupを実装する。
type Index struct {
	byDate   map[string][]model.Reservation
	failed   map[string]error
	complete bool
}

// NewIndex は全予約から索引を構築する。ファイルから読み込んだ場合など、
// 全日付が揃っているときに使う。
func NewIndex(reservations []model.Reservation) *Index {
	ix := &Index{
		byDate:   make(map[string][]model.Reservation),
		failed:   make(map[string]error),
		complete: true,
	}
	for _, r := range reservations {
		ix.byDate[r.PartyDate] = append(ix.byDate[r.PartyDate], r)
	}
	return ix
}

// Prefetch は指定した日付の予約を取得して索引を構築する。
// 取得に失敗した日付は利用不可として記録し、その日付の参照はエラーを返す。
func Prefetch(ctx context.Context, f Fetcher, dates []time.Time, logger *slog.Logger) *Index {
	start := time.Now()
	ix := &Index{
		byDate: make(map[string][]model.Reservation),
		failed: make(map[string]error),
	}

	var parties int
	for _, d := range dates {
		key := d.UTC().Format(model.DateLayout)
		if _, ok := ix.byDate[key]; ok {
			continue
		}
		got, err := f.PartiesOn(ctx, d)
		if err != nil {
			ix.failed[key] = err
			logger.Warn("予約の取得に失敗したため該当日のパーティールールは判定できません",
				slog.String("date", key),
				slog.String("error", err.Error()),
			)
			continue
		}
		if got == nil {
			got = []model.Reservation{}
		}
		ix.byDate[key] = got
		parties += len(got)
	}

	logger.Info("予約の取得が完了しました",
		slog.Int("date_count", len(dates)),
		slog.Int("party_count", parties),
		slog.Int("failed_dates", len(ix.failed)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return ix
}

func (ix *Index) partiesOn(date time.Time) ([]model.Reservation, error) {
	key := date.UTC().Format(model.DateLayout)
	if err, ok := ix.failed[key]; ok {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	parties, ok := ix.byDate[key]
	if !ok && !ix.complete {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFetched)
	}
	return parties, nil
}

// HostedOn はemailの顧客が主催する指定日のパーティーを返す。
func (ix *Index) HostedOn(email string, date time.Time) ([]model.Reservation, error) {
	parties, err := ix.partiesOn(date)
	if err != nil {
		return nil, err
	}
	want := identity.NormalizeEmail(email)
	if want == "" {
		return nil, nil
	}
	var out []model.Reservation
	for _, p := range parties {
		if identity.NormalizeEmail(p.HostEmail) == want {
			out = append(out, p)
		}
	}
	return out, nil
}

// AttendingOn はemailの顧客が出席予定の指定日のパーティーを返す。
// 主催者本人は含めない。
func (ix *Index) AttendingOn(email string, date time.Time) ([]model.Reservation, error) {
	parties, err := ix.partiesOn(date)
	if err != nil {
		return nil, err
	}
	want := identity.NormalizeEmail(email)
	if want == "" {
		return nil, nil
	}
	var out []model.Reservation
	for _, p := range parties {
		if identity.NormalizeEmail(p.HostEmail) == want {
			continue
		}
		for _, g := range p.Guests {
			if g.Attending && identity.NormalizeEmail(g.Email) == want {
				out = append(out, p)
				break
			}
		}
	}
	return out, nil
}

// Len は索引に含まれるパーティー数を返す。
func (ix *Index) Len() int {
	n := 0
	for _, ps := range ix.byDate {
		n += len(ps)
	}
	return n
}
