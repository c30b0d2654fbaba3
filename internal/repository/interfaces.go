// Package repository はデータ永続化のインターフェースを定義する。
//
// 識別子・フラグ・実験参加の各台帳は追記のみで、既存行を更新しない。
// 重複はユニーク制約とON CONFLICT DO NOTHINGで吸収する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/gymflag/internal/model"
)

// CustomerRepository は正規顧客と識別子台帳の永続化インターフェース。
type CustomerRepository interface {
	// SaveCustomers は未登録の正規顧客を追加し、追加した件数を返す。
	SaveCustomers(ctx context.Context, customers []model.CanonicalCustomer) (int, error)

	// AppendIdentifiers は識別子を追記し、追加した件数を返す。
	// 同じ(種別, 値, 顧客ID)が既に存在する行は無視する。
	AppendIdentifiers(ctx context.Context, identifiers []model.Identifier) (int, error)
}

// EventRepository はイベントスナップショットの永続化インターフェース。
type EventRepository interface {
	// ReplaceAll は全イベントを1トランザクションで置き換える。
	// 途中で失敗した場合は以前のスナップショットが残る。
	ReplaceAll(ctx context.Context, events []model.Event) error

	// CountByType はイベント種別ごとの件数を返す。
	CountByType(ctx context.Context) (map[model.EventType]int, error)
}

// FlagRepository はフラグ台帳の永続化インターフェース。
type FlagRepository interface {
	// Append はフラグを1トランザクションで追記し、追加した件数を返す。
	// 同じ(顧客ID, フラグ種別, 発火日)が既に存在する行は無視する。
	Append(ctx context.Context, flags []model.Flag) (int, error)

	// ListSince はsince以降の日付に発火したフラグを発火日時順に返す。
	// クールダウン判定のための履歴として使う。
	ListSince(ctx context.Context, since time.Time) ([]model.Flag, error)

	// ListActive はnowからretentionDays日以内に発火した報告対象のフラグを優先度順に返す。
	ListActive(ctx context.Context, now time.Time, retentionDays int) ([]model.Flag, error)
}

// ExperimentRepository は実験参加台帳の永続化インターフェース。
type ExperimentRepository interface {
	// Append はエントリを追加する。同じ(顧客ID, 実験ID)が既に存在する場合はfalseを返す。
	Append(ctx context.Context, entry model.ExperimentEntry) (bool, error)

	// ListByExperiment は指定実験の全エントリを参加日順に返す。
	ListByExperiment(ctx context.Context, experimentID string) ([]model.ExperimentEntry, error)
}
