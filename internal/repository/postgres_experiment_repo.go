package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/gymflag/internal/model"
)

// PostgresExperimentRepo はPostgreSQLを使用した実験参加台帳のリポジトリ。
// (customer_id, experiment_id)のユニーク制約により確認と追記が不可分になる。
type PostgresExperimentRepo struct {
	db *sql.DB
}

// NewPostgresExperimentRepo はPostgresExperimentRepoを生成する。
func NewPostgresExperimentRepo(db *sql.DB) *PostgresExperimentRepo {
	return &PostgresExperimentRepo{db: db}
}

// Append はエントリを追加する。同じ(顧客ID, 実験ID)が既に存在する場合はfalseを返す。
func (r *PostgresExperimentRepo) Append(ctx context.Context, entry model.ExperimentEntry) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO experiment_entries
		   (customer_id, experiment_id, entry_date, ab_group, customer_id_last_digit, entry_flag)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (customer_id, experiment_id) DO NOTHING`,
		entry.CustomerID, entry.ExperimentID, entry.EntryDate.UTC().Format(model.DateLayout),
		string(entry.Group), entry.CustomerIDLastDigit(), entry.EntryFlag,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert experiment entry: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// ListByExperiment は指定実験の全エントリを参加日順に返す。
func (r *PostgresExperimentRepo) ListByExperiment(ctx context.Context, experimentID string) ([]model.ExperimentEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT customer_id, experiment_id, ab_group, entry_flag, entry_date
		 FROM experiment_entries
		 WHERE experiment_id = $1
		 ORDER BY entry_date, customer_id`,
		experimentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiment entries: %w", err)
	}
	defer rows.Close()

	var entries []model.ExperimentEntry
	for rows.Next() {
		var e model.ExperimentEntry
		var group string
		if err := rows.Scan(&e.CustomerID, &e.ExperimentID, &group, &e.EntryFlag, &e.EntryDate); err != nil {
			return nil, fmt.Errorf("failed to scan experiment entry: %w", err)
		}
		e.Group = model.Group(group)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate experiment entries: %w", err)
	}
	return entries, nil
}

// compile-time interface check
var _ ExperimentRepository = (*PostgresExperimentRepo)(nil)
