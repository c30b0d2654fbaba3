package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/gymflag/internal/model"
)

// PostgresFlagRepo はPostgreSQLを使用したフラグ台帳のリポジトリ。
type PostgresFlagRepo struct {
	db *sql.DB
}

// NewPostgresFlagRepo はPostgresFlagRepoを生成する。
func NewPostgresFlagRepo(db *sql.DB) *PostgresFlagRepo {
	return &PostgresFlagRepo{db: db}
}

// Append はフラグを1トランザクションで追記し、追加した件数を返す。
func (r *PostgresFlagRepo) Append(ctx context.Context, flags []model.Flag) (int, error) {
	if len(flags) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO flags (customer_id, flag_type, triggered_at, triggered_date, flag_data, priority)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (customer_id, flag_type, triggered_date) DO NOTHING`,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare flag insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, f := range flags {
		data, err := f.DataJSON()
		if err != nil {
			return 0, err
		}
		result, err := stmt.ExecContext(ctx,
			f.CustomerID, f.FlagType, f.TriggeredAt, f.TriggeredDate(), data, string(f.Priority),
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert flag: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to get rows affected: %w", err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return inserted, nil
}

// ListSince はsince以降の日付に発火したフラグを発火日時順に返す。
func (r *PostgresFlagRepo) ListSince(ctx context.Context, since time.Time) ([]model.Flag, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT customer_id, flag_type, triggered_at, flag_data, priority
		 FROM flags
		 WHERE triggered_date >= $1
		 ORDER BY triggered_at, id`,
		since.UTC().Format(model.DateLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list flags: %w", err)
	}
	defer rows.Close()

	return scanFlags(rows)
}

// ListActive はnowからretentionDays日以内に発火した報告対象のフラグを優先度順に返す。
func (r *PostgresFlagRepo) ListActive(ctx context.Context, now time.Time, retentionDays int) ([]model.Flag, error) {
	today := now.UTC()
	rows, err := r.db.QueryContext(ctx,
		`SELECT customer_id, flag_type, triggered_at, flag_data, priority
		 FROM flags
		 WHERE triggered_date >= $1 AND triggered_date <= $2
		 ORDER BY triggered_at, id`,
		today.AddDate(0, 0, -retentionDays).Format(model.DateLayout),
		today.Format(model.DateLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list active flags: %w", err)
	}
	defer rows.Close()

	flags, err := scanFlags(rows)
	if err != nil {
		return nil, err
	}
	model.SortFlags(flags)
	return flags, nil
}

func scanFlags(rows *sql.Rows) ([]model.Flag, error) {
	var flags []model.Flag
	for rows.Next() {
		var f model.Flag
		var data, priority string
		if err := rows.Scan(&f.CustomerID, &f.FlagType, &f.TriggeredAt, &data, &priority); err != nil {
			return nil, fmt.Errorf("failed to scan flag: %w", err)
		}
		f.Priority = model.Priority(priority)
		if data != "" {
			if err := json.Unmarshal([]byte(data), &f.Data); err != nil {
				return nil, fmt.Errorf("failed to decode flag_data of %s/%s: %w", f.CustomerID, f.FlagType, err)
			}
		}
		flags = append(flags, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate flags: %w", err)
	}
	return flags, nil
}

// compile-time interface check
var _ FlagRepository = (*PostgresFlagRepo)(nil)
