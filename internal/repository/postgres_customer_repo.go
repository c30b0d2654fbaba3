package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/gymflag/internal/model"
)

// PostgresCustomerRepo はPostgreSQLを使用した正規顧客・識別子リポジトリ。
type PostgresCustomerRepo struct {
	db *sql.DB
}

// NewPostgresCustomerRepo はPostgresCustomerRepoを生成する。
func NewPostgresCustomerRepo(db *sql.DB) *PostgresCustomerRepo {
	return &PostgresCustomerRepo{db: db}
}

// SaveCustomers は未登録の正規顧客を追加し、追加した件数を返す。
func (r *PostgresCustomerRepo) SaveCustomers(ctx context.Context, customers []model.CanonicalCustomer) (int, error) {
	if len(customers) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO customers (id, display_name, created_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO NOTHING`,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare customer insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, c := range customers {
		result, err := stmt.ExecContext(ctx, c.ID, c.DisplayName, c.CreatedAt)
		if err != nil {
			return 0, fmt.Errorf("failed to insert customer %s: %w", c.ID, err)
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

// AppendIdentifiers は識別子を追記し、追加した件数を返す。
func (r *PostgresCustomerRepo) AppendIdentifiers(ctx context.Context, identifiers []model.Identifier) (int, error) {
	if len(identifiers) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO customer_identifiers
		   (source, source_id, identifier_type, normalized_value, customer_id, confidence, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (identifier_type, normalized_value, customer_id) DO NOTHING`,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare identifier insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, id := range identifiers {
		result, err := stmt.ExecContext(ctx,
			id.Source, id.SourceID, string(id.Type), id.NormalizedValue,
			id.CustomerID, string(id.Confidence), id.CreatedAt,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert identifier: %w", err)
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

// compile-time interface check
var _ CustomerRepository = (*PostgresCustomerRepo)(nil)
