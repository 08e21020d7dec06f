// Package store keeps the backend's small amount of durable state: the
// scheduler subscription it owns and a ledger of finished job transfers.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"cpdbcups/internal/model"
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbPath))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) WithTx(ctx context.Context, readOnly bool, fn func(tx *sql.Tx) error) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: readOnly})
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// SaveSubscription makes sub the only recorded subscription. A zero id
// clears the record.
func (s *Store) SaveSubscription(ctx context.Context, tx *sql.Tx, sub model.Subscription) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM subscriptions`); err != nil {
		return err
	}
	if sub.ID <= 0 {
		return nil
	}
	renewed := sub.RenewedAt
	if renewed.IsZero() {
		renewed = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, `
        INSERT INTO subscriptions (id, user_data, lease_seconds, renewed_at)
        VALUES (?, ?, ?, ?)
    `, sub.ID, sub.UserData, sub.LeaseSecs, renewed)
	return err
}

// TouchSubscription records a successful renewal.
func (s *Store) TouchSubscription(ctx context.Context, tx *sql.Tx, id int) error {
	_, err := tx.ExecContext(ctx, `UPDATE subscriptions SET renewed_at = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}

// CurrentSubscription returns the recorded subscription, if any.
func (s *Store) CurrentSubscription(ctx context.Context, tx *sql.Tx) (model.Subscription, bool, error) {
	var sub model.Subscription
	err := tx.QueryRowContext(ctx, `
        SELECT id, user_data, lease_seconds, renewed_at
        FROM subscriptions
        ORDER BY renewed_at DESC
        LIMIT 1
    `).Scan(&sub.ID, &sub.UserData, &sub.LeaseSecs, &sub.RenewedAt)
	if err == sql.ErrNoRows {
		return model.Subscription{}, false, nil
	}
	if err != nil {
		return model.Subscription{}, false, err
	}
	return sub, true, nil
}

// RecordTransfer appends a finished transfer to the ledger.
func (s *Store) RecordTransfer(ctx context.Context, tx *sql.Tx, o model.TransferOutcome) (int64, error) {
	if o.Finished.IsZero() {
		o.Finished = time.Now().UTC()
	}
	if o.Started.IsZero() {
		o.Started = o.Finished
	}
	res, err := tx.ExecContext(ctx, `
        INSERT INTO job_transfers (job_id, printer, title, bytes, completed, error, started_at, finished_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
    `, o.JobID, o.Printer, o.Title, o.Bytes, boolToInt(o.Completed), o.Error, o.Started.UTC(), o.Finished.UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListTransfers returns the newest transfers first. An empty printer
// matches every printer; limit <= 0 means no limit.
func (s *Store) ListTransfers(ctx context.Context, tx *sql.Tx, printer string, limit int) ([]model.TransferOutcome, error) {
	query := `
        SELECT job_id, printer, title, bytes, completed, error, started_at, finished_at
        FROM job_transfers
    `
	args := []any{}
	if printer != "" {
		query += ` WHERE printer = ?`
		args = append(args, printer)
	}
	query += ` ORDER BY finished_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TransferOutcome
	for rows.Next() {
		var o model.TransferOutcome
		var completed int
		if err := rows.Scan(&o.JobID, &o.Printer, &o.Title, &o.Bytes, &completed, &o.Error, &o.Started, &o.Finished); err != nil {
			return nil, err
		}
		o.Completed = completed != 0
		out = append(out, o)
	}
	return out, rows.Err()
}

// PruneTransfers drops ledger rows that finished before cutoff.
func (s *Store) PruneTransfers(ctx context.Context, tx *sql.Tx, cutoff time.Time) (int64, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM job_transfers WHERE finished_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
