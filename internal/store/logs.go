package store

import (
	"context"
	"fmt"

	"tgmirror/pkg/mirror"
)

// InsertLogs writes records in a single transaction.
func (s *Store) InsertLogs(ctx context.Context, records []mirror.LogRecord) error {
	if len(records) == 0 {
		return nil
	}

	return withRetry(ctx, "insert logs", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}

		statement, err := tx.PrepareContext(ctx, s.rebind(insertLogQuery))
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("prepare: %w", err)
		}
		defer statement.Close()

		for _, record := range records {
			createdAt := record.CreatedAt
			if createdAt.IsZero() {
				createdAt = s.timestamp()
			}
			if _, err := statement.ExecContext(ctx,
				record.WorkerID,
				record.WorkerName,
				record.Level,
				record.Message,
				createdAt.UTC(),
				record.Sent,
			); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("insert: %w", err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}

		return nil
	})
}

// RecentLogs returns up to limit records of one worker, newest first.
func (s *Store) RecentLogs(ctx context.Context, workerID int64, limit int) ([]mirror.LogRecord, error) {
	if limit <= 0 {
		return nil, nil
	}

	var records []mirror.LogRecord
	err := withRetry(ctx, "select recent logs", func() error {
		rows, err := s.db.QueryContext(ctx, s.rebind(selectRecentLogsQuery), workerID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		records = records[:0]
		for rows.Next() {
			var record mirror.LogRecord
			if err := rows.Scan(
				&record.WorkerID,
				&record.WorkerName,
				&record.Level,
				&record.Message,
				&record.CreatedAt,
				&record.Sent,
			); err != nil {
				return fmt.Errorf("scan log record: %w", err)
			}
			records = append(records, record)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return records, nil
}
