package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tgmirror/pkg/mirror"
)

// UpsertMessageMapping inserts or replaces the mapping for one source message.
func (s *Store) UpsertMessageMapping(ctx context.Context, mapping mirror.MessageMapping) error {
	createdAt := mapping.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.timestamp()
	}

	return withRetry(ctx, "upsert message mapping", func() error {
		_, err := s.db.ExecContext(ctx, s.rebind(upsertMessageMappingQuery),
			mapping.WorkerID,
			mapping.SourceChatID,
			mapping.TargetChatID,
			mapping.SourceMessageID,
			mapping.TargetMessageID,
			createdAt.UTC(),
		)
		return err
	})
}

// TargetMessageID looks up the target id mapped to one source message.
func (s *Store) TargetMessageID(ctx context.Context, workerID, sourceChatID int64, sourceMessageID int) (int, bool, error) {
	var targetID int
	err := withRetry(ctx, "select target message id", func() error {
		return s.db.QueryRowContext(ctx, s.rebind(selectTargetMessageIDQuery),
			workerID, sourceChatID, sourceMessageID,
		).Scan(&targetID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	return targetID, true, nil
}

// DeleteMessageMapping removes the mapping for one source message.
func (s *Store) DeleteMessageMapping(ctx context.Context, workerID, sourceChatID int64, sourceMessageID int) error {
	return withRetry(ctx, "delete message mapping", func() error {
		_, err := s.db.ExecContext(ctx, s.rebind(deleteMessageMappingQuery),
			workerID, sourceChatID, sourceMessageID,
		)
		return err
	})
}

// RecentMessageMappings returns up to limit mappings, newest first.
func (s *Store) RecentMessageMappings(
	ctx context.Context,
	workerID, sourceChatID int64,
	limit int,
) ([]mirror.MessageMapping, error) {
	if limit <= 0 {
		return nil, nil
	}

	var mappings []mirror.MessageMapping
	err := withRetry(ctx, "select recent message mappings", func() error {
		rows, err := s.db.QueryContext(ctx, s.rebind(selectRecentMessageMappingsQuery),
			workerID, sourceChatID, limit,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		mappings = make([]mirror.MessageMapping, 0, min(limit, 1024))
		for rows.Next() {
			var mapping mirror.MessageMapping
			if err := rows.Scan(
				&mapping.WorkerID,
				&mapping.SourceChatID,
				&mapping.TargetChatID,
				&mapping.SourceMessageID,
				&mapping.TargetMessageID,
				&mapping.CreatedAt,
			); err != nil {
				return fmt.Errorf("scan message mapping: %w", err)
			}
			mappings = append(mappings, mapping)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return mappings, nil
}

// MessageMappingCount counts persisted mappings and returns the newest creation time.
func (s *Store) MessageMappingCount(ctx context.Context, workerID, sourceChatID int64) (int, time.Time, error) {
	var count int
	err := withRetry(ctx, "count message mappings", func() error {
		return s.db.QueryRowContext(ctx, s.rebind(countMessageMappingsQuery),
			workerID, sourceChatID,
		).Scan(&count)
	})
	if err != nil {
		return 0, time.Time{}, err
	}
	if count == 0 {
		return 0, time.Time{}, nil
	}

	var latest time.Time
	err = withRetry(ctx, "select latest message mapping", func() error {
		return s.db.QueryRowContext(ctx, s.rebind(selectLatestMessageMappingQuery),
			workerID, sourceChatID,
		).Scan(&latest)
	})
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, time.Time{}, err
	}

	return count, latest, nil
}
