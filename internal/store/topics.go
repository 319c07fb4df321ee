package store

import (
	"context"
	"fmt"

	"tgmirror/pkg/mirror"
)

// UpsertTopicMapping inserts or replaces the mapping for one source topic.
func (s *Store) UpsertTopicMapping(ctx context.Context, mapping mirror.TopicMapping) error {
	createdAt := mapping.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.timestamp()
	}

	return withRetry(ctx, "upsert topic mapping", func() error {
		_, err := s.db.ExecContext(ctx, s.rebind(upsertTopicMappingQuery),
			mapping.WorkerID,
			mapping.SourceChatID,
			mapping.TargetChatID,
			mapping.SourceTopicID,
			mapping.TargetTopicID,
			mapping.Title,
			createdAt.UTC(),
		)
		return err
	})
}

// TopicMappings returns every persisted topic mapping for one chat pair.
func (s *Store) TopicMappings(ctx context.Context, workerID, sourceChatID, targetChatID int64) ([]mirror.TopicMapping, error) {
	var mappings []mirror.TopicMapping
	err := withRetry(ctx, "select topic mappings", func() error {
		rows, err := s.db.QueryContext(ctx, s.rebind(selectTopicMappingsQuery),
			workerID, sourceChatID, targetChatID,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		mappings = mappings[:0]
		for rows.Next() {
			var mapping mirror.TopicMapping
			if err := rows.Scan(
				&mapping.WorkerID,
				&mapping.SourceChatID,
				&mapping.TargetChatID,
				&mapping.SourceTopicID,
				&mapping.TargetTopicID,
				&mapping.Title,
				&mapping.CreatedAt,
			); err != nil {
				return fmt.Errorf("scan topic mapping: %w", err)
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
