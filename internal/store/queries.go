package store

const (
	upsertMessageMappingQuery = `
		INSERT INTO message_mappings
			(worker_id, source_chat_id, target_chat_id, source_msg_id, target_msg_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (worker_id, source_chat_id, source_msg_id) DO UPDATE SET
			target_chat_id = excluded.target_chat_id,
			target_msg_id = excluded.target_msg_id,
			created_at = excluded.created_at`

	selectTargetMessageIDQuery = `
		SELECT target_msg_id FROM message_mappings
		WHERE worker_id = ? AND source_chat_id = ? AND source_msg_id = ?`

	deleteMessageMappingQuery = `
		DELETE FROM message_mappings
		WHERE worker_id = ? AND source_chat_id = ? AND source_msg_id = ?`

	selectRecentMessageMappingsQuery = `
		SELECT worker_id, source_chat_id, target_chat_id, source_msg_id, target_msg_id, created_at
		FROM message_mappings
		WHERE worker_id = ? AND source_chat_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`

	countMessageMappingsQuery = `
		SELECT COUNT(*) FROM message_mappings
		WHERE worker_id = ? AND source_chat_id = ?`

	selectLatestMessageMappingQuery = `
		SELECT created_at FROM message_mappings
		WHERE worker_id = ? AND source_chat_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`

	upsertTopicMappingQuery = `
		INSERT INTO topic_mappings
			(worker_id, source_chat_id, target_chat_id, source_topic_id, target_topic_id, topic_title, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (worker_id, source_chat_id, source_topic_id) DO UPDATE SET
			target_chat_id = excluded.target_chat_id,
			target_topic_id = excluded.target_topic_id,
			topic_title = excluded.topic_title,
			created_at = excluded.created_at`

	selectTopicMappingsQuery = `
		SELECT worker_id, source_chat_id, target_chat_id, source_topic_id, target_topic_id, topic_title, created_at
		FROM topic_mappings
		WHERE worker_id = ? AND source_chat_id = ? AND target_chat_id = ?
		ORDER BY source_topic_id`

	insertLogQuery = `
		INSERT INTO logs (worker_id, worker_name, level, message, created_at, sent)
		VALUES (?, ?, ?, ?, ?, ?)`

	selectRecentLogsQuery = `
		SELECT worker_id, worker_name, level, message, created_at, sent
		FROM logs
		WHERE worker_id = ?
		ORDER BY id DESC
		LIMIT ?`
)
