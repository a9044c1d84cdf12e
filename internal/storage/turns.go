package storage

import (
	"context"
	"fmt"
	"time"
)

func (s *Store) AppendTurn(ctx context.Context, t Turn) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.SourcesJSON == "" {
		t.SourcesJSON = "[]"
	}
	if t.FollowUps == "" {
		t.FollowUps = "[]"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_turns (id, session_id, question, mode, sources_json, answer, follow_ups, no_context, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SessionID, t.Question, t.Mode, t.SourcesJSON, t.Answer, t.FollowUps, t.NoContext, formatTime(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("appending turn to session %s: %w", t.SessionID, err)
	}
	return nil
}

// RecentTurns returns up to limit most recent turns of a session, oldest
// first. A limit <= 0 returns the whole session.
func (s *Store) RecentTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, question, mode, sources_json, answer, follow_ups, no_context, created_at
		FROM (
			SELECT * FROM conversation_turns WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var createdAt string
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Question, &t.Mode, &t.SourcesJSON, &t.Answer, &t.FollowUps, &t.NoContext, &createdAt); err != nil {
			return nil, err
		}
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}
