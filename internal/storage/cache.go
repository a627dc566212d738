package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetCacheEntry returns the cache entry stored under hash.
func (s *Store) GetCacheEntry(ctx context.Context, hash QuestionHash) (CacheEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT question_hash, normalized_question, question, answer, source_refs, created_at
		FROM answer_cache WHERE question_hash = ?`, hash)
	e, err := scanCacheEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return CacheEntry{}, ErrNotFound
	}
	return e, err
}

// PutCacheEntry inserts or replaces the entry keyed by e.QuestionHash.
func (s *Store) PutCacheEntry(ctx context.Context, e CacheEntry) error {
	refs, err := encodeRefs(e.SourceRefs)
	if err != nil {
		return err
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO answer_cache (question_hash, normalized_question, question, answer, source_refs, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(question_hash) DO UPDATE SET
			normalized_question = excluded.normalized_question,
			question = excluded.question,
			answer = excluded.answer,
			source_refs = excluded.source_refs,
			created_at = excluded.created_at`,
		e.QuestionHash, e.NormalizedQuestion, e.Question, e.Answer, refs, formatTime(createdAt),
	)
	if err != nil {
		return fmt.Errorf("upserting cache entry: %w", err)
	}
	return nil
}

// DeleteCacheEntry removes the entry keyed by hash. Missing entries are not an error.
func (s *Store) DeleteCacheEntry(ctx context.Context, hash QuestionHash) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM answer_cache WHERE question_hash = ?`, hash); err != nil {
		return fmt.Errorf("deleting cache entry: %w", err)
	}
	return nil
}

// RecentCacheEntries returns up to limit entries, newest first.
func (s *Store) RecentCacheEntries(ctx context.Context, limit int) ([]CacheEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT question_hash, normalized_question, question, answer, source_refs, created_at
		FROM answer_cache ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []CacheEntry
	for rows.Next() {
		e, err := scanCacheEntry(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCacheEntry(row rowScanner) (CacheEntry, error) {
	var e CacheEntry
	var refs, createdAt string
	if err := row.Scan(&e.QuestionHash, &e.NormalizedQuestion, &e.Question, &e.Answer, &refs, &createdAt); err != nil {
		return CacheEntry{}, err
	}
	var err error
	if e.SourceRefs, err = decodeRefs(refs); err != nil {
		return CacheEntry{}, err
	}
	if e.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return CacheEntry{}, err
	}
	return e, nil
}
