package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/askd/internal/metrics"
)

// maxTopicRunes bounds the topic derived from a question.
const maxTopicRunes = 100

// CreateConversation starts an empty thread owned by owner.
func (s *Store) CreateConversation(ctx context.Context, owner UserID, topic string) (Conversation, error) {
	c := Conversation{
		ID:        ConversationID(newID("CNV_")),
		OwnerID:   owner,
		Topic:     truncateRunes(strings.TrimSpace(topic), maxTopicRunes),
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, owner_id, topic, created_at) VALUES (?, ?, ?, ?)`,
		c.ID, c.OwnerID, c.Topic, formatTime(c.CreatedAt),
	)
	if err != nil {
		return Conversation{}, fmt.Errorf("inserting conversation: %w", err)
	}
	return c, nil
}

// StartConversation creates a conversation and appends its first messages in
// one transaction, so a failure leaves neither behind.
func (s *Store) StartConversation(ctx context.Context, owner UserID, topic string, msgs []NewMessage) (Conversation, []int, error) {
	if err := validateMessages(msgs); err != nil {
		return Conversation{}, nil, err
	}

	c := Conversation{
		ID:        ConversationID(newID("CNV_")),
		OwnerID:   owner,
		Topic:     truncateRunes(strings.TrimSpace(topic), maxTopicRunes),
		CreatedAt: time.Now().UTC(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Conversation{}, nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, owner_id, topic, created_at) VALUES (?, ?, ?, ?)`,
		c.ID, c.OwnerID, c.Topic, formatTime(c.CreatedAt),
	); err != nil {
		return Conversation{}, nil, fmt.Errorf("inserting conversation: %w", err)
	}

	positions, err := insertMessages(ctx, tx, c.ID, msgs)
	if err != nil {
		return Conversation{}, nil, err
	}
	if c.Topic == "" {
		if c.Topic, err = setTopicFromMessages(ctx, tx, c.ID, msgs); err != nil {
			return Conversation{}, nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return Conversation{}, nil, fmt.Errorf("committing conversation: %w", err)
	}
	metrics.MessagesAppended.Add(float64(len(positions)))
	return c, positions, nil
}

func (s *Store) GetConversation(ctx context.Context, id ConversationID) (Conversation, error) {
	var c Conversation
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, topic, created_at FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &c.OwnerID, &c.Topic, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	if c.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Conversation{}, err
	}
	return c, nil
}

// OwnedConversationIDs returns the set of conversation ids owned by owner.
func (s *Store) OwnedConversationIDs(ctx context.Context, owner UserID) (map[ConversationID]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM conversations WHERE owner_id = ?`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[ConversationID]struct{})
	for rows.Next() {
		var id ConversationID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// ListConversations returns owner's conversations, newest first, with message counts.
func (s *Store) ListConversations(ctx context.Context, owner UserID) ([]ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.owner_id, c.topic, c.created_at, COUNT(m.id)
		FROM conversations c
		LEFT JOIN messages m ON m.conversation_id = c.id
		WHERE c.owner_id = ?
		GROUP BY c.id
		ORDER BY c.created_at DESC, c.rowid DESC`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ConversationSummary
	for rows.Next() {
		var cs ConversationSummary
		var createdAt string
		if err := rows.Scan(&cs.ID, &cs.OwnerID, &cs.Topic, &createdAt, &cs.MessageCount); err != nil {
			return nil, err
		}
		if cs.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		results = append(results, cs)
	}
	return results, rows.Err()
}

// DeleteConversation removes a conversation and all of its messages.
// Only the owner may delete it.
func (s *Store) DeleteConversation(ctx context.Context, id ConversationID, requester UserID) error {
	unlock := s.convLocks.Lock(id)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var owner UserID
	err = tx.QueryRowContext(ctx, `SELECT owner_id FROM conversations WHERE id = ?`, id).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if owner != requester {
		return ErrForbidden
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	return tx.Commit()
}

// --- Messages ---

// AppendMessage appends one message and returns its position.
func (s *Store) AppendMessage(ctx context.Context, id ConversationID, msg NewMessage) (int, error) {
	positions, err := s.AppendMessages(ctx, id, []NewMessage{msg})
	if err != nil {
		return 0, err
	}
	return positions[0], nil
}

// AppendMessages appends msgs at consecutive positions after the current
// maximum. The read of the maximum and the inserts share one transaction and
// run under the conversation's lock. A position conflict (another process
// writing the same conversation) is retried once.
func (s *Store) AppendMessages(ctx context.Context, id ConversationID, msgs []NewMessage) ([]int, error) {
	if err := validateMessages(msgs); err != nil {
		return nil, err
	}

	unlock := s.convLocks.Lock(id)
	defer unlock()

	positions, err := s.appendOnce(ctx, id, msgs)
	if errors.Is(err, ErrConflict) {
		metrics.AppendRetries.Inc()
		positions, err = s.appendOnce(ctx, id, msgs)
	}
	if err != nil {
		return nil, err
	}
	metrics.MessagesAppended.Add(float64(len(positions)))
	return positions, nil
}

func (s *Store) appendOnce(ctx context.Context, id ConversationID, msgs []NewMessage) ([]int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var topic string
	err = tx.QueryRowContext(ctx, `SELECT topic FROM conversations WHERE id = ?`, id).Scan(&topic)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	positions, err := insertMessages(ctx, tx, id, msgs)
	if err != nil {
		return nil, err
	}
	if topic == "" {
		if _, err := setTopicFromMessages(ctx, tx, id, msgs); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("committing messages: %w", err)
	}
	return positions, nil
}

// afterPositionRead, when set, runs between reading the last position and
// inserting. Tests use it to inject a competing writer.
var afterPositionRead func(ctx context.Context, tx *sql.Tx, id ConversationID, last int) error

func insertMessages(ctx context.Context, tx *sql.Tx, id ConversationID, msgs []NewMessage) ([]int, error) {
	var last int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), 0) FROM messages WHERE conversation_id = ?`, id,
	).Scan(&last); err != nil {
		return nil, fmt.Errorf("reading last position: %w", err)
	}
	if afterPositionRead != nil {
		if err := afterPositionRead(ctx, tx, id, last); err != nil {
			return nil, err
		}
	}

	now := formatTime(time.Now())
	positions := make([]int, len(msgs))
	for i, m := range msgs {
		pos := last + 1 + i
		refs, err := encodeRefs(m.SourceRefs)
		if err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, position, sender, content, source_refs, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			newID("MSG_"), id, pos, m.Sender, m.Content, refs, now,
		)
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("inserting message at position %d: %w", pos, ErrConflict)
		}
		if err != nil {
			return nil, fmt.Errorf("inserting message at position %d: %w", pos, err)
		}
		positions[i] = pos
	}
	return positions, nil
}

// setTopicFromMessages sets an empty topic from the first user message. The
// WHERE clause keeps the topic write-once.
func setTopicFromMessages(ctx context.Context, tx *sql.Tx, id ConversationID, msgs []NewMessage) (string, error) {
	for _, m := range msgs {
		if m.Sender != SenderUser {
			continue
		}
		topic := truncateRunes(strings.TrimSpace(m.Content), maxTopicRunes)
		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET topic = ? WHERE id = ? AND topic = ''`, topic, id,
		); err != nil {
			return "", fmt.Errorf("setting topic: %w", err)
		}
		return topic, nil
	}
	return "", nil
}

func validateMessages(msgs []NewMessage) error {
	if len(msgs) == 0 {
		return fmt.Errorf("no messages to append")
	}
	for _, m := range msgs {
		if !m.Sender.Valid() {
			return fmt.Errorf("invalid sender %q", m.Sender)
		}
	}
	return nil
}

// ListMessages returns every message of the conversation in position order.
func (s *Store) ListMessages(ctx context.Context, id ConversationID) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, position, sender, content, source_refs, timestamp
		FROM messages WHERE conversation_id = ? ORDER BY position ASC`, id)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// RecentMessages returns the last k messages of the conversation in position order.
func (s *Store) RecentMessages(ctx context.Context, id ConversationID, k int) ([]Message, error) {
	if k <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, position, sender, content, source_refs, timestamp
		FROM (
			SELECT * FROM messages WHERE conversation_id = ? ORDER BY position DESC LIMIT ?
		) ORDER BY position ASC`, id, k)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()

	var results []Message
	for rows.Next() {
		var m Message
		var refs, ts string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Position, &m.Sender, &m.Content, &refs, &ts); err != nil {
			return nil, err
		}
		var err error
		if m.SourceRefs, err = decodeRefs(refs); err != nil {
			return nil, err
		}
		if m.Timestamp, err = parseTime("timestamp", ts); err != nil {
			return nil, err
		}
		results = append(results, m)
	}
	return results, rows.Err()
}
