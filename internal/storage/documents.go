package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveDocument stores an ingested document. ID and CreatedAt are filled in
// when empty; the stored document is returned.
func (s *Store) SaveDocument(ctx context.Context, d Document) (Document, error) {
	if d.ID == "" {
		d.ID = DocumentID(newID("DOC_"))
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, owner_id, title, source, content, pages, chunk_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.OwnerID, d.Title, d.Source, d.Content, d.Pages, d.ChunkCount, formatTime(d.CreatedAt),
	)
	if err != nil {
		return Document{}, fmt.Errorf("inserting document: %w", err)
	}
	return d, nil
}

func (s *Store) GetDocument(ctx context.Context, id DocumentID) (Document, error) {
	var d Document
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, title, source, content, pages, chunk_count, created_at
		FROM documents WHERE id = ?`, id,
	).Scan(&d.ID, &d.OwnerID, &d.Title, &d.Source, &d.Content, &d.Pages, &d.ChunkCount, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	if d.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Document{}, err
	}
	return d, nil
}

// ListDocuments returns documents newest first without their content.
func (s *Store) ListDocuments(ctx context.Context, limit, offset int) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, title, source, pages, chunk_count, created_at
		FROM documents ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Document
	for rows.Next() {
		var d Document
		var createdAt string
		if err := rows.Scan(&d.ID, &d.OwnerID, &d.Title, &d.Source, &d.Pages, &d.ChunkCount, &createdAt); err != nil {
			return nil, err
		}
		if d.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		results = append(results, d)
	}
	return results, rows.Err()
}

func (s *Store) SetDocumentChunkCount(ctx context.Context, id DocumentID, n int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE documents SET chunk_count = ? WHERE id = ?`, n, id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// DeleteDocument removes a document and, through the foreign key, its passages.
func (s *Store) DeleteDocument(ctx context.Context, id DocumentID, requester UserID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var owner UserID
	err = tx.QueryRowContext(ctx, `SELECT owner_id FROM documents WHERE id = ?`, id).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if owner != requester {
		return ErrForbidden
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM passages WHERE document_id = ?`, id); err != nil {
		return fmt.Errorf("deleting passages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}
	return tx.Commit()
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
