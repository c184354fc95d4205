package assistant

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"coachchat/internal/models"

	"github.com/pkg/errors"
)

var (
	ErrDocumentTitleRequired = errors.New("title is required")
	ErrDocumentIDsRequired   = errors.New("file ids are required")
)

const documentColumns = `id, project_id, user_id, title, content, is_direct_file, created_at, updated_at`

func scanDocument(row rowScanner) (*models.Document, error) {
	var d models.Document
	if err := row.Scan(&d.ID, &d.ProjectID, &d.UserID, &d.Title, &d.Content, &d.IsDirectFile, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDocuments returns the direct files of a project owned by the user,
// most recently updated first.
func (s *Service) ListDocuments(ctx context.Context, userID int64, projectID string) ([]*models.Document, error) {
	if _, err := s.GetProject(ctx, userID, projectID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE project_id = ? AND is_direct_file = ? ORDER BY updated_at DESC`,
		projectID, true,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list documents")
	}
	defer rows.Close()

	docs := make([]*models.Document, 0)
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan document")
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// GetDocument returns a direct file of the user's project, or sql.ErrNoRows.
func (s *Service) GetDocument(ctx context.Context, userID int64, projectID string, documentID int64) (*models.Document, error) {
	doc, err := scanDocument(s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = ? AND user_id = ? AND project_id = ? AND is_direct_file = ?`,
		documentID, userID, projectID, true,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, errors.Wrap(err, "load document")
	}
	return doc, nil
}

// CreateDocumentWithChunks stores a direct file and its sections atomically.
func (s *Service) CreateDocumentWithChunks(ctx context.Context, userID int64, projectID, title, content string, sections []models.DocumentSection) (*models.Document, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ErrDocumentTitleRequired
	}
	if _, err := s.GetProject(ctx, userID, projectID); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO documents (project_id, user_id, title, content, is_direct_file, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		projectID, userID, title, content, true, now, now,
	)
	if err != nil {
		return nil, errors.Wrap(err, "create document")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "document id")
	}
	if err := insertSections(ctx, tx, id, sections, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit create document")
	}
	return &models.Document{
		ID:           id,
		ProjectID:    projectID,
		UserID:       userID,
		Title:        title,
		Content:      content,
		IsDirectFile: true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// UpdateDocumentWithChunks rewrites a direct file and replaces its section set.
// Returns sql.ErrNoRows when the file is not the user's or not in the project.
func (s *Service) UpdateDocumentWithChunks(ctx context.Context, userID int64, projectID string, documentID int64, title, content string, sections []models.DocumentSection) (*models.Document, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ErrDocumentTitleRequired
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	doc, err := scanDocument(tx.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = ? AND user_id = ? AND project_id = ? AND is_direct_file = ?`,
		documentID, userID, projectID, true,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, errors.Wrap(err, "load document")
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE documents SET title = ?, content = ?, updated_at = ? WHERE id = ?`,
		title, content, now, documentID,
	); err != nil {
		return nil, errors.Wrap(err, "update document")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM document_sections WHERE document_id = ?`, documentID); err != nil {
		return nil, errors.Wrap(err, "clear sections")
	}
	if err := insertSections(ctx, tx, documentID, sections, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit update document")
	}
	doc.Title = title
	doc.Content = content
	doc.UpdatedAt = now
	return doc, nil
}

// DeleteDocuments removes direct files from a project; sections cascade.
func (s *Service) DeleteDocuments(ctx context.Context, userID int64, projectID string, documentIDs []int64) (int64, error) {
	if len(documentIDs) == 0 {
		return 0, ErrDocumentIDsRequired
	}
	holders, args := inClause(documentIDs)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE user_id = ? AND project_id = ? AND is_direct_file = ? AND id IN (`+holders+`)`,
		append([]any{userID, projectID, true}, args...)...,
	)
	if err != nil {
		return 0, errors.Wrap(err, "delete documents")
	}
	return res.RowsAffected()
}

// ListSections returns a document's sections in chunk order.
func (s *Service) ListSections(ctx context.Context, documentID int64) ([]models.DocumentSection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document_id, chunk_index, content, embedding FROM document_sections WHERE document_id = ? ORDER BY chunk_index ASC`,
		documentID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list sections")
	}
	defer rows.Close()

	var sections []models.DocumentSection
	for rows.Next() {
		var (
			sec models.DocumentSection
			raw sql.NullString
		)
		if err := rows.Scan(&sec.ID, &sec.DocumentID, &sec.ChunkIndex, &sec.Content, &raw); err != nil {
			return nil, errors.Wrap(err, "scan section")
		}
		if sec.Embedding, err = decodeEmbedding(raw); err != nil {
			return nil, errors.Wrapf(err, "decode embedding of section %d", sec.ID)
		}
		sections = append(sections, sec)
	}
	return sections, rows.Err()
}

func insertSections(ctx context.Context, tx *sql.Tx, documentID int64, sections []models.DocumentSection, now time.Time) error {
	for i, sec := range sections {
		raw, err := json.Marshal(sec.Embedding)
		if err != nil {
			return errors.Wrap(err, "encode embedding")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO document_sections (document_id, chunk_index, content, embedding, created_at) VALUES (?, ?, ?, ?, ?)`,
			documentID, i, sec.Content, string(raw), now,
		); err != nil {
			return errors.Wrapf(err, "insert section %d", i)
		}
	}
	return nil
}

func decodeEmbedding(raw sql.NullString) ([]float32, error) {
	if !raw.Valid || raw.String == "" || raw.String == "null" {
		return nil, nil
	}
	var v []float32
	if err := json.Unmarshal([]byte(raw.String), &v); err != nil {
		return nil, err
	}
	return v, nil
}
