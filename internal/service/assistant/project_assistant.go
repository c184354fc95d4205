package assistant

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"time"

	"coachchat/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const recentProjectLimit = 8

var (
	ErrProjectNameRequired  = errors.New("project name is required")
	ErrProjectIDsRequired   = errors.New("project ids are required")
	ErrDefaultProjectDelete = errors.New("cannot delete default project")
	ErrOnlyProjectDefault   = errors.New("cannot unset default on the only project")
)

// ProjectInput carries the writable fields of a project.
type ProjectInput struct {
	Name        string
	Description *string
	IsDefault   bool
}

func (in ProjectInput) normalize() (ProjectInput, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return in, ErrProjectNameRequired
	}
	if in.Description != nil {
		d := strings.TrimSpace(*in.Description)
		if d == "" {
			in.Description = nil
		} else {
			in.Description = &d
		}
	}
	return in, nil
}

const projectColumns = `id, user_id, name, description, is_default, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*models.Project, error) {
	var (
		p    models.Project
		desc sql.NullString
	)
	if err := row.Scan(&p.ID, &p.UserID, &p.Name, &desc, &p.IsDefault, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if desc.Valid {
		p.Description = &desc.String
	}
	return &p, nil
}

// ListProjects returns the user's projects, newest first.
func (s *Service) ListProjects(ctx context.Context, userID int64) ([]*models.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE user_id = ? ORDER BY created_at DESC`, userID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "list projects")
	}
	defer rows.Close()

	projects := make([]*models.Project, 0)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan project")
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// GetProject loads a project owned by the user. Returns sql.ErrNoRows otherwise.
func (s *Service) GetProject(ctx context.Context, userID int64, projectID string) (*models.Project, error) {
	p, err := scanProject(s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = ? AND user_id = ?`, projectID, userID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, errors.Wrap(err, "get project")
	}
	return p, nil
}

// DefaultProject returns the user's default project, or sql.ErrNoRows.
func (s *Service) DefaultProject(ctx context.Context, userID int64) (*models.Project, error) {
	p, err := scanProject(s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE user_id = ? AND is_default = ? LIMIT 1`, userID, true,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, errors.Wrap(err, "default project")
	}
	return p, nil
}

// CreateProject inserts a project. A new default project clears the previous one.
func (s *Service) CreateProject(ctx context.Context, userID int64, in ProjectInput) (*models.Project, error) {
	in, err := in.normalize()
	if err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if in.IsDefault {
		if err := unsetDefaults(ctx, tx, userID, now); err != nil {
			return nil, err
		}
	}
	p := &models.Project{
		ID:          uuid.NewString(),
		UserID:      userID,
		Name:        in.Name,
		Description: in.Description,
		IsDefault:   in.IsDefault,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO projects (`+projectColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.Name, p.Description, p.IsDefault, p.CreatedAt, p.UpdatedAt,
	); err != nil {
		return nil, errors.Wrap(err, "create project")
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit create project")
	}
	return p, nil
}

// UpdateProject rewrites a project owned by the user.
func (s *Service) UpdateProject(ctx context.Context, userID int64, projectID string, in ProjectInput) (*models.Project, error) {
	in, err := in.normalize()
	if err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	existing, err := scanProject(tx.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = ? AND user_id = ?`, projectID, userID,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, errors.Wrap(err, "load project")
	}

	now := time.Now().UTC()
	if in.IsDefault && !existing.IsDefault {
		if err := unsetDefaults(ctx, tx, userID, now); err != nil {
			return nil, err
		}
	}
	if existing.IsDefault && !in.IsDefault {
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects WHERE user_id = ?`, userID).Scan(&count); err != nil {
			return nil, errors.Wrap(err, "count projects")
		}
		if count == 1 {
			return nil, ErrOnlyProjectDefault
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE projects SET name = ?, description = ?, is_default = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		in.Name, in.Description, in.IsDefault, now, projectID, userID,
	); err != nil {
		return nil, errors.Wrap(err, "update project")
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit update project")
	}
	existing.Name = in.Name
	existing.Description = in.Description
	existing.IsDefault = in.IsDefault
	existing.UpdatedAt = now
	return existing, nil
}

// DeleteProjects removes the listed projects. Chats and documents cascade.
func (s *Service) DeleteProjects(ctx context.Context, userID int64, projectIDs []string) error {
	if len(projectIDs) == 0 {
		return ErrProjectIDsRequired
	}
	holders, args := inClause(projectIDs)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	var defaults int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM projects WHERE user_id = ? AND is_default = ? AND id IN (`+holders+`)`,
		append([]any{userID, true}, args...)...,
	).Scan(&defaults); err != nil {
		return errors.Wrap(err, "check default projects")
	}
	if defaults > 0 {
		return ErrDefaultProjectDelete
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM projects WHERE user_id = ? AND id IN (`+holders+`)`,
		append([]any{userID}, args...)...,
	); err != nil {
		return errors.Wrap(err, "delete projects")
	}
	return errors.Wrap(tx.Commit(), "commit delete projects")
}

// RecentProjects returns up to eight projects that have chats, ordered by
// the newest chat in each.
func (s *Service) RecentProjects(ctx context.Context, userID int64) ([]*models.RecentProject, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.id, p.user_id, p.name, p.description, p.is_default, p.created_at, p.updated_at, c.created_at
		 FROM projects p JOIN chats c ON c.project_id = p.id
		 WHERE p.user_id = ?
		 ORDER BY p.updated_at DESC`, userID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "recent projects")
	}
	defer rows.Close()

	byID := make(map[string]*models.RecentProject)
	var ordered []*models.RecentProject
	for rows.Next() {
		var (
			p        models.Project
			desc     sql.NullString
			chatTime time.Time
		)
		if err := rows.Scan(&p.ID, &p.UserID, &p.Name, &desc, &p.IsDefault, &p.CreatedAt, &p.UpdatedAt, &chatTime); err != nil {
			return nil, errors.Wrap(err, "scan recent project")
		}
		rp, ok := byID[p.ID]
		if !ok {
			if len(ordered) == recentProjectLimit {
				continue
			}
			if desc.Valid {
				p.Description = &desc.String
			}
			rp = &models.RecentProject{Project: p, LastActivity: chatTime}
			byID[p.ID] = rp
			ordered = append(ordered, rp)
		}
		rp.ChatCount++
		if chatTime.After(rp.LastActivity) {
			rp.LastActivity = chatTime
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate recent projects")
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].LastActivity.After(ordered[j].LastActivity)
	})
	if ordered == nil {
		ordered = make([]*models.RecentProject, 0)
	}
	return ordered, nil
}

func unsetDefaults(ctx context.Context, tx *sql.Tx, userID int64, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE projects SET is_default = ?, updated_at = ? WHERE user_id = ? AND is_default = ?`,
		false, now, userID, true,
	)
	return errors.Wrap(err, "unset default projects")
}

func inClause[T any](values []T) (string, []any) {
	holders := strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return holders, args
}
