package service

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cawhq/caw/internal/core"
	"github.com/cawhq/caw/internal/logging"
	"github.com/cawhq/caw/internal/store"
)

// RepositoryService keeps the canonical repository records. Registration
// is idempotent on path.
type RepositoryService struct {
	st  *store.Store
	log *logging.Logger
}

// Register records a repository path, returning the existing record when
// the path is already known.
func (s *RepositoryService) Register(ctx context.Context, path, name string) (*core.Repository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, core.NewToolError(core.CodeMissingRepoPath,
			"repository path must not be empty", true)
	}
	path = filepath.Clean(path)

	if existing, err := s.GetByPath(ctx, path); err == nil {
		if name != "" && existing.Name != name {
			_, err := s.st.DB().ExecContext(ctx,
				"UPDATE repositories SET name = ?, updated_at = ? WHERE id = ?",
				name, store.Now(), existing.ID)
			if err != nil {
				return nil, fmt.Errorf("renaming repository: %w", err)
			}
			return s.Get(ctx, existing.ID)
		}
		return existing, nil
	}

	if name == "" {
		name = filepath.Base(path)
	}
	id := core.NewID(core.PrefixRepository)
	now := store.Now()
	_, err := s.st.DB().ExecContext(ctx, `
		INSERT INTO repositories (id, path, name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, path, name, now, now)
	if err != nil {
		return nil, fmt.Errorf("registering repository: %w", err)
	}

	s.log.Info("repository registered", "repository_id", id, "path", path)
	return s.Get(ctx, id)
}

const repositorySelect = `
	SELECT id, path, name, created_at, updated_at FROM repositories`

// Get loads a repository by id.
func (s *RepositoryService) Get(ctx context.Context, id string) (*core.Repository, error) {
	row := s.st.DB().QueryRowContext(ctx, repositorySelect+" WHERE id = ?", id)
	r, err := scanRepository(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound(core.CodeRepositoryNotFound, "repository", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading repository: %w", err)
	}
	return r, nil
}

// GetByPath loads a repository by its cleaned filesystem path.
func (s *RepositoryService) GetByPath(ctx context.Context, path string) (*core.Repository, error) {
	row := s.st.DB().QueryRowContext(ctx, repositorySelect+" WHERE path = ?", filepath.Clean(path))
	r, err := scanRepository(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound(core.CodeRepositoryNotFound, "repository", path)
	}
	if err != nil {
		return nil, fmt.Errorf("loading repository: %w", err)
	}
	return r, nil
}

// List returns all registered repositories in path order.
func (s *RepositoryService) List(ctx context.Context) ([]*core.Repository, error) {
	rows, err := s.st.DB().QueryContext(ctx, repositorySelect+" ORDER BY path")
	if err != nil {
		return nil, fmt.Errorf("listing repositories: %w", err)
	}
	defer rows.Close()

	var out []*core.Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning repository: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRepository(row rowScanner) (*core.Repository, error) {
	var r core.Repository
	var name sql.NullString
	if err := row.Scan(&r.ID, &r.Path, &name, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Name = stringOr(name)
	return &r, nil
}
