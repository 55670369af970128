package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

const rootFolderColumns = "path, mark_exists, did_not_find, created_at"

func scanRootFolder(scanner interface{ Scan(dest ...any) error }) (*RootFolder, error) {
	var r RootFolder
	if err := scanner.Scan(&r.Path, &r.MarkExists, &r.DidNotFind, &r.CreatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// AddRootFolder registers a new root folder
func (s *Store) AddRootFolder(ctx context.Context, path string) (*RootFolder, error) {
	r := &RootFolder{Path: path, CreatedAt: time.Now().UTC()}
	_, err := s.Exec(ctx,
		`INSERT INTO root_folders (path, mark_exists, did_not_find, created_at) VALUES (?, ?, ?, ?)`,
		r.Path, r.MarkExists, r.DidNotFind, r.CreatedAt)
	if err != nil {
		if IsUniqueViolation(err) {
			return nil, errors.Wrapf(ErrRootFolderExists, "%s", path)
		}
		return nil, errors.Wrap(err, "insert root folder")
	}

	return r, nil
}

// ListRootFolders returns every registered root folder ordered by path
func (s *Store) ListRootFolders(ctx context.Context) ([]RootFolder, error) {
	rows, err := s.Query(ctx, "SELECT "+rootFolderColumns+" FROM root_folders ORDER BY path")
	if err != nil {
		return nil, errors.Wrap(err, "list root folders")
	}
	defer rows.Close()

	var folders []RootFolder
	for rows.Next() {
		r, err := scanRootFolder(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan root folder")
		}
		folders = append(folders, *r)
	}

	return folders, errors.Wrap(rows.Err(), "list root folders")
}

// GetRootFolder returns the root folder registered at path
func (s *Store) GetRootFolder(ctx context.Context, path string) (*RootFolder, error) {
	r, err := scanRootFolder(s.QueryRow(ctx, "SELECT "+rootFolderColumns+" FROM root_folders WHERE path = ?", path))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get root folder")
	}
	return r, nil
}

// UpdateRootFolderState persists the outcome of checking a root folder on disk
func (s *Store) UpdateRootFolderState(ctx context.Context, path string, markExists, didNotFind bool) error {
	res, err := s.Exec(ctx, "UPDATE root_folders SET mark_exists = ?, did_not_find = ? WHERE path = ?",
		markExists, didNotFind, path)
	if err != nil {
		return errors.Wrap(err, "update root folder")
	}
	return affectedOrNotFound(res)
}

// RemoveRootFolder unregisters a root folder
//
// Files recorded in the folder are removed with it; events stored in it no longer have a root folder.
func (s *Store) RemoveRootFolder(ctx context.Context, path string) error {
	res, err := s.Exec(ctx, "DELETE FROM root_folders WHERE path = ?", path)
	if err != nil {
		return errors.Wrap(err, "delete root folder")
	}
	return affectedOrNotFound(res)
}
