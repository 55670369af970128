package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/guregu/null"
	"github.com/pkg/errors"
)

const fileColumns = "id, event_guid, root_folder, path, filename, extension, bytes, is_video, created_at"

func scanFile(scanner interface{ Scan(dest ...any) error }) (*File, error) {
	var (
		f         File
		eventGUID null.String
	)
	if err := scanner.Scan(&f.ID, &eventGUID, &f.RootFolder, &f.Path, &f.Filename, &f.Extension, &f.Bytes, &f.IsVideo,
		&f.CreatedAt); err != nil {
		return nil, err
	}
	f.EventGUID = eventGUID.String
	return &f, nil
}

func (s *Store) listFiles(ctx context.Context, where string, args ...any) ([]File, error) {
	rows, err := s.Query(ctx, "SELECT "+fileColumns+" FROM files "+where+" ORDER BY path", args...)
	if err != nil {
		return nil, errors.Wrap(err, "list files")
	}
	defer rows.Close()

	var files []File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan file")
		}
		files = append(files, *f)
	}

	return files, errors.Wrap(rows.Err(), "list files")
}

// AddFile records a file, setting its ID
func (s *Store) AddFile(ctx context.Context, f *File) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}

	query := s.Rebind(`INSERT INTO files (event_guid, root_folder, path, filename, extension, bytes, is_video, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`)
	err := retryOnBusy(ctx, func() error {
		return s.db.QueryRowContext(ctx, query,
			null.NewString(f.EventGUID, f.EventGUID != ""), f.RootFolder, f.Path, f.Filename, f.Extension, f.Bytes,
			f.IsVideo, f.CreatedAt).Scan(&f.ID)
	})
	if err != nil {
		if IsUniqueViolation(err) {
			return errors.Wrapf(ErrFileExists, "%s", f.Path)
		}
		return errors.Wrap(err, "insert file")
	}

	return nil
}

// ListFiles returns every recorded file
func (s *Store) ListFiles(ctx context.Context) ([]File, error) {
	return s.listFiles(ctx, "")
}

// ListFilesByEvent returns the files recorded for an event
func (s *Store) ListFilesByEvent(ctx context.Context, guid string) ([]File, error) {
	return s.listFiles(ctx, "WHERE event_guid = ?", guid)
}

// ListFilesByRootFolder returns the files recorded in a root folder
func (s *Store) ListFilesByRootFolder(ctx context.Context, root string) ([]File, error) {
	return s.listFiles(ctx, "WHERE root_folder = ?", root)
}

// GetFileByPath returns the file recorded at path
func (s *Store) GetFileByPath(ctx context.Context, path string) (*File, error) {
	f, err := scanFile(s.QueryRow(ctx, "SELECT "+fileColumns+" FROM files WHERE path = ?", path))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get file")
	}
	return f, nil
}

// RemoveFile deletes a file record
func (s *Store) RemoveFile(ctx context.Context, id int64) error {
	res, err := s.Exec(ctx, "DELETE FROM files WHERE id = ?", id)
	if err != nil {
		return errors.Wrap(err, "delete file")
	}
	return affectedOrNotFound(res)
}
