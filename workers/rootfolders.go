package workers

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/talkarr/talkarr/fs/scan"
	"github.com/talkarr/talkarr/jobs"
	"github.com/talkarr/talkarr/locks"
	"github.com/talkarr/talkarr/metrics"
	"github.com/talkarr/talkarr/store"
)

// checkForRootFolders records whether every root folder exists and holds its mark file, then checks the files
func (w *Workers) checkForRootFolders(ctx context.Context) (err error) {
	folders, err := w.store.ListRootFolders(ctx)
	if err != nil {
		return
	}

	for _, f := range folders {
		if err = ctx.Err(); err != nil {
			return
		}

		markExists, didNotFind := w.inspectRootFolder(f.Path)
		if markExists == f.MarkExists && didNotFind == f.DidNotFind {
			continue
		}

		if err = w.store.UpdateRootFolderState(ctx, f.Path, markExists, didNotFind); err != nil {
			return
		}

		w.logger.Info("root folder state changed",
			"task", TaskCheckForRootFolders,
			"root_folder", f.Path,
			"mark_exists", markExists,
			"did_not_find", didNotFind)
	}

	return w.enqueue(ctx, TaskCheckForRootFolders, TaskCheckIfFilesExist)
}

func (w *Workers) inspectRootFolder(path string) (markExists, didNotFind bool) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		w.logger.Warn("root folder not found", "task", TaskCheckForRootFolders, "root_folder", path, "error", err)
		return false, true
	}

	state, err := scan.CheckMark(path)
	switch {
	case err != nil:
		w.logger.Warn("unable to read mark file", "task", TaskCheckForRootFolders, "root_folder", path, "error", err)
	case state == scan.MarkMismatch:
		w.logger.Warn("mark file belongs to another folder, was the drive mounted elsewhere?",
			"task", TaskCheckForRootFolders, "root_folder", path)
	case state == scan.MarkMissing:
		w.logger.Warn("mark file missing", "task", TaskCheckForRootFolders, "root_folder", path)
	}

	return err == nil && state == scan.MarkOK, false
}

// checkIfFilesExist forgets files that were removed from healthy root folders, then scans for new files
//
// Files below unhealthy root folders are left alone: the folder may only be unmounted.
func (w *Workers) checkIfFilesExist(ctx context.Context) (err error) {
	roots, _, err := w.rootFolders(ctx)
	if err != nil {
		return
	}

	files, err := w.store.ListFiles(ctx)
	if err != nil {
		return
	}

	for _, f := range files {
		if err = ctx.Err(); err != nil {
			return
		}

		if root, ok := roots[f.RootFolder]; !ok || !root.Healthy() {
			continue
		}

		_, statErr := os.Stat(f.Path)
		if !errors.Is(statErr, fs.ErrNotExist) {
			continue
		}

		err = w.store.RemoveFile(ctx, f.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return
		}
		err = nil

		metrics.ScannedFilesTotal.WithLabelValues("removed").Inc()
		w.logger.Info("file no longer exists", "task", TaskCheckIfFilesExist, "path", f.Path, "event", f.EventGUID)
	}

	return w.enqueue(ctx, TaskCheckIfFilesExist, TaskScanForMissingFiles, TaskScanAndImportExistingFiles)
}

// AddRootFolder registers a root folder, writing its mark file, and enqueues a check of the root folders
func (w *Workers) AddRootFolder(ctx context.Context, path string) (root *store.RootFolder, err error) {
	path, err = filepath.Abs(path)
	if err != nil {
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("root folder: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root folder %s is not a directory", path)
	}

	if err = scan.WriteMark(path); err != nil {
		return nil, fmt.Errorf("write mark file: %w", err)
	}

	root, err = w.store.AddRootFolder(ctx, path)
	if err != nil {
		return
	}

	w.logger.Info("added root folder", "root_folder", path)

	_, err = w.Enqueue(ctx, TaskCheckForRootFolders)
	if errors.Is(err, jobs.ErrDuplicateJob) {
		err = nil
	}

	return
}

// RemoveRootFolder forgets a root folder and enqueues a check for the problems of its events
//
// The folder's files and mark file are left on disk. The error matches [ErrRootFolderBusy] while the folder is being
// imported.
func (w *Workers) RemoveRootFolder(ctx context.Context, path string) (err error) {
	path, err = filepath.Abs(path)
	if err != nil {
		return
	}

	ran, err := w.locks.WithLock(ctx, locks.RootFolderLockName(path), func(ctx context.Context) error {
		return w.store.RemoveRootFolder(ctx, path)
	})
	if err != nil {
		return
	}
	if !ran {
		return fmt.Errorf("%w: %s", ErrRootFolderBusy, path)
	}

	w.logger.Info("removed root folder", "root_folder", path)

	_, err = w.Enqueue(ctx, TaskCheckEventsForProblems)
	if errors.Is(err, jobs.ErrDuplicateJob) {
		err = nil
	}

	return
}
