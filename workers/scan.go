package workers

import (
	"context"
	"errors"
	"io/fs"
	"slices"

	"github.com/talkarr/talkarr/fs/scan"
	"github.com/talkarr/talkarr/locks"
	"github.com/talkarr/talkarr/metrics"
	"github.com/talkarr/talkarr/store"
	"github.com/talkarr/talkarr/talks"
)

// Kinds of scanned files, as counted by metrics.ScannedFilesTotal
const (
	scannedRecorded      = "recorded"
	scannedImported      = "imported"
	scannedLowConfidence = "skipped_low_confidence"
	scannedLanguage      = "skipped_language"
	scannedUnmatched     = "unmatched"
)

// scanForMissingFiles records the files found in the folders of events that have no record yet
func (w *Workers) scanForMissingFiles(ctx context.Context) (err error) {
	roots, _, err := w.rootFolders(ctx)
	if err != nil {
		return
	}

	events, err := w.store.ListEvents(ctx)
	if err != nil {
		return
	}

	for _, e := range events {
		root, ok := roots[e.RootFolder]
		if !ok || !root.Healthy() {
			continue
		}

		if err = w.recordEventFiles(ctx, e, root.Path); err != nil {
			return
		}
	}

	return w.enqueue(ctx, TaskScanForMissingFiles, TaskCheckEventsForProblems)
}

func (w *Workers) recordEventFiles(ctx context.Context, e store.Event, root string) error {
	found, err := scan.Walk(ctx, e.Folder(root), w.walkOptions()...)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, f := range found {
		recorded, err := w.recordFile(ctx, f, root, e.GUID)
		if err != nil {
			return err
		}
		if recorded {
			metrics.ScannedFilesTotal.WithLabelValues(scannedRecorded).Inc()
			w.logger.Info("recorded file", "task", TaskScanForMissingFiles, "path", f.Path, "event", e.GUID)
		}
	}

	return nil
}

// scanAndImportExistingFiles imports the video files in healthy root folders that do not belong to a known event
//
// Each file's name is guessed; files guessed with enough confidence are looked up with the talks API and, when a
// talk matches, recorded against that talk's event.
func (w *Workers) scanAndImportExistingFiles(ctx context.Context) (err error) {
	prefs, malformed, err := w.store.GetPreferences(ctx)
	if err != nil {
		return
	}
	if len(malformed) > 0 {
		w.logger.Warn("malformed preferences, using defaults", "task", TaskScanAndImportExistingFiles, "preferences", malformed)
	}

	if !prefs.AutoImport {
		w.logger.Info("auto import is disabled", "task", TaskScanAndImportExistingFiles)
		return w.enqueue(ctx, TaskScanAndImportExistingFiles, TaskCheckEventsForProblems)
	}

	_, healthy, err := w.rootFolders(ctx)
	if err != nil {
		return
	}

	events, err := w.store.ListEvents(ctx)
	if err != nil {
		return
	}

	for _, root := range healthy {
		var eventDirs []string
		for _, e := range events {
			if e.RootFolder == root.Path {
				eventDirs = append(eventDirs, e.Folder(root.Path))
			}
		}

		ran, lockErr := w.locks.WithLock(ctx, locks.RootFolderLockName(root.Path), func(ctx context.Context) error {
			return w.importRootFolder(ctx, root.Path, prefs, eventDirs)
		})
		if lockErr != nil {
			return lockErr
		}
		if !ran {
			w.logger.Info("root folder is locked, skipping", "task", TaskScanAndImportExistingFiles, "root_folder", root.Path)
		}
	}

	return w.enqueue(ctx, TaskScanAndImportExistingFiles, TaskCheckEventsForProblems)
}

func (w *Workers) importRootFolder(ctx context.Context, root string, prefs store.Preferences, eventDirs []string) error {
	opts := append(w.walkOptions(), scan.WithVideosOnly(), scan.WithSkipDirs(eventDirs...))
	found, err := scan.Walk(ctx, root, opts...)
	if err != nil {
		return err
	}

	for _, f := range found {
		if _, err := w.store.GetFileByPath(ctx, f.Path); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		if err := w.importFile(ctx, root, f, prefs); err != nil {
			return err
		}
	}

	return nil
}

func (w *Workers) importFile(ctx context.Context, root string, f scan.Found, prefs store.Preferences) error {
	g := scan.GuessFilename(f.Path)
	logger := withArgs(w.logger, "task", TaskScanAndImportExistingFiles, "path", f.Path, "confidence", g.Confidence)

	if g.Confidence < prefs.ImportConfidenceThreshold {
		metrics.ScannedFilesTotal.WithLabelValues(scannedLowConfidence).Inc()
		logger.Debug("confidence below import threshold, skipping", "threshold", prefs.ImportConfidenceThreshold)
		return nil
	}

	if !languageAllowed(g.Languages, prefs.PreferredLanguages) {
		metrics.ScannedFilesTotal.WithLabelValues(scannedLanguage).Inc()
		logger.Debug("not in a preferred language, skipping", "languages", g.Languages)
		return nil
	}

	found, err := w.talks.Search(ctx, g.Title)
	if err != nil {
		if talks.IsUnavailable(err) || ctx.Err() != nil {
			return err
		}
		logger.Warn("unable to search talks", "error", err)
		return nil
	}

	t := talks.Match(g, found)
	if t == nil {
		metrics.ScannedFilesTotal.WithLabelValues(scannedUnmatched).Inc()
		logger.Info("no matching talk found")
		return nil
	}

	e := eventFromTalk(t)
	e.RootFolder = root
	if existing, err := w.store.GetEvent(ctx, t.GUID); err == nil && existing.RootFolder != "" {
		e.RootFolder = existing.RootFolder
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if err := w.store.UpsertEvent(ctx, e); err != nil {
		return err
	}

	recorded, err := w.recordFile(ctx, f, root, e.GUID)
	if err != nil {
		return err
	}
	if recorded {
		metrics.ScannedFilesTotal.WithLabelValues(scannedImported).Inc()
		logger.Info("imported file", "event", e.GUID, "title", e.Title)
	}

	return nil
}

// recordFile records a file found on disk, reporting false when it was already recorded
func (w *Workers) recordFile(ctx context.Context, f scan.Found, root, eventGUID string) (bool, error) {
	err := w.store.AddFile(ctx, &store.File{
		EventGUID:  eventGUID,
		RootFolder: root,
		Path:       f.Path,
		Filename:   f.Name,
		Extension:  f.Extension,
		Bytes:      f.Size,
		IsVideo:    f.IsVideo,
	})
	if errors.Is(err, store.ErrFileExists) {
		return false, nil
	}

	return err == nil, err
}

func (w *Workers) walkOptions() []scan.Option {
	if len(w.exts) == 0 {
		return nil
	}
	return []scan.Option{scan.WithVideoExtensions(w.exts...)}
}

// languageAllowed reports whether a guess in languages may be imported given the preferred languages
//
// Guesses without languages, and every guess when no language is preferred, are allowed.
func languageAllowed(languages, preferred []string) bool {
	if len(preferred) == 0 || len(languages) == 0 {
		return true
	}

	for _, l := range languages {
		if slices.Contains(preferred, l) {
			return true
		}
	}

	return false
}

func eventFromTalk(t *talks.Talk) *store.Event {
	return &store.Event{
		GUID:            t.GUID,
		Slug:            t.Slug,
		Title:           t.Title,
		Subtitle:        t.Subtitle,
		Description:     t.Description,
		Conference:      t.Conference(),
		ConferenceTitle: t.ConferenceTitle,
		Date:            t.Date,
		Duration:        t.Duration,
		Language:        t.OriginalLanguage,
		FrontendLink:    t.FrontendLink,
	}
}
