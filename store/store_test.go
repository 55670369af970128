package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/guregu/null"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkarr/talkarr/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(context.Background(), store.DriverSQLite, filepath.Join(t.TempDir(), "talkarr.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "talkarr.db")

	s, err := store.Open(context.Background(), store.DriverSQLite, path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = store.Open(context.Background(), store.DriverSQLite, path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestOpenUnsupportedDriver(t *testing.T) {
	_, err := store.Open(context.Background(), "mysql", "whatever")
	assert.ErrorIs(t, err, store.ErrUnsupportedDriver)
}

func TestRebind(t *testing.T) {
	s := openTestStore(t)
	assert.Equal(t, "SELECT * FROM files WHERE path = ? AND id = ?", s.Rebind("SELECT * FROM files WHERE path = ? AND id = ?"))
}

func TestRootFolders(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.AddRootFolder(ctx, "/media/talks")
	require.NoError(t, err)
	_, err = s.AddRootFolder(ctx, "/archive/talks")
	require.NoError(t, err)

	_, err = s.AddRootFolder(ctx, "/media/talks")
	assert.ErrorIs(t, err, store.ErrRootFolderExists)

	folders, err := s.ListRootFolders(ctx)
	require.NoError(t, err)
	require.Len(t, folders, 2)
	assert.Equal(t, "/archive/talks", folders[0].Path)
	assert.False(t, folders[0].Healthy())

	require.NoError(t, s.UpdateRootFolderState(ctx, "/media/talks", true, false))
	r, err := s.GetRootFolder(ctx, "/media/talks")
	require.NoError(t, err)
	assert.True(t, r.MarkExists)
	assert.True(t, r.Healthy())

	assert.ErrorIs(t, s.UpdateRootFolderState(ctx, "/nowhere", true, false), store.ErrNotFound)

	require.NoError(t, s.RemoveRootFolder(ctx, "/archive/talks"))
	assert.ErrorIs(t, s.RemoveRootFolder(ctx, "/archive/talks"), store.ErrNotFound)

	_, err = s.GetRootFolder(ctx, "/archive/talks")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEvents(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.AddRootFolder(ctx, "/media/talks")
	require.NoError(t, err)

	date := time.Date(2024, 12, 27, 11, 0, 0, 0, time.UTC)
	e := &store.Event{
		GUID:       "f3b2c7a4-4b5d-5e8a-9c0d-1e2f3a4b5c6d",
		Slug:       "38c3-1234-hacking-the-planet",
		Title:      "Hacking the Planet",
		Conference: "38c3",
		Date:       null.TimeFrom(date),
		Duration:   2400,
		Language:   "eng",
		RootFolder: "/media/talks",
	}
	require.NoError(t, s.UpsertEvent(ctx, e))
	require.NoError(t, s.SetEventProblems(ctx, e.GUID, []string{store.ProblemNoFiles}))

	e.Title = "Hacking the Planet, Again"
	require.NoError(t, s.UpsertEvent(ctx, &store.Event{
		GUID:       e.GUID,
		Slug:       e.Slug,
		Title:      e.Title,
		Conference: e.Conference,
		RootFolder: e.RootFolder,
	}))

	got, err := s.GetEvent(ctx, e.GUID)
	require.NoError(t, err)
	assert.Equal(t, "Hacking the Planet, Again", got.Title)
	assert.Equal(t, []string{store.ProblemNoFiles}, got.Problems, "upsert must not clear problems")
	assert.Equal(t, "/media/talks/38c3/38c3-1234-hacking-the-planet", got.Folder(got.RootFolder))

	events, err := s.ListEvents(ctx)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	require.NoError(t, s.RemoveRootFolder(ctx, "/media/talks"))
	got, err = s.GetEvent(ctx, e.GUID)
	require.NoError(t, err)
	assert.Empty(t, got.RootFolder)

	_, err = s.GetEvent(ctx, "unknown")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.SetEventProblems(ctx, "unknown", nil), store.ErrNotFound)
}

func TestEventFolderWithoutConference(t *testing.T) {
	e := store.Event{Slug: "lightning-talks"}
	assert.Equal(t, filepath.Join("/media", "lightning-talks"), e.Folder("/media"))
}

func TestFiles(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.AddRootFolder(ctx, "/media/talks")
	require.NoError(t, err)
	require.NoError(t, s.UpsertEvent(ctx, &store.Event{GUID: "guid-1", Slug: "talk", Title: "Talk"}))

	f := &store.File{
		EventGUID:  "guid-1",
		RootFolder: "/media/talks",
		Path:       "/media/talks/talk/talk.mp4",
		Filename:   "talk.mp4",
		Extension:  ".mp4",
		Bytes:      1 << 20,
		IsVideo:    true,
	}
	require.NoError(t, s.AddFile(ctx, f))
	assert.NotZero(t, f.ID)

	err = s.AddFile(ctx, &store.File{RootFolder: "/media/talks", Path: f.Path, Filename: "talk.mp4"})
	assert.ErrorIs(t, err, store.ErrFileExists)

	orphan := &store.File{RootFolder: "/media/talks", Path: "/media/talks/notes.txt", Filename: "notes.txt", Extension: ".txt"}
	require.NoError(t, s.AddFile(ctx, orphan))

	byEvent, err := s.ListFilesByEvent(ctx, "guid-1")
	require.NoError(t, err)
	require.Len(t, byEvent, 1)
	assert.True(t, byEvent[0].IsVideo)

	byRoot, err := s.ListFilesByRootFolder(ctx, "/media/talks")
	require.NoError(t, err)
	assert.Len(t, byRoot, 2)

	got, err := s.GetFileByPath(ctx, orphan.Path)
	require.NoError(t, err)
	assert.Empty(t, got.EventGUID)

	require.NoError(t, s.RemoveFile(ctx, orphan.ID))
	assert.ErrorIs(t, s.RemoveFile(ctx, orphan.ID), store.ErrNotFound)

	// removing the root folder removes its files
	require.NoError(t, s.RemoveRootFolder(ctx, "/media/talks"))
	all, err := s.ListFiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestPreferences(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	prefs, malformed, err := s.GetPreferences(ctx)
	require.NoError(t, err)
	assert.Empty(t, malformed)
	assert.Equal(t, store.DefaultPreferences(), prefs)

	prefs.ImportConfidenceThreshold = 60
	prefs.AutoImport = false
	prefs.PreferredLanguages = []string{"deu", "eng"}
	require.NoError(t, s.SetPreferences(ctx, prefs))

	got, _, err := s.GetPreferences(ctx)
	require.NoError(t, err)
	assert.Equal(t, prefs, got)

	require.NoError(t, s.SetPreference(ctx, store.PrefImportConfidenceThreshold, "very confident"))
	got, malformed, err = s.GetPreferences(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{store.PrefImportConfidenceThreshold}, malformed)
	assert.Equal(t, store.DefaultImportConfidenceThreshold, got.ImportConfidenceThreshold)
}

func TestPreferencesSanitize(t *testing.T) {
	p := store.Preferences{ImportConfidenceThreshold: 150, PreferredLanguages: []string{"eng", "German"}}
	require.Error(t, p.Validate())

	reset := p.Sanitize()
	assert.ElementsMatch(t, []string{store.PrefImportConfidenceThreshold, store.PrefPreferredLanguages}, reset)
	assert.Equal(t, store.DefaultImportConfidenceThreshold, p.ImportConfidenceThreshold)
	assert.Empty(t, p.PreferredLanguages)
	assert.NoError(t, p.Validate())

	valid := store.DefaultPreferences()
	assert.Empty(t, valid.Sanitize())
}

func TestIsUniqueViolation(t *testing.T) {
	assert.False(t, store.IsUniqueViolation(nil))
	assert.False(t, store.IsUniqueViolation(store.ErrNotFound))
}
