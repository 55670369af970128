package scan

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("talk"), 0o644))
}

func TestWalk(t *testing.T) {
	root := t.TempDir()
	for _, p := range []string{
		"38c3/38c3-1234-hacking/38c3-1234-eng-Hacking_hd.mp4",
		"38c3/38c3-1234-hacking/notes.txt",
		"camp2023-5678-deu-Vortrag.webm",
		".hidden.mp4",
		".cache/thumb.mp4",
		"downloading.mp4.part",
		"copy.mkv.tmp",
		"__ADMIN__/file.mp4",
		MarkFileName,
	} {
		touch(t, filepath.Join(root, p))
	}
	require.NoError(t, os.Symlink(filepath.Join(root, "camp2023-5678-deu-Vortrag.webm"), filepath.Join(root, "link.webm")))

	found, err := Walk(context.Background(), root)
	require.NoError(t, err)

	var rel []string
	for _, f := range found {
		rel = append(rel, f.RelPath)
	}
	sort.Strings(rel)
	assert.Equal(t, []string{
		filepath.Join("38c3", "38c3-1234-hacking", "38c3-1234-eng-Hacking_hd.mp4"),
		filepath.Join("38c3", "38c3-1234-hacking", "notes.txt"),
		"__ADMIN__/file.mp4",
		"camp2023-5678-deu-Vortrag.webm",
	}, rel)

	for _, f := range found {
		assert.Equal(t, f.Extension != ".txt", f.IsVideo, f.Path)
		assert.Equal(t, int64(4), f.Size)
	}
}

func TestWalkSymlinkedRoot(t *testing.T) {
	target := t.TempDir()
	touch(t, filepath.Join(target, "38c3", "38c3-1234-eng-Hacking_hd.mp4"))

	root := filepath.Join(t.TempDir(), "media")
	require.NoError(t, os.Symlink(target, root))

	found, err := Walk(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, filepath.Join(root, "38c3", "38c3-1234-eng-Hacking_hd.mp4"), found[0].Path)
	assert.Equal(t, filepath.Join("38c3", "38c3-1234-eng-Hacking_hd.mp4"), found[0].RelPath)

	found, err = Walk(context.Background(), root, WithSkipDirs(filepath.Join(root, "38c3")))
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestWalkOptions(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "a.mp4"))
	touch(t, filepath.Join(root, "b.txt"))
	touch(t, filepath.Join(root, "c.flac"))
	touch(t, filepath.Join(root, "skipped", "d.mp4"))

	found, err := Walk(context.Background(), root, WithVideosOnly(), WithVideoExtensions("mp4", ".FLAC"),
		WithSkipDirs(filepath.Join(root, "skipped")))
	require.NoError(t, err)

	var names []string
	for _, f := range found {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"a.mp4", "c.flac"}, names)
}

func TestWalkErrors(t *testing.T) {
	_, err := Walk(context.Background(), filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	root := t.TempDir()
	touch(t, filepath.Join(root, "a.mp4"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Walk(ctx, root)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsVideo(t *testing.T) {
	assert.True(t, IsVideo("/media/talk.MP4"))
	assert.True(t, IsVideo("talk.webm"))
	assert.False(t, IsVideo("talk.srt"))
	assert.False(t, IsVideo("talk"))
}

func TestShouldSkip(t *testing.T) {
	for name, skip := range map[string]bool{
		"talk.mp4":          false,
		".talk.mp4":         true,
		MarkFileName:        true,
		"talk.mp4.part":     true,
		"talk.mp4.PARTIAL":  true,
		"talk.mkv.!qb":      true,
		"talk.crdownload":   true,
		"__incomplete.mp4":  true,
		"talk_sampler.webm": false,
	} {
		assert.Equal(t, skip, ShouldSkip(name), name)
	}
}

func TestGuessFilename(t *testing.T) {
	tests := []struct {
		name string
		path string
		want Guess
	}{
		{
			name: "full recording name",
			path: "/media/38c3-12345-eng-deu-Hacking_the_Planet_hd.mp4",
			want: Guess{
				Conference: "38c3",
				EventID:    "12345",
				Languages:  []string{"eng", "deu"},
				Title:      "Hacking the Planet",
				Quality:    "hd",
				Confidence: 100,
			},
		},
		{
			name: "recording name with a year",
			path: "froscon2023-2890-deu-Einstieg_in_Go_sd.webm",
			want: Guess{
				Conference: "froscon2023",
				EventID:    "2890",
				Languages:  []string{"deu"},
				Title:      "Einstieg in Go",
				Quality:    "sd",
				Year:       2023,
				Confidence: 100,
			},
		},
		{
			name: "recording name without quality",
			path: "36c3-10652-deu-Mauern.mp4",
			want: Guess{
				Conference: "36c3",
				EventID:    "10652",
				Languages:  []string{"deu"},
				Title:      "Mauern",
				Confidence: 80,
			},
		},
		{
			name: "title only",
			path: "/downloads/Some Talk About Things.mkv",
			want: Guess{Title: "Some Talk About Things", Confidence: 20},
		},
		{
			name: "title only with year and quality",
			path: "Keynote.2019.1080p.mp4",
			want: Guess{Title: "Keynote 2019", Quality: "1080p", Year: 2019, Confidence: 30},
		},
		{
			name: "nothing to guess",
			path: "hd.mp4",
			want: Guess{Quality: "hd"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GuessFilename(tt.path))
		})
	}
}

func TestGuessSlug(t *testing.T) {
	assert.Equal(t, "38c3-12345", GuessFilename("38c3-12345-eng-Talk.mp4").Slug())
	assert.Empty(t, GuessFilename("Talk.mp4").Slug())
}

func TestMark(t *testing.T) {
	root := t.TempDir()

	state, err := CheckMark(root)
	require.NoError(t, err)
	assert.Equal(t, MarkMissing, state)

	_, err = ReadMark(root)
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, WriteMark(root))
	m, err := ReadMark(root)
	require.NoError(t, err)
	assert.Equal(t, root, m.Path)
	assert.WithinDuration(t, time.Now(), m.CreatedAt, time.Minute)

	state, err = CheckMark(root)
	require.NoError(t, err)
	assert.Equal(t, MarkOK, state)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files are left behind")
}

func TestMarkMismatch(t *testing.T) {
	original := t.TempDir()
	require.NoError(t, WriteMark(original))

	// the same drive mounted somewhere else
	moved := t.TempDir()
	b, err := os.ReadFile(filepath.Join(original, MarkFileName))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(moved, MarkFileName), b, 0o644))

	state, err := CheckMark(moved)
	require.NoError(t, err)
	assert.Equal(t, MarkMismatch, state)

	require.NoError(t, os.WriteFile(filepath.Join(moved, MarkFileName), []byte("not json"), 0o644))
	state, err = CheckMark(moved)
	require.NoError(t, err)
	assert.Equal(t, MarkMismatch, state)
	assert.Equal(t, "mismatch", state.String())
}

type changes struct {
	mu    sync.Mutex
	calls [][]string
}

func (c *changes) record(_ context.Context, roots []string) {
	c.mu.Lock()
	c.calls = append(c.calls, roots)
	c.mu.Unlock()
}

func (c *changes) get() [][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]string(nil), c.calls...)
}

func TestWatcher(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "38c3"), 0o755))

	c := &changes{}
	w, err := NewWatcher(c.record, WithDebounce(50*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	require.NoError(t, w.Add(root))
	assert.Equal(t, []string{root}, w.Roots())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Serve(ctx) }()

	// ignored: not a video, hidden, partial
	touch(t, filepath.Join(root, "notes.txt"))
	touch(t, filepath.Join(root, ".hidden.mp4"))
	touch(t, filepath.Join(root, "talk.mp4.part"))
	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, c.get())

	// a burst of changes results in one notification
	touch(t, filepath.Join(root, "38c3", "a.mp4"))
	touch(t, filepath.Join(root, "38c3", "b.mp4"))
	require.Eventually(t, func() bool { return len(c.get()) >= 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{root}, c.get()[0])

	// new directories are watched
	touch(t, filepath.Join(root, "camp2023", "sub", "c.webm"))
	require.Eventually(t, func() bool { return len(c.get()) >= 2 }, 5*time.Second, 10*time.Millisecond)
	n := len(c.get())
	touch(t, filepath.Join(root, "camp2023", "sub", "d.webm"))
	require.Eventually(t, func() bool { return len(c.get()) > n }, 5*time.Second, 10*time.Millisecond)

	w.Remove(root)
	assert.Empty(t, w.Roots())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func serveWatcher(t *testing.T, w *Watcher) (stop func() error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Serve(ctx) }()

	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("watcher did not stop")
			return nil
		}
	}
}

func TestWatcherServesAgainAfterRestart(t *testing.T) {
	root := t.TempDir()

	c := &changes{}
	w, err := NewWatcher(c.record, WithDebounce(20*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	require.NoError(t, w.Add(root))

	stop := serveWatcher(t, w)
	touch(t, filepath.Join(root, "a.mp4"))
	require.Eventually(t, func() bool { return len(c.get()) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.ErrorIs(t, stop(), context.Canceled)

	stop = serveWatcher(t, w)
	touch(t, filepath.Join(root, "b.mp4"))
	require.Eventually(t, func() bool { return len(c.get()) == 2 }, 5*time.Second, 10*time.Millisecond)
	require.ErrorIs(t, stop(), context.Canceled)

	require.NoError(t, w.Close())
	done := make(chan error, 1)
	go func() { done <- w.Serve(context.Background()) }()
	select {
	case err := <-done:
		assert.NoError(t, err, "a closed watcher stops serving")
	case <-time.After(5 * time.Second):
		t.Fatal("closed watcher kept serving")
	}
}

func TestWatcherSymlinkedRoot(t *testing.T) {
	target := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(target, "38c3"), 0o755))
	root := filepath.Join(t.TempDir(), "media")
	require.NoError(t, os.Symlink(target, root))

	c := &changes{}
	w, err := NewWatcher(c.record, WithDebounce(20*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	require.NoError(t, w.Add(root))

	stop := serveWatcher(t, w)
	touch(t, filepath.Join(root, "38c3", "a.mp4"))
	require.Eventually(t, func() bool { return len(c.get()) >= 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{root}, c.get()[0])
	require.ErrorIs(t, stop(), context.Canceled)
}
