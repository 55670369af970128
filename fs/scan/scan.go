// Package scan inspects root folders on disk.
//
// It walks root folders for media files, guesses talk metadata from file names, reads and writes the mark file that
// asserts a folder's identity, and watches root folders for changes.
package scan

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultVideoExtensions are the file extensions treated as video when no other list is configured
var DefaultVideoExtensions = []string{
	".mp4", ".mkv", ".webm", ".avi", ".mov", ".m4v", ".mpg", ".mpeg", ".ts", ".m2ts", ".ogv", ".wmv", ".flv",
}

// Found is a regular file found by Walk
type Found struct {
	Path      string
	RelPath   string // path relative to the walked root
	Name      string
	Extension string // lower case, including the leading dot
	Size      int64
	ModTime   time.Time
	IsVideo   bool
}

type walkOptions struct {
	videoExtensions map[string]bool
	videosOnly      bool
	skipDirs        map[string]bool
}

// Option is a function that sets optional Walk configuration
type Option func(o *walkOptions)

// WithVideoExtensions sets the extensions that are treated as video
func WithVideoExtensions(exts ...string) Option {
	return func(o *walkOptions) {
		o.videoExtensions = extensionSet(exts)
	}
}

// WithVideosOnly makes Walk return only video files
func WithVideosOnly() Option {
	return func(o *walkOptions) {
		o.videosOnly = true
	}
}

// WithSkipDirs makes Walk skip the given directories and everything below them
func WithSkipDirs(dirs ...string) Option {
	return func(o *walkOptions) {
		for _, d := range dirs {
			o.skipDirs[filepath.Clean(d)] = true
		}
	}
}

// Walk returns every regular file below root
//
// Hidden files and directories, temporary and partially downloaded files, symlinks and the mark file are skipped.
// Subdirectories that cannot be read are skipped; an unreadable root is an error. A root that is a symlink is
// followed, and the paths of found files stay below root as given.
func Walk(ctx context.Context, root string, opts ...Option) (found []Found, err error) {
	o := &walkOptions{
		videoExtensions: extensionSet(DefaultVideoExtensions),
		skipDirs:        map[string]bool{},
	}
	for _, opt := range opts {
		opt(o)
	}

	root = filepath.Clean(root)
	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, err
	}

	err = filepath.WalkDir(resolved, func(path string, d fs.DirEntry, walkErr error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		rel, _ := filepath.Rel(resolved, path)
		path = filepath.Join(root, rel)

		if walkErr != nil {
			if path != root && (os.IsPermission(walkErr) || os.IsNotExist(walkErr)) {
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			return walkErr
		}

		if d.IsDir() {
			if path != root && (isHidden(d.Name()) || o.skipDirs[path]) {
				return fs.SkipDir
			}
			return nil
		}

		if !d.Type().IsRegular() || ShouldSkip(d.Name()) {
			return nil
		}

		ext := strings.ToLower(filepath.Ext(d.Name()))
		video := o.videoExtensions[ext]
		if o.videosOnly && !video {
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			// removed while walking
			return nil
		}

		found = append(found, Found{
			Path:      path,
			RelPath:   rel,
			Name:      d.Name(),
			Extension: ext,
			Size:      info.Size(),
			ModTime:   info.ModTime(),
			IsVideo:   video,
		})

		return nil
	})

	return
}

// IsVideo reports whether path has one of the default video extensions
func IsVideo(path string) bool {
	return isVideo(path, DefaultVideoExtensions)
}

func isVideo(path string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}

// ShouldSkip reports whether a file name is hidden, temporary, partially downloaded or the mark file
func ShouldSkip(name string) bool {
	lower := strings.ToLower(name)

	switch {
	case name == MarkFileName, isHidden(name):
		return true
	case strings.HasPrefix(name, "__"):
		return true
	}

	for _, suffix := range []string{".tmp", ".temp", ".part", ".partial", ".crdownload", ".!qb", ".nzbget"} {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}

	return false
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

func extensionSet(exts []string) map[string]bool {
	set := make(map[string]bool, len(exts))
	for _, e := range exts {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		set[e] = true
	}
	return set
}
