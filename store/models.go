package store

import (
	"path/filepath"
	"time"

	"github.com/guregu/null"
)

// Event problems
const (
	ProblemNoRootFolder          = "no_root_folder"
	ProblemRootFolderUnavailable = "root_folder_unavailable"
	ProblemNoFiles               = "no_files"
	ProblemNoVideoFiles          = "no_video_files"
)

// RootFolder is a directory registered as a storage location for talks
type RootFolder struct {
	Path       string    `json:"path"`
	MarkExists bool      `json:"mark_exists"`  // the mark file was found and points at Path
	DidNotFind bool      `json:"did_not_find"` // the folder could not be found on disk
	CreatedAt  time.Time `json:"created_at"`
}

// Healthy reports whether files in the root folder can be trusted
func (r RootFolder) Healthy() bool {
	return r.MarkExists && !r.DidNotFind
}

// Event is a conference talk known to talkarr
type Event struct {
	GUID            string    `json:"guid"`
	Slug            string    `json:"slug"`
	Title           string    `json:"title"`
	Subtitle        string    `json:"subtitle"`
	Description     string    `json:"description"`
	Conference      string    `json:"conference"` // conference acronym, e.g. 38c3
	ConferenceTitle string    `json:"conference_title"`
	Date            null.Time `json:"date"`
	Duration        int       `json:"duration"` // seconds
	Language        string    `json:"language"`
	FrontendLink    string    `json:"frontend_link"`
	RootFolder      string    `json:"root_folder"` // empty when the event is not stored in any root folder
	Problems        []string  `json:"problems"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Folder returns the directory that holds the event's files inside root
//
// Events are stored under <root>/<conference>/<slug>, or <root>/<slug> when the conference is unknown.
func (e Event) Folder(root string) string {
	if e.Conference == "" {
		return filepath.Join(root, e.Slug)
	}
	return filepath.Join(root, e.Conference, e.Slug)
}

// File is a file on disk that belongs to a root folder, and optionally an event
type File struct {
	ID         int64     `json:"id"`
	EventGUID  string    `json:"event_guid"`
	RootFolder string    `json:"root_folder"`
	Path       string    `json:"path"`
	Filename   string    `json:"filename"`
	Extension  string    `json:"extension"`
	Bytes      int64     `json:"bytes"`
	IsVideo    bool      `json:"is_video"`
	CreatedAt  time.Time `json:"created_at"`
}
