package store

import (
	"context"
	"database/sql"
	"time"

	json "github.com/goccy/go-json"
	"github.com/guregu/null"
	"github.com/pkg/errors"
)

const eventColumns = `guid, slug, title, subtitle, description, conference, conference_title, date, duration, language,
	frontend_link, root_folder, problems, created_at, updated_at`

func scanEvent(scanner interface{ Scan(dest ...any) error }) (*Event, error) {
	var (
		e          Event
		rootFolder null.String
		problems   string
	)

	if err := scanner.Scan(
		&e.GUID,
		&e.Slug,
		&e.Title,
		&e.Subtitle,
		&e.Description,
		&e.Conference,
		&e.ConferenceTitle,
		&e.Date,
		&e.Duration,
		&e.Language,
		&e.FrontendLink,
		&rootFolder,
		&problems,
		&e.CreatedAt,
		&e.UpdatedAt,
	); err != nil {
		return nil, err
	}

	e.RootFolder = rootFolder.String
	if err := json.Unmarshal([]byte(problems), &e.Problems); err != nil {
		return nil, errors.Wrapf(err, "decode problems of event %s", e.GUID)
	}

	return &e, nil
}

// UpsertEvent inserts the event or updates its metadata
//
// Problems and the creation time of an existing event are preserved.
func (s *Store) UpsertEvent(ctx context.Context, e *Event) error {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	if e.Problems == nil {
		e.Problems = []string{}
	}

	problems, err := json.Marshal(e.Problems)
	if err != nil {
		return errors.Wrap(err, "encode problems")
	}

	_, err = s.Exec(ctx, `INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (guid) DO UPDATE SET
			slug = excluded.slug,
			title = excluded.title,
			subtitle = excluded.subtitle,
			description = excluded.description,
			conference = excluded.conference,
			conference_title = excluded.conference_title,
			date = excluded.date,
			duration = excluded.duration,
			language = excluded.language,
			frontend_link = excluded.frontend_link,
			root_folder = excluded.root_folder,
			updated_at = excluded.updated_at`,
		e.GUID, e.Slug, e.Title, e.Subtitle, e.Description, e.Conference, e.ConferenceTitle, e.Date, e.Duration,
		e.Language, e.FrontendLink, null.NewString(e.RootFolder, e.RootFolder != ""), string(problems), e.CreatedAt,
		e.UpdatedAt)

	return errors.Wrap(err, "upsert event")
}

// ListEvents returns every event ordered by conference and slug
func (s *Store) ListEvents(ctx context.Context) ([]Event, error) {
	rows, err := s.Query(ctx, "SELECT "+eventColumns+" FROM events ORDER BY conference, slug")
	if err != nil {
		return nil, errors.Wrap(err, "list events")
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		events = append(events, *e)
	}

	return events, errors.Wrap(rows.Err(), "list events")
}

// GetEvent returns the event with the given guid
func (s *Store) GetEvent(ctx context.Context, guid string) (*Event, error) {
	e, err := scanEvent(s.QueryRow(ctx, "SELECT "+eventColumns+" FROM events WHERE guid = ?", guid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get event")
	}
	return e, nil
}

// SetEventProblems replaces the problems recorded for an event
func (s *Store) SetEventProblems(ctx context.Context, guid string, problems []string) error {
	if problems == nil {
		problems = []string{}
	}

	encoded, err := json.Marshal(problems)
	if err != nil {
		return errors.Wrap(err, "encode problems")
	}

	res, err := s.Exec(ctx, "UPDATE events SET problems = ?, updated_at = ? WHERE guid = ?",
		string(encoded), time.Now().UTC(), guid)
	if err != nil {
		return errors.Wrap(err, "update event problems")
	}
	return affectedOrNotFound(res)
}
