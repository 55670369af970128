package store

import (
	"context"
	"strconv"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// Preference keys
const (
	PrefImportConfidenceThreshold = "import_confidence_threshold"
	PrefAutoImport                = "auto_import"
	PrefPreferredLanguages        = "preferred_languages"
)

// DefaultImportConfidenceThreshold is the lowest filename guess confidence that is imported when unset
const DefaultImportConfidenceThreshold = 80

// Preferences are the user's settings that steer the background pipeline
type Preferences struct {
	ImportConfidenceThreshold int      `json:"import_confidence_threshold" validate:"min=0,max=100"`
	AutoImport                bool     `json:"auto_import"`
	PreferredLanguages        []string `json:"preferred_languages" validate:"dive,len=3,lowercase,alpha"`
}

// DefaultPreferences returns the preferences used for anything the user has not set
func DefaultPreferences() Preferences {
	return Preferences{
		ImportConfidenceThreshold: DefaultImportConfidenceThreshold,
		AutoImport:                true,
		PreferredLanguages:        []string{},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the preferences, returning [validator.ValidationErrors] describing every invalid field
func (p Preferences) Validate() error {
	return validate.Struct(p)
}

// Sanitize resets every invalid field to its default, returning the names of the fields that were reset
func (p *Preferences) Sanitize() (reset []string) {
	var verrs validator.ValidationErrors
	if !errors.As(p.Validate(), &verrs) {
		return nil
	}

	defaults := DefaultPreferences()
	seen := map[string]bool{}
	for _, fe := range verrs {
		// dive errors name the element, e.g. PreferredLanguages[1]; reset the whole field
		field := fe.StructNamespace()
		switch {
		case field == "Preferences.ImportConfidenceThreshold":
			p.ImportConfidenceThreshold = defaults.ImportConfidenceThreshold
			field = PrefImportConfidenceThreshold
		default:
			p.PreferredLanguages = defaults.PreferredLanguages
			field = PrefPreferredLanguages
		}

		if !seen[field] {
			seen[field] = true
			reset = append(reset, field)
		}
	}

	return reset
}

// GetPreferences loads the user's preferences
//
// Unset preferences take their defaults. Values that cannot be decoded are reported as malformed and also take their
// defaults.
func (s *Store) GetPreferences(ctx context.Context) (prefs Preferences, malformed []string, err error) {
	prefs = DefaultPreferences()

	rows, err := s.Query(ctx, "SELECT key, value FROM preferences")
	if err != nil {
		return prefs, nil, errors.Wrap(err, "list preferences")
	}
	defer rows.Close()

	raw := map[string]string{}
	for rows.Next() {
		var key, value string
		if err = rows.Scan(&key, &value); err != nil {
			return prefs, nil, errors.Wrap(err, "scan preference")
		}
		raw[key] = value
	}
	if err = rows.Err(); err != nil {
		return prefs, nil, errors.Wrap(err, "list preferences")
	}

	if v, ok := raw[PrefImportConfidenceThreshold]; ok {
		if n, convErr := strconv.Atoi(v); convErr == nil {
			prefs.ImportConfidenceThreshold = n
		} else {
			malformed = append(malformed, PrefImportConfidenceThreshold)
		}
	}

	if v, ok := raw[PrefAutoImport]; ok {
		if b, convErr := strconv.ParseBool(v); convErr == nil {
			prefs.AutoImport = b
		} else {
			malformed = append(malformed, PrefAutoImport)
		}
	}

	if v, ok := raw[PrefPreferredLanguages]; ok {
		var langs []string
		if convErr := json.Unmarshal([]byte(v), &langs); convErr == nil && langs != nil {
			prefs.PreferredLanguages = langs
		} else {
			malformed = append(malformed, PrefPreferredLanguages)
		}
	}

	return prefs, malformed, nil
}

// SetPreferences persists every preference
func (s *Store) SetPreferences(ctx context.Context, prefs Preferences) error {
	if prefs.PreferredLanguages == nil {
		prefs.PreferredLanguages = []string{}
	}

	langs, err := json.Marshal(prefs.PreferredLanguages)
	if err != nil {
		return errors.Wrap(err, "encode preferred languages")
	}

	values := [][2]string{
		{PrefImportConfidenceThreshold, strconv.Itoa(prefs.ImportConfidenceThreshold)},
		{PrefAutoImport, strconv.FormatBool(prefs.AutoImport)},
		{PrefPreferredLanguages, string(langs)},
	}
	for _, kv := range values {
		if err := s.SetPreference(ctx, kv[0], kv[1]); err != nil {
			return err
		}
	}

	return nil
}

// SetPreference persists a single raw preference value
func (s *Store) SetPreference(ctx context.Context, key, value string) error {
	_, err := s.Exec(ctx, `INSERT INTO preferences (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	return errors.Wrapf(err, "set preference %s", key)
}
