package talks

import (
	"strings"
	"unicode"

	"github.com/talkarr/talkarr/fs/scan"
)

// Match picks the talk a filename guess refers to, or nil when none matches
//
// A recording name guess matches the talk whose slug starts with the guessed conference and event id. Otherwise a
// talk matches when its normalised title equals the guessed title; when several do, one of the guessed conference
// wins.
func Match(g scan.Guess, talks []Talk) *Talk {
	if slug := g.Slug(); slug != "" {
		for i := range talks {
			if talks[i].Slug == slug || strings.HasPrefix(talks[i].Slug, slug+"-") {
				return &talks[i]
			}
		}
	}

	title := NormalizeTitle(g.Title)
	if title == "" {
		return nil
	}

	var match *Talk
	for i := range talks {
		if NormalizeTitle(talks[i].Title) != title {
			continue
		}
		if g.Conference != "" && strings.EqualFold(talks[i].Conference(), g.Conference) {
			return &talks[i]
		}
		if match == nil {
			match = &talks[i]
		}
	}

	return match
}

// NormalizeTitle lower-cases a title and reduces it to letters and digits separated by single spaces
func NormalizeTitle(title string) string {
	return strings.Join(strings.FieldsFunc(strings.ToLower(title), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}), " ")
}
