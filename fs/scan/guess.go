package scan

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// MaxConfidence is the confidence of a guess that recognised every part of a file name
const MaxConfidence = 100

// Confidence points awarded for each recognised part of a file name
const (
	conferenceScore = 25
	eventIDScore    = 25
	languageScore   = 10
	titleScore      = 20
	longTitleScore  = 10 // titles of three or more words
	qualityScore    = 10
	yearScore       = 10
)

// recordingName matches media.ccc.de recording names: <conference>-<id>-<lang>[-<lang>...]-<Title>[_<quality>]
var recordingName = regexp.MustCompile(
	`^(?P<conference>[a-z][a-z0-9]*|[0-9]+[a-z][a-z0-9]*)-(?P<id>[0-9]+)-(?P<langs>(?:[a-z]{3}-)+)(?P<title>.+?)(?:_(?P<quality>hd|sd|fhd|uhd|webm-hd|webm-sd|[0-9]{3,4}p))?$`,
)

var (
	yearPattern  = regexp.MustCompile(`(?:^|[^0-9])((?:19|20)[0-9]{2})(?:[^0-9]|$)`)
	separators   = strings.NewReplacer("_", " ", ".", " ")
	qualityWords = map[string]bool{"hd": true, "sd": true, "fhd": true, "uhd": true, "720p": true, "1080p": true, "2160p": true}
)

// Guess is the talk metadata guessed from a file name
type Guess struct {
	Conference string
	EventID    string
	Languages  []string
	Title      string
	Quality    string
	Year       int
	Confidence int // 0 to 100
}

// GuessFilename guesses talk metadata from the name of the file at path
//
// Recording names as published by media.ccc.de are recognised part by part, each recognised part adding to the
// confidence. Any other name falls back to a title-only guess with low confidence.
func GuessFilename(path string) Guess {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, filepath.Ext(name))

	if m := recordingName.FindStringSubmatch(name); m != nil {
		return recordingGuess(m)
	}

	return titleGuess(name)
}

func recordingGuess(m []string) (g Guess) {
	g.Conference = m[recordingName.SubexpIndex("conference")]
	g.EventID = m[recordingName.SubexpIndex("id")]
	g.Languages = strings.Split(strings.TrimSuffix(m[recordingName.SubexpIndex("langs")], "-"), "-")
	g.Title = normalizeTitle(m[recordingName.SubexpIndex("title")])
	g.Quality = m[recordingName.SubexpIndex("quality")]

	g.Confidence = conferenceScore + eventIDScore + languageScore
	g.Confidence += titleConfidence(g.Title)
	if g.Quality != "" {
		g.Confidence += qualityScore
	}

	if g.Year = findYear(g.Conference); g.Year == 0 {
		g.Year = findYear(g.Title)
	}
	if g.Year != 0 {
		g.Confidence += yearScore
	}

	g.Confidence = min(g.Confidence, MaxConfidence)

	return
}

func titleGuess(name string) (g Guess) {
	words := strings.Fields(separators.Replace(name))
	for len(words) > 0 && qualityWords[strings.ToLower(words[len(words)-1])] {
		g.Quality = strings.ToLower(words[len(words)-1])
		words = words[:len(words)-1]
	}

	g.Title = strings.Join(words, " ")
	if g.Title == "" {
		return
	}

	g.Confidence = titleScore
	if g.Year = findYear(g.Title); g.Year != 0 {
		g.Confidence += yearScore
	}

	return
}

// Slug returns the media.ccc.de slug prefix of a recording guess, e.g. 38c3-12345, or "" when the guess is not of
// a recording name
func (g Guess) Slug() string {
	if g.Conference == "" || g.EventID == "" {
		return ""
	}
	return g.Conference + "-" + g.EventID
}

func titleConfidence(title string) int {
	if title == "" {
		return 0
	}
	if len(strings.Fields(title)) >= 3 {
		return titleScore + longTitleScore
	}
	return titleScore
}

func normalizeTitle(title string) string {
	return strings.Join(strings.Fields(separators.Replace(title)), " ")
}

func findYear(s string) int {
	m := yearPattern.FindStringSubmatch(s)
	if m == nil {
		return 0
	}

	year, _ := strconv.Atoi(m[1])
	return year
}
